// Package fakebackend is an in-memory chat backend speaking the REST and
// WebSocket contract the client expects. Tests start it on httptest and
// steer it through its knobs.
package fakebackend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gosuda/chatify/model"
)

// Frame is one socket message as recorded by the backend.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Backend holds the server state. All methods are safe for concurrent use.
type Backend struct {
	mu        sync.Mutex
	users     map[string]model.User
	userOrder []string
	channels  []model.Channel
	messages  map[string][]model.Message
	uploads   map[string][]byte
	conns     map[*peer]struct{}
	frames    []Frame
	requests  []*http.Request

	failHistory int
	historyGate chan struct{}
	dropSends   bool
	header      string
	headerValue string

	upgrader websocket.Upgrader
	srv      *httptest.Server
	wg       sync.WaitGroup
}

// DefaultChannels is the channel list a new backend serves.
var DefaultChannels = []model.Channel{
	{ID: "general", Name: "general"},
	{ID: "random", Name: "random"},
	{ID: "announcements", Name: "announcements", IsReadOnly: true},
}

// New builds a backend without starting it.
func New() *Backend {
	return &Backend{
		users:    make(map[string]model.User),
		channels: append([]model.Channel(nil), DefaultChannels...),
		messages: make(map[string][]model.Message),
		uploads:  make(map[string][]byte),
		conns:    make(map[*peer]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start builds a backend served on a local httptest server.
func Start() *Backend {
	b := New()
	b.srv = httptest.NewServer(b.Router())
	return b
}

// URL is the REST base URL of a started backend.
func (b *Backend) URL() string { return b.srv.URL }

// Close kicks every socket and stops the server.
func (b *Backend) Close() {
	b.Kick()
	if b.srv != nil {
		b.srv.Close()
	}
	b.Kick()
	b.wg.Wait()
}

// Router exposes the REST routes and the /ws endpoint.
func (b *Backend) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(b.checkHeader)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "online"})
	})
	r.Post("/guest", b.handleGuest)
	r.Patch("/users/{uid}", b.handleUpdateUser)
	r.Get("/users", b.handleUsers)
	r.Get("/channels", b.handleChannels)
	r.Get("/messages/{cid}", b.handleHistory)
	r.Delete("/messages/{mid}", b.handleDelete)
	r.Post("/upload", b.handleUpload)
	r.Get("/ws", b.handleWS)
	return r
}

// RequireHeader rejects every request that does not carry name: value.
func (b *Backend) RequireHeader(name, value string) {
	b.mu.Lock()
	b.header, b.headerValue = name, value
	b.mu.Unlock()
}

// AddUser registers a user directly, bypassing /guest.
func (b *Backend) AddUser(name string) model.User {
	u := model.User{UID: uuid.NewString(), Name: name, Avatar: model.AvatarURL("micah", name)}
	b.mu.Lock()
	b.putUser(u)
	b.mu.Unlock()
	return u
}

// AddChannel appends a named channel.
func (b *Backend) AddChannel(ch model.Channel) {
	b.mu.Lock()
	b.channels = append(b.channels, ch)
	b.mu.Unlock()
}

// Seed stores history for a channel. Missing ids and timestamps are filled.
func (b *Backend) Seed(cid string, msgs ...model.Message) []model.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.TS.IsZero() {
			m.TS = model.Timestamp{Time: time.Now().UTC()}
		}
		m.ChannelID = cid
		if m.Reactions == nil {
			m.Reactions = model.Reactions{}
		}
		b.messages[cid] = append(b.messages[cid], m)
		out = append(out, m.Clone())
	}
	return out
}

// Messages returns the stored history of cid.
func (b *Backend) Messages(cid string) []model.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Message, 0, len(b.messages[cid]))
	for _, m := range b.messages[cid] {
		out = append(out, m.Clone())
	}
	return out
}

// FailHistory makes the next n history requests fail with 500.
func (b *Backend) FailHistory(n int) {
	b.mu.Lock()
	b.failHistory = n
	b.mu.Unlock()
}

// HoldHistory blocks history requests until the returned release is called.
func (b *Backend) HoldHistory() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.historyGate = gate
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.historyGate == gate {
				b.historyGate = nil
			}
			b.mu.Unlock()
			close(gate)
		})
	}
}

// DropSends makes send_message frames go unanswered.
func (b *Backend) DropSends(drop bool) {
	b.mu.Lock()
	b.dropSends = drop
	b.mu.Unlock()
}

// Frames returns every inbound socket frame in arrival order.
func (b *Backend) Frames() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Frame(nil), b.frames...)
}

// Events returns the names of the inbound frames in arrival order.
func (b *Backend) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.frames))
	for _, f := range b.frames {
		out = append(out, f.Event)
	}
	return out
}

// Requests returns the REST requests served so far.
func (b *Backend) Requests() []*http.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*http.Request(nil), b.requests...)
}

// Connections returns the number of open sockets.
func (b *Backend) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Members returns the identified users whose socket is joined to cid.
func (b *Backend) Members(cid string) []string {
	b.mu.Lock()
	peers := make([]*peer, 0, len(b.conns))
	for p := range b.conns {
		peers = append(peers, p)
	}
	b.mu.Unlock()
	var out []string
	for _, p := range peers {
		if uid, room := p.joined(); room == cid && uid != "" {
			out = append(out, uid)
		}
	}
	return out
}

// Kick drops every open socket.
func (b *Backend) Kick() {
	b.mu.Lock()
	peers := make([]*peer, 0, len(b.conns))
	for p := range b.conns {
		peers = append(peers, p)
	}
	b.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}

// Broadcast pushes event to every socket joined to cid, or to every socket
// when cid is empty.
func (b *Backend) Broadcast(cid, event string, payload any) {
	f, err := frame(event, payload)
	if err != nil {
		return
	}
	b.fanout(f, cid, nil)
}

// Post stores a message from user in cid and broadcasts it, as if user had
// sent it from another client.
func (b *Backend) Post(user model.User, cid, text string) model.Message {
	m := b.store(user, model.SendMessage{ChannelID: cid, Text: text, UID: user.UID})
	if f, err := frame(model.EventMessage, m); err == nil {
		b.fanout(f, cid, nil)
	}
	return m
}

func (b *Backend) putUser(u model.User) {
	if _, ok := b.users[u.UID]; !ok {
		b.userOrder = append(b.userOrder, u.UID)
	}
	b.users[u.UID] = u
}

func (b *Backend) store(user model.User, req model.SendMessage) model.Message {
	m := model.Message{
		ID:        uuid.NewString(),
		ChannelID: req.ChannelID,
		UID:       user.UID,
		Name:      user.Name,
		Avatar:    user.Avatar,
		Text:      req.Text,
		TS:        model.Timestamp{Time: time.Now().UTC()},
		ReplyTo:   req.ReplyTo,
		Reactions: model.Reactions{},
		Nonce:     req.Nonce,
	}
	b.mu.Lock()
	b.messages[req.ChannelID] = append(b.messages[req.ChannelID], m)
	b.mu.Unlock()
	return m.Clone()
}

func (b *Backend) checkHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		name, value := b.header, b.headerValue
		b.requests = append(b.requests, r.Clone(r.Context()))
		b.mu.Unlock()
		if name != "" && r.Header.Get(name) != value {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "missing " + name})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func frame(event string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: data}, nil
}
