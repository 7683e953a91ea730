// Package reconcile merges optimistic local sends, server echoes, history
// loads and reaction updates into one ordered sequence per channel.
//
// The engine is single-threaded: it holds no locks and must only be called
// from one goroutine (the session's event loop).
package reconcile

import (
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/chatify/model"
)

// DefaultPendingTimeout is how long a temporary message waits for its echo
// before it is marked failed.
const DefaultPendingTimeout = 15 * time.Second

// Emitter publishes an outbound socket event.
type Emitter interface {
	Send(event string, payload any) error
}

// Store is the slice of client state the engine reads and writes.
type Store interface {
	User() (model.User, bool)
	ActiveChannel() string
	SetActiveChannel(id string)
	ReplyContext() *model.ReplyContext
	SetReplyContext(rc model.ReplyContext)
	ClearReplyContext()
}

// Kind names what an Event did to the sequence.
type Kind string

const (
	KindAppend     Kind = "append"
	KindReplace    Kind = "replace"
	KindRemove     Kind = "remove"
	KindReactions  Kind = "reactions"
	KindFailed     Kind = "failed"
	KindRetry      Kind = "retry"
	KindLoading    Kind = "loading"
	KindLoaded     Kind = "loaded"
	KindLoadFailed Kind = "load_failed"
)

// Event describes one change for the rendering sink.
type Event struct {
	Kind      Kind
	ChannelID string
	// Index is the position of Message in its channel, or -1.
	Index   int
	Message model.Message
	// TempID is the temporary entry a replace acted on.
	TempID string
	// Messages is the whole sequence after a load.
	Messages []model.Message
	Err      error
}

// Load is the ticket returned by BeginLoad. Only the most recent ticket can
// be finished.
type Load struct {
	ChannelID string
	gen       uint64
}

type pending struct {
	channel string
	tempID  string
	sentAt  time.Time
	failed  bool
	req     model.SendMessage
}

// Engine is the reconciliation state machine.
type Engine struct {
	store    Store
	emit     Emitter
	clock    clock.Clock
	timeout  time.Duration
	newNonce func() string

	channels map[string]*feed
	pending  map[string]*pending
	joined   string
	gen      uint64
	loading  bool
	errored  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithPendingTimeout sets how long a send waits for confirmation.
func WithPendingTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithNonce replaces the nonce generator.
func WithNonce(fn func() string) Option { return func(e *Engine) { e.newNonce = fn } }

// New builds an engine over store, publishing through emit.
func New(store Store, emit Emitter, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		emit:     emit,
		clock:    clock.New(),
		timeout:  DefaultPendingTimeout,
		newNonce: uuid.NewString,
		channels: make(map[string]*feed),
		pending:  make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Active returns the active channel id.
func (e *Engine) Active() string { return e.store.ActiveChannel() }

// Joined returns the channel the socket has joined, if any.
func (e *Engine) Joined() string { return e.joined }

// Loading reports whether the active channel's history is in flight.
func (e *Engine) Loading() bool { return e.loading }

// Errored reports whether the last history load failed.
func (e *Engine) Errored() bool { return e.errored }

// Pending returns the number of unconfirmed sends.
func (e *Engine) Pending() int { return len(e.pending) }

// Messages returns a copy of the sequence held for cid.
func (e *Engine) Messages(cid string) []model.Message {
	f := e.channels[cid]
	if f == nil {
		return nil
	}
	return f.snapshot()
}

// BeginLoad starts switching to cid: it leaves the joined channel, evicts the
// previous channel's sequence and nonces and marks cid active and loading.
// The caller fetches the history and hands it to FinishLoad with the ticket.
func (e *Engine) BeginLoad(cid string) (Load, Event) {
	if e.joined != "" {
		e.send(model.EventLeave, e.joined)
		e.joined = ""
	}
	if prev := e.store.ActiveChannel(); prev != "" && prev != cid {
		e.evict(prev)
	}
	e.store.SetActiveChannel(cid)
	e.gen++
	e.loading = true
	e.errored = false
	return Load{ChannelID: cid, gen: e.gen}, Event{Kind: KindLoading, ChannelID: cid, Index: -1}
}

// FinishLoad applies a history result. It reports false, and changes
// nothing, when ld is no longer the current load.
//
// On success the sequence becomes the history followed by any live entries
// that arrived meanwhile and are not part of it, and the channel is joined.
// On failure the sequence is emptied and the errored flag set.
func (e *Engine) FinishLoad(ld Load, history []model.Message, err error) (Event, bool) {
	if ld.gen != e.gen || ld.ChannelID != e.store.ActiveChannel() {
		log.Debug().Str("channel", ld.ChannelID).Msg("[reconcile] discarding stale history")
		return Event{}, false
	}
	e.loading = false
	cid := ld.ChannelID

	if err != nil {
		e.errored = true
		e.channels[cid] = newFeed()
		return Event{Kind: KindLoadFailed, ChannelID: cid, Index: -1, Err: err}, true
	}

	next := newFeed()
	confirmed := make(map[string]bool)
	for _, m := range history {
		m = normalize(m, cid)
		if next.has(m.ID) {
			continue
		}
		next.append(m)
		if m.Nonce != "" {
			confirmed[m.Nonce] = true
		}
	}
	if live := e.channels[cid]; live != nil {
		for _, m := range live.msgs {
			if next.has(m.ID) {
				continue
			}
			if m.IsTemp && confirmed[m.Nonce] {
				continue
			}
			next.append(m)
		}
	}
	for nonce, p := range e.pending {
		if p.channel == cid && confirmed[nonce] {
			delete(e.pending, nonce)
		}
	}
	e.channels[cid] = next

	if cid != model.OverviewChannel {
		e.send(model.EventJoin, cid)
		e.joined = cid
	}
	return Event{Kind: KindLoaded, ChannelID: cid, Index: -1, Messages: next.snapshot()}, true
}

// SubmitLocal appends a temporary message to the active channel and emits
// send_message. The pending reply is attached and then cleared.
func (e *Engine) SubmitLocal(text string, reply *model.ReplyContext) (Event, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Event{}, &model.ValidationError{Field: "text", Reason: "message is empty"}
	}
	cid := e.store.ActiveChannel()
	if cid == "" || cid == model.OverviewChannel {
		return Event{}, &model.ValidationError{Field: "channel", Reason: "no channel is active"}
	}
	user, ok := e.store.User()
	if !ok {
		return Event{}, &model.ValidationError{Field: "user", Reason: "not logged in"}
	}

	nonce := e.newNonce()
	now := e.clock.Now()
	if reply != nil {
		rc := *reply
		reply = &rc
	}
	temp := model.Message{
		ID:        model.TempID(nonce),
		ChannelID: cid,
		UID:       user.UID,
		Name:      user.Name,
		Avatar:    user.Avatar,
		Text:      text,
		TS:        model.Timestamp{Time: now.UTC()},
		ReplyTo:   reply,
		Reactions: model.Reactions{},
		Nonce:     nonce,
		IsTemp:    true,
	}
	f := e.feedFor(cid)
	i := f.append(temp)

	req := model.SendMessage{ChannelID: cid, Text: text, UID: user.UID, Nonce: nonce, ReplyTo: reply}
	e.pending[nonce] = &pending{channel: cid, tempID: temp.ID, sentAt: now, req: req}
	e.send(model.EventSendMessage, req)
	e.store.ClearReplyContext()

	return Event{Kind: KindAppend, ChannelID: cid, Index: i, Message: temp.Clone()}, nil
}

// OnRemoteMessage merges a message delivered by the socket. A message whose
// nonce matches a pending send takes the temporary entry's place; a message
// whose id is already held is dropped.
func (e *Engine) OnRemoteMessage(m model.Message) (Event, bool) {
	if m.ChannelID == "" {
		if p, ok := e.pending[m.Nonce]; ok && m.Nonce != "" {
			m.ChannelID = p.channel
		} else {
			m.ChannelID = e.store.ActiveChannel()
		}
	}
	m = normalize(m, m.ChannelID)

	if p, ok := e.pending[m.Nonce]; ok && m.Nonce != "" {
		delete(e.pending, m.Nonce)
		if f := e.channels[p.channel]; f != nil {
			if _, i, ok := f.get(p.tempID); ok {
				if f.has(m.ID) {
					temp := f.removeAt(i)
					return Event{Kind: KindRemove, ChannelID: p.channel, Index: i, Message: temp}, true
				}
				f.replaceAt(i, m)
				return Event{Kind: KindReplace, ChannelID: p.channel, Index: i, Message: m.Clone(), TempID: p.tempID}, true
			}
		}
	}

	f := e.feedFor(m.ChannelID)
	if f.has(m.ID) {
		return Event{}, false
	}
	i := f.append(m)
	return Event{Kind: KindAppend, ChannelID: m.ChannelID, Index: i, Message: m.Clone()}, true
}

// OnReactionUpdate replaces the reactions of a held message. Messages that
// are not held are ignored.
func (e *Engine) OnReactionUpdate(mid string, reactions model.Reactions) (Event, bool) {
	cid, m, i, ok := e.find(mid)
	if !ok {
		return Event{}, false
	}
	m.Reactions = reactions.Clone()
	return Event{Kind: KindReactions, ChannelID: cid, Index: i, Message: m.Clone()}, true
}

// ToggleReaction flips the local user's emoji on mid and emits add_reaction.
// The server's reaction_update remains authoritative.
func (e *Engine) ToggleReaction(mid, emoji string) (Event, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return Event{}, &model.ValidationError{Field: "emoji", Reason: "empty"}
	}
	user, ok := e.store.User()
	if !ok {
		return Event{}, &model.ValidationError{Field: "user", Reason: "not logged in"}
	}
	cid, m, i, ok := e.find(mid)
	if !ok {
		return Event{}, &model.ValidationError{Field: "message", Reason: "not found"}
	}
	if m.IsTemp {
		return Event{}, &model.ValidationError{Field: "message", Reason: "not confirmed yet"}
	}
	if m.Reactions == nil {
		m.Reactions = model.Reactions{}
	}
	m.Reactions.Toggle(emoji, user.UID)
	e.send(model.EventAddReaction, model.AddReaction{MessageID: mid, Emoji: emoji, UID: user.UID})
	return Event{Kind: KindReactions, ChannelID: cid, Index: i, Message: m.Clone()}, nil
}

// SetReplyContext stores the pending reply with a truncated snippet.
func (e *Engine) SetReplyContext(mid, name, text string) model.ReplyContext {
	rc := model.ReplyContext{ID: mid, Name: name, Text: model.Snippet(text)}
	e.store.SetReplyContext(rc)
	return rc
}

// ReplyTo sets the pending reply from a message in the active channel.
func (e *Engine) ReplyTo(mid string) (model.ReplyContext, error) {
	f := e.channels[e.store.ActiveChannel()]
	if f == nil {
		return model.ReplyContext{}, &model.ValidationError{Field: "message", Reason: "not found"}
	}
	m, _, ok := f.get(mid)
	if !ok {
		return model.ReplyContext{}, &model.ValidationError{Field: "message", Reason: "not found"}
	}
	return e.SetReplyContext(m.ID, m.Name, m.Text), nil
}

// ClearReplyContext drops the pending reply.
func (e *Engine) ClearReplyContext() { e.store.ClearReplyContext() }

// Remove drops a message whose deletion the backend acknowledged.
func (e *Engine) Remove(mid string) (Event, bool) {
	for cid, f := range e.channels {
		if _, i, ok := f.get(mid); ok {
			m := f.removeAt(i)
			if m.IsTemp {
				delete(e.pending, m.Nonce)
			}
			return Event{Kind: KindRemove, ChannelID: cid, Index: i, Message: m}, true
		}
	}
	return Event{}, false
}

// Find returns a copy of a held message.
func (e *Engine) Find(mid string) (model.Message, bool) {
	_, m, _, ok := e.find(mid)
	if !ok {
		return model.Message{}, false
	}
	return m.Clone(), true
}

// ExpirePending marks sends older than the pending timeout as failed. A
// failed entry still accepts a late confirmation.
func (e *Engine) ExpirePending(now time.Time) []Event {
	var expired []*pending
	for _, p := range e.pending {
		if !p.failed && now.Sub(p.sentAt) >= e.timeout {
			expired = append(expired, p)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].sentAt.Equal(expired[j].sentAt) {
			return expired[i].tempID < expired[j].tempID
		}
		return expired[i].sentAt.Before(expired[j].sentAt)
	})

	var out []Event
	for _, p := range expired {
		p.failed = true
		f := e.channels[p.channel]
		if f == nil {
			continue
		}
		m, i, ok := f.get(p.tempID)
		if !ok {
			continue
		}
		m.Failed = true
		log.Warn().Str("channel", p.channel).Str("nonce", p.req.Nonce).Msg("[reconcile] send not confirmed")
		out = append(out, Event{Kind: KindFailed, ChannelID: p.channel, Index: i, Message: m.Clone()})
	}
	return out
}

// Retry re-sends a failed temporary message with its original nonce.
func (e *Engine) Retry(tempID string) (Event, error) {
	var p *pending
	for _, candidate := range e.pending {
		if candidate.tempID == tempID {
			p = candidate
			break
		}
	}
	if p == nil {
		return Event{}, &model.ValidationError{Field: "message", Reason: "nothing to retry"}
	}
	if !p.failed {
		return Event{}, &model.ValidationError{Field: "message", Reason: "still waiting for confirmation"}
	}
	f := e.channels[p.channel]
	if f == nil {
		return Event{}, &model.ValidationError{Field: "message", Reason: "not found"}
	}
	m, i, ok := f.get(tempID)
	if !ok {
		return Event{}, &model.ValidationError{Field: "message", Reason: "not found"}
	}
	p.failed = false
	p.sentAt = e.clock.Now()
	m.Failed = false
	e.send(model.EventSendMessage, p.req)
	return Event{Kind: KindRetry, ChannelID: p.channel, Index: i, Message: m.Clone()}, nil
}

// Reset forgets every channel and pending send. In-flight loads are
// invalidated.
func (e *Engine) Reset() {
	e.channels = make(map[string]*feed)
	e.pending = make(map[string]*pending)
	e.joined = ""
	e.gen++
	e.loading = false
	e.errored = false
	e.store.SetActiveChannel("")
}

func (e *Engine) evict(cid string) {
	delete(e.channels, cid)
	for nonce, p := range e.pending {
		if p.channel == cid {
			delete(e.pending, nonce)
		}
	}
}

func (e *Engine) feedFor(cid string) *feed {
	f := e.channels[cid]
	if f == nil {
		f = newFeed()
		e.channels[cid] = f
	}
	return f
}

// find looks in the active channel first, then in every retained channel.
func (e *Engine) find(mid string) (string, *model.Message, int, bool) {
	active := e.store.ActiveChannel()
	if f := e.channels[active]; f != nil {
		if m, i, ok := f.get(mid); ok {
			return active, m, i, true
		}
	}
	for cid, f := range e.channels {
		if cid == active {
			continue
		}
		if m, i, ok := f.get(mid); ok {
			return cid, m, i, true
		}
	}
	return "", nil, -1, false
}

func (e *Engine) send(event string, payload any) {
	if e.emit == nil {
		return
	}
	if err := e.emit.Send(event, payload); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("[reconcile] emit failed")
	}
}

func normalize(m model.Message, cid string) model.Message {
	m = m.Clone()
	m.ChannelID = cid
	m.IsTemp = false
	m.Failed = false
	return m
}
