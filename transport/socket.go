package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
	maxFrameSize   = 1 << 20
)

// Status is the connection state reported to OnStatus handlers.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusClosed       Status = "closed"
)

// Frame is the envelope of every socket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes payload as the data of an event frame.
func NewFrame(event string, payload any) (Frame, error) {
	data, err := encodeJSON(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// Handler receives the payload of one inbound event.
type Handler func(data json.RawMessage)

// Handshake returns the frames written on every (re)connect, before any
// queued frame.
type Handshake func() []Frame

// Socket is the persistent half of the transport. Inbound handlers are run
// through the dispatcher one event at a time, in arrival order.
type Socket struct {
	url      string
	headers  http.Header
	dialer   *websocket.Dialer
	attempts int
	delay    time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	handlers  map[string][]Handler
	onStatus  []func(Status)
	handshake Handshake
	dispatch  func(func())
	status    Status
	running   bool
	conn      *websocket.Conn
	// writing is closed when the write loop of conn exits.
	writing chan struct{}

	paused atomic.Bool
	closed atomic.Bool
	send   chan Frame
	flush  chan chan struct{}
	wg     sync.WaitGroup
}

// NewSocket builds a socket for cfg. It does not connect.
func NewSocket(cfg Config) (*Socket, error) {
	cfg = cfg.withDefaults()
	endpoint := cfg.SocketURL
	if endpoint == "" {
		base, err := NormalizeBaseURL(cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		if endpoint, err = SocketURLFor(base); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Socket{
		url:      endpoint,
		headers:  cfg.Headers.Clone(),
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout, Proxy: http.ProxyFromEnvironment},
		attempts: cfg.ReconnectAttempts,
		delay:    cfg.ReconnectDelay,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string][]Handler),
		status:   StatusIdle,
		send:     make(chan Frame, sendBufferSize),
		flush:    make(chan chan struct{}),
	}, nil
}

// URL returns the WebSocket endpoint.
func (s *Socket) URL() string { return s.url }

// SetHandshake installs the (re)connect handshake.
func (s *Socket) SetHandshake(h Handshake) {
	s.mu.Lock()
	s.handshake = h
	s.mu.Unlock()
}

// SetDispatcher routes handler invocations, typically onto an event loop.
// Without one, handlers run on the read goroutine.
func (s *Socket) SetDispatcher(d func(func())) {
	s.mu.Lock()
	s.dispatch = d
	s.mu.Unlock()
}

// On registers h for event.
func (s *Socket) On(event string, h Handler) {
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], h)
	s.mu.Unlock()
}

// OnStatus registers a connection state observer.
func (s *Socket) OnStatus(h func(Status)) {
	s.mu.Lock()
	s.onStatus = append(s.onStatus, h)
	s.mu.Unlock()
}

// Status returns the current connection state.
func (s *Socket) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Connect starts the connection loop. Calling it while connecting or
// connected does nothing.
func (s *Socket) Connect() {
	if s.closed.Load() {
		return
	}
	s.paused.Store(false)
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
}

// Disconnect writes the frames already queued, drops the current connection
// and stops reconnecting without waiting for the loop to exit. Frames still
// queued when no connection is up are discarded. A later Connect starts over.
func (s *Socket) Disconnect() {
	s.paused.Store(true)
	s.mu.Lock()
	writing := s.writing
	s.mu.Unlock()
	if writing != nil {
		ack := make(chan struct{})
		select {
		case s.flush <- ack:
			select {
			case <-ack:
			case <-writing:
			case <-time.After(writeWait):
			}
		case <-writing:
		case <-time.After(writeWait):
		}
	}
	s.dropConn()
	for {
		select {
		case <-s.send:
		default:
			return
		}
	}
}

// Send publishes event without waiting for delivery. If the socket is not
// connected it starts connecting; queued frames are written after the
// handshake. When the queue is full the oldest frame is dropped.
func (s *Socket) Send(event string, payload any) error {
	if s.closed.Load() {
		return ErrClosed
	}
	f, err := NewFrame(event, payload)
	if err != nil {
		return err
	}
	if s.Status() != StatusConnected {
		s.Connect()
	}
	s.enqueue(f)
	return nil
}

// Close shuts the socket down permanently and waits for its goroutines.
func (s *Socket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	s.dropConn()
	s.wg.Wait()
	s.setStatus(StatusClosed)
	return nil
}

func (s *Socket) enqueue(f Frame) {
	select {
	case s.send <- f:
		return
	default:
	}
	select {
	case old := <-s.send:
		log.Warn().Str("event", old.Event).Msg("[socket] send queue full; dropping oldest frame")
	default:
	}
	select {
	case s.send <- f:
	default:
		log.Warn().Str("event", f.Event).Msg("[socket] send queue full; dropping frame")
	}
}

func (s *Socket) dropConn() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	_ = conn.Close()
}

func (s *Socket) stopped() bool {
	return s.closed.Load() || s.paused.Load()
}

func (s *Socket) run() {
	defer s.wg.Done()
	for {
		conn, err := s.dial()
		if err == nil {
			s.serve(conn)
		}

		s.mu.Lock()
		if err == nil && !s.stopped() {
			s.mu.Unlock()
			log.Info().Str("url", s.url).Msg("[socket] connection lost; reconnecting")
			continue
		}
		s.running = false
		s.mu.Unlock()

		switch {
		case s.closed.Load():
		case s.paused.Load():
			s.setStatus(StatusIdle)
		default:
			log.Warn().Err(err).Str("url", s.url).Int("attempts", s.attempts).Msg("[socket] giving up")
			s.setStatus(StatusDisconnected)
		}
		return
	}
}

// dial tries up to the configured number of attempts.
func (s *Socket) dial() (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if s.stopped() {
			return nil, ErrClosed
		}
		s.setStatus(StatusConnecting)
		ctx, cancel := context.WithTimeout(s.ctx, s.dialer.HandshakeTimeout)
		conn, _, err := s.dialer.DialContext(ctx, s.url, s.headers)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Debug().Err(err).Int("attempt", attempt).Str("url", s.url).Msg("[socket] dial failed")
		if attempt == s.attempts {
			break
		}
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
			return nil, ErrClosed
		}
	}
	return nil, &NetworkError{Op: "dial " + s.url, Err: lastErr}
}

func (s *Socket) serve(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	s.mu.Lock()
	hs := s.handshake
	s.mu.Unlock()
	if hs != nil {
		for _, f := range hs() {
			if err := writeFrame(conn, f); err != nil {
				log.Debug().Err(err).Str("event", f.Event).Msg("[socket] handshake write failed")
				return
			}
		}
	}

	done := make(chan struct{})
	writerDone := make(chan struct{})

	s.mu.Lock()
	if s.stopped() {
		s.mu.Unlock()
		return
	}
	s.conn = conn
	s.writing = writerDone
	s.mu.Unlock()
	s.setStatus(StatusConnected)
	log.Debug().Str("url", s.url).Msg("[socket] connected")

	go func() {
		defer close(writerDone)
		s.writeLoop(conn, done)
	}()
	s.readLoop(conn)
	close(done)
	<-writerDone

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.writing = nil
	}
	s.mu.Unlock()
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("[socket] read message")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		var f Frame
		if err := json.Unmarshal(payload, &f); err != nil || f.Event == "" {
			log.Debug().Err(err).Msg("[socket] ignoring malformed frame")
			continue
		}
		s.deliver(f)
	}
}

func (s *Socket) writeLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case f := <-s.send:
			if err := writeFrame(conn, f); err != nil {
				log.Debug().Err(err).Str("event", f.Event).Msg("[socket] write failed; frame lost")
				_ = conn.Close()
				return
			}
		case ack := <-s.flush:
			s.writeQueued(conn)
			close(ack)
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// writeQueued writes every frame already in the send queue.
func (s *Socket) writeQueued(conn *websocket.Conn) {
	for {
		select {
		case f := <-s.send:
			if err := writeFrame(conn, f); err != nil {
				log.Debug().Err(err).Str("event", f.Event).Msg("[socket] flush failed; frame lost")
				return
			}
		default:
			return
		}
	}
}

func (s *Socket) deliver(f Frame) {
	s.mu.Lock()
	hs := append([]Handler(nil), s.handlers[f.Event]...)
	d := s.dispatch
	s.mu.Unlock()
	if len(hs) == 0 {
		return
	}
	data := f.Data
	run := func() {
		for _, h := range hs {
			h(data)
		}
	}
	if d != nil {
		d(run)
		return
	}
	run()
}

func (s *Socket) setStatus(st Status) {
	s.mu.Lock()
	if s.status == st {
		s.mu.Unlock()
		return
	}
	s.status = st
	hs := slices.Clone(s.onStatus)
	d := s.dispatch
	s.mu.Unlock()
	if len(hs) == 0 {
		return
	}
	run := func() {
		for _, h := range hs {
			h(st)
		}
	}
	if d != nil {
		d(run)
		return
	}
	run()
}

// writeFrame writes f as one text message. HTML escaping is disabled so
// message text reaches the backend unchanged.
func writeFrame(conn *websocket.Conn, f Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(f); err != nil {
		return err
	}
	return w.Close()
}

func encodeJSON(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
