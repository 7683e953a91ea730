// Package session wires the transport, the local store, the reconciliation
// engine and the typing tracker together behind one event loop.
//
// Socket handlers, REST completions, the housekeeping ticker and UI calls
// are all posted onto the loop, so the engine and tracker only ever run on
// one goroutine. Sink methods are invoked on the loop and must not call back
// into the Session synchronously.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/chatify/model"
	"github.com/gosuda/chatify/reconcile"
	"github.com/gosuda/chatify/state"
	"github.com/gosuda/chatify/transport"
	"github.com/gosuda/chatify/typing"
)

// DefaultTickInterval is the housekeeping period.
const DefaultTickInterval = 250 * time.Millisecond

var (
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("session: closed")
	// ErrSuperseded is returned by OpenChannel when a newer load replaced it.
	ErrSuperseded = errors.New("session: channel load superseded")
)

// Sink receives reconciled state for rendering. Events concern the active
// channel only.
type Sink interface {
	Messages(ev reconcile.Event)
	Typing(cid string, names []string)
	Users(users []model.User)
	Connection(status transport.Status)
	LoggedOut()
}

// Options configures a Session.
type Options struct {
	Transport      transport.Config
	PendingTimeout time.Duration
	// HourlyReset logs the user out at the top of every hour.
	HourlyReset  bool
	TickInterval time.Duration
	Clock        clock.Clock
}

// Session is the explicit client context.
type Session struct {
	store  *state.Store
	client *transport.Client
	sock   *transport.Socket
	engine *reconcile.Engine
	typing *typing.Tracker
	sink   Sink
	clock  clock.Clock

	hourlyReset bool
	tick        time.Duration
	lastHour    time.Time

	// channels is only touched on the loop.
	channels map[string]model.Channel

	ctx       context.Context
	cancel    context.CancelFunc
	commands  chan func()
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds a session and starts its loop. If store holds a user the
// socket starts connecting immediately.
func New(store *state.Store, sink Sink, opts Options) (*Session, error) {
	client, err := transport.NewClient(opts.Transport)
	if err != nil {
		return nil, err
	}
	sock, err := transport.NewSocket(opts.Transport)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = nopSink{}
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		store:       store,
		client:      client,
		sock:        sock,
		sink:        sink,
		clock:       clk,
		hourlyReset: opts.HourlyReset,
		tick:        tick,
		lastHour:    clk.Now().Truncate(time.Hour),
		channels:    make(map[string]model.Channel),
		ctx:         ctx,
		cancel:      cancel,
		commands:    make(chan func(), 256),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.engine = reconcile.New(store, sock,
		reconcile.WithClock(clk),
		reconcile.WithPendingTimeout(opts.PendingTimeout),
	)
	s.typing = typing.New(sock, store, typing.WithClock(clk))

	sock.SetHandshake(s.handshake)
	sock.SetDispatcher(func(fn func()) { s.post(fn) })
	s.registerHandlers()

	go s.loop()
	if _, ok := store.User(); ok {
		sock.Connect()
	}
	return s, nil
}

func (s *Session) loop() {
	defer close(s.done)
	ticker := s.clock.Ticker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case fn := <-s.commands:
			fn()
		case now := <-ticker.C:
			s.housekeep(now)
		case <-s.closing:
			return
		}
	}
}

// post queues fn on the loop. It reports false once the session is closing.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.closing:
		return false
	default:
	}
	select {
	case s.commands <- fn:
		return true
	case <-s.closing:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (s *Session) call(fn func()) error {
	done := make(chan struct{})
	if !s.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-s.closing:
		return ErrClosed
	}
}

// async runs fn on its own goroutine, tracked for Close.
func (s *Session) async(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// Close stops the loop and the socket. The store stays open.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.closing)
		_ = s.sock.Close()
		<-s.done
		s.wg.Wait()
	})
	return nil
}

// Housekeep runs one housekeeping pass now. The loop does this on every
// tick.
func (s *Session) Housekeep() error {
	return s.call(func() { s.housekeep(s.clock.Now()) })
}

func (s *Session) housekeep(now time.Time) {
	active := s.engine.Active()
	for _, cid := range s.typing.Tick(now) {
		if cid == active {
			s.sink.Typing(cid, s.typing.Names(cid))
		}
	}
	for _, ev := range s.engine.ExpirePending(now) {
		s.render(ev)
	}
	if hour := now.Truncate(time.Hour); hour.After(s.lastHour) {
		s.lastHour = hour
		if _, ok := s.store.User(); ok && s.hourlyReset {
			log.Info().Time("hour", hour).Msg("[session] hourly reset")
			s.logout()
		}
	}
}

// ResetIn returns the time left before the next hourly reset.
func (s *Session) ResetIn() time.Duration {
	now := s.clock.Now()
	return now.Truncate(time.Hour).Add(time.Hour).Sub(now)
}

func (s *Session) handshake() []transport.Frame {
	u, ok := s.store.User()
	if !ok {
		return nil
	}
	var frames []transport.Frame
	if f, err := transport.NewFrame(model.EventIdentify, u.UID); err == nil {
		frames = append(frames, f)
	}
	if cid := s.store.ActiveChannel(); cid != "" && cid != model.OverviewChannel {
		if f, err := transport.NewFrame(model.EventJoin, cid); err == nil {
			frames = append(frames, f)
		}
	}
	return frames
}

// render forwards ev to the sink when it concerns the active channel.
func (s *Session) render(ev reconcile.Event) {
	if ev.ChannelID != s.engine.Active() {
		return
	}
	s.sink.Messages(ev)
}

// logout resolves any outstanding typing:true before the socket goes down;
// Disconnect writes it out with the rest of the queue.
func (s *Session) logout() {
	s.typing.Flush()
	s.typing.Reset()
	s.engine.Reset()
	s.sock.Disconnect()
	if err := s.store.ClearUser(); err != nil {
		log.Error().Err(err).Msg("[session] clear user")
	}
	s.sink.LoggedOut()
}

type nopSink struct{}

func (nopSink) Messages(reconcile.Event)    {}
func (nopSink) Typing(string, []string)     {}
func (nopSink) Users([]model.User)          {}
func (nopSink) Connection(transport.Status) {}
func (nopSink) LoggedOut()                  {}
