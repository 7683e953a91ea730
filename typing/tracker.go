// Package typing collapses local keystrokes into typing on/off events and
// keeps the per-channel set of remote typists.
package typing

import (
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/chatify/model"
)

const (
	DefaultIdle      = 2 * time.Second
	DefaultRemoteTTL = 3 * time.Second
)

// Emitter publishes an outbound socket event.
type Emitter interface {
	Send(event string, payload any) error
}

// Identity supplies the local user.
type Identity interface {
	User() (model.User, bool)
}

type typist struct {
	name string
	seen time.Time
}

// Tracker is single-threaded like the reconciliation engine.
type Tracker struct {
	emit  Emitter
	self  Identity
	clock clock.Clock
	idle  time.Duration
	ttl   time.Duration

	// local is the channel with an unresolved typing:true.
	local   string
	localID string
	lastKey time.Time

	remote map[string]map[string]typist
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithClock(c clock.Clock) Option { return func(t *Tracker) { t.clock = c } }

func WithIdle(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.idle = d
		}
	}
}

func WithRemoteTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.ttl = d
		}
	}
}

func New(emit Emitter, self Identity, opts ...Option) *Tracker {
	t := &Tracker{
		emit:   emit,
		self:   self,
		clock:  clock.New(),
		idle:   DefaultIdle,
		ttl:    DefaultRemoteTTL,
		remote: make(map[string]map[string]typist),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Keystroke records input in cid. The first keystroke of a burst emits
// typing:true; typing in another channel first resolves the previous one.
func (t *Tracker) Keystroke(cid string) {
	if cid == "" || cid == model.OverviewChannel {
		return
	}
	u, ok := t.self.User()
	if !ok {
		return
	}
	if t.local != "" && t.local != cid {
		t.Flush()
	}
	t.lastKey = t.clock.Now()
	if t.local == cid {
		return
	}
	t.local, t.localID = cid, u.UID
	t.send(model.Typing{ChannelID: cid, UID: u.UID, IsTyping: true})
}

// Typing reports the channel with an outstanding typing:true, if any.
func (t *Tracker) Typing() string { return t.local }

// Flush resolves an outstanding typing:true immediately.
func (t *Tracker) Flush() {
	if t.local == "" {
		return
	}
	cid, uid := t.local, t.localID
	t.local, t.localID = "", ""
	t.send(model.Typing{ChannelID: cid, UID: uid, IsTyping: false})
}

// Tick emits the idle typing:false and expires stale remote typists. It
// returns the channels whose typist set changed.
func (t *Tracker) Tick(now time.Time) []string {
	if t.local != "" && now.Sub(t.lastKey) >= t.idle {
		t.Flush()
	}
	var changed []string
	for cid, set := range t.remote {
		n := len(set)
		for key, ty := range set {
			if now.Sub(ty.seen) >= t.ttl {
				delete(set, key)
			}
		}
		if len(set) != n {
			changed = append(changed, cid)
		}
		if len(set) == 0 {
			delete(t.remote, cid)
		}
	}
	sort.Strings(changed)
	return changed
}

// OnRemote applies a typing_update. It reports whether the typist set of
// u.ChannelID changed.
func (t *Tracker) OnRemote(u model.TypingUpdate) bool {
	if u.ChannelID == "" {
		return false
	}
	if self, ok := t.self.User(); ok && u.UID != "" && u.UID == self.UID {
		return false
	}
	key := u.UID
	if key == "" {
		key = u.Name
	}
	if key == "" {
		return false
	}
	set := t.remote[u.ChannelID]
	if !u.IsTyping {
		if _, ok := set[key]; !ok {
			return false
		}
		delete(set, key)
		if len(set) == 0 {
			delete(t.remote, u.ChannelID)
		}
		return true
	}
	if set == nil {
		set = make(map[string]typist)
		t.remote[u.ChannelID] = set
	}
	prev, existed := set[key]
	set[key] = typist{name: u.DisplayName(), seen: t.clock.Now()}
	return !existed || prev.name != u.DisplayName()
}

// Names returns the sorted display names typing in cid.
func (t *Tracker) Names(cid string) []string {
	set := t.remote[cid]
	if len(set) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(set))
	out := make([]string, 0, len(set))
	for _, ty := range set {
		if seen[ty.name] {
			continue
		}
		seen[ty.name] = true
		out = append(out, ty.name)
	}
	sort.Strings(out)
	return out
}

// Reset drops all state without emitting anything.
func (t *Tracker) Reset() {
	t.local, t.localID = "", ""
	t.remote = make(map[string]map[string]typist)
}

func (t *Tracker) send(p model.Typing) {
	if t.emit == nil {
		return
	}
	if err := t.emit.Send(model.EventTyping, p); err != nil {
		log.Debug().Err(err).Str("channel", p.ChannelID).Msg("[typing] emit failed")
	}
}
