package session

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/chatify/fakebackend"
	"github.com/gosuda/chatify/model"
	"github.com/gosuda/chatify/reconcile"
	"github.com/gosuda/chatify/state"
	"github.com/gosuda/chatify/transport"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type recSink struct {
	mu        sync.Mutex
	events    []reconcile.Event
	typing    map[string][]string
	users     []model.User
	statuses  []transport.Status
	loggedOut int
}

func (r *recSink) Messages(ev reconcile.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recSink) Typing(cid string, names []string) {
	r.mu.Lock()
	if r.typing == nil {
		r.typing = make(map[string][]string)
	}
	r.typing[cid] = names
	r.mu.Unlock()
}

func (r *recSink) Users(users []model.User) {
	r.mu.Lock()
	r.users = users
	r.mu.Unlock()
}

func (r *recSink) Connection(st transport.Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, st)
	r.mu.Unlock()
}

func (r *recSink) LoggedOut() {
	r.mu.Lock()
	r.loggedOut++
	r.mu.Unlock()
}

func (r *recSink) lastKind() reconcile.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return ""
	}
	return r.events[len(r.events)-1].Kind
}

func (r *recSink) typists(cid string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typing[cid]
}

func (r *recSink) knows(uid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.UID == uid {
			return true
		}
	}
	return false
}

func (r *recSink) logouts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loggedOut
}

func startBackend(t *testing.T) *fakebackend.Backend {
	t.Helper()
	b := fakebackend.Start()
	t.Cleanup(b.Close)
	return b
}

func openStore(t *testing.T) *state.Store {
	t.Helper()
	storage, err := state.OpenPebble("chatify", vfs.NewMem())
	require.NoError(t, err)
	st, err := state.Open(storage)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newSession(t *testing.T, b *fakebackend.Backend, mutate ...func(*Options)) (*Session, *recSink) {
	t.Helper()
	return newSessionWithStore(t, b, openStore(t), mutate...)
}

func newSessionWithStore(t *testing.T, b *fakebackend.Backend, st *state.Store, mutate ...func(*Options)) (*Session, *recSink) {
	t.Helper()
	opts := Options{Transport: transport.Config{
		BaseURL:        b.URL(),
		ReconnectDelay: 20 * time.Millisecond,
	}}
	for _, fn := range mutate {
		fn(&opts)
	}
	sink := &recSink{}
	s, err := New(st, sink, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, sink
}

func login(t *testing.T, s *Session, name string) model.User {
	t.Helper()
	u, err := s.Login(context.Background(), name, "")
	require.NoError(t, err)
	return u
}

func enter(t *testing.T, b *fakebackend.Backend, s *Session, uid, cid string) {
	t.Helper()
	require.NoError(t, s.OpenChannel(context.Background(), cid))
	require.Eventually(t, func() bool { return slices.Contains(b.Members(cid), uid) }, waitFor, tick)
}

func texts(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func confirmed(s *Session, text string) (model.Message, bool) {
	for _, m := range s.Messages() {
		if m.Text == text && !m.IsTemp {
			return m, true
		}
	}
	return model.Message{}, false
}

func TestLoginOpenSendConfirm(t *testing.T) {
	b := startBackend(t)
	bob := b.AddUser("Bob")
	b.Seed("general", model.Message{UID: bob.UID, Name: bob.Name, Text: "welcome"})
	s, sink := newSession(t, b)

	alex := login(t, s, "  Alex ")
	assert.Equal(t, "Alex", alex.Name)
	assert.Contains(t, alex.Avatar, "micah")

	channels, err := s.Channels(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, channels)
	assert.Equal(t, OverviewChannel, channels[0])
	assert.Equal(t, fakebackend.DefaultChannels, channels[1:])

	enter(t, b, s, alex.UID, "general")
	assert.Equal(t, []string{"welcome"}, texts(s.Messages()))
	assert.Equal(t, reconcile.KindLoaded, sink.lastKind())
	ch, ok := s.Channel()
	require.True(t, ok)
	assert.Equal(t, "general", ch.ID)

	temp, err := s.Send("hello")
	require.NoError(t, err)
	assert.True(t, temp.IsTemp)
	assert.Equal(t, []string{"welcome", "hello"}, texts(s.Messages()))

	require.Eventually(t, func() bool { _, ok := confirmed(s, "hello"); return ok }, waitFor, tick)
	got, _ := confirmed(s, "hello")
	stored := b.Messages("general")
	require.Len(t, stored, 2)
	assert.Equal(t, stored[1].ID, got.ID)
	assert.Len(t, s.Messages(), 2, "the echo replaces the temporary copy")

	events := b.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, model.EventIdentify, events[0])
	assert.Contains(t, events, model.EventJoin)
	assert.Contains(t, events, model.EventSendMessage)
}

func TestLoginValidation(t *testing.T) {
	b := startBackend(t)
	s, _ := newSession(t, b)

	_, err := s.Login(context.Background(), "   ", "")
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "username", verr.Field)

	err = s.OpenChannel(context.Background(), "general")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "user", verr.Field)

	require.NoError(t, s.OpenChannel(context.Background(), model.OverviewChannel), "the overview needs no identity")
	assert.Empty(t, b.Connections())
}

func TestGuestLoginAndProfileUpdate(t *testing.T) {
	b := startBackend(t)
	s, _ := newSession(t, b)

	guest, err := s.LoginAsGuest(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(guest.Name, "Guest #"))
	assert.Contains(t, guest.Avatar, "identicon")

	u, err := s.UpdateProfile(context.Background(), "Renamed", "")
	require.NoError(t, err)
	assert.Equal(t, guest.UID, u.UID)
	assert.Equal(t, "Renamed", u.Name)
	cur, ok := s.User()
	require.True(t, ok)
	assert.Equal(t, "Renamed", cur.Name)
}

func TestRemoteMessageAndReactionToggle(t *testing.T) {
	b := startBackend(t)
	bob := b.AddUser("Bob")
	s, _ := newSession(t, b)
	alex := login(t, s, "Alex")
	enter(t, b, s, alex.UID, "general")

	posted := b.Post(bob, "general", "yo")
	require.Eventually(t, func() bool { _, ok := confirmed(s, "yo"); return ok }, waitFor, tick)

	hasReaction := func() bool {
		m, ok := confirmed(s, "yo")
		return ok && m.Reactions.Has("👍", alex.UID)
	}
	require.NoError(t, s.React(posted.ID, "👍"))
	require.Eventually(t, hasReaction, waitFor, tick)

	require.NoError(t, s.React(posted.ID, "👍"))
	require.Eventually(t, func() bool { return !hasReaction() }, waitFor, tick)

	var verr *model.ValidationError
	require.ErrorAs(t, s.React(posted.ID, ""), &verr)
	require.ErrorAs(t, s.React("missing", "👍"), &verr)
}

func TestReplyIsAttachedAndCleared(t *testing.T) {
	b := startBackend(t)
	bob := b.AddUser("Bob")
	seeded := b.Seed("general", model.Message{UID: bob.UID, Name: bob.Name, Text: "question?"})
	s, _ := newSession(t, b)
	alex := login(t, s, "Alex")
	enter(t, b, s, alex.UID, "general")

	rc, err := s.Reply(seeded[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReplyContext{ID: seeded[0].ID, Name: "Bob", Text: "question?"}, rc)
	require.NotNil(t, s.ReplyContext())

	_, err = s.Send("answer")
	require.NoError(t, err)
	assert.Nil(t, s.ReplyContext())

	require.Eventually(t, func() bool { _, ok := confirmed(s, "answer"); return ok }, waitFor, tick)
	m, _ := confirmed(s, "answer")
	require.NotNil(t, m.ReplyTo)
	assert.Equal(t, seeded[0].ID, m.ReplyTo.ID)

	_, err = s.Reply(seeded[0].ID)
	require.NoError(t, err)
	require.NoError(t, s.ClearReply())
	assert.Nil(t, s.ReplyContext())
}

func TestRemoteTypingIsShownAndCleared(t *testing.T) {
	b := startBackend(t)
	alexSess, alexSink := newSession(t, b)
	bobSess, _ := newSession(t, b)
	alex := login(t, alexSess, "Alex")
	bob := login(t, bobSess, "Bob")
	enter(t, b, alexSess, alex.UID, "general")
	enter(t, b, bobSess, bob.UID, "general")

	require.NoError(t, bobSess.Keystroke())
	require.Eventually(t, func() bool {
		return slices.Equal(alexSess.TypingNames(), []string{"Bob"})
	}, waitFor, tick)
	assert.Equal(t, []string{"Bob"}, alexSink.typists("general"))

	_, err := bobSess.Send("done typing")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(alexSess.TypingNames()) == 0 }, waitFor, tick)
	assert.Empty(t, bobSess.TypingNames(), "own typing is not echoed back")
}

func TestHistoryFailureThenReload(t *testing.T) {
	b := startBackend(t)
	b.Seed("general", model.Message{UID: "x", Name: "X", Text: "old"})
	s, sink := newSession(t, b)
	login(t, s, "Alex")

	b.FailHistory(1)
	err := s.OpenChannel(context.Background(), "general")
	require.Error(t, err)
	msg, ok := transport.RejectionMessage(err)
	require.True(t, ok)
	assert.Equal(t, "history unavailable", msg)
	loading, errored := s.Loading()
	assert.False(t, loading)
	assert.True(t, errored)
	assert.Equal(t, reconcile.KindLoadFailed, sink.lastKind())
	assert.Empty(t, s.Messages())

	require.NoError(t, s.OpenChannel(context.Background(), "general"))
	_, errored = s.Loading()
	assert.False(t, errored)
	assert.Equal(t, []string{"old"}, texts(s.Messages()))
}

func TestStaleLoadIsSuperseded(t *testing.T) {
	b := startBackend(t)
	b.Seed("general", model.Message{UID: "x", Name: "X", Text: "in general"})
	b.Seed("random", model.Message{UID: "x", Name: "X", Text: "in random"})
	s, _ := newSession(t, b)
	login(t, s, "Alex")

	requested := func(path string) func() bool {
		return func() bool {
			for _, r := range b.Requests() {
				if r.URL.Path == path {
					return true
				}
			}
			return false
		}
	}

	release := b.HoldHistory()
	first := make(chan error, 1)
	go func() { first <- s.OpenChannel(context.Background(), "general") }()
	require.Eventually(t, requested("/messages/general"), waitFor, tick)

	second := make(chan error, 1)
	go func() { second <- s.OpenChannel(context.Background(), "random") }()
	require.Eventually(t, requested("/messages/random"), waitFor, tick)
	loading, _ := s.Loading()
	assert.True(t, loading)

	release()
	assert.ErrorIs(t, <-first, ErrSuperseded)
	assert.NoError(t, <-second)

	ch, ok := s.Channel()
	require.True(t, ok)
	assert.Equal(t, "random", ch.ID)
	assert.Equal(t, []string{"in random"}, texts(s.Messages()))
}

func TestPendingExpiryAndRetry(t *testing.T) {
	b := startBackend(t)
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC))
	s, sink := newSession(t, b, func(o *Options) { o.Clock = mock })
	alex := login(t, s, "Alex")
	enter(t, b, s, alex.UID, "general")

	b.DropSends(true)
	temp, err := s.Send("lost")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return slices.Contains(b.Events(), model.EventSendMessage) }, waitFor, tick)

	var verr *model.ValidationError
	require.ErrorAs(t, s.Retry(temp.ID), &verr, "not failed yet")

	mock.Add(reconcile.DefaultPendingTimeout + time.Second)
	require.NoError(t, s.Housekeep())
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Failed)
	assert.True(t, msgs[0].IsTemp)
	assert.Equal(t, reconcile.KindFailed, sink.lastKind())

	b.DropSends(false)
	require.NoError(t, s.Retry(temp.ID))
	require.Eventually(t, func() bool { _, ok := confirmed(s, "lost"); return ok }, waitFor, tick)
	assert.Len(t, s.Messages(), 1)
	assert.Len(t, b.Messages("general"), 1)
}

func TestLogoutWipesState(t *testing.T) {
	b := startBackend(t)
	s, sink := newSession(t, b)
	alex := login(t, s, "Alex")
	enter(t, b, s, alex.UID, "general")
	_, err := s.Send("bye")
	require.NoError(t, err)

	require.NoError(t, s.Logout())
	assert.Equal(t, 1, sink.logouts())
	_, ok := s.User()
	assert.False(t, ok)
	assert.Empty(t, s.Messages())
	_, ok = s.Channel()
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		return s.Status() == transport.StatusIdle && b.Connections() == 0
	}, waitFor, tick)
}

func typingFlags(b *fakebackend.Backend) []bool {
	var out []bool
	for _, f := range b.Frames() {
		if f.Event != model.EventTyping {
			continue
		}
		var p model.Typing
		if json.Unmarshal(f.Data, &p) == nil {
			out = append(out, p.IsTyping)
		}
	}
	return out
}

func TestLogoutResolvesTyping(t *testing.T) {
	b := startBackend(t)
	s, _ := newSession(t, b)
	bob := login(t, s, "Bob")
	enter(t, b, s, bob.UID, "general")

	require.NoError(t, s.Keystroke())
	require.Eventually(t, func() bool { return len(typingFlags(b)) == 1 }, waitFor, tick)

	require.NoError(t, s.Logout())
	require.Eventually(t, func() bool { return len(typingFlags(b)) == 2 }, waitFor, tick)
	assert.Equal(t, []bool{true, false}, typingFlags(b))
	require.Eventually(t, func() bool { return s.Status() == transport.StatusIdle }, waitFor, tick)

	bob = login(t, s, "Bob")
	enter(t, b, s, bob.UID, "general")
	require.NoError(t, s.Keystroke())
	require.Eventually(t, func() bool { return len(typingFlags(b)) == 3 }, waitFor, tick)
	assert.Equal(t, []bool{true, false, true}, typingFlags(b))
}

func TestHourlyReset(t *testing.T) {
	b := startBackend(t)
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 4, 10, 59, 58, 0, time.UTC))
	s, sink := newSession(t, b, func(o *Options) {
		o.Clock = mock
		o.HourlyReset = true
		o.TickInterval = time.Minute
	})
	login(t, s, "Alex")
	assert.Equal(t, 2*time.Second, s.ResetIn())

	require.NoError(t, s.Housekeep())
	assert.Zero(t, sink.logouts())

	mock.Add(3 * time.Second)
	require.NoError(t, s.Housekeep())
	assert.Equal(t, 1, sink.logouts())
	_, ok := s.User()
	assert.False(t, ok)

	mock.Add(time.Hour)
	require.NoError(t, s.Housekeep())
	assert.Equal(t, 1, sink.logouts(), "nobody left to log out")
}

func TestReconnectRejoinsActiveChannel(t *testing.T) {
	b := startBackend(t)
	s, _ := newSession(t, b)
	alex := login(t, s, "Alex")
	enter(t, b, s, alex.UID, "general")

	b.Kick()
	require.Eventually(t, func() bool {
		n := 0
		for _, e := range b.Events() {
			if e == model.EventIdentify {
				n++
			}
		}
		return n >= 2 && slices.Contains(b.Members("general"), alex.UID)
	}, waitFor, tick)

	_, err := s.Send("after reconnect")
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := confirmed(s, "after reconnect"); return ok }, waitFor, tick)
}

func TestDeleteOnlyOwnConfirmedMessages(t *testing.T) {
	b := startBackend(t)
	bob := b.AddUser("Bob")
	s, _ := newSession(t, b)
	alex := login(t, s, "Alex")
	enter(t, b, s, alex.UID, "general")

	theirs := b.Post(bob, "general", "theirs")
	_, err := s.Send("mine")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, gotMine := confirmed(s, "mine")
		_, gotTheirs := confirmed(s, "theirs")
		return gotMine && gotTheirs
	}, waitFor, tick)
	mine, _ := confirmed(s, "mine")

	var verr *model.ValidationError
	require.ErrorAs(t, s.Delete(context.Background(), theirs.ID), &verr)
	assert.Equal(t, "not yours", verr.Reason)
	require.ErrorAs(t, s.Delete(context.Background(), "missing"), &verr)

	require.NoError(t, s.Delete(context.Background(), mine.ID))
	assert.Equal(t, []string{"theirs"}, texts(s.Messages()))
	assert.Equal(t, []string{"theirs"}, texts(b.Messages("general")))
}

func TestDirectMessagesBetweenSessions(t *testing.T) {
	b := startBackend(t)
	alexSess, _ := newSession(t, b)
	bobSess, _ := newSession(t, b)
	alex := login(t, alexSess, "Alex")
	bob := login(t, bobSess, "Bob")

	_, err := alexSess.OpenDM(context.Background(), alex)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)

	ch, err := alexSess.OpenDM(context.Background(), bob)
	require.NoError(t, err)
	assert.Equal(t, model.DMID(alex.UID, bob.UID), ch.ID)
	assert.Equal(t, "Bob", ch.Name)
	back, err := bobSess.OpenDM(context.Background(), alex)
	require.NoError(t, err)
	assert.Equal(t, ch.ID, back.ID)

	require.Eventually(t, func() bool {
		m := b.Members(ch.ID)
		return slices.Contains(m, alex.UID) && slices.Contains(m, bob.UID)
	}, waitFor, tick)

	_, err = alexSess.Send("psst")
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := confirmed(bobSess, "psst"); return ok }, waitFor, tick)
}

func TestReadOnlyChannelsRejectSends(t *testing.T) {
	b := startBackend(t)
	s, _ := newSession(t, b)
	login(t, s, "Alex")
	_, err := s.Channels(context.Background())
	require.NoError(t, err)

	for _, cid := range []string{"announcements", model.OverviewChannel} {
		require.NoError(t, s.OpenChannel(context.Background(), cid))
		_, err := s.Send("hello")
		var verr *model.ValidationError
		require.ErrorAs(t, err, &verr, cid)
		assert.Equal(t, "channel", verr.Field)
		assert.Empty(t, s.Messages())
	}
}

func TestUserListRefreshes(t *testing.T) {
	b := startBackend(t)
	s, sink := newSession(t, b)
	alex := login(t, s, "Alex")

	require.Eventually(t, func() bool { return sink.knows(alex.UID) }, waitFor, tick)

	other, _ := newSession(t, b)
	bob := login(t, other, "Bob")
	require.Eventually(t, func() bool { return sink.knows(bob.UID) }, waitFor, tick)

	users, err := s.Users(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, users)
	assert.Equal(t, bob.UID, users[0].UID, "newest first")
}

func TestStoredIdentityConnectsOnStart(t *testing.T) {
	b := startBackend(t)
	st := openStore(t)
	first, _ := newSessionWithStore(t, b, st)
	alex := login(t, first, "Alex")
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return b.Connections() == 0 }, waitFor, tick)

	s, sink := newSessionWithStore(t, b, st)
	u, ok := s.User()
	require.True(t, ok)
	assert.Equal(t, alex.UID, u.UID)
	require.Eventually(t, func() bool { return s.Status() == transport.StatusConnected }, waitFor, tick)
	require.Eventually(t, func() bool { return sink.knows(alex.UID) }, waitFor, tick)
}

func TestSettingsTrustAndUpload(t *testing.T) {
	b := startBackend(t)
	s, _ := newSession(t, b)
	login(t, s, "Alex")

	pearl := model.ThemePearl
	got, err := s.UpdateSettings(model.SettingsPatch{Theme: &pearl})
	require.NoError(t, err)
	assert.True(t, got.IsLight())
	assert.Equal(t, got, s.Settings())

	trusted, err := s.ToggleTrust("u2")
	require.NoError(t, err)
	assert.True(t, trusted)
	_, err = s.ToggleTrust(" ")
	assert.Error(t, err)

	up, err := s.Upload(context.Background(), "notes.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	body, ok := b.Upload(up.URL)
	require.True(t, ok)
	assert.Equal(t, "hello", string(body))
	assert.True(t, s.Health(context.Background()))
}

func TestCallsAfterCloseFail(t *testing.T) {
	b := startBackend(t)
	s, _ := newSession(t, b)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.True(t, errors.Is(s.Logout(), ErrClosed))
	assert.ErrorIs(t, s.Housekeep(), ErrClosed)
	_, err := s.Send("x")
	assert.ErrorIs(t, err, ErrClosed)
}
