package session

import (
	"context"
	"io"
	"math/rand/v2"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/chatify/model"
	"github.com/gosuda/chatify/reconcile"
	"github.com/gosuda/chatify/transport"
)

// OverviewChannel is the descriptor of the client-side hub.
var OverviewChannel = model.Channel{ID: model.OverviewChannel, Name: "Overview", IsReadOnly: true}

// User returns the logged-in user.
func (s *Session) User() (model.User, bool) { return s.store.User() }

// Status returns the socket state.
func (s *Session) Status() transport.Status { return s.sock.Status() }

// Login registers username with the backend and makes it the current user.
func (s *Session) Login(ctx context.Context, username, avatar string) (model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return model.User{}, &model.ValidationError{Field: "username", Reason: "empty"}
	}
	if avatar == "" {
		avatar = model.AvatarURL("micah", username)
	}
	return s.login(ctx, username, avatar)
}

// LoginAsGuest registers a generated guest identity.
func (s *Session) LoginAsGuest(ctx context.Context) (model.User, error) {
	name := model.GuestName(rand.IntN(9000))
	return s.login(ctx, name, model.AvatarURL("identicon", name))
}

func (s *Session) login(ctx context.Context, username, avatar string) (model.User, error) {
	u, err := s.client.Guest(ctx, username, avatar)
	if err != nil {
		return model.User{}, err
	}
	if err := s.store.SetUser(u); err != nil {
		return model.User{}, err
	}
	log.Info().Str("uid", u.UID).Str("name", u.Name).Msg("[session] logged in")
	if s.sock.Status() == transport.StatusConnected {
		_ = s.sock.Send(model.EventIdentify, u.UID)
	} else {
		s.sock.Connect()
	}
	return u, nil
}

// UpdateProfile changes the current user's name and/or avatar.
func (s *Session) UpdateProfile(ctx context.Context, username, avatar string) (model.User, error) {
	cur, ok := s.store.User()
	if !ok {
		return model.User{}, &model.ValidationError{Field: "user", Reason: "not logged in"}
	}
	username = strings.TrimSpace(username)
	if username == "" && avatar == "" {
		return model.User{}, &model.ValidationError{Field: "username", Reason: "nothing to change"}
	}
	u, err := s.client.UpdateUser(ctx, cur.UID, username, avatar)
	if err != nil {
		return model.User{}, err
	}
	if u.Name == "" {
		u.Name = cur.Name
	}
	if u.Avatar == "" {
		u.Avatar = cur.Avatar
	}
	if err := s.store.SetUser(u); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// Logout wipes the identity, drops all channel state and disconnects.
func (s *Session) Logout() error {
	return s.call(s.logout)
}

// Channels lists the overview hub followed by the backend's channels.
func (s *Session) Channels(ctx context.Context) ([]model.Channel, error) {
	list, err := s.client.Channels(ctx)
	if err != nil {
		return nil, err
	}
	out := append([]model.Channel{OverviewChannel}, list...)
	err = s.call(func() {
		for _, ch := range out {
			s.channels[ch.ID] = ch
		}
	})
	return out, err
}

// Users lists recently active users.
func (s *Session) Users(ctx context.Context) ([]model.User, error) {
	return s.client.Users(ctx)
}

// OpenChannel makes cid the active channel and loads its history. It
// returns the history error, or ErrSuperseded if another channel was opened
// before the history arrived.
func (s *Session) OpenChannel(ctx context.Context, cid string) error {
	cid = strings.TrimSpace(cid)
	if cid == "" {
		return &model.ValidationError{Field: "channel", Reason: "empty"}
	}
	if _, ok := s.store.User(); !ok && cid != model.OverviewChannel {
		return &model.ValidationError{Field: "user", Reason: "not logged in"}
	}

	var ld reconcile.Load
	if err := s.call(func() {
		s.typing.Flush()
		var ev reconcile.Event
		ld, ev = s.engine.BeginLoad(cid)
		s.sink.Messages(ev)
		s.sink.Typing(cid, s.typing.Names(cid))
	}); err != nil {
		return err
	}

	var history []model.Message
	var fetchErr error
	if cid != model.OverviewChannel {
		history, fetchErr = s.client.Messages(ctx, cid)
	}

	applied := false
	if err := s.call(func() {
		var ev reconcile.Event
		if ev, applied = s.engine.FinishLoad(ld, history, fetchErr); applied {
			s.sink.Messages(ev)
		}
	}); err != nil {
		return err
	}
	if fetchErr != nil {
		log.Warn().Err(fetchErr).Str("channel", cid).Msg("[session] history load failed")
		return fetchErr
	}
	if !applied {
		return ErrSuperseded
	}
	return nil
}

// OpenDM opens the direct-message channel with peer.
func (s *Session) OpenDM(ctx context.Context, peer model.User) (model.Channel, error) {
	self, ok := s.store.User()
	if !ok {
		return model.Channel{}, &model.ValidationError{Field: "user", Reason: "not logged in"}
	}
	if peer.UID == "" || peer.UID == self.UID {
		return model.Channel{}, &model.ValidationError{Field: "peer", Reason: "pick another user"}
	}
	ch := model.DMChannel(self.UID, peer)
	if err := s.call(func() { s.channels[ch.ID] = ch }); err != nil {
		return model.Channel{}, err
	}
	return ch, s.OpenChannel(ctx, ch.ID)
}

// Channel returns the descriptor of the active channel, if known.
func (s *Session) Channel() (model.Channel, bool) {
	var ch model.Channel
	var ok bool
	_ = s.call(func() {
		cid := s.engine.Active()
		ch, ok = s.channels[cid]
		if !ok && cid != "" {
			ch, ok = model.Channel{ID: cid, Name: cid}, true
		}
	})
	return ch, ok
}

// Send submits text to the active channel with the pending reply attached.
// The returned message is the temporary copy.
func (s *Session) Send(text string) (model.Message, error) {
	var out model.Message
	var err error
	if cerr := s.call(func() {
		if ch, ok := s.channels[s.engine.Active()]; ok && ch.IsReadOnly {
			err = &model.ValidationError{Field: "channel", Reason: "read-only"}
			return
		}
		var ev reconcile.Event
		if ev, err = s.engine.SubmitLocal(text, s.store.ReplyContext()); err != nil {
			return
		}
		s.typing.Flush()
		s.render(ev)
		out = ev.Message
	}); cerr != nil {
		return model.Message{}, cerr
	}
	return out, err
}

// Retry re-sends a failed temporary message.
func (s *Session) Retry(tempID string) error {
	return s.apply(func() (reconcile.Event, error) { return s.engine.Retry(tempID) })
}

// React toggles emoji on a message for the current user.
func (s *Session) React(mid, emoji string) error {
	return s.apply(func() (reconcile.Event, error) { return s.engine.ToggleReaction(mid, emoji) })
}

// Reply sets the pending reply to a message of the active channel.
func (s *Session) Reply(mid string) (model.ReplyContext, error) {
	var rc model.ReplyContext
	var err error
	if cerr := s.call(func() { rc, err = s.engine.ReplyTo(mid) }); cerr != nil {
		return model.ReplyContext{}, cerr
	}
	return rc, err
}

// ReplyContext returns the pending reply.
func (s *Session) ReplyContext() *model.ReplyContext { return s.store.ReplyContext() }

// ClearReply drops the pending reply.
func (s *Session) ClearReply() error {
	return s.call(s.engine.ClearReplyContext)
}

// Delete removes one of the current user's confirmed messages.
func (s *Session) Delete(ctx context.Context, mid string) error {
	u, ok := s.store.User()
	if !ok {
		return &model.ValidationError{Field: "user", Reason: "not logged in"}
	}
	var verr error
	if err := s.call(func() {
		m, found := s.engine.Find(mid)
		switch {
		case !found:
			verr = &model.ValidationError{Field: "message", Reason: "not found"}
		case m.IsTemp:
			verr = &model.ValidationError{Field: "message", Reason: "not confirmed yet"}
		case m.UID != u.UID:
			verr = &model.ValidationError{Field: "message", Reason: "not yours"}
		}
	}); err != nil {
		return err
	}
	if verr != nil {
		return verr
	}
	if err := s.client.DeleteMessage(ctx, mid, u.UID); err != nil {
		return err
	}
	return s.call(func() {
		if ev, ok := s.engine.Remove(mid); ok {
			s.render(ev)
		}
	})
}

// Keystroke records typing in the active channel.
func (s *Session) Keystroke() error {
	return s.call(func() { s.typing.Keystroke(s.engine.Active()) })
}

// Upload stores a file on the backend.
func (s *Session) Upload(ctx context.Context, filename string, r io.Reader) (transport.Upload, error) {
	if strings.TrimSpace(filename) == "" {
		return transport.Upload{}, &model.ValidationError{Field: "filename", Reason: "empty"}
	}
	return s.client.Upload(ctx, filename, r)
}

// Health probes the backend.
func (s *Session) Health(ctx context.Context) bool { return s.client.Health(ctx) }

// Settings returns the effective settings.
func (s *Session) Settings() model.Settings { return s.store.Settings() }

// UpdateSettings merges patch into the settings and returns the result.
func (s *Session) UpdateSettings(patch model.SettingsPatch) (model.Settings, error) {
	return s.store.UpdateSettings(patch)
}

// ToggleTrust flips uid's membership of the trusted peers.
func (s *Session) ToggleTrust(uid string) (bool, error) {
	if strings.TrimSpace(uid) == "" {
		return false, &model.ValidationError{Field: "uid", Reason: "empty"}
	}
	return s.store.ToggleTrust(uid)
}

// HidesMediaFrom reports whether media posted by uid should be masked: the
// privacy blur is on and uid is neither trusted nor the current user.
func (s *Session) HidesMediaFrom(uid string) bool {
	if !s.store.Settings().PrivacyBlur {
		return false
	}
	if u, ok := s.store.User(); ok && u.UID == uid {
		return false
	}
	return !s.store.IsTrusted(uid)
}

// Messages returns the active channel's sequence.
func (s *Session) Messages() []model.Message {
	var out []model.Message
	_ = s.call(func() { out = s.engine.Messages(s.engine.Active()) })
	return out
}

// TypingNames returns who is typing in the active channel.
func (s *Session) TypingNames() []string {
	var out []string
	_ = s.call(func() { out = s.typing.Names(s.engine.Active()) })
	return out
}

// Loading reports whether the active channel's history is in flight, and
// Errored whether its last load failed.
func (s *Session) Loading() (loading, errored bool) {
	_ = s.call(func() { loading, errored = s.engine.Loading(), s.engine.Errored() })
	return loading, errored
}

func (s *Session) apply(fn func() (reconcile.Event, error)) error {
	var err error
	if cerr := s.call(func() {
		var ev reconcile.Event
		if ev, err = fn(); err == nil {
			s.render(ev)
		}
	}); cerr != nil {
		return cerr
	}
	return err
}
