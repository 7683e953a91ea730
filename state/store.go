// Package state is the process-wide client state: identity, active channel,
// pending reply, trusted peers and settings. It is constructed explicitly and
// passed to the components that need it.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/chatify/model"
)

// Persisted keys.
const (
	KeyUser     = "chatify_user"
	KeySettings = "chatify_settings"
	KeyTrusted  = "chatify_trusted"
)

// Store holds client state. All access goes through its methods. It is safe
// for concurrent use because the socket reads identity while reconnecting.
type Store struct {
	mu       sync.RWMutex
	storage  Storage
	user     *model.User
	active   string
	reply    *model.ReplyContext
	trusted  []string
	settings model.Settings
}

// Open loads the persisted state from storage.
func Open(storage Storage) (*Store, error) {
	s := &Store{storage: storage, settings: model.DefaultSettings()}

	var user model.User
	ok, err := s.load(KeyUser, &user)
	if err != nil {
		return nil, err
	}
	if ok && user.UID != "" {
		s.user = &user
	}

	settings := model.DefaultSettings()
	if ok, err := s.load(KeySettings, &settings); err != nil {
		return nil, err
	} else if ok {
		s.settings = settings
	}

	if _, err := s.load(KeyTrusted, &s.trusted); err != nil {
		return nil, err
	}
	return s, nil
}

// load decodes key into v. A corrupt record is dropped rather than failing
// startup.
func (s *Store) load(key string, v any) (bool, error) {
	raw, err := s.storage.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("[store] discarding corrupt record")
		return false, nil
	}
	return true, nil
}

func (s *Store) save(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.storage.Set(key, raw); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// User returns the current identity, if any.
func (s *Store) User() (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return model.User{}, false
	}
	return *s.user, true
}

// SetUser persists and replaces the current identity.
func (s *Store) SetUser(u model.User) error {
	if u.UID == "" {
		return &model.ValidationError{Field: "uid", Reason: "empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(KeyUser, u); err != nil {
		return err
	}
	s.user = &u
	return nil
}

// ClearUser wipes the identity and the trusted list, durably first. On a
// storage error the in-memory state is left as it was. The caller is
// responsible for showing the logged-out view.
func (s *Store) ClearUser() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storage.Delete(KeyUser); err != nil {
		return fmt.Errorf("clear user: %w", err)
	}
	if err := s.storage.Delete(KeyTrusted); err != nil {
		return fmt.Errorf("clear trusted: %w", err)
	}
	s.user = nil
	s.trusted = nil
	s.reply = nil
	s.active = ""
	return nil
}

// ActiveChannel returns the active channel id, or "".
func (s *Store) ActiveChannel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetActiveChannel records the active channel. It is not persisted.
func (s *Store) SetActiveChannel(id string) {
	s.mu.Lock()
	s.active = id
	s.mu.Unlock()
}

// ReplyContext returns the pending reply, if any.
func (s *Store) ReplyContext() *model.ReplyContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reply == nil {
		return nil
	}
	rc := *s.reply
	return &rc
}

// SetReplyContext replaces the pending reply.
func (s *Store) SetReplyContext(rc model.ReplyContext) {
	s.mu.Lock()
	s.reply = &rc
	s.mu.Unlock()
}

// ClearReplyContext drops the pending reply.
func (s *Store) ClearReplyContext() {
	s.mu.Lock()
	s.reply = nil
	s.mu.Unlock()
}

// Trusted returns a copy of the trusted peer ids.
func (s *Store) Trusted() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.trusted...)
}

// IsTrusted reports whether uid is in the trusted set.
func (s *Store) IsTrusted(uid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.trusted {
		if id == uid {
			return true
		}
	}
	return false
}

// ToggleTrust flips uid's membership in the trusted set and reports whether
// it is now trusted.
func (s *Store) ToggleTrust(uid string) (bool, error) {
	if uid == "" {
		return false, &model.ValidationError{Field: "uid", Reason: "empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]string, 0, len(s.trusted)+1)
	found := false
	for _, id := range s.trusted {
		if id == uid {
			found = true
			continue
		}
		next = append(next, id)
	}
	if !found {
		next = append(next, uid)
	}
	if err := s.save(KeyTrusted, next); err != nil {
		return false, err
	}
	s.trusted = next
	return !found, nil
}

// Settings returns the effective settings.
func (s *Store) Settings() model.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// UpdateSettings merges patch, persists the result and returns it for the
// caller to apply to presentation.
func (s *Store) UpdateSettings(patch model.SettingsPatch) (model.Settings, error) {
	if err := patch.Validate(); err != nil {
		return s.Settings(), err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := patch.Apply(s.settings)
	if err := s.save(KeySettings, next); err != nil {
		return s.settings, err
	}
	s.settings = next
	return next, nil
}

// Close releases the underlying storage.
func (s *Store) Close() error {
	return s.storage.Close()
}
