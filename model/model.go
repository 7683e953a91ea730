// Package model holds the chat data model shared by the transport, the
// local store and the reconciliation engine.
package model

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// OverviewChannel is the client-side workspace hub. It is never fetched
// from the backend and never joined.
const OverviewChannel = "getting-started"

// User is a chat identity issued by the backend.
type User struct {
	UID    string `json:"uid"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// UnmarshalJSON accepts either "uid" or "id" as the identifier; the
// /users endpoint has used both.
func (u *User) UnmarshalJSON(b []byte) error {
	var raw struct {
		UID    string `json:"uid"`
		ID     string `json:"id"`
		Name   string `json:"name"`
		Avatar string `json:"avatar"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	u.UID = raw.UID
	if u.UID == "" {
		u.UID = raw.ID
	}
	u.Name = raw.Name
	u.Avatar = raw.Avatar
	return nil
}

// Channel is a named topic or a synthesized direct-message scope.
type Channel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsReadOnly bool   `json:"isReadOnly,omitempty"`
}

// DMID returns the direct-message channel id for two users. The result does
// not depend on argument order.
func DMID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// DMChannel builds the channel descriptor for a conversation with peer.
func DMChannel(self string, peer User) Channel {
	return Channel{ID: DMID(self, peer.UID), Name: peer.Name}
}

// ReplyContext identifies the message a new message replies to.
type ReplyContext struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Text string `json:"text"`
}

// SnippetLen is the number of runes kept in a reply snippet.
const SnippetLen = 50

// Snippet truncates text to SnippetLen runes.
func Snippet(text string) string {
	r := []rune(text)
	if len(r) <= SnippetLen {
		return text
	}
	return string(r[:SnippetLen])
}

// Message is a chat message. Temporary messages are local optimistic copies
// awaiting confirmation; their ID is derived from the nonce.
type Message struct {
	ID        string        `json:"id"`
	ChannelID string        `json:"channelId,omitempty"`
	UID       string        `json:"uid"`
	Name      string        `json:"name"`
	Avatar    string        `json:"avatar"`
	Text      string        `json:"text"`
	TS        Timestamp     `json:"ts"`
	ReplyTo   *ReplyContext `json:"reply_to"`
	Reactions Reactions     `json:"reactions"`
	Nonce     string        `json:"nonce,omitempty"`
	IsTemp    bool          `json:"isTemp,omitempty"`
	Failed    bool          `json:"failed,omitempty"`
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	out.Reactions = m.Reactions.Clone()
	if m.ReplyTo != nil {
		rt := *m.ReplyTo
		out.ReplyTo = &rt
	}
	return out
}

// TempID returns the temporary message id used for nonce.
func TempID(nonce string) string {
	return "temp-" + nonce
}

// Timestamp is a time that decodes both RFC 3339 and zone-less ISO-8601
// values. Zone-less values are taken as UTC.
type Timestamp struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if v, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = v
		return nil
	}
	for _, layout := range naiveLayouts {
		if v, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = v
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognised format %q", s)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// AvatarURL builds a generated avatar URL for seed in the given dicebear
// style ("micah" for chosen names, "identicon" for guests).
func AvatarURL(style, seed string) string {
	if style == "" {
		style = "micah"
	}
	return "https://api.dicebear.com/7.x/" + url.PathEscape(style) + "/svg?seed=" + url.QueryEscape(seed)
}

// GuestName returns the display name for a generated guest identity.
// n is kept in the 1000-9999 range.
func GuestName(n int) string {
	if n < 0 {
		n = -n
	}
	return fmt.Sprintf("Guest #%d", 1000+n%9000)
}
