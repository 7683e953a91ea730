package main

import (
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/gosuda/chatify/model"
	"github.com/gosuda/chatify/reconcile"
	"github.com/gosuda/chatify/transport"
)

// Remote text reaches the terminal as plain text only.
var plainPolicy = bluemonday.StrictPolicy()

var mediaURL = regexp.MustCompile(`(?i)\S*/uploads/\S+|https?://\S+\.(png|jpe?g|gif|webp|mp4|webm)\b`)

// cleanName strips markup from a display name.
func cleanName(name string) string {
	out := strings.TrimSpace(html.UnescapeString(plainPolicy.Sanitize(name)))
	if out == "" {
		return "anon"
	}
	if r := []rune(out); len(r) > 32 {
		out = string(r[:32])
	}
	return out
}

// cleanText strips markup and control characters from message text.
func cleanText(text string) string {
	out := html.UnescapeString(plainPolicy.Sanitize(text))
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, strings.TrimSpace(out))
}

// termSink prints session events as lines of text.
type termSink struct {
	mu  sync.Mutex
	out io.Writer

	// self returns the current user's id; hide reports whether media from
	// uid should be masked.
	self func() string
	hide func(uid string) bool

	typing    string
	users     []model.User
	loggedOut chan struct{}
	once      sync.Once
}

func newTermSink(out io.Writer) *termSink {
	return &termSink{
		out:       out,
		self:      func() string { return "" },
		hide:      func(string) bool { return false },
		loggedOut: make(chan struct{}),
	}
}

func (t *termSink) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format+"\n", args...)
}

func (t *termSink) Messages(ev reconcile.Event) {
	switch ev.Kind {
	case reconcile.KindLoading:
		t.printf("-- loading #%s", ev.ChannelID)
	case reconcile.KindLoadFailed:
		t.printf("-- could not load #%s: %v (use /join %s to try again)", ev.ChannelID, describe(ev.Err), ev.ChannelID)
	case reconcile.KindLoaded:
		if len(ev.Messages) == 0 {
			t.printf("-- #%s: no messages yet", ev.ChannelID)
		}
		for _, m := range ev.Messages {
			t.printf("%s", t.format(m))
		}
	case reconcile.KindAppend:
		t.printf("%s", t.format(ev.Message))
	case reconcile.KindReplace:
		if ev.TempID == "" || ev.TempID == ev.Message.ID {
			t.printf("%s", t.format(ev.Message))
		}
	case reconcile.KindFailed:
		t.printf("!! not delivered: %q (/retry %s)", cleanText(ev.Message.Text), ev.Message.ID)
	case reconcile.KindRetry:
		t.printf("-- retrying %q", cleanText(ev.Message.Text))
	case reconcile.KindRemove:
		t.printf("-- message %s deleted", shortID(ev.Message.ID))
	case reconcile.KindReactions:
		t.printf("-- %s: %s", shortID(ev.Message.ID), formatReactions(ev.Message.Reactions))
	}
}

func (t *termSink) Typing(_ string, names []string) {
	line := ""
	switch len(names) {
	case 0:
	case 1:
		line = cleanName(names[0]) + " is typing..."
	case 2:
		line = cleanName(names[0]) + " and " + cleanName(names[1]) + " are typing..."
	default:
		line = fmt.Sprintf("%d people are typing...", len(names))
	}
	t.mu.Lock()
	changed := line != t.typing
	t.typing = line
	t.mu.Unlock()
	if changed && line != "" {
		t.printf("   %s", line)
	}
}

func (t *termSink) Users(users []model.User) {
	t.mu.Lock()
	t.users = users
	t.mu.Unlock()
}

func (t *termSink) knownUsers() []model.User {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.User(nil), t.users...)
}

func (t *termSink) Connection(st transport.Status) {
	switch st {
	case transport.StatusConnected:
		t.printf("-- connected")
	case transport.StatusDisconnected:
		t.printf("-- connection lost; messages will be sent once it comes back")
	}
}

func (t *termSink) LoggedOut() {
	t.printf("-- session ended; run `chatify login` to start a new one")
	t.once.Do(func() { close(t.loggedOut) })
}

// format renders one message line.
func (t *termSink) format(m model.Message) string {
	t.mu.Lock()
	self, hide := t.self, t.hide
	t.mu.Unlock()

	var b strings.Builder
	ts := m.TS.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(ts.Local().Format("15:04"))
	b.WriteByte(' ')
	switch {
	case m.Failed:
		b.WriteString("!! ")
	case m.IsTemp:
		b.WriteString(".. ")
	}
	name := cleanName(m.Name)
	if m.UID != "" && m.UID == self() {
		name += " (you)"
	}
	b.WriteString("<" + name + "> ")
	if m.ReplyTo != nil {
		fmt.Fprintf(&b, "[re %s: %s] ", cleanName(m.ReplyTo.Name), cleanText(m.ReplyTo.Text))
	}
	text := cleanText(m.Text)
	if hide(m.UID) {
		text = mediaURL.ReplaceAllString(text, "[media hidden]")
	}
	b.WriteString(text)
	if len(m.Reactions) > 0 {
		b.WriteString("  " + formatReactions(m.Reactions))
	}
	if !m.IsTemp {
		b.WriteString("  #" + shortID(m.ID))
	}
	return b.String()
}

func formatReactions(r model.Reactions) string {
	emojis := r.Emojis()
	if len(emojis) == 0 {
		return "no reactions"
	}
	parts := make([]string, 0, len(emojis))
	for _, e := range emojis {
		parts = append(parts, fmt.Sprintf("%s %d", e, r.Count(e)))
	}
	return strings.Join(parts, " ")
}

// shortID is the prefix the chat prompt accepts in place of a full id.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func describe(err error) string {
	if err == nil {
		return "unknown error"
	}
	if msg, ok := transport.RejectionMessage(err); ok {
		return msg
	}
	if transport.IsNetwork(err) {
		return "backend unreachable"
	}
	return err.Error()
}
