package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/chatify/fakebackend"
	"github.com/gosuda/chatify/model"
	"github.com/gosuda/chatify/session"
	"github.com/gosuda/chatify/state"
	"github.com/gosuda/chatify/transport"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func chatSession(t *testing.T, b *fakebackend.Backend) (*session.Session, *termSink) {
	t.Helper()
	storage, err := state.OpenPebble("chatify", vfs.NewMem())
	require.NoError(t, err)
	store, err := state.Open(storage)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sink := newTermSink(&bytes.Buffer{})
	s, err := session.New(store, sink, session.Options{Transport: transport.Config{
		BaseURL:        b.URL(),
		ReconnectDelay: 20 * time.Millisecond,
	}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	bindSink(sink, s)
	return s, sink
}

func find(s *session.Session, text string) (model.Message, bool) {
	for _, m := range s.Messages() {
		if m.Text == text && !m.IsTemp {
			return m, true
		}
	}
	return model.Message{}, false
}

func TestRunLineDrivesTheSession(t *testing.T) {
	b := fakebackend.Start()
	t.Cleanup(b.Close)
	bob := b.AddUser("Bob")
	ctx := context.Background()

	s, sink := chatSession(t, b)
	alex, err := s.Login(ctx, "Alex", "")
	require.NoError(t, err)
	require.NoError(t, s.OpenChannel(ctx, "general"))
	require.Eventually(t, func() bool {
		for _, uid := range b.Members("general") {
			if uid == alex.UID {
				return true
			}
		}
		return false
	}, waitFor, tick)

	run := func(line string) error {
		quit, err := runLine(ctx, s, sink, line)
		assert.False(t, quit, line)
		return err
	}

	require.NoError(t, run("hello there"))
	require.Eventually(t, func() bool { _, ok := find(s, "hello there"); return ok }, waitFor, tick)
	hello, _ := find(s, "hello there")
	require.Eventually(t, func() bool {
		var flags []bool
		for _, f := range b.Frames() {
			var p model.Typing
			if f.Event == model.EventTyping && json.Unmarshal(f.Data, &p) == nil {
				flags = append(flags, p.IsTyping)
			}
		}
		return slices.Equal(flags, []bool{true, false})
	}, waitFor, tick, "a submitted line reports typing and resolves it")
	prefix := shortID(hello.ID)

	require.NoError(t, run("//slash text"))
	require.Eventually(t, func() bool { _, ok := find(s, "/slash text"); return ok }, waitFor, tick)

	require.NoError(t, run("/react "+prefix+" 🎉"))
	require.Eventually(t, func() bool {
		m, ok := find(s, "hello there")
		return ok && m.Reactions.Has("🎉", alex.UID)
	}, waitFor, tick)

	require.NoError(t, run("/reply "+prefix))
	require.NotNil(t, s.ReplyContext())
	require.NoError(t, run("/unreply"))
	assert.Nil(t, s.ReplyContext())

	require.NoError(t, run("/delete "+prefix))
	_, ok := find(s, "hello there")
	assert.False(t, ok)

	path := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(path, []byte("meow"), 0o600))
	require.NoError(t, run("/upload "+path))
	require.Eventually(t, func() bool {
		for _, m := range s.Messages() {
			if !m.IsTemp && strings.HasSuffix(m.Text, "_cat.png") {
				data, ok := b.Upload(m.Text)
				return ok && string(data) == "meow"
			}
		}
		return false
	}, waitFor, tick)

	require.NoError(t, run("/dm bob"))
	ch, ok := s.Channel()
	require.True(t, ok)
	assert.Equal(t, model.DMID(alex.UID, bob.UID), ch.ID)

	require.NoError(t, run("/join #random"))
	ch, _ = s.Channel()
	assert.Equal(t, "random", ch.ID)

	var uerr usageError
	assert.ErrorAs(t, run("/bogus"), &uerr)
	assert.ErrorAs(t, run("/join"), &uerr)
	assert.Error(t, run("/retry nothing"))
	assert.Error(t, run("/dm nobody"))

	quit, err := runLine(ctx, s, sink, "/quit")
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestResolveIDRejectsAmbiguousPrefixes(t *testing.T) {
	b := fakebackend.Start()
	t.Cleanup(b.Close)
	author := b.AddUser("Bob")
	b.Seed("general",
		model.Message{ID: "abc111", UID: author.UID, Name: "Bob", Text: "one"},
		model.Message{ID: "abc222", UID: author.UID, Name: "Bob", Text: "two"},
	)
	s, _ := chatSession(t, b)
	_, err := s.Login(context.Background(), "Alex", "")
	require.NoError(t, err)
	require.NoError(t, s.OpenChannel(context.Background(), "general"))

	_, err = resolveID(s, "abc")
	assert.ErrorContains(t, err, "more than one")
	id, err := resolveID(s, "#abc2")
	require.NoError(t, err)
	assert.Equal(t, "abc222", id)
	id, err = resolveID(s, "abc111")
	require.NoError(t, err)
	assert.Equal(t, "abc111", id)
	_, err = resolveID(s, "")
	assert.Error(t, err)
}
