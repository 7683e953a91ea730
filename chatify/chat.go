package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/chatify/model"
	"github.com/gosuda/chatify/session"
)

const chatHelp = `commands:
  /join <channel>        open a channel
  /dm <name|uid>         open a direct conversation
  /reply <id>            reply to a message; /unreply cancels
  /react <id> <emoji>    toggle a reaction
  /retry <id>            resend a failed message
  /delete <id>           delete one of your messages
  /upload <path>         upload a file and post its link
  /users  /channels  /help  /quit`

var chatCmd = &cobra.Command{
	Use:   "chat [channel]",
	Short: "Join a channel and chat interactively",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cid := "general"
		if len(args) == 1 {
			cid = args[0]
		}
		return runChat(cmd.InOrStdin(), cmd.OutOrStdout(), cid)
	},
}

func runChat(in io.Reader, out io.Writer, cid string) error {
	sink := newTermSink(out)
	s, closeAll, err := openSession(sink)
	if err != nil {
		return err
	}
	defer closeAll()
	bindSink(sink, s)

	if _, ok := s.User(); !ok {
		return errNotLoggedIn
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := s.Channels(ctx); err != nil {
		log.Warn().Err(err).Msg("[chatify] list channels")
	}
	if err := s.OpenChannel(ctx, cid); err != nil && !errors.Is(err, session.ErrSuperseded) {
		sink.printf("-- %s", describe(err))
	}
	sink.printf("%s", "type /help for commands")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sink.loggedOut:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := runLine(ctx, s, sink, line)
			if err != nil {
				sink.printf("-- %s", describe(err))
			}
			if quit {
				return nil
			}
		}
	}
}

// bindSink lets the sink ask the session who "you" are and whose media to
// mask.
func bindSink(sink *termSink, s *session.Session) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.self = func() string {
		u, _ := s.User()
		return u.UID
	}
	sink.hide = s.HidesMediaFrom
}

// runLine executes one line of input: a slash command or a message.
func runLine(ctx context.Context, s *session.Session, sink *termSink, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		// Line mode only sees whole lines: each one counts as a keystroke
		// burst that Send resolves.
		if err := s.Keystroke(); err != nil {
			return false, err
		}
		_, err := s.Send(strings.TrimPrefix(line, "/"))
		return false, err
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(name) {
	case "quit", "exit", "q":
		return true, nil
	case "help", "?":
		sink.printf("%s", chatHelp)
	case "join", "j":
		if arg == "" {
			return false, usage("/join <channel>")
		}
		err = s.OpenChannel(ctx, strings.TrimPrefix(arg, "#"))
	case "dm":
		var peer model.User
		if peer, err = findUser(ctx, s, sink, arg); err == nil {
			_, err = s.OpenDM(ctx, peer)
		}
	case "reply", "r":
		var mid string
		if mid, err = resolveID(s, arg); err == nil {
			var rc model.ReplyContext
			if rc, err = s.Reply(mid); err == nil {
				sink.printf("-- replying to %s: %s", cleanName(rc.Name), cleanText(rc.Text))
			}
		}
	case "unreply":
		err = s.ClearReply()
	case "react":
		id, emoji, _ := strings.Cut(arg, " ")
		var mid string
		if mid, err = resolveID(s, id); err == nil {
			err = s.React(mid, strings.TrimSpace(emoji))
		}
	case "retry":
		var mid string
		if mid, err = resolveID(s, arg); err == nil {
			err = s.Retry(mid)
		}
	case "delete", "del":
		var mid string
		if mid, err = resolveID(s, arg); err == nil {
			err = s.Delete(ctx, mid)
		}
	case "upload":
		err = upload(ctx, s, arg)
	case "users":
		users, uerr := s.Users(ctx)
		if uerr != nil {
			return false, uerr
		}
		for _, u := range users {
			sink.printf("   %-24s %s", cleanName(u.Name), u.UID)
		}
	case "channels":
		list, cerr := s.Channels(ctx)
		if cerr != nil {
			return false, cerr
		}
		for _, ch := range list {
			sink.printf("   #%s", ch.ID)
		}
	default:
		return false, usage("unknown command /" + name + "; try /help")
	}
	if errors.Is(err, session.ErrSuperseded) {
		err = nil
	}
	return false, err
}

func upload(ctx context.Context, s *session.Session, path string) error {
	if path == "" {
		return usage("/upload <path>")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	up, err := s.Upload(ctx, filepath.Base(path), f)
	if err != nil {
		return err
	}
	_, err = s.Send(up.URL)
	return err
}

// resolveID maps a full id or an unambiguous prefix to a message id of the
// active channel.
func resolveID(s *session.Session, ref string) (string, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "#")
	if ref == "" {
		return "", usage("message id required")
	}
	var match string
	for _, m := range s.Messages() {
		if m.ID == ref {
			return m.ID, nil
		}
		if strings.HasPrefix(m.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("%q matches more than one message", ref)
			}
			match = m.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no message %q in this channel", ref)
	}
	return match, nil
}

// findUser looks ref up by uid or case-insensitive name, first among the
// users the sink already knows, then on the backend.
func findUser(ctx context.Context, s *session.Session, sink *termSink, ref string) (model.User, error) {
	if ref == "" {
		return model.User{}, usage("/dm <name|uid>")
	}
	match := func(users []model.User) (model.User, bool) {
		for _, u := range users {
			if u.UID == ref || strings.EqualFold(u.Name, ref) {
				return u, true
			}
		}
		return model.User{}, false
	}
	if u, ok := match(sink.knownUsers()); ok {
		return u, nil
	}
	users, err := s.Users(ctx)
	if err != nil {
		return model.User{}, err
	}
	if u, ok := match(users); ok {
		return u, nil
	}
	return model.User{}, fmt.Errorf("no user %q", ref)
}

type usageError string

func (e usageError) Error() string { return string(e) }

func usage(msg string) error { return usageError(msg) }
