package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/chatify/session"
	"github.com/gosuda/chatify/state"
	"github.com/gosuda/chatify/transport"
)

var rootCmd = &cobra.Command{
	Use:               "chatify",
	Short:             "Terminal client for a Chatify backend",
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

var (
	flagServerURL         string
	flagSocketURL         string
	flagHeaders           []string
	flagDataPath          string
	flagReconnectAttempts int
	flagConnectTimeout    time.Duration
	flagRequestTimeout    time.Duration
	flagPendingTimeout    time.Duration
	flagHourlyReset       bool
	flagLogLevel          string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagServerURL, "server-url", envOr("CHATIFY_SERVER", "http://localhost:8000"), "REST base URL (from env CHATIFY_SERVER if set)")
	flags.StringVar(&flagSocketURL, "socket-url", os.Getenv("CHATIFY_SOCKET"), "WebSocket URL; derived from --server-url when empty (env CHATIFY_SOCKET)")
	flags.StringArrayVar(&flagHeaders, "header", splitHeaders(os.Getenv("CHATIFY_HEADERS")), "extra request header \"Name: value\"; repeatable (env CHATIFY_HEADERS, ';'-separated)")
	flags.StringVar(&flagDataPath, "data-path", defaultDataPath(), "directory for the local pebble state")
	flags.IntVar(&flagReconnectAttempts, "reconnect-attempts", envInt("CHATIFY_RECONNECT_ATTEMPTS", transport.DefaultReconnectAttempts), "socket connection attempts before giving up")
	flags.DurationVar(&flagConnectTimeout, "connect-timeout", transport.DefaultConnectTimeout, "socket connect timeout per attempt")
	flags.DurationVar(&flagRequestTimeout, "request-timeout", transport.DefaultRequestTimeout, "REST request timeout")
	flags.DurationVar(&flagPendingTimeout, "pending-timeout", 15*time.Second, "how long a sent message waits for its echo")
	flags.BoolVar(&flagHourlyReset, "hourly-reset", os.Getenv("CHATIFY_HOURLY_RESET") == "1", "log out at the top of every hour")
	flags.StringVar(&flagLogLevel, "log-level", envOr("CHATIFY_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd, channelsCmd, usersCmd, chatCmd, settingsCmd, trustCmd, healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute chatify command")
	}
}

func setupLogging(*cobra.Command, []string) error {
	level, err := zerolog.ParseLevel(strings.ToLower(flagLogLevel))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	return nil
}

// transportConfig builds the transport settings from the flags.
func transportConfig() (transport.Config, error) {
	headers := http.Header{}
	for _, raw := range flagHeaders {
		if err := transport.ParseHeader(headers, raw); err != nil {
			return transport.Config{}, err
		}
	}
	return transport.Config{
		BaseURL:           flagServerURL,
		SocketURL:         flagSocketURL,
		Headers:           headers,
		ReconnectAttempts: flagReconnectAttempts,
		ConnectTimeout:    flagConnectTimeout,
		RequestTimeout:    flagRequestTimeout,
	}, nil
}

// openSession opens the local store and starts a session over it. The
// returned close func releases both.
func openSession(sink session.Sink) (*session.Session, func(), error) {
	cfg, err := transportConfig()
	if err != nil {
		return nil, nil, err
	}
	storage, err := state.OpenPebble(flagDataPath, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open state: %w", err)
	}
	store, err := state.Open(storage)
	if err != nil {
		_ = storage.Close()
		return nil, nil, fmt.Errorf("load state: %w", err)
	}
	s, err := session.New(store, sink, session.Options{
		Transport:      cfg,
		PendingTimeout: flagPendingTimeout,
		HourlyReset:    flagHourlyReset,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return s, func() {
		_ = s.Close()
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("[chatify] close state")
		}
	}, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return fallback
}

func splitHeaders(raw string) []string {
	var out []string
	for _, h := range strings.Split(raw, ";") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

func defaultDataPath() string {
	if v := os.Getenv("CHATIFY_DATA"); v != "" {
		return v
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "chatify/data"
	}
	return filepath.Join(dir, "chatify")
}
