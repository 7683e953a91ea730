package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Defaults for Config.
const (
	DefaultReconnectAttempts = 5
	DefaultConnectTimeout    = 10 * time.Second
	DefaultRequestTimeout    = 15 * time.Second
	DefaultReconnectDelay    = time.Second
)

// Config configures both halves of the transport.
type Config struct {
	// BaseURL is the REST root, e.g. http://host/api.
	BaseURL string
	// SocketURL is the WebSocket endpoint. Empty derives it from BaseURL.
	SocketURL string
	// Headers are attached to every request and to the socket handshake.
	// Deployments behind a tunnel put their bypass header here.
	Headers http.Header

	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.Headers == nil {
		c.Headers = http.Header{}
	}
	return c
}

// NormalizeBaseURL trims a REST base URL and checks it has a scheme.
func NormalizeBaseURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", fmt.Errorf("server url cannot be empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("server url must include scheme and host (https://...)")
	}
	return strings.TrimRight(value, "/"), nil
}

// SocketURLFor derives the WebSocket endpoint from a REST base URL: the
// scheme becomes ws/wss and the path becomes /ws at the host root.
func SocketURLFor(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// ParseHeader parses a "Name: value" (or "Name=value") flag into h.
func ParseHeader(h http.Header, raw string) error {
	sep := strings.IndexAny(raw, ":=")
	if sep <= 0 {
		return fmt.Errorf("header %q: want Name: value", raw)
	}
	name := strings.TrimSpace(raw[:sep])
	value := strings.TrimSpace(raw[sep+1:])
	if name == "" {
		return fmt.Errorf("header %q: empty name", raw)
	}
	h.Add(name, value)
	return nil
}
