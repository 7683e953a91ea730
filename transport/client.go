package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

// Client is the request/response half of the transport.
type Client struct {
	baseURL    string
	headers    http.Header
	httpClient *http.Client
}

// NewClient constructs a REST client for cfg.BaseURL.
func NewClient(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	base, err := NormalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: base,
		headers: cfg.Headers.Clone(),
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}, nil
}

// rejectionPayload covers the error shapes the backend produces:
// {"error": ...} from handlers and {"detail": ...} from raised HTTP errors.
type rejectionPayload struct {
	Error   string `json:"error"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

func (p rejectionPayload) text() string {
	switch {
	case p.Error != "":
		return p.Error
	case p.Detail != "":
		return p.Detail
	default:
		return p.Message
	}
}

// Get fetches path and decodes the body into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, nil, out)
}

// Post sends body as JSON and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, nil, body, out)
}

// Patch sends body as JSON and decodes the response into out.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPatch, path, nil, body, out)
}

// Delete issues a DELETE with the given query and decodes the response.
func (c *Client) Delete(ctx context.Context, path string, query url.Values, out any) error {
	return c.doJSON(ctx, http.MethodDelete, path, query, nil, out)
}

// PostFile uploads r as a multipart form file under field.
func (c *Client) PostFile(ctx context.Context, path, field, filename string, r io.Reader, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, r); err != nil {
		return fmt.Errorf("read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, nil, &buf, mw.FormDataContentType(), out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, reqBody, respBody any) error {
	var body io.Reader
	contentType := ""
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, query, body, contentType, respBody)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, respBody any) error {
	endpoint, err := c.buildURL(path, query)
	if err != nil {
		return err
	}
	op := method + " " + path

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	for name, values := range c.headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rej := &ServerRejection{Status: resp.StatusCode}
		var payload rejectionPayload
		if err := json.Unmarshal(respData, &payload); err == nil && payload.text() != "" {
			rej.Message = payload.text()
		} else {
			rej.Message = strings.TrimSpace(string(respData))
		}
		return rej
	}

	// A 2xx object carrying only "error" is still a rejection.
	if trimmed := bytes.TrimSpace(respData); len(trimmed) > 0 && trimmed[0] == '{' {
		var payload struct {
			Error *string `json:"error"`
		}
		if err := json.Unmarshal(trimmed, &payload); err == nil && payload.Error != nil {
			return &ServerRejection{Status: resp.StatusCode, Message: *payload.Error}
		}
	}

	if respBody == nil || len(respData) == 0 {
		return nil
	}
	if err := json.Unmarshal(respData, respBody); err != nil {
		return fmt.Errorf("decode %s: %w", op, err)
	}
	return nil
}

func (c *Client) buildURL(path string, query url.Values) (string, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	endpoint, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", err
	}
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}
	return endpoint.String(), nil
}

// IsRejected reports whether err is a ServerRejection with status.
func IsRejected(err error, status int) bool {
	var sr *ServerRejection
	return errors.As(err, &sr) && sr.Status == status
}
