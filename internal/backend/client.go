// Package backend talks to the web site the bot fronts: it announces the bot
// (the connectivity probe) and records user searches.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	userAgent            = "Mozilla/5.0"
	defaultLogSearchPath = "/log-search"
	maxErrBody           = 512
)

// StatusError is returned when the backend answers with anything but 200.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend: unexpected status %d from %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("backend: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// SearchLog is one user search reported to the backend.
type SearchLog struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Query    string `json:"query"`
}

type pingBody struct {
	BotName string `json:"bot_name"`
	Status  string `json:"status"`
}

type Client struct {
	baseURL       string
	token         string
	botName       string
	logSearchPath string
	httpClient    *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBotName overrides the name announced by Ping (default: hostname).
func WithBotName(name string) Option {
	return func(c *Client) {
		if n := strings.TrimSpace(name); n != "" {
			c.botName = n
		}
	}
}

func WithLogSearchPath(p string) Option {
	return func(c *Client) {
		if p = strings.TrimSpace(p); p != "" {
			c.logSearchPath = "/" + strings.TrimLeft(p, "/")
		}
	}
}

func New(baseURL, token string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("backend: base url must not be empty")
	}
	host, _ := os.Hostname()
	c := &Client{
		baseURL:       baseURL,
		token:         token,
		botName:       host,
		logSearchPath: defaultLogSearchPath,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c, nil
}

func (c *Client) BotName() string { return c.botName }

// Ping announces the bot as online. Only HTTP 200 counts as success; the
// caller bounds the call with ctx.
func (c *Client) Ping(ctx context.Context) error {
	return c.post(ctx, c.baseURL, pingBody{BotName: c.botName, Status: "online"})
}

// LogSearch records a search.
func (c *Client) LogSearch(ctx context.Context, entry SearchLog) error {
	return c.post(ctx, c.baseURL+c.logSearchPath, entry)
}

func (c *Client) post(ctx context.Context, url string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("backend: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("backend: create request: %w", err)
	}
	req.Header.Set("X-API-TOKEN", c.token)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend: post %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, URL: url, Body: strings.TrimSpace(string(raw))}
	}
	return nil
}
