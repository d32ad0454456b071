package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned for units and schedules the server does not know.
var ErrNotFound = errors.New("client: not found")

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.Status, e.Message)
}

// Client talks to the svcplane control API.
type Client struct {
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
	token    string
	username string
	password string
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations

	// Token is sent as a bearer token. It takes precedence over Username.
	Token    string
	Username string
	Password string
	// TLS configures https:// base URLs. Nil uses the system roots.
	TLS *tls.Config
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	hc := &http.Client{Timeout: config.Timeout}
	if config.TLS != nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = config.TLS
		hc.Transport = tr
	}
	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		logger:   config.Logger,
		client:   hc,
		token:    config.Token,
		username: config.Username,
		password: config.Password,
	}
}

// SetToken replaces the bearer token used for later requests.
func (c *Client) SetToken(token string) { c.token = token }

// Login exchanges a username and password for a token and uses it for later
// requests.
func (c *Client) Login(ctx context.Context, username, password string) (Token, error) {
	body, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return Token{}, err
	}
	var out Token
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &out); err != nil {
		return Token{}, err
	}
	c.token = out.Value
	return out, nil
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}
}

// IsReachable checks if the server is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("server unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode != http.StatusNotFound
}

func (c *Client) Units(ctx context.Context) ([]Unit, error) {
	var out []Unit
	err := c.do(ctx, http.MethodGet, "/units", nil, &out)
	return out, err
}

func (c *Client) Unit(ctx context.Context, name string) (UnitDetail, error) {
	var out UnitDetail
	err := c.do(ctx, http.MethodGet, "/units/"+url.PathEscape(name), nil, &out)
	return out, err
}

// Stop asks the server to send SERVICE/STOP to name.
func (c *Client) Stop(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/units/"+url.PathEscape(name)+"/stop", nil, nil)
}

// StopAll returns how many stop requests the server sent.
func (c *Client) StopAll(ctx context.Context) (int, error) {
	var out stopAllResponse
	err := c.do(ctx, http.MethodPost, "/stop-all", nil, &out)
	return out.Sent, err
}

// Send forwards payload, JSON-encoded, to the unit's HandleMessage hook.
func (c *Client) Send(ctx context.Context, name string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/units/"+url.PathEscape(name)+"/send", body, nil)
}

// Healthy reports whether every launched unit is alive.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	var out healthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		return false, nil
	}
	return out.Healthy, err
}

func (c *Client) Messages(ctx context.Context) ([]Message, error) {
	var out []Message
	err := c.do(ctx, http.MethodGet, "/messages", nil, &out)
	return out, err
}

func (c *Client) Schedules(ctx context.Context) ([]Schedule, error) {
	var out []Schedule
	err := c.do(ctx, http.MethodGet, "/schedules", nil, &out)
	return out, err
}

// TriggerSchedule runs the named schedule now.
func (c *Client) TriggerSchedule(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/schedules/"+url.PathEscape(name)+"/run", nil, nil)
}

// do performs HTTP request with common error handling and decodes a 2xx body
// into out when out is not nil.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.errorFrom(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) errorFrom(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Message = er.Error
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", ErrNotFound, apiErr)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		c.logger.Debug("API request failed", "error", apiErr.Message, "status", resp.StatusCode)
	}
	return apiErr
}
