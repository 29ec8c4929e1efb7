// Package massager is a client for the Massager chat service.
//
// It keeps a local view of the user's chats and messages in sync with the
// server over HTTP and a reconnecting websocket.
//
// Example:
//
//	client := massager.NewClient(massager.WithBaseURL("https://chat.example.com"))
//	session := massager.NewRealtimeSession(client, massager.SessionConfig{})
//	store := massager.NewStore()
//	engine := massager.NewEngine(client, session, store, nil, massager.EngineOptions{})
//
//	go engine.Run(ctx)
//	_ = engine.Login(ctx, "alice", "secret")
//	_ = engine.SelectChat(ctx, "1")
//	_ = engine.SendMessage(ctx, "hello")
package massager

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second

	DefaultReadRetries = 2
	DefaultRetryDelay  = 250 * time.Millisecond

	// DefaultHistoryLimit is the page size used when selecting a chat.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit is the largest page the server hands out.
	MaxHistoryLimit = 100
)

// ============================================================================
// Client
// ============================================================================

// Client is the request/response gateway to the chat API. Every call returns
// a *Result; remote failures never surface as Go errors.
type Client struct {
	mu    sync.RWMutex
	token string

	baseURL     string
	httpClient  *http.Client
	readRetries int
	retryDelay  time.Duration
	logger      *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithReadRetries sets how many times a GET is retried after a network
// failure, and the pause between attempts.
func WithReadRetries(n int, delay time.Duration) ClientOption {
	return func(c *Client) {
		c.readRetries = n
		c.retryDelay = delay
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a gateway client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		readRetries: DefaultReadRetries,
		retryDelay:  DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// SetToken sets or clears the bearer token sent on authenticated calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) BaseURL() string { return c.baseURL }

// RealtimeURL returns the websocket endpoint for token: the base URL with its
// scheme switched to ws or wss.
func (c *Client) RealtimeURL(token string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", &Error{Kind: KindValidation, Message: "invalid base url", Err: err}
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query url.Values) *Result {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return failed(0, &Error{Kind: KindValidation, Message: "failed to marshal request", Err: err})
		}
		payload = b
	}

	retries := 0
	if method == http.MethodGet {
		retries = c.readRetries
	}

	for attempt := 0; ; attempt++ {
		res, retry := c.roundTrip(ctx, method, u, payload)
		if !retry || attempt >= retries {
			return res
		}
		c.logger.Debug("retrying read", "path", path, "attempt", attempt+1, "error", res.Err)
		select {
		case <-ctx.Done():
			return res
		case <-time.After(c.retryDelay):
		}
	}
}

// roundTrip performs one HTTP exchange. retry reports a network failure that
// may be retried.
func (c *Client) roundTrip(ctx context.Context, method, u string, payload []byte) (*Result, bool) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return failed(0, &Error{Kind: KindValidation, Message: "failed to create request", Err: err}), false
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return failed(0, &Error{Kind: KindNetwork, Message: "request failed", Err: err}), ctx.Err() == nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return failed(resp.StatusCode, &Error{Kind: KindNetwork, Message: "failed to read response", Err: err}), ctx.Err() == nil
	}
	c.logger.Debug("api call", "method", method, "url", req.URL.Path, "status", resp.StatusCode)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res := &Result{OK: true, Status: resp.StatusCode}
		if gjson.ValidBytes(data) {
			res.Data = json.RawMessage(data)
		}
		return res, false
	}
	return failed(resp.StatusCode, classify(resp.StatusCode, data)), false
}

func failed(status int, err *Error) *Result {
	if err.Status == 0 {
		err.Status = status
	}
	return &Result{Status: status, Err: err}
}

// classify turns a non-2xx answer into an *Error, keeping the server's own
// message verbatim.
func classify(status int, body []byte) *Error {
	msg := serverMessage(status, body)
	e := &Error{Kind: KindServer, Status: status, Message: msg}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "not verified"):
		e.Kind = KindAuth
		e.Reason = ReasonEmailNotVerified
	case status == http.StatusUnauthorized:
		e.Kind = KindAuth
	}
	return e
}

func serverMessage(status int, body []byte) string {
	if gjson.ValidBytes(body) {
		r := gjson.ParseBytes(body)
		for _, field := range []string{"error", "message", "details"} {
			if s := r.Get(field).String(); s != "" {
				return s
			}
		}
	} else if s := strings.TrimSpace(string(body)); s != "" && len(s) < 512 {
		return s
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "request failed (" + strconv.Itoa(status) + ")"
}

// ============================================================================
// Authentication
// ============================================================================

// Login exchanges a username and password for a bearer token. A rejected
// login is KindAuth with ReasonInvalidCredentials, or ReasonEmailNotVerified
// when the account still awaits verification.
func (c *Client) Login(ctx context.Context, username, password string) *Result {
	req := LoginRequest{Username: strings.TrimSpace(username), Password: password}
	if err := validateStruct(req); err != nil {
		return failed(0, err.(*Error))
	}
	res := c.do(ctx, http.MethodPost, "/api/auth/login", req, nil)
	if res.Err != nil && res.Err.Kind == KindAuth && res.Err.Reason == "" {
		res.Err.Reason = ReasonInvalidCredentials
	}
	if res.OK {
		var data LoginData
		if err := res.Decode(&data); err != nil || data.Token == "" {
			return failed(res.Status, &Error{Kind: KindServer, Message: "login response carried no token", Err: err})
		}
	}
	return res
}

// Register creates an account. Client errors from the server are reported as
// KindValidation.
func (c *Client) Register(ctx context.Context, req RegisterRequest) *Result {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if err := validateStruct(req); err != nil {
		return failed(0, err.(*Error))
	}
	res := c.do(ctx, http.MethodPost, "/api/auth/register", req, nil)
	if res.Err != nil && res.Status >= 400 && res.Status < 500 {
		res.Err.Kind = KindValidation
	}
	return res
}

// ResendVerification asks the server to send a new verification email. The
// identifier is treated as an email address when it contains "@", else as a
// username.
func (c *Client) ResendVerification(ctx context.Context, identifier string) *Result {
	identifier = strings.TrimSpace(identifier)
	var req ResendVerificationRequest
	if strings.Contains(identifier, "@") {
		req.Email = identifier
	} else {
		req.Username = identifier
	}
	if err := validateStruct(req); err != nil {
		return failed(0, err.(*Error))
	}
	return c.do(ctx, http.MethodPost, "/api/auth/resend-verification", req, nil)
}

func (c *Client) VerifyEmail(ctx context.Context, token string) *Result {
	if strings.TrimSpace(token) == "" {
		return failed(0, validationError("verification token is required"))
	}
	return c.do(ctx, http.MethodGet, "/api/auth/verify-email", nil, url.Values{"token": {token}})
}

func (c *Client) VerificationStatus(ctx context.Context) *Result {
	return c.do(ctx, http.MethodGet, "/api/auth/verification-status", nil, nil)
}

// ============================================================================
// Chats and messages
// ============================================================================

func (c *Client) ListChats(ctx context.Context) *Result {
	return c.do(ctx, http.MethodGet, "/api/chats", nil, nil)
}

func (c *Client) CreateChat(ctx context.Context, name string, members []string) *Result {
	return c.do(ctx, http.MethodPost, "/api/chats", CreateChatRequest{ChatName: name, MemberIDs: members}, nil)
}

func (c *Client) DeleteChat(ctx context.Context, id ChatID) *Result {
	if id == "" {
		return failed(0, validationError("chat id is required"))
	}
	return c.do(ctx, http.MethodDelete, "/api/chats/"+url.PathEscape(string(id)), nil, nil)
}

// ListMessages fetches up to limit of the most recent messages of a chat.
// limit is clamped to [1, MaxHistoryLimit]; zero selects DefaultHistoryLimit.
func (c *Client) ListMessages(ctx context.Context, id ChatID, limit int) *Result {
	if id == "" {
		return failed(0, validationError("chat id is required"))
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	return c.do(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(string(id))+"/messages", nil, q)
}
