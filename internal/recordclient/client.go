// Package recordclient talks to the server of record over its REST API.
package recordclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
)

// CodeTimingPolicy is the error code the server uses for a session whose
// duration falls outside policy bounds.
const CodeTimingPolicy = "timing_policy"

// IdempotencyHeader carries the queued action id.
const IdempotencyHeader = "Idempotency-Key"

// TokenSource yields the bearer token for authenticated calls.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// ErrorBody is the JSON error envelope returned by the server.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Device   string `json:"device"`
	Password string `json:"password"`
}

// LoginResponse carries the device token and the scope's master secret.
type LoginResponse struct {
	AccessToken  string    `json:"access_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope"`
	MasterSecret []byte    `json:"master_secret"`
}

// ActionRequest is the body of POST /actions.
type ActionRequest struct {
	Kind    model.ActionKind `json:"kind"`
	Payload json.RawMessage  `json:"payload"`
}

// Options tune a Client.
type Options struct {
	// Timeout bounds each request (default 10s).
	Timeout time.Duration
	Tokens  TokenSource
	Logger  *zap.Logger
	// HTTPClient overrides the transport; its Timeout is left as is.
	HTTPClient *http.Client
}

// Client is the server-of-record client.
type Client struct {
	base   *url.URL
	hc     *http.Client
	tokens TokenSource
	log    *zap.Logger
}

// New builds a client for baseURL (e.g. https://records.example.com/api).
func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("server url %q: invalid", baseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{base: u, hc: hc, tokens: opts.Tokens, log: opts.Logger}, nil
}

// SetTokens replaces the token source (after login).
func (c *Client) SetTokens(ts TokenSource) { c.tokens = ts }

// Login exchanges device credentials for a token and the master secret.
func (c *Client) Login(ctx context.Context, device, password string) (*LoginResponse, error) {
	var out LoginResponse
	err := c.do(ctx, http.MethodPost, "/auth/login", nil, LoginRequest{Device: device, Password: password}, &out, false)
	if err != nil {
		return nil, err
	}
	if out.AccessToken == "" || len(out.MasterSecret) == 0 {
		return nil, fmt.Errorf("login: incomplete response: %w", errs.ErrUnauthorized)
	}
	return &out, nil
}

// FetchWhitelist implements whitelist.Source.
func (c *Client) FetchWhitelist(ctx context.Context, scope string) (*model.WhitelistSnapshot, error) {
	var out model.WhitelistSnapshot
	if err := c.do(ctx, http.MethodGet, "/whitelist/"+url.PathEscape(scope), nil, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartSession records a session start; idempotent on the session id.
func (c *Client) StartSession(ctx context.Context, s model.SessionStart) error {
	return c.do(ctx, http.MethodPost, "/scan-sessions/"+s.SessionID.String()+"/start", nil, s, nil, true)
}

// EndSession records a session end; idempotent on the session id.
func (c *Client) EndSession(ctx context.Context, e model.SessionEnd) error {
	return c.do(ctx, http.MethodPost, "/scan-sessions/"+e.SessionID.String()+"/end", nil, e, nil, true)
}

// SubmitAction posts a generic action under its idempotency key.
func (c *Client) SubmitAction(ctx context.Context, id uuid.UUID, kind model.ActionKind, payload []byte) error {
	h := http.Header{}
	h.Set(IdempotencyHeader, id.String())
	return c.do(ctx, http.MethodPost, "/actions", h, ActionRequest{Kind: kind, Payload: payload}, nil, true)
}

func (c *Client) do(ctx context.Context, method, path string, hdr http.Header, in, out any, auth bool) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if auth {
		if c.tokens == nil {
			return fmt.Errorf("%s %s: not logged in: %w", method, path, errs.ErrUnauthorized)
		}
		tok, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %v: %w", method, path, err, errs.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	}
	return c.statusErr(method, path, resp)
}

func (c *Client) statusErr(method, path string, resp *http.Response) error {
	var eb ErrorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &eb); err != nil || eb.Error == "" {
		eb.Error = strings.TrimSpace(string(raw))
	}
	msg := fmt.Sprintf("%s %s: %d %s", method, path, resp.StatusCode, eb.Error)
	c.log.Debug("server of record rejected request", zap.String("path", path), zap.Int("status", resp.StatusCode), zap.String("code", eb.Code))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", msg, errs.ErrUnauthorized)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s: %w", msg, errs.ErrConflict)
	case resp.StatusCode == http.StatusUnprocessableEntity && eb.Code == CodeTimingPolicy:
		return fmt.Errorf("%s: %w", msg, errs.ErrTimingPolicy)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, errs.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", msg, errors.Join(errs.ErrRateLimited, errs.ErrUnavailable))
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s: %w", msg, errs.ErrUnavailable)
	default:
		return errors.New(msg)
	}
}
