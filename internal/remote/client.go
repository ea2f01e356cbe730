// Package remote is the writer's network access layer. Every call to the
// lyricsync API goes through Client, which applies a per-call offline policy:
// session reads fall back to the local cache, line adds/updates and session
// updates are synthesized and queued, everything else fails hard.
package remote

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
	"sync"
	"time"

	"lyricsync/internal/cache"
	"lyricsync/internal/wire"
)

// Cache is the subset of the local durable cache the network layer writes to.
type Cache interface {
	SaveSnapshot(wire.SessionDetail) error
	GetSession(string) (wire.Session, error)
	LinesForSession(string) ([]wire.Line, error)
	DeleteLine(int64) error
	Enqueue(cache.Op, cache.Payload) (uint64, error)
	HasQueued(clientID string) (bool, error)
}

// Scheduler is told when something was queued so a replay can be arranged.
// It is best effort; the replay monitor's own tick covers a missing scheduler.
type Scheduler interface {
	ScheduleSync()
}

// NetworkError is a transport failure: the request never got an HTTP answer.
type NetworkError struct {
	Method   string
	Endpoint string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s %s: %v", e.Method, e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s: %s", e.Status, e.Code, e.Message)
}

// IsNotFound reports whether err is (or wraps) a 404 answer.
func IsNotFound(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound
}

// IsNetworkError reports whether err is (or wraps) a transport failure.
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

type Options struct {
	BaseURL    string
	AssistURL  string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	baseURL   *url.URL
	assistURL *url.URL
	http      *http.Client
	cache     Cache

	mu        sync.RWMutex
	token     string
	scheduler Scheduler
}

func New(opts Options, store Cache) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	var assist *url.URL
	if strings.TrimSpace(opts.AssistURL) != "" {
		assist, err = url.Parse(strings.TrimRight(opts.AssistURL, "/"))
		if err != nil {
			return nil, fmt.Errorf("parse assist url: %w", err)
		}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:   base,
		assistURL: assist,
		http:      httpClient,
		cache:     store,
		token:     opts.Token,
	}, nil
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) SetScheduler(s Scheduler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduler = s
}

func (c *Client) scheduleSync() {
	c.mu.RLock()
	s := c.scheduler
	c.mu.RUnlock()
	if s != nil {
		s.ScheduleSync()
	}
}

// Do sends a JSON request to an API endpoint and decodes the JSON answer into out.
func (c *Client) Do(ctx context.Context, method, endpoint string, body, out any) error {
	return c.do(ctx, c.baseURL, method, endpoint, body, out)
}

func (c *Client) do(ctx context.Context, base *url.URL, method, endpoint string, body, out any) error {
	resp, err := c.send(ctx, base, method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, endpoint, err)
	}
	return nil
}

// send performs the request and returns the response only for 2xx answers.
func (c *Client) send(ctx context.Context, base *url.URL, method, endpoint string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s %s: %w", method, endpoint, err)
		}
		reader = bytes.NewReader(payload)
	}
	target := base.String() + endpoint
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &NetworkError{Method: method, Endpoint: endpoint, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		statusErr := &StatusError{Status: resp.StatusCode}
		var payload struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
			statusErr.Code = payload.Code
			statusErr.Message = payload.Error
		}
		return nil, statusErr
	}
	return resp, nil
}

// Ping probes the API health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.Do(ctx, http.MethodGet, "/api/health", nil, nil)
}

func (c *Client) SignIn(ctx context.Context, email, password string) (wire.SignInResponse, error) {
	var resp wire.SignInResponse
	err := c.Do(ctx, http.MethodPost, "/api/auth/signin", wire.SignInRequest{Email: email, Password: password}, &resp)
	if err != nil {
		return wire.SignInResponse{}, err
	}
	c.SetToken(resp.AccessToken)
	return resp, nil
}

func sessionPath(sessionID string) string {
	return "/api/sessions/" + url.PathEscape(sessionID)
}

func linePath(sessionID string, lineID int64) string {
	return fmt.Sprintf("%s/lines/%d", sessionPath(sessionID), lineID)
}
