package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"lyricsync/internal/cache"
	"lyricsync/internal/util"
	"lyricsync/internal/wire"
)

// SessionResult is a session read. Stale is set when it came from the cache.
type SessionResult struct {
	Detail wire.SessionDetail
	Stale  bool
}

// GetSession reads a session with its lines. A successful read is written
// through to the cache; a transport failure is answered from the cache when a
// snapshot exists.
func (c *Client) GetSession(ctx context.Context, sessionID string) (SessionResult, error) {
	var detail wire.SessionDetail
	err := c.Do(ctx, http.MethodGet, sessionPath(sessionID), nil, &detail)
	if err == nil {
		if detail.Lines == nil {
			detail.Lines = []wire.Line{}
		}
		if err := c.cache.SaveSnapshot(detail); err != nil {
			return SessionResult{}, err
		}
		return SessionResult{Detail: detail}, nil
	}
	if !IsNetworkError(err) {
		return SessionResult{}, err
	}

	session, cacheErr := c.cache.GetSession(sessionID)
	if errors.Is(cacheErr, cache.ErrNotFound) {
		return SessionResult{}, err
	}
	if cacheErr != nil {
		return SessionResult{}, cacheErr
	}
	lines, cacheErr := c.cache.LinesForSession(sessionID)
	if cacheErr != nil {
		return SessionResult{}, cacheErr
	}
	log.Printf("remote: serving cached session %s: %v", sessionID, err)
	return SessionResult{Detail: wire.SessionDetail{Session: session, Lines: lines}, Stale: true}, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]wire.Session, error) {
	var resp struct {
		Sessions []wire.Session `json:"sessions"`
	}
	if err := c.Do(ctx, http.MethodGet, "/api/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *Client) CreateSession(ctx context.Context, req wire.CreateSessionRequest) (wire.Session, error) {
	var session wire.Session
	if err := c.Do(ctx, http.MethodPost, "/api/sessions", req, &session); err != nil {
		return wire.Session{}, err
	}
	return session, nil
}

// DeleteSession fails hard when offline.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.Do(ctx, http.MethodDelete, sessionPath(sessionID), nil, nil)
}

// SessionUpdateResult is the outcome of a metadata or heartbeat update.
type SessionUpdateResult struct {
	Session wire.Session
	Queued  bool
}

// UpdateSession patches session metadata. On a transport failure the update is
// queued and a best-effort local view of the patched session is returned.
func (c *Client) UpdateSession(ctx context.Context, sessionID string, req wire.UpdateSessionRequest) (SessionUpdateResult, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = util.NewIdempotencyKey()
	}
	var session wire.Session
	err := c.Do(ctx, http.MethodPut, sessionPath(sessionID), req, &session)
	if err == nil {
		return SessionUpdateResult{Session: session}, nil
	}
	if !IsNetworkError(err) {
		return SessionUpdateResult{}, err
	}

	if err := c.enqueue(cache.OpSessionUpdate, cache.Payload{SessionID: sessionID, IdempotencyKey: req.IdempotencyKey}, req); err != nil {
		return SessionUpdateResult{}, err
	}
	local, cacheErr := c.cache.GetSession(sessionID)
	if cacheErr != nil {
		local = wire.Session{ID: sessionID}
	}
	return SessionUpdateResult{Session: applySessionPatch(local, req), Queued: true}, nil
}

func applySessionPatch(s wire.Session, req wire.UpdateSessionRequest) wire.Session {
	if req.Title != nil {
		s.Title = *req.Title
	}
	if req.BPM != nil {
		s.BPM = *req.BPM
	}
	if req.Mood != nil {
		s.Mood = req.Mood
	}
	if req.Themes != nil {
		s.Themes = req.Themes
	}
	if req.RhymeScheme != nil {
		s.RhymeScheme = *req.RhymeScheme
	}
	s.TimeSpentSeconds += req.AddSeconds
	s.UpdatedAt = time.Now().UTC()
	return s
}

// enqueue stores body as the payload of a queued write and asks for a replay.
func (c *Client) enqueue(op cache.Op, payload cache.Payload, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal queued %s: %w", op, err)
	}
	payload.Body = raw
	if _, err := c.cache.Enqueue(op, payload); err != nil {
		return err
	}
	c.scheduleSync()
	return nil
}
