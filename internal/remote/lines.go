package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"lyricsync/internal/cache"
	"lyricsync/internal/util"
	"lyricsync/internal/wire"
)

// AddResult is the outcome of an add. Lines is set when the server renumbered
// the session and returned the whole list. Queued means the line was
// synthesized locally and still has no server id.
type AddResult struct {
	Line   wire.Line
	Lines  []wire.Line
	Queued bool
}

// AddLine creates a line. On a transport failure the add is queued and a
// synthesized line carrying the client id (and no server id) is returned.
func (c *Client) AddLine(ctx context.Context, sessionID string, req wire.AddLineRequest) (AddResult, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = util.NewIdempotencyKey()
	}
	var resp wire.AddLineResponse
	err := c.Do(ctx, http.MethodPost, sessionPath(sessionID)+"/lines", req, &resp)
	if err == nil {
		return AddResult{Line: resp.Line, Lines: resp.Lines}, nil
	}
	if !IsNetworkError(err) {
		return AddResult{}, err
	}

	payload := cache.Payload{SessionID: sessionID, ClientID: req.ClientID, IdempotencyKey: req.IdempotencyKey}
	if err := c.enqueue(cache.OpAdd, payload, req); err != nil {
		return AddResult{}, err
	}
	now := time.Now().UTC()
	return AddResult{
		Line: wire.Line{
			SessionID:  sessionID,
			LineNumber: req.LineNumber,
			Content:    req.Content,
			Section:    req.Section,
			ClientID:   req.ClientID,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		Queued: true,
	}, nil
}

// UpdateResult is the outcome of an update; Line echoes the content when queued.
type UpdateResult struct {
	Line   wire.Line
	Queued bool
}

// UpdateLine changes a line's content. A line without a server id cannot be
// addressed yet, and a line with writes still queued must not overtake them,
// so in both cases the update goes straight to the queue.
func (c *Client) UpdateLine(ctx context.Context, sessionID string, lineID int64, clientID string, req wire.UpdateLineRequest) (UpdateResult, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = util.NewIdempotencyKey()
	}
	behind, err := c.cache.HasQueued(clientID)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("update line: %w", err)
	}
	if lineID != 0 && !behind {
		var line wire.Line
		err = c.Do(ctx, http.MethodPut, linePath(sessionID, lineID), req, &line)
		if err == nil {
			return UpdateResult{Line: line}, nil
		}
		if !IsNetworkError(err) {
			return UpdateResult{}, err
		}
	}

	payload := cache.Payload{SessionID: sessionID, LineID: lineID, ClientID: clientID, IdempotencyKey: req.IdempotencyKey}
	if err := c.enqueue(cache.OpUpdate, payload, req); err != nil {
		return UpdateResult{}, err
	}
	line := wire.Line{
		ID:        lineID,
		SessionID: sessionID,
		Content:   req.Content,
		ClientID:  clientID,
		UpdatedAt: time.Now().UTC(),
	}
	if req.Section != nil {
		line.Section = *req.Section
	}
	return UpdateResult{Line: line, Queued: true}, nil
}

// DeleteLine removes a line and returns the renumbered list. It is never
// queued: the caller rolls back its optimistic removal on error. A line the
// server no longer has counts as deleted, with no list returned.
func (c *Client) DeleteLine(ctx context.Context, sessionID string, lineID int64) ([]wire.Line, error) {
	var resp wire.LinesResponse
	err := c.Do(ctx, http.MethodDelete, linePath(sessionID, lineID), nil, &resp)
	if IsNotFound(err) {
		return nil, c.cache.DeleteLine(lineID)
	}
	if err != nil {
		return nil, err
	}
	if err := c.cache.DeleteLine(lineID); err != nil {
		return resp.Lines, err
	}
	return resp.Lines, nil
}

// Reorder sets the full line order of a session. It fails hard when offline.
func (c *Client) Reorder(ctx context.Context, sessionID string, lineIDs []int64) ([]wire.Line, error) {
	var resp wire.LinesResponse
	if err := c.Do(ctx, http.MethodPut, sessionPath(sessionID)+"/lines/order", wire.ReorderRequest{LineIDs: lineIDs}, &resp); err != nil {
		return nil, err
	}
	return resp.Lines, nil
}
