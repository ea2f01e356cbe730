package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"lyricsync/internal/cache"
	"lyricsync/internal/wire"
)

// ErrUnresolvedLine is returned when a queued line write still has no server
// id to address.
var ErrUnresolvedLine = errors.New("line has no server id yet")

// Ack is the server's acknowledgement of a replayed entry. Gone means the
// line was deleted before the entry reached the server; the entry is done.
type Ack struct {
	Line    *wire.Line
	Lines   []wire.Line
	Session *wire.Session
	Gone    bool
}

// Replay re-sends a queued entry with its original idempotency key. There is
// no offline fallback here; a failure leaves the entry for the next attempt.
// lineID overrides the payload's line id when the caller has since learned it.
func (c *Client) Replay(ctx context.Context, entry cache.Entry, lineID int64) (Ack, error) {
	p := entry.Payload
	if lineID == 0 {
		lineID = p.LineID
	}
	switch entry.Op {
	case cache.OpAdd:
		var req wire.AddLineRequest
		if err := decodeBody(entry, &req); err != nil {
			return Ack{}, err
		}
		req.IdempotencyKey = p.IdempotencyKey
		if req.ClientID == "" {
			req.ClientID = p.ClientID
		}
		var resp wire.AddLineResponse
		if err := c.Do(ctx, http.MethodPost, sessionPath(p.SessionID)+"/lines", req, &resp); err != nil {
			return Ack{}, err
		}
		line := resp.Line
		return Ack{Line: &line, Lines: resp.Lines}, nil

	case cache.OpUpdate:
		if lineID == 0 {
			return Ack{}, fmt.Errorf("replay update %d: %w", entry.ID, ErrUnresolvedLine)
		}
		var req wire.UpdateLineRequest
		if err := decodeBody(entry, &req); err != nil {
			return Ack{}, err
		}
		req.IdempotencyKey = p.IdempotencyKey
		var line wire.Line
		err := c.Do(ctx, http.MethodPut, linePath(p.SessionID, lineID), req, &line)
		if IsNotFound(err) {
			log.Printf("remote: line %d was deleted, dropping queued update %d", lineID, entry.ID)
			if err := c.cache.DeleteLine(lineID); err != nil {
				return Ack{}, err
			}
			return Ack{Gone: true}, nil
		}
		if err != nil {
			return Ack{}, err
		}
		return Ack{Line: &line}, nil

	case cache.OpSessionUpdate:
		var req wire.UpdateSessionRequest
		if err := decodeBody(entry, &req); err != nil {
			return Ack{}, err
		}
		req.IdempotencyKey = p.IdempotencyKey
		var session wire.Session
		if err := c.Do(ctx, http.MethodPut, sessionPath(p.SessionID), req, &session); err != nil {
			return Ack{}, err
		}
		return Ack{Session: &session}, nil
	}
	return Ack{}, fmt.Errorf("replay entry %d: unknown op %q", entry.ID, entry.Op)
}

func decodeBody(entry cache.Entry, out any) error {
	if len(entry.Payload.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(entry.Payload.Body, out); err != nil {
		return fmt.Errorf("decode queued %s %d: %w", entry.Op, entry.ID, err)
	}
	return nil
}
