package editor

import (
	"context"
	"errors"
	"fmt"

	"lyricsync/internal/wire"
)

// RequestSuggestion streams a draft continuation of prefix into the snapshot's
// Draft field. Starting a new request cancels the previous one, and chunks
// that arrive for a superseded request are dropped. It returns once the
// stream ends; a superseded request returns nil.
func (e *Editor) RequestSuggestion(ctx context.Context, prefix string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.suggestCancel != nil {
		e.suggestCancel()
	}
	e.suggestToken++
	token := e.suggestToken
	sctx, cancel := context.WithCancel(ctx)
	e.suggestCancel = cancel
	e.draft = ""
	req := wire.SuggestionRequest{SessionID: e.sessionID, Prefix: prefix, Context: e.contentsLocked()}
	e.publishLocked()
	e.mu.Unlock()

	err := e.remote.StreamSuggestion(sctx, req, func(chunk string) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if token != e.suggestToken || e.closed {
			return
		}
		e.draft += chunk
		e.publishLocked()
	})

	e.mu.Lock()
	current := token == e.suggestToken
	if current {
		e.suggestCancel = nil
	}
	e.mu.Unlock()
	cancel()

	if !current {
		return nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("suggestion: %w", err)
	}
	return nil
}

// CancelSuggestion aborts the open suggestion stream and clears the draft.
func (e *Editor) CancelSuggestion() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.suggestCancel != nil {
		e.suggestCancel()
		e.suggestCancel = nil
	}
	e.suggestToken++
	e.draft = ""
	e.publishLocked()
}

// AcceptSuggestion adds the current draft as a new line.
func (e *Editor) AcceptSuggestion(ctx context.Context) (Line, error) {
	e.mu.Lock()
	draft := e.draft
	e.mu.Unlock()
	if draft == "" {
		return Line{}, fmt.Errorf("accept suggestion: no draft")
	}
	e.CancelSuggestion()
	return e.AddLine(ctx, draft, "")
}
