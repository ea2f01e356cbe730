package remote

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"strings"

	"lyricsync/internal/wire"
)

var ErrNoAssist = errors.New("assistance service not configured")

// Assist asks the assistance service to rewrite a line. It is never queued.
func (c *Client) Assist(ctx context.Context, req wire.AssistRequest) (string, error) {
	if c.assistURL == nil {
		return "", ErrNoAssist
	}
	var resp wire.AssistResponse
	if err := c.do(ctx, c.assistURL, http.MethodPost, "/assist", req, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

// StreamSuggestion reads a server-sent suggestion stream and hands every
// data chunk to onChunk until the stream ends, sends [DONE] or ctx is done.
func (c *Client) StreamSuggestion(ctx context.Context, req wire.SuggestionRequest, onChunk func(string)) error {
	if c.assistURL == nil {
		return ErrNoAssist
	}
	resp, err := c.send(ctx, c.assistURL, http.MethodPost, "/suggest", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		chunk := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		if chunk == "[DONE]" {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		onChunk(chunk)
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &NetworkError{Method: http.MethodPost, Endpoint: "/suggest", Err: err}
	}
	return nil
}
