package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lyricsync/internal/cache"
	"lyricsync/internal/editor"
	"lyricsync/internal/remote"
	"lyricsync/internal/wire"
)

func TestEditCommandHoldsOffPeerUpdates(t *testing.T) {
	var (
		ed      *editor.Editor
		outcome editor.Outcome
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(wire.SessionDetail{
				Session: wire.Session{ID: "ses-1", Title: "Night Drive"},
				Lines:   []wire.Line{{ID: 501, SessionID: "ses-1", LineNumber: 1, Content: "mine"}},
			})
		case http.MethodPut:
			// a peer's broadcast lands while the edit is in flight
			outcome = ed.ApplyRemoteUpdate(wire.Line{ID: 501, SessionID: "ses-1", LineNumber: 1, Content: "theirs"})
			var req wire.UpdateLineRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(wire.Line{ID: 501, SessionID: "ses-1", LineNumber: 1, Content: req.Content})
		}
	}))
	defer srv.Close()

	store, err := cache.Open(filepath.Join(t.TempDir(), "writer.db"))
	require.NoError(t, err)
	defer store.Close()
	client, err := remote.New(remote.Options{BaseURL: srv.URL}, store)
	require.NoError(t, err)

	ctx := context.Background()
	ed, err = editor.Open(ctx, "ses-1", editor.Options{Remote: client, Queue: store})
	require.NoError(t, err)
	defer ed.Close()

	var out bytes.Buffer
	r := &repl{store: store, client: client, out: &out, editor: ed}
	assert.False(t, r.exec(ctx, "edit 1 mine, rewritten"))

	assert.Equal(t, editor.Skipped, outcome)
	snap := ed.Snapshot()
	assert.Empty(t, snap.Editing)
	require.Len(t, snap.Lines, 1)
	assert.Equal(t, "mine, rewritten", snap.Lines[0].Content)
	assert.NotContains(t, out.String(), "error:")
}
