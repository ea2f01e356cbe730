package replay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lyricsync/internal/cache"
	"lyricsync/internal/editor"
	"lyricsync/internal/remote"
	"lyricsync/internal/wire"
)

// lineServer is a minimal session API. down hangs up on every request;
// dropAfterCommit applies an add and then hangs up before answering.
type lineServer struct {
	mu     sync.Mutex
	nextID int64
	lines  []wire.Line
	byKey  map[string]int64
	posts  int
	puts   int
	refuse string

	down            atomic.Bool
	dropAfterCommit atomic.Bool
}

func newLineServer() *lineServer {
	return &lineServer{nextID: 500, byKey: map[string]int64{}}
}

func hangUp(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("response writer cannot hijack")
	}
	conn, _, err := hj.Hijack()
	if err == nil {
		conn.Close()
	}
}

func (s *lineServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *lineServer) lineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines)
}

func (s *lineServer) content(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		if l.ID == id {
			return l.Content
		}
	}
	return ""
}

// remove deletes a line on the server behind the writer's back.
func (s *lineServer) remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.lines {
		if l.ID == id {
			s.lines = append(s.lines[:i], s.lines[i+1:]...)
			return
		}
	}
}

func (s *lineServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.down.Load() {
		hangUp(w)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case r.URL.Path == "/api/health":
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet && r.URL.Path == "/api/sessions/ses-1":
		s.writeJSON(w, http.StatusOK, wire.SessionDetail{
			Session: wire.Session{ID: "ses-1", Title: "Offline"},
			Lines:   append([]wire.Line{}, s.lines...),
		})

	case r.Method == http.MethodPost && r.URL.Path == "/api/sessions/ses-1/lines":
		s.posts++
		var req wire.AddLineRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Content == s.refuse {
			s.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"code": "VALIDATION_ERROR", "error": "refused"})
			return
		}
		var line wire.Line
		if id, ok := s.byKey[req.IdempotencyKey]; ok {
			for _, l := range s.lines {
				if l.ID == id {
					line = l
				}
			}
		} else {
			s.nextID++
			line = wire.Line{ID: s.nextID, SessionID: "ses-1", LineNumber: len(s.lines) + 1, Content: req.Content, ClientID: req.ClientID}
			s.lines = append(s.lines, line)
			s.byKey[req.IdempotencyKey] = line.ID
		}
		if s.dropAfterCommit.Load() {
			hangUp(w)
			return
		}
		s.writeJSON(w, http.StatusCreated, wire.AddLineResponse{Line: line})

	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/api/sessions/ses-1/lines/"):
		s.puts++
		id, _ := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/sessions/ses-1/lines/"), 10, 64)
		var req wire.UpdateLineRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		for i := range s.lines {
			if s.lines[i].ID == id {
				s.lines[i].Content = req.Content
				s.writeJSON(w, http.StatusOK, s.lines[i])
				return
			}
		}
		s.writeJSON(w, http.StatusNotFound, map[string]string{"code": "NOT_FOUND", "error": "line not found"})

	default:
		http.NotFound(w, r)
	}
}

type harness struct {
	srv     *lineServer
	store   *cache.Store
	client  *remote.Client
	mailbox *Mailbox
	runner  *Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := newLineServer()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	store, err := cache.Open(filepath.Join(t.TempDir(), "writer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client, err := remote.New(remote.Options{BaseURL: ts.URL, Timeout: 2 * time.Second}, store)
	require.NoError(t, err)

	mailbox := NewMailbox()
	return &harness{
		srv:     srv,
		store:   store,
		client:  client,
		mailbox: mailbox,
		runner:  NewRunner(store, client, mailbox),
	}
}

func (h *harness) queueLen(t *testing.T) int {
	t.Helper()
	n, err := h.store.QueueLen()
	require.NoError(t, err)
	return n
}

func TestMailboxHoldsOneWake(t *testing.T) {
	m := NewMailbox()
	assert.True(t, m.Post())
	assert.False(t, m.Post())

	<-m.Wake()
	select {
	case <-m.Wake():
		t.Fatal("a second wake was delivered")
	default:
	}
	assert.True(t, m.Post())
}

func TestOfflineAddRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ed, err := editor.Open(ctx, "ses-1", editor.Options{Remote: h.client, Queue: h.store})
	require.NoError(t, err)
	defer ed.Close()
	h.runner.SetConfirmer(ed)

	h.srv.down.Store(true)
	line, err := ed.AddLine(ctx, "Dreaming out loud tonight", "")
	require.NoError(t, err)
	assert.Zero(t, line.ID)
	assert.True(t, line.Pending)
	assert.Equal(t, 1, h.queueLen(t))

	_, err = ed.UpdateLine(ctx, line.ClientID, "Dreaming out loud tonight, again")
	require.NoError(t, err)
	assert.Equal(t, 2, h.queueLen(t))

	h.srv.down.Store(false)
	res, err := h.runner.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Replayed: 2}, res)
	assert.Zero(t, h.queueLen(t))

	lines := ed.Lines()
	require.Len(t, lines, 1)
	assert.NotZero(t, lines[0].ID)
	assert.False(t, lines[0].Pending)
	assert.Equal(t, "Dreaming out loud tonight, again", lines[0].Content)
	assert.Equal(t, 1, h.srv.lineCount())

	cached, err := h.store.LineByClientID("ses-1", line.ClientID)
	require.NoError(t, err)
	assert.Equal(t, lines[0].ID, cached.ID)
}

func TestReplayingTheSameAddTwiceKeepsOneLine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// the server commits but the answer is lost, so the add is queued
	h.srv.dropAfterCommit.Store(true)
	res, err := h.client.AddLine(ctx, "ses-1", wire.AddLineRequest{Content: "We rise together", ClientID: "c-1"})
	require.NoError(t, err)
	require.True(t, res.Queued)
	assert.Equal(t, 1, h.srv.lineCount())

	_, err = h.runner.Drain(ctx)
	var rerr *ReplayError
	require.True(t, errors.As(err, &rerr))
	assert.True(t, remote.IsNetworkError(err))
	assert.Equal(t, 1, h.queueLen(t))

	h.srv.dropAfterCommit.Store(false)
	drained, err := h.runner.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drained.Replayed)
	assert.Zero(t, h.queueLen(t))
	assert.Equal(t, 1, h.srv.lineCount())
}

func TestRefusedEntryHoldsBackItsLineOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.refuse = "bad"

	h.srv.down.Store(true)
	_, err := h.client.AddLine(ctx, "ses-1", wire.AddLineRequest{Content: "bad", ClientID: "c-1"})
	require.NoError(t, err)
	_, err = h.client.UpdateLine(ctx, "ses-1", 0, "c-1", wire.UpdateLineRequest{Content: "still bad"})
	require.NoError(t, err)
	_, err = h.client.AddLine(ctx, "ses-1", wire.AddLineRequest{Content: "good", ClientID: "c-2"})
	require.NoError(t, err)
	h.srv.down.Store(false)

	res, err := h.runner.Drain(ctx)
	var statusErr *remote.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnprocessableEntity, statusErr.Status)
	assert.Equal(t, Result{Replayed: 1, Remaining: 2}, res)

	entries, err := h.store.ListQueue()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c-1", entries[0].Payload.ClientID)
	assert.Equal(t, "c-1", entries[1].Payload.ClientID)

	h.srv.mu.Lock()
	assert.Zero(t, h.srv.puts)
	h.srv.mu.Unlock()
}

func TestOnlineEditWaitsBehindQueuedEdit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ed, err := editor.Open(ctx, "ses-1", editor.Options{Remote: h.client, Queue: h.store})
	require.NoError(t, err)
	defer ed.Close()
	h.runner.SetConfirmer(ed)

	line, err := ed.AddLine(ctx, "a", "")
	require.NoError(t, err)
	require.NotZero(t, line.ID)

	h.srv.down.Store(true)
	_, err = ed.UpdateLine(ctx, line.ClientID, "b")
	require.NoError(t, err)

	h.srv.down.Store(false)
	updated, err := ed.UpdateLine(ctx, line.ClientID, "c")
	require.NoError(t, err)
	assert.True(t, updated.Pending)
	assert.Equal(t, 2, h.queueLen(t))

	res, err := h.runner.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Replayed: 2}, res)
	assert.Equal(t, "c", h.srv.content(line.ID))
	lines := ed.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "c", lines[0].Content)
	assert.False(t, lines[0].Pending)
}

func TestQueuedUpdateForDeletedLineIsCleared(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ed, err := editor.Open(ctx, "ses-1", editor.Options{Remote: h.client, Queue: h.store})
	require.NoError(t, err)
	defer ed.Close()
	h.runner.SetConfirmer(ed)

	line, err := ed.AddLine(ctx, "short lived", "")
	require.NoError(t, err)
	h.srv.down.Store(true)
	_, err = ed.UpdateLine(ctx, line.ClientID, "edited offline")
	require.NoError(t, err)
	h.srv.down.Store(false)
	h.srv.remove(line.ID)

	res, err := h.runner.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Replayed: 1}, res)
	assert.Zero(t, h.queueLen(t))
	assert.Empty(t, ed.Lines())

	again, err := h.runner.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, again)
}

func TestConcurrentDrainsReplayEachEntryOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.srv.down.Store(true)
	for _, text := range []string{"a", "b", "c"} {
		_, err := h.client.AddLine(ctx, "ses-1", wire.AddLineRequest{Content: text, ClientID: "c-" + text})
		require.NoError(t, err)
	}
	h.srv.down.Store(false)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.runner.Drain(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Zero(t, h.queueLen(t))
	h.srv.mu.Lock()
	assert.Equal(t, 3, h.srv.posts)
	h.srv.mu.Unlock()
}

type flakyPinger struct {
	failing atomic.Bool
}

func (p *flakyPinger) Ping(ctx context.Context) error {
	if p.failing.Load() {
		return &remote.NetworkError{Method: http.MethodGet, Endpoint: "/api/health", Err: errors.New("connection refused")}
	}
	return nil
}

func TestMonitorWakesWhenBackOnline(t *testing.T) {
	pinger := &flakyPinger{}
	pinger.failing.Store(true)
	mailbox := NewMailbox()
	monitor := NewMonitor(pinger, mailbox, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	monitor.ScheduleSync()
	select {
	case <-mailbox.Wake():
		t.Fatal("woke while offline")
	case <-time.After(50 * time.Millisecond):
	}

	pinger.failing.Store(false)
	select {
	case <-mailbox.Wake():
	case <-time.After(2 * time.Second):
		t.Fatal("no wake after reconnect")
	}
	assert.True(t, monitor.Online())
}

func TestRunnerDrainsOnWake(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := NewMonitor(h.client, h.mailbox, time.Hour)
	h.client.SetScheduler(monitor)

	h.srv.down.Store(true)
	_, err := h.client.AddLine(ctx, "ses-1", wire.AddLineRequest{Content: "queued", ClientID: "c-1"})
	require.NoError(t, err)
	require.Equal(t, 1, h.queueLen(t))
	h.srv.down.Store(false)

	go monitor.Run(ctx)
	go h.runner.Run(ctx)

	require.Eventually(t, func() bool { return h.queueLen(t) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.srv.lineCount())
}
