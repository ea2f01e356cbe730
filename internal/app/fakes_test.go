package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"lyricsync/internal/auth"
	"lyricsync/internal/authpw"
	"lyricsync/internal/config"
	"lyricsync/internal/export"
	"lyricsync/internal/gitrepo"
	"lyricsync/internal/pubsub"
	"lyricsync/internal/store"
	"lyricsync/internal/wire"
)

const testSecret = "test-secret"

type fakeStore struct {
	pingFn            func(context.Context) error
	writers           map[string]store.Writer
	listSessionsFn    func(context.Context) ([]store.Session, error)
	getSessionFn      func(context.Context, string) (store.Session, error)
	insertSessionFn   func(context.Context, store.Session) (store.Session, error)
	updateSessionFn   func(context.Context, string, store.SessionPatch, string) (store.Session, bool, error)
	deleteSessionFn   func(context.Context, string) error
	listLinesFn       func(context.Context, string) ([]store.Line, error)
	addLineFn         func(context.Context, store.NewLine) (store.AddResult, error)
	updateLineFn      func(context.Context, string, int64, store.LineEdit) (store.Line, bool, error)
	deleteLineFn      func(context.Context, string, int64) ([]store.Line, error)
	reorderLinesFn    func(context.Context, string, []int64) ([]store.Line, error)
	setLineAnalysisFn func(context.Context, int64, string, store.Analysis) (store.Line, error)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetWriterByID(_ context.Context, id string) (store.Writer, error) {
	if writer, ok := f.writers[id]; ok {
		return writer, nil
	}
	return store.Writer{}, store.ErrNotFound
}

func (f *fakeStore) ListSessions(ctx context.Context) ([]store.Session, error) {
	if f.listSessionsFn != nil {
		return f.listSessionsFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) GetSession(ctx context.Context, id string) (store.Session, error) {
	if f.getSessionFn != nil {
		return f.getSessionFn(ctx, id)
	}
	return store.Session{ID: id, Title: "Neon Rain"}, nil
}

func (f *fakeStore) InsertSession(ctx context.Context, item store.Session) (store.Session, error) {
	if f.insertSessionFn != nil {
		return f.insertSessionFn(ctx, item)
	}
	return item, nil
}

func (f *fakeStore) UpdateSession(ctx context.Context, id string, patch store.SessionPatch, key string) (store.Session, bool, error) {
	if f.updateSessionFn != nil {
		return f.updateSessionFn(ctx, id, patch, key)
	}
	return store.Session{ID: id}, true, nil
}

func (f *fakeStore) DeleteSession(ctx context.Context, id string) error {
	if f.deleteSessionFn != nil {
		return f.deleteSessionFn(ctx, id)
	}
	return nil
}

func (f *fakeStore) ListLines(ctx context.Context, sessionID string) ([]store.Line, error) {
	if f.listLinesFn != nil {
		return f.listLinesFn(ctx, sessionID)
	}
	return nil, nil
}

func (f *fakeStore) AddLine(ctx context.Context, item store.NewLine) (store.AddResult, error) {
	if f.addLineFn != nil {
		return f.addLineFn(ctx, item)
	}
	return store.AddResult{Line: store.Line{ID: 1, SessionID: item.SessionID, LineNumber: 1, Content: item.Content}, Created: true}, nil
}

func (f *fakeStore) UpdateLine(ctx context.Context, sessionID string, lineID int64, edit store.LineEdit) (store.Line, bool, error) {
	if f.updateLineFn != nil {
		return f.updateLineFn(ctx, sessionID, lineID, edit)
	}
	return store.Line{ID: lineID, SessionID: sessionID, Content: edit.Content}, true, nil
}

func (f *fakeStore) DeleteLine(ctx context.Context, sessionID string, lineID int64) ([]store.Line, error) {
	if f.deleteLineFn != nil {
		return f.deleteLineFn(ctx, sessionID, lineID)
	}
	return nil, nil
}

func (f *fakeStore) ReorderLines(ctx context.Context, sessionID string, lineIDs []int64) ([]store.Line, error) {
	if f.reorderLinesFn != nil {
		return f.reorderLinesFn(ctx, sessionID, lineIDs)
	}
	return nil, nil
}

func (f *fakeStore) SetLineAnalysis(ctx context.Context, lineID int64, content string, analysis store.Analysis) (store.Line, error) {
	if f.setLineAnalysisFn != nil {
		return f.setLineAnalysisFn(ctx, lineID, content, analysis)
	}
	return store.Line{}, store.ErrNotFound
}

// recordingBus fans out like the local bus and remembers every event.
type recordingBus struct {
	*pubsub.LocalBus
	mu     sync.Mutex
	events []wire.Event
}

func newRecordingBus() *recordingBus {
	return &recordingBus{LocalBus: pubsub.NewLocalBus()}
}

func (b *recordingBus) Publish(ctx context.Context, ev wire.Event) error {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	return b.LocalBus.Publish(ctx, ev)
}

func (b *recordingBus) ofType(t wire.EventType) []wire.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []wire.Event
	for _, ev := range b.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeVersions struct {
	saveFn    func(string, gitrepo.Sheet, string, string) (gitrepo.Version, error)
	versionFn func(string, int) ([]gitrepo.Version, error)
	sheetAtFn func(string, string) (gitrepo.Sheet, gitrepo.Version, error)
	removed   []string
}

func (f *fakeVersions) SaveVersion(sessionID string, sheet gitrepo.Sheet, name, author string) (gitrepo.Version, error) {
	if f.saveFn != nil {
		return f.saveFn(sessionID, sheet, name, author)
	}
	return gitrepo.Version{Hash: "abc1234", Name: name, Author: author}, nil
}

func (f *fakeVersions) Versions(sessionID string, limit int) ([]gitrepo.Version, error) {
	if f.versionFn != nil {
		return f.versionFn(sessionID, limit)
	}
	return []gitrepo.Version{}, nil
}

func (f *fakeVersions) SheetAt(sessionID, hash string) (gitrepo.Sheet, gitrepo.Version, error) {
	if f.sheetAtFn != nil {
		return f.sheetAtFn(sessionID, hash)
	}
	return gitrepo.Sheet{}, gitrepo.Version{}, gitrepo.ErrVersionNotFound
}

func (f *fakeVersions) Remove(sessionID string) error {
	f.removed = append(f.removed, sessionID)
	return nil
}

type fakeExporter struct {
	exportFn func(context.Context, string, gitrepo.Sheet, string, export.Format) (*export.Result, error)
}

func (f *fakeExporter) Export(ctx context.Context, sessionID string, sheet gitrepo.Sheet, version string, format export.Format) (*export.Result, error) {
	return f.exportFn(ctx, sessionID, sheet, version, format)
}

type fakeAccounts struct {
	signUpFn func(context.Context, authpw.SignUpRequest) (store.Writer, error)
	signInFn func(context.Context, string, string) (store.Writer, error)
}

func (f *fakeAccounts) SignUp(ctx context.Context, req authpw.SignUpRequest) (store.Writer, error) {
	return f.signUpFn(ctx, req)
}

func (f *fakeAccounts) SignIn(ctx context.Context, email, password string) (store.Writer, error) {
	return f.signInFn(ctx, email, password)
}

type fakeAnalyzer struct {
	analyzeFn func(context.Context, string) (store.Analysis, error)
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, content string) (store.Analysis, error) {
	return f.analyzeFn(ctx, content)
}

func testConfig() config.Config {
	return config.Config{TokenSecret: testSecret, AccessTTL: time.Hour, AnalysisTimeout: time.Second}
}

// newTestService registers the default writers: "wr-ada" (writer),
// "wr-vic" (viewer) and "wr-root" (admin).
func newTestService(fs *fakeStore, opts Options) *Service {
	if fs.writers == nil {
		fs.writers = map[string]store.Writer{
			"wr-ada":  {ID: "wr-ada", DisplayName: "Ada", Role: "writer"},
			"wr-vic":  {ID: "wr-vic", DisplayName: "Vic", Role: "viewer"},
			"wr-root": {ID: "wr-root", DisplayName: "Root", Role: "admin"},
		}
	}
	return New(testConfig(), fs, opts)
}

func tokenFor(t *testing.T, fs *fakeStore, writerID string) string {
	t.Helper()
	writer := fs.writers[writerID]
	token, _, err := auth.IssueWriterToken([]byte(testSecret), auth.Identity{
		WriterID: writer.ID,
		Name:     writer.DisplayName,
		Role:     writer.Role,
	}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func principalFor(fs *fakeStore, writerID string) Principal {
	writer := fs.writers[writerID]
	return Principal{WriterID: writer.ID, WriterName: writer.DisplayName, Role: writer.Role}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
