package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"lyricsync/internal/authpw"
	"lyricsync/internal/export"
	"lyricsync/internal/gitrepo"
	"lyricsync/internal/store"
	"lyricsync/internal/wire"
)

func TestAddLineWithRepeatedKeyPublishesOnce(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]store.Line{}
	fs := &fakeStore{
		addLineFn: func(_ context.Context, item store.NewLine) (store.AddResult, error) {
			mu.Lock()
			defer mu.Unlock()
			if line, ok := seen[item.IdempotencyKey]; ok {
				return store.AddResult{Line: line}, nil
			}
			line := store.Line{ID: int64(len(seen) + 1), SessionID: item.SessionID, LineNumber: len(seen) + 1, Content: item.Content, ClientID: item.ClientID}
			seen[item.IdempotencyKey] = line
			return store.AddResult{Line: line, Created: true}, nil
		},
	}
	bus := newRecordingBus()
	svc := newTestService(fs, Options{Bus: bus})
	p := principalFor(fs, "wr-ada")

	req := wire.AddLineRequest{Content: "city lights", ClientID: "c-1", IdempotencyKey: "key-1"}
	first, err := svc.AddLine(context.Background(), p, "ses-1", req)
	if err != nil {
		t.Fatalf("first add: %v", err)
	}
	second, err := svc.AddLine(context.Background(), p, "ses-1", req)
	if err != nil {
		t.Fatalf("replayed add: %v", err)
	}
	if first.Line.ID != second.Line.ID {
		t.Fatalf("replay created a new line: %d vs %d", first.Line.ID, second.Line.ID)
	}
	if second.Line.ClientID != "c-1" {
		t.Fatalf("expected client id echoed, got %q", second.Line.ClientID)
	}
	if got := len(bus.ofType(wire.EventLineAdded)); got != 1 {
		t.Fatalf("expected one line_added event, got %d", got)
	}
}

func TestAddLineInsertReturnsRenumberedList(t *testing.T) {
	lines := []store.Line{
		{ID: 1, SessionID: "ses-1", LineNumber: 1, Content: "a"},
		{ID: 3, SessionID: "ses-1", LineNumber: 2, Content: "b"},
		{ID: 2, SessionID: "ses-1", LineNumber: 3, Content: "c"},
	}
	fs := &fakeStore{
		addLineFn: func(_ context.Context, item store.NewLine) (store.AddResult, error) {
			if item.LineNumber != 2 {
				t.Errorf("expected position 2, got %d", item.LineNumber)
			}
			return store.AddResult{Line: lines[1], Created: true, Renumbered: true}, nil
		},
		listLinesFn: func(context.Context, string) ([]store.Line, error) { return lines, nil },
	}
	bus := newRecordingBus()
	svc := newTestService(fs, Options{Bus: bus})

	resp, err := svc.AddLine(context.Background(), principalFor(fs, "wr-ada"), "ses-1", wire.AddLineRequest{Content: "b", LineNumber: 2})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(resp.Lines) != 3 || resp.Lines[2].Content != "c" {
		t.Fatalf("expected renumbered list, got %+v", resp.Lines)
	}
	events := bus.ofType(wire.EventLineAdded)
	if len(events) != 1 || len(events[0].Lines) != 3 {
		t.Fatalf("expected line_added with full list, got %+v", events)
	}
}

func TestUpdateLineAlreadyAppliedSkipsBroadcast(t *testing.T) {
	applied := map[string]bool{}
	fs := &fakeStore{
		updateLineFn: func(_ context.Context, sessionID string, lineID int64, edit store.LineEdit) (store.Line, bool, error) {
			fresh := !applied[edit.IdempotencyKey]
			applied[edit.IdempotencyKey] = true
			return store.Line{ID: lineID, SessionID: sessionID, Content: edit.Content}, fresh, nil
		},
	}
	bus := newRecordingBus()
	svc := newTestService(fs, Options{Bus: bus})
	p := principalFor(fs, "wr-ada")

	req := wire.UpdateLineRequest{Content: "brighter", IdempotencyKey: "key-u"}
	for i := 0; i < 3; i++ {
		line, err := svc.UpdateLine(context.Background(), p, "ses-1", 7, req)
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if line.Content != "brighter" {
			t.Fatalf("unexpected content %q", line.Content)
		}
	}
	if got := len(bus.ofType(wire.EventLineUpdated)); got != 1 {
		t.Fatalf("expected one line_updated event, got %d", got)
	}
}

func TestViewerCannotMutate(t *testing.T) {
	fs := &fakeStore{
		addLineFn: func(context.Context, store.NewLine) (store.AddResult, error) {
			t.Fatal("store should not be reached")
			return store.AddResult{}, nil
		},
	}
	svc := newTestService(fs, Options{})
	_, err := svc.AddLine(context.Background(), principalFor(fs, "wr-vic"), "ses-1", wire.AddLineRequest{Content: "x"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestOnlyAdminDeletesSession(t *testing.T) {
	deleted := 0
	fs := &fakeStore{
		deleteSessionFn: func(context.Context, string) error {
			deleted++
			return nil
		},
	}
	versions := &fakeVersions{}
	svc := newTestService(fs, Options{Versions: versions})

	if err := svc.DeleteSession(context.Background(), principalFor(fs, "wr-ada"), "ses-1"); err == nil {
		t.Fatal("expected writer to be refused")
	}
	if err := svc.DeleteSession(context.Background(), principalFor(fs, "wr-root"), "ses-1"); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected one delete, got %d", deleted)
	}
	if len(versions.removed) != 1 || versions.removed[0] != "ses-1" {
		t.Fatalf("expected versions removed, got %v", versions.removed)
	}
}

func TestUpdateSessionValidatesAndPublishes(t *testing.T) {
	var gotPatch store.SessionPatch
	fs := &fakeStore{
		updateSessionFn: func(_ context.Context, id string, patch store.SessionPatch, key string) (store.Session, bool, error) {
			gotPatch = patch
			return store.Session{ID: id, TimeSpentSeconds: patch.AddSeconds}, key != "seen", nil
		},
	}
	bus := newRecordingBus()
	svc := newTestService(fs, Options{Bus: bus})
	p := principalFor(fs, "wr-ada")

	if _, err := svc.UpdateSession(context.Background(), p, "ses-1", wire.UpdateSessionRequest{AddSeconds: -5}); err == nil {
		t.Fatal("expected negative seconds to be rejected")
	}
	blank := "  "
	if _, err := svc.UpdateSession(context.Background(), p, "ses-1", wire.UpdateSessionRequest{Title: &blank}); err == nil {
		t.Fatal("expected blank title to be rejected")
	}

	updated, err := svc.UpdateSession(context.Background(), p, "ses-1", wire.UpdateSessionRequest{
		AddSeconds:     30,
		Mood:           []string{" dark ", "dark", ""},
		IdempotencyKey: "fresh",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.TimeSpentSeconds != 30 {
		t.Fatalf("expected 30 seconds, got %d", updated.TimeSpentSeconds)
	}
	if len(gotPatch.Mood) != 1 || gotPatch.Mood[0] != "dark" {
		t.Fatalf("expected cleaned mood, got %v", gotPatch.Mood)
	}
	if _, err := svc.UpdateSession(context.Background(), p, "ses-1", wire.UpdateSessionRequest{AddSeconds: 30, IdempotencyKey: "seen"}); err != nil {
		t.Fatalf("replayed update: %v", err)
	}
	if got := len(bus.ofType(wire.EventSessionUpdated)); got != 1 {
		t.Fatalf("expected one session_updated event, got %d", got)
	}
}

func TestAnalysisEnrichesLineAndPublishes(t *testing.T) {
	fs := &fakeStore{
		addLineFn: func(_ context.Context, item store.NewLine) (store.AddResult, error) {
			return store.AddResult{Line: store.Line{ID: 9, SessionID: item.SessionID, LineNumber: 1, Content: item.Content}, Created: true}, nil
		},
		setLineAnalysisFn: func(_ context.Context, lineID int64, content string, a store.Analysis) (store.Line, error) {
			if content != "walking in the rain" {
				t.Errorf("analysis stored for wrong content %q", content)
			}
			return store.Line{ID: lineID, SessionID: "ses-1", Content: content, Final: a.Final, Syllables: a.Syllables}, nil
		},
	}
	analyzer := &fakeAnalyzer{analyzeFn: func(_ context.Context, content string) (store.Analysis, error) {
		return store.Analysis{Final: "rain", Syllables: 6, Stress: "x/x/x/"}, nil
	}}
	bus := newRecordingBus()
	svc := newTestService(fs, Options{Bus: bus, Analyzer: analyzer})

	if _, err := svc.AddLine(context.Background(), principalFor(fs, "wr-ada"), "ses-1", wire.AddLineRequest{Content: "walking in the rain"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitFor(t, func() bool { return len(bus.ofType(wire.EventLineUpdated)) == 1 })
	ev := bus.ofType(wire.EventLineUpdated)[0]
	if ev.Line == nil || ev.Line.Final != "rain" || ev.Line.Syllables != 6 {
		t.Fatalf("unexpected enriched line %+v", ev.Line)
	}
}

func TestAnalysisFailureLeavesLineUnenriched(t *testing.T) {
	called := make(chan struct{})
	fs := &fakeStore{
		setLineAnalysisFn: func(context.Context, int64, string, store.Analysis) (store.Line, error) {
			t.Error("analysis should not be stored after a failure")
			return store.Line{}, nil
		},
	}
	analyzer := &fakeAnalyzer{analyzeFn: func(context.Context, string) (store.Analysis, error) {
		defer close(called)
		return store.Analysis{}, errors.New("analyzer down")
	}}
	bus := newRecordingBus()
	svc := newTestService(fs, Options{Bus: bus, Analyzer: analyzer})

	resp, err := svc.AddLine(context.Background(), principalFor(fs, "wr-ada"), "ses-1", wire.AddLineRequest{Content: "still here"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if resp.Line.Content != "still here" {
		t.Fatalf("unexpected line %+v", resp.Line)
	}
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("analyzer never called")
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(bus.ofType(wire.EventLineUpdated)); got != 0 {
		t.Fatalf("expected no line_updated, got %d", got)
	}
}

func TestReorderRequiresIDs(t *testing.T) {
	fs := &fakeStore{}
	svc := newTestService(fs, Options{})
	_, err := svc.ReorderLines(context.Background(), principalFor(fs, "wr-ada"), "ses-1", nil)
	status, code, _, _ := mapError(err)
	if status != http.StatusUnprocessableEntity || code != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error, got %d %s", status, code)
	}
}

func TestVersionComparesWithLiveSheet(t *testing.T) {
	fs := &fakeStore{
		listLinesFn: func(context.Context, string) ([]store.Line, error) {
			return []store.Line{
				{ID: 1, LineNumber: 1, Content: "first"},
				{ID: 2, LineNumber: 2, Content: "second, revised"},
			}, nil
		},
	}
	versions := &fakeVersions{
		sheetAtFn: func(sessionID, hash string) (gitrepo.Sheet, gitrepo.Version, error) {
			return gitrepo.Sheet{Title: "Neon Rain", Lines: []gitrepo.SheetLine{
				{Number: 1, Content: "first"},
				{Number: 2, Content: "second"},
			}}, gitrepo.Version{Hash: hash, Name: "demo"}, nil
		},
	}
	svc := newTestService(fs, Options{Versions: versions})

	detail, err := svc.Version(context.Background(), principalFor(fs, "wr-vic"), "ses-1", "abc1234")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if len(detail.Changes) != 1 || detail.Changes[0].Number != 2 || detail.Changes[0].After != "second, revised" {
		t.Fatalf("unexpected changes %+v", detail.Changes)
	}
}

func TestSaveVersionSnapshotsLiveSheet(t *testing.T) {
	fs := &fakeStore{
		listLinesFn: func(context.Context, string) ([]store.Line, error) {
			return []store.Line{{ID: 1, LineNumber: 1, Section: "Verse", Content: "hello"}}, nil
		},
	}
	var saved gitrepo.Sheet
	var author string
	versions := &fakeVersions{
		saveFn: func(_ string, sheet gitrepo.Sheet, name, who string) (gitrepo.Version, error) {
			saved, author = sheet, who
			return gitrepo.Version{Hash: "def5678", Name: name, Author: who}, nil
		},
	}
	svc := newTestService(fs, Options{Versions: versions})

	version, err := svc.SaveVersion(context.Background(), principalFor(fs, "wr-ada"), "ses-1", " demo ")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if version.Name != "demo" || author != "Ada" {
		t.Fatalf("unexpected version %+v by %q", version, author)
	}
	if saved.Title != "Neon Rain" || len(saved.Lines) != 1 || saved.Lines[0].Section != "Verse" {
		t.Fatalf("unexpected sheet %+v", saved)
	}
}

func TestExportUsesRequestedVersion(t *testing.T) {
	fs := &fakeStore{}
	versions := &fakeVersions{
		sheetAtFn: func(string, string) (gitrepo.Sheet, gitrepo.Version, error) {
			return gitrepo.Sheet{Title: "Old Take"}, gitrepo.Version{Hash: "abc1234"}, nil
		},
	}
	exporter := &fakeExporter{exportFn: func(_ context.Context, sessionID string, sheet gitrepo.Sheet, version string, format export.Format) (*export.Result, error) {
		return &export.Result{Data: []byte(sheet.Title), Filename: "x.txt", MimeType: "text/plain"}, nil
	}}
	svc := newTestService(fs, Options{Versions: versions, Exporter: exporter})

	result, err := svc.Export(context.Background(), principalFor(fs, "wr-vic"), "ses-1", "abc1234", export.FormatText)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if string(result.Data) != "Old Take" {
		t.Fatalf("expected versioned sheet, got %q", result.Data)
	}
	live, err := svc.Export(context.Background(), principalFor(fs, "wr-vic"), "ses-1", "", export.FormatText)
	if err != nil {
		t.Fatalf("export live: %v", err)
	}
	if string(live.Data) != "Neon Rain" {
		t.Fatalf("expected live sheet, got %q", live.Data)
	}
}

func TestSignInIssuesUsableToken(t *testing.T) {
	fs := &fakeStore{}
	accounts := &fakeAccounts{
		signInFn: func(_ context.Context, email, password string) (store.Writer, error) {
			if password != "correct horse" {
				return store.Writer{}, authpw.ErrInvalidCredentials
			}
			return store.Writer{ID: "wr-ada", DisplayName: "Ada", Role: "writer"}, nil
		},
	}
	svc := newTestService(fs, Options{Accounts: accounts})

	resp, err := svc.SignIn(context.Background(), "ada@example.com", "correct horse")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	p, err := svc.PrincipalFromToken(context.Background(), resp.AccessToken)
	if err != nil {
		t.Fatalf("principal: %v", err)
	}
	if p.WriterID != "wr-ada" || p.Role != "writer" {
		t.Fatalf("unexpected principal %+v", p)
	}
	if _, err := svc.SignIn(context.Background(), "ada@example.com", "wrong"); !errors.Is(err, authpw.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}

func TestPrincipalUsesStoredRole(t *testing.T) {
	fs := &fakeStore{}
	svc := newTestService(fs, Options{})
	token := tokenFor(t, fs, "wr-ada")
	fs.writers["wr-ada"] = store.Writer{ID: "wr-ada", DisplayName: "Ada", Role: "viewer"}

	p, err := svc.PrincipalFromToken(context.Background(), token)
	if err != nil {
		t.Fatalf("principal: %v", err)
	}
	if p.Role != "viewer" {
		t.Fatalf("expected stored role to win, got %q", p.Role)
	}
	delete(fs.writers, "wr-ada")
	if _, err := svc.PrincipalFromToken(context.Background(), token); err == nil {
		t.Fatal("expected unknown writer to be rejected")
	}
}
