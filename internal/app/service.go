package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"lyricsync/internal/auth"
	"lyricsync/internal/authpw"
	"lyricsync/internal/config"
	"lyricsync/internal/export"
	"lyricsync/internal/gitrepo"
	"lyricsync/internal/pubsub"
	"lyricsync/internal/rbac"
	"lyricsync/internal/search"
	"lyricsync/internal/store"
	"lyricsync/internal/util"
	"lyricsync/internal/wire"
)

// Principal is the authenticated writer behind a request.
type Principal struct {
	Token      string
	WriterID   string
	WriterName string
	Role       string
	ExpiresAt  time.Time
}

type dataStore interface {
	Ping(context.Context) error
	GetWriterByID(context.Context, string) (store.Writer, error)
	ListSessions(context.Context) ([]store.Session, error)
	GetSession(context.Context, string) (store.Session, error)
	InsertSession(context.Context, store.Session) (store.Session, error)
	UpdateSession(context.Context, string, store.SessionPatch, string) (store.Session, bool, error)
	DeleteSession(context.Context, string) error
	ListLines(context.Context, string) ([]store.Line, error)
	AddLine(context.Context, store.NewLine) (store.AddResult, error)
	UpdateLine(context.Context, string, int64, store.LineEdit) (store.Line, bool, error)
	DeleteLine(context.Context, string, int64) ([]store.Line, error)
	ReorderLines(context.Context, string, []int64) ([]store.Line, error)
	SetLineAnalysis(context.Context, int64, string, store.Analysis) (store.Line, error)
}

type versionStore interface {
	SaveVersion(string, gitrepo.Sheet, string, string) (gitrepo.Version, error)
	Versions(string, int) ([]gitrepo.Version, error)
	SheetAt(string, string) (gitrepo.Sheet, gitrepo.Version, error)
	Remove(string) error
}

type lineSearch interface {
	Search(search.Query) search.Response
	IndexLine(search.LineRecord)
	DeleteLine(int64)
}

type exporter interface {
	Export(context.Context, string, gitrepo.Sheet, string, export.Format) (*export.Result, error)
}

type accountService interface {
	SignUp(context.Context, authpw.SignUpRequest) (store.Writer, error)
	SignIn(context.Context, string, string) (store.Writer, error)
}

// Options carries the collaborators of a Service. Bus and Presence default
// to in-process implementations; the rest are optional.
type Options struct {
	Versions versionStore
	Search   lineSearch
	Bus      pubsub.Bus
	Presence pubsub.Presence
	Exporter exporter
	Analyzer Analyzer
	Accounts accountService
}

type Service struct {
	cfg      config.Config
	store    dataStore
	versions versionStore
	search   lineSearch
	bus      pubsub.Bus
	presence pubsub.Presence
	exporter exporter
	analyzer Analyzer
	accounts accountService
}

func New(cfg config.Config, dataStore dataStore, opts Options) *Service {
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		versions: opts.Versions,
		search:   opts.Search,
		bus:      opts.Bus,
		presence: opts.Presence,
		exporter: opts.Exporter,
		analyzer: opts.Analyzer,
		accounts: opts.Accounts,
	}
	if s.bus == nil {
		s.bus = pubsub.NewLocalBus()
	}
	if s.presence == nil {
		s.presence = pubsub.NewLocalPresence()
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Bus() pubsub.Bus {
	return s.bus
}

func (s *Service) Presence() pubsub.Presence {
	return s.presence
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (wire.SignInResponse, error) {
	if s.accounts == nil {
		return wire.SignInResponse{}, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
	}
	writer, err := s.accounts.SignUp(ctx, req)
	if err != nil {
		return wire.SignInResponse{}, err
	}
	return s.issue(writer)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (wire.SignInResponse, error) {
	if s.accounts == nil {
		return wire.SignInResponse{}, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
	}
	writer, err := s.accounts.SignIn(ctx, email, password)
	if err != nil {
		return wire.SignInResponse{}, err
	}
	return s.issue(writer)
}

func (s *Service) issue(writer store.Writer) (wire.SignInResponse, error) {
	token, expiresAt, err := auth.IssueWriterToken([]byte(s.cfg.TokenSecret), auth.Identity{
		WriterID: writer.ID,
		Name:     writer.DisplayName,
		Role:     writer.Role,
	}, s.cfg.AccessTTL)
	if err != nil {
		return wire.SignInResponse{}, err
	}
	return wire.SignInResponse{
		AccessToken: token,
		WriterID:    writer.ID,
		WriterName:  writer.DisplayName,
		Role:        writer.Role,
		ExpiresAt:   expiresAt.Unix(),
	}, nil
}

// PrincipalFromToken verifies token and loads the writer it names. The role
// comes from the stored writer, not the token, so demotions apply at once.
func (s *Service) PrincipalFromToken(ctx context.Context, token string) (Principal, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Principal{}, err
	}
	writer, err := s.store.GetWriterByID(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) {
		return Principal{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		Token:      token,
		WriterID:   writer.ID,
		WriterName: writer.DisplayName,
		Role:       writer.Role,
		ExpiresAt:  time.Unix(claims.Exp, 0),
	}, nil
}

func authorize(p Principal, action rbac.Action) error {
	if !rbac.Can(rbac.Normalize(p.Role), action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"action": action})
	}
	return nil
}

func (s *Service) ListSessions(ctx context.Context, p Principal) ([]wire.Session, error) {
	if err := authorize(p, rbac.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	sessions := make([]wire.Session, 0, len(items))
	for _, item := range items {
		sessions = append(sessions, toWireSession(item))
	}
	return sessions, nil
}

func (s *Service) GetSession(ctx context.Context, p Principal, sessionID string) (wire.SessionDetail, error) {
	if err := authorize(p, rbac.ActionRead); err != nil {
		return wire.SessionDetail{}, err
	}
	item, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return wire.SessionDetail{}, err
	}
	lines, err := s.store.ListLines(ctx, sessionID)
	if err != nil {
		return wire.SessionDetail{}, err
	}
	return wire.SessionDetail{Session: toWireSession(item), Lines: toWireLines(lines)}, nil
}

func (s *Service) CreateSession(ctx context.Context, p Principal, req wire.CreateSessionRequest) (wire.Session, error) {
	if err := authorize(p, rbac.ActionWrite); err != nil {
		return wire.Session{}, err
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Untitled session"
	}
	if req.BPM < 0 || req.BPM > 400 {
		return wire.Session{}, validationError("bpm must be between 0 and 400")
	}
	created, err := s.store.InsertSession(ctx, store.Session{
		ID:          util.NewID("ses"),
		Title:       title,
		BPM:         req.BPM,
		Mood:        cleanTags(req.Mood),
		Themes:      cleanTags(req.Themes),
		RhymeScheme: strings.TrimSpace(req.RhymeScheme),
		CreatedBy:   p.WriterID,
	})
	if err != nil {
		return wire.Session{}, err
	}
	return toWireSession(created), nil
}

// UpdateSession patches metadata and adds heartbeat seconds. A repeated
// idempotency key returns the session without applying the patch again.
func (s *Service) UpdateSession(ctx context.Context, p Principal, sessionID string, req wire.UpdateSessionRequest) (wire.Session, error) {
	if err := authorize(p, rbac.ActionWrite); err != nil {
		return wire.Session{}, err
	}
	if req.AddSeconds < 0 {
		return wire.Session{}, validationError("addSeconds must not be negative")
	}
	if req.BPM != nil && (*req.BPM < 0 || *req.BPM > 400) {
		return wire.Session{}, validationError("bpm must be between 0 and 400")
	}
	if req.Title != nil {
		trimmed := strings.TrimSpace(*req.Title)
		if trimmed == "" {
			return wire.Session{}, validationError("title must not be empty")
		}
		req.Title = &trimmed
	}
	patch := store.SessionPatch{
		Title:       req.Title,
		BPM:         req.BPM,
		RhymeScheme: req.RhymeScheme,
		AddSeconds:  req.AddSeconds,
	}
	if req.Mood != nil {
		patch.Mood = cleanTags(req.Mood)
	}
	if req.Themes != nil {
		patch.Themes = cleanTags(req.Themes)
	}
	updated, applied, err := s.store.UpdateSession(ctx, sessionID, patch, req.IdempotencyKey)
	if err != nil {
		return wire.Session{}, err
	}
	result := toWireSession(updated)
	if applied {
		s.publish(ctx, wire.Event{Type: wire.EventSessionUpdated, SessionID: sessionID, WriterID: p.WriterID, Session: &result})
	}
	return result, nil
}

func (s *Service) DeleteSession(ctx context.Context, p Principal, sessionID string) error {
	if err := authorize(p, rbac.ActionDelete); err != nil {
		return err
	}
	lines, err := s.store.ListLines(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	if s.search != nil {
		for _, line := range lines {
			s.search.DeleteLine(line.ID)
		}
	}
	if s.versions != nil {
		if err := s.versions.Remove(sessionID); err != nil {
			log.Printf("app: remove versions of %s: %v", sessionID, err)
		}
	}
	return nil
}

// AddLine appends or inserts a line. A repeated idempotency key returns the
// line the first request created and publishes nothing. When the insert
// moved other lines the response carries the whole renumbered list.
func (s *Service) AddLine(ctx context.Context, p Principal, sessionID string, req wire.AddLineRequest) (wire.AddLineResponse, error) {
	if err := authorize(p, rbac.ActionWrite); err != nil {
		return wire.AddLineResponse{}, err
	}
	if req.LineNumber < 0 {
		return wire.AddLineResponse{}, validationError("lineNumber must not be negative")
	}
	result, err := s.store.AddLine(ctx, store.NewLine{
		SessionID:      sessionID,
		LineNumber:     req.LineNumber,
		Content:        req.Content,
		Section:        strings.TrimSpace(req.Section),
		ClientID:       req.ClientID,
		IdempotencyKey: req.IdempotencyKey,
		UpdatedBy:      p.WriterID,
	})
	if err != nil {
		return wire.AddLineResponse{}, err
	}
	line := toWireLine(result.Line)
	resp := wire.AddLineResponse{Line: line}
	if !result.Created {
		return resp, nil
	}

	event := wire.Event{Type: wire.EventLineAdded, SessionID: sessionID, WriterID: p.WriterID, Line: &line}
	if result.Renumbered {
		lines, err := s.store.ListLines(ctx, sessionID)
		if err != nil {
			log.Printf("app: list lines after insert in %s: %v", sessionID, err)
		} else {
			resp.Lines = toWireLines(lines)
			event.Lines = resp.Lines
		}
	}
	s.publish(ctx, event)
	s.indexLine(result.Line)
	s.analyze(result.Line)
	return resp, nil
}

// UpdateLine replaces a line's content once per idempotency key.
func (s *Service) UpdateLine(ctx context.Context, p Principal, sessionID string, lineID int64, req wire.UpdateLineRequest) (wire.Line, error) {
	if err := authorize(p, rbac.ActionWrite); err != nil {
		return wire.Line{}, err
	}
	var section *string
	if req.Section != nil {
		trimmed := strings.TrimSpace(*req.Section)
		section = &trimmed
	}
	updated, applied, err := s.store.UpdateLine(ctx, sessionID, lineID, store.LineEdit{
		Content:        req.Content,
		Section:        section,
		IdempotencyKey: req.IdempotencyKey,
		UpdatedBy:      p.WriterID,
	})
	if err != nil {
		return wire.Line{}, err
	}
	line := toWireLine(updated)
	if !applied {
		return line, nil
	}
	s.publish(ctx, wire.Event{Type: wire.EventLineUpdated, SessionID: sessionID, WriterID: p.WriterID, Line: &line})
	s.indexLine(updated)
	s.analyze(updated)
	return line, nil
}

func (s *Service) DeleteLine(ctx context.Context, p Principal, sessionID string, lineID int64) ([]wire.Line, error) {
	if err := authorize(p, rbac.ActionWrite); err != nil {
		return nil, err
	}
	remaining, err := s.store.DeleteLine(ctx, sessionID, lineID)
	if err != nil {
		return nil, err
	}
	lines := toWireLines(remaining)
	s.publish(ctx, wire.Event{Type: wire.EventLineDeleted, SessionID: sessionID, WriterID: p.WriterID, LineID: lineID, Lines: lines})
	if s.search != nil {
		s.search.DeleteLine(lineID)
		for _, line := range remaining {
			s.indexLine(line)
		}
	}
	return lines, nil
}

// ReorderLines makes lineIDs the session's new order. It must list every
// line exactly once.
func (s *Service) ReorderLines(ctx context.Context, p Principal, sessionID string, lineIDs []int64) ([]wire.Line, error) {
	if err := authorize(p, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if len(lineIDs) == 0 {
		return nil, validationError("lineIds is required")
	}
	reordered, err := s.store.ReorderLines(ctx, sessionID, lineIDs)
	if err != nil {
		return nil, err
	}
	lines := toWireLines(reordered)
	s.publish(ctx, wire.Event{Type: wire.EventLinesReordered, SessionID: sessionID, WriterID: p.WriterID, Lines: lines})
	for _, line := range reordered {
		s.indexLine(line)
	}
	return lines, nil
}

func (s *Service) Search(ctx context.Context, p Principal, q search.Query) (search.Response, error) {
	if err := authorize(p, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return search.Response{Results: []search.Result{}}, nil
	}
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search not configured", nil)
	}
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	return s.search.Search(q), nil
}

// SaveVersion records the session's current sheet as a named version.
func (s *Service) SaveVersion(ctx context.Context, p Principal, sessionID, name string) (gitrepo.Version, error) {
	if err := authorize(p, rbac.ActionWrite); err != nil {
		return gitrepo.Version{}, err
	}
	if s.versions == nil {
		return gitrepo.Version{}, domainError(http.StatusServiceUnavailable, "VERSIONS_UNAVAILABLE", "Versions not configured", nil)
	}
	sheet, err := s.liveSheet(ctx, sessionID)
	if err != nil {
		return gitrepo.Version{}, err
	}
	return s.versions.SaveVersion(sessionID, sheet, strings.TrimSpace(name), p.WriterName)
}

func (s *Service) Versions(ctx context.Context, p Principal, sessionID string, limit int) ([]gitrepo.Version, error) {
	if err := authorize(p, rbac.ActionRead); err != nil {
		return nil, err
	}
	if s.versions == nil {
		return []gitrepo.Version{}, nil
	}
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.versions.Versions(sessionID, limit)
}

// VersionDetail is a stored version together with how the live sheet
// differs from it.
type VersionDetail struct {
	Version gitrepo.Version      `json:"version"`
	Sheet   gitrepo.Sheet        `json:"sheet"`
	Changes []gitrepo.LineChange `json:"changes"`
}

func (s *Service) Version(ctx context.Context, p Principal, sessionID, hash string) (VersionDetail, error) {
	if err := authorize(p, rbac.ActionRead); err != nil {
		return VersionDetail{}, err
	}
	if s.versions == nil {
		return VersionDetail{}, gitrepo.ErrVersionNotFound
	}
	sheet, version, err := s.versions.SheetAt(sessionID, hash)
	if err != nil {
		return VersionDetail{}, err
	}
	live, err := s.liveSheet(ctx, sessionID)
	if err != nil {
		return VersionDetail{}, err
	}
	return VersionDetail{Version: version, Sheet: sheet, Changes: gitrepo.DiffLines(sheet, live)}, nil
}

// Export renders the live sheet, or the sheet at version when it is set.
func (s *Service) Export(ctx context.Context, p Principal, sessionID, version string, format export.Format) (*export.Result, error) {
	if err := authorize(p, rbac.ActionRead); err != nil {
		return nil, err
	}
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export not configured", nil)
	}
	var sheet gitrepo.Sheet
	var err error
	if version == "" {
		sheet, err = s.liveSheet(ctx, sessionID)
	} else if s.versions == nil {
		err = gitrepo.ErrVersionNotFound
	} else {
		sheet, _, err = s.versions.SheetAt(sessionID, version)
	}
	if err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, sessionID, sheet, version, format)
}

func (s *Service) liveSheet(ctx context.Context, sessionID string) (gitrepo.Sheet, error) {
	item, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return gitrepo.Sheet{}, err
	}
	lines, err := s.store.ListLines(ctx, sessionID)
	if err != nil {
		return gitrepo.Sheet{}, err
	}
	sheet := gitrepo.Sheet{
		Title:       item.Title,
		BPM:         item.BPM,
		Mood:        item.Mood,
		Themes:      item.Themes,
		RhymeScheme: item.RhymeScheme,
		Lines:       make([]gitrepo.SheetLine, 0, len(lines)),
	}
	for _, line := range lines {
		sheet.Lines = append(sheet.Lines, gitrepo.SheetLine{Number: line.LineNumber, Section: line.Section, Content: line.Content})
	}
	return sheet, nil
}

// publish broadcasts a committed mutation. The mutation already succeeded,
// so a bus failure is only logged; clients converge on their next read.
func (s *Service) publish(ctx context.Context, ev wire.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := s.bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Printf("app: publish %s for %s: %v", ev.Type, ev.SessionID, err)
	}
}

func (s *Service) indexLine(line store.Line) {
	if s.search == nil {
		return
	}
	s.search.IndexLine(search.LineRecord{
		LineID:     line.ID,
		SessionID:  line.SessionID,
		LineNumber: line.LineNumber,
		Section:    line.Section,
		Content:    line.Content,
	})
}

// analyze enriches line in the background. Failures leave the line as it
// is; a result for content that has since changed is discarded.
func (s *Service) analyze(line store.Line) {
	if s.analyzer == nil || strings.TrimSpace(line.Content) == "" {
		return
	}
	go func() {
		timeout := s.cfg.AnalysisTimeout
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		analysis, err := s.analyzer.Analyze(ctx, line.Content)
		if err != nil {
			log.Printf("app: analyze line %d: %v", line.ID, err)
			return
		}
		enriched, err := s.store.SetLineAnalysis(ctx, line.ID, line.Content, analysis)
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			log.Printf("app: store analysis for line %d: %v", line.ID, err)
			return
		}
		wl := toWireLine(enriched)
		s.publish(ctx, wire.Event{Type: wire.EventLineUpdated, SessionID: enriched.SessionID, Line: &wl})
	}()
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func toWireSession(item store.Session) wire.Session {
	return wire.Session{
		ID:               item.ID,
		Title:            item.Title,
		BPM:              item.BPM,
		Mood:             nonNilTags(item.Mood),
		Themes:           nonNilTags(item.Themes),
		RhymeScheme:      item.RhymeScheme,
		TimeSpentSeconds: item.TimeSpentSeconds,
		CreatedBy:        item.CreatedBy,
		CreatedAt:        item.CreatedAt,
		UpdatedAt:        item.UpdatedAt,
	}
}

func toWireLine(item store.Line) wire.Line {
	return wire.Line{
		ID:         item.ID,
		SessionID:  item.SessionID,
		LineNumber: item.LineNumber,
		Content:    item.Content,
		Section:    item.Section,
		Final:      item.Final,
		Syllables:  item.Syllables,
		Stress:     item.Stress,
		RhymeFlags: item.RhymeFlags,
		ClientID:   item.ClientID,
		UpdatedBy:  item.UpdatedBy,
		CreatedAt:  item.CreatedAt,
		UpdatedAt:  item.UpdatedAt,
	}
}

func toWireLines(items []store.Line) []wire.Line {
	lines := make([]wire.Line, 0, len(items))
	for _, item := range items {
		lines = append(lines, toWireLine(item))
	}
	return lines
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
