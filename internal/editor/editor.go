// Package editor holds the in-memory state of the session a writer has open:
// the ordered line list, pending markers, undo/redo history and the ephemeral
// edit fields. It is the single source of truth the UI reads from.
//
// The state mutex is never held across a network or cache call. Each mutation
// applies its optimistic change, releases the lock, talks to the network layer
// and then reconciles the answer against whatever the list looks like by then.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"lyricsync/internal/cache"
	"lyricsync/internal/remote"
	"lyricsync/internal/util"
	"lyricsync/internal/wire"
)

var (
	ErrClosed       = errors.New("editor closed")
	ErrLineNotFound = errors.New("line not found")
	ErrPendingLines = errors.New("unconfirmed lines cannot be reordered")
	ErrNoSelection  = errors.New("no line selected")
)

// Remote is the network access layer as the editor uses it.
type Remote interface {
	GetSession(ctx context.Context, sessionID string) (remote.SessionResult, error)
	AddLine(ctx context.Context, sessionID string, req wire.AddLineRequest) (remote.AddResult, error)
	UpdateLine(ctx context.Context, sessionID string, lineID int64, clientID string, req wire.UpdateLineRequest) (remote.UpdateResult, error)
	DeleteLine(ctx context.Context, sessionID string, lineID int64) ([]wire.Line, error)
	Reorder(ctx context.Context, sessionID string, lineIDs []int64) ([]wire.Line, error)
	UpdateSession(ctx context.Context, sessionID string, req wire.UpdateSessionRequest) (remote.SessionUpdateResult, error)
	Assist(ctx context.Context, req wire.AssistRequest) (string, error)
	StreamSuggestion(ctx context.Context, req wire.SuggestionRequest, onChunk func(string)) error
}

// Queue lets the editor withdraw queued writes for a line that never reached
// the server.
type Queue interface {
	DropQueued(clientID string) (int, error)
}

// Line is a lyric line as the editor shows it. ClientID is the stable local
// handle; ID stays zero until the server confirms the line.
type Line struct {
	wire.Line
	Pending bool `json:"pending"`

	seq uint64
}

// Snapshot is a read-only copy of the editor state.
type Snapshot struct {
	Session     wire.Session
	Lines       []Line
	CanUndo     bool
	CanRedo     bool
	Draft       string
	Section     string
	Selected    string
	Editing     string
	Improvement string
	Stale       bool
}

type Options struct {
	Remote       Remote
	Queue        Queue
	HistoryLimit int
}

type Editor struct {
	sessionID string
	remote    Remote
	queue     Queue

	// undoMu serializes Undo and Redo for their whole duration.
	undoMu sync.Mutex

	mu          sync.Mutex
	session     wire.Session
	lines       []*Line
	history     *history
	seq         uint64
	stale       bool
	draft       string
	section     string
	selected    string
	editing     string
	improvement string
	closed      bool

	suggestToken  uint64
	suggestCancel context.CancelFunc

	subs    map[int]chan Snapshot
	nextSub int
}

// Open loads a session and returns an editor for it. When the server is
// unreachable the last cached snapshot is used and the editor is marked stale.
func Open(ctx context.Context, sessionID string, opts Options) (*Editor, error) {
	if opts.Remote == nil {
		return nil, fmt.Errorf("open editor: remote is required")
	}
	res, err := opts.Remote.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	e := &Editor{
		sessionID: sessionID,
		remote:    opts.Remote,
		queue:     opts.Queue,
		session:   res.Detail.Session,
		history:   newHistory(opts.HistoryLimit),
		stale:     res.Stale,
		subs:      map[int]chan Snapshot{},
	}
	for _, l := range res.Detail.Lines {
		e.lines = append(e.lines, e.newLineLocked(l, false))
	}
	e.renumberLocked()
	return e, nil
}

// Close cancels any open suggestion stream and closes every subscription.
func (e *Editor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	if e.suggestCancel != nil {
		e.suggestCancel()
		e.suggestCancel = nil
	}
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
}

func (e *Editor) SessionID() string { return e.sessionID }

// Subscribe returns a channel that always holds the most recent snapshot. A
// slow reader skips intermediate states but never sees them out of order.
func (e *Editor) Subscribe() (<-chan Snapshot, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan Snapshot, 1)
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	ch <- e.snapshotLocked()
	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			close(sub)
			delete(e.subs, id)
		}
	}
}

func (e *Editor) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Editor) Lines() []Line {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyLines(e.lines)
}

func (e *Editor) CanUndo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history.past) > 0
}

func (e *Editor) CanRedo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history.future) > 0
}

// LineID returns the server id currently known for a client id.
func (e *Editor) LineID(clientID string) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i := e.indexByClientLocked(clientID); i >= 0 && e.lines[i].ID != 0 {
		return e.lines[i].ID, true
	}
	return 0, false
}

// AddLine appends a line.
func (e *Editor) AddLine(ctx context.Context, content, section string) (Line, error) {
	return e.addLine(ctx, content, section, 0, "", true)
}

// InsertLineAt inserts a line so that it ends up at the 1-based position.
func (e *Editor) InsertLineAt(ctx context.Context, position int, content, section string) (Line, error) {
	if position < 1 {
		position = 1
	}
	return e.addLine(ctx, content, section, position, "", true)
}

func (e *Editor) UpdateLine(ctx context.Context, clientID, content string) (Line, error) {
	return e.updateLine(ctx, clientID, content, true)
}

func (e *Editor) DeleteLine(ctx context.Context, clientID string) error {
	return e.deleteLine(ctx, clientID, true)
}

// addLine inserts a pending line, sends it and reconciles the answer. A zero
// position appends. clientID is reused when a line is restored by undo/redo.
func (e *Editor) addLine(ctx context.Context, content, section string, position int, clientID string, record bool) (Line, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Line{}, ErrClosed
	}
	if clientID == "" {
		clientID = util.NewID("ln")
	}
	if section == "" {
		section = e.section
	}
	now := time.Now().UTC()
	pending := e.newLineLocked(wire.Line{
		SessionID: e.sessionID,
		Content:   content,
		Section:   section,
		ClientID:  clientID,
		CreatedAt: now,
		UpdatedAt: now,
	}, true)
	idx := len(e.lines)
	if position > 0 && position-1 < len(e.lines) {
		idx = position - 1
	}
	e.insertLocked(idx, pending)
	e.publishLocked()
	e.mu.Unlock()

	res, err := e.remote.AddLine(ctx, e.sessionID, wire.AddLineRequest{
		Content:    content,
		Section:    section,
		LineNumber: position,
		ClientID:   clientID,
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		if i := e.indexByClientLocked(clientID); i >= 0 && e.lines[i].ID == 0 {
			e.removeLocked(i)
			e.publishLocked()
		}
		return Line{}, fmt.Errorf("add line: %w", err)
	}
	switch {
	case res.Queued:
	case res.Lines != nil:
		e.confirmLocked(res.Line, clientID)
		e.adoptLocked(res.Lines)
	default:
		e.confirmLocked(res.Line, clientID)
	}
	var out Line
	if i := e.indexByClientLocked(clientID); i >= 0 {
		out = *e.lines[i]
		idx = i
	}
	if record {
		e.history.record(Action{
			Kind:     ActionAdd,
			ClientID: clientID,
			LineID:   out.ID,
			Position: idx + 1,
			Section:  section,
			After:    content,
		})
	}
	e.publishLocked()
	return out, nil
}

func (e *Editor) updateLine(ctx context.Context, clientID, content string, record bool) (Line, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Line{}, ErrClosed
	}
	i := e.indexByClientLocked(clientID)
	if i < 0 {
		e.mu.Unlock()
		return Line{}, fmt.Errorf("update line %s: %w", clientID, ErrLineNotFound)
	}
	line := e.lines[i]
	before := line.Content
	lineID := line.ID
	line.Content = content
	line.UpdatedAt = time.Now().UTC()
	e.publishLocked()
	e.mu.Unlock()

	res, err := e.remote.UpdateLine(ctx, e.sessionID, lineID, clientID, wire.UpdateLineRequest{Content: content})

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		if i := e.indexByClientLocked(clientID); i >= 0 && e.lines[i].Content == content {
			e.lines[i].Content = before
			e.publishLocked()
		}
		return Line{}, fmt.Errorf("update line: %w", err)
	}
	i = e.indexByClientLocked(clientID)
	if i < 0 {
		// deleted while the update was in flight
		return Line{}, fmt.Errorf("update line %s: %w", clientID, ErrLineNotFound)
	}
	if res.Queued {
		e.lines[i].Pending = true
	} else {
		e.confirmLocked(res.Line, clientID)
	}
	out := *e.lines[i]
	if record {
		e.history.record(Action{
			Kind:     ActionUpdate,
			ClientID: clientID,
			LineID:   out.ID,
			Position: i + 1,
			Section:  out.Section,
			Before:   before,
			After:    content,
		})
	}
	e.publishLocked()
	return out, nil
}

// deleteLine removes the line optimistically and restores it at its original
// position if the server refuses or cannot be reached.
func (e *Editor) deleteLine(ctx context.Context, clientID string, record bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	idx := e.indexByClientLocked(clientID)
	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("delete line %s: %w", clientID, ErrLineNotFound)
	}
	removed := e.lines[idx]
	e.removeLocked(idx)
	if e.editing == clientID {
		e.editing = ""
	}
	e.publishLocked()
	e.mu.Unlock()

	var (
		lines []wire.Line
		err   error
	)
	if removed.ID == 0 {
		if e.queue != nil {
			_, err = e.queue.DropQueued(clientID)
		}
	} else {
		lines, err = e.remote.DeleteLine(ctx, e.sessionID, removed.ID)
		if err == nil && e.queue != nil {
			// queued updates for the line would only come back as 404s
			if _, qerr := e.queue.DropQueued(clientID); qerr != nil {
				log.Printf("editor: drop queued writes for %s: %v", clientID, qerr)
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		if e.indexByClientLocked(clientID) < 0 {
			at := idx
			if at > len(e.lines) {
				at = len(e.lines)
			}
			e.insertLocked(at, removed)
			e.publishLocked()
		}
		return fmt.Errorf("delete line: %w", err)
	}
	if lines != nil {
		e.adoptLocked(lines)
	}
	if record {
		e.history.record(Action{
			Kind:     ActionDelete,
			ClientID: clientID,
			LineID:   removed.ID,
			Position: idx + 1,
			Section:  removed.Section,
			Before:   removed.Content,
		})
	}
	e.publishLocked()
	return nil
}

// MoveLine moves a line to a 1-based position. Every line must be confirmed.
func (e *Editor) MoveLine(ctx context.Context, clientID string, position int) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	from := e.indexByClientLocked(clientID)
	if from < 0 {
		e.mu.Unlock()
		return fmt.Errorf("move line %s: %w", clientID, ErrLineNotFound)
	}
	for _, l := range e.lines {
		if l.ID == 0 {
			e.mu.Unlock()
			return ErrPendingLines
		}
	}
	previous := append([]*Line(nil), e.lines...)
	to := position - 1
	if to < 0 {
		to = 0
	}
	if to >= len(e.lines) {
		to = len(e.lines) - 1
	}
	line := e.lines[from]
	e.removeLocked(from)
	e.insertLocked(to, line)
	ids := make([]int64, len(e.lines))
	for i, l := range e.lines {
		ids[i] = l.ID
	}
	e.publishLocked()
	e.mu.Unlock()

	lines, err := e.remote.Reorder(ctx, e.sessionID, ids)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.lines = previous
		e.renumberLocked()
		e.publishLocked()
		return fmt.Errorf("move line: %w", err)
	}
	e.adoptLocked(lines)
	e.publishLocked()
	return nil
}

// Undo reverts the most recent action through the regular mutation paths, so
// an undo while offline is queued like any other write. An action whose line
// no longer exists is dropped so older actions stay reachable.
func (e *Editor) Undo(ctx context.Context) error {
	e.undoMu.Lock()
	defer e.undoMu.Unlock()

	e.mu.Lock()
	a, ok := e.history.popPast()
	gen := e.history.gen
	e.mu.Unlock()
	if !ok {
		return nil
	}

	var err error
	switch a.Kind {
	case ActionAdd:
		err = e.deleteLine(ctx, a.ClientID, false)
	case ActionUpdate:
		_, err = e.updateLine(ctx, a.ClientID, a.Before, false)
	case ActionDelete:
		_, err = e.addLine(ctx, a.Before, a.Section, a.Position, a.ClientID, false)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case lineGone(err):
		log.Printf("editor: dropping undo of %s on %s: line is gone", a.Kind, a.ClientID)
		e.publishLocked()
		return fmt.Errorf("undo %s: %w", a.Kind, err)
	case err != nil:
		e.history.restorePast(a, gen)
		e.publishLocked()
		return fmt.Errorf("undo %s: %w", a.Kind, err)
	}
	// a new action since the pop has invalidated redo
	if e.history.gen == gen {
		e.history.pushFuture(a)
	}
	e.publishLocked()
	return nil
}

func (e *Editor) Redo(ctx context.Context) error {
	e.undoMu.Lock()
	defer e.undoMu.Unlock()

	e.mu.Lock()
	a, ok := e.history.popFuture()
	gen := e.history.gen
	e.mu.Unlock()
	if !ok {
		return nil
	}

	var err error
	switch a.Kind {
	case ActionAdd:
		_, err = e.addLine(ctx, a.After, a.Section, a.Position, a.ClientID, false)
	case ActionUpdate:
		_, err = e.updateLine(ctx, a.ClientID, a.After, false)
	case ActionDelete:
		err = e.deleteLine(ctx, a.ClientID, false)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case lineGone(err):
		log.Printf("editor: dropping redo of %s on %s: line is gone", a.Kind, a.ClientID)
		e.publishLocked()
		return fmt.Errorf("redo %s: %w", a.Kind, err)
	case err != nil:
		if e.history.gen == gen {
			e.history.pushFuture(a)
		}
		e.publishLocked()
		return fmt.Errorf("redo %s: %w", a.Kind, err)
	}
	e.history.pushPast(a)
	e.publishLocked()
	return nil
}

// lineGone reports whether a mutation failed because its line was deleted,
// locally by a peer broadcast or on the server.
func lineGone(err error) bool {
	return errors.Is(err, ErrLineNotFound) || remote.IsNotFound(err)
}

// Heartbeat adds spent writing time to the session. Offline heartbeats are
// queued by the network layer.
func (e *Editor) Heartbeat(ctx context.Context, spent time.Duration) error {
	res, err := e.remote.UpdateSession(ctx, e.sessionID, wire.UpdateSessionRequest{AddSeconds: int64(spent.Seconds())})
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session = res.Session
	e.publishLocked()
	return nil
}

func (e *Editor) BeginEdit(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.editing = clientID
	e.publishLocked()
}

func (e *Editor) EndEdit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.editing = ""
	e.publishLocked()
}

func (e *Editor) SetSection(section string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.section = section
	e.publishLocked()
}

func (e *Editor) SelectLine(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selected = clientID
	e.publishLocked()
}

func (e *Editor) SetImprovement(kind string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.improvement = kind
	e.publishLocked()
}

// ApplyImprovement asks the assistance service to rewrite the selected line and
// applies the answer as a regular, undoable update. Failures change nothing.
func (e *Editor) ApplyImprovement(ctx context.Context) (Line, error) {
	e.mu.Lock()
	i := e.indexByClientLocked(e.selected)
	if i < 0 {
		e.mu.Unlock()
		return Line{}, ErrNoSelection
	}
	clientID := e.selected
	req := wire.AssistRequest{Kind: e.improvement, Text: e.lines[i].Content, Context: e.contentsLocked()}
	e.mu.Unlock()

	text, err := e.remote.Assist(ctx, req)
	if err != nil {
		return Line{}, fmt.Errorf("improve line: %w", err)
	}
	return e.UpdateLine(ctx, clientID, text)
}

func (e *Editor) newLineLocked(l wire.Line, pending bool) *Line {
	if l.ClientID == "" {
		l.ClientID = util.NewID("ln")
	}
	e.seq++
	return &Line{Line: l, Pending: pending, seq: e.seq}
}

func (e *Editor) insertLocked(idx int, l *Line) {
	e.lines = append(e.lines, nil)
	copy(e.lines[idx+1:], e.lines[idx:])
	e.lines[idx] = l
	e.renumberLocked()
}

func (e *Editor) removeLocked(idx int) {
	e.lines = append(e.lines[:idx], e.lines[idx+1:]...)
	e.renumberLocked()
}

// renumberLocked keeps local line numbers dense and 1-based in list order.
func (e *Editor) renumberLocked() {
	for i, l := range e.lines {
		l.LineNumber = i + 1
	}
}

func (e *Editor) indexByClientLocked(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i, l := range e.lines {
		if l.ClientID == clientID {
			return i
		}
	}
	return -1
}

func (e *Editor) indexByIDLocked(id int64) int {
	if id == 0 {
		return -1
	}
	for i, l := range e.lines {
		if l.ID == id {
			return i
		}
	}
	return -1
}

// confirmLocked upgrades the line with clientID to the server's version and
// drops any other row that already carries the same server id.
func (e *Editor) confirmLocked(server wire.Line, clientID string) {
	i := e.indexByClientLocked(clientID)
	if i < 0 {
		return
	}
	if server.ID != 0 {
		for j := len(e.lines) - 1; j >= 0; j-- {
			if j != i && e.lines[j].ID == server.ID {
				log.Printf("editor: dropping duplicate of line %d", server.ID)
				e.removeLocked(j)
				if j < i {
					i--
				}
			}
		}
	}
	mergeServer(e.lines[i], server)
	e.renumberLocked()
}

// adoptLocked replaces the confirmed lines with the server's list. Client ids
// survive by server id, and lines the server has not seen yet stay at the end.
func (e *Editor) adoptLocked(server []wire.Line) {
	byID := make(map[int64]*Line, len(e.lines))
	for _, l := range e.lines {
		if l.ID != 0 {
			byID[l.ID] = l
		}
	}
	next := make([]*Line, 0, len(server)+len(e.lines))
	seen := make(map[string]bool, len(server))
	for _, s := range server {
		local, ok := byID[s.ID]
		if !ok {
			if i := e.indexByClientLocked(s.ClientID); i >= 0 && e.lines[i].ID == 0 {
				local = e.lines[i]
			}
		}
		if local == nil {
			local = e.newLineLocked(s, false)
		} else if local.Pending && local.ID != 0 {
			// a queued local edit wins over the older server content
			content := local.Content
			mergeServer(local, s)
			local.Content = content
			local.Pending = true
		} else {
			mergeServer(local, s)
		}
		seen[local.ClientID] = true
		next = append(next, local)
	}
	for _, l := range e.lines {
		if l.ID == 0 && !seen[l.ClientID] {
			next = append(next, l)
		}
	}
	e.lines = next
	e.renumberLocked()
}

func mergeServer(dst *Line, server wire.Line) {
	clientID := dst.ClientID
	dst.Line = server
	if clientID != "" {
		dst.ClientID = clientID
	}
	dst.Pending = false
}

func (e *Editor) contentsLocked() []string {
	out := make([]string, len(e.lines))
	for i, l := range e.lines {
		out[i] = l.Content
	}
	return out
}

func (e *Editor) snapshotLocked() Snapshot {
	return Snapshot{
		Session:     e.session,
		Lines:       copyLines(e.lines),
		CanUndo:     len(e.history.past) > 0,
		CanRedo:     len(e.history.future) > 0,
		Draft:       e.draft,
		Section:     e.section,
		Selected:    e.selected,
		Editing:     e.editing,
		Improvement: e.improvement,
		Stale:       e.stale,
	}
}

// publishLocked replaces whatever snapshot a subscriber has not read yet.
func (e *Editor) publishLocked() {
	if len(e.subs) == 0 {
		return
	}
	snap := e.snapshotLocked()
	for _, ch := range e.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func copyLines(lines []*Line) []Line {
	out := make([]Line, len(lines))
	for i, l := range lines {
		out[i] = *l
	}
	return out
}

// ApplyConfirmed folds a replayed write's acknowledgement into the list.
func (e *Editor) ApplyConfirmed(op cache.Op, clientID string, ack remote.Ack) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch op {
	case cache.OpAdd, cache.OpUpdate:
		if ack.Gone {
			if i := e.indexByClientLocked(clientID); i >= 0 {
				e.removeLocked(i)
			}
			break
		}
		if ack.Line == nil {
			break
		}
		if clientID == "" {
			if i := e.indexByIDLocked(ack.Line.ID); i >= 0 {
				clientID = e.lines[i].ClientID
			}
		}
		if e.indexByClientLocked(clientID) >= 0 {
			e.confirmLocked(*ack.Line, clientID)
		}
		if ack.Lines != nil {
			e.adoptLocked(ack.Lines)
		}
	case cache.OpSessionUpdate:
		if ack.Session != nil {
			e.session = *ack.Session
		}
	}
	e.stale = false
	e.publishLocked()
}
