package editor

import (
	"lyricsync/internal/wire"
)

// Outcome says how a broadcast line was folded into the list.
type Outcome int

const (
	// Matched: the broadcast was this writer's own echo and upgraded a pending line.
	Matched Outcome = iota
	// Refreshed: a line with the same server id was already present.
	Refreshed
	// Inserted: no pending line or server id matched; the line was added.
	Inserted
	// Skipped: the line is being edited locally or is unknown.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case Refreshed:
		return "refreshed"
	case Inserted:
		return "inserted"
	default:
		return "skipped"
	}
}

// ApplyRemoteAdd reconciles a line_added broadcast. An echo carrying a client
// id upgrades the line with that id. Without one, the earliest submitted
// unconfirmed line with exactly the same text is taken. Anything else is a
// peer's line and is inserted unless its server id is already present.
func (e *Editor) ApplyRemoteAdd(line wire.Line, lines []wire.Line) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Skipped
	}
	defer e.publishLocked()

	outcome := e.reconcileAddLocked(line)
	if lines != nil {
		e.adoptLocked(lines)
	}
	e.renumberLocked()
	return outcome
}

func (e *Editor) reconcileAddLocked(line wire.Line) Outcome {
	if i := e.indexByClientLocked(line.ClientID); i >= 0 {
		if e.lines[i].ID != 0 && e.lines[i].ID == line.ID {
			mergeServer(e.lines[i], line)
			return Refreshed
		}
		e.confirmLocked(line, line.ClientID)
		return Matched
	}
	if line.ClientID == "" {
		if i := e.earliestPendingLocked(line.Content); i >= 0 {
			e.confirmLocked(line, e.lines[i].ClientID)
			return Matched
		}
	}
	if i := e.indexByIDLocked(line.ID); i >= 0 {
		mergeServer(e.lines[i], line)
		return Refreshed
	}

	l := e.newLineLocked(line, false)
	e.insertLocked(e.insertionIndexLocked(line.LineNumber), l)
	return Inserted
}

// earliestPendingLocked finds the first submitted unconfirmed line with text.
func (e *Editor) earliestPendingLocked(text string) int {
	best := -1
	for i, l := range e.lines {
		if l.ID != 0 || !l.Pending || l.Content != text {
			continue
		}
		if best < 0 || l.seq < e.lines[best].seq {
			best = i
		}
	}
	return best
}

// insertionIndexLocked places a peer line before the first confirmed line
// whose number is at least lineNumber, or after the last confirmed line.
func (e *Editor) insertionIndexLocked(lineNumber int) int {
	lastConfirmed := -1
	for i, l := range e.lines {
		if l.ID == 0 {
			continue
		}
		if lineNumber > 0 && l.LineNumber >= lineNumber {
			return i
		}
		lastConfirmed = i
	}
	if lastConfirmed < 0 {
		return 0
	}
	return lastConfirmed + 1
}

// ApplyRemoteUpdate applies a line_updated broadcast unless this writer is
// editing that line right now.
func (e *Editor) ApplyRemoteUpdate(line wire.Line) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Skipped
	}
	i := e.indexByIDLocked(line.ID)
	if i < 0 {
		i = e.indexByClientLocked(line.ClientID)
	}
	if i < 0 {
		return Skipped
	}
	local := e.lines[i]
	if e.editing != "" && e.editing == local.ClientID {
		return Skipped
	}
	mergeServer(local, line)
	e.renumberLocked()
	e.publishLocked()
	return Refreshed
}

// ApplyRemoteDelete removes a deleted line and adopts the renumbered list.
func (e *Editor) ApplyRemoteDelete(lineID int64, lines []wire.Line) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if i := e.indexByIDLocked(lineID); i >= 0 {
		if e.editing == e.lines[i].ClientID {
			e.editing = ""
		}
		e.removeLocked(i)
	}
	if lines != nil {
		e.adoptLocked(lines)
	}
	e.publishLocked()
}

// ApplyRemoteList adopts a full list, as sent after a reorder. Unconfirmed
// lines are kept after the server's lines.
func (e *Editor) ApplyRemoteList(lines []wire.Line) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.adoptLocked(lines)
	e.publishLocked()
}

func (e *Editor) ApplyRemoteSession(session wire.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.session = session
	e.publishLocked()
}
