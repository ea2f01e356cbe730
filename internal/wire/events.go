package wire

import "time"

// EventType names a real-time channel message.
type EventType string

const (
	EventJoin           EventType = "join"
	EventLeave          EventType = "leave"
	EventLineAdded      EventType = "line_added"
	EventLineUpdated    EventType = "line_updated"
	EventLineDeleted    EventType = "line_deleted"
	EventLinesReordered EventType = "lines_reordered"
	EventSessionUpdated EventType = "session_updated"
	EventWriterJoined   EventType = "writer_joined"
	EventWriterLeft     EventType = "writer_left"
	EventTyping         EventType = "typing"
	EventStoppedTyping  EventType = "stopped_typing"
	EventPresence       EventType = "presence"
)

// Event is the envelope for every channel message in either direction.
//
// Mutation events are broadcast to every socket of the session, the author's
// own included. Presence events carry no line data.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	WriterID  string    `json:"writerId,omitempty"`
	Line      *Line     `json:"line,omitempty"`
	Lines     []Line    `json:"lines,omitempty"`
	LineID    int64     `json:"lineId,omitempty"`
	Session   *Session  `json:"session,omitempty"`
	Writers   []string  `json:"writers,omitempty"`
	Typing    []string  `json:"typing,omitempty"`
	At        time.Time `json:"at"`
}

// IsPresence reports whether the event belongs to the presence sub-protocol.
func (e Event) IsPresence() bool {
	switch e.Type {
	case EventWriterJoined, EventWriterLeft, EventTyping, EventStoppedTyping, EventPresence:
		return true
	}
	return false
}
