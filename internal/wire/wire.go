// Package wire holds the JSON shapes shared by the lyricsync API and the writer client.
package wire

import "time"

// Session is the authoring unit that owns an ordered list of lines.
type Session struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	BPM              int       `json:"bpm"`
	Mood             []string  `json:"mood"`
	Themes           []string  `json:"themes"`
	RhymeScheme      string    `json:"rhymeScheme"`
	TimeSpentSeconds int64     `json:"timeSpentSeconds"`
	CreatedBy        string    `json:"createdBy"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Line is a single lyric line. ID is zero until the server has confirmed it.
type Line struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"sessionId"`
	LineNumber int       `json:"lineNumber"`
	Content    string    `json:"content"`
	Section    string    `json:"section,omitempty"`
	Final      string    `json:"final,omitempty"`
	Syllables  int       `json:"syllables,omitempty"`
	Stress     string    `json:"stress,omitempty"`
	RhymeFlags []string  `json:"rhymeFlags,omitempty"`
	ClientID   string    `json:"clientId,omitempty"`
	UpdatedBy  string    `json:"updatedBy,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// SessionDetail is a session together with its lines in line_number order.
type SessionDetail struct {
	Session Session `json:"session"`
	Lines   []Line  `json:"lines"`
}

type CreateSessionRequest struct {
	Title       string   `json:"title"`
	BPM         int      `json:"bpm"`
	Mood        []string `json:"mood"`
	Themes      []string `json:"themes"`
	RhymeScheme string   `json:"rhymeScheme"`
}

// UpdateSessionRequest patches session metadata. AddSeconds is the heartbeat
// increment for time tracking.
type UpdateSessionRequest struct {
	Title          *string  `json:"title,omitempty"`
	BPM            *int     `json:"bpm,omitempty"`
	Mood           []string `json:"mood,omitempty"`
	Themes         []string `json:"themes,omitempty"`
	RhymeScheme    *string  `json:"rhymeScheme,omitempty"`
	AddSeconds     int64    `json:"addSeconds,omitempty"`
	IdempotencyKey string   `json:"idempotencyKey,omitempty"`
}

// AddLineRequest appends a line, or inserts it at LineNumber when that is set.
type AddLineRequest struct {
	Content        string `json:"content"`
	Section        string `json:"section,omitempty"`
	LineNumber     int    `json:"lineNumber,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// AddLineResponse carries the created line. Lines is set when the insert
// renumbered other lines and the caller should adopt the whole list.
type AddLineResponse struct {
	Line  Line   `json:"line"`
	Lines []Line `json:"lines,omitempty"`
}

type UpdateLineRequest struct {
	Content        string  `json:"content"`
	Section        *string `json:"section,omitempty"`
	IdempotencyKey string  `json:"idempotencyKey,omitempty"`
}

type ReorderRequest struct {
	LineIDs []int64 `json:"lineIds"`
}

type LinesResponse struct {
	Lines []Line `json:"lines"`
}

type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignInResponse struct {
	AccessToken string `json:"accessToken"`
	WriterID    string `json:"writerId"`
	WriterName  string `json:"writerName"`
	Role        string `json:"role"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// AssistRequest asks the assist collaborator for a one-shot improvement of Text.
type AssistRequest struct {
	Kind    string   `json:"kind"`
	Text    string   `json:"text"`
	Context []string `json:"context,omitempty"`
}

type AssistResponse struct {
	Text string `json:"text"`
}

// SuggestionRequest opens a streaming draft suggestion for the text being typed.
type SuggestionRequest struct {
	SessionID string   `json:"sessionId"`
	Prefix    string   `json:"prefix"`
	Context   []string `json:"context,omitempty"`
}
