package store

import (
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound is sql.ErrNoRows so callers can match either.
	ErrNotFound = sql.ErrNoRows
	ErrConflict = errors.New("conflict")
	// ErrInvalidOrder is a reorder that does not name every line of the session exactly once.
	ErrInvalidOrder = errors.New("order must list every line exactly once")
)

type Writer struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type Session struct {
	ID               string
	Title            string
	BPM              int
	Mood             []string
	Themes           []string
	RhymeScheme      string
	TimeSpentSeconds int64
	CreatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SessionPatch holds the fields of a session update; nil fields are left alone.
type SessionPatch struct {
	Title       *string
	BPM         *int
	Mood        []string
	Themes      []string
	RhymeScheme *string
	AddSeconds  int64
}

type Line struct {
	ID         int64
	SessionID  string
	LineNumber int
	Content    string
	Section    string
	Final      string
	Syllables  int
	Stress     string
	RhymeFlags []string
	ClientID   string
	UpdatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewLine is an add request. LineNumber 0 appends.
type NewLine struct {
	SessionID      string
	LineNumber     int
	Content        string
	Section        string
	ClientID       string
	IdempotencyKey string
	UpdatedBy      string
}

// AddResult is the outcome of AddLine. Created is false when the idempotency
// key was already used and Line is the line that first request created.
// Renumbered is true when other lines moved to make room.
type AddResult struct {
	Line       Line
	Created    bool
	Renumbered bool
}

type LineEdit struct {
	Content        string
	Section        *string
	IdempotencyKey string
	UpdatedBy      string
}

// Analysis is the enrichment written back by the analysis collaborator.
type Analysis struct {
	Final      string
	Syllables  int
	Stress     string
	RhymeFlags []string
}
