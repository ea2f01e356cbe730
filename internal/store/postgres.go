package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *PostgresStore) CreateWriter(ctx context.Context, writer Writer) (Writer, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO writers (id, display_name, email, password_hash, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, writer.ID, writer.DisplayName, writer.Email, writer.PasswordHash, writer.Role).Scan(&writer.CreatedAt)
	if isUniqueViolation(err) {
		return Writer{}, ErrConflict
	}
	if err != nil {
		return Writer{}, fmt.Errorf("insert writer: %w", err)
	}
	return writer, nil
}

const writerColumns = `id, display_name, email, password_hash, role, created_at`

func scanWriter(row *sql.Row) (Writer, error) {
	var w Writer
	err := row.Scan(&w.ID, &w.DisplayName, &w.Email, &w.PasswordHash, &w.Role, &w.CreatedAt)
	return w, err
}

func (s *PostgresStore) GetWriterByEmail(ctx context.Context, email string) (Writer, error) {
	return scanWriter(s.db.QueryRowContext(ctx, `SELECT `+writerColumns+` FROM writers WHERE email=$1`, email))
}

func (s *PostgresStore) GetWriterByID(ctx context.Context, id string) (Writer, error) {
	return scanWriter(s.db.QueryRowContext(ctx, `SELECT `+writerColumns+` FROM writers WHERE id=$1`, id))
}

const sessionColumns = `id, title, bpm, mood, themes, rhyme_scheme, time_spent_seconds, created_by, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var (
		item              Session
		moodRaw, themeRaw []byte
	)
	if err := row.Scan(&item.ID, &item.Title, &item.BPM, &moodRaw, &themeRaw, &item.RhymeScheme,
		&item.TimeSpentSeconds, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Session{}, err
	}
	_ = json.Unmarshal(moodRaw, &item.Mood)
	_ = json.Unmarshal(themeRaw, &item.Themes)
	return item, nil
}

func encodeTags(tags []string) []byte {
	if tags == nil {
		tags = []string{}
	}
	encoded, _ := json.Marshal(tags)
	return encoded
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	items := make([]Session, 0)
	for rows.Next() {
		item, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=$1`, sessionID))
}

func (s *PostgresStore) InsertSession(ctx context.Context, item Session) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, title, bpm, mood, themes, rhyme_scheme, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+sessionColumns,
		item.ID, item.Title, item.BPM, encodeTags(item.Mood), encodeTags(item.Themes), item.RhymeScheme, item.CreatedBy)
	created, err := scanSession(row)
	if isUniqueViolation(err) {
		return Session{}, ErrConflict
	}
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return created, nil
}

// UpdateSession applies patch once per idempotency key. A repeated key leaves
// the session untouched and reports applied=false.
func (s *PostgresStore) UpdateSession(ctx context.Context, sessionID string, patch SessionPatch, key string) (Session, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, false, fmt.Errorf("begin session update: %w", err)
	}
	defer tx.Rollback()

	if err := lockSession(ctx, tx, sessionID); err != nil {
		return Session{}, false, err
	}
	fresh, err := claimRequest(ctx, tx, sessionID, key)
	if err != nil {
		return Session{}, false, err
	}
	if !fresh {
		current, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=$1`, sessionID))
		if err != nil {
			return Session{}, false, fmt.Errorf("read session: %w", err)
		}
		return current, false, tx.Commit()
	}

	var mood, themes []byte
	if patch.Mood != nil {
		mood = encodeTags(patch.Mood)
	}
	if patch.Themes != nil {
		themes = encodeTags(patch.Themes)
	}
	row := tx.QueryRowContext(ctx, `
		UPDATE sessions SET
			title = COALESCE($2, title),
			bpm = COALESCE($3, bpm),
			mood = COALESCE($4::jsonb, mood),
			themes = COALESCE($5::jsonb, themes),
			rhyme_scheme = COALESCE($6, rhyme_scheme),
			time_spent_seconds = time_spent_seconds + $7,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+sessionColumns,
		sessionID, patch.Title, patch.BPM, nullableJSON(mood), nullableJSON(themes), patch.RhymeScheme, patch.AddSeconds)
	updated, err := scanSession(row)
	if err != nil {
		return Session{}, false, fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Session{}, false, fmt.Errorf("commit session update: %w", err)
	}
	return updated, true, nil
}

func nullableJSON(raw []byte) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=$1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// lockSession serializes every line mutation of one session behind the
// session row so line numbers stay dense.
func lockSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM sessions WHERE id=$1 FOR UPDATE`, sessionID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock session: %w", err)
	}
	return nil
}

// claimRequest records key as applied. It returns false when the key was
// seen before. An empty key is always fresh.
func claimRequest(ctx context.Context, tx *sql.Tx, sessionID, key string) (bool, error) {
	if key == "" {
		return true, nil
	}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO applied_requests (session_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, sessionID, key)
	if err != nil {
		return false, fmt.Errorf("claim request: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected == 1, nil
}

const lineColumns = `id, session_id, line_number, content, section, final, syllables, stress, rhyme_flags, client_id, updated_by, created_at, updated_at`

func scanLine(row scanner) (Line, error) {
	var (
		item     Line
		flagsRaw []byte
	)
	if err := row.Scan(&item.ID, &item.SessionID, &item.LineNumber, &item.Content, &item.Section, &item.Final,
		&item.Syllables, &item.Stress, &flagsRaw, &item.ClientID, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Line{}, err
	}
	_ = json.Unmarshal(flagsRaw, &item.RhymeFlags)
	return item, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listLines(ctx context.Context, q querier, sessionID string) ([]Line, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+lineColumns+` FROM lines WHERE session_id=$1 ORDER BY line_number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list lines: %w", err)
	}
	defer rows.Close()

	items := make([]Line, 0)
	for rows.Next() {
		item, err := scanLine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListLines(ctx context.Context, sessionID string) ([]Line, error) {
	return listLines(ctx, s.db, sessionID)
}

func (s *PostgresStore) GetLine(ctx context.Context, sessionID string, lineID int64) (Line, error) {
	return scanLine(s.db.QueryRowContext(ctx, `SELECT `+lineColumns+` FROM lines WHERE session_id=$1 AND id=$2`, sessionID, lineID))
}

// AddLine appends a line, or inserts it at LineNumber and shifts the lines
// at and after that position down by one. A repeated idempotency key returns
// the line the first request created.
func (s *PostgresStore) AddLine(ctx context.Context, item NewLine) (AddResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AddResult{}, fmt.Errorf("begin add line: %w", err)
	}
	defer tx.Rollback()

	if err := lockSession(ctx, tx, item.SessionID); err != nil {
		return AddResult{}, err
	}

	if item.IdempotencyKey != "" {
		existing, err := scanLine(tx.QueryRowContext(ctx,
			`SELECT `+lineColumns+` FROM lines WHERE session_id=$1 AND idempotency_key=$2`,
			item.SessionID, item.IdempotencyKey))
		if err == nil {
			return AddResult{Line: existing}, tx.Commit()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return AddResult{}, fmt.Errorf("find line by idempotency key: %w", err)
		}
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM lines WHERE session_id=$1`, item.SessionID).Scan(&count); err != nil {
		return AddResult{}, fmt.Errorf("count lines: %w", err)
	}
	position := item.LineNumber
	if position <= 0 || position > count {
		position = count + 1
	}
	renumbered := position <= count
	if renumbered {
		if _, err := tx.ExecContext(ctx, `SET CONSTRAINTS lines_session_line_number_key DEFERRED`); err != nil {
			return AddResult{}, fmt.Errorf("defer line numbers: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE lines SET line_number = line_number + 1
			WHERE session_id = $1 AND line_number >= $2
		`, item.SessionID, position); err != nil {
			return AddResult{}, fmt.Errorf("shift lines: %w", err)
		}
	}

	var key any
	if item.IdempotencyKey != "" {
		key = item.IdempotencyKey
	}
	created, err := scanLine(tx.QueryRowContext(ctx, `
		INSERT INTO lines (session_id, line_number, content, section, client_id, idempotency_key, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+lineColumns,
		item.SessionID, position, item.Content, item.Section, item.ClientID, key, item.UpdatedBy))
	if err != nil {
		return AddResult{}, fmt.Errorf("insert line: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at=NOW() WHERE id=$1`, item.SessionID); err != nil {
		return AddResult{}, fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return AddResult{}, fmt.Errorf("commit add line: %w", err)
	}
	return AddResult{Line: created, Created: true, Renumbered: renumbered}, nil
}

// UpdateLine replaces a line's content once per idempotency key. Changing the
// content clears the previous analysis.
func (s *PostgresStore) UpdateLine(ctx context.Context, sessionID string, lineID int64, edit LineEdit) (Line, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Line{}, false, fmt.Errorf("begin update line: %w", err)
	}
	defer tx.Rollback()

	if err := lockSession(ctx, tx, sessionID); err != nil {
		return Line{}, false, err
	}
	fresh, err := claimRequest(ctx, tx, sessionID, edit.IdempotencyKey)
	if err != nil {
		return Line{}, false, err
	}
	if !fresh {
		current, err := scanLine(tx.QueryRowContext(ctx, `SELECT `+lineColumns+` FROM lines WHERE session_id=$1 AND id=$2`, sessionID, lineID))
		if err != nil {
			return Line{}, false, err
		}
		return current, false, tx.Commit()
	}

	updated, err := scanLine(tx.QueryRowContext(ctx, `
		UPDATE lines SET
			final = CASE WHEN content = $3 THEN final ELSE '' END,
			syllables = CASE WHEN content = $3 THEN syllables ELSE 0 END,
			stress = CASE WHEN content = $3 THEN stress ELSE '' END,
			rhyme_flags = CASE WHEN content = $3 THEN rhyme_flags ELSE '[]'::jsonb END,
			content = $3,
			section = COALESCE($4, section),
			updated_by = $5,
			updated_at = NOW()
		WHERE session_id = $1 AND id = $2
		RETURNING `+lineColumns,
		sessionID, lineID, edit.Content, edit.Section, edit.UpdatedBy))
	if err != nil {
		return Line{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Line{}, false, fmt.Errorf("commit update line: %w", err)
	}
	return updated, true, nil
}

// DeleteLine removes a line, closes the gap in numbering, and returns the
// remaining lines.
func (s *PostgresStore) DeleteLine(ctx context.Context, sessionID string, lineID int64) ([]Line, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete line: %w", err)
	}
	defer tx.Rollback()

	if err := lockSession(ctx, tx, sessionID); err != nil {
		return nil, err
	}
	var number int
	err = tx.QueryRowContext(ctx, `DELETE FROM lines WHERE session_id=$1 AND id=$2 RETURNING line_number`, sessionID, lineID).Scan(&number)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE lines SET line_number = line_number - 1
		WHERE session_id = $1 AND line_number > $2
	`, sessionID, number); err != nil {
		return nil, fmt.Errorf("close line gap: %w", err)
	}
	lines, err := listLines(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete line: %w", err)
	}
	return lines, nil
}

// ReorderLines renumbers the session so lineIDs[i] becomes line i+1. All
// numbers change in one transaction.
func (s *PostgresStore) ReorderLines(ctx context.Context, sessionID string, lineIDs []int64) ([]Line, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reorder: %w", err)
	}
	defer tx.Rollback()

	if err := lockSession(ctx, tx, sessionID); err != nil {
		return nil, err
	}

	var total, matched int
	if err := tx.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM lines WHERE session_id = $1),
			(SELECT COUNT(DISTINCT l.id) FROM lines l WHERE l.session_id = $1 AND l.id = ANY($2::bigint[]))
	`, sessionID, lineIDs).Scan(&total, &matched); err != nil {
		return nil, fmt.Errorf("check order: %w", err)
	}
	if total != len(lineIDs) || matched != total {
		return nil, ErrInvalidOrder
	}

	if _, err := tx.ExecContext(ctx, `SET CONSTRAINTS lines_session_line_number_key DEFERRED`); err != nil {
		return nil, fmt.Errorf("defer line numbers: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE lines l SET line_number = o.ord, updated_at = NOW()
		FROM unnest($2::bigint[]) WITH ORDINALITY AS o(id, ord)
		WHERE l.session_id = $1 AND l.id = o.id
	`, sessionID, lineIDs); err != nil {
		return nil, fmt.Errorf("renumber lines: %w", err)
	}
	lines, err := listLines(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reorder: %w", err)
	}
	return lines, nil
}

// SetLineAnalysis stores enrichment for a line, unless its content changed
// since the analysis was requested.
func (s *PostgresStore) SetLineAnalysis(ctx context.Context, lineID int64, content string, analysis Analysis) (Line, error) {
	return scanLine(s.db.QueryRowContext(ctx, `
		UPDATE lines SET final = $3, syllables = $4, stress = $5, rhyme_flags = $6::jsonb, updated_at = NOW()
		WHERE id = $1 AND content = $2
		RETURNING `+lineColumns,
		lineID, content, analysis.Final, analysis.Syllables, analysis.Stress, string(encodeTags(analysis.RhymeFlags))))
}
