package search

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// PgFTS implements Searcher over the generated tsvector column on lines.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy is always true: without Postgres the API is down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "l.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	if q.SessionID != "" {
		where += " AND l.session_id = $2"
		args = append(args, q.SessionID)
	}
	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM lines l WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT l.id, l.session_id, l.line_number, l.section,
			ts_headline('english', l.content, plainto_tsquery('english', $1), 'StartSel=<mark>,StopSel=</mark>')
		FROM lines l
		WHERE %s
		ORDER BY ts_rank(l.fts, plainto_tsquery('english', $1)) DESC, l.session_id, l.line_number
		LIMIT %d OFFSET %d`, where, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.LineID, &r.SessionID, &r.LineNumber, &r.Section, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every line for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]LineRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, session_id, line_number, section, content FROM lines`)
	if err != nil {
		return nil, fmt.Errorf("load lines: %w", err)
	}
	defer rows.Close()

	records := make([]LineRecord, 0)
	for rows.Next() {
		var r LineRecord
		if err := rows.Scan(&r.LineID, &r.SessionID, &r.LineNumber, &r.Section, &r.Content); err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		r.ID = strconv.FormatInt(r.LineID, 10)
		records = append(records, r)
	}
	return records, rows.Err()
}
