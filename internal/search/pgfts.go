package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Backend with PostgreSQL full-text search over the
// generated fts column of session_comments.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres the service is down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	const where = `c.session_id = $1 AND c.fts @@ plainto_tsquery('english', $2)`

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM session_comments c WHERE `+where, q.SessionID, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT c.id, c.session_id, c.user_id,
			ts_headline('english', c.content, plainto_tsquery('english', $2), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>'),
			c.position, c.resolved
		FROM session_comments c
		WHERE %s
		ORDER BY ts_rank(c.fts, plainto_tsquery('english', $2)) DESC, c.created_at ASC
		LIMIT %d OFFSET %d`, where, q.limit(), q.offset()), q.SessionID, q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.CommentID, &r.SessionID, &r.UserID, &r.Snippet, &r.Position, &r.Resolved); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every comment for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CommentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, content, position, resolved
		FROM session_comments
	`)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	defer rows.Close()

	records := make([]CommentRecord, 0)
	for rows.Next() {
		var c CommentRecord
		if err := rows.Scan(&c.ID, &c.SessionID, &c.UserID, &c.Content, &c.Position, &c.Resolved); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		records = append(records, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return records, nil
}
