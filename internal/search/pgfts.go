package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole server is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the messages table, ranked by ts_rank with
// ts_headline snippets. Deleted messages never match.
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

	where := "m.fts @@ plainto_tsquery('english', $1) AND NOT m.deleted"
	args := []any{q.Text}
	if q.RoomID != 0 {
		where += " AND m.room_id = $2"
		args = append(args, q.RoomID)
	}

	countSQL := "SELECT count(*) FROM messages m WHERE " + where

	dataSQL := fmt.Sprintf(`
		SELECT m.room_id, m.chunk_id, m.idx, m.user_id,
			ts_headline('english', m.content, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM messages m
		WHERE %s
		ORDER BY ts_rank(m.fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.RoomID, &r.ChunkID, &r.Index, &r.UserID, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.ID = fmt.Sprintf("%d-%d-%d", r.RoomID, r.ChunkID, r.Index)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every live message for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT room_id, chunk_id, idx, user_id, content
		FROM messages
		WHERE NOT deleted
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(&rec.RoomID, &rec.ChunkID, &rec.Index, &rec.UserID, &rec.Content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		rec.ID = fmt.Sprintf("%d-%d-%d", rec.RoomID, rec.ChunkID, rec.Index)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}
