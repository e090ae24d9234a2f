package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgFTS implements Searcher over the app_posts content column using
// PostgreSQL full-text search. It is the fallback when Meilisearch is not
// configured or unhealthy.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down the whole service is down.
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

	where := "to_tsvector('simple', content_text) @@ plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	argN := 2
	if q.FilterAuthor != "" {
		where += fmt.Sprintf(" AND author_id = $%d", argN)
		args = append(args, q.FilterAuthor)
		argN++
	}
	if q.FilterOrigin != "" {
		where += fmt.Sprintf(" AND origin = $%d", argN)
		args = append(args, q.FilterOrigin)
		argN++
	}

	query := fmt.Sprintf(`
		SELECT id, author_id, origin,
			ts_headline('simple', content_text, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			COUNT(*) OVER () AS total
		FROM app_posts
		WHERE %s
		ORDER BY ts_rank(to_tsvector('simple', content_text), plainto_tsquery('simple', $1)) DESC, created_at_ms DESC
		LIMIT %d OFFSET %d
	`, where, limit, offset)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var result Result
		if err := rows.Scan(&result.ID, &result.AuthorID, &result.Origin, &result.Snippet, &total); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts iterate: %w", err)
	}
	return results, total, nil
}
