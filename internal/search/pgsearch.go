package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgSearch implements project search with a plain ILIKE scan as the
// Meilisearch fallback. Project names are short; full-text machinery would
// buy nothing here.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgSearch) Healthy() bool {
	return true
}

func (p *PgSearch) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return []Result{}, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	pattern := "%" + escapeLike(q.Text) + "%"
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, workspace_id, COUNT(*) OVER ()
		FROM projects
		WHERE workspace_id = $1 AND name ILIKE $2 ESCAPE '\'
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, q.WorkspaceID, pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search projects: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	total := 0
	for rows.Next() {
		var item Result
		if err := rows.Scan(&item.ID, &item.Name, &item.WorkspaceID, &total); err != nil {
			return nil, 0, fmt.Errorf("scan search hit: %w", err)
		}
		results = append(results, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search hits: %w", err)
	}
	return results, total, nil
}

func escapeLike(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(s)
}
