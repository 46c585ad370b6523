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

// Healthy always reports true: without Postgres there is no engine to search.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the document catalog with ts_rank ordering
// and ts_headline snippets, scoped to a single organisation.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	if q.OrgID == "" {
		return nil, 0, fmt.Errorf("search: query missing org id")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "c.org_id = $2 AND c.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text, q.OrgID}
	argN := 3
	if q.Country != "" {
		where += fmt.Sprintf(" AND c.country = $%d", argN)
		args = append(args, q.Country)
		argN++
	}
	if q.Status != "" {
		where += fmt.Sprintf(" AND c.status = $%d", argN)
		args = append(args, q.Status)
		argN++
	}

	query := fmt.Sprintf(`
		SELECT c.org_id, c.document_id, c.title, c.status, c.country,
			coalesce(c.airport, '') AS airport, c.airac_cycle,
			coalesce(to_char(c.effective_date, 'YYYY-MM-DD'), '') AS effective_date,
			ts_headline('english', c.title, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			count(*) OVER() AS total
		FROM document_catalog c
		WHERE %s
		ORDER BY ts_rank(c.fts, plainto_tsquery('english', $1)) DESC, c.updated_at DESC
		LIMIT $%d OFFSET $%d`, where, argN, argN+1)
	args = append(args, limit, offset)

	rows, err := p.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.OrgID, &r.DocumentID, &r.Title, &r.Status, &r.Country,
			&r.Airport, &r.AiracCycle, &r.EffectiveDate, &r.Snippet, &total); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.ID = RecordID(r.OrgID, r.DocumentID)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords reads every catalog row for reindexing into Meilisearch.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT org_id, document_id, title, status, country,
			coalesce(airport, ''), airac_cycle,
			coalesce(to_char(effective_date, 'YYYY-MM-DD'), '')
		FROM document_catalog`)
	if err != nil {
		return nil, fmt.Errorf("pgfts load records: %w", err)
	}
	defer rows.Close()

	var recs []DocumentRecord
	for rows.Next() {
		var rec DocumentRecord
		if err := rows.Scan(&rec.OrgID, &rec.DocumentID, &rec.Title, &rec.Status,
			&rec.Country, &rec.Airport, &rec.AiracCycle, &rec.EffectiveDate); err != nil {
			return nil, fmt.Errorf("pgfts load scan: %w", err)
		}
		rec.ID = RecordID(rec.OrgID, rec.DocumentID)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
