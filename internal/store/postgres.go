package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) UpsertCatalogEntry(ctx context.Context, entry CatalogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_catalog
			(org_id, document_id, title, status, airac_cycle, country, airport, effective_date, commit_hash, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (org_id, document_id) DO UPDATE SET
			title=EXCLUDED.title,
			status=EXCLUDED.status,
			airac_cycle=EXCLUDED.airac_cycle,
			country=EXCLUDED.country,
			airport=EXCLUDED.airport,
			effective_date=EXCLUDED.effective_date,
			commit_hash=EXCLUDED.commit_hash,
			updated_by=EXCLUDED.updated_by,
			updated_at=EXCLUDED.updated_at
	`, entry.OrgID, entry.DocumentID, entry.Title, entry.Status, entry.AiracCycle,
		entry.Country, entry.Airport, entry.EffectiveDate, entry.CommitHash,
		entry.UpdatedBy, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert catalog entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCatalogEntry(ctx context.Context, orgID, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM document_catalog WHERE org_id=$1 AND document_id=$2`, orgID, documentID)
	if err != nil {
		return fmt.Errorf("delete catalog entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCatalog(ctx context.Context, orgID string) ([]CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT org_id, document_id, title, status, airac_cycle, country, airport, effective_date, commit_hash, updated_by, updated_at
		FROM document_catalog
		WHERE org_id=$1
		ORDER BY title
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	defer rows.Close()
	return scanCatalog(rows)
}

func scanCatalog(rows *sql.Rows) ([]CatalogEntry, error) {
	var entries []CatalogEntry
	for rows.Next() {
		var entry CatalogEntry
		if err := rows.Scan(&entry.OrgID, &entry.DocumentID, &entry.Title, &entry.Status,
			&entry.AiracCycle, &entry.Country, &entry.Airport, &entry.EffectiveDate,
			&entry.CommitHash, &entry.UpdatedBy, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog rows: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) InsertWorkflow(ctx context.Context, record WorkflowRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_workflows
			(id, org_id, document_id, state, criticality, initiated_at, completed_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, record.ID, record.OrgID, record.DocumentID, record.State, record.Criticality,
		record.InitiatedAt, record.CompletedAt, record.Payload)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateWorkflow(ctx context.Context, record WorkflowRecord) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE approval_workflows
		SET state=$2, completed_at=$3, payload=$4
		WHERE id=$1
	`, record.ID, record.State, record.CompletedAt, record.Payload)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update workflow rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("workflow %s: %w", record.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (WorkflowRecord, error) {
	var record WorkflowRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, document_id, state, criticality, initiated_at, completed_at, payload
		FROM approval_workflows
		WHERE id=$1
	`, id).Scan(&record.ID, &record.OrgID, &record.DocumentID, &record.State,
		&record.Criticality, &record.InitiatedAt, &record.CompletedAt, &record.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkflowRecord{}, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return WorkflowRecord{}, fmt.Errorf("get workflow: %w", err)
	}
	return record, nil
}

// GetActiveWorkflow returns the single non-terminal workflow for a
// document, or nil when none is active. The schema enforces at most one
// via a partial unique index.
func (s *PostgresStore) GetActiveWorkflow(ctx context.Context, orgID, documentID string) (*WorkflowRecord, error) {
	var record WorkflowRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, document_id, state, criticality, initiated_at, completed_at, payload
		FROM approval_workflows
		WHERE org_id=$1 AND document_id=$2
		  AND state NOT IN ('approved', 'published', 'rejected', 'withdrawn')
	`, orgID, documentID).Scan(&record.ID, &record.OrgID, &record.DocumentID, &record.State,
		&record.Criticality, &record.InitiatedAt, &record.CompletedAt, &record.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active workflow: %w", err)
	}
	return &record, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, orgID string) ([]WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, document_id, state, criticality, initiated_at, completed_at, payload
		FROM approval_workflows
		WHERE org_id=$1
		ORDER BY initiated_at DESC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var records []WorkflowRecord
	for rows.Next() {
		var record WorkflowRecord
		if err := rows.Scan(&record.ID, &record.OrgID, &record.DocumentID, &record.State,
			&record.Criticality, &record.InitiatedAt, &record.CompletedAt, &record.Payload); err != nil {
			return nil, fmt.Errorf("scan workflow row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow rows: %w", err)
	}
	return records, nil
}
