package store

import "time"

// CatalogEntry is one row of the per-organization document catalog,
// upserted on every commit so list and search views never need to walk
// repository history.
type CatalogEntry struct {
	OrgID         string
	DocumentID    string
	Title         string
	Status        string
	AiracCycle    string
	Country       string
	Airport       string
	EffectiveDate time.Time
	CommitHash    string
	UpdatedBy     string
	UpdatedAt     time.Time
}

// WorkflowRecord is the persisted form of an approval workflow. Queryable
// attributes are columns; the full workflow (approvals, audit trail,
// compliance) is the JSON payload.
type WorkflowRecord struct {
	ID          string
	OrgID       string
	DocumentID  string
	State       string
	Criticality string
	InitiatedAt time.Time
	CompletedAt *time.Time
	Payload     []byte
}
