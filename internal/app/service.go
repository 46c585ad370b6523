// Package app composes the version-control, workflow, catalog, search and
// archive layers behind one facade. Callers (the CLI, an API surface)
// talk to the Service; the Service owns the cross-layer consistency rules.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"eaip/engine/internal/config"
	"eaip/engine/internal/diff"
	"eaip/engine/internal/document"
	"eaip/engine/internal/gitrepo"
	"eaip/engine/internal/metrics"
	"eaip/engine/internal/notify"
	"eaip/engine/internal/search"
	"eaip/engine/internal/store"
	"eaip/engine/internal/workflow"
)

// How long a workflow may hold its document lock before Redis reclaims it.
// Generous on purpose: CRITICAL reviews can straddle two AIRAC cycles.
const workflowLockTTL = 60 * 24 * time.Hour

type dataStore interface {
	UpsertCatalogEntry(ctx context.Context, entry store.CatalogEntry) error
	DeleteCatalogEntry(ctx context.Context, orgID, documentID string) error
	ListCatalog(ctx context.Context, orgID string) ([]store.CatalogEntry, error)
	InsertWorkflow(ctx context.Context, record store.WorkflowRecord) error
	UpdateWorkflow(ctx context.Context, record store.WorkflowRecord) error
	GetWorkflow(ctx context.Context, id string) (store.WorkflowRecord, error)
	GetActiveWorkflow(ctx context.Context, orgID, documentID string) (*store.WorkflowRecord, error)
	ListWorkflows(ctx context.Context, orgID string) ([]store.WorkflowRecord, error)
}

type gitService interface {
	EnsureOrgRepo(orgID, orgName string) error
	CommitDocument(orgID, branch string, snap document.Snapshot, author gitrepo.Identity, message string) (gitrepo.CommitResult, error)
	DeleteDocument(orgID, branch, docID string, author gitrepo.Identity, message string) (gitrepo.CommitMeta, error)
	History(orgID, branch, docID string, limit int) ([]gitrepo.CommitMeta, error)
	ReadAt(orgID, docID, revision string) (document.Snapshot, error)
	Head(orgID, branch string) (gitrepo.CommitMeta, error)
	StartReviewBranch(orgID, name, from string) error
	Merge(orgID, source, target string, merger gitrepo.Identity, message string) (gitrepo.CommitMeta, error)
	TagRelease(orgID, tagName, revision, message string, tagger gitrepo.Identity) error
	ListTags(orgID string) ([]string, error)
	TagCommit(orgID, tagName string) (gitrepo.CommitMeta, error)
}

type lockStore interface {
	Acquire(ctx context.Context, orgID, documentID, workflowID string, ttl time.Duration) error
	Release(ctx context.Context, orgID, documentID, workflowID string) error
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexDocument(rec search.DocumentRecord)
	DeleteDocument(orgID, documentID string)
}

type archiveStore interface {
	PutRelease(ctx context.Context, orgID, tag, documentID string, snapshot []byte) error
	GetRelease(ctx context.Context, orgID, tag, documentID string) ([]byte, error)
	ListRelease(ctx context.Context, orgID, tag string) ([]string, error)
}

type notifier interface {
	IsConfigured() bool
	DecisionRecorded(ev notify.Event) error
	ReleasePublished(ev notify.Event) error
}

type Service struct {
	cfg     config.Config
	store   dataStore
	git     gitService
	locks   lockStore
	engine  *workflow.Engine
	search  searchService // nil when search is not configured
	archive archiveStore  // nil when object storage is not configured
	notify  notifier      // nil when SMTP is not configured
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func New(cfg config.Config, dataStore dataStore, gitService gitService, locks lockStore, engine *workflow.Engine, log zerolog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		cfg:     cfg,
		store:   dataStore,
		git:     gitService,
		locks:   locks,
		engine:  engine,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// WithSearch attaches the catalog search facade.
func (s *Service) WithSearch(svc searchService) *Service {
	s.search = svc
	return s
}

// WithArchive attaches the release archive.
func (s *Service) WithArchive(a archiveStore) *Service {
	s.archive = a
	return s
}

// WithNotifier attaches the workflow notification service.
func (s *Service) WithNotifier(n notifier) *Service {
	s.notify = n
	return s
}

// EnsureOrg provisions the isolated repository for an organisation. Safe to
// call repeatedly.
func (s *Service) EnsureOrg(ctx context.Context, orgID, orgName string) error {
	if strings.TrimSpace(orgID) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "organisation id is required", nil)
	}
	if err := s.git.EnsureOrgRepo(orgID, orgName); err != nil {
		return mapError(err)
	}
	return nil
}

// SaveDocument commits a snapshot to a branch. Identical content is a
// successful no-op. Commits on main also refresh the catalog and the
// search index; review-branch commits touch the repository only.
func (s *Service) SaveDocument(ctx context.Context, orgID, branch string, snap document.Snapshot, author gitrepo.Identity, message string) (gitrepo.CommitResult, error) {
	if err := validateSnapshot(snap); err != nil {
		return gitrepo.CommitResult{}, err
	}

	result, err := s.git.CommitDocument(orgID, branch, snap, author, message)
	if err != nil {
		return gitrepo.CommitResult{}, mapError(err)
	}
	if result.NoChanges {
		s.metrics.NoopCommitsTotal.Inc()
		return result, nil
	}
	s.metrics.CommitsTotal.WithLabelValues(orgID).Inc()
	s.log.Info().
		Str("org", orgID).
		Str("document", snap.ID).
		Str("branch", branch).
		Str("commit", result.Commit.ShortHash).
		Msg("snapshot committed")

	if branch != gitrepo.MainBranch {
		return result, nil
	}

	entry := store.CatalogEntry{
		OrgID:         orgID,
		DocumentID:    snap.ID,
		Title:         snap.Title,
		Status:        snap.Status,
		AiracCycle:    snap.AiracCycle,
		Country:       snap.Country,
		Airport:       snap.Airport,
		EffectiveDate: snap.EffectiveDate,
		CommitHash:    result.Commit.Hash,
		UpdatedBy:     author.Name,
		UpdatedAt:     result.Commit.When,
	}
	if err := s.store.UpsertCatalogEntry(ctx, entry); err != nil {
		return gitrepo.CommitResult{}, mapError(fmt.Errorf("catalog upsert after commit %s: %w", result.Commit.ShortHash, err))
	}
	if s.search != nil {
		s.search.IndexDocument(search.DocumentRecord{
			ID:            search.RecordID(orgID, snap.ID),
			OrgID:         orgID,
			DocumentID:    snap.ID,
			Title:         snap.Title,
			Status:        snap.Status,
			Country:       snap.Country,
			Airport:       snap.Airport,
			AiracCycle:    snap.AiracCycle,
			EffectiveDate: snap.EffectiveDate.Format("2006-01-02"),
		})
	}
	return result, nil
}

// RemoveDocument deletes a document from a branch. On main it also drops
// the catalog row and the search record.
func (s *Service) RemoveDocument(ctx context.Context, orgID, branch, docID string, author gitrepo.Identity, message string) (gitrepo.CommitMeta, error) {
	meta, err := s.git.DeleteDocument(orgID, branch, docID, author, message)
	if err != nil {
		return gitrepo.CommitMeta{}, mapError(err)
	}
	if branch == gitrepo.MainBranch {
		if err := s.store.DeleteCatalogEntry(ctx, orgID, docID); err != nil {
			return gitrepo.CommitMeta{}, mapError(err)
		}
		if s.search != nil {
			s.search.DeleteDocument(orgID, docID)
		}
	}
	return meta, nil
}

// GetDocument reads a snapshot at any revision: a branch name, a tag, or a
// commit hash.
func (s *Service) GetDocument(ctx context.Context, orgID, docID, revision string) (document.Snapshot, error) {
	snap, err := s.git.ReadAt(orgID, docID, revision)
	if err != nil {
		return document.Snapshot{}, mapError(err)
	}
	return snap, nil
}

// History lists the commits that touched one document, newest first.
func (s *Service) History(ctx context.Context, orgID, branch, docID string, limit int) ([]gitrepo.CommitMeta, error) {
	commits, err := s.git.History(orgID, branch, docID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	return commits, nil
}

// ListDocuments returns the catalog view of an organisation's documents.
func (s *Service) ListDocuments(ctx context.Context, orgID string) ([]store.CatalogEntry, error) {
	entries, err := s.store.ListCatalog(ctx, orgID)
	if err != nil {
		return nil, mapError(err)
	}
	return entries, nil
}

// SearchDocuments runs a full-text query over the organisation's catalog.
func (s *Service) SearchDocuments(ctx context.Context, q search.Query) (search.Response, error) {
	if q.OrgID == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "organisation id is required", nil)
	}
	if s.search == nil {
		return search.Response{}, domainError(http.StatusNotImplemented, "SEARCH_DISABLED", "search is not configured", nil)
	}
	s.metrics.SearchesTotal.WithLabelValues("service").Inc()
	return s.search.Search(q), nil
}

// Diff computes the structural change set for a document between two
// revisions. A document missing at the old revision diffs against an
// empty snapshot, so a first commit reads as pure additions.
func (s *Service) Diff(ctx context.Context, orgID, docID, fromRev, toRev string) (diff.ChangeSet, error) {
	started := time.Now()

	oldSnap, err := s.git.ReadAt(orgID, docID, fromRev)
	if err != nil && !isNotFound(err) {
		return diff.ChangeSet{}, mapError(err)
	}
	newSnap, err := s.git.ReadAt(orgID, docID, toRev)
	if err != nil {
		return diff.ChangeSet{}, mapError(err)
	}

	changes := diff.Compute(oldSnap, newSnap)
	s.metrics.DiffDuration.Observe(time.Since(started).Seconds())
	return changes, nil
}

// CompareWithPrevious diffs a document's branch tip against the commit
// before it. A document with a single commit compares against empty.
func (s *Service) CompareWithPrevious(ctx context.Context, orgID, branch, docID string) (diff.ChangeSet, error) {
	commits, err := s.git.History(orgID, branch, docID, 2)
	if err != nil {
		return diff.ChangeSet{}, mapError(err)
	}
	if len(commits) == 0 {
		return diff.ChangeSet{}, mapError(gitrepo.ErrNotFound)
	}

	newSnap, err := s.git.ReadAt(orgID, docID, commits[0].Hash)
	if err != nil {
		return diff.ChangeSet{}, mapError(err)
	}
	var oldSnap document.Snapshot
	if len(commits) > 1 {
		oldSnap, err = s.git.ReadAt(orgID, docID, commits[1].Hash)
		if err != nil && !isNotFound(err) {
			return diff.ChangeSet{}, mapError(err)
		}
	}
	return diff.Compute(oldSnap, newSnap), nil
}

// StartReview creates (or reuses) a review branch from a starting revision.
func (s *Service) StartReview(ctx context.Context, orgID, name, from string) error {
	if strings.TrimSpace(name) == "" || name == gitrepo.MainBranch {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "review branch needs a name other than main", nil)
	}
	if err := s.git.StartReviewBranch(orgID, name, from); err != nil {
		return mapError(err)
	}
	return nil
}

// MergeReview merges a review branch into a target branch. Conflicting
// document edits on both sides surface as MERGE_CONFLICT.
func (s *Service) MergeReview(ctx context.Context, orgID, source, target string, merger gitrepo.Identity, message string) (gitrepo.CommitMeta, error) {
	meta, err := s.git.Merge(orgID, source, target, merger, message)
	if err != nil {
		outcome := "error"
		if isMergeConflict(err) {
			outcome = "conflict"
		}
		s.metrics.MergesTotal.WithLabelValues(outcome).Inc()
		return gitrepo.CommitMeta{}, mapError(err)
	}
	s.metrics.MergesTotal.WithLabelValues("merged").Inc()
	s.log.Info().
		Str("org", orgID).
		Str("source", source).
		Str("target", target).
		Str("commit", meta.ShortHash).
		Msg("review branch merged")
	return meta, nil
}

// TagRelease pins a revision under an immutable release tag.
func (s *Service) TagRelease(ctx context.Context, orgID, tagName, revision, message string, tagger gitrepo.Identity) error {
	if err := s.git.TagRelease(orgID, tagName, revision, message, tagger); err != nil {
		return mapError(err)
	}
	s.metrics.TagsTotal.Inc()
	return nil
}

// ListTags returns the organisation's release tags, sorted.
func (s *Service) ListTags(ctx context.Context, orgID string) ([]string, error) {
	tags, err := s.git.ListTags(orgID)
	if err != nil {
		return nil, mapError(err)
	}
	return tags, nil
}

// ReleaseArtifacts lists the document ids archived under a release tag.
func (s *Service) ReleaseArtifacts(ctx context.Context, orgID, tag string) ([]string, error) {
	if s.archive == nil {
		return nil, domainError(http.StatusNotImplemented, "ARCHIVE_DISABLED", "release archive is not configured", nil)
	}
	docs, err := s.archive.ListRelease(ctx, orgID, tag)
	if err != nil {
		return nil, mapError(err)
	}
	return docs, nil
}

// ArchivedSnapshot fetches the snapshot JSON archived for a document under a
// release tag. The archive keeps the bytes exactly as published, so the
// result is stable even if the repository is rewritten later.
func (s *Service) ArchivedSnapshot(ctx context.Context, orgID, tag, documentID string) ([]byte, error) {
	if s.archive == nil {
		return nil, domainError(http.StatusNotImplemented, "ARCHIVE_DISABLED", "release archive is not configured", nil)
	}
	raw, err := s.archive.GetRelease(ctx, orgID, tag, documentID)
	if err != nil {
		return nil, mapError(err)
	}
	return raw, nil
}

func validateSnapshot(snap document.Snapshot) error {
	if strings.TrimSpace(snap.ID) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "document id is required", nil)
	}
	if strings.TrimSpace(snap.Title) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "document title is required", nil)
	}
	return nil
}

func isNotFound(err error) bool {
	de, ok := mapError(err).(*DomainError)
	return ok && de.Code == "NOT_FOUND"
}

func isMergeConflict(err error) bool {
	de, ok := mapError(err).(*DomainError)
	return ok && de.Code == "MERGE_CONFLICT"
}

func encodeWorkflow(w *workflow.Workflow) (store.WorkflowRecord, error) {
	payload, err := json.Marshal(w)
	if err != nil {
		return store.WorkflowRecord{}, fmt.Errorf("encode workflow %s: %w", w.ID, err)
	}
	return store.WorkflowRecord{
		ID:          w.ID,
		OrgID:       w.OrgID,
		DocumentID:  w.DocumentID,
		State:       string(w.CurrentState),
		Criticality: string(w.Criticality),
		InitiatedAt: w.InitiatedAt,
		CompletedAt: w.CompletedAt,
		Payload:     payload,
	}, nil
}

func decodeWorkflow(rec store.WorkflowRecord) (*workflow.Workflow, error) {
	var w workflow.Workflow
	if err := json.Unmarshal(rec.Payload, &w); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", rec.ID, err)
	}
	return &w, nil
}
