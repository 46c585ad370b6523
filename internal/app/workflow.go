package app

import (
	"context"
	"fmt"
	"net/http"

	"eaip/engine/internal/document"
	"eaip/engine/internal/gitrepo"
	"eaip/engine/internal/notify"
	"eaip/engine/internal/workflow"
)

// InitiateWorkflow opens an approval workflow for the document at the tip
// of main. The Redis lock and the partial unique index in Postgres both
// enforce the one-active-workflow rule; the lock catches races, the index
// is the backstop.
func (s *Service) InitiateWorkflow(ctx context.Context, orgID, docID, initiator string, criticality workflow.Criticality) (*workflow.Workflow, error) {
	snap, err := s.git.ReadAt(orgID, docID, gitrepo.MainBranch)
	if err != nil {
		return nil, mapError(err)
	}

	active, err := s.store.GetActiveWorkflow(ctx, orgID, docID)
	if err != nil {
		return nil, mapError(err)
	}
	if active != nil {
		return nil, domainError(http.StatusConflict, "WORKFLOW_ACTIVE", "document already has an active workflow", map[string]any{"workflowId": active.ID})
	}

	w := s.engine.Initiate(orgID, snap, initiator, criticality)

	if err := s.locks.Acquire(ctx, orgID, docID, w.ID, workflowLockTTL); err != nil {
		return nil, mapError(err)
	}
	rec, err := encodeWorkflow(w)
	if err != nil {
		return nil, mapError(err)
	}
	if err := s.store.InsertWorkflow(ctx, rec); err != nil {
		// Roll the lock back so the document is not stuck until TTL expiry.
		if relErr := s.locks.Release(ctx, orgID, docID, w.ID); relErr != nil {
			s.log.Warn().Err(relErr).Str("workflow", w.ID).Msg("lock release after failed insert")
		}
		return nil, mapError(err)
	}

	s.log.Info().
		Str("org", orgID).
		Str("document", docID).
		Str("workflow", w.ID).
		Str("criticality", string(criticality)).
		Str("priority", string(w.Priority)).
		Msg("workflow initiated")
	return w, nil
}

// RecordDecision applies one authority decision to a workflow and persists
// the result. Terminal outcomes release the document lock.
func (s *Service) RecordDecision(ctx context.Context, workflowID string, level workflow.State, actor, role string, decision workflow.Decision, comment string) (*workflow.Workflow, error) {
	w, err := s.loadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if err := s.engine.RecordDecision(w, level, actor, role, decision, comment); err != nil {
		return nil, mapError(err)
	}
	if err := s.persistWorkflow(ctx, w); err != nil {
		return nil, err
	}

	s.metrics.DecisionsTotal.WithLabelValues(string(decision)).Inc()
	if w.CurrentState.Terminal() {
		s.metrics.WorkflowsTotal.WithLabelValues(string(w.CurrentState)).Inc()
		s.releaseLock(ctx, w)
	}
	s.notifyDecision(w, actor, decision, comment)
	return w, nil
}

// WithdrawWorkflow cancels an in-flight workflow and releases its lock.
func (s *Service) WithdrawWorkflow(ctx context.Context, workflowID, actor, comment string) (*workflow.Workflow, error) {
	w, err := s.loadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Withdraw(w, actor, comment); err != nil {
		return nil, mapError(err)
	}
	if err := s.persistWorkflow(ctx, w); err != nil {
		return nil, err
	}
	s.metrics.WorkflowsTotal.WithLabelValues(string(w.CurrentState)).Inc()
	s.releaseLock(ctx, w)
	return w, nil
}

// ValidateCompliance re-runs the regulatory checks against the document as
// it stands on main and stores the result on the workflow.
func (s *Service) ValidateCompliance(ctx context.Context, workflowID string) (workflow.Compliance, error) {
	w, err := s.loadWorkflow(ctx, workflowID)
	if err != nil {
		return workflow.Compliance{}, err
	}
	snap, err := s.git.ReadAt(w.OrgID, w.DocumentID, gitrepo.MainBranch)
	if err != nil {
		return workflow.Compliance{}, mapError(err)
	}
	compliance := s.engine.ValidateCompliance(w, snap)
	if err := s.persistWorkflow(ctx, w); err != nil {
		return workflow.Compliance{}, err
	}
	return compliance, nil
}

// PublishRelease tags the approved document on main as an immutable
// release, archives the published snapshot, and closes the workflow.
func (s *Service) PublishRelease(ctx context.Context, workflowID, tagName string, tagger gitrepo.Identity) (*workflow.Workflow, error) {
	w, err := s.loadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.CurrentState != workflow.StateApproved {
		return nil, domainError(http.StatusConflict, "INVALID_TRANSITION", "only approved workflows can be published", map[string]any{"state": w.CurrentState})
	}
	if s.cfg.RequireComplianceForPublish && !w.Compliance.Clean() {
		return nil, domainError(http.StatusConflict, "COMPLIANCE_REQUIRED", "compliance validation must pass before publication", map[string]any{"issues": w.Compliance.Issues})
	}

	message := fmt.Sprintf("Release %s\n\nDocument: %s\nWorkflow: %s", tagName, w.DocumentTitle, w.ID)
	if err := s.git.TagRelease(w.OrgID, tagName, gitrepo.MainBranch, message, tagger); err != nil {
		return nil, mapError(err)
	}
	s.metrics.TagsTotal.Inc()

	if s.archive != nil {
		snap, err := s.git.ReadAt(w.OrgID, w.DocumentID, tagName)
		if err != nil {
			return nil, mapError(err)
		}
		data, err := document.Canonical(snap)
		if err != nil {
			return nil, mapError(err)
		}
		if err := s.archive.PutRelease(ctx, w.OrgID, tagName, w.DocumentID, data); err != nil {
			return nil, mapError(err)
		}
	}

	if err := s.engine.MarkPublished(w, tagger.Name); err != nil {
		return nil, mapError(err)
	}
	if err := s.persistWorkflow(ctx, w); err != nil {
		return nil, err
	}
	s.metrics.WorkflowsTotal.WithLabelValues(string(w.CurrentState)).Inc()
	s.releaseLock(ctx, w)

	s.log.Info().
		Str("org", w.OrgID).
		Str("document", w.DocumentID).
		Str("tag", tagName).
		Msg("release published")
	s.notifyPublished(w, tagName, tagger.Name)
	return w, nil
}

func (s *Service) notifyDecision(w *workflow.Workflow, actor string, decision workflow.Decision, comment string) {
	if s.notify == nil || !s.notify.IsConfigured() {
		return
	}
	ev := notify.Event{
		OrgID:         w.OrgID,
		DocumentID:    w.DocumentID,
		DocumentTitle: w.DocumentTitle,
		WorkflowID:    w.ID,
		State:         string(w.CurrentState),
		Actor:         actor,
		Decision:      string(decision),
		Comment:       comment,
		When:          s.now(),
	}
	go func() {
		if err := s.notify.DecisionRecorded(ev); err != nil {
			s.log.Warn().Err(err).Str("workflow", ev.WorkflowID).Msg("decision notification")
		}
	}()
}

func (s *Service) notifyPublished(w *workflow.Workflow, tag, actor string) {
	if s.notify == nil || !s.notify.IsConfigured() {
		return
	}
	ev := notify.Event{
		OrgID:         w.OrgID,
		DocumentID:    w.DocumentID,
		DocumentTitle: w.DocumentTitle,
		WorkflowID:    w.ID,
		Actor:         actor,
		Tag:           tag,
		When:          s.now(),
	}
	go func() {
		if err := s.notify.ReleasePublished(ev); err != nil {
			s.log.Warn().Err(err).Str("workflow", ev.WorkflowID).Msg("publication notification")
		}
	}()
}

// GetWorkflow fetches one workflow with its full approval and audit history.
func (s *Service) GetWorkflow(ctx context.Context, workflowID string) (*workflow.Workflow, error) {
	return s.loadWorkflow(ctx, workflowID)
}

// ActiveWorkflow returns the in-flight workflow for a document, or nil.
func (s *Service) ActiveWorkflow(ctx context.Context, orgID, docID string) (*workflow.Workflow, error) {
	rec, err := s.store.GetActiveWorkflow(ctx, orgID, docID)
	if err != nil {
		return nil, mapError(err)
	}
	if rec == nil {
		return nil, nil
	}
	w, err := decodeWorkflow(*rec)
	if err != nil {
		return nil, mapError(err)
	}
	return w, nil
}

// Report aggregates workflow statistics for an organisation.
func (s *Service) Report(ctx context.Context, orgID string) (workflow.Report, error) {
	records, err := s.store.ListWorkflows(ctx, orgID)
	if err != nil {
		return workflow.Report{}, mapError(err)
	}
	workflows := make([]*workflow.Workflow, 0, len(records))
	for _, rec := range records {
		w, err := decodeWorkflow(rec)
		if err != nil {
			return workflow.Report{}, mapError(err)
		}
		workflows = append(workflows, w)
	}
	return workflow.GenerateReport(workflows, s.now()), nil
}

func (s *Service) loadWorkflow(ctx context.Context, workflowID string) (*workflow.Workflow, error) {
	rec, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, mapError(err)
	}
	w, err := decodeWorkflow(rec)
	if err != nil {
		return nil, mapError(err)
	}
	return w, nil
}

func (s *Service) persistWorkflow(ctx context.Context, w *workflow.Workflow) error {
	rec, err := encodeWorkflow(w)
	if err != nil {
		return mapError(err)
	}
	if err := s.store.UpdateWorkflow(ctx, rec); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Service) releaseLock(ctx context.Context, w *workflow.Workflow) {
	if err := s.locks.Release(ctx, w.OrgID, w.DocumentID, w.ID); err != nil {
		s.log.Warn().Err(err).Str("workflow", w.ID).Msg("workflow lock release")
	}
}
