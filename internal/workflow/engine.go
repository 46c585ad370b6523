package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"eaip/engine/internal/document"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine drives workflow instances. Decision submissions against the same
// workflow are serialized by a per-workflow lock so two decisions can never
// both observe "not yet complete" and double-advance state.
type Engine struct {
	policy AuthorityPolicy
	log    zerolog.Logger
	now    func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewEngine(policy AuthorityPolicy, log zerolog.Logger) *Engine {
	if policy == nil {
		policy = DefaultAuthorityPolicy()
	}
	return &Engine{
		policy: policy,
		log:    log,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the engine clock. Tests use it to pin priority and
// deadline computation.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Initiate starts a review cycle for a document. The workflow enters the
// first required level immediately; the target completion date leaves one
// full review cycle before the document becomes effective.
func (e *Engine) Initiate(orgID string, doc document.Snapshot, initiator string, criticality Criticality) *Workflow {
	now := e.now()
	levels := criticality.RequiredLevels()
	w := &Workflow{
		ID:               uuid.NewString(),
		OrgID:            orgID,
		DocumentID:       doc.ID,
		DocumentTitle:    doc.Title,
		Criticality:      criticality,
		CurrentState:     levels[0],
		RequiredLevels:   levels,
		InitiatedBy:      initiator,
		InitiatedAt:      now,
		TargetCompletion: doc.EffectiveDate.Add(-ReviewCycle),
		Priority:         DeterminePriority(doc.EffectiveDate, now),
		AuditTrail: []AuditEntry{{
			ID:          uuid.NewString(),
			Action:      "workflow_initiated",
			PerformedBy: initiator,
			State:       levels[0],
			Comment:     fmt.Sprintf("%s approval workflow initiated", criticality),
			Timestamp:   now,
		}},
	}
	e.log.Info().
		Str("org", orgID).
		Str("document", doc.ID).
		Str("workflow", w.ID).
		Str("criticality", string(criticality)).
		Str("priority", string(w.Priority)).
		Msg("workflow initiated")
	return w
}

// RecordDecision appends one authority decision and advances the state
// machine. Authority and transition violations are rejected before any
// mutation, so a failed call never leaves a partial Approval behind.
func (e *Engine) RecordDecision(w *Workflow, level State, actor, role string, decision Decision, comment string) error {
	lock := e.workflowLock(w.ID)
	lock.Lock()
	defer lock.Unlock()

	if w.CurrentState.Terminal() {
		return fmt.Errorf("workflow %s in state %s: %w", w.ID, w.CurrentState, ErrInvalidTransition)
	}
	if !e.requires(w, level) {
		return fmt.Errorf("workflow %s level %s: %w", w.ID, level, ErrUnknownLevel)
	}
	if !e.policy.Allows(level, role) {
		return fmt.Errorf("role %s at level %s: %w", role, level, ErrInsufficientAuthority)
	}
	switch decision {
	case DecisionApprove, DecisionReject, DecisionRequestChanges:
	default:
		return fmt.Errorf("decision %q: %w", decision, ErrUnknownDecision)
	}

	now := e.now()
	w.Approvals = append(w.Approvals, Approval{
		ID:        uuid.NewString(),
		Level:     level,
		Actor:     actor,
		ActorRole: role,
		Decision:  decision,
		Comment:   comment,
		Timestamp: now,
		Signature: signDecision(w.DocumentID, level, decision, actor, now),
	})
	w.AuditTrail = append(w.AuditTrail, AuditEntry{
		ID:          uuid.NewString(),
		Action:      string(decision),
		PerformedBy: actor,
		State:       w.CurrentState,
		Comment:     comment,
		Timestamp:   now,
	})

	switch decision {
	case DecisionApprove:
		// nextState resolves to StateApproved once every required level has
		// an approve decision, whatever order they arrived in.
		w.CurrentState = e.nextState(w)
		if w.CurrentState == StateApproved && w.CompletedAt == nil {
			completed := now
			w.CompletedAt = &completed
		}
	case DecisionReject:
		w.CurrentState = StateRejected
	case DecisionRequestChanges:
		w.CurrentState = StateDraft
	}

	e.log.Info().
		Str("workflow", w.ID).
		Str("level", string(level)).
		Str("decision", string(decision)).
		Str("state", string(w.CurrentState)).
		Msg("decision recorded")
	return nil
}

// Withdraw terminates a workflow explicitly. It is a terminal transition,
// not a cancellation of work already recorded.
func (e *Engine) Withdraw(w *Workflow, actor, comment string) error {
	lock := e.workflowLock(w.ID)
	lock.Lock()
	defer lock.Unlock()

	if w.CurrentState.Terminal() {
		return fmt.Errorf("workflow %s in state %s: %w", w.ID, w.CurrentState, ErrInvalidTransition)
	}
	w.AuditTrail = append(w.AuditTrail, AuditEntry{
		ID:          uuid.NewString(),
		Action:      "withdrawn",
		PerformedBy: actor,
		State:       w.CurrentState,
		Comment:     comment,
		Timestamp:   e.now(),
	})
	w.CurrentState = StateWithdrawn
	return nil
}

// MarkPublished records the final transition after a release tag exists.
func (e *Engine) MarkPublished(w *Workflow, actor string) error {
	lock := e.workflowLock(w.ID)
	lock.Lock()
	defer lock.Unlock()

	if w.CurrentState != StateApproved {
		return fmt.Errorf("workflow %s in state %s: %w", w.ID, w.CurrentState, ErrInvalidTransition)
	}
	w.AuditTrail = append(w.AuditTrail, AuditEntry{
		ID:          uuid.NewString(),
		Action:      "published",
		PerformedBy: actor,
		State:       StateApproved,
		Timestamp:   e.now(),
	})
	w.CurrentState = StatePublished
	return nil
}

func (e *Engine) requires(w *Workflow, level State) bool {
	for _, required := range w.RequiredLevels {
		if required == level {
			return true
		}
	}
	return false
}

// nextState returns the first required level without an approve decision,
// in sequence order; all levels approved resolves to StateApproved.
func (e *Engine) nextState(w *Workflow) State {
	approved := make(map[State]bool, len(w.Approvals))
	for _, a := range w.Approvals {
		if a.Decision == DecisionApprove {
			approved[a.Level] = true
		}
	}
	for _, level := range w.RequiredLevels {
		if !approved[level] {
			return level
		}
	}
	return StateApproved
}

func (e *Engine) workflowLock(id string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	return lock
}

// signDecision computes the tamper-evidence digest over the canonical
// decision payload.
func signDecision(documentID string, level State, decision Decision, actor string, when time.Time) Signature {
	payload, _ := json.Marshal(struct {
		DocumentID string `json:"documentId"`
		Level      State  `json:"approvalLevel"`
		Decision   Decision `json:"decision"`
		Actor      string `json:"actor"`
		Timestamp  string `json:"timestamp"`
	}{documentID, level, decision, actor, when.UTC().Format(time.RFC3339Nano)})
	digest := sha256.Sum256(payload)
	return Signature{
		Algorithm: "SHA-256",
		Digest:    hex.EncodeToString(digest[:]),
		SignedAt:  when,
	}
}
