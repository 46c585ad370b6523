// Package workflow implements the multi-stage approval state machine that
// gates whether a document snapshot may be published. One workflow instance
// exists per document review cycle; approvals and audit entries are
// append-only and immutable once recorded.
package workflow

import (
	"errors"
	"time"
)

type State string

const (
	StateDraft             State = "draft"
	StateTechnicalReview   State = "technical_review"
	StateOperationalReview State = "operational_review"
	StateAuthorityApproval State = "authority_approval"
	StateFinalReview       State = "final_review"
	StateApproved          State = "approved"
	StatePublished         State = "published"
	StateRejected          State = "rejected"
	StateWithdrawn         State = "withdrawn"
)

// Terminal reports whether no further decisions may be recorded.
func (s State) Terminal() bool {
	switch s {
	case StateApproved, StatePublished, StateRejected, StateWithdrawn:
		return true
	}
	return false
}

type Criticality string

const (
	CriticalityCritical  Criticality = "CRITICAL"
	CriticalityEssential Criticality = "ESSENTIAL"
	CriticalityRoutine   Criticality = "ROUTINE"
)

// RequiredLevels returns the ordered approval levels a criticality class
// mandates.
func (c Criticality) RequiredLevels() []State {
	switch c {
	case CriticalityCritical:
		return []State{StateTechnicalReview, StateOperationalReview, StateAuthorityApproval, StateFinalReview}
	case CriticalityEssential:
		return []State{StateTechnicalReview, StateOperationalReview, StateAuthorityApproval}
	default:
		return []State{StateTechnicalReview, StateOperationalReview}
	}
}

type Decision string

const (
	DecisionApprove        Decision = "approve"
	DecisionReject         Decision = "reject"
	DecisionRequestChanges Decision = "request_changes"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ReviewCycle is the AIRAC publication cadence; review must complete one
// cycle before the document's effective date.
const ReviewCycle = 28 * 24 * time.Hour

// Signature is the tamper-evidence record attached to every decision: a
// sha256 digest over the canonical decision payload. It is not a
// cryptographic non-repudiation signature.
type Signature struct {
	Algorithm string    `json:"algorithm"`
	Digest    string    `json:"digest"`
	SignedAt  time.Time `json:"signedAt"`
}

// Approval is one authority's recorded decision at one required level.
type Approval struct {
	ID        string    `json:"id"`
	Level     State     `json:"level"`
	Actor     string    `json:"actor"`
	ActorRole string    `json:"actorRole"`
	Decision  Decision  `json:"decision"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Signature Signature `json:"signature"`
}

type AuditEntry struct {
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	PerformedBy string    `json:"performedBy"`
	State       State     `json:"state"`
	Comment     string    `json:"comment,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Compliance is attached to the workflow for downstream reporting. Whether
// it hard-gates publication is the caller's choice.
type Compliance struct {
	ICAOCompliant        bool      `json:"icaoCompliant"`
	EurocontrolCompliant bool      `json:"eurocontrolCompliant"`
	DataQualityVerified  bool      `json:"dataQualityVerified"`
	SecurityCleared      bool      `json:"securityCleared"`
	Issues               []string  `json:"issues,omitempty"`
	ValidatedBy          string    `json:"validatedBy,omitempty"`
	ValidatedAt          time.Time `json:"validatedAt,omitempty"`
}

// Clean reports whether every compliance dimension passed.
func (c Compliance) Clean() bool {
	return c.ICAOCompliant && c.EurocontrolCompliant && c.DataQualityVerified && c.SecurityCleared
}

// Workflow is one active document review cycle.
type Workflow struct {
	ID               string       `json:"id"`
	OrgID            string       `json:"orgId"`
	DocumentID       string       `json:"documentId"`
	DocumentTitle    string       `json:"documentTitle"`
	Criticality      Criticality  `json:"criticality"`
	CurrentState     State        `json:"currentState"`
	RequiredLevels   []State      `json:"requiredLevels"`
	Approvals        []Approval   `json:"approvals"`
	InitiatedBy      string       `json:"initiatedBy"`
	InitiatedAt      time.Time    `json:"initiatedAt"`
	CompletedAt      *time.Time   `json:"completedAt,omitempty"`
	TargetCompletion time.Time    `json:"targetCompletion"`
	Priority         Priority     `json:"priority"`
	Compliance       Compliance   `json:"compliance"`
	AuditTrail       []AuditEntry `json:"auditTrail"`
}

// Complete reports whether every required level has at least one approve
// decision, regardless of the order decisions arrived in.
func (w *Workflow) Complete() bool {
	approved := make(map[State]bool, len(w.Approvals))
	for _, a := range w.Approvals {
		if a.Decision == DecisionApprove {
			approved[a.Level] = true
		}
	}
	for _, level := range w.RequiredLevels {
		if !approved[level] {
			return false
		}
	}
	return true
}

// AuthorityPolicy maps each approval level to the roles allowed to decide
// at it. It is injected so authority rules are testable and
// tenant-overridable without code changes.
type AuthorityPolicy map[State][]string

// Allows reports whether a role may record decisions at a level.
func (p AuthorityPolicy) Allows(level State, role string) bool {
	for _, allowed := range p[level] {
		if allowed == role {
			return true
		}
	}
	return false
}

// DefaultAuthorityPolicy is the standard aviation review authority table.
func DefaultAuthorityPolicy() AuthorityPolicy {
	return AuthorityPolicy{
		StateTechnicalReview:   {"technical_reviewer", "senior_technical_reviewer", "authority_approver"},
		StateOperationalReview: {"operational_reviewer", "senior_operational_reviewer", "authority_approver"},
		StateAuthorityApproval: {"authority_approver", "senior_authority_approver"},
		StateFinalReview:       {"final_reviewer", "authority_approver"},
	}
}

// DeterminePriority derives urgency purely from days until the effective
// date.
func DeterminePriority(effectiveDate, now time.Time) Priority {
	daysUntil := effectiveDate.Sub(now).Hours() / 24
	switch {
	case daysUntil < 7:
		return PriorityCritical
	case daysUntil < 14:
		return PriorityHigh
	case daysUntil < 28:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

var (
	// ErrInsufficientAuthority reports an actor whose role is not in the
	// allowed set for the targeted approval level.
	ErrInsufficientAuthority = errors.New("insufficient authority for this approval level")

	// ErrInvalidTransition reports a decision against a workflow already in
	// a terminal state.
	ErrInvalidTransition = errors.New("workflow is in a terminal state")

	// ErrUnknownLevel reports a decision against a level the workflow does
	// not require.
	ErrUnknownLevel = errors.New("approval level not required by this workflow")

	// ErrUnknownDecision reports a decision value outside the approve,
	// reject and request_changes set.
	ErrUnknownDecision = errors.New("unknown decision value")
)
