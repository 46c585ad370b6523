package workflow

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eaip/engine/internal/document"
)

var fixedNow = time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

func testEngine() *Engine {
	return NewEngine(nil, zerolog.Nop()).WithClock(func() time.Time { return fixedNow })
}

func testDoc(effectiveIn time.Duration) document.Snapshot {
	return document.Snapshot{
		ID:            "doc-1",
		Title:         "eAIP Sweden",
		Country:       "Sweden",
		Status:        "review",
		AiracCycle:    "2024-03",
		EffectiveDate: fixedNow.Add(effectiveIn),
		Sections: []document.Section{
			{ID: "gen-1", Type: "GEN", Title: "General", Subsections: []document.Subsection{
				{ID: "s1", Code: "GEN 1.1", Title: "Authorities"},
			}},
		},
	}
}

func TestInitiate(t *testing.T) {
	e := testEngine()
	w := e.Initiate("org-1", testDoc(90*24*time.Hour), "avery", CriticalityEssential)

	assert.NotEmpty(t, w.ID)
	assert.Equal(t, "org-1", w.OrgID)
	assert.Equal(t, StateTechnicalReview, w.CurrentState)
	assert.Equal(t, []State{StateTechnicalReview, StateOperationalReview, StateAuthorityApproval}, w.RequiredLevels)
	assert.Equal(t, PriorityLow, w.Priority)
	assert.Equal(t, fixedNow.Add(90*24*time.Hour).Add(-ReviewCycle), w.TargetCompletion)
	require.Len(t, w.AuditTrail, 1)
	assert.Equal(t, "workflow_initiated", w.AuditTrail[0].Action)
}

func TestRequiredLevelsByCriticality(t *testing.T) {
	assert.Len(t, CriticalityCritical.RequiredLevels(), 4)
	assert.Len(t, CriticalityEssential.RequiredLevels(), 3)
	assert.Len(t, CriticalityRoutine.RequiredLevels(), 2)
}

func TestSequentialApprovalToCompletion(t *testing.T) {
	e := testEngine()
	w := e.Initiate("org-1", testDoc(90*24*time.Hour), "avery", CriticalityRoutine)

	require.NoError(t, e.RecordDecision(w, StateTechnicalReview, "tess", "technical_reviewer", DecisionApprove, "ok"))
	assert.Equal(t, StateOperationalReview, w.CurrentState)
	assert.Nil(t, w.CompletedAt)

	require.NoError(t, e.RecordDecision(w, StateOperationalReview, "olga", "operational_reviewer", DecisionApprove, "ok"))
	assert.Equal(t, StateApproved, w.CurrentState)
	require.NotNil(t, w.CompletedAt)
	assert.Equal(t, fixedNow, *w.CompletedAt)
}

func TestApprovalOrderDoesNotMatter(t *testing.T) {
	levels := CriticalityCritical.RequiredLevels()
	roles := map[State]string{
		StateTechnicalReview:   "technical_reviewer",
		StateOperationalReview: "operational_reviewer",
		StateAuthorityApproval: "authority_approver",
		StateFinalReview:       "final_reviewer",
	}

	// Any permutation of the four levels must land on approved, and only
	// after all four approvals are in.
	permutations := [][]State{
		{levels[0], levels[1], levels[2], levels[3]},
		{levels[3], levels[2], levels[1], levels[0]},
		{levels[1], levels[3], levels[0], levels[2]},
		{levels[2], levels[0], levels[3], levels[1]},
	}
	for i, order := range permutations {
		t.Run(fmt.Sprintf("permutation_%d", i), func(t *testing.T) {
			e := testEngine()
			w := e.Initiate("org-1", testDoc(90*24*time.Hour), "avery", CriticalityCritical)

			for j, level := range order {
				require.NoError(t, e.RecordDecision(w, level, "actor", roles[level], DecisionApprove, ""))
				if j < len(order)-1 {
					assert.False(t, w.CurrentState.Terminal(), "terminal after %d of %d approvals", j+1, len(order))
				}
			}
			assert.Equal(t, StateApproved, w.CurrentState)
			assert.NotNil(t, w.CompletedAt)
		})
	}
}

func TestThreeOfFourApprovalsIsNotApproved(t *testing.T) {
	e := testEngine()
	w := e.Initiate("org-1", testDoc(90*24*time.Hour), "avery", CriticalityCritical)

	require.NoError(t, e.RecordDecision(w, StateTechnicalReview, "a", "technical_reviewer", DecisionApprove, ""))
	require.NoError(t, e.RecordDecision(w, StateOperationalReview, "b", "operational_reviewer", DecisionApprove, ""))
	require.NoError(t, e.RecordDecision(w, StateAuthorityApproval, "c", "authority_approver", DecisionApprove, ""))

	assert.Equal(t, StateFinalReview, w.CurrentState)
	assert.False(t, w.Complete())
	assert.Nil(t, w.CompletedAt)
}

func TestInsufficientAuthorityLeavesNoTrace(t *testing.T) {
	e := testEngine()
	w := e.Initiate("org-1", testDoc(90*24*time.Hour), "avery", CriticalityRoutine)

	err := e.RecordDecision(w, StateTechnicalReview, "mallory", "operational_reviewer", DecisionApprove, "")
	require.ErrorIs(t, err, ErrInsufficientAuthority)

	assert.Empty(t, w.Approvals, "failed decision must not append an approval")
	assert.Len(t, w.AuditTrail, 1, "failed decision must not append audit entries")
	assert.Equal(t, StateTechnicalReview, w.CurrentState)
}

func TestUnknownDecisionLeavesNoTrace(t *testing.T) {
	e := testEngine()
	w := e.Initiate("org-1", testDoc(90*24*time.Hour), "avery", CriticalityRoutine)

	err := e.RecordDecision(w, StateTechnicalReview, "tess", "technical_reviewer", Decision("defer"), "")
	require.ErrorIs(t, err, ErrUnknownDecision)

	assert.Empty(t, w.Approvals, "rejected decision value must not append an approval")
	assert.Len(t, w.AuditTrail, 1, "rejected decision value must not append audit entries")
	assert.Equal(t, StateTechnicalReview, w.CurrentState)
}

func TestUnknownLevelRejected(t *testing.T) {
	e := testEngine()
	w := e.Initiate("org-1", testDoc(90*24*time.Hour), "avery", CriticalityRoutine)

	// ROUTINE workflows have no final review level.
	err := e.RecordDecision(w, StateFinalReview, "f", "final_reviewer", DecisionApprove, "")
	assert.ErrorIs(t, err, ErrUnknownLevel)
}

func TestRejectTerminatesWorkflow(t *testing.T) {
	e := testEngine()
	w := e.Initiate("org-1", testDoc(90*24*time.Hour), "avery", CriticalityRoutine)

	require.NoError(t, e.RecordDecision(w, StateTechnicalReview, "tess", "technical_reviewer", DecisionReject, "incorrect frequencies"))
	assert.Equal(t, StateRejected, w.CurrentState)
	assert.True(t, w.CurrentState.Terminal())

	err := e.RecordDecision(w, StateOperationalReview, "olga", "operational_reviewer", DecisionApprove, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRequestChangesReturnsToDraft(t *testing.T) {
	e := testEngine()
	w := e.Initiate("org-1", testDoc(90*24*time.Hour), "avery", CriticalityRoutine)

	require.NoError(t, e.RecordDecision(w, StateTechnicalReview, "tess", "technical_reviewer", DecisionRequestChanges, "needs coordinates"))
	assert.Equal(t, StateDraft, w.CurrentState)
	assert.False(t, w.CurrentState.Terminal())

	// The review can resume after rework.
	require.NoError(t, e.RecordDecision(w, StateTechnicalReview, "tess", "technical_reviewer", DecisionApprove, "fixed"))
	assert.Equal(t, StateOperationalReview, w.CurrentState)
}

func TestWithdraw(t *testing.T) {
	e := testEngine()
	w := e.Initiate("org-1", testDoc(90*24*time.Hour), "avery", CriticalityRoutine)

	require.NoError(t, e.Withdraw(w, "avery", "superseded by NOTAM"))
	assert.Equal(t, StateWithdrawn, w.CurrentState)

	assert.ErrorIs(t, e.Withdraw(w, "avery", "again"), ErrInvalidTransition)
}

func TestMarkPublishedOnlyFromApproved(t *testing.T) {
	e := testEngine()
	w := e.Initiate("org-1", testDoc(90*24*time.Hour), "avery", CriticalityRoutine)

	assert.ErrorIs(t, e.MarkPublished(w, "avery"), ErrInvalidTransition)

	require.NoError(t, e.RecordDecision(w, StateTechnicalReview, "t", "technical_reviewer", DecisionApprove, ""))
	require.NoError(t, e.RecordDecision(w, StateOperationalReview, "o", "operational_reviewer", DecisionApprove, ""))
	require.NoError(t, e.MarkPublished(w, "avery"))
	assert.Equal(t, StatePublished, w.CurrentState)
}

func TestDecisionSignatures(t *testing.T) {
	e := testEngine()
	w := e.Initiate("org-1", testDoc(90*24*time.Hour), "avery", CriticalityRoutine)

	require.NoError(t, e.RecordDecision(w, StateTechnicalReview, "tess", "technical_reviewer", DecisionApprove, ""))
	require.Len(t, w.Approvals, 1)

	sig := w.Approvals[0].Signature
	assert.Equal(t, "SHA-256", sig.Algorithm)
	assert.Len(t, sig.Digest, 64)
	assert.Equal(t, fixedNow, sig.SignedAt)

	// Same inputs, same digest; different actor, different digest.
	same := signDecision(w.DocumentID, StateTechnicalReview, DecisionApprove, "tess", fixedNow)
	assert.Equal(t, sig.Digest, same.Digest)
	other := signDecision(w.DocumentID, StateTechnicalReview, DecisionApprove, "mallory", fixedNow)
	assert.NotEqual(t, sig.Digest, other.Digest)
}

func TestDeterminePriority(t *testing.T) {
	cases := []struct {
		days int
		want Priority
	}{
		{3, PriorityCritical},
		{6, PriorityCritical},
		{7, PriorityHigh},
		{13, PriorityHigh},
		{14, PriorityMedium},
		{27, PriorityMedium},
		{28, PriorityLow},
		{90, PriorityLow},
	}
	for _, tc := range cases {
		got := DeterminePriority(fixedNow.AddDate(0, 0, tc.days), fixedNow)
		assert.Equal(t, tc.want, got, "%d days until effective", tc.days)
	}
}

func TestCustomAuthorityPolicy(t *testing.T) {
	policy := AuthorityPolicy{
		StateTechnicalReview:   {"sme"},
		StateOperationalReview: {"ops_lead"},
	}
	e := NewEngine(policy, zerolog.Nop()).WithClock(func() time.Time { return fixedNow })
	w := e.Initiate("org-1", testDoc(90*24*time.Hour), "avery", CriticalityRoutine)

	assert.ErrorIs(t, e.RecordDecision(w, StateTechnicalReview, "t", "technical_reviewer", DecisionApprove, ""), ErrInsufficientAuthority)
	require.NoError(t, e.RecordDecision(w, StateTechnicalReview, "t", "sme", DecisionApprove, ""))
}
