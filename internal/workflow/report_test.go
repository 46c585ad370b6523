package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func completedWorkflow(initiated time.Time, hours float64, compliant bool) *Workflow {
	completed := initiated.Add(time.Duration(hours * float64(time.Hour)))
	w := &Workflow{
		CurrentState: StateApproved,
		InitiatedAt:  initiated,
		CompletedAt:  &completed,
	}
	if compliant {
		w.Compliance = Compliance{
			ICAOCompliant: true, EurocontrolCompliant: true,
			DataQualityVerified: true, SecurityCleared: true,
		}
	}
	return w
}

func pendingWorkflow(state State) *Workflow {
	return &Workflow{CurrentState: state, InitiatedAt: fixedNow}
}

func TestGenerateReportEmpty(t *testing.T) {
	report := GenerateReport(nil, fixedNow)
	assert.Zero(t, report.TotalWorkflows)
	assert.Equal(t, float64(100), report.ComplianceRate)
	assert.Zero(t, report.CompletionRate)
	assert.Empty(t, report.Bottlenecks)
}

func TestGenerateReportTotals(t *testing.T) {
	workflows := []*Workflow{
		completedWorkflow(fixedNow, 48, true),
		completedWorkflow(fixedNow, 24, false),
		pendingWorkflow(StateTechnicalReview),
		pendingWorkflow(StateTechnicalReview),
	}

	report := GenerateReport(workflows, fixedNow)
	assert.Equal(t, 4, report.TotalWorkflows)
	assert.Equal(t, 2, report.CompletedWorkflows)
	assert.Equal(t, 2, report.PendingWorkflows)
	assert.Equal(t, float64(50), report.CompletionRate)
	assert.Equal(t, float64(36), report.AverageCompletionHours)
	assert.Equal(t, float64(25), report.ComplianceRate)
}

func TestGenerateReportBottlenecks(t *testing.T) {
	// 3 of 5 stuck in operational review crosses the 20% threshold; the
	// single technical review (20% exactly) does not.
	workflows := []*Workflow{
		pendingWorkflow(StateOperationalReview),
		pendingWorkflow(StateOperationalReview),
		pendingWorkflow(StateOperationalReview),
		completedWorkflow(fixedNow, 10, true),
		pendingWorkflow(StateTechnicalReview),
	}

	report := GenerateReport(workflows, fixedNow)
	assert.Contains(t, report.Bottlenecks, StateOperationalReview)
	assert.NotContains(t, report.Bottlenecks, StateTechnicalReview)
}
