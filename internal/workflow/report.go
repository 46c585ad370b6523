package workflow

import (
	"sort"
	"time"
)

// Report aggregates workflow progress across an organization for
// management and compliance dashboards.
type Report struct {
	TotalWorkflows         int       `json:"totalWorkflows"`
	CompletedWorkflows     int       `json:"completedWorkflows"`
	PendingWorkflows       int       `json:"pendingWorkflows"`
	AverageCompletionHours float64   `json:"averageCompletionHours"`
	CompletionRate         float64   `json:"completionRate"`
	Bottlenecks            []State   `json:"bottlenecks"`
	ComplianceRate         float64   `json:"complianceRate"`
	GeneratedAt            time.Time `json:"generatedAt"`
}

// GenerateReport computes totals, completion statistics, bottleneck states
// (any state holding more than 20% of all workflows), and the aggregate
// compliance rate.
func GenerateReport(workflows []*Workflow, now time.Time) Report {
	report := Report{
		TotalWorkflows: len(workflows),
		GeneratedAt:    now,
		ComplianceRate: 100,
	}
	if len(workflows) == 0 {
		return report
	}

	stateCount := make(map[State]int)
	var totalCompletion time.Duration
	compliant := 0
	for _, w := range workflows {
		stateCount[w.CurrentState]++
		if w.CompletedAt != nil {
			report.CompletedWorkflows++
			totalCompletion += w.CompletedAt.Sub(w.InitiatedAt)
		}
		if w.Compliance.Clean() {
			compliant++
		}
	}
	report.PendingWorkflows = report.TotalWorkflows - report.CompletedWorkflows
	report.CompletionRate = float64(report.CompletedWorkflows) / float64(report.TotalWorkflows) * 100
	report.ComplianceRate = float64(compliant) / float64(report.TotalWorkflows) * 100
	if report.CompletedWorkflows > 0 {
		report.AverageCompletionHours = totalCompletion.Hours() / float64(report.CompletedWorkflows)
	}

	threshold := float64(report.TotalWorkflows) * 0.2
	for state, count := range stateCount {
		if float64(count) > threshold {
			report.Bottlenecks = append(report.Bottlenecks, state)
		}
	}
	sort.Slice(report.Bottlenecks, func(i, j int) bool {
		return report.Bottlenecks[i] < report.Bottlenecks[j]
	})
	return report
}
