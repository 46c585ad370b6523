// Package metrics provides Prometheus metrics for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments exported by the engine.
type Metrics struct {
	CommitsTotal     *prometheus.CounterVec
	NoopCommitsTotal prometheus.Counter
	MergesTotal      *prometheus.CounterVec
	TagsTotal        prometheus.Counter
	DecisionsTotal   *prometheus.CounterVec
	WorkflowsTotal   *prometheus.CounterVec
	DiffDuration     prometheus.Histogram
	SearchesTotal    *prometheus.CounterVec
}

// New creates and registers all metrics on a dedicated registry so that
// tests can construct independent instances.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CommitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eaip_commits_total",
				Help: "Total snapshot commits, labelled by organisation",
			},
			[]string{"org"},
		),
		NoopCommitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "eaip_noop_commits_total",
				Help: "Commits skipped because content was unchanged",
			},
		),
		MergesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eaip_merges_total",
				Help: "Branch merges, labelled by outcome",
			},
			[]string{"outcome"},
		),
		TagsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "eaip_tags_total",
				Help: "Release tags created",
			},
		),
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eaip_workflow_decisions_total",
				Help: "Workflow decisions recorded, labelled by decision",
			},
			[]string{"decision"},
		),
		WorkflowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eaip_workflows_total",
				Help: "Workflows entering a terminal state, labelled by state",
			},
			[]string{"state"},
		),
		DiffDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "eaip_diff_duration_seconds",
				Help:    "Duration of structural diff computation",
				Buckets: prometheus.DefBuckets,
			},
		),
		SearchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eaip_searches_total",
				Help: "Catalog searches, labelled by backend",
			},
			[]string{"backend"},
		),
	}
}
