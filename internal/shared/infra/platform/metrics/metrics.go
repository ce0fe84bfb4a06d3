// Package metrics agrupa las métricas Prometheus del worker de campos calculados.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldflow_outbox_tasks_claimed_total",
		Help: "Total number of outbox tasks claimed by workers",
	})

	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldflow_outbox_task_outcomes_total",
		Help: "Outbox task outcomes by result",
	}, []string{"outcome"})

	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldflow_outbox_tasks_enqueued_total",
		Help: "Enqueued change plans, split by whether they coalesced into an existing task",
	}, []string{"merged"})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fieldflow_plan_step_duration_seconds",
		Help:    "Duration of a single plan step (one field over its record set)",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"kind"})
)
