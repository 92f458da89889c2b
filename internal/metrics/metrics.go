// Package metrics holds the Prometheus collectors shared by the service
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheLookups counts explanation lookups by result: hit, miss, fallback
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repair_cache_lookups_total",
		Help: "Explanation cache lookups by result",
	}, []string{"result"})

	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "repair_generation_duration_seconds",
		Help:    "Latency of explanation generation calls",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"provider", "status"})

	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repair_jobs_submitted_total",
		Help: "Job submissions by outcome",
	}, []string{"outcome"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repair_jobs_finished_total",
		Help: "Jobs that reached a terminal status",
	}, []string{"status"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "repair_queue_depth",
		Help: "Jobs waiting to be picked up by a worker",
	})

	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repair_verifications_total",
		Help: "Repair verification outcomes",
	}, []string{"outcome"})

	FeedbackRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repair_feedback_total",
		Help: "Feedback entries by action",
	}, []string{"action"})
)
