// Copyright 2025 Piyush Sharma
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsAdmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "images_admitted_total",
		Help: "Total number of submissions accepted by the admission gate",
	})
	JobsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "images_rejected_total",
		Help: "Total number of submissions rejected at the gate",
	}, []string{"reason"})
	JobsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_consumed_total",
		Help: "Total number of envelopes popped by workers",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of jobs processed to completion",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of jobs marked failed",
	})
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_retried_total",
		Help: "Total number of job retries (nacks)",
	})
	JobsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_dropped_total",
		Help: "Total number of envelopes acked without processing (orphan or terminal row)",
	})
	JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of worker step durations",
		Buckets: prometheus.DefBuckets,
	})
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current depth of the pending job queue",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines",
	})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_recovered_total",
		Help: "Total number of deliveries recovered after visibility timeout",
	})
	VehicleDetections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vehicle_detections_total",
		Help: "Vehicle pre-check outcomes",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(JobsAdmitted, JobsRejected, JobsConsumed, JobsCompleted, JobsFailed, JobsRetried, JobsDropped, JobProcessingDuration, QueueDepth, WorkerActive, CircuitBreakerState, CircuitBreakerTrips, ReaperRecovered, VehicleDetections)
}
