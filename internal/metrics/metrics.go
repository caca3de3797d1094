// Package metrics registers patchvec's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Operations counts business operations by op and status.
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchvec_operations_total",
		Help: "Business operations by op and status.",
	}, []string{"op", "status"})

	// OperationDuration observes operation latency.
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "patchvec_operation_duration_seconds",
		Help:    "Business operation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// AdmissionRejections counts fast-fail rejections by gate.
	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchvec_admission_rejections_total",
		Help: "Requests rejected by the admission controller, by gate.",
	}, []string{"gate"})

	// SearchHits observes how many matches searches return.
	SearchHits = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "patchvec_search_hits",
		Help:    "Matches returned per search.",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
	})

	// OpsLogDropped counts operational log lines dropped under
	// backpressure or the line size cap.
	OpsLogDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchvec_opslog_dropped_total",
		Help: "Operational log lines dropped.",
	})
)
