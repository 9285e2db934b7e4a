// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics registers and serves the scheduler's Prometheus
// metrics, scoped to dispatch, selection, reservations, ownership and
// segmentation rather than the teacher's KV/DMR counters, following the
// same NewMetrics/register shape as internal/metrics/prometheus.go.
package metrics

import (
	"github.com/babelrelay/scheduler/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter, histogram and gauge this instance
// exposes on its /metrics endpoint.
type Metrics struct {
	// Dispatch
	JobsCreatedTotal     *prometheus.CounterVec
	JobsCompletedTotal   *prometheus.CounterVec
	DispatchDuration     prometheus.Histogram
	FailoverAttemptsTotal prometheus.Counter
	RequestLockWaitMS    prometheus.Histogram

	// Selection / exclusion
	SelectionDuration      prometheus.Histogram
	NoAvailableNodeTotal   prometheus.Counter
	ExclusionReasonsTotal  *prometheus.CounterVec

	// Reservations
	ReservationsActive  prometheus.Gauge
	ReservationConflicts prometheus.Counter

	// Ownership / routing
	OwnedSessionsGauge prometheus.Gauge
	OwnedNodesGauge    prometheus.Gauge
	InboxDepthGauge    prometheus.Gauge
	ModelNAEventsTotal *prometheus.CounterVec

	// Segmentation
	UtterancesFinalizedTotal *prometheus.CounterVec
	MailboxDroppedTotal      prometheus.Counter
}

// NewMetrics builds and registers every metric.
func NewMetrics() *Metrics {
	m := &Metrics{
		JobsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_jobs_created_total",
			Help: "Total jobs created via create_or_get_job, labeled by whether a new job was created or an existing one returned.",
		}, []string{"outcome"}),
		JobsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_jobs_completed_total",
			Help: "Total jobs reaching a terminal state.",
		}, []string{"status"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scheduler_dispatch_duration_seconds",
			Help:    "Time spent in Dispatch, including request-lock wait and node selection.",
			Buckets: prometheus.DefBuckets,
		}),
		FailoverAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_failover_attempts_total",
			Help: "Total worker-reported job failures accepted for failover or final failure.",
		}),
		RequestLockWaitMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scheduler_request_lock_wait_ms",
			Help:    "Time spent spinning for the request-level dispatch lock.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		SelectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scheduler_selection_duration_seconds",
			Help:    "Time spent probing pools during node selection.",
			Buckets: prometheus.DefBuckets,
		}),
		NoAvailableNodeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_no_available_node_total",
			Help: "Total selections that exhausted every pool without finding a candidate.",
		}),
		ExclusionReasonsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_selection_exclusions_total",
			Help: "Per-reason count of candidate nodes excluded during selection.",
		}, []string{"reason"}),
		ReservationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_reservations_active",
			Help: "Current count of live (non-expired) job-slot reservations across all nodes this instance tracks.",
		}),
		ReservationConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_reservation_conflicts_total",
			Help: "Total ReserveJobSlot calls that failed because a node was already at capacity.",
		}),
		OwnedSessionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_owned_sessions",
			Help: "Current count of sessions this instance owns.",
		}),
		OwnedNodesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_owned_nodes",
			Help: "Current count of worker nodes this instance owns.",
		}),
		InboxDepthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_inbox_depth",
			Help: "Approximate length of this instance's inter-instance inbox stream.",
		}),
		ModelNAEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_model_not_available_events_total",
			Help: "Total MODEL_NOT_AVAILABLE events, labeled by whether the debounce window let it through.",
		}, []string{"notified"}),
		UtterancesFinalizedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_utterances_finalized_total",
			Help: "Total utterances finalized by the session actor, labeled by trigger.",
		}, []string{"trigger"}),
		MailboxDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_session_mailbox_dropped_total",
			Help: "Total audio chunks dropped because a session actor's mailbox backlog exceeded its limit.",
		}),
	}
	m.register()
	return m
}

func (m *Metrics) register() {
	prometheus.MustRegister(
		m.JobsCreatedTotal,
		m.JobsCompletedTotal,
		m.DispatchDuration,
		m.FailoverAttemptsTotal,
		m.RequestLockWaitMS,
		m.SelectionDuration,
		m.NoAvailableNodeTotal,
		m.ExclusionReasonsTotal,
		m.ReservationsActive,
		m.ReservationConflicts,
		m.OwnedSessionsGauge,
		m.OwnedNodesGauge,
		m.InboxDepthGauge,
		m.ModelNAEventsTotal,
		m.UtterancesFinalizedTotal,
		m.MailboxDroppedTotal,
	)
}

// RecordExclusionBreakdown folds a single selection's exclusion
// breakdown into the per-reason counters.
func (m *Metrics) RecordExclusionBreakdown(b registry.NoAvailableNodeBreakdown) {
	for reason, count := range b.Reasons {
		if count > 0 {
			m.ExclusionReasonsTotal.WithLabelValues(string(reason)).Add(float64(count))
		}
	}
}

// RecordUtteranceFinalized increments the finalize counter for trigger.
func (m *Metrics) RecordUtteranceFinalized(trigger string) {
	m.UtterancesFinalizedTotal.WithLabelValues(trigger).Inc()
}

// RecordModelNAEvent increments the MODEL_NOT_AVAILABLE counter, labeled
// by whether the debounce window actually let a notification through.
func (m *Metrics) RecordModelNAEvent(notified bool) {
	label := "false"
	if notified {
		label = "true"
	}
	m.ModelNAEventsTotal.WithLabelValues(label).Inc()
}
