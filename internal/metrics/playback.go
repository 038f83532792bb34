// Package metrics exposes Prometheus collectors for the playback core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionTransitions counts every accepted session state change.
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stellar_session_transitions_total",
		Help: "Playback session state transitions by source and target state",
	}, []string{"from", "to"})

	// SessionLoads counts load attempts by outcome.
	SessionLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stellar_session_loads_total",
		Help: "Playback session load attempts by result",
	}, []string{"result"})

	// SessionLoadDuration tracks the time from load request to first playable state.
	SessionLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stellar_session_load_duration_seconds",
		Help:    "Time from load request to READY",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	// QualityDecisions counts negotiation outcomes by reason.
	QualityDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stellar_quality_decisions_total",
		Help: "Quality negotiation results by reason",
	}, []string{"reason"})

	// QualitySwitches counts explicit quality switch attempts by result.
	QualitySwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stellar_quality_switches_total",
		Help: "Quality switch attempts by result",
	}, []string{"result"})

	// StaleResults counts background results discarded because their epoch was superseded.
	StaleResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stellar_stale_results_total",
		Help: "Background results discarded after the session epoch moved on",
	}, []string{"kind"})

	// DriftCorrections counts overlay seeks forced by the clock sync loop.
	DriftCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stellar_overlay_drift_corrections_total",
		Help: "Overlay seeks forced because drift exceeded the threshold",
	})

	// OverlayDrift records the absolute drift observed on each reconciliation tick.
	OverlayDrift = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stellar_overlay_drift_seconds",
		Help:    "Absolute drift between primary and overlay clocks",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	// OverlayResumeFailures counts overlay resume retries that ran out of attempts.
	OverlayResumeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stellar_overlay_resume_failures_total",
		Help: "Overlay resume retries exhausted",
	})

	// HandoffTransfers counts renderer hand-offs by result.
	HandoffTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stellar_handoff_transfers_total",
		Help: "Renderer ownership transfers by result",
	}, []string{"result"})

	// RendererReleases counts underlying renderer releases.
	RendererReleases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stellar_renderer_releases_total",
		Help: "Underlying renderer engines released",
	})

	// NotificationsPublished counts notifications emitted to clients after coalescing.
	NotificationsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stellar_notifications_published_total",
		Help: "Session notifications delivered after coalescing",
	})

	// ThumbnailFetches counts thumbnail fetches by result.
	ThumbnailFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stellar_thumbnail_fetches_total",
		Help: "Notification thumbnail fetches by result",
	}, []string{"result"})
)

// ObserveTransition records a session state change.
func ObserveTransition(from, to string) {
	SessionTransitions.WithLabelValues(from, to).Inc()
}

// ObserveLoad records a load outcome and, on success, its latency.
func ObserveLoad(result string, d time.Duration) {
	SessionLoads.WithLabelValues(result).Inc()
	if result == "ok" {
		SessionLoadDuration.Observe(d.Seconds())
	}
}

// ObserveDrift records one tick's drift and whether it was corrected.
func ObserveDrift(drift time.Duration, corrected bool) {
	if drift < 0 {
		drift = -drift
	}
	OverlayDrift.Observe(drift.Seconds())
	if corrected {
		DriftCorrections.Inc()
	}
}
