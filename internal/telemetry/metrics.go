package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	StageActions     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_stage_actions_total", Help: "Stage actions by stage and outcome"}, []string{"stage", "outcome"})
	PollAttempts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_poll_attempts_total", Help: "Job status polls issued while waiting for subtitles"})
	PollTimeouts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_poll_timeouts_total", Help: "Subtitle polls that exhausted their budget"})
	StaleSnapshots   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_stale_snapshots_total", Help: "Job snapshots dropped because a newer one was already applied"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_actions_inflight", Help: "Stage actions currently running"})
	TrackedJobs      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_tracked_jobs", Help: "Jobs with a live orchestrator"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	AutopilotRuns    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autopilot_runs_total", Help: "Autopilot plans by result"}, []string{"result"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "autopilot_queue_depth", Help: "Plans waiting in the autopilot queue"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			StageActions,
			PollAttempts,
			PollTimeouts,
			StaleSnapshots,
			InFlightGauge,
			TrackedJobs,
			RateLimitRejects,
			AutopilotRuns,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
