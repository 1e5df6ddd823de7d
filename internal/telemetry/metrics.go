package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TokensSolved    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dncl_tokens_solved_total", Help: "Proof tokens produced"})
	ImmediatePasses = prometheus.NewCounter(prometheus.CounterOpts{Name: "dncl_immediate_passes_total", Help: "Challenges that passed without a sub-challenge"})
	AttemptsBlocked = prometheus.NewCounter(prometheus.CounterOpts{Name: "dncl_attempts_blocked_total", Help: "Attempts terminated by a blocking signal"})
	AttemptsFailed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dncl_attempts_failed_total", Help: "Attempts that failed without a token"})
	ChecksByStatus  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dncl_checks_total", Help: "Registry check results by terminal status"}, []string{"status"})
	SessionsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dncl_sessions_inflight", Help: "Challenge sessions currently running"})
	TasksPending     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dncl_tasks_pending", Help: "Tasks still eligible for claim"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TokensSolved,
			ImmediatePasses,
			AttemptsBlocked,
			AttemptsFailed,
			ChecksByStatus,
			SessionsInFlight,
			TasksPending,
		)
	})
	return promhttp.Handler()
}
