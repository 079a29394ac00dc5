package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// The concurrency-feedback algorithm has no canonical tuning, so it is
// deliberately observable: counters for window opens/closes and per-
// attempt outcomes, plus the current window size per destination.
var (
	dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "correo_scheduler_dispatches_total",
		Help: "delivery requests handed to agents, by transport",
	}, []string{"transport"})

	deliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "correo_scheduler_recipients_delivered_total",
		Help: "recipients delivered",
	})
	keptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "correo_scheduler_recipients_kept_total",
		Help: "recipient attempts deferred for retry",
	})
	failedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "correo_scheduler_recipients_failed_total",
		Help: "recipients failed permanently",
	})

	windowSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "correo_scheduler_window_successes_total",
		Help: "positive concurrency-window feedback events",
	})
	windowFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "correo_scheduler_window_failures_total",
		Help: "negative concurrency-window feedback events",
	})
	windowCloses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "correo_scheduler_window_closes_total",
		Help: "destinations gone cold after a failure cohort",
	})
	windowReopens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "correo_scheduler_window_reopens_total",
		Help: "destinations whose cooldown elapsed and re-opened",
	})

	windowSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "correo_scheduler_window_size",
		Help: "current concurrency window per destination",
	}, []string{"destination"})
)
