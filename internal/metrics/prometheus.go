package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	Ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_bot_ticks_total",
			Help: "Total number of scheduler ticks",
		},
		[]string{"strategy", "status"}, // status: success|error
	)

	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strategy_bot_tick_duration_seconds",
			Help:    "Tick duration in seconds, from price fetch to settlement",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"strategy"},
	)

	Signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_bot_signals_total",
			Help: "Total number of signals produced by the evaluator",
		},
		[]string{"strategy", "signal"}, // signal: buy|sell
	)

	Settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_bot_settlements_total",
			Help: "Total number of settlement attempts",
		},
		[]string{"mode", "side", "status"}, // status: success|error
	)

	BotFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_bot_failures_total",
			Help: "Total number of bots deactivated by a failed tick",
		},
		[]string{"strategy"},
	)

	TickRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_bot_tick_retries_total",
			Help: "Total number of failed ticks retried with backoff",
		},
		[]string{"strategy"},
	)

	ActiveBots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strategy_bot_active_bots",
			Help: "Number of bots currently running",
		},
	)
)

var initOnce sync.Once

// Init registers all metrics with Prometheus
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(Ticks)
		prometheus.MustRegister(TickDuration)
		prometheus.MustRegister(Signals)
		prometheus.MustRegister(Settlements)
		prometheus.MustRegister(BotFailures)
		prometheus.MustRegister(TickRetries)
		prometheus.MustRegister(ActiveBots)
	})
}

// Handler returns Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordTick records a completed tick
func RecordTick(strategy string, duration time.Duration, err error) {
	Ticks.WithLabelValues(strategy, status(err)).Inc()
	TickDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordSignal records a non-empty evaluator signal
func RecordSignal(strategy, signal string) {
	Signals.WithLabelValues(strategy, signal).Inc()
}

// RecordSettlement records a settlement attempt
func RecordSettlement(mode, side string, err error) {
	Settlements.WithLabelValues(mode, side, status(err)).Inc()
}

// RecordFailure records a bot deactivated by a failed tick
func RecordFailure(strategy string) {
	BotFailures.WithLabelValues(strategy).Inc()
}

// RecordRetry records a failed tick that will be retried
func RecordRetry(strategy string) {
	TickRetries.WithLabelValues(strategy).Inc()
}
