// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollsTotal             *prometheus.CounterVec
	EventsTotal            *prometheus.CounterVec
	DeliveriesTotal        *prometheus.CounterVec
	PrunesTotal            *prometheus.CounterVec
	PersistenceErrorsTotal *prometheus.CounterVec

	// Histograms (seconds)
	PollDuration *prometheus.HistogramVec

	// Gauges
	SubjectsGauge *prometheus.GaugeVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tracker_polls_total", Help: "Number of subject polls by outcome (ok|error)"}, []string{"kind", "outcome"})
		EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tracker_events_total", Help: "Number of events emitted by pollers"}, []string{"kind", "type"})
		DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tracker_deliveries_total", Help: "Number of delivery attempts by operation (send|edit) and outcome"}, []string{"kind", "op", "outcome"})
		PrunesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tracker_prunes_total", Help: "Number of subscriptions removed after delivery failures"}, []string{"kind", "reason"})
		PersistenceErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tracker_persistence_errors_total", Help: "Number of failed persistence gateway calls"}, []string{"kind", "op"})
		PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "tracker_poll_duration_seconds", Help: "Poll duration seconds", Buckets: prometheus.DefBuckets}, []string{"kind"})
		SubjectsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "tracker_subjects", Help: "Current number of live subjects"}, []string{"kind"})
	})
}

// CountPoll records one finished poll.
func CountPoll(kind, outcome string) {
	if PollsTotal != nil {
		PollsTotal.WithLabelValues(kind, outcome).Inc()
	}
}

// PollTimer returns the duration observer for kind, or nil before Init.
func PollTimer(kind string) prometheus.Observer {
	if PollDuration == nil {
		return nil
	}
	return PollDuration.WithLabelValues(kind)
}

// CountEvent records one emitted event.
func CountEvent(kind, typ string) {
	if EventsTotal != nil {
		EventsTotal.WithLabelValues(kind, typ).Inc()
	}
}

// CountDelivery records one delivery attempt.
func CountDelivery(kind, op, outcome string) {
	if DeliveriesTotal != nil {
		DeliveriesTotal.WithLabelValues(kind, op, outcome).Inc()
	}
}

// CountPrune records a subscription removed by the dispatcher.
func CountPrune(kind, reason string) {
	if PrunesTotal != nil {
		PrunesTotal.WithLabelValues(kind, reason).Inc()
	}
}

// CountPersistenceError records a failed gateway call.
func CountPersistenceError(kind, op string) {
	if PersistenceErrorsTotal != nil {
		PersistenceErrorsTotal.WithLabelValues(kind, op).Inc()
	}
}

// SetSubjects records the current number of subjects for a kind.
func SetSubjects(kind string, n int) {
	if SubjectsGauge != nil {
		SubjectsGauge.WithLabelValues(kind).Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
