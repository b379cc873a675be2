package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SweepReasonDeadlineExceeded     = "deadline_exceeded"
	SweepReasonDBLockTimeout        = "db_lock_timeout"
	SweepReasonSerializationFailure = "serialization_failure"
	SweepReasonUniqueViolation      = "unique_violation"
	SweepReasonUnknown              = "unknown"
)

// SweeperMetrics captures reservation expiry sweeper health signals.
type SweeperMetrics struct {
	sweepRuns    prometheus.Counter
	sweepTime    prometheus.Observer
	expired      prometheus.Counter
	sweepErrors  *prometheus.CounterVec
	sweepTimeout prometheus.Counter
	runLoopLag   prometheus.Observer
}

var (
	sweeperMetricsOnce sync.Once
	sweeperMetrics     *SweeperMetrics
)

// Sweeper returns the singleton sweeper metrics registry.
func Sweeper() *SweeperMetrics {
	return SweeperWithConfig(Config{})
}

// SweeperWithConfig returns the singleton sweeper metrics registry using config labels.
func SweeperWithConfig(cfg Config) *SweeperMetrics {
	sweeperMetricsOnce.Do(func() {
		sweeperMetrics = newSweeperMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return sweeperMetrics
}

// ResetSweeperMetricsForTest resets the sweeper metrics singleton for tests.
func ResetSweeperMetricsForTest() {
	sweeperMetricsOnce = sync.Once{}
	sweeperMetrics = nil
}

func newSweeperMetrics(registerer prometheus.Registerer, cfg Config) *SweeperMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "creditledger"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	sweepRuns := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "creditledger_sweeper_runs_total",
		Help:        "Expiry sweeper runs.",
		ConstLabels: constLabels,
	})
	sweepTime := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "creditledger_sweeper_run_duration_seconds",
		Help:        "Expiry sweeper latency to keep stale holds from starving balances.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	})
	expired := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "creditledger_sweeper_reservations_expired_total",
		Help:        "Reservations reclaimed by the expiry sweeper.",
		ConstLabels: constLabels,
	})
	sweepErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditledger_sweeper_errors_total",
		Help:        "Expiry sweeper errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	sweepTimeout := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "creditledger_sweeper_timeouts_total",
		Help:        "Expiry sweeper runs cut short by the run deadline.",
		ConstLabels: constLabels,
	})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "creditledger_sweeper_runloop_lag_seconds",
		Help:        "Sweeper run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		sweepRuns,
		sweepTime,
		expired,
		sweepErrors,
		sweepTimeout,
		runLoopLag,
	)

	return &SweeperMetrics{
		sweepRuns:    sweepRuns,
		sweepTime:    sweepTime,
		expired:      expired,
		sweepErrors:  sweepErrors,
		sweepTimeout: sweepTimeout,
		runLoopLag:   runLoopLag,
	}
}

// IncSweepRun increments the sweeper run counter.
func (m *SweeperMetrics) IncSweepRun() {
	if m == nil || m.sweepRuns == nil {
		return
	}
	m.sweepRuns.Inc()
}

// ObserveSweepDuration records sweeper run latency in seconds.
func (m *SweeperMetrics) ObserveSweepDuration(duration time.Duration) {
	if m == nil || m.sweepTime == nil {
		return
	}
	m.sweepTime.Observe(duration.Seconds())
}

// AddExpired increments the expired reservation counter by count.
func (m *SweeperMetrics) AddExpired(count int) {
	if m == nil || count <= 0 || m.expired == nil {
		return
	}
	m.expired.Add(float64(count))
}

// IncSweepError increments the sweeper error counter with classification.
func (m *SweeperMetrics) IncSweepError(err error) {
	if m == nil || err == nil || m.sweepErrors == nil {
		return
	}
	m.sweepErrors.WithLabelValues(ClassifySweepReason(err)).Inc()
}

// IncSweepTimeout increments the sweeper timeout counter.
func (m *SweeperMetrics) IncSweepTimeout() {
	if m == nil || m.sweepTimeout == nil {
		return
	}
	m.sweepTimeout.Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SweeperMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// ClassifySweepReason maps sweeper errors to low-cardinality reasons.
func ClassifySweepReason(err error) string {
	if err == nil {
		return SweepReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SweepReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return SweepReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return SweepReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return SweepReasonUniqueViolation
	}
	return SweepReasonUnknown
}

// IsSweepErrorRetryable reports whether the sweeper error should be retried.
func IsSweepErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
