// Package metrics exposes the platform's prometheus instruments.
package metrics

import (
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the constant labels stamped on every metric.
type Config struct {
	ServiceName string
	Environment string
}

// PaymentMetrics captures payment pipeline health signals.
type PaymentMetrics struct {
	pluginCalls      *prometheus.CounterVec
	pluginDuration   *prometheus.HistogramVec
	janitorRepairs   *prometheus.CounterVec
	janitorSweeps    prometheus.Counter
	lockWait         prometheus.Observer
	lockContention   prometheus.Counter
	retriesScheduled prometheus.Counter
}

var (
	paymentMetricsOnce sync.Once
	paymentMetrics     *PaymentMetrics
)

// Payment returns the singleton payment metrics registry.
func Payment() *PaymentMetrics {
	return PaymentWithConfig(Config{})
}

// PaymentWithConfig returns the singleton payment metrics registry using
// config labels.
func PaymentWithConfig(cfg Config) *PaymentMetrics {
	paymentMetricsOnce.Do(func() {
		paymentMetrics = newPaymentMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return paymentMetrics
}

// ResetPaymentMetricsForTest resets the payment metrics singleton for tests.
func ResetPaymentMetricsForTest() {
	paymentMetricsOnce = sync.Once{}
	paymentMetrics = nil
}

func newPaymentMetrics(registerer prometheus.Registerer, cfg Config) *PaymentMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "billway"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	pluginCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "billway_payment_plugin_calls_total",
		Help:        "Gateway plugin calls by plugin and operation.",
		ConstLabels: constLabels,
	}, []string{"plugin", "operation"})
	pluginDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "billway_payment_plugin_duration_seconds",
		Help:        "Gateway plugin call latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	}, []string{"plugin", "operation"})
	janitorRepairs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "billway_payment_janitor_repairs_total",
		Help:        "Stuck transactions moved to a final status, by resolution.",
		ConstLabels: constLabels,
	}, []string{"resolution"})
	janitorSweeps := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "billway_payment_janitor_sweeps_total",
		Help:        "Scheduled janitor passes.",
		ConstLabels: constLabels,
	})
	lockWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "billway_payment_account_lock_wait_seconds",
		Help:        "Time spent waiting for the per-account payment lock.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	})
	lockContention := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "billway_payment_account_lock_contention_total",
		Help:        "Payment operations rejected because the account lock was held.",
		ConstLabels: constLabels,
	})
	retriesScheduled := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "billway_payment_retries_scheduled_total",
		Help:        "Failed attempts handed to the retry queue.",
		ConstLabels: constLabels,
	})

	for _, collector := range []prometheus.Collector{
		pluginCalls, pluginDuration, janitorRepairs, janitorSweeps,
		lockWait, lockContention, retriesScheduled,
	} {
		if err := registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}

	return &PaymentMetrics{
		pluginCalls:      pluginCalls,
		pluginDuration:   pluginDuration,
		janitorRepairs:   janitorRepairs,
		janitorSweeps:    janitorSweeps,
		lockWait:         lockWait,
		lockContention:   lockContention,
		retriesScheduled: retriesScheduled,
	}
}

// PluginCallTimer counts the call and returns a timer observing its latency.
func (m *PaymentMetrics) PluginCallTimer(plugin, operation string) *prometheus.Timer {
	m.pluginCalls.WithLabelValues(plugin, operation).Inc()
	return prometheus.NewTimer(m.pluginDuration.WithLabelValues(plugin, operation))
}

func (m *PaymentMetrics) ObserveJanitorRepair(resolution string) {
	m.janitorRepairs.WithLabelValues(resolution).Inc()
}

func (m *PaymentMetrics) ObserveJanitorSweep() {
	m.janitorSweeps.Inc()
}

func (m *PaymentMetrics) ObserveLockWait(seconds float64) {
	m.lockWait.Observe(seconds)
}

func (m *PaymentMetrics) ObserveLockContention() {
	m.lockContention.Inc()
}

func (m *PaymentMetrics) ObserveRetryScheduled() {
	m.retriesScheduled.Inc()
}
