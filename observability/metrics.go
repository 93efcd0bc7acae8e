package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "termlend",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and route.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "termlend",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "termlend",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "termlend",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" or
// "quota_exceeded" so dashboards and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// LendingMetrics tracks market operations, emitted events and checkpoints.
type LendingMetrics struct {
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	events      *prometheus.CounterVec
	checkpoints *prometheus.CounterVec
	checkpoint  prometheus.Histogram
	market      *prometheus.GaugeVec
	utilization *prometheus.GaugeVec
}

// Lending returns the singleton lending metrics registry.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "termlend",
				Subsystem: "lending",
				Name:      "operations_total",
				Help:      "Market operations segmented by market, operation, and outcome.",
			}, []string{"market", "operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "termlend",
				Subsystem: "lending",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for sequenced market operations.",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			}, []string{"market", "operation"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "termlend",
				Subsystem: "lending",
				Name:      "events_total",
				Help:      "Committed market events segmented by type and market.",
			}, []string{"type", "market"}),
			checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "termlend",
				Subsystem: "lending",
				Name:      "checkpoints_total",
				Help:      "Snapshot checkpoints segmented by outcome.",
			}, []string{"outcome"}),
			checkpoint: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "termlend",
				Subsystem: "lending",
				Name:      "checkpoint_duration_seconds",
				Help:      "Time spent writing a snapshot checkpoint.",
				Buckets:   prometheus.DefBuckets,
			}),
			market: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "termlend",
				Subsystem: "lending",
				Name:      "market_amount",
				Help:      "Market accounting totals in base units segmented by market and field.",
			}, []string{"market", "field"}),
			utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "termlend",
				Subsystem: "lending",
				Name:      "floating_utilization",
				Help:      "Floating utilization ratio per market.",
			}, []string{"market"}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.latency,
			lendingRegistry.events,
			lendingRegistry.checkpoints,
			lendingRegistry.checkpoint,
			lendingRegistry.market,
			lendingRegistry.utilization,
		)
	})
	return lendingRegistry
}

// ObserveOperation records a sequenced market call.
func (m *LendingMetrics) ObserveOperation(market, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	market = labelAsset(market)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(market, operation, outcome).Inc()
	m.latency.WithLabelValues(market, operation).Observe(duration.Seconds())
}

// RecordEvent counts a committed event.
func (m *LendingMetrics) RecordEvent(eventType, market string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, labelAsset(market)).Inc()
}

// RecordCheckpoint records the outcome of a snapshot checkpoint.
func (m *LendingMetrics) RecordCheckpoint(duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.checkpoints.WithLabelValues(outcome).Inc()
	m.checkpoint.Observe(duration.Seconds())
}

// SetMarketAmount publishes one accounting total, e.g. "floating_assets".
func (m *LendingMetrics) SetMarketAmount(market, field string, value *big.Int) {
	if m == nil {
		return
	}
	m.market.WithLabelValues(labelAsset(market), field).Set(bigToFloat(value))
}

// SetUtilization publishes a wad-scaled utilization as a ratio.
func (m *LendingMetrics) SetUtilization(market string, wad *big.Int) {
	if m == nil {
		return
	}
	m.utilization.WithLabelValues(labelAsset(market)).Set(bigToFloat(wad) / 1e18)
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
