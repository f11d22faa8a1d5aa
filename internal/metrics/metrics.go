// Package metrics owns the engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing, which keeps unit tests free of registries.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pricesettle"

type Metrics struct {
	registry *prometheus.Registry

	resolves       *prometheus.CounterVec
	resolveLatency prometheus.Histogram
	tierFailures   *prometheus.CounterVec
	watchedSymbols prometheus.Gauge
	callbackPanics prometheus.Counter
	opened         prometheus.Counter
	openRejected   *prometheus.CounterVec
	settled        *prometheus.CounterVec
	settleGuard    prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "price_resolves_total",
			Help: "Resolved price samples by provenance.",
		}, []string{"source"}),
		resolveLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "price_resolve_seconds",
			Help:    "End-to-end resolve latency.",
			Buckets: []float64{.001, .01, .05, .1, .25, .5, 1, 2, 3, 5},
		}),
		tierFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "price_tier_failures_total",
			Help: "Network tier failures recovered by falling through the chain.",
		}, []string{"tier"}),
		watchedSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "hub_watched_symbols",
			Help: "Symbols with an active poller.",
		}),
		callbackPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "hub_callback_panics_total",
			Help: "Subscriber callbacks that panicked and were isolated.",
		}),
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "positions_opened_total",
			Help: "Positions opened.",
		}),
		openRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "positions_rejected_total",
			Help: "Open requests rejected before any balance mutation.",
		}, []string{"reason"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "positions_settled_total",
			Help: "Positions settled by result.",
		}, []string{"result"}),
		settleGuard: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "settlement_guard_trips_total",
			Help: "Duplicate settlement triggers absorbed by the open->closed guard.",
		}),
	}

	reg.MustRegister(
		m.resolves, m.resolveLatency, m.tierFailures, m.watchedSymbols,
		m.callbackPanics, m.opened, m.openRejected, m.settled, m.settleGuard,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveResolve(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.resolves.WithLabelValues(source).Inc()
	m.resolveLatency.Observe(d.Seconds())
}

func (m *Metrics) TierFailed(tier string) {
	if m == nil {
		return
	}
	m.tierFailures.WithLabelValues(tier).Inc()
}

func (m *Metrics) SetWatchedSymbols(n int) {
	if m == nil {
		return
	}
	m.watchedSymbols.Set(float64(n))
}

func (m *Metrics) CallbackPanicked() {
	if m == nil {
		return
	}
	m.callbackPanics.Inc()
}

func (m *Metrics) PositionOpened() {
	if m == nil {
		return
	}
	m.opened.Inc()
}

func (m *Metrics) PositionRejected(reason string) {
	if m == nil {
		return
	}
	m.openRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) PositionSettled(result string) {
	if m == nil {
		return
	}
	m.settled.WithLabelValues(result).Inc()
}

func (m *Metrics) SettleGuardTripped() {
	if m == nil {
		return
	}
	m.settleGuard.Inc()
}
