// Package metrics exposes Prometheus collectors and implements the observer
// hooks of the order manager, router, venue guard, risk engine, emergency
// controller and event bus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

const namespace = "venuecore"

// Metrics owns a private registry so tests and multiple instances never
// collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	orderTransitions *prometheus.CounterVec
	routeLatency     *prometheus.HistogramVec
	routeErrors      *prometheus.CounterVec
	venueCalls       *prometheus.HistogramVec
	venueErrors      *prometheus.CounterVec
	equity           prometheus.Gauge
	varAmount        prometheus.Gauge
	varPercent       prometheus.Gauge
	drawdown         prometheus.Gauge
	scaling          prometheus.Gauge
	breaches         *prometheus.GaugeVec
	emergencyActive  *prometheus.GaugeVec
	eventsDropped    *prometheus.CounterVec
	sinkFailures     *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New registers every collector plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		orderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_transitions_total",
			Help: "Order status transitions by composite kind and target status.",
		}, []string{"kind", "status"}),
		routeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "route_plan_seconds",
			Help:    "Time to compute a routing plan.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"strategy"}),
		routeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "route_plan_errors_total",
			Help: "Routing plans that failed, by reason.",
		}, []string{"strategy", "reason"}),
		venueCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "venue_call_seconds",
			Help:    "Venue adapter call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"venue", "op"}),
		venueErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "venue_errors_total",
			Help: "Venue adapter call failures.",
		}, []string{"venue", "op", "reason"}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "risk_equity", Help: "Equity at the last risk evaluation.",
		}),
		varAmount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "risk_var_amount", Help: "Portfolio value at risk in quote currency.",
		}),
		varPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "risk_var_percent", Help: "Portfolio value at risk as a fraction of equity.",
		}),
		drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "risk_drawdown", Help: "Current drawdown from the equity peak.",
		}),
		scaling: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "risk_scaling_factor", Help: "Position scaling applied to new orders.",
		}),
		breaches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "risk_breaches", Help: "Active limit breaches by kind.",
		}, []string{"kind"}),
		emergencyActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "emergency_halts", Help: "Active emergency halts by scope.",
		}, []string{"scope"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total", Help: "Events discarded under backpressure.",
		}, []string{"type"}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "event_sink_failures_total", Help: "Failed event deliveries by sink.",
		}, []string{"sink"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "API requests by route and status code.",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_seconds", Help: "API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.orderTransitions, m.routeLatency, m.routeErrors, m.venueCalls, m.venueErrors,
		m.equity, m.varAmount, m.varPercent, m.drawdown, m.scaling, m.breaches,
		m.emergencyActive, m.eventsDropped, m.sinkFailures, m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// OrderTransition implements ordermgr.Observer.
func (m *Metrics) OrderTransition(kind domain.OrderKind, to domain.OrderStatus) {
	m.orderTransitions.WithLabelValues(string(kind), string(to)).Inc()
}

// RoutePlanned implements router.Observer.
func (m *Metrics) RoutePlanned(strategy domain.RoutingStrategy, took time.Duration, err error) {
	m.routeLatency.WithLabelValues(string(strategy)).Observe(took.Seconds())
	if err != nil {
		m.routeErrors.WithLabelValues(string(strategy), reason(err)).Inc()
	}
}

// VenueCall implements venue.CallObserver.
func (m *Metrics) VenueCall(venue domain.VenueID, op string, took time.Duration, err error) {
	m.venueCalls.WithLabelValues(string(venue), op).Observe(took.Seconds())
	if err != nil {
		m.venueErrors.WithLabelValues(string(venue), op, reason(err)).Inc()
	}
}

// RiskEvaluated implements risk.Observer.
func (m *Metrics) RiskEvaluated(snap domain.RiskSnapshot) {
	m.equity.Set(snap.Equity)
	m.varAmount.Set(snap.VaRAmount)
	m.varPercent.Set(snap.VaRPercent)
	m.drawdown.Set(snap.CurrentDrawdown)
	m.scaling.Set(snap.ScalingFactor)
	m.breaches.Reset()
	for _, b := range snap.Breaches {
		m.breaches.WithLabelValues(string(b.Kind)).Inc()
	}
}

// EmergencyChanged implements emergency.Observer.
func (m *Metrics) EmergencyChanged(state domain.EmergencyState) {
	global := 0.0
	if state.Global {
		global = 1
	}
	m.emergencyActive.WithLabelValues("global").Set(global)
	m.emergencyActive.WithLabelValues("venue").Set(float64(len(state.Venues)))
	m.emergencyActive.WithLabelValues("instrument").Set(float64(len(state.Instruments)))
}

// EventDropped implements events.Observer.
func (m *Metrics) EventDropped(t domain.EventType) {
	m.eventsDropped.WithLabelValues(string(t)).Inc()
}

// SinkFailed implements events.Observer.
func (m *Metrics) SinkFailed(sink string) {
	m.sinkFailures.WithLabelValues(sink).Inc()
}

// HTTPRequest records one API request.
func (m *Metrics) HTTPRequest(route string, code int, took time.Duration) {
	m.httpRequests.WithLabelValues(route, statusClass(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(took.Seconds())
}

// reason maps an error onto a small label set.
func reason(err error) string {
	switch {
	case errors.Is(err, domain.ErrVenueUnavailable):
		return "unavailable"
	case errors.Is(err, domain.ErrInvalidOrderSpec):
		return "invalid"
	case errors.Is(err, domain.ErrRiskBreach):
		return "risk"
	case errors.Is(err, domain.ErrEmergencyActive):
		return "emergency"
	case errors.Is(err, domain.ErrStaleSnapshot):
		return "stale_snapshot"
	case errors.Is(err, domain.ErrNoRoute):
		return "no_route"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "other"
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
