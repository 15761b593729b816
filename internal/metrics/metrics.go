// Package metrics exposes Prometheus counters/gauges for operations,
// mocks served, and active connections: a purely additive
// observability surface fed by subscribing to the event bus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sniffler/sniffler-core/internal/events"
)

// Registry bundles the metrics this system exposes and wires itself
// to an event bus.
type Registry struct {
	gatherer prometheus.Gatherer

	OperationsTotal   *prometheus.CounterVec
	MocksServedTotal  *prometheus.CounterVec
	ActiveConnections *prometheus.GaugeVec
}

// NewRegistry creates and registers the metrics against reg, which
// also serves as the gatherer behind ServeHTTP (the daemon passes a
// fresh prometheus.NewRegistry()).
func NewRegistry(reg *prometheus.Registry) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		gatherer: reg,
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sniffler_operations_total",
			Help: "Total operations processed, labeled by listener port and status.",
		}, []string{"port", "status"}),
		MocksServedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sniffler_mocks_served_total",
			Help: "Total operations served from a mock instead of forwarded upstream.",
		}, []string{"port"}),
		ActiveConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sniffler_active_connections",
			Help: "Currently open client connections, by listener port.",
		}, []string{"port"}),
	}
}

// ServeHTTP blocks serving the registry's metrics on /metrics at addr,
// logging (rather than panicking) if the listener can't bind.
func (r *Registry) ServeHTTP(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

// Subscribe wires the registry to bus so metrics update as events
// fire, with no coupling between internal/runtime and
// internal/metrics beyond the event types themselves.
func (r *Registry) Subscribe(bus *events.Bus) {
	events.Subscribe(bus, func(e events.OperationResponse) {
		port := portLabel(e.ListenerPort)
		r.OperationsTotal.WithLabelValues(port, string(e.Operation.Status)).Inc()
	})
	events.Subscribe(bus, func(e events.MockServed) {
		r.MocksServedTotal.WithLabelValues(portLabel(e.ListenerPort)).Inc()
	})
	events.Subscribe(bus, func(e events.ConnectionOpened) {
		r.ActiveConnections.WithLabelValues(portLabel(e.ListenerPort)).Inc()
	})
	events.Subscribe(bus, func(e events.ConnectionClosed) {
		r.ActiveConnections.WithLabelValues(portLabel(e.ListenerPort)).Dec()
	})
}

func portLabel(port int) string {
	return strconv.Itoa(port)
}
