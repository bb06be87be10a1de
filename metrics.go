package graphlet

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	exchangeOK      = "ok"
	exchangeTimeout = "timeout"
	exchangeError   = "error"
)

// Metrics manages Prometheus metrics for a manager or orator. All observation
// methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry
	server   *http.Server

	// Exchange metrics
	ExchangesTotal   *prometheus.CounterVec
	ExchangeDuration *prometheus.HistogramVec

	// Inbound traffic
	MessagesTotal        *prometheus.CounterVec
	DroppedMessagesTotal *prometheus.CounterVec

	// Membership metrics
	RegistrySize      prometheus.Gauge
	RehydrationsTotal prometheus.Counter
	UnresponsiveTotal *prometheus.CounterVec
	EvictionsTotal    *prometheus.CounterVec
}

// NewMetrics creates metrics labelled with the cluster and the local node
// name on a private registry.
func NewMetrics(clusterID, node string) *Metrics {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"cluster": clusterID, "node": node}

	m := &Metrics{
		registry: registry,

		ExchangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "graphlet_exchanges_total",
			Help:        "Total exchanges by target component and outcome",
			ConstLabels: labels,
		}, []string{"target", "status"}),

		ExchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "graphlet_exchange_duration_seconds",
			Help:        "Exchange round trip duration in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15),
			ConstLabels: labels,
		}, []string{"target"}),

		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "graphlet_messages_total",
			Help:        "Inbound messages by type",
			ConstLabels: labels,
		}, []string{"type"}),

		DroppedMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "graphlet_dropped_messages_total",
			Help:        "Inbound messages dropped by reason",
			ConstLabels: labels,
		}, []string{"reason"}),

		RegistrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "graphlet_registry_components",
			Help:        "Number of components in the local registry",
			ConstLabels: labels,
		}),

		RehydrationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "graphlet_rehydrations_total",
			Help:        "Registry snapshots applied",
			ConstLabels: labels,
		}),

		UnresponsiveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "graphlet_unresponsive_total",
			Help:        "Components reported unresponsive",
			ConstLabels: labels,
		}, []string{"target"}),

		EvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "graphlet_evictions_total",
			Help:        "Components evicted by the orator heartbeat",
			ConstLabels: labels,
		}, []string{"target"}),
	}

	registry.MustRegister(
		m.ExchangesTotal,
		m.ExchangeDuration,
		m.MessagesTotal,
		m.DroppedMessagesTotal,
		m.RegistrySize,
		m.RehydrationsTotal,
		m.UnresponsiveTotal,
		m.EvictionsTotal,
	)

	// Also register default Go metrics
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Registry returns the Prometheus registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	m.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.server.Shutdown(shutdownCtx)
	}()
}

// ObserveExchange records the outcome of an exchange with target.
func (m *Metrics) ObserveExchange(target string, duration time.Duration, status string) {
	if m == nil {
		return
	}
	m.ExchangeDuration.WithLabelValues(target).Observe(duration.Seconds())
	m.ExchangesTotal.WithLabelValues(target, status).Inc()
}

// ObserveMessage counts an inbound message. Untyped messages count as "untyped".
func (m *Metrics) ObserveMessage(msgType string) {
	if m == nil {
		return
	}
	if msgType == "" {
		msgType = "untyped"
	}
	m.MessagesTotal.WithLabelValues(msgType).Inc()
}

// ObserveDropped counts a message dropped for reason.
func (m *Metrics) ObserveDropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedMessagesTotal.WithLabelValues(reason).Inc()
}

// SetRegistrySize updates the registry size gauge.
func (m *Metrics) SetRegistrySize(n int) {
	if m == nil {
		return
	}
	m.RegistrySize.Set(float64(n))
}

// ObserveRehydration counts an applied snapshot.
func (m *Metrics) ObserveRehydration() {
	if m == nil {
		return
	}
	m.RehydrationsTotal.Inc()
}

// ObserveUnresponsive counts an unresponsive report for target.
func (m *Metrics) ObserveUnresponsive(target string) {
	if m == nil {
		return
	}
	m.UnresponsiveTotal.WithLabelValues(target).Inc()
}

// ObserveEviction counts a heartbeat eviction of target.
func (m *Metrics) ObserveEviction(target string) {
	if m == nil {
		return
	}
	m.EvictionsTotal.WithLabelValues(target).Inc()
}
