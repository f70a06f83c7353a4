package iothub

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics receives connection lifecycle events. Calls happen inline on
// connection and refresh paths and must be cheap.
type Metrics interface {
	SessionOpened(transport TransportProtocol)
	SessionClosed()
	TokenRefreshed(ok bool)
	LinkAttached(kind LinkKind, ok bool)
}

type noopMetrics struct{}

// NoopMetrics discards every event.
func NoopMetrics() Metrics { return noopMetrics{} }

func (noopMetrics) SessionOpened(TransportProtocol) {}
func (noopMetrics) SessionClosed()                  {}
func (noopMetrics) TokenRefreshed(bool)             {}
func (noopMetrics) LinkAttached(LinkKind, bool)     {}

// PrometheusMetrics exports connection events as Prometheus series.
type PrometheusMetrics struct {
	sessionsOpened *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	tokenRefreshes *prometheus.CounterVec
	linkAttaches   *prometheus.CounterVec
}

// NewPrometheusMetrics registers the client series with reg. Series that
// are already registered, for instance by a second manager in the same
// process, are reused.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	sessionsOpened, err := registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iothub_sessions_opened_total",
		Help: "AMQP sessions opened, by transport.",
	}, []string{"transport"}))
	if err != nil {
		return nil, err
	}
	sessionsActive, err := registerCollector(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "iothub_sessions_active",
		Help: "AMQP sessions currently open.",
	}))
	if err != nil {
		return nil, err
	}
	tokenRefreshes, err := registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iothub_token_refresh_total",
		Help: "Token refresh attempts, by result.",
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}
	linkAttaches, err := registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iothub_link_attach_total",
		Help: "Link attach attempts, by link kind and result.",
	}, []string{"kind", "result"}))
	if err != nil {
		return nil, err
	}

	return &PrometheusMetrics{
		sessionsOpened: sessionsOpened,
		sessionsActive: sessionsActive,
		tokenRefreshes: tokenRefreshes,
		linkAttaches:   linkAttaches,
	}, nil
}

func registerCollector[C prometheus.Collector](reg prometheus.Registerer, collector C) (C, error) {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return collector, err
	}
	return collector, nil
}

// SessionOpened implements Metrics.
func (metrics *PrometheusMetrics) SessionOpened(transport TransportProtocol) {
	metrics.sessionsOpened.WithLabelValues(transport.String()).Inc()
	metrics.sessionsActive.Inc()
}

// SessionClosed implements Metrics.
func (metrics *PrometheusMetrics) SessionClosed() {
	metrics.sessionsActive.Dec()
}

// TokenRefreshed implements Metrics.
func (metrics *PrometheusMetrics) TokenRefreshed(ok bool) {
	metrics.tokenRefreshes.WithLabelValues(resultLabel(ok)).Inc()
}

// LinkAttached implements Metrics.
func (metrics *PrometheusMetrics) LinkAttached(kind LinkKind, ok bool) {
	metrics.linkAttaches.WithLabelValues(kind.String(), resultLabel(ok)).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
