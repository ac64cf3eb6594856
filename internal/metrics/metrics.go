// Package metrics exposes session, registry and HTTP counters in Prometheus form.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AlexZinkM/canton-connect/internal/common"
	"github.com/AlexZinkM/canton-connect/internal/model"
)

const namespace = "canton_connect"

var states = []string{"Disconnected", "Connecting", "Connected", "Restoring", "Disconnecting"}

// Metrics owns its registry so several instances can coexist in tests
type Metrics struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	state      *prometheus.GaugeVec
	refreshes  *prometheus.CounterVec
	sequence   *prometheus.GaugeVec
	wallets    *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "operations_total",
				Help:      "Session operations by outcome.",
			},
			[]string{"op", "outcome"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "state",
				Help:      "1 for the lifecycle manager's current state.",
			},
			[]string{"state"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "refreshes_total",
				Help:      "Registry refresh attempts by outcome.",
			},
			[]string{"channel", "outcome"},
		),
		sequence: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "sequence",
				Help:      "Sequence number of the verified manifest.",
			},
			[]string{"channel"},
		),
		wallets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "wallets",
				Help:      "Wallets in the verified registry.",
			},
			[]string{"channel"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}
	m.registry.MustRegister(
		m.operations, m.state, m.refreshes, m.sequence, m.wallets, m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveOperation counts a lifecycle operation outcome
func (m *Metrics) ObserveOperation(op, outcome string) {
	m.operations.WithLabelValues(op, outcome).Inc()
}

// SetState marks state as the current lifecycle state
func (m *Metrics) SetState(state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

// ObserveRefresh has the shape of the registry verifier's OnRefresh hook
func (m *Metrics) ObserveRefresh(channel string, reg *model.TrustedRegistry, err error) {
	if err != nil {
		outcome := "error"
		if kind, ok := common.KindOf(err); ok {
			outcome = string(kind)
		}
		m.refreshes.WithLabelValues(channel, outcome).Inc()
		return
	}
	m.refreshes.WithLabelValues(channel, "ok").Inc()
	m.sequence.WithLabelValues(channel).Set(float64(reg.Sequence))
	m.wallets.WithLabelValues(channel).Set(float64(len(reg.Entries)))
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(method, route string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
