// Package metrics exposes scan counters for Prometheus scraping.
// Every method is safe on a nil *Metrics so callers never need to check.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rafabd1/nightshade/internal/utils"
)

// Request kinds.
const (
	KindMutation = "mutation"
	KindControl  = "control"
)

// Metrics holds the collectors of one scan, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal       *prometheus.CounterVec
	responseTimeSeconds *prometheus.HistogramVec
	networkErrorsTotal  prometheus.Counter
	findingsTotal       *prometheus.CounterVec
	abortedTotal        prometheus.Counter
	skippedTotal        prometheus.Counter
}

// New creates and registers all collectors.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nightshade_requests_total",
				Help: "Requests sent, by kind (mutation or control) and outcome",
			},
			[]string{"kind", "outcome"},
		),
		responseTimeSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nightshade_response_time_seconds",
				Help:    "Response time distribution in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 7.5, 10.0, 15.0},
			},
			[]string{"kind"},
		),
		networkErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nightshade_network_errors_total",
			Help: "Transport failures and lag aborts",
		}),
		findingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nightshade_findings_total",
				Help: "Findings reported, by category and severity",
			},
			[]string{"category", "severity"},
		),
		abortedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nightshade_attacks_aborted_total",
			Help: "Attacks abandoned because the target lagged without payload",
		}),
		skippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nightshade_mutations_skipped_total",
			Help: "Mutations not sent because their parameter was already confirmed vulnerable",
		}),
	}

	collectors := []prometheus.Collector{
		m.requestsTotal,
		m.responseTimeSeconds,
		m.networkErrorsTotal,
		m.findingsTotal,
		m.abortedTotal,
		m.skippedTotal,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return m, nil
}

// ObserveRequest records one request. A zero duration is not added to the histogram.
func (m *Metrics) ObserveRequest(kind, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(kind, outcome).Inc()
	if took > 0 {
		m.responseTimeSeconds.WithLabelValues(kind).Observe(took.Seconds())
	}
}

func (m *Metrics) NetworkError() {
	if m == nil {
		return
	}
	m.networkErrorsTotal.Inc()
}

func (m *Metrics) Finding(category, severity string) {
	if m == nil {
		return
	}
	m.findingsTotal.WithLabelValues(category, severity).Inc()
}

func (m *Metrics) Aborted() {
	if m == nil {
		return
	}
	m.abortedTotal.Inc()
}

func (m *Metrics) Skipped() {
	if m == nil {
		return
	}
	m.skippedTotal.Inc()
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger utils.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Infof("Serving metrics on http://%s/metrics", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
