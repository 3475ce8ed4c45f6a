package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the loop's Prometheus collectors. Each instance owns its
// registry, so tests and concurrent runs never collide on registration.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	iterationsTotal   *prometheus.CounterVec
	runsTotal         *prometheus.CounterVec
	reasoningAttempts *prometheus.CounterVec
	reasoningDuration *prometheus.HistogramVec
	actionDuration    *prometheus.HistogramVec
	stallsTotal       prometheus.Counter
	persistFailures   prometheus.Counter
}

// NewMetrics registers all collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		iterationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loop_iterations_total",
				Help:      "Loop iterations by outcome (ok, an error kind, or done state).",
			},
			[]string{"outcome"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finished runs by terminal status.",
			},
			[]string{"status"},
		),
		reasoningAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reasoning_attempts_total",
				Help:      "Reasoning requests by attempt kind and result.",
			},
			[]string{"kind", "result"},
		),
		reasoningDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reasoning_duration_seconds",
				Help:      "Latency of reasoning requests.",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"tier"},
		),
		actionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Time spent executing an action, including the follow-up capture.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		stallsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stalls_total",
			Help:      "Captures whose fingerprint matched the previous capture after a successful step.",
		}),
		persistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_persist_failures_total",
			Help:      "Trace records that could not be written.",
		}),
	}
}

func (m *Metrics) RecordIteration(outcome string) {
	if m == nil {
		return
	}
	m.iterationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRun(status string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordReasoningAttempt(kind, tier, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.reasoningAttempts.WithLabelValues(kind, result).Inc()
	m.reasoningDuration.WithLabelValues(tier).Observe(d.Seconds())
}

func (m *Metrics) RecordAction(action string, d time.Duration) {
	if m == nil {
		return
	}
	m.actionDuration.WithLabelValues(action).Observe(d.Seconds())
}

func (m *Metrics) RecordStall() {
	if m == nil {
		return
	}
	m.stallsTotal.Inc()
}

func (m *Metrics) RecordPersistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a /metrics endpoint on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving metrics.", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
