// Package metrics exposes Prometheus collectors for turns, tool calls,
// sessions and notifications. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/m4xw311/acprelay/errors"
)

type Metrics struct {
	registry      *prometheus.Registry
	turns         *prometheus.CounterVec
	turnDuration  prometheus.Histogram
	toolCalls     *prometheus.CounterVec
	sessions      prometheus.Gauge
	notifications *prometheus.CounterVec
}

// New registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acprelay",
			Name:      "turns_total",
			Help:      "Prompt turns by stop reason.",
		}, []string{"stop_reason"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "acprelay",
			Name:      "turn_duration_seconds",
			Help:      "Prompt turn processing time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acprelay",
			Name:      "tool_calls_total",
			Help:      "Tool calls by terminal status.",
		}, []string{"status"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "acprelay",
			Name:      "sessions",
			Help:      "Sessions held in memory.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acprelay",
			Name:      "notifications_total",
			Help:      "session/update notifications by variant.",
		}, []string{"update"}),
	}
	m.registry.MustRegister(m.turns, m.turnDuration, m.toolCalls, m.sessions, m.notifications)
	m.registry.MustRegister(collectors.NewGoCollector())
	return m
}

func (m *Metrics) TurnFinished(stopReason string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(stopReason).Inc()
	m.turnDuration.Observe(d.Seconds())
}

func (m *Metrics) ToolCallFinished(status string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(status).Inc()
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) Notification(update string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(update).Inc()
}

// Gatherer exposes the registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

// Handler serves /metrics and /healthz.
func (m *Metrics) Handler() http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}).Methods("GET")
	return router
}

// Serve runs the metrics listener until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      m.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listener started", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.Wrapf(err, "metrics listener on %s", addr)
	}
}
