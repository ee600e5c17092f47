// Package metrics exposes Prometheus collectors for decision cycles, oracle
// calls and the HTTP API on a dedicated registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "treasury"

// Metrics 聚合服务的全部指标。
type Metrics struct {
	registry *prometheus.Registry

	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	lastConfidence  prometheus.Gauge
	forwarded       *prometheus.CounterVec
	oracleCalls     *prometheus.CounterVec
	oracleLatency   *prometheus.HistogramVec
	httpRequests    *prometheus.CounterVec
	httpErrors      *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
	queueSubmission *prometheus.CounterVec
}

// New 创建指标集合并注册到独立的 registry。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Decision cycles by final action and status.",
		}, []string{"action", "status"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a decision cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		lastConfidence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_decision_confidence",
			Help:      "Confidence of the most recent decision.",
		}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_withdrawals_total",
			Help:      "Withdraw commands forwarded to the executor after a cycle.",
		}, []string{"outcome"}),
		oracleCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_calls_total",
			Help:      "Reasoning oracle calls by agent and outcome.",
		}, []string{"agent", "outcome"}),
		oracleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oracle_call_duration_seconds",
			Help:      "Reasoning oracle call latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 90},
		}, []string{"agent"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		queueSubmission: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_submissions_total",
			Help:      "Cycle submissions by source.",
		}, []string{"source"}),
	}
	m.registry.MustRegister(
		m.cycles, m.cycleDuration, m.lastConfidence, m.forwarded,
		m.oracleCalls, m.oracleLatency,
		m.httpRequests, m.httpErrors, m.httpLatency,
		m.queueSubmission,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回底层 registry。
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveCycle 记录一个结束的周期。action 为空表示周期没有产生决策。
func (m *Metrics) ObserveCycle(action, status string, confidence float64, duration time.Duration) {
	if m == nil {
		return
	}
	if action == "" {
		action = "none"
	}
	m.cycles.WithLabelValues(action, status).Inc()
	m.cycleDuration.Observe(duration.Seconds())
	if action != "none" {
		m.lastConfidence.Set(confidence)
	}
}

// ObserveForwardedWithdrawal 记录处理器补发的撤资指令。
func (m *Metrics) ObserveForwardedWithdrawal(outcome string) {
	if m == nil {
		return
	}
	m.forwarded.WithLabelValues(outcome).Inc()
}

// ObserveSubmission 记录一次周期提交。
func (m *Metrics) ObserveSubmission(source string) {
	if m == nil {
		return
	}
	m.queueSubmission.WithLabelValues(source).Inc()
}

// ObserveOracleCall 记录一次推理服务调用。
func (m *Metrics) ObserveOracleCall(agent string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	if agent == "" {
		agent = "unknown"
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.oracleCalls.WithLabelValues(agent, outcome).Inc()
	m.oracleLatency.WithLabelValues(agent).Observe(duration.Seconds())
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
