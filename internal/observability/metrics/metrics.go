// Package metrics 使用 Prometheus 客户端暴露调用引擎、任务队列与 HTTP 指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autonomify"

// Registry 聚合进程内所有指标。测试可以创建独立实例避免全局状态互相干扰。
type Registry struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	dispatches      *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec

	tasks      *prometheus.CounterVec
	loopAborts *prometheus.CounterVec
}

// New 创建一个新的指标注册表。
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "calls_total",
			Help:      "Structured calls dispatched, by kind and error code.",
		}, []string{"kind", "code"}),
		dispatchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Dispatch latency including the chain round trip.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "completed_total",
			Help:      "Queued tasks that reached a terminal status.",
		}, []string{"status", "code"}),
		loopAborts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "loop_aborts_total",
			Help:      "Agent turns stopped by the loop guard.",
		}, []string{"reason"}),
	}
}

// WithRuntimeCollectors 追加 Go 运行时与进程指标。
func (r *Registry) WithRuntimeCollectors() *Registry {
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer 返回底层注册表，便于测试读取。
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Registry) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	r.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		r.httpErrors.WithLabelValues(handler, method).Inc()
	}
	r.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveDispatch 实现 dispatch.Observer。成功调用的 code 为 "OK"。
func (r *Registry) ObserveDispatch(kind, code string, elapsed time.Duration) {
	if code == "" {
		code = "OK"
	}
	r.dispatches.WithLabelValues(kind, code).Inc()
	r.dispatchLatency.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObserveTask 记录任务终态。
func (r *Registry) ObserveTask(status, code string) {
	r.tasks.WithLabelValues(status, code).Inc()
}

// ObserveLoopAbort 记录一次对话循环被终止的原因。
func (r *Registry) ObserveLoopAbort(reason string) {
	r.loopAborts.WithLabelValues(reason).Inc()
}

// Handler exposes the registry in Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Middleware 包装处理器并记录请求数、错误数与耗时。
func (r *Registry) Middleware(handler string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		r.ObserveHTTPRequest(handler, req.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

var defaultRegistry = New().WithRuntimeCollectors()

// Default 返回进程级共享注册表。
func Default() *Registry { return defaultRegistry }

// ObserveHTTPRequest records metrics on the default registry.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultRegistry.ObserveHTTPRequest(handler, method, status, duration)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return defaultRegistry.Handler()
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

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
