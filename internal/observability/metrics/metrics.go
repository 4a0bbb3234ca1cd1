// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "X402-Chain/internal/errors"
)

const namespace = "x402"

var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(registry)

	httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	operations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "core",
		Name:      "operations_total",
		Help:      "State-changing operations by component and outcome.",
	}, []string{"component", "operation", "outcome", "category"})

	jobs = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "processed_total",
		Help:      "Operator jobs processed by kind and stage.",
	}, []string{"kind", "stage"})
)

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// RecordOperation counts a state-changing call. A nil err counts as "ok";
// otherwise the outcome is the error code and the category its taxonomy.
func RecordOperation(component, operation string, err error) {
	outcome, category := "ok", "none"
	if err != nil {
		outcome = string(xerrors.CodeOf(err))
		category = string(xerrors.CategoryOf(err))
	}
	operations.WithLabelValues(component, operation, outcome, category).Inc()
}

// RecordJob counts a job lifecycle transition.
func RecordJob(kind, stage string) {
	jobs.WithLabelValues(kind, stage).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
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
