// Package observability wires the prometheus request counter and the otel
// tracer. Without a configured exporter the tracer is the global no-op
// provider, which keeps span plumbing in place for deployments that set one.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var RequestCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "telemetry_requests_total",
		Help: "Total requests by endpoint, method and status.",
	},
	[]string{"endpoint", "method", "status"},
)

func init() {
	prometheus.MustRegister(RequestCounter)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Tracer() oteltrace.Tracer {
	return otel.Tracer("telemetry-service")
}

// Middleware counts requests per endpoint and opens a span around each one.
func Middleware(tracer oteltrace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
			next.ServeHTTP(rw, r.WithContext(ctx))
			span.End()
			RequestCounter.WithLabelValues(r.URL.Path, r.Method, statusClass(rw.status)).Inc()
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
