package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// routes are the diagnostics endpoints. Any other path is reported as
// "other" so stray requests cannot inflate metric cardinality.
var routes = map[string]bool{
	"/metrics": true,
	"/healthz": true,
	"/readyz":  true,
}

func routeOf(path string) string {
	if routes[path] {
		return path
	}
	return "other"
}

// Middleware instruments the diagnostics server. Each request gets a server
// span continuing any incoming W3C trace context, an X-Correlation-ID
// response header carrying the trace ID, and a sample in
// [Metrics.HTTPRequestDuration] labelled by method, route and status.
// Probe and scrape requests are logged at debug level, everything else at
// info.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &instrumented{next: next, metrics: m, prop: propagation.TraceContext{}}
	}
}

type instrumented struct {
	next    http.Handler
	metrics *Metrics
	prop    propagation.TextMapPropagator
}

func (h *instrumented) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	route := routeOf(r.URL.Path)

	ctx := h.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, r.Method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
	defer span.End()

	cid := CorrelationID(ctx)
	if cid != "" {
		w.Header().Set("X-Correlation-ID", cid)
	}

	sw := &statusWriter{ResponseWriter: w}
	h.next.ServeHTTP(sw, r.WithContext(ctx))
	status := sw.code()
	elapsed := time.Since(start)

	span.SetAttributes(semconv.HTTPResponseStatusCode(status))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}

	h.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", route),
			attribute.Int("status", status),
		),
	)

	level := slog.LevelInfo
	if route != "other" {
		level = slog.LevelDebug
	}
	Logger(ctx, nil).LogAttrs(ctx, level, "http request",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", elapsed),
	)
}

// statusWriter remembers the first status code written.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
