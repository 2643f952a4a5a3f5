package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// WrappedResponseWriter captures the written HTTP status code
type WrappedResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

// WrapResponseWriter wraps original http.ResponseWriter
func WrapResponseWriter(w http.ResponseWriter) *WrappedResponseWriter {
	return &WrappedResponseWriter{ResponseWriter: w, status: http.StatusOK}
}

// Status returns response status
func (rw *WrappedResponseWriter) Status() int {
	return rw.status
}

// WriteHeader wraps http.ResponseWriter.WriteHeader method
func (rw *WrappedResponseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
	rw.wroteHeader = true
}

// Flush lets streaming handlers flush through the wrapper
func (rw *WrappedResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// HTTPMiddleware counts and times every API request by route template
type HTTPMiddleware struct {
	ctx      context.Context
	requests metric.Int64Counter
	duration metric.Int64Histogram
}

// NewHTTPMiddleware creates a new HTTPMiddleware. A nil meter records nothing.
func NewHTTPMiddleware(ctx context.Context, meter metric.Meter) (*HTTPMiddleware, error) {
	m := &HTTPMiddleware{ctx: ctx}
	if meter == nil {
		return m, nil
	}

	requests, err := meter.Int64Counter("http_requests_total", metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Int64Histogram("http_request_duration_ms", metric.WithUnit("milliseconds"))
	if err != nil {
		return nil, err
	}
	m.requests = requests
	m.duration = duration
	return m, nil
}

// Handler logs every request and response and records them
func (m *HTTPMiddleware) Handler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		reqStart := time.Now()
		w := WrapResponseWriter(rw)
		h.ServeHTTP(w, r)

		if w.Status() > 399 {
			log.WithContext(r.Context()).Debugf("HTTP response: %v %v status %v", r.Method, r.URL.Path, w.Status())
		} else {
			log.WithContext(r.Context()).Tracef("HTTP response: %v %v status %v", r.Method, r.URL.Path, w.Status())
		}

		if m.requests == nil {
			return
		}
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		attrs := metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("method", r.Method),
			attribute.Int("code", w.Status()),
		)
		m.requests.Add(m.ctx, 1, attrs)
		m.duration.Record(m.ctx, time.Since(reqStart).Milliseconds(), attrs)
	})
}
