package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/servicekit/internal/runtime/ids"
	"github.com/drblury/servicekit/internal/runtime/logging"
)

// CorrelationIDHeader carries the request's correlation id in both directions.
const CorrelationIDHeader = "X-Correlation-ID"

const tracerName = "github.com/drblury/servicekit/httpserver"

// DefaultMiddlewares is the chain every server starts with, outermost first.
func DefaultMiddlewares(log logging.ServiceLogger) []Middleware {
	return []Middleware{
		CorrelationID,
		Tracer,
		LogRequests(log),
		Recoverer(log),
	}
}

// CorrelationID reuses the caller's correlation id or creates one.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationIDHeader)
		if id == "" {
			id = ids.New()
			r.Header.Set(CorrelationIDHeader, id)
		}
		w.Header().Set(CorrelationIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// Tracer wraps each request in a server span.
func Tracer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer(tracerName).Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("servicekit.correlation_id", r.Header.Get(CorrelationIDHeader)),
			),
		)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", ww.Status()))
		if ww.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(ww.Status()))
		}
	})
}

// LogRequests logs every request at debug level.
func LogRequests(log logging.ServiceLogger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("HTTP request", logging.LogFields{
				"method":         r.Method,
				"path":           r.URL.Path,
				"status":         ww.Status(),
				"bytes":          ww.BytesWritten(),
				"duration":       time.Since(start).String(),
				"correlation_id": r.Header.Get(CorrelationIDHeader),
			})
		})
	}
}

// Recoverer turns a handler panic into a 500 and logs it.
func Recoverer(log logging.ServiceLogger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil || rec == http.ErrAbortHandler {
					if rec != nil {
						panic(rec)
					}
					return
				}
				log.Error("Handler panicked", fmt.Errorf("%v", rec), logging.LogFields{"method": r.Method, "path": r.URL.Path})
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"Internal Server Error"}`))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
