package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"fusion_gateway/internal/utils"
)

const (
	// RequestIDKey holds the request id string
	RequestIDKey ContextKey = "requestID"

	RequestIDHeader = "X-Request-ID"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

// AccessLog assigns a request id (reusing a valid inbound X-Request-ID), echoes
// it in the response and logs one line per request. Panics become 500s.
func AccessLog(logger *utils.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(RequestIDHeader)
			if _, err := uuid.Parse(requestID); err != nil {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			rec := &statusRecorder{ResponseWriter: w}
			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)

			defer func() {
				if p := recover(); p != nil {
					logger.Error("Handler panicked", "request_id", requestID, "method", r.Method, "path", r.URL.Path, "panic", p)
					if rec.status == 0 {
						utils.RespondWithError(rec, http.StatusInternalServerError, "Internal server error")
					}
				}

				status := rec.status
				if status == 0 {
					status = http.StatusOK
				}
				keyvals := []interface{}{
					"request_id", requestID,
					"method", r.Method,
					"path", r.URL.Path,
					"status", status,
					"bytes", rec.bytes,
					"duration_ms", time.Since(start).Milliseconds(),
				}

				if status >= http.StatusInternalServerError {
					logger.Warn("Request completed", keyvals...)
				} else {
					logger.Info("Request completed", keyvals...)
				}
			}()

			next.ServeHTTP(rec, r.WithContext(ctx))
		})
	}
}

// RequestIDFromContext returns the id assigned by AccessLog
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}
