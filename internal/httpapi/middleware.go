package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"omniman/internal/config"
)

const (
	headerRequestID = "X-Request-ID"
	headerAPIKey    = "X-API-Key"
)

type ctxKey int

const requestIDKey ctxKey = iota

// requestIDFrom returns the request id stamped by withRequestID, "" when
// the middleware did not run.
func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// withRequestID honors a caller-supplied X-Request-ID and generates one
// otherwise. The id is echoed on the response and carried in the context for
// the access log.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFrom(r.Context()),
			"remote", r.RemoteAddr)
	})
}

type keyGrade int

const (
	gradeNone keyGrade = iota
	gradeStandard
	gradeAdmin
)

func (s *Server) gradeOf(key string) keyGrade {
	if key == "" {
		return gradeNone
	}
	if s.adminKeys[key] {
		return gradeAdmin
	}
	if s.apiKeys[key] {
		return gradeStandard
	}
	return gradeNone
}

// satisfies reports whether a key grade meets any of the permission classes.
// Admin keys satisfy the api_key class as well.
func satisfies(classes []string, g keyGrade) bool {
	for _, cls := range classes {
		switch cls {
		case config.PermAllowAny:
			return true
		case config.PermAPIKey:
			if g >= gradeStandard {
				return true
			}
		case config.PermAdminKey:
			if g == gradeAdmin {
				return true
			}
		}
	}
	return false
}

// guard rejects requests whose X-API-Key does not meet the permission
// classes for the route group.
func (s *Server) guard(classes []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !satisfies(classes, s.gradeOf(r.Header.Get(headerAPIKey))) {
			s.authLog.Warn("request rejected",
				"path", r.URL.Path,
				"request_id", requestIDFrom(r.Context()),
				"remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Code:    "unauthorized",
				Message: "a valid API key is required",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limit applies the scope's token bucket. Rejections count on the
// rate-limited metric under the scope label.
func (s *Server) limit(scope string, next http.Handler) http.Handler {
	l := s.limiters[scope]
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow() {
			s.metrics.RateLimited.Add(r.Context(), 1, metric.WithAttributes(
				attribute.String("scope", scope)))
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Code:    "rate_limited",
				Message: "too many requests",
				Context: map[string]interface{}{"scope": scope},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
