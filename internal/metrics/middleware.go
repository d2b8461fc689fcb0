package metrics

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/CSroseX/traced-gateway/internal/tenant"
)

// statusCapture remembers the status a handler answered with.
type statusCapture struct {
	http.ResponseWriter
	statusCode int
	wrote      bool
}

func (sc *statusCapture) WriteHeader(code int) {
	if !sc.wrote {
		sc.statusCode = code
		sc.wrote = true
	}
	sc.ResponseWriter.WriteHeader(code)
}

func (sc *statusCapture) Write(b []byte) (int, error) {
	sc.wrote = true
	return sc.ResponseWriter.Write(b)
}

func (sc *statusCapture) Flush() {
	if f, ok := sc.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records requests to route. It must run after the tenant is
// known; requests without one are labelled "unknown".
func (m *Metrics) Middleware(route string, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sc := &statusCapture{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sc, r)

			duration := time.Since(start)
			tenantID := "unknown"
			if t, ok := tenant.FromContext(r.Context()); ok {
				tenantID = t.ID
			}
			m.RecordRequest(route, tenantID, sc.statusCode, duration)

			logger.Debug("request served",
				zap.String("route", route),
				zap.String("path", r.URL.Path),
				zap.String("tenant", tenantID),
				zap.Int("status", sc.statusCode),
				zap.Int64("duration_ms", duration.Milliseconds()),
			)
		})
	}
}
