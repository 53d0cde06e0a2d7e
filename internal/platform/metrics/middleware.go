package metrics

import (
	"net/http"
)

// statusRecorder captures the response status for request accounting.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestMiddleware returns chi-compatible middleware recording request and
// error totals. Gateway timeouts are not counted as errors: they are the
// normal outcome of a blocking manifest fetch expiring and are tracked by
// their own counter.
func RequestMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			m.IncRequests()
			if rec.status >= 400 && rec.status != http.StatusGatewayTimeout {
				m.IncErrors()
			}
		})
	}
}
