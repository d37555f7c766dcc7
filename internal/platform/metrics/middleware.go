package metrics

import "net/http"

// statusRecorder captures the response status code for error counting.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers (the MJPEG proxy) flush through the wrapper.
func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestMiddleware returns a chi-compatible middleware that counts requests
// and error responses. With a nil Metrics it is a pass-through.
func RequestMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			m.IncRequests()
			wrap := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrap, r)
			if wrap.status >= 400 {
				m.IncErrors()
			}
		})
	}
}
