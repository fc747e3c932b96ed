package api

import (
	"net/http"

	"Aegis-Evaluator/internal/observability/metrics"
)

// route 为业务接口挂载限流、请求体限制与指标采集。
func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.HandlerFunc) {
	mux.Handle(pattern, metrics.InstrumentHandler(name, s.limit(h)))
}

func (s *Server) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, errRateLimited)
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
		}
		next(w, r)
	}
}
