package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sapliy/coordination/pkg/jsonutil"
	"github.com/sapliy/coordination/pkg/observability"
	"github.com/sapliy/coordination/pkg/resilience"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.size += n
	return n, err
}

// LogRequests writes one access log line per request, tagged with the trace
// and span of the request. Server errors log at error level, client errors
// at warn, everything else at debug.
func LogRequests(logger *observability.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelDebug
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		logger.WithContext(r.Context()).Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", rec.size,
			"duration", time.Since(start),
		)
	})
}

// BreakerSource reports the circuit breakers guarding outbound calls.
type BreakerSource interface {
	Breakers() []resilience.BreakerSnapshot
}

// MountBreakers serves GET /health/breakers.
func MountBreakers(r *mux.Router, src BreakerSource) {
	r.HandleFunc("/health/breakers", func(w http.ResponseWriter, _ *http.Request) {
		jsonutil.WriteJSON(w, http.StatusOK, map[string]any{"breakers": src.Breakers()})
	}).Methods(http.MethodGet)
}
