package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cyberinferno/volserve/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminHandler returns the HTTP surface for operators:
//
//	GET    /healthz        liveness probe
//	GET    /metrics        Prometheus metrics from gatherer
//	GET    /info           renderer names and load
//	GET    /sessions       live sessions
//	DELETE /sessions/{id}  disconnect a session
//	GET    /cache          volume cache counters
//	DELETE /cache          clear the volume cache
//
// Parameters:
//   - gatherer: The registry the server's Metrics were registered with
//
// Returns:
//   - A chi router
func (s *Server) AdminHandler(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/info", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Info())
	})
	r.Get("/sessions", s.listSessions)
	r.Delete("/sessions/{id}", s.closeSession)
	r.Get("/cache", s.cacheStats)
	r.Delete("/cache", s.clearCache)

	return r
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.Sessions()
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Info())
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	sess, ok := s.GetSession(uint32(id))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	_ = sess.Close()
	s.log.Info("session closed by operator", logger.Field{Key: "session_id", Value: id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Cache == nil {
		http.Error(w, "volume cache disabled", http.StatusNotImplemented)
		return
	}

	items, err := s.cfg.Cache.ItemCount(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	st := s.cfg.Cache.Stats()
	writeJSON(w, http.StatusOK, map[string]uint64{
		"items":   uint64(items),
		"hits":    st.Hits,
		"misses":  st.Misses,
		"fetches": st.Fetches,
	})
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Cache == nil {
		http.Error(w, "volume cache disabled", http.StatusNotImplemented)
		return
	}

	if err := s.cfg.Cache.Clear(r.Context()); err != nil {
		s.log.Error("volume cache clear failed", logger.Field{Key: "error", Value: err})
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.log.Info("volume cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
