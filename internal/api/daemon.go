package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/muhrin/aiida-core/internal/daemon"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		respondError(w, http.StatusServiceUnavailable, "daemon scheduler not available")
		return
	}
	states, err := s.scheduler.TaskStates(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, states)
}

// handleTickTask runs one roster task now, honouring its timestamps.
func (s *Server) handleTickTask(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		respondError(w, http.StatusServiceUnavailable, "daemon scheduler not available")
		return
	}
	name := chi.URLParam(r, "task")
	if err := s.scheduler.Tick(r.Context(), name); err != nil {
		if errors.Is(err, daemon.ErrUnknownTask) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("manual tick failed", "task", name, "error", err)
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"task": name, "status": "ticked"})
}

func (s *Server) handleHostMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondError(w, http.StatusServiceUnavailable, "host metrics not enabled")
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Collect(r.Context()))
}
