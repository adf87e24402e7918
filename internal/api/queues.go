package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/wp-autoheal/orchestrator/internal/errors"
)

// handleQueueStats returns §6.1's per-queue counts for all three named
// queues the dispatcher owns.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{}
	for _, name := range []string{"incident-processing", "data-retention", "health-checks"} {
		q := s.dispatcher.Queue(name)
		if q == nil {
			continue
		}
		st, err := q.Stats(r.Context())
		if err != nil {
			s.writeAppError(w, r, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to load queue stats"))
			return
		}
		stats[name] = st
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	q := s.dispatcher.Queue(name)
	if q == nil {
		s.writeAppError(w, r, apperrors.NewNotFoundError("queue "+name))
		return
	}
	if err := q.Pause(r.Context()); err != nil {
		s.writeAppError(w, r, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to pause queue"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	q := s.dispatcher.Queue(name)
	if q == nil {
		s.writeAppError(w, r, apperrors.NewNotFoundError("queue "+name))
		return
	}
	if err := q.Resume(r.Context()); err != nil {
		s.writeAppError(w, r, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to resume queue"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueClean(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	q := s.dispatcher.Queue(name)
	if q == nil {
		s.writeAppError(w, r, apperrors.NewNotFoundError("queue "+name))
		return
	}

	var req struct {
		GracePeriodHours int `json:"gracePeriodHours,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	hours := req.GracePeriodHours
	if hours <= 0 {
		hours = 24
	}
	grace := time.Duration(hours) * time.Hour

	if _, err := q.Clean(r.Context(), "completed", grace); err != nil {
		s.writeAppError(w, r, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to clean completed jobs"))
		return
	}
	if _, err := q.Clean(r.Context(), "failed", grace); err != nil {
		s.writeAppError(w, r, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to clean failed jobs"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
