package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/wp-autoheal/orchestrator/internal/errors"
	"github.com/wp-autoheal/orchestrator/internal/validation"
	"github.com/wp-autoheal/orchestrator/pkg/metrics"
)

type healthCheckRequestBody struct {
	URL string `json:"url,omitempty"`
}

func (s *Server) handleHealthCheckSite(w http.ResponseWriter, r *http.Request) {
	s.handleHealthCheckTarget(w, r, "site")
}

func (s *Server) handleHealthCheckServer(w http.ResponseWriter, r *http.Request) {
	s.handleHealthCheckTarget(w, r, "server")
}

func (s *Server) handleHealthCheckTarget(w http.ResponseWriter, r *http.Request, targetType string) {
	id := chi.URLParam(r, "id")
	if err := validation.ValidateStringInput(targetType+"Id", id, 255); err != nil {
		s.writeAppError(w, r, err)
		return
	}

	var req healthCheckRequestBody
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		s.writeAppError(w, r, apperrors.NewValidationError("url is required to probe a "+targetType))
		return
	}

	result := s.probe.Probe(r.Context(), req.URL)
	metrics.RecordHealthProbe(targetType, result.OK)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"target":  map[string]string{"type": targetType, "id": id},
		"result":  result,
	})
}

func (s *Server) handleHealthCheckSystem(w http.ResponseWriter, r *http.Request) {
	var req healthCheckRequestBody
	if !decodeJSON(w, r, &req) {
		return
	}
	url := req.URL
	if url == "" {
		url = s.systemHealthCheckURL
	}
	if url == "" {
		s.writeAppError(w, r, apperrors.NewValidationError("no system health check URL configured"))
		return
	}

	result := s.probe.Probe(r.Context(), url)
	metrics.RecordHealthProbe("system", result.OK)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"target":  map[string]string{"type": "system", "id": "system"},
		"result":  result,
	})
}
