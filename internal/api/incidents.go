package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apperrors "github.com/wp-autoheal/orchestrator/internal/errors"
	"github.com/wp-autoheal/orchestrator/internal/validation"
	"github.com/wp-autoheal/orchestrator/pkg/idempotency"
	"github.com/wp-autoheal/orchestrator/pkg/incident"
	"github.com/wp-autoheal/orchestrator/pkg/metrics"
	"github.com/wp-autoheal/orchestrator/pkg/queue"
)

// createIncidentRequest is §6.1's POST /jobs/incidents body.
type createIncidentRequest struct {
	SiteID         string                 `json:"siteId" validate:"required"`
	ServerID       string                 `json:"serverId" validate:"required"`
	TriggerType    string                 `json:"triggerType" validate:"required"`
	Priority       string                 `json:"priority,omitempty"`
	MaxFixAttempts int                    `json:"maxFixAttempts,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// createIncidentResponse covers both the admitted path (incidentId/jobId/
// correlationId/traceId/state) and the flapping-denial path (success:false,
// reason, cooldownUntil, shouldEscalate) per §6.1 and §7.
type createIncidentResponse struct {
	Success        bool      `json:"success"`
	IncidentID     string    `json:"incidentId,omitempty"`
	JobID          string    `json:"jobId,omitempty"`
	CorrelationID  string    `json:"correlationId,omitempty"`
	TraceID        string    `json:"traceId,omitempty"`
	State          string    `json:"state,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	CooldownUntil  time.Time `json:"cooldownUntil,omitempty"`
	ShouldEscalate bool      `json:"shouldEscalate,omitempty"`
}

func (s *Server) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req createIncidentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := s.validate.Struct(req); err != nil {
		s.writeAppError(w, r, apperrors.NewValidationError(err.Error()))
		return
	}
	if err := validation.ValidateSiteAndServer(req.SiteID, req.ServerID); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if err := validation.ValidateTriggerType(req.TriggerType); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if err := validation.ValidatePriority(req.Priority); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	maxFixAttempts := req.MaxFixAttempts
	if maxFixAttempts == 0 {
		maxFixAttempts = s.defaultMaxFixAttempts
	}
	if err := validation.ValidateMaxFixAttempts(maxFixAttempts); err != nil {
		s.writeAppError(w, r, err)
		return
	}

	ctx := r.Context()
	now := s.now()

	decision, err := s.flapping.RecordIncident(ctx, req.SiteID, now)
	if err != nil {
		s.writeAppError(w, r, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "flapping check failed"))
		return
	}
	if decision.Flapping {
		metrics.IncidentsDeniedTotal.WithLabelValues("flapping").Inc()
		writeJSON(w, http.StatusOK, createIncidentResponse{
			Success:        false,
			Reason:         "Site is flapping: too many incidents in the detection window",
			CooldownUntil:  now.Add(s.flapping.CooldownDuration()),
			ShouldEscalate: decision.ShouldEscalate,
		})
		return
	}

	incidentID := uuid.NewString()
	correlationID := uuid.NewString()
	traceID := uuid.NewString()

	job := incident.Job{
		IncidentID:     incidentID,
		SiteID:         req.SiteID,
		ServerID:       req.ServerID,
		CurrentState:   incident.StateNew,
		MaxFixAttempts: maxFixAttempts,
		Metadata:       withTriggerType(req.Metadata, req.TriggerType, req.Priority),
		CorrelationID:  correlationID,
		TraceID:        traceID,
	}

	jobID := incidentID + "-NEW-" + uuid.NewString()
	if err := s.incidentQ.Enqueue(ctx, jobID, "PROCESS_INCIDENT", job, queue.EnqueueOptions{
		Priority: incident.PriorityOf(job),
	}); err != nil {
		s.writeAppError(w, r, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to enqueue incident job"))
		return
	}

	metrics.IncidentsCreatedTotal.WithLabelValues(req.TriggerType).Inc()

	writeJSON(w, http.StatusOK, createIncidentResponse{
		Success:       true,
		IncidentID:    incidentID,
		JobID:         jobID,
		CorrelationID: correlationID,
		TraceID:       traceID,
		State:         string(incident.StateNew),
	})
}

func withTriggerType(metadata map[string]interface{}, triggerType, priority string) map[string]interface{} {
	merged := make(map[string]interface{}, len(metadata)+2)
	for k, v := range metadata {
		merged[k] = v
	}
	merged["triggerType"] = triggerType
	if priority != "" {
		merged["priority"] = priority
	}
	return merged
}

// handleGetIncident is the §C supplement read path: the most recent
// checkpoint progress recorded for the incident, since the core does not
// own an incident projection table (§6.4 leaves incident schema a
// non-goal).
func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.writeAppError(w, r, apperrors.NewValidationError("incident id is required"))
		return
	}

	checkpoint, err := s.checkpoints.LoadLatest(r.Context(), id)
	if err != nil {
		if err == idempotency.ErrNotFound {
			s.writeAppError(w, r, apperrors.NewNotFoundError("incident"))
			return
		}
		s.writeAppError(w, r, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to load incident checkpoint"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"incidentId": id,
		"phase":      checkpoint.Phase,
		"data":       checkpoint.Data,
	})
}
