package api

import (
	"net/http"

	apperrors "github.com/wp-autoheal/orchestrator/internal/errors"
	"github.com/wp-autoheal/orchestrator/internal/validation"
	"github.com/wp-autoheal/orchestrator/pkg/retention"
)

// purgeRequestBody is §6.1's POST /jobs/data-retention/purge body.
type purgeRequestBody struct {
	RetentionDays   int    `json:"retentionDays" validate:"required"`
	TableName       string `json:"tableName,omitempty"`
	DryRun          bool   `json:"dryRun,omitempty"`
	Confirmed       bool   `json:"confirmed,omitempty"`
	CreateBackup    bool   `json:"createBackup,omitempty"`
	VerifyIntegrity bool   `json:"verifyIntegrity,omitempty"`
	MaxRecords      int    `json:"maxRecords,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequestBody
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validation.ValidateRetentionDays(req.RetentionDays); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if err := validation.ValidateTableName(req.TableName); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	maxRecords := req.MaxRecords
	if maxRecords == 0 {
		maxRecords = 10_000
	}
	if err := validation.ValidateMaxRecords(maxRecords); err != nil {
		s.writeAppError(w, r, err)
		return
	}

	outcome, err := s.retention.Purge(r.Context(), retention.PurgeRequest{
		RetentionDays:   req.RetentionDays,
		MaxRecords:      maxRecords,
		TableName:       req.TableName,
		DryRun:          req.DryRun,
		Confirmed:       req.Confirmed,
		CreateBackup:    req.CreateBackup,
		VerifyIntegrity: req.VerifyIntegrity,
		Reason:          nonEmpty(req.Reason, "control-plane purge request"),
	})
	if err != nil {
		if confirmErr, ok := err.(*retention.ErrConfirmationRequired); ok {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"success":              false,
				"reason":               confirmErr.Error(),
				"table":                confirmErr.Table,
				"riskLevel":            string(confirmErr.Risk),
				"confirmationRequired": true,
			})
			return
		}
		s.writeAppError(w, r, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "purge failed"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "outcome": outcome})
}

// handleCleanupArtifacts purges the health_check_results table: the
// artifact-like data the system accumulates from C7's recurring health
// probes (§6.4 leaves the exact entity schema open, so "artifacts" here
// means the one entity table that is not the incident record itself).
func (s *Server) handleCleanupArtifacts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RetentionDays int  `json:"retentionDays,omitempty"`
		DryRun        bool `json:"dryRun,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	retentionDays := req.RetentionDays
	if retentionDays == 0 {
		retentionDays = 3
	}
	if err := validation.ValidateRetentionDays(retentionDays); err != nil {
		s.writeAppError(w, r, err)
		return
	}

	outcome, err := s.retention.Purge(r.Context(), retention.PurgeRequest{
		RetentionDays: retentionDays,
		MaxRecords:    10_000,
		TableName:     "health_check_results",
		DryRun:        req.DryRun,
		Confirmed:     true,
		Reason:        "scheduled artifact cleanup",
	})
	if err != nil {
		s.writeAppError(w, r, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "artifact cleanup failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "outcome": outcome})
}

func (s *Server) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	if err := s.anonymizer.Run(r.Context()); err != nil {
		s.writeAppError(w, r, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "anonymization failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
