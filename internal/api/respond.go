// Package api implements the control-plane HTTP surface (§6.1): the
// exposed, not-internal endpoints for creating incident jobs, triggering
// data-retention and health-check jobs, and inspecting/managing the three
// named queues.
package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/wp-autoheal/orchestrator/internal/errors"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON decodes r's body into dst, writing a 400 and returning false on
// a malformed payload so handlers can return immediately.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "malformed JSON body: " + err.Error()})
		return false
	}
	return true
}

// writeAppError maps err to its taxonomy status code (§7) and writes a
// redacted, user-safe body. Circuit-open/flapping/loop-bound denials are
// policy results, not failures, so they render as 200s with success:false
// at the call site rather than reaching here.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.GetStatusCode(err)
	if status == http.StatusOK {
		status = http.StatusInternalServerError
	}
	fields := apperrors.LogFields(err)
	s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Any("details", fields))
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   apperrors.SafeErrorMessage(err),
	})
}
