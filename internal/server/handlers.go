package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

// handleHealth handles GET /health. Exempt from auth so load balancers and
// uptime checks can reach it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "clarity",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleTriggerBackup handles POST /api/system/backup.
func (s *Server) handleTriggerBackup(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "backups are not configured",
		})
		return
	}

	if err := s.backups.CreateAndUpload(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("Manual backup failed")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "backup failed",
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]string{"status": "completed"},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// handleListBackups handles GET /api/system/backups.
func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "backups are not configured",
		})
		return
	}

	backups, err := s.backups.ListBackups(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list backups")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list backups",
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": backups,
		"metadata": map[string]interface{}{
			"count":     len(backups),
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// handleStageRestore handles POST /api/system/restore. The archive is staged
// now and applied at the next startup, before the databases open.
func (s *Server) handleStageRestore(w http.ResponseWriter, r *http.Request) {
	if s.restores == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "restores are not configured",
		})
		return
	}

	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON body",
		})
		return
	}

	staged, err := s.restores.Stage(r.Context(), body.Key)
	if err != nil {
		s.log.Error().Err(err).Str("key", body.Key).Msg("Failed to stage restore")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to stage restore",
		})
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"data": map[string]string{
			"staged_key": staged,
			"status":     "staged, applied at next startup",
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}
