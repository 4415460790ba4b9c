package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/goodtune/shiftkiosk/internal/recovery"
	"github.com/goodtune/shiftkiosk/internal/snapshot"
	"github.com/rs/zerolog"
)

// BackupManager lists, expires and restores session snapshots.
type BackupManager interface {
	AvailableBackups() ([]snapshot.Info, error)
	CleanupOldBackups(retentionDays int) (int, error)
	ManualRecovery(ctx context.Context, name string) (*recovery.Report, error)
}

// BackupsHandler serves the snapshot files written before automatic restarts.
type BackupsHandler struct {
	backups BackupManager
	logger  zerolog.Logger
}

// NewBackupsHandler creates a new backups handler.
func NewBackupsHandler(backups BackupManager, logger zerolog.Logger) *BackupsHandler {
	return &BackupsHandler{
		backups: backups,
		logger:  logger.With().Str("handler", "backups").Logger(),
	}
}

// List returns every snapshot, newest first.
func (h *BackupsHandler) List(w http.ResponseWriter, r *http.Request) {
	backups, err := h.backups.AvailableBackups()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list backups")
		WriteError(w, http.StatusInternalServerError, "Failed to list backups")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"backups": backups,
		"count":   len(backups),
	})
}

// CleanupRequest overrides the configured retention.
type CleanupRequest struct {
	RetentionDays int `json:"retentionDays,omitempty"`
}

// Cleanup deletes snapshots older than the retention period.
func (h *BackupsHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.RetentionDays < 0 {
		WriteError(w, http.StatusBadRequest, "Retention days must not be negative")
		return
	}

	deleted, err := h.backups.CleanupOldBackups(req.RetentionDays)
	if err != nil {
		h.logger.Error().Err(err).Int("deleted", deleted).Msg("Backup cleanup incomplete")
		WriteError(w, http.StatusInternalServerError, "Backup cleanup failed: "+err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Backup cleanup complete",
		"deleted": deleted,
	})
}

// RecoverRequest names the snapshot to restore.
type RecoverRequest struct {
	File string `json:"file"`
}

// Recover restores the sessions in one snapshot, regardless of its age.
func (h *BackupsHandler) Recover(w http.ResponseWriter, r *http.Request) {
	var req RecoverRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.File == "" {
		WriteError(w, http.StatusBadRequest, "File is required")
		return
	}

	report, err := h.backups.ManualRecovery(r.Context(), req.File)
	switch {
	case errors.Is(err, recovery.ErrNoSnapshot):
		WriteError(w, http.StatusNotFound, "Backup not found")
		return
	case errors.Is(err, snapshot.ErrInvalidName):
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, recovery.ErrRecoveryInProgress):
		WriteError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.logger.Error().Err(err).Str("file", req.File).Msg("Manual recovery failed")
		WriteError(w, http.StatusInternalServerError, "Recovery failed: "+err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, report)
}
