package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goodtune/shiftkiosk/internal/restart"
	"github.com/rs/zerolog"
)

// RestartController is the part of the restart orchestrator the admin API drives.
type RestartController interface {
	Status() restart.Status
	Diagnostics() restart.Diagnostics
	Postpone(minutes int) (time.Time, error)
	Cancel() error
	Dismiss()
	ForceRestart(ctx context.Context) error
}

// WarningSource reports the warning currently on display.
type WarningSource interface {
	Current() (*restart.Warning, bool)
}

// RestartHandler exposes the end-of-shift restart controls.
type RestartHandler struct {
	restart  RestartController
	warnings WarningSource
	logger   zerolog.Logger

	// run starts the forced restart sequence. The request has already been
	// answered by then.
	run func(func())
}

// NewRestartHandler creates a new restart handler.
func NewRestartHandler(ctrl RestartController, warnings WarningSource, logger zerolog.Logger) *RestartHandler {
	return &RestartHandler{
		restart:  ctrl,
		warnings: warnings,
		logger:   logger.With().Str("handler", "restart").Logger(),
		run:      func(fn func()) { go fn() },
	}
}

// GetStatus returns the orchestrator state.
func (h *RestartHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.restart.Status())
}

// GetDiagnostics returns the orchestrator state with monitor internals.
func (h *RestartHandler) GetDiagnostics(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.restart.Diagnostics())
}

// GetWarning returns the last warning and whether it is still displayed.
func (h *RestartHandler) GetWarning(w http.ResponseWriter, r *http.Request) {
	warning, open := h.warnings.Current()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"open":    open,
		"warning": warning,
	})
}

// PostponeRequest asks for a pending restart to be moved back.
type PostponeRequest struct {
	Minutes int `json:"minutes"`
}

// Postpone moves the pending restart back.
func (h *RestartHandler) Postpone(w http.ResponseWriter, r *http.Request) {
	var req PostponeRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	restartAt, err := h.restart.Postpone(req.Minutes)
	if err != nil {
		WriteError(w, restartErrorStatus(err), err.Error())
		return
	}

	h.logger.Info().Int("minutes", req.Minutes).Time("restart_at", restartAt).Msg("Restart postponed via admin API")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Restart postponed",
		"restartAt": restartAt,
	})
}

// Cancel drops the pending restart.
func (h *RestartHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.restart.Cancel(); err != nil {
		WriteError(w, restartErrorStatus(err), err.Error())
		return
	}

	h.logger.Info().Msg("Restart cancelled via admin API")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Restart cancelled",
	})
}

// Dismiss closes the warning without touching the pending restart.
func (h *RestartHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	h.restart.Dismiss()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Warning dismissed",
	})
}

// Force starts the restart sequence now. The process exits shortly after the
// response is written, so errors are only logged.
func (h *RestartHandler) Force(w http.ResponseWriter, r *http.Request) {
	status := h.restart.Status()
	if status.State == restart.StateRestarted {
		WriteError(w, http.StatusConflict, restart.ErrRestartInProgress.Error())
		return
	}

	h.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("Forced restart requested via admin API")
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"message": "Restart initiated",
	})

	h.run(func() {
		if err := h.restart.ForceRestart(context.Background()); err != nil {
			h.logger.Error().Err(err).Msg("Forced restart failed")
		}
	})
}

func restartErrorStatus(err error) int {
	switch {
	case errors.Is(err, restart.ErrNotPending):
		return http.StatusNotFound
	case errors.Is(err, restart.ErrRestartInProgress):
		return http.StatusConflict
	case errors.Is(err, restart.ErrPostponeNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, restart.ErrPostponeLimit), errors.Is(err, restart.ErrInvalidPostpone):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
