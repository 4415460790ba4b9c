package api

import (
	"errors"
	"net/http"

	"github.com/goodtune/shiftkiosk/internal/ledger"
	"github.com/goodtune/shiftkiosk/internal/shift"
	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/rs/zerolog"
)

// SessionsHandler handles usage session API requests.
type SessionsHandler struct {
	ledger *ledger.Ledger
	clock  shift.Clock
	logger zerolog.Logger
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(l *ledger.Ledger, clock shift.Clock, logger zerolog.Logger) *SessionsHandler {
	return &SessionsHandler{
		ledger: l,
		clock:  clock,
		logger: logger.With().Str("handler", "sessions").Logger(),
	}
}

// ListActiveSessions returns all active usage sessions.
func (h *SessionsHandler) ListActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.ledger.ListActiveSessions(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list active sessions")
		WriteError(w, http.StatusInternalServerError, "Failed to retrieve sessions")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSession returns a specific session by ID.
func (h *SessionsHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "Invalid session ID")
		return
	}

	session, err := h.ledger.Store().Sessions().Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Session not found")
			return
		}
		h.logger.Error().Err(err).Int64("id", id).Msg("Failed to get session")
		WriteError(w, http.StatusInternalServerError, "Failed to retrieve session")
		return
	}

	WriteJSON(w, http.StatusOK, session)
}

// TerminateSession closes an active session.
func (h *SessionsHandler) TerminateSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "Invalid session ID")
		return
	}

	closed, err := h.ledger.CloseSession(r.Context(), id, h.clock.Now(), "Closed by administrator")
	switch {
	case errors.Is(err, storage.ErrNotFound):
		WriteError(w, http.StatusNotFound, "Session not found")
		return
	case errors.Is(err, storage.ErrSessionClosed):
		WriteError(w, http.StatusConflict, "Session already closed")
		return
	case err != nil:
		h.logger.Error().Err(err).Int64("id", id).Msg("Failed to terminate session")
		WriteError(w, http.StatusInternalServerError, "Failed to terminate session")
		return
	}

	h.logger.Info().Int64("id", id).Int64("unit_id", closed.UnitID).Msg("Session terminated")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Session terminated successfully",
		"session": closed,
	})
}
