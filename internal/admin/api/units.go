package api

import (
	"net/http"
	"time"

	"github.com/goodtune/shiftkiosk/internal/ledger"
	"github.com/goodtune/shiftkiosk/internal/shiftchange"
	"github.com/rs/zerolog"
)

// UnitsHandler serves per-unit shift state and manual shift changes.
type UnitsHandler struct {
	ledger *ledger.Ledger
	coord  *shiftchange.Coordinator
	logger zerolog.Logger
}

// NewUnitsHandler creates a new units handler.
func NewUnitsHandler(l *ledger.Ledger, coord *shiftchange.Coordinator, logger zerolog.Logger) *UnitsHandler {
	return &UnitsHandler{
		ledger: l,
		coord:  coord,
		logger: logger.With().Str("handler", "units").Logger(),
	}
}

// ShiftStatus returns the unit's current shift, path and active session.
func (h *UnitsHandler) ShiftStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "Invalid unit ID")
		return
	}

	status, err := h.coord.UnitStatus(r.Context(), id)
	if err != nil {
		if ledger.IsNotFound(err) {
			WriteError(w, http.StatusNotFound, "Unit not found")
			return
		}
		h.logger.Error().Err(err).Int64("unit_id", id).Msg("Failed to get unit shift status")
		WriteError(w, http.StatusInternalServerError, "Failed to retrieve shift status")
		return
	}

	WriteJSON(w, http.StatusOK, status)
}

// ShiftHistory returns the unit's shift log, optionally bounded by the
// RFC 3339 query parameters from and to.
func (h *UnitsHandler) ShiftHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "Invalid unit ID")
		return
	}

	from, err := parseTimeParam(r, "from")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid from time (expected RFC 3339)")
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid to time (expected RFC 3339)")
		return
	}

	entries, err := h.coord.History(r.Context(), id, from, to)
	if err != nil {
		h.logger.Error().Err(err).Int64("unit_id", id).Msg("Failed to get shift history")
		WriteError(w, http.StatusInternalServerError, "Failed to retrieve shift history")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"unitId":  id,
		"entries": entries,
		"count":   len(entries),
	})
}

// ShiftChangeRequest asks for a manual shift change.
type ShiftChangeRequest struct {
	Shift  string `json:"shift"`
	UserID int64  `json:"userId,omitempty"`
}

// ShiftChange moves the unit's active session to another shift.
func (h *UnitsHandler) ShiftChange(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "Invalid unit ID")
		return
	}

	var req ShiftChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Shift == "" {
		WriteError(w, http.StatusBadRequest, "Shift is required")
		return
	}

	result := h.coord.ManualShiftChange(r.Context(), id, req.UserID, req.Shift)
	WriteJSON(w, resultStatus(result), result)
}

func resultStatus(result shiftchange.Result) int {
	if result.Success {
		return http.StatusOK
	}
	switch result.Code {
	case shiftchange.CodeUnitNotFound, shiftchange.CodeShiftNotFound, shiftchange.CodeNoActiveSession:
		return http.StatusNotFound
	case shiftchange.CodeShiftSystemDisabled, shiftchange.CodePathNotConfigured:
		return http.StatusUnprocessableEntity
	case shiftchange.CodeLaunchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ShiftConfigRequest updates a unit's shift settings. Nil fields are left as is.
type ShiftConfigRequest struct {
	UsesShiftSystem *bool             `json:"usesShiftSystem,omitempty"`
	ShiftEnabled    *bool             `json:"shiftEnabled,omitempty"`
	ShiftPaths      map[string]string `json:"shiftPaths,omitempty"`
}

// ShiftConfig updates whether the unit is shift-managed and its per-shift paths.
func (h *UnitsHandler) ShiftConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "Invalid unit ID")
		return
	}

	var req ShiftConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx := r.Context()
	unlock := h.ledger.LockUnit(id)
	defer unlock()

	unit, err := h.ledger.FindUnit(ctx, id)
	if err != nil {
		if ledger.IsNotFound(err) {
			WriteError(w, http.StatusNotFound, "Unit not found")
			return
		}
		h.logger.Error().Err(err).Int64("unit_id", id).Msg("Failed to get unit")
		WriteError(w, http.StatusInternalServerError, "Failed to retrieve unit")
		return
	}

	updated := *unit
	if req.UsesShiftSystem != nil {
		updated.UsesShiftSystem = *req.UsesShiftSystem
	}
	if req.ShiftEnabled != nil {
		updated.ShiftEnabled = *req.ShiftEnabled
	}
	if req.ShiftPaths != nil {
		paths := make(map[string]string, len(req.ShiftPaths))
		for name, path := range req.ShiftPaths {
			if path != "" {
				paths[name] = path
			}
		}
		updated.ShiftPaths = paths
	}
	updated.Normalize()

	if err := h.ledger.SaveUnit(ctx, updated); err != nil {
		h.logger.Error().Err(err).Int64("unit_id", id).Msg("Failed to update unit shift config")
		WriteError(w, http.StatusInternalServerError, "Failed to update unit")
		return
	}

	h.logger.Info().
		Int64("unit_id", id).
		Bool("uses_shift_system", updated.UsesShiftSystem).
		Bool("shift_enabled", updated.ShiftEnabled).
		Msg("Unit shift config updated")
	WriteJSON(w, http.StatusOK, updated)
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
