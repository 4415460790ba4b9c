package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/goodtune/shiftkiosk/internal/ledger"
	"github.com/goodtune/shiftkiosk/internal/shift"
	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/rs/zerolog"
)

// ShiftsHandler serves the shift table.
type ShiftsHandler struct {
	ledger    *ledger.Ledger
	clock     shift.Clock
	fallback  string
	tolerance time.Duration
	logger    zerolog.Logger
}

// NewShiftsHandler creates a new shifts handler.
func NewShiftsHandler(l *ledger.Ledger, clock shift.Clock, fallback string, tolerance time.Duration, logger zerolog.Logger) *ShiftsHandler {
	return &ShiftsHandler{
		ledger:    l,
		clock:     clock,
		fallback:  fallback,
		tolerance: tolerance,
		logger:    logger.With().Str("handler", "shifts").Logger(),
	}
}

type gapResponse struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// List returns the stored shift definitions and any uncovered parts of the day.
func (h *ShiftsHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.ledger.FindShiftDefinitions(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list shifts")
		WriteError(w, http.StatusInternalServerError, "Failed to retrieve shifts")
		return
	}

	gaps := []gapResponse{}
	if defs, err := shift.FromRecords(records); err == nil && len(defs) > 0 {
		for _, gap := range shift.NewSchedule(defs, h.fallback).Gaps() {
			gaps = append(gaps, gapResponse{From: gap.From.String(), To: gap.To.String()})
		}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"shifts":   records,
		"count":    len(records),
		"fallback": h.fallback,
		"gaps":     gaps,
	})
}

// Replace swaps the whole shift table. Overlapping windows are rejected.
func (h *ShiftsHandler) Replace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Shifts []storage.ShiftDefinition `json:"shifts"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Shifts) == 0 {
		WriteError(w, http.StatusBadRequest, "At least one shift is required")
		return
	}

	defs, err := shift.FromRecords(req.Shifts)
	if err == nil {
		err = shift.NewSchedule(defs, h.fallback).Validate()
	}
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, shift.ErrOverlap) {
			status = http.StatusConflict
		}
		WriteError(w, status, err.Error())
		return
	}

	if err := h.ledger.ReplaceShiftDefinitions(r.Context(), req.Shifts); err != nil {
		h.logger.Error().Err(err).Msg("Failed to replace shifts")
		WriteError(w, http.StatusInternalServerError, "Failed to save shifts")
		return
	}

	h.logger.Info().Int("count", len(req.Shifts)).Msg("Shift table updated")
	h.List(w, r)
}

// Current returns the shift in force now and whether a change is near.
func (h *ShiftsHandler) Current(w http.ResponseWriter, r *http.Request) {
	sched, err := h.ledger.Schedule(r.Context(), h.fallback)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to load shift schedule")
		WriteError(w, http.StatusInternalServerError, "Failed to load shift schedule")
		return
	}

	now := h.clock.Now()
	current, ok := sched.Current(now)
	if !ok {
		WriteError(w, http.StatusNotFound, "No shifts defined")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"shift":     current.Record(),
		"endsAt":    shift.EndOf(current, now),
		"change":    sched.NearChange(now, h.tolerance),
		"timestamp": now,
	})
}
