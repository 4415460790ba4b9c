package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

// Monitor reports whether a background loop is registered.
type Monitor interface {
	Running() bool
}

// SystemHandler handles system status API requests.
type SystemHandler struct {
	version   string
	restart   RestartController
	shifts    Monitor
	startTime time.Time
	logger    zerolog.Logger
}

// NewSystemHandler creates a new system handler.
func NewSystemHandler(version string, restart RestartController, shifts Monitor, logger zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		version:   version,
		restart:   restart,
		shifts:    shifts,
		startTime: time.Now(),
		logger:    logger.With().Str("handler", "system").Logger(),
	}
}

// GetHealth returns the health status of the system.
func (h *SystemHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := h.restart.Status()
	health := map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int(uptime.Seconds()),
		"uptime_human":   uptime.String(),
		"timestamp":      time.Now(),
		"shift_monitor":  h.shifts.Running(),
		"restart_state":  status.State,
		"memory": map[string]interface{}{
			"alloc_mb":       memStats.Alloc / 1024 / 1024,
			"total_alloc_mb": memStats.TotalAlloc / 1024 / 1024,
			"sys_mb":         memStats.Sys / 1024 / 1024,
			"num_gc":         memStats.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}

	WriteJSON(w, http.StatusOK, health)
}

// GetSystemInfo returns general system information.
func (h *SystemHandler) GetSystemInfo(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)

	info := map[string]interface{}{
		"version":        h.version,
		"go_version":     runtime.Version(),
		"uptime":         uptime.String(),
		"uptime_seconds": int(uptime.Seconds()),
		"start_time":     h.startTime,
		"num_cpu":        runtime.NumCPU(),
		"num_goroutine":  runtime.NumGoroutine(),
	}

	WriteJSON(w, http.StatusOK, info)
}
