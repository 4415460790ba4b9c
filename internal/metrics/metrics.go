package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Shift change metrics
	ShiftSwapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiftkiosk_shift_swaps_total",
			Help: "Total session swaps performed on shift change",
		},
		[]string{"mode", "result"},
	)

	ShiftTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shiftkiosk_shift_tick_duration_seconds",
			Help:    "Duration of one shift monitor tick",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	CurrentShift = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shiftkiosk_current_shift",
			Help: "Set to 1 for the shift currently in force",
		},
		[]string{"shift"},
	)

	// Restart orchestrator metrics
	RestartWarningsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiftkiosk_restart_warnings_total",
			Help: "Restart warnings shown, by phase",
		},
		[]string{"phase"},
	)

	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiftkiosk_restarts_total",
			Help: "Restart attempts, by result",
		},
		[]string{"result"},
	)

	SecondsUntilShiftEnd = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shiftkiosk_seconds_until_shift_end",
			Help: "Seconds until the current shift ends",
		},
	)

	RestartCountdownSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shiftkiosk_restart_countdown_seconds",
			Help: "Seconds until a pending restart, 0 when none is pending",
		},
	)

	// Recovery metrics
	RecoveredSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiftkiosk_recovered_sessions_total",
			Help: "Sessions processed during recovery, by outcome",
		},
		[]string{"outcome"},
	)

	BackupsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shiftkiosk_backups_deleted_total",
			Help: "Snapshot files removed by retention cleanup",
		},
	)

	// Launcher metrics
	LaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiftkiosk_launches_total",
			Help: "Clinical application launches, by result",
		},
		[]string{"result"},
	)

	// Scheduler metrics
	TaskRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiftkiosk_scheduler_task_runs_total",
			Help: "Scheduled task runs, by task and result",
		},
		[]string{"task", "result"},
	)

	// Ledger cache metrics
	CatalogCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shiftkiosk_catalog_cache_hits_total",
			Help: "Shift catalog cache hits",
		},
	)

	CatalogCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shiftkiosk_catalog_cache_misses_total",
			Help: "Shift catalog cache misses",
		},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shiftkiosk_active_sessions",
			Help: "Number of active usage sessions seen on the last scan",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ShiftSwapsTotal,
		ShiftTickDuration,
		CurrentShift,
		RestartWarningsTotal,
		RestartsTotal,
		SecondsUntilShiftEnd,
		RestartCountdownSeconds,
		RecoveredSessionsTotal,
		BackupsDeletedTotal,
		LaunchesTotal,
		TaskRunsTotal,
		CatalogCacheHits,
		CatalogCacheMisses,
		ActiveSessions,
	)
}

// SetCurrentShift marks name as the shift in force and clears the others.
func SetCurrentShift(name string) {
	CurrentShift.Reset()
	if name != "" {
		CurrentShift.WithLabelValues(name).Set(1)
	}
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Handler returns the HTTP handler serving /metrics and /health.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
