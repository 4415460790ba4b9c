// Package admin serves the kiosk's authenticated JSON admin API.
package admin

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/shiftkiosk/internal/admin/api"
	"github.com/goodtune/shiftkiosk/internal/ledger"
	"github.com/goodtune/shiftkiosk/internal/scheduler"
	"github.com/goodtune/shiftkiosk/internal/shift"
	"github.com/goodtune/shiftkiosk/internal/shiftchange"
	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the admin server configuration.
type Config struct {
	ListenAddr      string
	JWTSecret       string
	TokenExpiration time.Duration
	RateLimit       int
	RateLimitWindow time.Duration
	FallbackShift   string
	ChangeTolerance time.Duration
	Version         string
}

// Deps are the components the admin API reads and drives.
type Deps struct {
	Store     storage.Store
	Ledger    *ledger.Ledger
	Clock     shift.Clock
	Scheduler *scheduler.Scheduler
	Shifts    *shiftchange.Coordinator
	Restart   api.RestartController
	Warnings  api.WarningSource
	Backups   api.BackupManager
}

// Server represents the admin HTTP server.
type Server struct {
	config      Config
	deps        Deps
	auth        *AuthService
	rateLimiter *RateLimiter
	server      *http.Server
	listener    net.Listener
	router      *mux.Router
	logger      zerolog.Logger
}

// NewServer creates a new admin server.
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "admin").Logger()

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = randomSecret()
		logger.Warn().Msg("No admin.jwt_secret configured, tokens will not survive a restart")
	}

	rateLimit := cfg.RateLimit
	if rateLimit == 0 {
		rateLimit = 100
	}
	rateLimitWindow := cfg.RateLimitWindow
	if rateLimitWindow == 0 {
		rateLimitWindow = time.Minute
	}

	s := &Server{
		config:      cfg,
		deps:        deps,
		auth:        NewAuthService(deps.Store.AdminUsers(), cfg.JWTSecret, cfg.TokenExpiration, deps.Clock, logger),
		rateLimiter: NewRateLimiter(rateLimit, rateLimitWindow, deps.Clock),
		router:      mux.NewRouter(),
		logger:      logger,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Auth returns the authentication service.
func (s *Server) Auth() *AuthService {
	return s.auth
}

// SetListener makes Start serve on an inherited socket instead of ListenAddr.
func (s *Server) SetListener(l net.Listener) {
	s.listener = l
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RateLimitMiddleware(s.rateLimiter))

	// Public routes
	s.router.HandleFunc("/api/auth/login", s.handleLogin).Methods("POST")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	authRouter := s.router.PathPrefix("/api").Subrouter()
	authRouter.Use(AuthMiddleware(s.auth))

	authRouter.HandleFunc("/auth/logout", s.handleLogout).Methods("POST")
	authRouter.HandleFunc("/auth/me", s.handleMe).Methods("GET")
	authRouter.HandleFunc("/auth/change-password", s.handleChangePassword).Methods("POST")

	shiftsHandler := api.NewShiftsHandler(s.deps.Ledger, s.deps.Clock, s.config.FallbackShift, s.config.ChangeTolerance, s.logger)
	authRouter.HandleFunc("/shifts", shiftsHandler.List).Methods("GET")
	authRouter.HandleFunc("/shifts", shiftsHandler.Replace).Methods("PUT")
	authRouter.HandleFunc("/shifts/current", shiftsHandler.Current).Methods("GET")

	unitsHandler := api.NewUnitsHandler(s.deps.Ledger, s.deps.Shifts, s.logger)
	authRouter.HandleFunc("/units/{id:[0-9]+}/shift-status", unitsHandler.ShiftStatus).Methods("GET")
	authRouter.HandleFunc("/units/{id:[0-9]+}/shift-history", unitsHandler.ShiftHistory).Methods("GET")
	authRouter.HandleFunc("/units/{id:[0-9]+}/shift-change", unitsHandler.ShiftChange).Methods("POST")
	authRouter.HandleFunc("/units/{id:[0-9]+}/shift-config", unitsHandler.ShiftConfig).Methods("PUT")

	sessionsHandler := api.NewSessionsHandler(s.deps.Ledger, s.deps.Clock, s.logger)
	authRouter.HandleFunc("/sessions", sessionsHandler.ListActiveSessions).Methods("GET")
	authRouter.HandleFunc("/sessions/{id:[0-9]+}", sessionsHandler.GetSession).Methods("GET")
	authRouter.HandleFunc("/sessions/{id:[0-9]+}", sessionsHandler.TerminateSession).Methods("DELETE")

	restartHandler := api.NewRestartHandler(s.deps.Restart, s.deps.Warnings, s.logger)
	authRouter.HandleFunc("/restart/status", restartHandler.GetStatus).Methods("GET")
	authRouter.HandleFunc("/restart/diagnostics", restartHandler.GetDiagnostics).Methods("GET")
	authRouter.HandleFunc("/restart/warning", restartHandler.GetWarning).Methods("GET")
	authRouter.HandleFunc("/restart/postpone", restartHandler.Postpone).Methods("POST")
	authRouter.HandleFunc("/restart/cancel", restartHandler.Cancel).Methods("POST")
	authRouter.HandleFunc("/restart/force", restartHandler.Force).Methods("POST")
	authRouter.HandleFunc("/restart/dismiss", restartHandler.Dismiss).Methods("POST")

	backupsHandler := api.NewBackupsHandler(s.deps.Backups, s.logger)
	authRouter.HandleFunc("/backups", backupsHandler.List).Methods("GET")
	authRouter.HandleFunc("/backups/cleanup", backupsHandler.Cleanup).Methods("POST")
	authRouter.HandleFunc("/backups/recover", backupsHandler.Recover).Methods("POST")

	systemHandler := api.NewSystemHandler(s.config.Version, s.deps.Restart, s.deps.Shifts, s.logger)
	authRouter.HandleFunc("/system/health", systemHandler.GetHealth).Methods("GET")
	authRouter.HandleFunc("/system/info", systemHandler.GetSystemInfo).Methods("GET")
}

// Start registers the rate-limit sweep and starts serving in the background.
func (s *Server) Start() error {
	if err := s.rateLimiter.StartSweep(s.deps.Scheduler); err != nil {
		return fmt.Errorf("admin rate limit sweep: %w", err)
	}

	listener := s.listener
	if listener == nil {
		l, err := net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("admin listen on %s: %w", s.config.ListenAddr, err)
		}
		listener = l
	}

	s.logger.Info().
		Str("addr", listener.Addr().String()).
		Bool("socket_activated", s.listener != nil).
		Msg("Starting admin server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin server error")
		}
	}()

	return nil
}

// Stop gracefully stops the admin HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping admin server")

	s.deps.Scheduler.Cancel(RateLimitSweepTask)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}

	return nil
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("shiftkiosk-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
