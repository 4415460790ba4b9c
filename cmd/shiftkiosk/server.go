package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/shiftkiosk/internal/admin"
	"github.com/goodtune/shiftkiosk/internal/config"
	"github.com/goodtune/shiftkiosk/internal/launcher"
	"github.com/goodtune/shiftkiosk/internal/ledger"
	"github.com/goodtune/shiftkiosk/internal/metrics"
	"github.com/goodtune/shiftkiosk/internal/process"
	"github.com/goodtune/shiftkiosk/internal/recovery"
	"github.com/goodtune/shiftkiosk/internal/restart"
	"github.com/goodtune/shiftkiosk/internal/scheduler"
	"github.com/goodtune/shiftkiosk/internal/shift"
	"github.com/goodtune/shiftkiosk/internal/shiftchange"
	"github.com/goodtune/shiftkiosk/internal/snapshot"
	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/goodtune/shiftkiosk/internal/storage/bolt"
	"github.com/goodtune/shiftkiosk/internal/storage/redis"
	"github.com/goodtune/shiftkiosk/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the shiftkiosk service",
	Long:  `Start the shift monitor, the end-of-shift restart orchestrator, session recovery, and the admin and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

// stopFunc adapts a plain function to restart.Stopper.
type stopFunc func()

func (f stopFunc) Stop() { f() }

func runServer(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting shiftkiosk")

	// One instance per data directory. A predecessor that is still exiting
	// after a relaunch gets lock_wait to let go.
	instanceLock := process.NewInstanceLock(cfg.Process.DataDir, config.ParseDuration(cfg.Process.LockWait, 30*time.Second))
	if err := instanceLock.Acquire(ctx); err != nil {
		return fmt.Errorf("failed to acquire instance lock %s: %w", instanceLock.Path(), err)
	}
	defer func() {
		if err := instanceLock.Release(); err != nil {
			logger.Error().Err(err).Msg("Failed to release instance lock")
		}
	}()

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to get systemd listeners")
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	storeClosed := false
	closeStore := func() {
		if storeClosed {
			return
		}
		storeClosed = true
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}
	defer closeStore()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	led := ledger.New(store, ledger.Options{
		CacheSize: cfg.Cache.Size,
		CacheTTL:  config.ParseDuration(cfg.Cache.TTL, ledger.DefaultCacheTTL),
	}, logger)

	clock := shift.RealClock{}
	sched := scheduler.New(clock, logger)
	launch := launcher.New(config.ParseDuration(cfg.Launcher.SettleTime, launcher.DefaultSettleTime), logger)
	snapshots := snapshot.NewManager(cfg.Process.BackupDir, clock, logger)
	markers := snapshot.NewMarkerStore(cfg.Process.DataDir)
	fallback := cfg.Shift.FallbackShift
	tolerance := config.ParseDuration(cfg.Shift.ChangeTolerance, 5*time.Minute)

	// Recover sessions before anything can open new ones
	confirmer, err := recovery.NewConfirmer(cfg.Recovery.Confirm)
	if err != nil {
		return fmt.Errorf("failed to initialize recovery: %w", err)
	}
	recoverer := recovery.New(led, launch, snapshots, confirmer, sched, clock, recovery.Options{
		MaxAge:        config.ParseDuration(cfg.Recovery.MaxAge, 10*time.Minute),
		RetentionDays: cfg.Recovery.BackupRetentionDays,
		CleanupTime:   cfg.Recovery.CleanupTime,
		FallbackShift: fallback,
	}, logger)

	if cfg.Recovery.Enabled {
		report, err := recoverer.Run(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Session recovery failed")
		} else {
			logger.Info().
				Str("outcome", report.Outcome).
				Str("reason", report.Reason).
				Str("file", report.File).
				Int("recovered", len(report.Recovered)).
				Int("skipped", len(report.Skipped)).
				Int("failed", len(report.Failed)).
				Msg("Session recovery finished")
		}
	}
	if err := recoverer.StartCleanup(); err != nil {
		return fmt.Errorf("failed to schedule backup cleanup: %w", err)
	}

	// Initialize shift monitor
	shifts := shiftchange.New(led, launch, sched, clock, shiftchange.Options{
		FallbackShift:   fallback,
		CheckInterval:   config.ParseDuration(cfg.ShiftChange.CheckInterval, time.Minute),
		ChangeTolerance: tolerance,
	}, logger)
	if cfg.ShiftChange.Enabled {
		if err := shifts.Start(); err != nil {
			return fmt.Errorf("failed to start shift monitor: %w", err)
		}
	} else {
		logger.Info().Msg("Shift monitor disabled in configuration")
	}

	// Initialize restart orchestrator
	relauncher, err := process.NewRelauncher(cfg.Process.RelaunchMode, cfg.Process.ExitCode, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize relauncher: %w", err)
	}
	// Hooks run last-registered first: storage closes before the lock goes.
	relauncher.OnExit(func() {
		if err := instanceLock.Release(); err != nil {
			logger.Error().Err(err).Msg("Failed to release instance lock")
		}
	})
	relauncher.OnExit(closeStore)

	notifier := systemd.NewNotifier(logger)
	board := restart.NewBoard(logger)

	orchestrator := restart.New(restart.Deps{
		Ledger:     led,
		Scheduler:  sched,
		Clock:      clock,
		Snapshots:  snapshots,
		Markers:    markers,
		Relauncher: relauncher,
		Surface:    board,
		Notifier:   notifier,
	}, restart.Options{
		Enabled:             cfg.AutoRestart.Enabled,
		WarningMinutes:      cfg.AutoRestart.WarningMinutes,
		FinalWarningSeconds: cfg.AutoRestart.FinalWarningSeconds,
		CheckInterval:       time.Duration(cfg.AutoRestart.CheckIntervalSeconds) * time.Second,
		RestartDelay:        time.Duration(cfg.AutoRestart.RestartDelaySeconds) * time.Second,
		AllowPostpone:       cfg.AutoRestart.AllowPostpone,
		MaxPostponeMinutes:  cfg.AutoRestart.MaxPostponeMinutes,
		MarkerTolerance:     config.ParseDuration(cfg.AutoRestart.MarkerTolerance, 10*time.Minute),
		FallbackShift:       fallback,
	}, logger)
	orchestrator.AddStopper(shifts)
	orchestrator.AddStopper(stopFunc(recoverer.StopCleanup))

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start Metrics Server")
	}
	orchestrator.AddStopper(stopFunc(func() {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}))

	// Initialize Admin Server
	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		if err := admin.EnsureInitialAdminUser(ctx, store.AdminUsers(), cfg.Admin.InitialUsername, cfg.Admin.InitialPassword, logger); err != nil {
			return fmt.Errorf("failed to create initial admin user: %w", err)
		}

		adminServer = admin.NewServer(admin.Config{
			ListenAddr:      fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.AdminPort),
			JWTSecret:       cfg.Admin.JWTSecret,
			TokenExpiration: config.ParseDuration(cfg.Admin.TokenExpiration, 24*time.Hour),
			RateLimit:       cfg.Admin.RateLimit,
			RateLimitWindow: config.ParseDuration(cfg.Admin.RateLimitWindow, time.Minute),
			FallbackShift:   fallback,
			ChangeTolerance: tolerance,
			Version:         version,
		}, admin.Deps{
			Store:     store,
			Ledger:    led,
			Clock:     clock,
			Scheduler: sched,
			Shifts:    shifts,
			Restart:   orchestrator,
			Warnings:  board,
			Backups:   recoverer,
		}, logger)
		if sdListeners.Admin != nil {
			adminServer.SetListener(sdListeners.Admin)
		}
		if err := adminServer.Start(); err != nil {
			return fmt.Errorf("failed to start admin server: %w", err)
		}
		orchestrator.AddStopper(stopFunc(func() {
			if err := adminServer.Stop(); err != nil {
				logger.Error().Err(err).Msg("Error stopping Admin Server")
			}
		}))
	}

	if err := orchestrator.Start(); err != nil {
		return fmt.Errorf("failed to start restart orchestrator: %w", err)
	}

	if enabled, err := notifier.StartWatchdog(sched); err != nil {
		logger.Warn().Err(err).Msg("Failed to start systemd watchdog")
	} else if enabled {
		logger.Info().Msg("systemd watchdog enabled")
	}

	if err := notifier.Ready(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}
	if current, err := shifts.CurrentShift(ctx); err == nil {
		_ = notifier.Status(fmt.Sprintf("Serving shift %s", current.Name))
		logger.Info().Str("shift", current.Name).Msg("shiftkiosk startup complete")
	} else {
		_ = notifier.Status("No shift schedule configured")
		logger.Warn().Err(err).Msg("shiftkiosk started without a resolvable shift")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan

		if sig == syscall.SIGHUP {
			logger.Info().Msg("SIGHUP received, dropping cached shift schedule and units")
			led.InvalidateCatalog()
			continue
		}

		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	if err := notifier.Stopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	orchestrator.Stop()
	shifts.Stop()
	recoverer.StopCleanup()

	if adminServer != nil {
		if err := adminServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Admin Server")
		}
	}
	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	sched.Stop()

	logger.Info().Msg("shiftkiosk stopped")
	return nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (must be bolt or redis)", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// quietLogger is used by the one-shot subcommands.
func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
}
