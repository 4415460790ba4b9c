// Package launcher starts clinical application binaries as detached,
// visible processes rooted at their own directory.
package launcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goodtune/shiftkiosk/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultSettleTime is how long Launch waits for an early exit.
const DefaultSettleTime = 2 * time.Second

// Launcher starts the binary at path.
type Launcher interface {
	Launch(ctx context.Context, path string) error
}

// ProcessLauncher launches binaries as independent OS processes.
type ProcessLauncher struct {
	settle time.Duration
	logger zerolog.Logger
}

// New creates a ProcessLauncher. A zero settle uses DefaultSettleTime.
func New(settle time.Duration, logger zerolog.Logger) *ProcessLauncher {
	if settle <= 0 {
		settle = DefaultSettleTime
	}
	return &ProcessLauncher{
		settle: settle,
		logger: logger.With().Str("component", "launcher").Logger(),
	}
}

// Launch starts path and waits up to the settle time for it to fail. A
// process still running after that, or one that exited cleanly, counts as
// launched.
func (l *ProcessLauncher) Launch(ctx context.Context, path string) error {
	err := l.launch(ctx, path)
	if err != nil {
		metrics.LaunchesTotal.WithLabelValues("failed").Inc()
		l.logger.Error().Err(err).Str("path", path).Msg("Launch failed")
		return err
	}
	metrics.LaunchesTotal.WithLabelValues("ok").Inc()
	l.logger.Info().Str("path", path).Msg("Launched application")
	return nil
}

func (l *ProcessLauncher) launch(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("application not found: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("application path %s is a directory", abs)
	}

	cmd := command(abs)
	cmd.Dir = filepath.Dir(abs)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", abs, err)
	}

	// Wait reaps the child whenever it exits, long after Launch returns
	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	timer := time.NewTimer(l.settle)
	defer timer.Stop()

	select {
	case err := <-exited:
		if err != nil {
			return fmt.Errorf("%s exited during startup: %w", abs, err)
		}
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}
