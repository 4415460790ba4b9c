// Package process controls the lifetime of the service process itself: the
// single-instance lock and terminate-and-relaunch.
package process

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
)

// Relaunch modes.
const (
	// ModeSpawn starts a detached copy of the running binary, then exits.
	ModeSpawn = "spawn"

	// ModeSupervisor exits with a dedicated code and lets systemd or a
	// service wrapper start the next instance.
	ModeSupervisor = "supervisor"

	// DefaultExitCode is EX_TEMPFAIL, which supervisors can map to a restart.
	DefaultExitCode = 75
)

// Relauncher terminates the process and arranges for it to start again.
type Relauncher struct {
	mode     string
	exitCode int
	logger   zerolog.Logger

	// Exit terminates the process. Replaced in tests.
	Exit func(code int)

	// Start launches the successor in spawn mode. Replaced in tests.
	Start func(path string, args []string) error

	mu       sync.Mutex
	hooks    []func()
	prepared bool
}

// NewRelauncher creates a relauncher for mode.
func NewRelauncher(mode string, exitCode int, logger zerolog.Logger) (*Relauncher, error) {
	switch mode {
	case ModeSpawn, ModeSupervisor:
	case "":
		mode = ModeSpawn
	default:
		return nil, fmt.Errorf("unknown relaunch mode %q", mode)
	}
	if exitCode <= 0 {
		exitCode = DefaultExitCode
	}

	return &Relauncher{
		mode:     mode,
		exitCode: exitCode,
		logger:   logger.With().Str("component", "relauncher").Logger(),
		Exit:     os.Exit,
		Start:    startDetached,
	}, nil
}

// Mode returns the configured relaunch mode.
func (r *Relauncher) Mode() string {
	return r.mode
}

// OnExit registers fn to run right before the process exits. Hooks run in
// reverse registration order.
func (r *Relauncher) OnExit(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Prepare starts the successor in spawn mode so a failure surfaces while the
// current process is still fully running. The successor waits on the
// instance lock until this process exits. Prepare starts at most one
// successor; it does nothing in supervisor mode.
func (r *Relauncher) Prepare() error {
	if r.mode != ModeSpawn {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prepared {
		return nil
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	args := os.Args[1:]
	if err := r.Start(executable, args); err != nil {
		return fmt.Errorf("failed to start successor: %w", err)
	}
	r.prepared = true
	r.logger.Info().Str("executable", executable).Strs("args", args).Msg("Successor started")
	return nil
}

// Relaunch ends the process, calling Prepare first if it has not run. It only
// returns when the successor could not be started.
func (r *Relauncher) Relaunch() error {
	if err := r.Prepare(); err != nil {
		return err
	}
	code := r.exitCode
	if r.mode == ModeSpawn {
		code = 0
	}

	r.mu.Lock()
	hooks := r.hooks
	r.hooks = nil
	r.mu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}

	r.logger.Info().Str("mode", r.mode).Int("exit_code", code).Msg("Exiting for restart")
	r.Exit(code)
	return nil
}

func startDetached(path string, args []string) error {
	cmd := exec.Command(path, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
