// Package scheduler runs named, cancellable background tasks. Every timer in
// the service is owned by a Scheduler so that stopping it leaves nothing
// running behind.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/shiftkiosk/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrStopped is returned when registering a task on a stopped scheduler.
var ErrStopped = errors.New("scheduler stopped")

// Clock provides the wall time used for daily schedules.
type Clock interface {
	Now() time.Time
}

// Func is the body of a scheduled task. ctx is cancelled when the task is
// cancelled or the scheduler stops.
type Func func(ctx context.Context)

type task struct {
	name   string
	cancel context.CancelFunc
}

// Scheduler owns a set of named tasks, each on its own goroutine.
type Scheduler struct {
	clock  Clock
	logger zerolog.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	stopped bool
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(clock Clock, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		clock:  clock,
		logger: logger.With().Str("component", "scheduler").Logger(),
		tasks:  make(map[string]*task),
	}
}

// Every runs fn every interval until cancelled. With immediate set the first
// run happens right away instead of after one interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn Func, immediate bool) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}
	return s.register(name, func(ctx context.Context, t *task) {
		if immediate {
			s.run(ctx, t.name, fn)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.run(ctx, t.name, fn)
			}
		}
	})
}

// After runs fn once after delay.
func (s *Scheduler) After(name string, delay time.Duration, fn Func) error {
	return s.register(name, func(ctx context.Context, t *task) {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.run(ctx, t.name, fn)
		s.forget(t)
	})
}

// Daily runs fn every day at the local wall time given as "HH:MM".
func (s *Scheduler) Daily(name, at string, fn Func) error {
	tod, err := time.Parse("15:04", at)
	if err != nil {
		return fmt.Errorf("task %s: invalid time %q: %w", name, at, err)
	}
	return s.register(name, func(ctx context.Context, t *task) {
		for {
			next := NextDaily(s.clock.Now(), tod.Hour(), tod.Minute())
			wait := next.Sub(s.clock.Now())

			s.logger.Debug().
				Str("task", t.name).
				Time("next_run", next).
				Dur("wait_duration", wait).
				Msg("Scheduled next daily run")

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			s.run(ctx, t.name, fn)
		}
	})
}

// NextDaily returns the next instant strictly after now at hour:minute.
func NextDaily(now time.Time, hour, minute int) time.Time {
	today := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !today.After(now) {
		return today.AddDate(0, 0, 1)
	}
	return today
}

// Cancel stops future runs of the named task. A run already in progress
// finishes on its own with a cancelled context. It reports whether the task
// existed.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	t.cancel()
	delete(s.tasks, name)
	s.logger.Debug().Str("task", name).Msg("Task cancelled")
	return true
}

// Has reports whether a task with this name is registered.
func (s *Scheduler) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// Names returns the registered task names in sorted order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop cancels every task and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for name, t := range s.tasks {
		t.cancel()
		delete(s.tasks, name)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) register(name string, loop func(ctx context.Context, t *task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if old, ok := s.tasks[name]; ok {
		old.cancel()
		s.logger.Debug().Str("task", name).Msg("Replacing existing task")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{name: name, cancel: cancel}
	s.tasks[name] = t

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		loop(ctx, t)
	}()
	return nil
}

// forget drops a finished one-shot task unless it has been replaced.
func (s *Scheduler) forget(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[t.name] == t {
		delete(s.tasks, t.name)
	}
}

// run executes one invocation, recovering panics so a faulty task never takes
// the scheduler down.
func (s *Scheduler) run(ctx context.Context, name string, fn Func) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.TaskRunsTotal.WithLabelValues(name, "panic").Inc()
			s.logger.Error().
				Str("task", name).
				Interface("panic", r).
				Msg("Recovered from panic in scheduled task")
		}
	}()
	fn(ctx)
	metrics.TaskRunsTotal.WithLabelValues(name, "ok").Inc()
}
