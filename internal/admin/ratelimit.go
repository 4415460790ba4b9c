package admin

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goodtune/shiftkiosk/internal/admin/api"
	"github.com/goodtune/shiftkiosk/internal/scheduler"
	"github.com/goodtune/shiftkiosk/internal/shift"
)

// RateLimitSweepTask is the scheduler task dropping idle rate-limit windows.
const RateLimitSweepTask = "admin-rate-limit-sweep"

// RateLimiter allows a fixed number of requests per client per window.
type RateLimiter struct {
	limit  int
	window time.Duration
	clock  shift.Clock

	mu      sync.Mutex
	windows map[string]*clientWindow
}

type clientWindow struct {
	opened time.Time
	used   int
}

// NewRateLimiter creates a limiter. A nil clock uses wall time.
func NewRateLimiter(limit int, window time.Duration, clock shift.Clock) *RateLimiter {
	if clock == nil {
		clock = shift.RealClock{}
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]*clientWindow),
	}
}

// Allow counts one request from client and reports whether it fits the
// client's current window.
func (rl *RateLimiter) Allow(client string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[client]
	if !ok || now.Sub(w.opened) > rl.window {
		rl.windows[client] = &clientWindow{opened: now, used: 1}
		return true
	}
	if w.used >= rl.limit {
		return false
	}
	w.used++
	return true
}

// Sweep forgets clients idle for two windows and returns how many it dropped.
func (rl *RateLimiter) Sweep() int {
	cutoff := rl.clock.Now().Add(-2 * rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	dropped := 0
	for client, w := range rl.windows {
		if w.opened.Before(cutoff) {
			delete(rl.windows, client)
			dropped++
		}
	}
	return dropped
}

// StartSweep registers the periodic sweep.
func (rl *RateLimiter) StartSweep(sched *scheduler.Scheduler) error {
	return sched.Every(RateLimitSweepTask, 2*rl.window, func(context.Context) {
		rl.Sweep()
	}, false)
}

// RateLimitMiddleware limits by admin username once authenticated and by
// remote host otherwise.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				api.WriteError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if session, ok := SessionFromContext(r.Context()); ok {
		return "user:" + session.Username
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
