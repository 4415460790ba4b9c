// Package launchertest provides a launcher that records instead of starting
// processes.
package launchertest

import (
	"context"
	"sync"
)

// Recorder is a launcher.Launcher that remembers every path it was asked to
// start. Paths listed in Fail return Err.
type Recorder struct {
	Err  error
	Fail map[string]bool

	mu    sync.Mutex
	paths []string
}

// Launch records path.
func (r *Recorder) Launch(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	if r.Fail[path] {
		return r.Err
	}
	return nil
}

// Paths returns the launched paths in order.
func (r *Recorder) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.paths))
	copy(out, r.paths)
	return out
}
