package systemd

import (
	"fmt"
	"net"

	"github.com/coreos/go-systemd/v22/activation"
)

// Socket names expected in shiftkiosk.socket via FileDescriptorName=.
const (
	AdminSocket   = "admin"
	MetricsSocket = "metrics"
)

// Listeners holds all systemd-activated listeners
type Listeners struct {
	Admin     net.Listener
	Metrics   net.Listener
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors
// Returns nil listeners if not running under socket activation
func GetListeners() (*Listeners, error) {
	listeners := &Listeners{}

	fds := activation.Files(false) // false = don't unset env vars
	if len(fds) == 0 {
		return listeners, nil
	}
	listeners.Activated = true

	// Named listeners require systemd 227+
	named, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}

	if lns, ok := named[AdminSocket]; ok && len(lns) > 0 {
		listeners.Admin = lns[0]
	}
	if lns, ok := named[MetricsSocket]; ok && len(lns) > 0 {
		listeners.Metrics = lns[0]
	}

	return listeners, nil
}
