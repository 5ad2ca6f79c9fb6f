//go:build !windows

package platform

import (
	"time"

	"github.com/bryanchriswhite/shmgrab/internal/capture/x11"
)

// Native returns the X11 backend.
func Native() Backend {
	return Backend{
		Name:           "x11",
		Dialer:         x11.Dialer{},
		Resolver:       x11.Resolver{},
		Transport:      x11.NewTransport(),
		ListWindows:    x11.ListWindows,
		DefaultTimeout: 5 * time.Second,
	}
}
