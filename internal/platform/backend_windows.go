//go:build windows

package platform

import (
	"time"

	"github.com/bryanchriswhite/shmgrab/internal/capture/gdi"
)

// Native returns the GDI backend.
func Native() Backend {
	return Backend{
		Name:           "gdi",
		Dialer:         gdi.Dialer{},
		Resolver:       gdi.Resolver{},
		Transport:      gdi.NewTransport(),
		ListWindows:    gdi.ListWindows,
		DefaultTimeout: 5 * time.Second,
	}
}
