// Package platform selects the capture backend for the build target and
// assembles a capture session from configuration.
package platform

import (
	"time"

	"github.com/bryanchriswhite/shmgrab/internal/capture"
	"github.com/bryanchriswhite/shmgrab/internal/config"
	"github.com/bryanchriswhite/shmgrab/internal/display"
)

// Backend bundles the platform pieces a session needs.
type Backend struct {
	Name           string
	Dialer         display.Dialer
	Resolver       capture.Resolver
	Transport      capture.Transport
	ListWindows    func(displayName string) ([]capture.WindowInfo, error)
	DefaultTimeout time.Duration
}

// NewSession builds a session on the native backend using cfg.
func NewSession(cfg *config.Config) *capture.Session {
	return NewSessionWith(Native(), cfg)
}

// NewSessionWith builds a session on b using cfg.
func NewSessionWith(b Backend, cfg *config.Config) *capture.Session {
	timeout := b.DefaultTimeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	orch := capture.NewOrchestrator(b.Resolver, b.Transport, timeout)
	opts := capture.Options{PreferShared: cfg.PreferShared, Timeout: timeout}
	return capture.NewSession(cfg.Display, display.NewManager(b.Dialer), orch, opts)
}
