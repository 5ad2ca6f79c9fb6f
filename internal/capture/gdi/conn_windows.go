//go:build windows

package gdi

import (
	"fmt"

	"github.com/bryanchriswhite/shmgrab/internal/display"
	"github.com/bryanchriswhite/shmgrab/internal/fault"
	"github.com/bryanchriswhite/shmgrab/internal/logger"
)

// Conn is the GDI "connection": the desktop DC's screen metrics. GDI has
// no server round trip, so there is nothing to hold open.
type Conn struct {
	Width  int
	Height int
	Depth  int
}

// Close is a no-op.
func (*Conn) Close() error { return nil }

// Dialer opens the local desktop.
type Dialer struct{}

// Dial opens the desktop. Only the default display is supported.
func (Dialer) Dial(name string) (display.Conn, error) {
	if name != "" {
		return nil, fmt.Errorf("display %q: only the local desktop is supported", name)
	}

	dc, err := getDC(0)
	if err != nil {
		return nil, fmt.Errorf("failed to get desktop DC: %w", err)
	}
	defer releaseDC(0, dc)

	c := &Conn{
		Width:  getSystemMetrics(smCXScreen),
		Height: getSystemMetrics(smCYScreen),
		Depth:  getDeviceCaps(dc, bitsPixel),
	}

	logger.WithComponent("gdi").Debug().
		Int("width", c.Width).
		Int("height", c.Height).
		Int("depth", c.Depth).
		Msg("Opened desktop")
	return c, nil
}

// NewBridge returns a passthrough bridge. GDI reports errors synchronously.
func (Dialer) NewBridge(display.Conn, func(error)) fault.Bridge {
	return fault.Passthrough{}
}

// Platform returns "gdi".
func (Dialer) Platform() string { return "gdi" }

func connOf(h *display.Handle) (*Conn, error) {
	if h == nil || h.Closed() {
		return nil, fault.ErrClosed
	}
	c, ok := h.Conn().(*Conn)
	if !ok {
		return nil, fmt.Errorf("%w: handle is not a GDI desktop", fault.ErrConnection)
	}
	return c, nil
}

// win32Fault wraps a Win32 error at stage with its code and class.
func win32Fault(stage fault.Stage, err error, format string, args ...any) error {
	code := fault.Win32Code(errno(err))
	msg := fmt.Sprintf(format, args...)
	return fault.New(stage, code, fmt.Errorf("%w: %s: %w", fault.Classify(stage, code), msg, err))
}
