package capture

import (
	"context"
	"fmt"
	"image"

	"github.com/bryanchriswhite/shmgrab/internal/display"
)

// TargetKind selects what a capture request points at.
type TargetKind int

const (
	TargetRoot TargetKind = iota
	TargetWindow
	TargetRegion
	TargetActive
)

func (k TargetKind) String() string {
	switch k {
	case TargetRoot:
		return "root"
	case TargetWindow:
		return "window"
	case TargetRegion:
		return "region"
	case TargetActive:
		return "active"
	default:
		return fmt.Sprintf("target(%d)", int(k))
	}
}

// Target describes the drawable to capture.
type Target struct {
	Kind TargetKind
	// Window is the window id for TargetWindow and the base window for
	// TargetRegion (0 means the root window).
	Window uint32
	// Rect is the region inside Window, in window coordinates.
	Rect image.Rectangle
}

// RootWindow targets the default screen's root window.
func RootWindow() Target { return Target{Kind: TargetRoot} }

// WindowID targets a specific window.
func WindowID(id uint32) Target { return Target{Kind: TargetWindow, Window: id} }

// Region targets rect inside window (0 for the root window).
func Region(window uint32, rect image.Rectangle) Target {
	return Target{Kind: TargetRegion, Window: window, Rect: rect}
}

// ActiveWindow targets the currently focused window.
func ActiveWindow() Target { return Target{Kind: TargetActive} }

func (t Target) String() string {
	switch t.Kind {
	case TargetWindow:
		return fmt.Sprintf("window(0x%x)", t.Window)
	case TargetRegion:
		return fmt.Sprintf("region(0x%x, %v)", t.Window, t.Rect)
	default:
		return t.Kind.String()
	}
}

// Capability is the result of probing the display for a shared-memory path.
type Capability struct {
	SharedMemory bool   `json:"shared_memory_available" yaml:"shared_memory_available"`
	Version      string `json:"version,omitempty" yaml:"version,omitempty"`
	// SharedPixmaps reports MIT-SHM pixmap support. Informational only.
	SharedPixmaps bool `json:"shared_pixmaps,omitempty" yaml:"shared_pixmaps,omitempty"`
}

// WindowInfo describes a top-level window for listing.
type WindowInfo struct {
	ID       uint32          `json:"id" yaml:"id"`
	Title    string          `json:"title" yaml:"title"`
	Class    string          `json:"class" yaml:"class"`
	Geometry image.Rectangle `json:"geometry" yaml:"geometry"`
	Active   bool            `json:"active" yaml:"active"`
}

// Resolver turns a Target into immutable geometry. It never mutates server
// state.
type Resolver interface {
	Resolve(ctx context.Context, h *display.Handle, target Target) (Geometry, error)
}

// Transport moves pixels from the server into process memory.
type Transport interface {
	// Negotiate queries shared-memory support. Results are cached per handle.
	Negotiate(ctx context.Context, h *display.Handle) (Capability, error)

	// Allocate creates a shared segment sized for g and attaches it to the
	// server.
	Allocate(ctx context.Context, h *display.Handle, g Geometry) (*Segment, error)

	// Fetch requests the image. A nil seg selects the copy path.
	Fetch(ctx context.Context, h *display.Handle, g Geometry, seg *Segment) (*Buffer, error)

	// Release detaches seg from the server and frees it. Exactly once per
	// successful Allocate.
	Release(seg *Segment) error
}
