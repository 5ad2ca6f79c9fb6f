//go:build windows

package gdi

import (
	"context"
	"fmt"
	"image"

	"github.com/bryanchriswhite/shmgrab/internal/capture"
	"github.com/bryanchriswhite/shmgrab/internal/display"
	"github.com/bryanchriswhite/shmgrab/internal/fault"
	"golang.org/x/sys/windows"
)

// bgrx is the layout of every bitmap this backend produces.
var bgrx = capture.PixelFormat{
	BitsPerPixel: 32,
	ScanlinePad:  32,
	RedMask:      0x00ff0000,
	GreenMask:    0x0000ff00,
	BlueMask:     0x000000ff,
}

// Resolver resolves targets to window rectangles.
type Resolver struct{}

// Resolve implements capture.Resolver.
func (Resolver) Resolve(ctx context.Context, h *display.Handle, target capture.Target) (capture.Geometry, error) {
	c, err := connOf(h)
	if err != nil {
		return capture.Geometry{}, fault.Wrap(fault.StageResolve, err)
	}

	switch target.Kind {
	case capture.TargetRoot:
		return c.rootGeometry(), nil

	case capture.TargetWindow:
		return c.visibleWindow(windows.HWND(target.Window))

	case capture.TargetActive:
		hwnd := windows.GetForegroundWindow()
		if hwnd == 0 {
			return c.rootGeometry(), nil
		}
		return c.visibleWindow(hwnd)

	case capture.TargetRegion:
		base := c.rootGeometry()
		if target.Window != 0 {
			if base, err = c.windowGeometry(windows.HWND(target.Window)); err != nil {
				return capture.Geometry{}, err
			}
		}
		sub, err := capture.SubGeometry(base, target.Rect)
		if err != nil {
			return capture.Geometry{}, err
		}
		visible, ok := capture.ClipTo(sub, c.screenBounds())
		if !ok {
			return capture.Geometry{}, fault.New(fault.StageResolve, fault.Code{},
				fmt.Errorf("%w: region %v is off screen", fault.ErrOutOfBounds, target.Rect))
		}
		return visible, nil
	}

	return capture.Geometry{}, fault.New(fault.StageResolve, fault.Code{},
		fmt.Errorf("%w: unsupported target %v", fault.ErrResolution, target))
}

func (c *Conn) rootGeometry() capture.Geometry {
	return capture.Geometry{
		Width:  c.Width,
		Height: c.Height,
		Depth:  24,
		Format: bgrx,
	}
}

func (c *Conn) screenBounds() image.Rectangle {
	return image.Rect(0, 0, c.Width, c.Height)
}

// visibleWindow resolves hwnd clipped to the desktop.
func (c *Conn) visibleWindow(hwnd windows.HWND) (capture.Geometry, error) {
	g, err := c.windowGeometry(hwnd)
	if err != nil {
		return capture.Geometry{}, err
	}
	visible, ok := capture.ClipTo(g, c.screenBounds())
	if !ok {
		return capture.Geometry{}, fault.New(fault.StageResolve, fault.Code{},
			fmt.Errorf("%w: window 0x%x is off screen", fault.ErrResolution, uintptr(hwnd)))
	}
	return visible, nil
}

// windowGeometry returns the window's full rectangle. The drawable is the
// window itself and the origin is relative to its window DC.
func (c *Conn) windowGeometry(hwnd windows.HWND) (capture.Geometry, error) {
	if hwnd == 0 || !windows.IsWindow(hwnd) {
		return capture.Geometry{}, fault.New(fault.StageResolve, fault.Win32Code(uint32(windows.ERROR_INVALID_WINDOW_HANDLE)),
			fmt.Errorf("%w: window 0x%x", fault.ErrNotFound, uintptr(hwnd)))
	}
	if !windows.IsWindowVisible(hwnd) {
		return capture.Geometry{}, fault.New(fault.StageResolve, fault.Code{},
			fmt.Errorf("%w: window 0x%x is not visible", fault.ErrResolution, uintptr(hwnd)))
	}

	r, err := getWindowRect(hwnd)
	if err != nil {
		return capture.Geometry{}, win32Fault(fault.StageResolve, err, "window 0x%x rect", uintptr(hwnd))
	}

	full := image.Rect(int(r.Left), int(r.Top), int(r.Right), int(r.Bottom))
	return capture.Geometry{
		Drawable: uint32(hwnd),
		Width:    full.Dx(),
		Height:   full.Dy(),
		Depth:    24,
		Format:   bgrx,
		Screen:   full.Min,
	}, nil
}
