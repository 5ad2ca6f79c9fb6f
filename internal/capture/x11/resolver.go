package x11

import (
	"context"
	"fmt"
	"image"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/shmgrab/internal/capture"
	"github.com/bryanchriswhite/shmgrab/internal/display"
	"github.com/bryanchriswhite/shmgrab/internal/fault"
	"github.com/bryanchriswhite/shmgrab/internal/logger"
)

// Resolver resolves capture targets with read-only X11 queries.
type Resolver struct{}

// Resolve implements capture.Resolver. Every round trip gives up when ctx
// is done.
func (Resolver) Resolve(ctx context.Context, h *display.Handle, target capture.Target) (capture.Geometry, error) {
	c, err := connOf(h)
	if err != nil {
		return capture.Geometry{}, fault.Wrap(fault.StageResolve, err)
	}

	switch target.Kind {
	case capture.TargetRoot:
		return c.windowGeometry(ctx, c.Screen.Root)

	case capture.TargetWindow:
		if target.Window == 0 {
			return capture.Geometry{}, fault.New(fault.StageResolve, fault.Code{},
				fmt.Errorf("%w: window id 0", fault.ErrNotFound))
		}
		return c.visibleWindow(ctx, xproto.Window(target.Window))

	case capture.TargetActive:
		win, err := c.activeWindow(ctx)
		if err != nil {
			return capture.Geometry{}, err
		}
		if win == c.Screen.Root {
			return c.windowGeometry(ctx, win)
		}
		return c.visibleWindow(ctx, win)

	case capture.TargetRegion:
		base := c.Screen.Root
		if target.Window != 0 {
			base = xproto.Window(target.Window)
		}
		g, err := c.windowGeometry(ctx, base)
		if err != nil {
			return capture.Geometry{}, err
		}
		// the rect is in window coordinates, so bounds are checked before
		// clipping to the screen
		sub, err := capture.SubGeometry(g, target.Rect)
		if err != nil {
			return capture.Geometry{}, err
		}
		visible, ok := capture.ClipTo(sub, c.screenBounds())
		if !ok {
			return capture.Geometry{}, fault.New(fault.StageResolve, fault.Code{},
				fmt.Errorf("%w: region %v of window 0x%x is off screen", fault.ErrOutOfBounds, target.Rect, uint32(base)))
		}
		return visible, nil
	}

	return capture.Geometry{}, fault.New(fault.StageResolve, fault.Code{},
		fmt.Errorf("%w: unsupported target %v", fault.ErrResolution, target))
}

func (c *Conn) screenBounds() image.Rectangle {
	return image.Rect(0, 0, int(c.Screen.WidthInPixels), int(c.Screen.HeightInPixels))
}

// visibleWindow resolves win clipped to the screen, since GetImage fails on
// off-screen areas.
func (c *Conn) visibleWindow(ctx context.Context, win xproto.Window) (capture.Geometry, error) {
	g, err := c.windowGeometry(ctx, win)
	if err != nil {
		return capture.Geometry{}, err
	}

	visible, ok := capture.ClipTo(g, c.screenBounds())
	if !ok {
		return capture.Geometry{}, fault.New(fault.StageResolve, fault.Code{},
			fmt.Errorf("%w: window 0x%x is off screen", fault.ErrResolution, uint32(win)))
	}
	if visible != g {
		logger.WithComponent("x11-resolver").Debug().
			Uint32("window_id", uint32(win)).
			Int("origin_x", visible.OriginX).
			Int("origin_y", visible.OriginY).
			Int("width", visible.Width).
			Int("height", visible.Height).
			Msg("Clipping window to screen")
	}
	return visible, nil
}

// windowGeometry queries attributes, geometry and screen position of win.
// The result covers the whole window.
func (c *Conn) windowGeometry(ctx context.Context, win xproto.Window) (capture.Geometry, error) {
	root := c.Screen.Root

	attrs, err := await(ctx, func() (*xproto.GetWindowAttributesReply, error) {
		return xproto.GetWindowAttributes(c.X, win).Reply()
	})
	if err != nil {
		return capture.Geometry{}, replyFault(fault.StageResolve, err, "window 0x%x attributes", uint32(win))
	}
	if attrs.Class == xproto.WindowClassInputOnly {
		return capture.Geometry{}, fault.New(fault.StageResolve, fault.Code{},
			fmt.Errorf("%w: window 0x%x is input-only", fault.ErrResolution, uint32(win)))
	}
	if win != root && attrs.MapState != xproto.MapStateViewable {
		return capture.Geometry{}, fault.New(fault.StageResolve, fault.Code{},
			fmt.Errorf("%w: window 0x%x is not viewable (map state %d)", fault.ErrResolution, uint32(win), attrs.MapState))
	}

	geom, err := await(ctx, func() (*xproto.GetGeometryReply, error) {
		return xproto.GetGeometry(c.X, xproto.Drawable(win)).Reply()
	})
	if err != nil {
		return capture.Geometry{}, replyFault(fault.StageResolve, err, "window 0x%x geometry", uint32(win))
	}

	var screenPos image.Point
	if win != root {
		tr, err := await(ctx, func() (*xproto.TranslateCoordinatesReply, error) {
			return xproto.TranslateCoordinates(c.X, win, root, 0, 0).Reply()
		})
		if err != nil {
			return capture.Geometry{}, replyFault(fault.StageResolve, err, "window 0x%x position", uint32(win))
		}
		screenPos = image.Pt(int(tr.DstX), int(tr.DstY))
	}

	format, err := c.pixelFormat(geom.Depth, attrs.Visual)
	if err != nil {
		return capture.Geometry{}, fault.New(fault.StageResolve, fault.Code{}, fmt.Errorf("%w: %w", fault.ErrResolution, err))
	}

	return capture.Geometry{
		Drawable:  uint32(win),
		Width:     int(geom.Width),
		Height:    int(geom.Height),
		Depth:     int(geom.Depth),
		Format:    format,
		ByteOrder: capture.ByteOrder(c.Setup.ImageByteOrder),
		BitOrder:  capture.ByteOrder(c.Setup.BitmapFormatBitOrder),
		Screen:    screenPos,
	}, nil
}

// pixelFormat looks up the ZPixmap layout for depth and the channel masks
// of visual.
func (c *Conn) pixelFormat(depth byte, visual xproto.Visualid) (capture.PixelFormat, error) {
	var format capture.PixelFormat
	found := false
	for _, pf := range c.Setup.PixmapFormats {
		if pf.Depth == depth {
			format.BitsPerPixel = int(pf.BitsPerPixel)
			format.ScanlinePad = int(pf.ScanlinePad)
			found = true
			break
		}
	}
	if !found {
		return format, fmt.Errorf("no pixmap format for depth %d", depth)
	}

	for _, screen := range c.Setup.Roots {
		for _, d := range screen.AllowedDepths {
			for _, v := range d.Visuals {
				if v.VisualId == visual {
					format.RedMask = v.RedMask
					format.GreenMask = v.GreenMask
					format.BlueMask = v.BlueMask
					return format, nil
				}
			}
		}
	}
	return format, nil
}

// activeWindow returns the focused window: _NET_ACTIVE_WINDOW when the
// window manager publishes it, else the input focus, else the root. Atoms
// are looked up with only-if-exists so nothing is created on the server.
func (c *Conn) activeWindow(ctx context.Context) (xproto.Window, error) {
	root := c.Screen.Root
	const name = "_NET_ACTIVE_WINDOW"

	atom, err := await(ctx, func() (*xproto.InternAtomReply, error) {
		return xproto.InternAtom(c.X, true, uint16(len(name)), name).Reply()
	})
	if ctx.Err() != nil {
		return 0, replyFault(fault.StageResolve, ctx.Err(), "intern %s", name)
	}
	if err == nil && atom != nil && atom.Atom != xproto.AtomNone {
		prop, err := await(ctx, func() (*xproto.GetPropertyReply, error) {
			return xproto.GetProperty(c.X, false, root, atom.Atom, xproto.AtomWindow, 0, 1).Reply()
		})
		if ctx.Err() != nil {
			return 0, replyFault(fault.StageResolve, ctx.Err(), "read %s", name)
		}
		if err == nil && prop != nil && prop.Format == 32 && len(prop.Value) >= 4 {
			if win := xproto.Window(xgb.Get32(prop.Value)); win != xproto.WindowNone {
				return win, nil
			}
		}
	}

	focus, err := await(ctx, func() (*xproto.GetInputFocusReply, error) {
		return xproto.GetInputFocus(c.X).Reply()
	})
	if err != nil {
		return 0, replyFault(fault.StageResolve, err, "input focus")
	}
	if focus.Focus == xproto.WindowNone || focus.Focus == xproto.InputFocusPointerRoot {
		return root, nil
	}
	return focus.Focus, nil
}
