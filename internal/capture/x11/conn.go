// Package x11 implements capture over the X11 protocol with the MIT-SHM
// extension, using a System V segment for the shared-memory path.
package x11

import (
	"fmt"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/shmgrab/internal/display"
	"github.com/bryanchriswhite/shmgrab/internal/fault"
	"github.com/bryanchriswhite/shmgrab/internal/logger"
)

// allPlanes is the plane mask selecting every bit of each pixel.
const allPlanes = 0xffffffff

// Conn is an open X11 connection with its setup data.
type Conn struct {
	X      *xgb.Conn
	Setup  *xproto.SetupInfo
	Screen *xproto.ScreenInfo
}

// Close closes the X11 connection.
func (c *Conn) Close() error {
	c.X.Close()
	return nil
}

// Dialer opens X11 connections.
type Dialer struct{}

// Dial connects to the named display. Empty uses $DISPLAY.
func (Dialer) Dial(name string) (display.Conn, error) {
	conn, err := xgb.NewConnDisplay(name)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	logger.WithComponent("x11").Debug().
		Str("vendor", setup.Vendor).
		Uint16("width", screen.WidthInPixels).
		Uint16("height", screen.HeightInPixels).
		Uint8("depth", screen.RootDepth).
		Msg("Connected to X server")

	return &Conn{X: conn, Setup: setup, Screen: screen}, nil
}

// NewBridge returns an asynchronous bridge whose checkpoints drain the
// connection's queued protocol errors through deliver.
func (Dialer) NewBridge(conn display.Conn, deliver func(error)) fault.Bridge {
	c := conn.(*Conn)
	log := logger.WithComponent("x11")

	drain := func() {
		for {
			ev, xerr := c.X.PollForEvent()
			if ev == nil && xerr == nil {
				return
			}
			if xerr != nil {
				deliver(xerr)
				continue
			}
			log.Trace().Str("event", ev.String()).Msg("Discarding event")
		}
	}
	return fault.NewAsyncBridge(drain, ErrorCode)
}

// Platform returns "x11".
func (Dialer) Platform() string { return "x11" }

func connOf(h *display.Handle) (*Conn, error) {
	if h == nil || h.Closed() {
		return nil, fault.ErrClosed
	}
	c, ok := h.Conn().(*Conn)
	if !ok {
		return nil, fmt.Errorf("%w: handle is not an X11 connection", fault.ErrConnection)
	}
	return c, nil
}

// ErrorCode maps an X11 protocol error to its core error code.
func ErrorCode(err error) fault.Code {
	var v uint32
	switch err.(type) {
	case xproto.RequestError:
		v = fault.X11BadRequest
	case xproto.ValueError:
		v = fault.X11BadValue
	case xproto.WindowError:
		v = fault.X11BadWindow
	case xproto.PixmapError:
		v = fault.X11BadPixmap
	case xproto.AtomError:
		v = fault.X11BadAtom
	case xproto.CursorError:
		v = fault.X11BadCursor
	case xproto.FontError:
		v = fault.X11BadFont
	case xproto.MatchError:
		v = fault.X11BadMatch
	case xproto.DrawableError:
		v = fault.X11BadDrawable
	case xproto.AccessError:
		v = fault.X11BadAccess
	case xproto.AllocError:
		v = fault.X11BadAlloc
	case xproto.ColormapError:
		v = fault.X11BadColor
	case xproto.GContextError:
		v = fault.X11BadGC
	case xproto.IDChoiceError:
		v = fault.X11BadIDChoice
	case xproto.NameError:
		v = fault.X11BadName
	case xproto.LengthError:
		v = fault.X11BadLength
	case xproto.ImplementationError:
		v = fault.X11BadImplementation
	default:
		return fault.Code{}
	}
	return fault.X11Code(v)
}

// protocolFault wraps an X11 error at stage with its code and class.
func protocolFault(stage fault.Stage, err error, format string, args ...any) error {
	code := ErrorCode(err)
	msg := fmt.Sprintf(format, args...)
	return fault.New(stage, code, fmt.Errorf("%w: %s: %w", fault.Classify(stage, code), msg, err))
}
