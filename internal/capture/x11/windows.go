package x11

import (
	"fmt"
	"image"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil"
	"github.com/BurntSushi/xgbutil/ewmh"
	"github.com/BurntSushi/xgbutil/icccm"
	"github.com/BurntSushi/xgbutil/xwindow"
	"github.com/bryanchriswhite/shmgrab/internal/capture"
	"github.com/bryanchriswhite/shmgrab/internal/logger"
)

// ListWindows returns the top-level client windows of the named display,
// using _NET_CLIENT_LIST with a QueryTree fallback. It runs on its own
// connection because xgbutil creates helper resources on the server.
func ListWindows(name string) ([]capture.WindowInfo, error) {
	log := logger.WithComponent("x11-windows")

	xu, err := xgbutil.NewConnDisplay(name)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}
	defer xu.Conn().Close()

	active, _ := ewmh.ActiveWindowGet(xu)

	clients, err := ewmh.ClientListGet(xu)
	if err != nil || len(clients) == 0 {
		log.Debug().Err(err).Msg("_NET_CLIENT_LIST unavailable, falling back to QueryTree")
		tree, err := xproto.QueryTree(xu.Conn(), xu.RootWin()).Reply()
		if err != nil {
			return nil, fmt.Errorf("failed to query window tree: %w", err)
		}
		clients = tree.Children
	}

	windows := make([]capture.WindowInfo, 0, len(clients))
	for _, win := range clients {
		info, err := windowInfo(xu, win)
		if err != nil {
			log.Debug().Uint32("window_id", uint32(win)).Err(err).Msg("Skipping window")
			continue
		}
		// Unnamed, unclassed windows are not user windows.
		if info.Title == "" && info.Class == "" {
			continue
		}
		info.Active = win == active
		windows = append(windows, info)
	}

	log.Debug().Int("count", len(windows)).Msg("Listed windows")
	return windows, nil
}

func windowInfo(xu *xgbutil.XUtil, win xproto.Window) (capture.WindowInfo, error) {
	info := capture.WindowInfo{ID: uint32(win)}

	attrs, err := xproto.GetWindowAttributes(xu.Conn(), win).Reply()
	if err != nil {
		return info, err
	}
	if attrs.MapState != xproto.MapStateViewable {
		return info, fmt.Errorf("window 0x%x is not viewable", uint32(win))
	}

	if title, err := ewmh.WmNameGet(xu, win); err == nil && title != "" {
		info.Title = title
	} else if title, err := icccm.WmNameGet(xu, win); err == nil {
		info.Title = title
	}

	if class, err := icccm.WmClassGet(xu, win); err == nil {
		info.Class = class.Class
	}

	geom, err := xwindow.New(xu, win).DecorGeometry()
	if err != nil {
		return info, err
	}
	info.Geometry = image.Rect(geom.X(), geom.Y(), geom.X()+geom.Width(), geom.Y()+geom.Height())
	return info, nil
}
