//go:build windows

package gdi

import (
	"fmt"
	"image"
	"unsafe"

	"github.com/bryanchriswhite/shmgrab/internal/capture"
	"github.com/bryanchriswhite/shmgrab/internal/logger"
	"golang.org/x/sys/windows"
)

// ListWindows returns the visible, titled top-level windows. The display
// name must be empty.
func ListWindows(name string) ([]capture.WindowInfo, error) {
	if name != "" {
		return nil, fmt.Errorf("display %q: only the local desktop is supported", name)
	}

	var handles []windows.HWND
	cb := windows.NewCallback(func(hwnd windows.HWND, _ uintptr) uintptr {
		handles = append(handles, hwnd)
		return 1
	})
	if err := windows.EnumWindows(cb, unsafe.Pointer(nil)); err != nil {
		return nil, fmt.Errorf("EnumWindows: %w", err)
	}

	active := windows.GetForegroundWindow()
	out := make([]capture.WindowInfo, 0, len(handles))
	for _, hwnd := range handles {
		if !windows.IsWindowVisible(hwnd) {
			continue
		}
		title := windowText(hwnd)
		if title == "" {
			continue
		}
		r, err := getWindowRect(hwnd)
		if err != nil {
			continue
		}

		class := make([]uint16, 256)
		var className string
		if n, err := windows.GetClassName(hwnd, &class[0], int32(len(class))); err == nil {
			className = windows.UTF16ToString(class[:n])
		}

		out = append(out, capture.WindowInfo{
			ID:       uint32(hwnd),
			Title:    title,
			Class:    className,
			Geometry: image.Rect(int(r.Left), int(r.Top), int(r.Right), int(r.Bottom)),
			Active:   hwnd == active,
		})
	}

	logger.WithComponent("gdi").Debug().Int("count", len(out)).Msg("Listed windows")
	return out, nil
}
