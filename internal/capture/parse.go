package capture

import (
	"fmt"
	"image"
	"regexp"
	"strconv"
	"strings"
)

// ParseWindowID parses a window id in hex ("0x1c00007") or decimal.
func ParseWindowID(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid window id %q: %w", s, err)
	}
	return uint32(v), nil
}

var geometryRe = regexp.MustCompile(`^(\d+)x(\d+)(?:\+(\d+)\+(\d+))?$`)

// ParseGeometry parses an X-style geometry "WxH+X+Y" (offset optional).
func ParseGeometry(s string) (image.Rectangle, error) {
	m := geometryRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return image.Rectangle{}, fmt.Errorf("invalid geometry %q, want WxH+X+Y", s)
	}
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[2])
	var x, y int
	if m[3] != "" {
		x, _ = strconv.Atoi(m[3])
		y, _ = strconv.Atoi(m[4])
	}
	return image.Rect(x, y, x+w, y+h), nil
}

// ParseTarget builds a target from user input. window is a window id or
// empty for the root; region is a geometry inside it or empty; active
// selects the focused window and excludes window.
func ParseTarget(window, region string, active bool) (Target, error) {
	if active && window != "" {
		return Target{}, fmt.Errorf("active and window are mutually exclusive")
	}

	var id uint32
	if window != "" {
		var err error
		if id, err = ParseWindowID(window); err != nil {
			return Target{}, err
		}
	}

	if region != "" {
		if active {
			return Target{}, fmt.Errorf("region is not supported with active")
		}
		rect, err := ParseGeometry(region)
		if err != nil {
			return Target{}, err
		}
		return Region(id, rect), nil
	}

	switch {
	case active:
		return ActiveWindow(), nil
	case window != "":
		return WindowID(id), nil
	default:
		return RootWindow(), nil
	}
}
