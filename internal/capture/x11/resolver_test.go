package x11

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/shmgrab/internal/capture"
	"github.com/bryanchriswhite/shmgrab/internal/fault"
)

func testWindows() map[xproto.Window]testWindow {
	viewable := func(x, y int16, w, h uint16) testWindow {
		return testWindow{x: x, y: y, width: w, height: h,
			mapState: xproto.MapStateViewable, class: xproto.WindowClassInputOutput}
	}
	return map[xproto.Window]testWindow{
		0x400: viewable(8, 4, 16, 8),
		0x500: viewable(-20, 0, 40, 10),
		0x600: {x: 0, y: 0, width: 10, height: 10, mapState: xproto.MapStateUnmapped, class: xproto.WindowClassInputOutput},
		0x700: {x: 0, y: 0, width: 10, height: 10, mapState: xproto.MapStateViewable, class: xproto.WindowClassInputOnly},
		0x800: viewable(100, 100, 10, 10),
	}
}

func TestResolve(t *testing.T) {
	h := startTestServer(t, &testServer{windows: testWindows(), focus: 0x400})

	format := capture.PixelFormat{
		BitsPerPixel: 32,
		ScanlinePad:  32,
		RedMask:      0xff0000,
		GreenMask:    0x00ff00,
		BlueMask:     0x0000ff,
	}

	tests := []struct {
		name    string
		target  capture.Target
		want    capture.Geometry
		wantErr error
	}{
		{
			name:   "root",
			target: capture.RootWindow(),
			want:   capture.Geometry{Drawable: uint32(testRoot), Width: 64, Height: 32},
		},
		{
			name:   "window",
			target: capture.WindowID(0x400),
			want:   capture.Geometry{Drawable: 0x400, Width: 16, Height: 8, Screen: image.Pt(8, 4)},
		},
		{
			name:   "window partly off screen is clipped",
			target: capture.WindowID(0x500),
			want:   capture.Geometry{Drawable: 0x500, OriginX: 20, Width: 20, Height: 10},
		},
		{
			name:   "active from input focus",
			target: capture.ActiveWindow(),
			want:   capture.Geometry{Drawable: 0x400, Width: 16, Height: 8, Screen: image.Pt(8, 4)},
		},
		{
			name:   "region of root",
			target: capture.Region(0, image.Rect(4, 4, 12, 8)),
			want:   capture.Geometry{Drawable: uint32(testRoot), OriginX: 4, OriginY: 4, Width: 8, Height: 4, Screen: image.Pt(4, 4)},
		},
		{
			name:   "region in window coordinates",
			target: capture.Region(0x500, image.Rect(25, 0, 35, 10)),
			want:   capture.Geometry{Drawable: 0x500, OriginX: 25, Width: 10, Height: 10, Screen: image.Pt(5, 0)},
		},
		{
			name:   "region straddling the screen edge",
			target: capture.Region(0x500, image.Rect(10, 0, 30, 10)),
			want:   capture.Geometry{Drawable: 0x500, OriginX: 20, Width: 10, Height: 10},
		},
		{
			name:    "region of window outside the screen",
			target:  capture.Region(0x500, image.Rect(0, 0, 10, 10)),
			wantErr: fault.ErrOutOfBounds,
		},
		{
			name:    "region beyond window bounds",
			target:  capture.Region(0x500, image.Rect(30, 0, 50, 10)),
			wantErr: fault.ErrOutOfBounds,
		},
		{
			name:    "unknown window",
			target:  capture.WindowID(0x999),
			wantErr: fault.ErrNotFound,
		},
		{
			name:    "window id zero",
			target:  capture.WindowID(0),
			wantErr: fault.ErrNotFound,
		},
		{
			name:    "unmapped window",
			target:  capture.WindowID(0x600),
			wantErr: fault.ErrResolution,
		},
		{
			name:    "input-only window",
			target:  capture.WindowID(0x700),
			wantErr: fault.ErrResolution,
		},
		{
			name:    "window off screen",
			target:  capture.WindowID(0x800),
			wantErr: fault.ErrResolution,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Resolver{}.Resolve(context.Background(), h, tt.target)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve(%v) = %v, want %v", tt.target, err, tt.wantErr)
				}
				if fault.StageOf(err) != fault.StageResolve {
					t.Errorf("stage = %q, want resolve", fault.StageOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%v): %v", tt.target, err)
			}

			want := tt.want
			want.Depth = 24
			want.Format = format
			want.ByteOrder = capture.LSBFirst
			want.BitOrder = capture.LSBFirst
			if g != want {
				t.Errorf("Resolve(%v) =\n  %+v\nwant\n  %+v", tt.target, g, want)
			}
		})
	}
}

func TestResolveUnmappedIsNotNotFound(t *testing.T) {
	h := startTestServer(t, &testServer{windows: testWindows()})

	_, err := Resolver{}.Resolve(context.Background(), h, capture.WindowID(0x600))
	if errors.Is(err, fault.ErrNotFound) {
		t.Errorf("unmapped window reported as not found: %v", err)
	}

	_, err = Resolver{}.Resolve(context.Background(), h, capture.WindowID(0x999))
	var f *fault.Fault
	if !errors.As(err, &f) || f.Code != fault.X11Code(fault.X11BadWindow) {
		t.Errorf("unknown window = %v, want a fault with the BadWindow code", err)
	}
}

func TestResolveActiveFromWindowManager(t *testing.T) {
	h := startTestServer(t, &testServer{windows: testWindows(), netActive: 0x500, focus: 0x400})

	g, err := Resolver{}.Resolve(context.Background(), h, capture.ActiveWindow())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if g.Drawable != 0x500 {
		t.Errorf("active drawable = 0x%x, want 0x500 from _NET_ACTIVE_WINDOW", g.Drawable)
	}
}

func TestResolveActiveFallsBackToRoot(t *testing.T) {
	h := startTestServer(t, &testServer{windows: testWindows()})

	g, err := Resolver{}.Resolve(context.Background(), h, capture.ActiveWindow())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if g.Drawable != uint32(testRoot) || g.Width != testScreenWidth {
		t.Errorf("active = 0x%x %dx%d, want the root", g.Drawable, g.Width, g.Height)
	}
}
