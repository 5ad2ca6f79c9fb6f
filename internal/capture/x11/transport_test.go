package x11

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/shmgrab/internal/capture"
	"github.com/bryanchriswhite/shmgrab/internal/fault"
)

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name        string
		shm         bool
		wantShared  bool
		wantVersion string
	}{
		{name: "without MIT-SHM", shm: false},
		{name: "with MIT-SHM", shm: true, wantShared: true, wantVersion: "1.2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := &testServer{shm: tt.shm}
			h := startTestServer(t, srv)
			tr := NewTransport()

			caps, err := tr.Negotiate(context.Background(), h)
			if err != nil {
				t.Fatalf("Negotiate: %v", err)
			}
			if caps.SharedMemory != tt.wantShared || caps.Version != tt.wantVersion {
				t.Errorf("caps = %+v, want shared=%v version=%q", caps, tt.wantShared, tt.wantVersion)
			}

			if _, err := tr.Negotiate(context.Background(), h); err != nil {
				t.Fatalf("second Negotiate: %v", err)
			}
			if n := srv.requests(98); n != 1 {
				t.Errorf("QueryExtension sent %d times, want 1", n)
			}
		})
	}
}

func TestFetchCopy(t *testing.T) {
	h := startTestServer(t, &testServer{windows: testWindows()})
	ctx := context.Background()

	g, err := Resolver{}.Resolve(ctx, h, capture.WindowID(0x400))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	buf, err := NewTransport().Fetch(ctx, h, g, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if buf.Len() != g.Size() || buf.Shared {
		t.Fatalf("buffer = %d bytes shared=%v, want %d bytes over the copy path", buf.Len(), buf.Shared, g.Size())
	}
	if buf.Width != 16 || buf.Height != 8 || buf.BytesPerLine != 64 {
		t.Errorf("buffer layout = %dx%d, %d bytes per line", buf.Width, buf.Height, buf.BytesPerLine)
	}
	for _, i := range []int{0, 1, 255, 300} {
		if buf.Data[i] != byte(i) {
			t.Fatalf("Data[%d] = %d, want %d", i, buf.Data[i], byte(i))
		}
	}
}

func TestFetchShortImage(t *testing.T) {
	h := startTestServer(t, &testServer{shortImage: true})
	ctx := context.Background()

	g, err := Resolver{}.Resolve(ctx, h, capture.RootWindow())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	_, err = NewTransport().Fetch(ctx, h, g, nil)
	if !errors.Is(err, fault.ErrTransfer) {
		t.Fatalf("Fetch = %v, want ErrTransfer", err)
	}
	if fault.StageOf(err) != fault.StageFetch {
		t.Errorf("stage = %q, want image-fetch", fault.StageOf(err))
	}
}

func TestCaptureCopyPath(t *testing.T) {
	h := startTestServer(t, &testServer{windows: testWindows()})
	orch := capture.NewOrchestrator(Resolver{}, NewTransport(), time.Second)

	buf, err := orch.Capture(context.Background(), h, capture.Region(0x500, image.Rect(25, 0, 29, 2)), capture.DefaultOptions())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if buf.Len() != 4*2*4 || buf.Shared {
		t.Errorf("buffer = %d bytes shared=%v, want 32 bytes without shared memory", buf.Len(), buf.Shared)
	}
}

func TestBridgeDrainsAsyncErrors(t *testing.T) {
	h := startTestServer(t, &testServer{})
	c, err := connOf(h)
	if err != nil {
		t.Fatal(err)
	}

	// an unchecked request sends its error to the event queue
	if _, err := xproto.GetGeometryUnchecked(c.X, 0xdead).Reply(); err != nil {
		t.Fatalf("unchecked reply returned %v", err)
	}

	err = h.Bridge().Checkpoint(fault.StageFetch)
	var f *fault.Fault
	if !errors.As(err, &f) {
		t.Fatalf("Checkpoint = %v, want a fault", err)
	}
	if f.Stage != fault.StageFetch || f.Code != fault.X11Code(fault.X11BadDrawable) {
		t.Errorf("fault = stage %q code %v, want image-fetch with BadDrawable", f.Stage, f.Code)
	}
	if h.Bridge().State() != fault.StateIdle {
		t.Error("bridge still holds an error after the checkpoint")
	}
	if err := h.Bridge().Checkpoint(fault.StageFetch); err != nil {
		t.Errorf("second Checkpoint = %v, want nil", err)
	}
}

func TestTimeoutOnUnresponsiveServer(t *testing.T) {
	h := startTestServer(t, &testServer{silent: true})

	tests := []struct {
		name  string
		stage fault.Stage
		run   func(ctx context.Context) error
	}{
		{"resolve root", fault.StageResolve, func(ctx context.Context) error {
			_, err := Resolver{}.Resolve(ctx, h, capture.RootWindow())
			return err
		}},
		{"resolve active", fault.StageResolve, func(ctx context.Context) error {
			_, err := Resolver{}.Resolve(ctx, h, capture.ActiveWindow())
			return err
		}},
		{"negotiate", fault.StageNegotiate, func(ctx context.Context) error {
			_, err := NewTransport().Negotiate(ctx, h)
			return err
		}},
		{"fetch", fault.StageFetch, func(ctx context.Context) error {
			g := capture.Geometry{Drawable: uint32(testRoot), Width: 4, Height: 4,
				Format: capture.PixelFormat{BitsPerPixel: 32, ScanlinePad: 32}}
			_, err := NewTransport().Fetch(ctx, h, g, nil)
			return err
		}},
		{"orchestrated capture", fault.StageResolve, func(ctx context.Context) error {
			orch := capture.NewOrchestrator(Resolver{}, NewTransport(), 100*time.Millisecond)
			_, err := orch.Capture(ctx, h, capture.RootWindow(), capture.DefaultOptions())
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- tt.run(ctx) }()

			select {
			case err := <-done:
				if !errors.Is(err, fault.ErrTimeout) {
					t.Fatalf("err = %v, want ErrTimeout", err)
				}
				if fault.StageOf(err) != tt.stage {
					t.Errorf("stage = %q, want %q", fault.StageOf(err), tt.stage)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("still blocked 5s after a 100ms deadline")
			}
		})
	}
}
