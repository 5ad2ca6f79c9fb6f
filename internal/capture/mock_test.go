package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/bryanchriswhite/shmgrab/internal/display"
	"github.com/bryanchriswhite/shmgrab/internal/fault"
)

type nopConn struct{}

func (nopConn) Close() error { return nil }

type testDialer struct{}

func (testDialer) Dial(string) (display.Conn, error) { return nopConn{}, nil }

func (testDialer) NewBridge(display.Conn, func(error)) fault.Bridge {
	return fault.NewAsyncBridge(nil, nil)
}

func (testDialer) Platform() string { return "mock" }

func newTestManager() *display.Manager {
	return display.NewManager(testDialer{}, display.WithDispatcher(fault.NewDispatcher()))
}

func openTestHandle(t *testing.T) *display.Handle {
	t.Helper()
	m := newTestManager()
	h, err := m.Open(":0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return h
}

func rootGeometry(width, height int) Geometry {
	return Geometry{
		Drawable: 0x1e5,
		Width:    width,
		Height:   height,
		Depth:    24,
		Format: PixelFormat{
			BitsPerPixel: 32,
			ScanlinePad:  32,
			RedMask:      0xff0000,
			GreenMask:    0x00ff00,
			BlueMask:     0x0000ff,
		},
	}
}

type mockResolver struct {
	root    Geometry
	windows map[uint32]Geometry
	calls   int
	// onResolve runs before resolving, e.g. to fire async errors.
	onResolve func(h *display.Handle)
}

func (r *mockResolver) Resolve(ctx context.Context, h *display.Handle, target Target) (Geometry, error) {
	r.calls++
	if r.onResolve != nil {
		r.onResolve(h)
	}
	switch target.Kind {
	case TargetRoot, TargetActive:
		return r.root, nil
	case TargetWindow:
		g, ok := r.windows[target.Window]
		if !ok {
			return Geometry{}, fmt.Errorf("%w: window 0x%x", fault.ErrNotFound, target.Window)
		}
		return g, nil
	case TargetRegion:
		base := r.root
		if target.Window != 0 {
			g, ok := r.windows[target.Window]
			if !ok {
				return Geometry{}, fault.ErrNotFound
			}
			base = g
		}
		return SubGeometry(base, target.Rect)
	}
	return Geometry{}, errors.New("unknown target")
}

type mockTransport struct {
	mu sync.Mutex

	shared      bool
	allocErr    error
	fetchErr    error
	shortBy     int
	onFetch     func(ctx context.Context, h *display.Handle)
	negotiates  int
	allocates   int
	allocSizes  []int
	fetches     int
	sharedFetch int
	releases    int
	outstanding int
}

func (m *mockTransport) Negotiate(ctx context.Context, h *display.Handle) (Capability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.negotiates++
	return Capability{SharedMemory: m.shared}, nil
}

func (m *mockTransport) Allocate(ctx context.Context, h *display.Handle, g Geometry) (*Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocates++
	m.allocSizes = append(m.allocSizes, g.Size())
	if m.allocErr != nil {
		return nil, m.allocErr
	}
	m.outstanding++
	return &Segment{ID: m.allocates, Size: g.Size(), Data: make([]byte, g.Size()), HandleID: h.ID()}, nil
}

func (m *mockTransport) Fetch(ctx context.Context, h *display.Handle, g Geometry, seg *Segment) (*Buffer, error) {
	if m.onFetch != nil {
		m.onFetch(ctx, h)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if seg != nil {
		m.sharedFetch++
	}
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	data := make([]byte, g.Size()-m.shortBy)
	return NewBuffer(g, data, seg != nil), nil
}

func (m *mockTransport) Release(seg *Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !seg.MarkReleased() {
		return fault.ErrReleased
	}
	m.releases++
	m.outstanding--
	return nil
}
