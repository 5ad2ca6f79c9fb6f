package output

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bryanchriswhite/shmgrab/internal/capture"
)

func frame(w, h int) *capture.Buffer {
	g := capture.Geometry{
		Width:  w,
		Height: h,
		Depth:  24,
		Format: capture.PixelFormat{BitsPerPixel: 32, ScanlinePad: 32},
	}
	return capture.NewBuffer(g, make([]byte, g.Size()), true)
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub(nil)
	if err := h.WriteFrame(frame(1, 1)); err == nil {
		t.Error("WriteFrame before Start succeeded")
	}
	if err := h.Start(); err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	a, leaveA, err := h.Subscribe()
	if err != nil {
		t.Fatal(err)
	}
	b, leaveB, err := h.Subscribe()
	if err != nil {
		t.Fatal(err)
	}
	defer leaveB()

	f := frame(4, 2)
	if err := h.WriteFrame(f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	for name, ch := range map[string]<-chan *capture.Buffer{"a": a, "b": b} {
		select {
		case got := <-ch:
			if got != f {
				t.Errorf("%s received a different frame", name)
			}
		case <-time.After(time.Second):
			t.Errorf("%s received nothing", name)
		}
	}

	leaveA()
	leaveA()
	if n := h.Clients(); n != 1 {
		t.Errorf("Clients = %d, want 1", n)
	}
	if _, ok := <-a; ok {
		t.Error("channel still open after leave")
	}
}

func TestHubDropsForSlowClient(t *testing.T) {
	h := NewHub(nil)
	h.Start()
	defer h.Stop()

	ch, leave, _ := h.Subscribe()
	defer leave()

	for i := 0; i < 5; i++ {
		if err := h.WriteFrame(frame(1, 1)); err != nil {
			t.Fatal(err)
		}
	}
	if len(ch) != cap(ch) {
		t.Errorf("buffered = %d, want %d", len(ch), cap(ch))
	}
}

func TestHubProducerFollowsSubscribers(t *testing.T) {
	started := make(chan struct{}, 4)
	stopped := make(chan struct{}, 4)
	h := NewHub(func(ctx context.Context, emit func(*capture.Buffer) error) error {
		started <- struct{}{}
		defer func() { stopped <- struct{}{} }()
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick.C:
				emit(frame(2, 2))
			}
		}
	})
	h.Start()
	defer h.Stop()

	ch, leave, err := h.Subscribe()
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("producer did not start on first subscriber")
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no frame from producer")
	}

	leave()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("producer kept running without subscribers")
	}
}

func TestHubProducerFailureDisconnects(t *testing.T) {
	h := NewHub(func(ctx context.Context, emit func(*capture.Buffer) error) error {
		return errors.New("target vanished")
	})
	h.Start()
	defer h.Stop()

	ch, leave, err := h.Subscribe()
	if err != nil {
		t.Fatal(err)
	}
	defer leave()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received a frame from a failing producer")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber not disconnected after producer failure")
	}
}

func TestHeaderOf(t *testing.T) {
	f := frame(3, 2)
	h := HeaderOf(f)
	if h.Width != 3 || h.Height != 2 || h.BytesPerLine != 12 || !h.Shared {
		t.Errorf("HeaderOf = %+v", h)
	}
	if h.ByteOrder != "lsb-first" {
		t.Errorf("byte order = %q", h.ByteOrder)
	}
	if HeaderOf(frame(3, 2)) != h {
		t.Error("equal frames produced different headers")
	}
	if HeaderOf(frame(4, 2)) == h {
		t.Error("different sizes produced equal headers")
	}
}

func TestWriterSink(t *testing.T) {
	var out bytes.Buffer
	s := NewWriterSink(&out)
	if err := s.WriteFrame(frame(1, 1)); err == nil {
		t.Error("WriteFrame before Start succeeded")
	}
	s.Start()
	defer s.Stop()

	f := frame(2, 3)
	for i := range f.Data {
		f.Data[i] = byte(i)
	}
	if err := s.WriteFrame(f); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.Bytes(), f.Data) {
		t.Error("written bytes differ from frame data")
	}
	frames, n := s.Stats()
	if frames != 1 || n != uint64(len(f.Data)) {
		t.Errorf("Stats = %d, %d", frames, n)
	}
}
