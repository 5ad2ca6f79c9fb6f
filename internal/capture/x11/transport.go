package x11

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	xshm "github.com/BurntSushi/xgb/shm"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/shmgrab/internal/capture"
	"github.com/bryanchriswhite/shmgrab/internal/display"
	"github.com/bryanchriswhite/shmgrab/internal/fault"
	"github.com/bryanchriswhite/shmgrab/internal/logger"
	sysv "github.com/bryanchriswhite/shmgrab/internal/shm"
)

// detachTimeout bounds the server-side detach in Release, which has no
// caller context.
const detachTimeout = 2 * time.Second

// segmentState is the backend half of a capture.Segment.
type segmentState struct {
	mem    *sysv.Segment
	conn   *Conn
	handle *display.Handle
}

// Transport moves images over MIT-SHM when available and over core
// GetImage otherwise.
type Transport struct {
	mu   sync.Mutex
	caps map[uint64]capture.Capability
}

// NewTransport creates an X11 transport.
func NewTransport() *Transport {
	return &Transport{caps: make(map[uint64]capture.Capability)}
}

// Negotiate queries MIT-SHM once per handle. A missing extension is not an
// error; the capability simply reports no shared memory.
func (t *Transport) Negotiate(ctx context.Context, h *display.Handle) (capture.Capability, error) {
	c, err := connOf(h)
	if err != nil {
		return capture.Capability{}, fault.Wrap(fault.StageNegotiate, err)
	}

	t.mu.Lock()
	if known, ok := t.caps[h.ID()]; ok {
		t.mu.Unlock()
		return known, nil
	}
	t.mu.Unlock()

	log := logger.WithComponent("x11-transport")
	var caps capture.Capability

	err = awaitCheck(ctx, func() error { return xshm.Init(c.X) })
	switch {
	case ctx.Err() != nil:
		return capture.Capability{}, replyFault(fault.StageNegotiate, ctx.Err(), "query MIT-SHM extension")
	case err != nil:
		log.Info().Err(err).Msg("MIT-SHM extension not available, using copy path")
	default:
		reply, err := await(ctx, func() (*xshm.QueryVersionReply, error) {
			return xshm.QueryVersion(c.X).Reply()
		})
		if ctx.Err() != nil {
			return capture.Capability{}, replyFault(fault.StageNegotiate, ctx.Err(), "query MIT-SHM version")
		}
		if err != nil {
			log.Warn().Err(err).Msg("MIT-SHM version query failed, using copy path")
		} else {
			caps = capture.Capability{
				SharedMemory:  true,
				Version:       fmt.Sprintf("%d.%d", reply.MajorVersion, reply.MinorVersion),
				SharedPixmaps: reply.SharedPixmaps,
			}
		}
	}

	t.mu.Lock()
	t.caps[h.ID()] = caps
	t.mu.Unlock()

	h.OnClose(func(h *display.Handle) {
		t.mu.Lock()
		delete(t.caps, h.ID())
		t.mu.Unlock()
	})

	log.Debug().
		Uint64("handle", h.ID()).
		Bool("shared_memory", caps.SharedMemory).
		Str("version", caps.Version).
		Msg("Negotiated transport")
	return caps, nil
}

// Allocate creates a SysV segment of g.Size() bytes and attaches it to the
// server. Partial work is undone on failure.
func (t *Transport) Allocate(ctx context.Context, h *display.Handle, g capture.Geometry) (*capture.Segment, error) {
	c, err := connOf(h)
	if err != nil {
		return nil, fault.Wrap(fault.StageAllocate, err)
	}

	size := g.Size()
	mem, err := sysv.Create(size)
	if err != nil {
		return nil, fault.New(fault.StageAllocate, fault.OSCode(sysv.Errno(err)),
			fmt.Errorf("%w: %w", fault.ErrAllocation, err))
	}

	seg, err := xshm.NewSegId(c.X)
	if err != nil {
		t.discard(mem)
		return nil, fault.New(fault.StageAllocate, fault.Code{},
			fmt.Errorf("%w: segment id: %w", fault.ErrAllocation, err))
	}

	err = awaitCheck(ctx, func() error {
		return xshm.AttachChecked(c.X, seg, uint32(mem.ID), false).Check()
	})
	if err != nil {
		t.discard(mem)
		return nil, replyFault(fault.StageAllocate, err, "attach shmid %d", mem.ID)
	}

	// the server holds its own attachment now, so the kernel frees the
	// segment once both sides detach even if this process dies first
	if err := mem.Remove(); err != nil {
		logger.WithComponent("x11-transport").Warn().Err(err).Int("shmid", mem.ID).Msg("Failed to mark segment for removal")
	}

	logger.WithComponent("x11-transport").Trace().
		Int("shmid", mem.ID).
		Uint32("shmseg", uint32(seg)).
		Int("size", size).
		Msg("Attached shared segment")

	return &capture.Segment{
		ID:       mem.ID,
		ServerID: uint32(seg),
		Size:     size,
		Data:     mem.Data,
		HandleID: h.ID(),
		Native:   &segmentState{mem: mem, conn: c, handle: h},
	}, nil
}

// Fetch reads g into a new buffer. With a segment the server writes into
// shared memory and the pixels are copied out before returning, so the
// buffer never aliases the segment.
func (t *Transport) Fetch(ctx context.Context, h *display.Handle, g capture.Geometry, seg *capture.Segment) (*capture.Buffer, error) {
	c, err := connOf(h)
	if err != nil {
		return nil, fault.Wrap(fault.StageFetch, err)
	}

	drawable := xproto.Drawable(g.Drawable)
	x, y := int16(g.OriginX), int16(g.OriginY)
	w, ht := uint16(g.Width), uint16(g.Height)
	want := g.Size()

	if seg != nil {
		if seg.Released() || seg.Data == nil {
			return nil, fault.New(fault.StageFetch, fault.Code{}, fmt.Errorf("%w: %w", fault.ErrTransfer, fault.ErrReleased))
		}
		if seg.Size < want {
			return nil, fault.New(fault.StageFetch, fault.Code{},
				fmt.Errorf("%w: segment holds %d bytes, image needs %d", fault.ErrTransfer, seg.Size, want))
		}

		reply, err := await(ctx, func() (*xshm.GetImageReply, error) {
			return xshm.GetImage(c.X, drawable, x, y, w, ht, allPlanes,
				xproto.ImageFormatZPixmap, xshm.Seg(seg.ServerID), 0).Reply()
		})
		if err != nil {
			return nil, replyFault(fault.StageFetch, err, "shm get image")
		}
		if int(reply.Size) < want {
			return nil, fault.New(fault.StageFetch, fault.Code{},
				fmt.Errorf("%w: server wrote %d bytes, expected %d", fault.ErrTransfer, reply.Size, want))
		}

		data := make([]byte, want)
		copy(data, seg.Data[:want])
		return capture.NewBuffer(g, data, true), nil
	}

	reply, err := await(ctx, func() (*xproto.GetImageReply, error) {
		return xproto.GetImage(c.X, xproto.ImageFormatZPixmap, drawable, x, y, w, ht, allPlanes).Reply()
	})
	if err != nil {
		return nil, replyFault(fault.StageFetch, err, "get image")
	}
	if len(reply.Data) < want {
		return nil, fault.New(fault.StageFetch, fault.Code{},
			fmt.Errorf("%w: reply carried %d bytes, expected %d", fault.ErrTransfer, len(reply.Data), want))
	}
	return capture.NewBuffer(g, reply.Data[:want], false), nil
}

// Release detaches seg from the server, if the connection is still open,
// and frees the OS segment. A second call returns fault.ErrReleased.
func (t *Transport) Release(seg *capture.Segment) error {
	if seg == nil {
		return nil
	}
	if !seg.MarkReleased() {
		return fault.ErrReleased
	}
	st, ok := seg.Native.(*segmentState)
	if !ok {
		return fmt.Errorf("segment 0x%x has no X11 state", seg.ServerID)
	}

	var errs []error
	if !st.handle.Closed() {
		ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
		err := awaitCheck(ctx, func() error {
			return xshm.DetachChecked(st.conn.X, xshm.Seg(seg.ServerID)).Check()
		})
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("shm detach 0x%x: %w", seg.ServerID, err))
		}
	}
	if err := st.mem.Detach(); err != nil {
		errs = append(errs, err)
	}
	if err := st.mem.Remove(); err != nil {
		errs = append(errs, err)
	}
	seg.Data = nil

	logger.WithComponent("x11-transport").Trace().
		Int("shmid", seg.ID).
		Uint32("shmseg", seg.ServerID).
		Int("errors", len(errs)).
		Msg("Released shared segment")

	if len(errs) > 0 {
		return fault.New(fault.StageRelease, fault.Code{}, errors.Join(errs...))
	}
	return nil
}

func (t *Transport) discard(mem *sysv.Segment) {
	log := logger.WithComponent("x11-transport")
	if err := mem.Detach(); err != nil {
		log.Warn().Err(err).Msg("Failed to detach segment")
	}
	if err := mem.Remove(); err != nil {
		log.Warn().Err(err).Msg("Failed to remove segment")
	}
}

// replyFault wraps a failed round trip at stage. Context errors become
// ErrTimeout; anything else is a protocol error.
func replyFault(stage fault.Stage, err error, format string, args ...any) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		msg := fmt.Sprintf(format, args...)
		return fault.New(stage, fault.Code{}, fmt.Errorf("%w: %s: %w", fault.ErrTimeout, msg, err))
	}
	return protocolFault(stage, err, format, args...)
}

// await runs a blocking reply call and gives up when ctx is done. The
// request stays queued on the connection; its reply is discarded.
func await[T any](ctx context.Context, reply func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := reply()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// awaitCheck is await for requests without a reply.
func awaitCheck(ctx context.Context, check func() error) error {
	_, err := await(ctx, func() (struct{}, error) {
		return struct{}{}, check()
	})
	return err
}
