package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bryanchriswhite/shmgrab/internal/display"
	"github.com/bryanchriswhite/shmgrab/internal/fault"
	"github.com/bryanchriswhite/shmgrab/internal/logger"
)

// Options tune a single capture.
type Options struct {
	// PreferShared allows the shared-memory path when the server has it.
	PreferShared bool
	// Timeout bounds the whole capture. Zero uses the orchestrator default.
	Timeout time.Duration
}

// DefaultOptions returns PreferShared with the platform timeout.
func DefaultOptions() Options {
	return Options{PreferShared: true}
}

// Orchestrator drives resolve, negotiate, allocate, fetch and release for
// one capture request.
type Orchestrator struct {
	resolver       Resolver
	transport      Transport
	defaultTimeout time.Duration
}

// NewOrchestrator creates an orchestrator. defaultTimeout applies when
// Options.Timeout is zero; zero disables the bound.
func NewOrchestrator(resolver Resolver, transport Transport, defaultTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		resolver:       resolver,
		transport:      transport,
		defaultTimeout: defaultTimeout,
	}
}

// Transport returns the orchestrator's transport.
func (o *Orchestrator) Transport() Transport { return o.transport }

// Resolver returns the orchestrator's resolver.
func (o *Orchestrator) Resolver() Resolver { return o.resolver }

// Capture runs one capture against h. On failure no buffer is returned and
// the error is a *fault.Fault naming the failed stage. A segment allocated
// along the way is always released before returning.
func (o *Orchestrator) Capture(ctx context.Context, h *display.Handle, target Target, opts Options) (buf *Buffer, err error) {
	if h == nil || h.Closed() {
		return nil, fault.New(fault.StageConnect, fault.Code{}, fault.ErrClosed)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = o.defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	log := logger.WithComponent("orchestrator")
	bridge := h.Bridge()
	started := time.Now()

	// step runs fn unless the deadline has passed, then drains the bridge.
	step := func(stage fault.Stage, fn func() error) error {
		if err := ctx.Err(); err != nil {
			return deadlineFault(stage, err)
		}
		if err := fn(); err != nil {
			// a pending async error is the root cause of a sync failure
			if cerr := bridge.Checkpoint(stage); cerr != nil {
				return cerr
			}
			if ctx.Err() != nil && !errors.Is(err, fault.ErrTimeout) {
				return deadlineFault(stage, ctx.Err())
			}
			return fault.Wrap(stage, err)
		}
		return bridge.Checkpoint(stage)
	}

	var geom Geometry
	if err := step(fault.StageResolve, func() (err error) {
		geom, err = o.resolver.Resolve(ctx, h, target)
		return err
	}); err != nil {
		return nil, err
	}

	var caps Capability
	if err := step(fault.StageNegotiate, func() (err error) {
		caps, err = o.transport.Negotiate(ctx, h)
		return err
	}); err != nil {
		return nil, err
	}

	var seg *Segment
	defer func() {
		if seg == nil {
			return
		}
		if rerr := o.transport.Release(seg); rerr != nil && !errors.Is(rerr, fault.ErrReleased) {
			log.Warn().Err(rerr).Int("segment", seg.ID).Msg("Failed to release shared segment")
			if err == nil {
				buf = nil
				err = fault.Wrap(fault.StageRelease, rerr)
			}
		}
	}()

	if caps.SharedMemory && opts.PreferShared {
		if err := step(fault.StageAllocate, func() (err error) {
			seg, err = o.transport.Allocate(ctx, h, geom)
			return err
		}); err != nil {
			if !errors.Is(err, fault.ErrAllocation) || errors.Is(err, fault.ErrTimeout) {
				return nil, err
			}
			if seg != nil {
				// attached but the server refused it asynchronously
				if rerr := o.transport.Release(seg); rerr != nil {
					log.Warn().Err(rerr).Int("segment", seg.ID).Msg("Failed to release refused segment")
				}
				seg = nil
			}
			log.Warn().
				Err(err).
				Int("bytes", geom.Size()).
				Msg("Shared segment allocation failed, falling back to copy transfer")
		}
	}

	if err := step(fault.StageFetch, func() (err error) {
		buf, err = o.transport.Fetch(ctx, h, geom, seg)
		return err
	}); err != nil {
		return nil, err
	}

	if buf == nil || buf.Len() != geom.Size() {
		got := 0
		if buf != nil {
			got = buf.Len()
		}
		return nil, fault.New(fault.StageFetch, fault.Code{},
			fmt.Errorf("%w: got %d bytes, want %d", fault.ErrTransfer, got, geom.Size()))
	}

	log.Debug().
		Str("target", target.String()).
		Uint32("drawable", geom.Drawable).
		Int("width", geom.Width).
		Int("height", geom.Height).
		Int("bytes", buf.Len()).
		Bool("shared", buf.Shared).
		Dur("elapsed", time.Since(started)).
		Msg("Capture complete")

	return buf, nil
}

func deadlineFault(stage fault.Stage, cause error) error {
	return fault.New(stage, fault.Code{}, fmt.Errorf("%w before %s: %w", fault.ErrTimeout, stage, cause))
}
