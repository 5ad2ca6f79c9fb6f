//go:build windows

package gdi

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/bryanchriswhite/shmgrab/internal/capture"
	"github.com/bryanchriswhite/shmgrab/internal/display"
	"github.com/bryanchriswhite/shmgrab/internal/fault"
	"github.com/bryanchriswhite/shmgrab/internal/logger"
	"golang.org/x/sys/windows"
)

// dibState is the backend half of a capture.Segment: a DIB section
// selected into a memory DC.
type dibState struct {
	memDC  windows.Handle
	bitmap windows.Handle
	old    windows.Handle
}

// Transport blits into a DIB section when shared memory is preferred and
// through GetDIBits otherwise.
type Transport struct{}

// NewTransport creates a GDI transport.
func NewTransport() *Transport { return &Transport{} }

// Negotiate always reports a shared path: DIB sections are part of GDI.
func (*Transport) Negotiate(ctx context.Context, h *display.Handle) (capture.Capability, error) {
	if _, err := connOf(h); err != nil {
		return capture.Capability{}, fault.Wrap(fault.StageNegotiate, err)
	}
	return capture.Capability{SharedMemory: true, Version: "dib-section"}, nil
}

// Allocate creates a top-down 32bpp DIB section sized for g.
func (*Transport) Allocate(ctx context.Context, h *display.Handle, g capture.Geometry) (*capture.Segment, error) {
	if _, err := connOf(h); err != nil {
		return nil, fault.Wrap(fault.StageAllocate, err)
	}

	memDC, err := createCompatibleDC(0)
	if err != nil {
		return nil, win32Fault(fault.StageAllocate, err, "create memory DC")
	}

	bi := topDown32(g.Width, g.Height)
	var bits unsafe.Pointer
	r, _, err := procCreateDIBSection.Call(uintptr(memDC), uintptr(unsafe.Pointer(&bi)), dibRGBColor,
		uintptr(unsafe.Pointer(&bits)), 0, 0)
	if r == 0 || bits == nil {
		deleteDC(memDC)
		return nil, fault.New(fault.StageAllocate, fault.Win32Code(errno(err)),
			fmt.Errorf("%w: CreateDIBSection %dx%d: %w", fault.ErrAllocation, g.Width, g.Height, err))
	}
	bitmap := windows.Handle(r)
	old := selectObject(memDC, bitmap)

	size := g.Size()
	return &capture.Segment{
		ServerID: uint32(bitmap),
		Size:     size,
		Data:     unsafe.Slice((*byte)(bits), size),
		HandleID: h.ID(),
		Native:   &dibState{memDC: memDC, bitmap: bitmap, old: old},
	}, nil
}

// Fetch blits the geometry from the drawable's DC. The result is always a
// fresh buffer.
func (*Transport) Fetch(ctx context.Context, h *display.Handle, g capture.Geometry, seg *capture.Segment) (*capture.Buffer, error) {
	if _, err := connOf(h); err != nil {
		return nil, fault.Wrap(fault.StageFetch, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fault.New(fault.StageFetch, fault.Code{}, fmt.Errorf("%w: %w", fault.ErrTimeout, err))
	}

	hwnd := windows.HWND(g.Drawable)
	var src windows.Handle
	var err error
	if hwnd == 0 {
		src, err = getDC(0)
	} else {
		src, err = getWindowDC(hwnd)
	}
	if err != nil {
		return nil, win32Fault(fault.StageFetch, err, "source DC for 0x%x", g.Drawable)
	}
	defer releaseDC(hwnd, src)

	want := g.Size()

	if seg != nil {
		st, ok := seg.Native.(*dibState)
		if !ok || seg.Released() || seg.Data == nil {
			return nil, fault.New(fault.StageFetch, fault.Code{}, fmt.Errorf("%w: %w", fault.ErrTransfer, fault.ErrReleased))
		}
		if seg.Size < want {
			return nil, fault.New(fault.StageFetch, fault.Code{},
				fmt.Errorf("%w: segment holds %d bytes, image needs %d", fault.ErrTransfer, seg.Size, want))
		}
		if err := bitBlt(st.memDC, 0, 0, g.Width, g.Height, src, g.OriginX, g.OriginY); err != nil {
			return nil, win32Fault(fault.StageFetch, err, "BitBlt")
		}
		gdiFlush()

		data := make([]byte, want)
		copy(data, seg.Data[:want])
		return capture.NewBuffer(g, data, true), nil
	}

	memDC, err := createCompatibleDC(src)
	if err != nil {
		return nil, win32Fault(fault.StageFetch, err, "create memory DC")
	}
	defer deleteDC(memDC)

	r, _, err := procCreateCompatibleBitmap.Call(uintptr(src), uintptr(g.Width), uintptr(g.Height))
	if r == 0 {
		return nil, win32Fault(fault.StageFetch, err, "CreateCompatibleBitmap")
	}
	bitmap := windows.Handle(r)
	defer deleteObject(bitmap)

	old := selectObject(memDC, bitmap)
	if err := bitBlt(memDC, 0, 0, g.Width, g.Height, src, g.OriginX, g.OriginY); err != nil {
		selectObject(memDC, old)
		return nil, win32Fault(fault.StageFetch, err, "BitBlt")
	}
	selectObject(memDC, old)

	data := make([]byte, want)
	bi := topDown32(g.Width, g.Height)
	lines, _, err := procGetDIBits.Call(uintptr(memDC), uintptr(bitmap), 0, uintptr(g.Height),
		uintptr(unsafe.Pointer(&data[0])), uintptr(unsafe.Pointer(&bi)), dibRGBColor)
	if int(lines) != g.Height {
		return nil, fault.New(fault.StageFetch, fault.Win32Code(errno(err)),
			fmt.Errorf("%w: GetDIBits copied %d of %d lines: %w", fault.ErrTransfer, lines, g.Height, err))
	}
	return capture.NewBuffer(g, data, false), nil
}

// Release deselects and deletes the DIB section. A second call returns
// fault.ErrReleased.
func (*Transport) Release(seg *capture.Segment) error {
	if seg == nil {
		return nil
	}
	if !seg.MarkReleased() {
		return fault.ErrReleased
	}
	st, ok := seg.Native.(*dibState)
	if !ok {
		return errors.New("segment has no GDI state")
	}

	selectObject(st.memDC, st.old)
	deleteObject(st.bitmap)
	deleteDC(st.memDC)
	seg.Data = nil

	logger.WithComponent("gdi-transport").Trace().
		Uint32("bitmap", seg.ServerID).
		Msg("Released DIB section")
	return nil
}
