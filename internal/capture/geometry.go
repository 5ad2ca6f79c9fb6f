package capture

import (
	"image"
	"sync/atomic"
)

// ByteOrder is the image byte or bit order reported by the server.
type ByteOrder uint8

const (
	LSBFirst ByteOrder = 0
	MSBFirst ByteOrder = 1
)

func (o ByteOrder) String() string {
	if o == MSBFirst {
		return "msb-first"
	}
	return "lsb-first"
}

// PixelFormat describes how one scanline of a ZPixmap image is laid out.
type PixelFormat struct {
	BitsPerPixel int    `json:"bits_per_pixel" yaml:"bits_per_pixel"`
	ScanlinePad  int    `json:"scanline_pad" yaml:"scanline_pad"`
	RedMask      uint32 `json:"red_mask" yaml:"red_mask"`
	GreenMask    uint32 `json:"green_mask" yaml:"green_mask"`
	BlueMask     uint32 `json:"blue_mask" yaml:"blue_mask"`
}

// Geometry is a resolved drawable area. OriginX/OriginY are the offset of
// the captured area inside Drawable; Screen is its absolute position.
type Geometry struct {
	Drawable  uint32      `json:"drawable" yaml:"drawable"`
	OriginX   int         `json:"origin_x" yaml:"origin_x"`
	OriginY   int         `json:"origin_y" yaml:"origin_y"`
	Width     int         `json:"width" yaml:"width"`
	Height    int         `json:"height" yaml:"height"`
	Depth     int         `json:"depth" yaml:"depth"`
	Format    PixelFormat `json:"format" yaml:"format"`
	ByteOrder ByteOrder   `json:"byte_order" yaml:"byte_order"`
	BitOrder  ByteOrder   `json:"bit_order" yaml:"bit_order"`
	Screen    image.Point `json:"screen" yaml:"screen"`
}

// BytesPerLine returns the padded scanline length in bytes.
func (g Geometry) BytesPerLine() int {
	pad := g.Format.ScanlinePad
	if pad <= 0 {
		pad = 8
	}
	bits := g.Width * g.Format.BitsPerPixel
	return ((bits + pad - 1) / pad) * pad / 8
}

// Size returns the image size in bytes: Height * BytesPerLine.
func (g Geometry) Size() int {
	return g.Height * g.BytesPerLine()
}

// Bounds returns the captured area in drawable coordinates.
func (g Geometry) Bounds() image.Rectangle {
	return image.Rect(g.OriginX, g.OriginY, g.OriginX+g.Width, g.OriginY+g.Height)
}

// Buffer is captured pixel data plus what is needed to interpret it. The
// holder owns Data exclusively.
type Buffer struct {
	Data         []byte      `json:"-" yaml:"-"`
	Width        int         `json:"width" yaml:"width"`
	Height       int         `json:"height" yaml:"height"`
	Depth        int         `json:"depth" yaml:"depth"`
	BytesPerLine int         `json:"bytes_per_line" yaml:"bytes_per_line"`
	Format       PixelFormat `json:"format" yaml:"format"`
	ByteOrder    ByteOrder   `json:"byte_order" yaml:"byte_order"`
	BitOrder     ByteOrder   `json:"bit_order" yaml:"bit_order"`
	// Shared is true when the pixels came through a shared segment.
	Shared bool `json:"shared" yaml:"shared"`
}

// NewBuffer wraps data with g's metadata.
func NewBuffer(g Geometry, data []byte, shared bool) *Buffer {
	return &Buffer{
		Data:         data,
		Width:        g.Width,
		Height:       g.Height,
		Depth:        g.Depth,
		BytesPerLine: g.BytesPerLine(),
		Format:       g.Format,
		ByteOrder:    g.ByteOrder,
		BitOrder:     g.BitOrder,
		Shared:       shared,
	}
}

// Len returns the number of pixel bytes.
func (b *Buffer) Len() int { return len(b.Data) }

// Segment is a memory region shared with the display server.
type Segment struct {
	// ID is the OS segment id (SysV shmid) or zero.
	ID int
	// ServerID is the id the server knows the segment by.
	ServerID uint32
	Size     int
	// Data is the client view of the segment while it is attached.
	Data []byte
	// HandleID is the display handle the segment was attached through.
	HandleID uint64
	// Native holds backend state needed to release the segment.
	Native any

	released atomic.Bool
}

// MarkReleased flips the segment to released and reports whether this call
// did it. Only the first caller should free resources.
func (s *Segment) MarkReleased() bool {
	return s.released.CompareAndSwap(false, true)
}

// Released reports whether the segment has been released.
func (s *Segment) Released() bool {
	return s.released.Load()
}
