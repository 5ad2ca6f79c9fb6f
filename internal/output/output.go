package output

import (
	"github.com/bryanchriswhite/shmgrab/internal/capture"
)

// Sink defines the interface for frame consumers.
// Implementations:
// - Hub: websocket broadcast
// - WriterSink: raw bytes to a file or stdout
type Sink interface {
	// Start initializes the sink
	Start() error

	// Stop cleanly shuts down the sink
	Stop() error

	// WriteFrame delivers one captured frame. The sink must not modify it.
	WriteFrame(frame *capture.Buffer) error

	// Name returns a human-readable name for this sink
	Name() string

	// IsRunning returns true if the sink is currently active
	IsRunning() bool
}

// Header is the frame metadata sent ahead of raw pixels. It is comparable
// so streams can resend it only when it changes.
type Header struct {
	Width        int                 `json:"width" yaml:"width"`
	Height       int                 `json:"height" yaml:"height"`
	Depth        int                 `json:"depth" yaml:"depth"`
	BytesPerLine int                 `json:"bytes_per_line" yaml:"bytes_per_line"`
	Format       capture.PixelFormat `json:"format" yaml:"format"`
	ByteOrder    string              `json:"byte_order" yaml:"byte_order"`
	BitOrder     string              `json:"bit_order" yaml:"bit_order"`
	Shared       bool                `json:"shared" yaml:"shared"`
}

// HeaderOf extracts the metadata of buf.
func HeaderOf(buf *capture.Buffer) Header {
	return Header{
		Width:        buf.Width,
		Height:       buf.Height,
		Depth:        buf.Depth,
		BytesPerLine: buf.BytesPerLine,
		Format:       buf.Format,
		ByteOrder:    buf.ByteOrder.String(),
		BitOrder:     buf.BitOrder.String(),
		Shared:       buf.Shared,
	}
}
