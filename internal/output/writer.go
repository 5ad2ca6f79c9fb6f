package output

import (
	"fmt"
	"io"
	"sync"

	"github.com/bryanchriswhite/shmgrab/internal/capture"
)

// WriterSink writes each frame's raw pixel bytes to an io.Writer.
type WriterSink struct {
	w       io.Writer
	mu      sync.Mutex
	running bool
	frames  uint64
	bytes   uint64
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("writer sink already running")
	}
	s.running = true
	return nil
}

func (s *WriterSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

// WriteFrame writes frame.Data in full.
func (s *WriterSink) WriteFrame(frame *capture.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("writer sink not running")
	}
	n, err := s.w.Write(frame.Data)
	s.bytes += uint64(n)
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	s.frames++
	return nil
}

func (s *WriterSink) Name() string { return "raw writer" }

func (s *WriterSink) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns frames and bytes written.
func (s *WriterSink) Stats() (frames, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.bytes
}
