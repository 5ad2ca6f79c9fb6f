//go:build !linux

package shm

// Create is unavailable on this platform.
func Create(size int) (*Segment, error) {
	return nil, ErrUnsupported
}

// Detach is a no-op on this platform.
func (s *Segment) Detach() error { return nil }

// Remove is a no-op on this platform.
func (s *Segment) Remove() error { return nil }

// Errno always returns 0 on this platform.
func Errno(err error) uint32 { return 0 }
