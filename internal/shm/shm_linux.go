//go:build linux

package shm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Create allocates a private segment of size bytes and attaches it.
func Create(size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid segment size: %d", size)
	}

	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|0o600)
	if err != nil {
		return nil, fmt.Errorf("shmget(%d bytes): %w", size, err)
	}

	data, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return nil, fmt.Errorf("shmat(%d): %w", id, err)
	}

	return &Segment{ID: id, Size: size, Data: data}, nil
}

// Detach unmaps the segment from this process.
func (s *Segment) Detach() error {
	if s.Data == nil {
		return nil
	}
	if err := unix.SysvShmDetach(s.Data); err != nil {
		return fmt.Errorf("shmdt(%d): %w", s.ID, err)
	}
	s.Data = nil
	return nil
}

// Remove marks the segment for destruction. The kernel frees it once the
// last attachment goes away. Later calls are no-ops.
func (s *Segment) Remove() error {
	if s.removed {
		return nil
	}
	if _, err := unix.SysvShmCtl(s.ID, unix.IPC_RMID, nil); err != nil {
		return fmt.Errorf("shmctl(%d, IPC_RMID): %w", s.ID, err)
	}
	s.removed = true
	return nil
}

// Errno extracts the errno behind err, or 0.
func Errno(err error) uint32 {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return uint32(errno)
	}
	return 0
}
