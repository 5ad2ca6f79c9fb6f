// Package shm manages System V shared memory segments used for MIT-SHM
// image transfer.
package shm

import "errors"

// ErrUnsupported is returned on platforms without System V shared memory.
var ErrUnsupported = errors.New("system v shared memory not supported on this platform")

// Segment is a System V segment attached to this process.
type Segment struct {
	// ID is the shmid the server attaches to.
	ID   int
	Size int
	// Data is the attached mapping. Nil once detached.
	Data []byte

	removed bool
}
