package fault

import (
	"fmt"
	"sync"
)

// State of an asynchronous bridge.
type State int

const (
	StateIdle State = iota
	StateErrorPending
)

func (s State) String() string {
	if s == StateErrorPending {
		return "error-pending"
	}
	return "idle"
}

// Bridge converts out-of-band display errors into synchronous results at
// checkpoints.
type Bridge interface {
	// Notify records an asynchronous error for the connection.
	Notify(err error)

	// Checkpoint drains queued errors and returns the pending one as a
	// Fault at stage, or nil. The bridge is Idle afterwards.
	Checkpoint(stage Stage) error

	// State reports whether an error is pending.
	State() State
}

// CodeFunc extracts the native code from a protocol error.
type CodeFunc func(err error) Code

// AsyncBridge is the X11-style bridge: errors arrive out of band and the
// first one wins until a checkpoint consumes it.
type AsyncBridge struct {
	mu      sync.Mutex
	pending error
	drain   func()
	code    CodeFunc
}

// NewAsyncBridge creates a bridge. drain, if set, is called at every
// checkpoint to pull queued errors from the connection (it should call
// Notify, directly or via a Dispatcher). code maps errors to native codes.
func NewAsyncBridge(drain func(), code CodeFunc) *AsyncBridge {
	return &AsyncBridge{drain: drain, code: code}
}

func (b *AsyncBridge) Notify(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		b.pending = err
	}
}

func (b *AsyncBridge) Checkpoint(stage Stage) error {
	if b.drain != nil {
		b.drain()
	}

	b.mu.Lock()
	err := b.pending
	b.pending = nil
	b.mu.Unlock()

	if err == nil {
		return nil
	}

	var code Code
	if b.code != nil {
		code = b.code(err)
	}
	return New(stage, code, fmt.Errorf("%w: %w", Classify(stage, code), err))
}

func (b *AsyncBridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending != nil {
		return StateErrorPending
	}
	return StateIdle
}

// Passthrough is the bridge for platforms whose errors are synchronous
// return codes. It never holds anything.
type Passthrough struct{}

func (Passthrough) Notify(error) {}

func (Passthrough) Checkpoint(Stage) error { return nil }

func (Passthrough) State() State { return StateIdle }
