package fault

import (
	"fmt"
	"sync"

	"github.com/bryanchriswhite/shmgrab/internal/logger"
)

// Dispatcher is the process-wide error handler slot. Each open connection
// registers its bridge under its handle id; asynchronous errors are routed
// to the bridge of the connection they came from, so several open
// connections chain instead of replacing one another.
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[uint64]Bridge
}

// Default is the dispatcher used by display managers unless overridden.
var Default = NewDispatcher()

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{routes: make(map[uint64]Bridge)}
}

// Register installs b for connection id. The returned func removes it and
// is safe to call more than once.
func (d *Dispatcher) Register(id uint64, b Bridge) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.routes[id]; ok {
		return nil, fmt.Errorf("error handler for connection %d already registered", id)
	}
	d.routes[id] = b

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.routes, id)
			d.mu.Unlock()
		})
	}, nil
}

// Deliver routes err to the bridge registered for id. Errors for unknown
// connections are logged and dropped; the return value reports delivery.
func (d *Dispatcher) Deliver(id uint64, err error) bool {
	d.mu.RLock()
	b, ok := d.routes[id]
	d.mu.RUnlock()

	if !ok {
		logger.WithComponent("fault").Warn().
			Err(err).
			Uint64("handle", id).
			Msg("Dropping error for unregistered connection")
		return false
	}
	b.Notify(err)
	return true
}

// Active returns the number of registered connections.
func (d *Dispatcher) Active() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.routes)
}
