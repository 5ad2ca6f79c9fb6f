// Package display owns the connection to the platform display server.
package display

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/shmgrab/internal/fault"
	"github.com/bryanchriswhite/shmgrab/internal/logger"
)

// Conn is a backend-specific open connection.
type Conn interface {
	Close() error
}

// Dialer opens backend connections and builds their error bridges.
type Dialer interface {
	// Dial connects to the named display. Empty means the platform default.
	Dial(name string) (Conn, error)

	// NewBridge returns the fault bridge for conn. deliver routes errors
	// through the process-wide dispatcher to that same bridge.
	NewBridge(conn Conn, deliver func(error)) fault.Bridge

	// Platform returns a short backend name such as "x11" or "gdi".
	Platform() string
}

var nextHandleID atomic.Uint64

// Handle is an open display connection. It is not safe for concurrent
// captures; callers serialize use of a single handle.
type Handle struct {
	id       uint64
	name     string
	platform string
	conn     Conn
	bridge   fault.Bridge

	mu      sync.Mutex
	closed  bool
	onClose []func(*Handle)
}

// ID returns the process-unique handle id.
func (h *Handle) ID() uint64 { return h.id }

// Name returns the display name the handle was opened with.
func (h *Handle) Name() string { return h.name }

// Platform returns the backend name.
func (h *Handle) Platform() string { return h.platform }

// Conn returns the backend connection. Backends type-assert it.
func (h *Handle) Conn() Conn { return h.conn }

// Bridge returns the handle's fault bridge.
func (h *Handle) Bridge() fault.Bridge { return h.bridge }

// Closed reports whether the handle has been closed.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// OnClose registers fn to run when the handle closes. If the handle is
// already closed fn runs immediately.
func (h *Handle) OnClose(fn func(*Handle)) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		fn(h)
		return
	}
	h.onClose = append(h.onClose, fn)
	h.mu.Unlock()
}

// Manager opens and closes at most one live Handle.
type Manager struct {
	dialer     Dialer
	dispatcher *fault.Dispatcher

	mu         sync.Mutex
	handle     *Handle
	unregister func()
}

// Option configures a Manager.
type Option func(*Manager)

// WithDispatcher overrides the process-wide fault.Default dispatcher.
func WithDispatcher(d *fault.Dispatcher) Option {
	return func(m *Manager) { m.dispatcher = d }
}

// NewManager creates a manager for dialer.
func NewManager(dialer Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:     dialer,
		dispatcher: fault.Default,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open connects to the named display and registers the connection's error
// route. Fails with ErrAlreadyOpen while a handle is live.
func (m *Manager) Open(name string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle != nil {
		return nil, fault.New(fault.StageConnect, fault.Code{}, fault.ErrAlreadyOpen)
	}

	log := logger.WithComponent("display")

	conn, err := m.dialer.Dial(name)
	if err != nil {
		log.Error().Err(err).Str("display", name).Msg("Failed to connect to display server")
		return nil, fault.Wrap(fault.StageConnect, fmt.Errorf("failed to open display %q: %w", name, err))
	}

	id := nextHandleID.Add(1)
	h := &Handle{
		id:       id,
		name:     name,
		platform: m.dialer.Platform(),
		conn:     conn,
	}
	dispatcher := m.dispatcher
	h.bridge = m.dialer.NewBridge(conn, func(err error) {
		dispatcher.Deliver(id, err)
	})

	unregister, err := dispatcher.Register(id, h.bridge)
	if err != nil {
		conn.Close()
		return nil, fault.New(fault.StageConnect, fault.Code{}, fmt.Errorf("%w: %w", fault.ErrConnection, err))
	}

	m.handle = h
	m.unregister = unregister

	log.Info().
		Uint64("handle", id).
		Str("display", name).
		Str("platform", h.platform).
		Msg("Display connection opened")

	return h, nil
}

// Handle returns the live handle or nil.
func (m *Manager) Handle() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Close releases the live handle, if any. Safe to call repeatedly.
func (m *Manager) Close() error {
	m.mu.Lock()
	h := m.handle
	unregister := m.unregister
	m.handle = nil
	m.unregister = nil
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	return closeHandle(h, unregister)
}

func closeHandle(h *Handle, unregister func()) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	hooks := h.onClose
	h.onClose = nil
	h.mu.Unlock()

	// hooks run before the connection goes away so they can still talk to
	// the server
	for _, fn := range hooks {
		fn(h)
	}
	if unregister != nil {
		unregister()
	}

	err := h.conn.Close()
	logger.WithComponent("display").Info().
		Uint64("handle", h.id).
		Msg("Display connection closed")
	if err != nil {
		return fmt.Errorf("failed to close display connection: %w", err)
	}
	return nil
}
