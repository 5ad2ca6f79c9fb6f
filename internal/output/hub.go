package output

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/shmgrab/internal/capture"
	"github.com/bryanchriswhite/shmgrab/internal/logger"
)

// Producer feeds frames to emit until ctx is done or it fails.
type Producer func(ctx context.Context, emit func(*capture.Buffer) error) error

// Hub broadcasts frames to subscribers. When built with a Producer it runs
// it only while at least one subscriber is connected.
type Hub struct {
	produce Producer

	mu      sync.Mutex
	running bool
	clients map[chan *capture.Buffer]struct{}
	cancel  context.CancelFunc

	frameCount uint64
	dropped    uint64
}

// NewHub creates a hub. produce may be nil when frames are pushed with
// WriteFrame.
func NewHub(produce Producer) *Hub {
	return &Hub{
		produce: produce,
		clients: make(map[chan *capture.Buffer]struct{}),
	}
}

func (h *Hub) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return fmt.Errorf("hub already running")
	}
	h.running = true
	h.frameCount = 0
	return nil
}

// Stop stops the producer and disconnects every subscriber.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return nil
	}
	h.running = false
	h.stopProducerLocked()
	h.disconnectLocked()

	logger.WithComponent("hub").Info().
		Uint64("frames", h.frameCount).
		Uint64("dropped", h.dropped).
		Msg("Hub stopped")
	return nil
}

// WriteFrame sends frame to every subscriber. Slow subscribers miss it.
func (h *Hub) WriteFrame(frame *capture.Buffer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return fmt.Errorf("hub not running")
	}

	h.frameCount++
	for ch := range h.clients {
		select {
		case ch <- frame:
		default:
			h.dropped++
		}
	}
	return nil
}

func (h *Hub) Name() string { return "websocket hub" }

func (h *Hub) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Clients returns the number of subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Subscribe registers a subscriber. The channel closes when the hub stops
// or the producer fails; call the returned func to leave.
func (h *Hub) Subscribe() (<-chan *capture.Buffer, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return nil, nil, fmt.Errorf("hub not running")
	}

	ch := make(chan *capture.Buffer, 2)
	h.clients[ch] = struct{}{}
	if len(h.clients) == 1 && h.produce != nil && h.cancel == nil {
		h.startProducerLocked()
	}

	logger.WithComponent("hub").Debug().Int("clients", len(h.clients)).Msg("Client subscribed")

	var once sync.Once
	leave := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
			if len(h.clients) == 0 {
				h.stopProducerLocked()
			}
			logger.WithComponent("hub").Debug().Int("clients", len(h.clients)).Msg("Client left")
		})
	}
	return ch, leave, nil
}

func (h *Hub) startProducerLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go func() {
		err := h.produce(ctx, h.WriteFrame)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}

		logger.WithComponent("hub").Warn().Err(err).Msg("Frame producer stopped")
		h.mu.Lock()
		defer h.mu.Unlock()
		if ctx.Err() == nil {
			h.cancel = nil
			cancel()
			h.disconnectLocked()
		}
	}()
}

func (h *Hub) stopProducerLocked() {
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

func (h *Hub) disconnectLocked() {
	for ch := range h.clients {
		close(ch)
	}
	h.clients = make(map[chan *capture.Buffer]struct{})
}
