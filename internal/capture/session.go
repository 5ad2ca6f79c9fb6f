package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/shmgrab/internal/display"
	"github.com/bryanchriswhite/shmgrab/internal/fault"
	"github.com/bryanchriswhite/shmgrab/internal/logger"
)

// Info summarizes an open display.
type Info struct {
	Display    string     `json:"display" yaml:"display"`
	Platform   string     `json:"platform" yaml:"platform"`
	Handle     uint64     `json:"handle" yaml:"handle"`
	Capability Capability `json:"capability" yaml:"capability"`
	Root       Geometry   `json:"root" yaml:"root"`
}

// Session owns one display connection and serializes captures on it. It
// reopens the connection after a connection-stage failure.
type Session struct {
	displayName string
	manager     *display.Manager
	orch        *Orchestrator
	defaults    Options

	mu sync.Mutex
}

// NewSession creates a session. The connection is opened lazily.
func NewSession(displayName string, manager *display.Manager, orch *Orchestrator, defaults Options) *Session {
	return &Session{
		displayName: displayName,
		manager:     manager,
		orch:        orch,
		defaults:    defaults,
	}
}

// Defaults returns the session's default capture options.
func (s *Session) Defaults() Options { return s.defaults }

// Start opens the display connection if it is not already open.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.handleLocked()
	return err
}

// Stop closes the display connection.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager.Close()
}

func (s *Session) handleLocked() (*display.Handle, error) {
	if h := s.manager.Handle(); h != nil && !h.Closed() {
		return h, nil
	}
	s.manager.Close()
	return s.manager.Open(s.displayName)
}

// Capture captures target with opts.
func (s *Session) Capture(ctx context.Context, target Target, opts Options) (*Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.handleLocked()
	if err != nil {
		return nil, err
	}

	buf, err := s.orch.Capture(ctx, h, target, opts)
	if err != nil {
		s.checkConnectionLocked(err)
		return nil, err
	}
	return buf, nil
}

// checkConnectionLocked drops the handle when err says the connection is
// unusable so the next call reconnects.
func (s *Session) checkConnectionLocked(err error) {
	if errors.Is(err, fault.ErrConnection) || errors.Is(err, fault.ErrClosed) {
		logger.WithComponent("session").Warn().
			Err(err).
			Msg("Display connection lost, will reconnect on next capture")
		s.manager.Close()
	}
}

// Info opens the display if needed and reports its capability and root
// geometry.
func (s *Session) Info(ctx context.Context) (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.handleLocked()
	if err != nil {
		return nil, err
	}

	root, err := s.orch.Resolver().Resolve(ctx, h, RootWindow())
	if err == nil {
		err = h.Bridge().Checkpoint(fault.StageResolve)
	}
	if err != nil {
		err = fault.Wrap(fault.StageResolve, err)
		s.checkConnectionLocked(err)
		return nil, err
	}

	caps, err := s.orch.Transport().Negotiate(ctx, h)
	if err == nil {
		err = h.Bridge().Checkpoint(fault.StageNegotiate)
	}
	if err != nil {
		err = fault.Wrap(fault.StageNegotiate, err)
		s.checkConnectionLocked(err)
		return nil, err
	}

	return &Info{
		Display:    h.Name(),
		Platform:   h.Platform(),
		Handle:     h.ID(),
		Capability: caps,
		Root:       root,
	}, nil
}

// Stream captures target fps times per second and hands each buffer to fn
// until ctx is done or fn returns an error. Capture faults on individual
// frames are logged and skipped unless they mean the target is gone.
func (s *Session) Stream(ctx context.Context, target Target, fps int, opts Options, fn func(*Buffer) error) error {
	if fps <= 0 {
		return fmt.Errorf("invalid frame rate: %d", fps)
	}

	log := logger.WithComponent("session")
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	log.Info().
		Str("target", target.String()).
		Int("fps", fps).
		Msg("Starting capture stream")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		buf, err := s.Capture(ctx, target, opts)
		if err != nil {
			if errors.Is(err, fault.ErrResolution) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Msg("Dropping frame")
			continue
		}
		if err := fn(buf); err != nil {
			return err
		}
	}
}
