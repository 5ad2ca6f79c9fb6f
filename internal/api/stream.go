package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bryanchriswhite/shmgrab/internal/capture"
	"github.com/bryanchriswhite/shmgrab/internal/logger"
	"github.com/bryanchriswhite/shmgrab/internal/output"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// handleStream upgrades to a websocket and sends frames: a JSON header text
// message whenever the frame layout changes, then each frame as a binary
// message. Without target parameters it joins the shared hub stream;
// otherwise it runs a dedicated capture loop for this client.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	dedicated := hasTargetParams(r) || s.hub == nil

	var (
		target capture.Target
		opts   capture.Options
		fps    = s.configMgr.Get().Stream.FPS
	)
	if dedicated {
		var err error
		if target, opts, err = s.requestTarget(r); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if v := r.URL.Query().Get("fps"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 240 {
				http.Error(w, fmt.Sprintf("invalid fps %q", v), http.StatusBadRequest)
				return
			}
			fps = n
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithComponent("api").Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client messages so close frames are seen.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	fw := &frameWriter{conn: conn}
	log := logger.WithComponent("api")

	if !dedicated {
		frames, leave, err := s.hub.Subscribe()
		if err != nil {
			closeWith(conn, websocket.CloseTryAgainLater, err.Error())
			return
		}
		defer leave()

		for {
			select {
			case <-ctx.Done():
				return
			case buf, ok := <-frames:
				if !ok {
					closeWith(conn, websocket.CloseGoingAway, "stream ended")
					return
				}
				if err := fw.write(buf); err != nil {
					log.Debug().Err(err).Msg("Stream client write failed")
					return
				}
			}
		}
	}

	err = s.session.Stream(ctx, target, fps, opts, fw.write)
	if err != nil && ctx.Err() == nil {
		log.Info().Err(err).Str("target", target.String()).Msg("Stream ended")
		closeWith(conn, websocket.CloseInternalServerErr, truncateReason(err.Error()))
	}
}

// frameWriter sends headers only when the layout changes.
type frameWriter struct {
	conn *websocket.Conn
	last *output.Header
}

func (f *frameWriter) write(buf *capture.Buffer) error {
	h := output.HeaderOf(buf)
	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if f.last == nil || *f.last != h {
		if err := f.conn.WriteJSON(h); err != nil {
			return err
		}
		f.last = &h
	}
	return f.conn.WriteMessage(websocket.BinaryMessage, buf.Data)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// truncateReason keeps close reasons within the 123-byte control frame
// payload limit.
func truncateReason(s string) string {
	if len(s) > 120 {
		return s[:120]
	}
	return s
}
