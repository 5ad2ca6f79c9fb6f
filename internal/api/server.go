package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bryanchriswhite/shmgrab/internal/capture"
	"github.com/bryanchriswhite/shmgrab/internal/config"
	"github.com/bryanchriswhite/shmgrab/internal/fault"
	"github.com/bryanchriswhite/shmgrab/internal/logger"
	"github.com/bryanchriswhite/shmgrab/internal/output"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// WindowLister enumerates top-level windows on a display.
type WindowLister func(displayName string) ([]capture.WindowInfo, error)

// Server represents the HTTP API server
type Server struct {
	router      *mux.Router
	session     *capture.Session
	configMgr   *config.Manager
	hub         *output.Hub
	listWindows WindowLister
	upgrader    websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates a new API server. hub serves the shared stream and may
// be nil, in which case /api/stream requires explicit target parameters.
func NewServer(session *capture.Session, configMgr *config.Manager, hub *output.Hub, listWindows WindowLister) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		session:     session,
		configMgr:   configMgr,
		hub:         hub,
		listWindows: listWindows,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/display", s.handleDisplay).Methods("GET")
	api.HandleFunc("/windows", s.handleWindows).Methods("GET")
	api.HandleFunc("/capture", s.handleCapture).Methods("GET")
	api.HandleFunc("/stream", s.handleStream)
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until Shutdown.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()
	logger.WithComponent("api").Info().
		Str("addr", addr).
		Msgf("Starting server on http://localhost%s", addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Expose-Headers", "X-Capture-Width, X-Capture-Height, X-Capture-Depth, X-Capture-Bytes-Per-Line, X-Capture-Bits-Per-Pixel, X-Capture-Byte-Order, X-Capture-Shared")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HTTP Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	info, err := s.session.Info(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	if s.listWindows == nil {
		http.Error(w, "window listing not available", http.StatusNotImplemented)
		return
	}
	windows, err := s.listWindows(s.configMgr.Get().Display)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, windows)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	target, opts, err := s.requestTarget(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	buf, err := s.session.Capture(r.Context(), target, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.Itoa(buf.Len()))
	h.Set("X-Capture-Width", strconv.Itoa(buf.Width))
	h.Set("X-Capture-Height", strconv.Itoa(buf.Height))
	h.Set("X-Capture-Depth", strconv.Itoa(buf.Depth))
	h.Set("X-Capture-Bytes-Per-Line", strconv.Itoa(buf.BytesPerLine))
	h.Set("X-Capture-Bits-Per-Pixel", strconv.Itoa(buf.Format.BitsPerPixel))
	h.Set("X-Capture-Byte-Order", buf.ByteOrder.String())
	h.Set("X-Capture-Shared", strconv.FormatBool(buf.Shared))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Data)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

// requestTarget reads window, region, active and shared query parameters.
func (s *Server) requestTarget(r *http.Request) (capture.Target, capture.Options, error) {
	q := r.URL.Query()
	opts := s.session.Defaults()

	var active bool
	if v := q.Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return capture.Target{}, opts, fmt.Errorf("invalid active: %w", err)
		}
		active = b
	}
	if v := q.Get("shared"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return capture.Target{}, opts, fmt.Errorf("invalid shared: %w", err)
		}
		opts.PreferShared = b
	}

	target, err := capture.ParseTarget(q.Get("window"), q.Get("region"), active)
	return target, opts, err
}

func hasTargetParams(r *http.Request) bool {
	q := r.URL.Query()
	return q.Has("window") || q.Has("region") || q.Has("active") || q.Has("shared") || q.Has("fps")
}

// StatusFor maps a capture fault to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, fault.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fault.ErrOutOfBounds):
		return http.StatusBadRequest
	case errors.Is(err, fault.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, fault.ErrConnection), errors.Is(err, fault.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, fault.ErrTransfer):
		return http.StatusBadGateway
	case errors.Is(err, fault.ErrResolution):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
	Code  string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	var f *fault.Fault
	if errors.As(err, &f) {
		body.Stage = string(f.Stage)
		if f.Code != (fault.Code{}) {
			body.Code = f.Code.String()
		}
	}
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		logger.WithComponent("api").Warn().Err(err).Int("status", status).Msg("Request failed")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
