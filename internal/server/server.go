// Package server exposes the pipeline over HTTP: session control, MJPEG
// streaming, WebSocket detection events and status reporting.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sitesight/visionrelay/internal/broadcast"
	"github.com/sitesight/visionrelay/internal/capture"
	"github.com/sitesight/visionrelay/internal/detection"
	"github.com/sitesight/visionrelay/internal/framequeue"
	"github.com/sitesight/visionrelay/internal/logger"
	"github.com/sitesight/visionrelay/internal/metrics"
	"github.com/sitesight/visionrelay/internal/recorder"
)

// Server routes control and viewer traffic to the pipeline components.
type Server struct {
	cfg      Config
	sessions *capture.Manager
	media    *broadcast.Broadcaster
	events   *broadcast.Broadcaster
	orch     *detection.Orchestrator
	queue    *framequeue.Queue
	recorder *recorder.Recorder
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	httpServer *http.Server
}

// New wires a Server to the pipeline. metrics may be nil.
func New(cfg Config, sessions *capture.Manager, media, events *broadcast.Broadcaster, orch *detection.Orchestrator, queue *framequeue.Queue, rec *recorder.Recorder, m *metrics.Metrics) *Server {
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = DefaultConfig().StreamBuffer
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultConfig().KeepAlive
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultConfig().WriteWait
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		media:    media,
		events:   events,
		orch:     orch,
		queue:    queue,
		recorder: rec,
		metrics:  m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler for all endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleIndex)
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("GET /ws", s.handleEvents)
	mux.HandleFunc("POST /api/sessions/{name}/start", s.handleSessionStart)
	mux.HandleFunc("POST /api/sessions/{name}/stop", s.handleSessionStop)
	mux.HandleFunc("POST /api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("POST /api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("GET /api/recording/status", s.handleRecordingStatus)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{Addr: s.cfg.Addr, Handler: s.Handler()}
	logger.Info("Server", "listening on %s", s.cfg.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := s.sessions.Start(name)
	switch {
	case err == nil:
		writeJSON(w, map[string]any{"status": "started", "session": name})
	case errors.Is(err, capture.ErrAlreadyRunning):
		writeJSONWithStatus(w, map[string]any{"status": "already-running", "session": name}, http.StatusConflict)
	case errors.Is(err, capture.ErrUnknownSession):
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusNotFound)
	default:
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
	}
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := s.sessions.Stop(name)
	switch {
	case err == nil:
		writeJSON(w, map[string]any{"status": "stopped", "session": name})
	case errors.Is(err, capture.ErrNotRunning):
		writeJSON(w, map[string]any{"status": "not-running", "session": name})
	case errors.Is(err, capture.ErrUnknownSession):
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusNotFound)
	default:
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
	}
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording is not configured"}, http.StatusBadRequest)
		return
	}
	filename, err := s.recorder.Start()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"status": "recording", "file": filename})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording is not configured"}, http.StatusBadRequest)
		return
	}
	filename, err := s.recorder.Stop()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"status": "stopped", "file": filename, "stats": s.recorder.GetStatus()})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSON(w, map[string]any{"recording": false})
		return
	}
	writeJSON(w, s.recorder.GetStatus())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	processed, detections := s.orch.Totals()
	accepted, rejected := s.queue.Stats()
	payload := map[string]any{
		"sessions": s.sessions.Status(),
		"queue": map[string]any{
			"depth":    s.queue.Depth(),
			"accepted": accepted,
			"rejected": rejected,
		},
		"detection": map[string]any{
			"framesProcessed": processed,
			"totalDetections": detections,
		},
		"viewers": map[string]any{
			"media":  s.media.SubscriberCount(),
			"events": s.events.SubscriberCount(),
		},
		"timestamp": float64(time.Now().Unix()),
	}
	writeJSON(w, payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
