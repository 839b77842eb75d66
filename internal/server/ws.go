package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sitesight/visionrelay/internal/logger"
)

// handleEvents upgrades the connection and pushes detection and error
// events as they are broadcast. Payloads arrive pre-serialized; the
// handler only moves bytes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Events", "upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	id, eventCh := s.events.SubscribeChan(s.cfg.StreamBuffer)
	defer s.events.Unsubscribe(id)

	if s.metrics != nil {
		s.metrics.EventSubscribers.Add(1)
		defer s.metrics.EventSubscribers.Add(^uint64(0))
	}
	logger.Info("Events", "viewer connected from %s", r.RemoteAddr)

	// Writes come from the event loop and the ping ticker.
	var writeMu sync.Mutex
	write := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
		return conn.WriteMessage(messageType, data)
	}

	// Reader goroutine: the client sends nothing meaningful, but reading
	// is what surfaces close frames and dead connections.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-eventCh:
			if !ok {
				_ = write(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := write(websocket.TextMessage, payload); err != nil {
				logger.Debug("Events", "viewer %s write failed: %v", r.RemoteAddr, err)
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
