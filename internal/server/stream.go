package server

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/sitesight/visionrelay/internal/logger"
)

var blankOnce struct {
	sync.Once
	data []byte
}

// blankJPEG renders the placeholder frame sent while no session is
// producing. Encoded once and cached.
func blankJPEG() []byte {
	blankOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, 640, 480))
		gray := color.RGBA{R: 32, G: 32, B: 32, A: 255}
		for y := 0; y < 480; y++ {
			for x := 0; x < 640; x++ {
				img.Set(x, y, gray)
			}
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
			logger.Error("MJPEG", "encode placeholder: %v", err)
			return
		}
		blankOnce.data = buf.Bytes()
	})
	return blankOnce.data
}

// handleStream serves the live MJPEG stream. Every viewer gets its own
// buffered subscription; a viewer that cannot keep up loses frames
// rather than stalling the publisher.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, frameCh := s.media.SubscribeChan(s.cfg.StreamBuffer)
	defer s.media.Unsubscribe(id)

	if s.metrics != nil {
		s.metrics.MediaSubscribers.Add(1)
		defer s.metrics.MediaSubscribers.Add(^uint64(0))
	}
	logger.Info("MJPEG", "viewer connected from %s", r.RemoteAddr)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	keepAlive := s.cfg.KeepAlive
	ctx := r.Context()

	for {
		var jpegData []byte
		select {
		case data, ok := <-frameCh:
			if !ok {
				return
			}
			jpegData = data
		case <-time.After(keepAlive):
			// No frame for a while, send the placeholder so proxies and
			// browsers keep the connection open.
			jpegData = blankJPEG()
		case <-ctx.Done():
			return
		}
		if jpegData == nil {
			continue
		}

		if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
			logger.Debug("MJPEG", "viewer disconnected during write: %v", err)
			return
		}
		if _, err := w.Write(jpegData); err != nil {
			logger.Debug("MJPEG", "viewer disconnected during frame write: %v", err)
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			logger.Debug("MJPEG", "viewer disconnected during delimiter write: %v", err)
			return
		}
		flusher.Flush()
	}
}
