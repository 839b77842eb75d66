package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sitesight/visionrelay/internal/broadcast"
	"github.com/sitesight/visionrelay/internal/capture"
	"github.com/sitesight/visionrelay/internal/detection"
	"github.com/sitesight/visionrelay/internal/framequeue"
	"github.com/sitesight/visionrelay/internal/recorder"
	"github.com/sitesight/visionrelay/pkg/types"
)

// idleSource is a ProcessSource that produces nothing and exits on Stop.
type idleSource struct {
	done chan error
	once sync.Once
}

func newIdleSource() *idleSource {
	return &idleSource{done: make(chan error, 1)}
}

func (s *idleSource) Output() io.Reader { return strings.NewReader("") }

func (s *idleSource) Stop(time.Duration) {
	s.once.Do(func() {
		s.done <- nil
		close(s.done)
	})
}

func (s *idleSource) Done() <-chan error { return s.done }

type fixture struct {
	server *Server
	media  *broadcast.Broadcaster
	events *broadcast.Broadcaster
	ts     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	media := broadcast.New("Media", true)
	events := broadcast.New("Events", false)
	queue := framequeue.New(0, nil)
	orch := detection.New(detection.DefaultConfig(), nil, events, nil)

	cfg := capture.DefaultConfig(types.SourceWebcam)
	cfg.HealthInterval = time.Hour
	webcam := capture.NewSession(cfg, func() (capture.ProcessSource, error) {
		return newIdleSource(), nil
	}, media, queue, nil, nil)
	sessions := capture.NewManager(map[string]*capture.Session{"webcam": webcam})

	srvCfg := DefaultConfig()
	srvCfg.KeepAlive = 50 * time.Millisecond
	rec := recorder.New(t.TempDir(), media)
	s := New(srvCfg, sessions, media, events, orch, queue, rec, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		sessions.StopAll()
	})
	return &fixture{server: s, media: media, events: events, ts: ts}
}

func postJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, payload
}

func TestSessionControlEndpoints(t *testing.T) {
	f := newFixture(t)

	code, payload := postJSON(t, f.ts.URL+"/api/sessions/webcam/start")
	if code != http.StatusOK || payload["status"] != "started" {
		t.Fatalf("start = %d %v", code, payload)
	}

	code, payload = postJSON(t, f.ts.URL+"/api/sessions/webcam/start")
	if code != http.StatusConflict || payload["status"] != "already-running" {
		t.Fatalf("second start = %d %v", code, payload)
	}

	code, payload = postJSON(t, f.ts.URL+"/api/sessions/webcam/stop")
	if code != http.StatusOK || payload["status"] != "stopped" {
		t.Fatalf("stop = %d %v", code, payload)
	}

	code, payload = postJSON(t, f.ts.URL+"/api/sessions/webcam/stop")
	if code != http.StatusOK || payload["status"] != "not-running" {
		t.Fatalf("stop idle = %d %v", code, payload)
	}
}

func TestUnknownSessionReturnsNotFound(t *testing.T) {
	f := newFixture(t)
	code, _ := postJSON(t, f.ts.URL+"/api/sessions/drone/start")
	if code != http.StatusNotFound {
		t.Fatalf("start unknown = %d, want 404", code)
	}
	code, _ = postJSON(t, f.ts.URL+"/api/sessions/drone/stop")
	if code != http.StatusNotFound {
		t.Fatalf("stop unknown = %d, want 404", code)
	}
}

func TestStatusReportsPipelineState(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"sessions", "queue", "detection", "viewers"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("status missing %q", key)
		}
	}
	sessions := payload["sessions"].(map[string]any)
	webcam := sessions["webcam"].(map[string]any)
	if webcam["state"] != "idle" || webcam["active"] != false {
		t.Errorf("webcam status = %v", webcam)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}
}

func TestStreamDeliversPublishedFrames(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Content-Type = %q", ct)
	}

	frame := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x42, 0xFF, 0xD9}
	f.media.Publish(frame)

	// The part for our frame must appear within a few keepalive periods.
	reader := bufio.NewReader(io.LimitReader(resp.Body, 1<<20))
	buf := make([]byte, 0, 4096)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		chunk := make([]byte, 512)
		n, err := reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if bytes.Contains(buf, frame) {
				return
			}
		}
		if err != nil {
			break
		}
	}
	t.Fatal("published frame never appeared in the stream")
}

func TestRecordingEndpoints(t *testing.T) {
	f := newFixture(t)

	code, payload := postJSON(t, f.ts.URL+"/api/sessions/webcam/start")
	if code != http.StatusOK {
		t.Fatalf("session start = %d %v", code, payload)
	}

	code, payload = postJSON(t, f.ts.URL+"/api/recording/start")
	if code != http.StatusOK || payload["status"] != "recording" {
		t.Fatalf("recording start = %d %v", code, payload)
	}

	code, payload = postJSON(t, f.ts.URL+"/api/recording/start")
	if code != http.StatusBadRequest {
		t.Fatalf("double recording start = %d %v", code, payload)
	}

	code, payload = postJSON(t, f.ts.URL+"/api/recording/stop")
	if code != http.StatusOK || payload["status"] != "stopped" {
		t.Fatalf("recording stop = %d %v", code, payload)
	}

	resp, err := http.Get(f.ts.URL + "/api/recording/status")
	if err != nil {
		t.Fatalf("GET recording status: %v", err)
	}
	defer resp.Body.Close()
	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status["recording"] != false {
		t.Fatalf("status = %v", status)
	}
}

func TestWebSocketDeliversEvents(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Subscription is registered during the upgrade handler; give it a
	// moment before publishing.
	deadline := time.Now().Add(time.Second)
	for f.events.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	payload := []byte(`{"eventType":"detections","frameNumber":4}`)
	f.events.Publish(payload)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("received %s, want %s", data, payload)
	}
}
