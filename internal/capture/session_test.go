package capture

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sitesight/visionrelay/internal/broadcast"
	"github.com/sitesight/visionrelay/internal/detection"
	"github.com/sitesight/visionrelay/internal/framequeue"
	"github.com/sitesight/visionrelay/internal/inference"
	"github.com/sitesight/visionrelay/pkg/types"
)

// fakeSource feeds the session through an in-memory pipe instead of a
// real capture process.
type fakeSource struct {
	pr   *io.PipeReader
	pw   *io.PipeWriter
	done chan error
	once sync.Once
}

func newFakeSource() *fakeSource {
	pr, pw := io.Pipe()
	return &fakeSource{pr: pr, pw: pw, done: make(chan error, 1)}
}

func (f *fakeSource) Output() io.Reader  { return f.pr }
func (f *fakeSource) Done() <-chan error { return f.done }

func (f *fakeSource) Stop(time.Duration) {
	f.exit(nil)
}

// exit simulates the process ending with err.
func (f *fakeSource) exit(err error) {
	f.once.Do(func() {
		f.pw.Close()
		f.done <- err
		close(f.done)
	})
}

func (f *fakeSource) writeFrame(t *testing.T, tag byte) {
	t.Helper()
	frame := []byte{0xFF, 0xD8, 0xFF, 0xE0, tag, 0xFF, 0xD9}
	if _, err := f.pw.Write(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testConfig(source types.Source, sampleEvery int) Config {
	cfg := DefaultConfig(source)
	cfg.SampleEvery = sampleEvery
	cfg.HealthInterval = time.Hour // liveness not under test unless overridden
	return cfg
}

func TestStartRejectsSecondStart(t *testing.T) {
	src := newFakeSource()
	s := NewSession(testConfig(types.SourceWebcam, 1), func() (ProcessSource, error) { return src, nil },
		broadcast.New("Media", false), framequeue.New(0, nil), nil, nil)

	if err := s.Start(); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start = %v, want ErrAlreadyRunning", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := s.State(); got != StateIdle {
		t.Fatalf("state after stop = %v, want idle", got)
	}
}

func TestStopWhenIdleReturnsNotRunning(t *testing.T) {
	s := NewSession(testConfig(types.SourceVideo, 1), nil,
		broadcast.New("Media", false), framequeue.New(0, nil), nil, nil)
	if err := s.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("stop idle session = %v, want ErrNotRunning", err)
	}
}

func TestLauncherFailureReturnsToIdle(t *testing.T) {
	var reported string
	var mu sync.Mutex
	s := NewSession(testConfig(types.SourceWebcam, 1),
		func() (ProcessSource, error) { return nil, errors.New("no such device") },
		broadcast.New("Media", false), framequeue.New(0, nil), nil,
		func(_ types.Source, msg string) {
			mu.Lock()
			reported = msg
			mu.Unlock()
		})

	if err := s.Start(); err == nil {
		t.Fatal("expected start error")
	}
	if got := s.State(); got != StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if reported == "" {
		t.Fatal("launcher failure was not reported")
	}
}

func TestEveryFrameStreamsEveryNthSamples(t *testing.T) {
	src := newFakeSource()
	media := broadcast.New("Media", false)

	var streamed int
	var streamMu sync.Mutex
	media.Subscribe(func([]byte) error {
		streamMu.Lock()
		streamed++
		streamMu.Unlock()
		return nil
	})

	var sampled []uint64
	var sampleMu sync.Mutex
	queue := framequeue.New(0, func(f types.Frame) error {
		sampleMu.Lock()
		sampled = append(sampled, f.Number)
		sampleMu.Unlock()
		return nil
	})

	s := NewSession(testConfig(types.SourceWebcam, 2),
		func() (ProcessSource, error) { return src, nil }, media, queue, nil, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := byte(1); i <= 5; i++ {
		src.writeFrame(t, i)
		want := int(i)
		waitFor(t, func() bool {
			streamMu.Lock()
			defer streamMu.Unlock()
			return streamed >= want
		}, "frame did not reach the media broadcaster")
	}

	waitFor(t, func() bool {
		sampleMu.Lock()
		defer sampleMu.Unlock()
		return len(sampled) == 2
	}, "sampled frames did not reach the queue")

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	sampleMu.Lock()
	defer sampleMu.Unlock()
	if sampled[0] != 2 || sampled[1] != 4 {
		t.Fatalf("sampled frame numbers = %v, want [2 4]", sampled)
	}
	streamMu.Lock()
	defer streamMu.Unlock()
	if streamed != 5 {
		t.Fatalf("streamed %d frames, want 5", streamed)
	}
}

func TestProcessExitSurfacesErrorAndGoesIdle(t *testing.T) {
	src := newFakeSource()
	var reported string
	var mu sync.Mutex
	s := NewSession(testConfig(types.SourceVideo, 1),
		func() (ProcessSource, error) { return src, nil },
		broadcast.New("Media", false), framequeue.New(0, nil), nil,
		func(_ types.Source, msg string) {
			mu.Lock()
			reported = msg
			mu.Unlock()
		})

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	src.exit(errors.New("exit status 1"))

	waitFor(t, func() bool { return s.State() == StateIdle }, "session did not return to idle")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reported != ""
	}, "process exit was not reported")

	// The slot is free again.
	src2 := newFakeSource()
	s.launcher = func() (ProcessSource, error) { return src2, nil }
	if err := s.Start(); err != nil {
		t.Fatalf("restart after crash: %v", err)
	}
	s.Stop()
}

func TestLivenessStopsStalledSession(t *testing.T) {
	src := newFakeSource()
	cfg := testConfig(types.SourceWebcam, 1)
	cfg.FrameTimeout = 30 * time.Millisecond
	cfg.HealthInterval = 10 * time.Millisecond

	var reported string
	var mu sync.Mutex
	s := NewSession(cfg, func() (ProcessSource, error) { return src, nil },
		broadcast.New("Media", false), framequeue.New(0, nil), nil,
		func(_ types.Source, msg string) {
			mu.Lock()
			reported = msg
			mu.Unlock()
		})

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.writeFrame(t, 1)

	// No further frames: the health check should stop the session.
	waitFor(t, func() bool { return s.State() == StateIdle }, "stalled session was not stopped")
	mu.Lock()
	defer mu.Unlock()
	if reported == "" {
		t.Fatal("stall was not reported")
	}
}

func TestManagerRejectsUnknownSession(t *testing.T) {
	m := NewManager(map[string]*Session{})
	if err := m.Start("webcam"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("start unknown = %v, want ErrUnknownSession", err)
	}
	if err := m.Stop("video"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("stop unknown = %v, want ErrUnknownSession", err)
	}
}

// vestDetector always reports one vest, tagged with the real frame size.
type vestDetector struct{}

func (vestDetector) Name() string { return "remote" }

func (vestDetector) Detect(context.Context, []byte) inference.Result {
	return inference.Result{
		Predictions: []inference.Prediction{{
			Class: "vest", Confidence: 0.9, X: 50, Y: 50, Width: 20, Height: 40, Origin: "remote",
		}},
		ImageWidth:  1280,
		ImageHeight: 720,
	}
}

// TestVideoSessionEndToEnd drives the full pipeline: fake video source,
// demux, sampling, queue, detection join, event broadcast.
func TestVideoSessionEndToEnd(t *testing.T) {
	events := broadcast.New("Events", false)
	var batches []detection.Batch
	var mu sync.Mutex
	events.Subscribe(func(p []byte) error {
		var b detection.Batch
		if err := json.Unmarshal(p, &b); err != nil {
			t.Errorf("event payload is not a valid batch: %v", err)
			return nil
		}
		mu.Lock()
		batches = append(batches, b)
		mu.Unlock()
		return nil
	})

	orch := detection.New(detection.DefaultConfig(), []detection.Detector{vestDetector{}}, events, nil)
	queue := framequeue.New(0, func(f types.Frame) error {
		orch.ProcessFrame(context.Background(), f.Data, f.Number, f.Source)
		return nil
	})

	media := broadcast.New("Media", true)
	var streamed int
	var streamMu sync.Mutex
	media.Subscribe(func([]byte) error {
		streamMu.Lock()
		streamed++
		streamMu.Unlock()
		return nil
	})

	src := newFakeSource()
	s := NewSession(testConfig(types.SourceVideo, 2),
		func() (ProcessSource, error) { return src, nil }, media, queue, nil, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := byte(1); i <= 6; i++ {
		src.writeFrame(t, i)
		want := int(i)
		waitFor(t, func() bool {
			streamMu.Lock()
			defer streamMu.Unlock()
			return streamed >= want
		}, "frame did not stream")
	}

	waitFor(t, func() bool {
		processed, _ := orch.Totals()
		return processed == 3
	}, "sampled frames were not all processed")

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 3 {
		t.Fatalf("broadcast %d batches, want 3", len(batches))
	}
	wantFrames := []uint64{2, 4, 6}
	for i, b := range batches {
		if b.FrameNumber != wantFrames[i] {
			t.Errorf("batch %d for frame %d, want %d", i, b.FrameNumber, wantFrames[i])
		}
		if b.Source != types.SourceVideo {
			t.Errorf("batch %d source = %s", i, b.Source)
		}
		if len(b.Predictions) != 1 || b.Predictions[0].Class != "vest" {
			t.Errorf("batch %d predictions = %+v", i, b.Predictions)
		}
		if b.FrameWidth != 1280 || b.FrameHeight != 720 {
			t.Errorf("batch %d dimensions = %dx%d", i, b.FrameWidth, b.FrameHeight)
		}
		if i > 0 && b.FrameNumber <= batches[i-1].FrameNumber {
			t.Errorf("frame numbers not strictly increasing: %d after %d", b.FrameNumber, batches[i-1].FrameNumber)
		}
	}
}
