//go:build !windows

package inference

import (
	"context"
	"testing"
	"time"
)

// shBackend builds a LocalBackend whose "inference process" is a shell
// loop answering every request line with a canned response.
func shBackend(response string) *LocalBackend {
	script := `while read line; do echo '` + response + `'; done`
	return NewLocalBackend(LocalConfig{Command: []string{"/bin/sh", "-c", script}})
}

func TestLocalBackendDetect(t *testing.T) {
	b := shBackend(`{"success":true,"frame_width":640,"frame_height":480,"detections":[{"class":"person","confidence":0.88,"x":100,"y":120,"width":50,"height":80}]}`)
	defer b.Close()

	result, err := b.Detect(context.Background(), []byte("jpeg"), Options{Confidence: 0.5})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(result.Predictions) != 1 {
		t.Fatalf("got %d predictions, want 1", len(result.Predictions))
	}
	p := result.Predictions[0]
	if p.Class != "person" || p.Origin != "local" {
		t.Errorf("prediction = %+v", p)
	}
	if result.ImageWidth != 640 || result.ImageHeight != 480 {
		t.Errorf("dimensions = %dx%d, want 640x480", result.ImageWidth, result.ImageHeight)
	}
}

func TestLocalBackendReportsProcessError(t *testing.T) {
	b := shBackend(`{"success":false,"error":"Invalid JSON"}`)
	defer b.Close()

	if _, err := b.Detect(context.Background(), []byte("jpeg"), Options{}); err == nil {
		t.Fatal("expected error from unsuccessful response")
	}
}

func TestLocalBackendTimeoutKillsProcess(t *testing.T) {
	// A process that never answers.
	b := NewLocalBackend(LocalConfig{Command: []string{"/bin/sh", "-c", "sleep 60"}})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := b.Detect(ctx, []byte("jpeg"), Options{}); err == nil {
		t.Fatal("expected timeout error")
	}

	// Immediately after the kill, restart backoff refuses a relaunch.
	if _, err := b.Detect(context.Background(), []byte("jpeg"), Options{}); err == nil {
		t.Fatal("expected backoff error right after process death")
	}
}
