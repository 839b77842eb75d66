// Package recorder persists the live MJPEG stream to disk as clip
// files. A clip is a plain concatenation of JPEG frames, playable with
// ffmpeg and friends without a container.
package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sitesight/visionrelay/internal/broadcast"
	"github.com/sitesight/visionrelay/internal/logger"
)

// Recorder captures frames from the media broadcaster into a clip file.
type Recorder struct {
	mu           sync.RWMutex
	basePath     string
	media        *broadcast.Broadcaster
	file         *os.File
	filename     string
	recording    bool
	subID        int
	frameCount   uint64
	bytesWritten uint64
	startTime    time.Time
	wg           sync.WaitGroup
	frames       <-chan []byte
}

// Status holds the current recording state.
type Status struct {
	Recording    bool    `json:"recording"`
	Filename     string  `json:"filename"`
	FrameCount   uint64  `json:"frameCount"`
	BytesWritten uint64  `json:"bytesWritten"`
	DurationSec  float64 `json:"durationSec"`
}

// New creates a Recorder writing clips under basePath.
func New(basePath string, media *broadcast.Broadcaster) *Recorder {
	return &Recorder{basePath: basePath, media: media}
}

// Start begins a new clip. Returns the clip filename.
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", fmt.Errorf("already recording")
	}

	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("create recording directory: %w", err)
	}

	filename := fmt.Sprintf("clip_%s.mjpeg", time.Now().Format("20060102_150405"))
	file, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return "", fmt.Errorf("create clip file: %w", err)
	}

	// Buffered deep enough to ride out a disk hiccup; overflow drops
	// frames, which shortens the clip but never stalls the stream.
	id, frames := r.media.SubscribeChan(60)

	r.file = file
	r.filename = filename
	r.recording = true
	r.subID = id
	r.frames = frames
	r.frameCount = 0
	r.bytesWritten = 0
	r.startTime = time.Now()

	r.wg.Add(1)
	go r.writeFrames(frames)

	logger.Info("Recorder", "recording to %s", filename)
	return filename, nil
}

// Stop finishes the current clip and returns its filename.
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", fmt.Errorf("not recording")
	}
	r.recording = false
	id := r.subID
	filename := r.filename
	r.mu.Unlock()

	// Unsubscribing closes the frame channel, which ends the writer.
	r.media.Unsubscribe(id)
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		if err := r.file.Sync(); err != nil {
			return filename, fmt.Errorf("sync clip file: %w", err)
		}
		if err := r.file.Close(); err != nil {
			return filename, fmt.Errorf("close clip file: %w", err)
		}
		r.file = nil
	}

	logger.Info("Recorder", "finished %s (%d frames)", filename, r.frameCount)
	return filename, nil
}

func (r *Recorder) writeFrames(frames <-chan []byte) {
	defer r.wg.Done()

	for frame := range frames {
		r.mu.Lock()
		if r.file == nil {
			r.mu.Unlock()
			return
		}
		n, err := r.file.Write(frame)
		if err != nil {
			logger.Error("Recorder", "write failed, stopping clip: %v", err)
			r.mu.Unlock()
			return
		}
		r.bytesWritten += uint64(n)
		r.frameCount++
		r.mu.Unlock()
	}
}

// IsRecording reports whether a clip is in progress.
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status.
func (r *Recorder) GetStatus() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration float64
	if r.recording {
		duration = time.Since(r.startTime).Seconds()
	}
	return Status{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		DurationSec:  duration,
	}
}

// Close stops any in-progress clip.
func (r *Recorder) Close() error {
	if r.IsRecording() {
		_, err := r.Stop()
		return err
	}
	return nil
}
