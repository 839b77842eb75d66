// Package capture owns the lifecycle of external capture processes and
// wires their byte streams into the frame pipeline: every demuxed frame
// goes to the media broadcaster, every Nth frame to the detection queue.
package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sitesight/visionrelay/internal/broadcast"
	"github.com/sitesight/visionrelay/internal/framequeue"
	"github.com/sitesight/visionrelay/internal/logger"
	"github.com/sitesight/visionrelay/internal/metrics"
	"github.com/sitesight/visionrelay/internal/mjpeg"
	"github.com/sitesight/visionrelay/pkg/types"
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
)

var stateNames = [...]string{"idle", "starting", "active", "stopping"}

// String returns the lowercase state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ErrAlreadyRunning is returned by Start on a non-idle session. Capture
// devices are exclusive resources; a second start must not spawn a
// second process.
var ErrAlreadyRunning = errors.New("capture session already running")

// ErrNotRunning is returned by Stop on an idle session.
var ErrNotRunning = errors.New("capture session not running")

// Config holds per-session settings.
type Config struct {
	Source types.Source
	// SampleEvery submits every Nth demuxed frame for detection. The
	// stream itself always carries every frame: inference is far more
	// expensive than re-streaming and a sample is enough to be useful.
	SampleEvery int
	// MaxBuffer is the demuxer accumulation ceiling (bytes).
	MaxBuffer int
	// StopGrace is how long a stopping process gets before SIGKILL.
	StopGrace time.Duration
	// FrameTimeout declares the session dead when no frame arrives for
	// this long while nominally active.
	FrameTimeout time.Duration
	// HealthInterval is how often liveness is checked.
	HealthInterval time.Duration
	// AutoRestart relaunches the session after a liveness stop.
	AutoRestart bool
}

// DefaultConfig returns the standard session settings for a source.
func DefaultConfig(source types.Source) Config {
	return Config{
		Source:         source,
		SampleEvery:    5,
		MaxBuffer:      mjpeg.DefaultMaxBuffer,
		StopGrace:      2 * time.Second,
		FrameTimeout:   60 * time.Second,
		HealthInterval: 10 * time.Second,
	}
}

// Status is the read-only session snapshot for the control surface.
type Status struct {
	Source         types.Source `json:"source"`
	State          string       `json:"state"`
	Active         bool         `json:"active"`
	FrameCount     uint64       `json:"frameCount"`
	SinceLastFrame float64      `json:"secondsSinceLastFrame"`
}

// Session drives one external capture process through
// Idle → Starting → Active → Stopping → Idle.
type Session struct {
	cfg      Config
	launcher Launcher
	media    *broadcast.Broadcaster
	queue    *framequeue.Queue
	metrics  *metrics.Metrics
	// onError surfaces fatal session errors as viewer events rather
	// than as return values of the call that happened to observe them.
	onError func(source types.Source, message string)

	mu         sync.Mutex
	state      State
	src        ProcessSource
	gen        uint64 // bumped on every start; stale goroutines check it
	frameCount uint64
	lastFrame  time.Time
	healthStop chan struct{}
}

// NewSession wires a session to its pipeline. onError may be nil.
func NewSession(cfg Config, launcher Launcher, media *broadcast.Broadcaster, queue *framequeue.Queue, m *metrics.Metrics, onError func(types.Source, string)) *Session {
	if cfg.SampleEvery <= 0 {
		cfg.SampleEvery = 1
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 2 * time.Second
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = 60 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 10 * time.Second
	}
	return &Session{
		cfg:      cfg,
		launcher: launcher,
		media:    media,
		queue:    queue,
		metrics:  m,
		onError:  onError,
	}
}

// Start spawns the capture process. Valid only from Idle; an active
// session reports ErrAlreadyRunning instead of spawning a second
// process.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		logger.Info("Session", "%s already running, start ignored", s.cfg.Source)
		return ErrAlreadyRunning
	}
	s.state = StateStarting
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	src, err := s.launcher()
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		s.reportError(fmt.Sprintf("failed to start capture: %v", err))
		return fmt.Errorf("start %s session: %w", s.cfg.Source, err)
	}

	s.mu.Lock()
	s.src = src
	s.state = StateActive
	s.frameCount = 0
	s.lastFrame = time.Now()
	s.healthStop = make(chan struct{})
	healthStop := s.healthStop
	s.mu.Unlock()

	logger.Info("Session", "%s session active", s.cfg.Source)

	go s.readLoop(src, gen)
	go s.watchExit(src, gen)
	go s.healthLoop(gen, healthStop)
	return nil
}

// Stop terminates the capture process and clears pending detection
// work. An inference call already pulled from the queue is allowed to
// finish. Valid from Active or Starting.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state != StateActive && s.state != StateStarting {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.state = StateStopping
	s.gen++ // readLoop/watchExit for the old process become stale
	src := s.src
	healthStop := s.healthStop
	s.mu.Unlock()

	if healthStop != nil {
		close(healthStop)
	}
	if src != nil {
		src.Stop(s.cfg.StopGrace)
	}
	s.queue.Clear()

	s.mu.Lock()
	s.src = nil
	s.state = StateIdle
	s.mu.Unlock()

	logger.Info("Session", "%s session stopped", s.cfg.Source)
	return nil
}

// readLoop pumps process output through the demuxer and distributes
// frames. It owns the demuxer exclusively.
func (s *Session) readLoop(src ProcessSource, gen uint64) {
	demux := mjpeg.NewDemuxer(s.cfg.MaxBuffer)
	buf := make([]byte, 32*1024)
	out := src.Output()

	for {
		n, err := out.Read(buf)
		if n > 0 {
			resetsBefore := demux.Resets()
			for _, data := range demux.Feed(buf[:n]) {
				s.dispatchFrame(data, gen)
			}
			if s.metrics != nil && demux.Resets() > resetsBefore {
				s.metrics.DemuxerResets.Add(demux.Resets() - resetsBefore)
			}
		}
		if err != nil {
			if !s.isCurrent(gen) {
				return // session stopped, EOF is expected
			}
			if err != io.EOF {
				logger.Warn("Session", "%s read error: %v", s.cfg.Source, err)
			}
			return // watchExit handles the fatal transition
		}
		if !s.isCurrent(gen) {
			return
		}
	}
}

// dispatchFrame numbers a frame, streams it unconditionally and samples
// it for detection.
func (s *Session) dispatchFrame(data []byte, gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.frameCount++
	number := s.frameCount
	s.lastFrame = time.Now()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.FramesDemuxed.Add(1)
	}

	s.media.Publish(data)

	if number%uint64(s.cfg.SampleEvery) == 0 {
		accepted := s.queue.Enqueue(types.Frame{
			Data:      data,
			Number:    number,
			Source:    s.cfg.Source,
			Timestamp: time.Now(),
		})
		if s.metrics != nil {
			s.metrics.FramesSampled.Add(1)
			if accepted {
				s.metrics.QueueAccepted.Add(1)
			} else {
				s.metrics.QueueRejected.Add(1)
			}
			s.metrics.QueueDepth.Store(uint64(s.queue.Depth()))
		}
	}
}

// watchExit handles the process dying underneath an active session:
// the session is forced to Idle and the failure surfaces as an event.
func (s *Session) watchExit(src ProcessSource, gen uint64) {
	err := <-src.Done()

	s.mu.Lock()
	if s.gen != gen {
		// Stop already owns this transition.
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	s.src = nil
	s.gen++
	healthStop := s.healthStop
	s.healthStop = nil
	s.mu.Unlock()

	if healthStop != nil {
		close(healthStop)
	}
	s.queue.Clear()

	msg := fmt.Sprintf("%s capture process exited unexpectedly", s.cfg.Source)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	logger.Error("Session", "%s", msg)
	s.reportError(msg)
}

// healthLoop stops a session that has gone silent. Restart is policy:
// only applied when the config asks for it.
func (s *Session) healthLoop(gen uint64, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := s.gen == gen && s.state == StateActive &&
				time.Since(s.lastFrame) > s.cfg.FrameTimeout
			s.mu.Unlock()

			if !stale {
				continue
			}

			logger.Warn("Session", "%s produced no frame for %v, stopping", s.cfg.Source, s.cfg.FrameTimeout)
			s.reportError(fmt.Sprintf("%s stream stalled, session stopped", s.cfg.Source))
			if err := s.Stop(); err != nil {
				return
			}
			if s.cfg.AutoRestart {
				if s.metrics != nil {
					s.metrics.SessionRestarts.Add(1)
				}
				if err := s.Start(); err != nil {
					logger.Error("Session", "%s auto-restart failed: %v", s.cfg.Source, err)
				}
			}
			return
		}
	}
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Session) reportError(message string) {
	if s.onError != nil {
		s.onError(s.cfg.Source, message)
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the session snapshot for the control surface.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	since := 0.0
	if s.state == StateActive && !s.lastFrame.IsZero() {
		since = time.Since(s.lastFrame).Seconds()
	}
	return Status{
		Source:         s.cfg.Source,
		State:          s.state.String(),
		Active:         s.state == StateActive,
		FrameCount:     s.frameCount,
		SinceLastFrame: since,
	}
}
