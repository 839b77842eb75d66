package capture

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/sitesight/visionrelay/internal/logger"
)

// ProcessSource abstracts the external capture process so the session
// state machine can be driven by a fake byte source in tests.
type ProcessSource interface {
	// Output is the MJPEG byte stream.
	Output() io.Reader
	// Stop requests termination: graceful first, forceful after grace.
	Stop(grace time.Duration)
	// Done is closed with the exit error once the process ends.
	Done() <-chan error
}

// Launcher starts a capture process. Sessions hold a Launcher instead
// of argv so tests can inject synthetic sources.
type Launcher func() (ProcessSource, error)

// execSource wraps a running exec.Cmd as a ProcessSource.
type execSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	done   chan error
}

// CommandLauncher returns a Launcher spawning argv with stdout piped.
func CommandLauncher(argv []string) Launcher {
	return func() (ProcessSource, error) {
		if len(argv) == 0 {
			return nil, fmt.Errorf("empty capture command")
		}
		cmd := exec.Command(argv[0], argv[1:]...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start capture process: %w", err)
		}
		logger.Info("Capture", "process started: %s (pid=%d)", argv[0], cmd.Process.Pid)

		src := &execSource{cmd: cmd, stdout: stdout, done: make(chan error, 1)}
		go func() {
			src.done <- cmd.Wait()
			close(src.done)
		}()
		return src, nil
	}
}

func (s *execSource) Output() io.Reader { return s.stdout }

func (s *execSource) Done() <-chan error { return s.done }

// Stop sends SIGTERM and escalates to SIGKILL if the process has not
// exited within grace.
func (s *execSource) Stop(grace time.Duration) {
	if s.cmd.Process == nil {
		return
	}
	_ = s.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-s.done:
	case <-time.After(grace):
		logger.Warn("Capture", "process did not exit within %v, killing", grace)
		_ = s.cmd.Process.Kill()
		<-s.done
	}
}

// WebcamCommand builds the ffmpeg argv streaming a V4L2 device as MJPEG
// to stdout.
func WebcamCommand(device string, width, height, fps, quality int) []string {
	return []string{
		"ffmpeg",
		"-f", "v4l2",
		"-framerate", strconv.Itoa(fps),
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-i", device,
		"-f", "mjpeg",
		"-q:v", strconv.Itoa(quality),
		"-hide_banner",
		"-loglevel", "error",
		"-",
	}
}

// VideoCommand builds the ffmpeg argv decoding a video file to an MJPEG
// stream at native pace (-re) so playback speed matches the recording.
func VideoCommand(path string, fps, quality int) []string {
	return []string{
		"ffmpeg",
		"-re",
		"-i", path,
		"-vf", fmt.Sprintf("fps=%d", fps),
		"-f", "mjpeg",
		"-q:v", strconv.Itoa(quality),
		"-hide_banner",
		"-loglevel", "error",
		"-",
	}
}
