package inference

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/sitesight/visionrelay/internal/logger"
)

// LocalConfig configures the local inference subprocess backend.
type LocalConfig struct {
	Command []string // argv, e.g. ["python3", "inference_service.py"]
	// RestartBackoff delays relaunching after the process dies.
	RestartBackoff time.Duration
}

// LocalBackend owns a long-lived inference process speaking
// line-delimited JSON: one request object in, one response object out.
// Requests are serialized because the protocol has no correlation ids.
type LocalBackend struct {
	cfg LocalConfig

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   *bufio.Scanner
	diedAt   time.Time
	everDied bool
}

// localRequest is one request line sent to the subprocess.
type localRequest struct {
	Image      string  `json:"image"`
	Confidence float64 `json:"confidence"`
}

// localResponse is one response line from the subprocess.
type localResponse struct {
	Success     bool   `json:"success"`
	Error       string `json:"error"`
	FrameWidth  int    `json:"frame_width"`
	FrameHeight int    `json:"frame_height"`
	Detections  []struct {
		Class      string  `json:"class"`
		Confidence float64 `json:"confidence"`
		X          float64 `json:"x"`
		Y          float64 `json:"y"`
		Width      float64 `json:"width"`
		Height     float64 `json:"height"`
	} `json:"detections"`
}

// NewLocalBackend returns a backend that lazily launches the subprocess
// on first use and relaunches it (with backoff) if it dies.
func NewLocalBackend(cfg LocalConfig) *LocalBackend {
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = 3 * time.Second
	}
	return &LocalBackend{cfg: cfg}
}

// Name identifies this backend in logs and prediction origins.
func (b *LocalBackend) Name() string { return "local" }

// Detect sends one frame through the subprocess protocol.
func (b *LocalBackend) Detect(ctx context.Context, frame []byte, opts Options) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureStartedLocked(); err != nil {
		return Result{}, err
	}

	req := localRequest{
		Image:      base64.StdEncoding.EncodeToString(frame),
		Confidence: opts.Confidence,
	}
	line, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}
	line = append(line, '\n')

	if _, err := b.stdin.Write(line); err != nil {
		b.teardownLocked()
		return Result{}, fmt.Errorf("write to inference process: %w", err)
	}

	respLine, err := b.readLineLocked(ctx)
	if err != nil {
		// The process may still answer this request later, which would
		// desynchronize the protocol. Kill it and start fresh next call.
		b.teardownLocked()
		return Result{}, err
	}

	var resp localResponse
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return Result{}, fmt.Errorf("decode inference response: %w", err)
	}
	if !resp.Success {
		return Result{}, fmt.Errorf("inference process error: %s", resp.Error)
	}

	preds := make([]Prediction, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		preds = append(preds, Prediction{
			Class:      d.Class,
			Confidence: d.Confidence,
			X:          d.X,
			Y:          d.Y,
			Width:      d.Width,
			Height:     d.Height,
		})
	}

	return Result{
		Predictions: sanitize(preds, b.Name()),
		ImageWidth:  resp.FrameWidth,
		ImageHeight: resp.FrameHeight,
	}, nil
}

// Close terminates the subprocess if running.
func (b *LocalBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teardownLocked()
}

func (b *LocalBackend) ensureStartedLocked() error {
	if b.cmd != nil {
		return nil
	}
	if len(b.cfg.Command) == 0 {
		return fmt.Errorf("no local inference command configured")
	}
	if b.everDied && time.Since(b.diedAt) < b.cfg.RestartBackoff {
		return fmt.Errorf("inference process down, restart backoff active")
	}

	cmd := exec.Command(b.cfg.Command[0], b.cfg.Command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start inference process: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	// Responses carry a base64 echo-free detection list but can still be
	// large for crowded frames.
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	b.cmd = cmd
	b.stdin = stdin
	b.stdout = scanner
	logger.Info("LocalBackend", "inference process started (pid=%d)", cmd.Process.Pid)

	go func(c *exec.Cmd) {
		err := c.Wait()
		logger.Warn("LocalBackend", "inference process exited: %v", err)
		b.mu.Lock()
		if b.cmd == c {
			b.cmd = nil
			b.stdin = nil
			b.stdout = nil
			b.diedAt = time.Now()
			b.everDied = true
		}
		b.mu.Unlock()
	}(cmd)

	return nil
}

// readLineLocked reads one response line, honoring ctx cancellation.
func (b *LocalBackend) readLineLocked(ctx context.Context) ([]byte, error) {
	scanner := b.stdout
	type scanResult struct {
		line []byte
		err  error
	}
	ch := make(chan scanResult, 1)
	go func() {
		if scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			ch <- scanResult{line: line}
			return
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		ch <- scanResult{err: fmt.Errorf("read inference response: %w", err)}
	}()

	select {
	case res := <-ch:
		return res.line, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("inference response: %w", ctx.Err())
	}
}

// teardownLocked kills the subprocess; the Wait goroutine clears state.
func (b *LocalBackend) teardownLocked() {
	if b.cmd == nil {
		return
	}
	if b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
	b.cmd = nil
	b.stdin = nil
	b.stdout = nil
	b.diedAt = time.Now()
	b.everDied = true
}
