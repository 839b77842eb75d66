package inference

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sitesight/visionrelay/internal/logger"
)

// DefaultTimeout bounds one detection call through the gateway.
const DefaultTimeout = 10 * time.Second

// Gateway wraps a Backend with a call timeout and a fail-open policy:
// Detect always returns a Result. Network errors, timeouts and malformed
// responses become an empty prediction list plus a log line, because one
// bad frame must never halt the pipeline.
type Gateway struct {
	backend Backend
	timeout time.Duration
	opts    Options

	failures atomic.Uint64
}

// NewGateway wraps backend. timeout <= 0 selects DefaultTimeout.
func NewGateway(backend Backend, timeout time.Duration, opts Options) *Gateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gateway{backend: backend, timeout: timeout, opts: opts}
}

// Name reports the wrapped backend's name.
func (g *Gateway) Name() string { return g.backend.Name() }

// Detect runs one detection call. The returned Result is empty (never
// nil predictions semantics, just zero length) when the backend failed.
func (g *Gateway) Detect(ctx context.Context, frame []byte) Result {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := g.backend.Detect(callCtx, frame, g.opts)
	if err != nil {
		g.failures.Add(1)
		logger.Warn("InferenceGateway", "%s backend failed, returning empty result: %v", g.backend.Name(), err)
		return Result{}
	}
	return result
}

// Failures reports how many calls have failed since startup.
func (g *Gateway) Failures() uint64 { return g.failures.Load() }
