// Package detection merges results from multiple inference backends,
// applies class trust policy and publishes detection batches to viewers.
package detection

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sitesight/visionrelay/internal/broadcast"
	"github.com/sitesight/visionrelay/internal/inference"
	"github.com/sitesight/visionrelay/internal/logger"
	"github.com/sitesight/visionrelay/internal/metrics"
	"github.com/sitesight/visionrelay/pkg/types"
)

// Frame dimensions reported to viewers when no backend provides them.
// These match the historical capture default and may disagree with a
// reconfigured capture resolution; they are a fallback, not a contract.
const (
	DefaultFrameWidth  = 640
	DefaultFrameHeight = 480
)

// Batch is the unit broadcast to viewers for one processed frame.
type Batch struct {
	EventType   string                 `json:"eventType"`
	FrameNumber uint64                 `json:"frameNumber"`
	Source      types.Source           `json:"source"`
	FrameWidth  int                    `json:"frameWidth"`
	FrameHeight int                    `json:"frameHeight"`
	Predictions []inference.Prediction `json:"predictions"`
	Timestamp   float64                `json:"timestamp"`
}

// Detector is the slice of the inference gateway the orchestrator uses.
type Detector interface {
	Name() string
	Detect(ctx context.Context, frame []byte) inference.Result
}

// Config holds the orchestrator's trust policy.
type Config struct {
	// AllowedClasses maps a backend name to the classes its output is
	// trusted for. A backend absent from the map contributes nothing; an
	// explicit empty list would likewise drop everything. Different
	// models specialize in different object categories and are not
	// trusted outside their specialty.
	AllowedClasses map[string][]string
}

// DefaultConfig mirrors the deployed model split: the hosted PPE model
// is trusted for garment classes, the local model for person/headgear.
func DefaultConfig() Config {
	return Config{
		AllowedClasses: map[string][]string{
			"remote": {"vest", "glove", "jacket"},
			"local":  {"person", "hardhat", "helmet", "no-hardhat"},
		},
	}
}

// Orchestrator fans one frame out to all configured detectors, joins
// their results and emits at most one Batch per frame.
type Orchestrator struct {
	detectors []Detector
	allow     map[string]map[string]bool
	events    *broadcast.Broadcaster
	metrics   *metrics.Metrics

	totalProcessed  atomic.Uint64
	totalDetections atomic.Uint64
}

// New creates an Orchestrator publishing batches to events. metrics may
// be nil (tests).
func New(cfg Config, detectors []Detector, events *broadcast.Broadcaster, m *metrics.Metrics) *Orchestrator {
	allow := make(map[string]map[string]bool, len(cfg.AllowedClasses))
	for backend, classes := range cfg.AllowedClasses {
		set := make(map[string]bool, len(classes))
		for _, c := range classes {
			set[c] = true
		}
		allow[backend] = set
	}
	return &Orchestrator{
		detectors: detectors,
		allow:     allow,
		events:    events,
		metrics:   m,
	}
}

// ProcessFrame dispatches the frame to every detector concurrently,
// waits for all of them to settle (gateway timeouts guarantee the join
// terminates), filters and merges predictions, and publishes a Batch if
// any prediction survived. It returns the batch, or nil when the frame
// produced nothing broadcastable.
func (o *Orchestrator) ProcessFrame(ctx context.Context, frame []byte, frameNumber uint64, source types.Source) *Batch {
	start := time.Now()
	results := make([]inference.Result, len(o.detectors))

	var wg sync.WaitGroup
	for i, d := range o.detectors {
		wg.Add(1)
		go func(i int, d Detector) {
			defer wg.Done()
			results[i] = d.Detect(ctx, frame)
		}(i, d)
	}
	wg.Wait()

	width, height := 0, 0
	var merged []inference.Prediction
	for i, d := range o.detectors {
		res := results[i]
		if width == 0 && res.ImageWidth > 0 && res.ImageHeight > 0 {
			width, height = res.ImageWidth, res.ImageHeight
		}
		allowed := o.allow[d.Name()]
		for _, p := range res.Predictions {
			if !allowed[p.Class] {
				logger.Debug("Orchestrator", "dropping %q from %s (outside specialty)", p.Class, d.Name())
				continue
			}
			merged = append(merged, p)
		}
	}

	if width == 0 {
		width, height = DefaultFrameWidth, DefaultFrameHeight
	}

	o.totalProcessed.Add(1)
	o.totalDetections.Add(uint64(len(merged)))
	if o.metrics != nil {
		o.metrics.FramesProcessed.Add(1)
		o.metrics.DetectionsTotal.Add(uint64(len(merged)))
		o.metrics.ObserveInference(start)
	}

	// Empty batches are not broadcast; viewers only hear about frames
	// that actually contained something.
	if len(merged) == 0 {
		return nil
	}

	batch := &Batch{
		EventType:   "detections",
		FrameNumber: frameNumber,
		Source:      source,
		FrameWidth:  width,
		FrameHeight: height,
		Predictions: merged,
		Timestamp:   float64(time.Now().UnixMilli()) / 1000,
	}
	o.publish(batch)
	return batch
}

func (o *Orchestrator) publish(batch *Batch) {
	if o.events == nil {
		return
	}
	data, err := json.Marshal(batch)
	if err != nil {
		logger.Error("Orchestrator", "marshal batch for frame %d: %v", batch.FrameNumber, err)
		return
	}
	o.events.Publish(data)
	if o.metrics != nil {
		o.metrics.BatchesPublished.Add(1)
	}
}

// Totals reports frames processed and detections kept since startup.
func (o *Orchestrator) Totals() (processed, detections uint64) {
	return o.totalProcessed.Load(), o.totalDetections.Load()
}
