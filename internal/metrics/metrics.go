// Package metrics exposes pipeline counters through Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. Counters are plain atomics so
// the hot path never touches Prometheus; the registry reads them lazily
// through GaugeFunc collectors when scraped.
type Metrics struct {
	// Capture / demux
	FramesDemuxed   atomic.Uint64
	DemuxerResets   atomic.Uint64
	FramesSampled   atomic.Uint64
	SessionRestarts atomic.Uint64

	// Queue
	QueueAccepted atomic.Uint64
	QueueRejected atomic.Uint64
	QueueDepth    atomic.Uint64

	// Inference / orchestration
	FramesProcessed  atomic.Uint64
	DetectionsTotal  atomic.Uint64
	BatchesPublished atomic.Uint64
	InferenceErrors  atomic.Uint64
	InferenceMs      atomic.Uint64 // Latency of the most recent frame join

	// Viewers
	MediaSubscribers atomic.Uint64
	EventSubscribers atomic.Uint64

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own Prometheus registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.register()
	return m
}

func (m *Metrics) register() {
	gauges := []struct {
		name string
		help string
		load func() uint64
	}{
		{"relay_frames_demuxed_total", "Frames extracted from capture streams", m.FramesDemuxed.Load},
		{"relay_demuxer_resets_total", "Demuxer buffer overflow resets", m.DemuxerResets.Load},
		{"relay_frames_sampled_total", "Frames submitted for detection", m.FramesSampled.Load},
		{"relay_session_restarts_total", "Capture sessions restarted by liveness checks", m.SessionRestarts.Load},
		{"relay_queue_accepted_total", "Frame queue entries accepted", m.QueueAccepted.Load},
		{"relay_queue_rejected_total", "Frame queue entries dropped at capacity", m.QueueRejected.Load},
		{"relay_queue_depth", "Current frame queue depth", m.QueueDepth.Load},
		{"relay_frames_processed_total", "Frames run through inference", m.FramesProcessed.Load},
		{"relay_detections_total", "Predictions surviving class filters", m.DetectionsTotal.Load},
		{"relay_batches_published_total", "Detection batches broadcast to viewers", m.BatchesPublished.Load},
		{"relay_inference_errors_total", "Backend calls that failed open", m.InferenceErrors.Load},
		{"relay_inference_latency_ms", "Latency of the most recent detection join", m.InferenceMs.Load},
		{"relay_media_subscribers", "Connected MJPEG viewers", m.MediaSubscribers.Load},
		{"relay_event_subscribers", "Connected event viewers", m.EventSubscribers.Load},
	}

	for _, g := range gauges {
		load := g.load
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(load()) },
		))
	}
}

// ObserveInference records the wall time of one detection join.
func (m *Metrics) ObserveInference(start time.Time) {
	m.InferenceMs.Store(uint64(time.Since(start).Milliseconds()))
}

// Handler returns the Prometheus scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on its own listener.
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
