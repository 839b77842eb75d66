package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sitesight/visionrelay/internal/broadcast"
	"github.com/sitesight/visionrelay/internal/capture"
	"github.com/sitesight/visionrelay/internal/detection"
	"github.com/sitesight/visionrelay/internal/framequeue"
	"github.com/sitesight/visionrelay/internal/inference"
	"github.com/sitesight/visionrelay/internal/logger"
	"github.com/sitesight/visionrelay/internal/metrics"
	"github.com/sitesight/visionrelay/internal/recorder"
	"github.com/sitesight/visionrelay/internal/server"
	"github.com/sitesight/visionrelay/pkg/types"
)

var (
	// Command-line flags
	httpAddr    = flag.String("http", ":8080", "HTTP server address")
	metricsAddr = flag.String("metrics", ":9090", "Metrics server address")
	pprofAddr   = flag.String("pprof", ":6060", "pprof server address")

	webcamDevice = flag.String("webcam", "/dev/video0", "V4L2 webcam device")
	videoFile    = flag.String("video", "", "Video file for playback sessions")
	captureFPS   = flag.Int("fps", 15, "Capture frame rate")
	captureW     = flag.Int("width", 640, "Capture width")
	captureH     = flag.Int("height", 480, "Capture height")
	jpegQuality  = flag.Int("quality", 5, "MJPEG quality (2-31, lower is better)")
	sampleEvery  = flag.Int("sample-every", 5, "Submit every Nth frame for detection")
	autoRestart  = flag.Bool("auto-restart", false, "Restart a session stopped by the liveness check")

	queueCapacity = flag.Int("queue", framequeue.DefaultCapacity, "Detection queue capacity")
	recordPath    = flag.String("record-path", "./recordings", "Clip recording output path")

	remoteURL     = flag.String("remote-url", "https://detect.roboflow.com", "Remote inference base URL")
	remoteModel   = flag.String("remote-model", "", "Remote inference model id")
	remoteVersion = flag.String("remote-version", "1", "Remote inference model version")
	remoteKey     = flag.String("remote-key", "", "Remote inference API key (or VISIONRELAY_API_KEY)")
	localCmd      = flag.String("local-cmd", "", "Local inference command, e.g. 'python3 detector.py'")
	confidence    = flag.Float64("confidence", 0.4, "Minimum prediction confidence")
	overlap       = flag.Float64("overlap", 0.3, "Remote inference overlap threshold")
	inferTimeout  = flag.Duration("infer-timeout", inference.DefaultTimeout, "Per-backend detection timeout")

	logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor = flag.Bool("log-color", true, "Enable colored log output")
)

// App wires the pipeline together: capture sessions, frame queue,
// detection orchestrator, broadcasters and the HTTP surface.
type App struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics  *metrics.Metrics
	media    *broadcast.Broadcaster
	events   *broadcast.Broadcaster
	queue    *framequeue.Queue
	orch     *detection.Orchestrator
	sessions *capture.Manager
	recorder *recorder.Recorder
	http     *server.Server
	local    *inference.LocalBackend
}

func main() {
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	logger.Info("Main", "visionrelay starting...")
	logger.Info("Main", "Log level: %s", level)

	app, err := NewApp()
	if err != nil {
		log.Fatalf("Failed to create app: %v", err)
	}

	app.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")
	if err := app.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Server stopped")
}

// NewApp builds the pipeline from flags.
func NewApp() (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.New()
	media := broadcast.New("Media", true)
	events := broadcast.New("Events", false)

	app := &App{
		ctx:     ctx,
		cancel:  cancel,
		metrics: m,
		media:   media,
		events:  events,
	}

	opts := inference.Options{Confidence: *confidence, Overlap: *overlap}

	var detectors []detection.Detector
	apiKey := *remoteKey
	if apiKey == "" {
		apiKey = os.Getenv("VISIONRELAY_API_KEY")
	}
	if apiKey != "" && *remoteModel != "" {
		backend := inference.NewHTTPBackend(inference.HTTPConfig{
			BaseURL: *remoteURL,
			Model:   *remoteModel,
			Version: *remoteVersion,
			APIKey:  apiKey,
		})
		detectors = append(detectors, inference.NewGateway(backend, *inferTimeout, opts))
		logger.Info("Main", "Remote backend: %s/%s/%s", *remoteURL, *remoteModel, *remoteVersion)
	}
	if *localCmd != "" {
		backend := inference.NewLocalBackend(inference.LocalConfig{
			Command: strings.Fields(*localCmd),
		})
		app.local = backend
		detectors = append(detectors, inference.NewGateway(backend, *inferTimeout, opts))
		logger.Info("Main", "Local backend: %s", *localCmd)
	}
	if len(detectors) == 0 {
		logger.Warn("Main", "No inference backend configured, detection disabled")
	}

	app.orch = detection.New(detection.DefaultConfig(), detectors, events, m)
	app.queue = framequeue.New(*queueCapacity, func(f types.Frame) error {
		app.orch.ProcessFrame(app.ctx, f.Data, f.Number, f.Source)
		return nil
	})

	sessions := make(map[string]*capture.Session)
	webcamCfg := capture.DefaultConfig(types.SourceWebcam)
	webcamCfg.SampleEvery = *sampleEvery
	webcamCfg.AutoRestart = *autoRestart
	sessions["webcam"] = capture.NewSession(webcamCfg,
		capture.CommandLauncher(capture.WebcamCommand(*webcamDevice, *captureW, *captureH, *captureFPS, *jpegQuality)),
		media, app.queue, m, app.publishError)

	if *videoFile != "" {
		videoCfg := capture.DefaultConfig(types.SourceVideo)
		videoCfg.SampleEvery = *sampleEvery
		sessions["video"] = capture.NewSession(videoCfg,
			capture.CommandLauncher(capture.VideoCommand(*videoFile, *captureFPS, *jpegQuality)),
			media, app.queue, m, app.publishError)
	}
	app.sessions = capture.NewManager(sessions)

	app.recorder = recorder.New(*recordPath, media)
	app.http = server.New(server.Config{Addr: *httpAddr}, app.sessions, media, events, app.orch, app.queue, app.recorder, m)
	return app, nil
}

// Start launches the servers and the status loop.
func (a *App) Start() {
	logger.Info("Main", "HTTP server: %s", *httpAddr)
	logger.Info("Main", "Metrics server: %s", *metricsAddr)
	logger.Info("Main", "pprof server: %s", *pprofAddr)
	logger.Info("Main", "Sessions: %s", strings.Join(a.sessions.Names(), ", "))

	go func() {
		if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
			logger.Warn("Main", "pprof server error: %v", err)
		}
	}()

	go func() {
		if err := a.metrics.StartServer(*metricsAddr); err != nil {
			logger.Warn("Main", "Metrics server error: %v", err)
		}
	}()

	go func() {
		if err := a.http.ListenAndServe(); err != nil {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	a.wg.Add(1)
	go a.statusLoop()
}

// publishError turns a session failure into an event viewers can see.
func (a *App) publishError(source types.Source, message string) {
	payload, err := json.Marshal(map[string]any{
		"eventType": "error",
		"source":    source,
		"message":   message,
		"timestamp": float64(time.Now().UnixMilli()) / 1000,
	})
	if err != nil {
		return
	}
	a.events.Publish(payload)
}

// statusLoop pushes a periodic status event so viewers can render
// session state without polling.
func (a *App) statusLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if a.events.SubscriberCount() == 0 {
				continue
			}
			processed, detections := a.orch.Totals()
			payload, err := json.Marshal(map[string]any{
				"eventType":       "status",
				"sessions":        a.sessions.Status(),
				"queueDepth":      a.queue.Depth(),
				"framesProcessed": processed,
				"totalDetections": detections,
				"timestamp":       float64(time.Now().Unix()),
			})
			if err != nil {
				continue
			}
			a.events.Publish(payload)
		}
	}
}

// Shutdown stops sessions first so no new work enters the pipeline,
// then drains the HTTP server.
func (a *App) Shutdown() error {
	a.cancel()
	a.wg.Wait()

	a.sessions.StopAll()
	a.queue.Close()
	if err := a.recorder.Close(); err != nil {
		logger.Warn("Main", "closing recorder: %v", err)
	}
	if a.local != nil {
		a.local.Close()
	}
	a.media.Close()
	a.events.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.http.Shutdown(ctx)
}
