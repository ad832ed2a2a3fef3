package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/vigil/internal/agent/registry"
	"github.com/kandev/vigil/internal/agent/runtime"
	"github.com/kandev/vigil/internal/api"
	"github.com/kandev/vigil/internal/backend"
	"github.com/kandev/vigil/internal/capture"
	"github.com/kandev/vigil/internal/common/config"
	"github.com/kandev/vigil/internal/common/logger"
	"github.com/kandev/vigil/internal/common/tracing"
	"github.com/kandev/vigil/internal/db"
	"github.com/kandev/vigil/internal/detection"
	"github.com/kandev/vigil/internal/events/bus"
	"github.com/kandev/vigil/internal/events/publisher"
	"github.com/kandev/vigil/internal/gateway/websocket"
	"github.com/kandev/vigil/internal/scheduler"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Vigil...", zap.Bool("tracing", tracing.Enabled()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (NATS when configured, in-memory otherwise)
	eventBus, err := bus.Provide(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 4. Database and agent registry
	conn, closeDB, err := db.Provide(cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() {
		if err := closeDB(); err != nil {
			log.Warn("Database close error", zap.Error(err))
		}
	}()

	store, err := registry.NewSQLStore(conn)
	if err != nil {
		log.Fatal("Failed to initialize agent store", zap.Error(err))
	}
	reg := registry.New(store, log)
	if err := reg.Load(ctx); err != nil {
		log.Fatal("Failed to load agents", zap.Error(err))
	}
	if cfg.Agents.SeedFile != "" {
		seeded, err := seedAgents(ctx, reg, cfg.Agents.SeedFile)
		if err != nil {
			log.Fatal("Failed to seed agents", zap.String("file", cfg.Agents.SeedFile), zap.Error(err))
		}
		if seeded > 0 {
			log.Info("Seeded agents", zap.Int("count", seeded))
		}
	}
	log.Info("Loaded agent registry", zap.Int("agents", reg.Len()))

	// 5. Runtime state and detection log
	states := runtime.NewStore()
	detections := detection.NewLog(cfg.Detections.Capacity)

	var mirror *detection.SQLMirror
	if cfg.Detections.Persist {
		mirror, err = detection.NewSQLMirror(conn, detections.Capacity(), log)
		if err != nil {
			log.Fatal("Failed to initialize detection store", zap.Error(err))
		}
		restored, err := mirror.Restore(ctx, detections)
		if err != nil {
			log.Warn("Failed to restore detections", zap.Error(err))
		}
		mirror.Attach(detections)
		mirror.Start(ctx)
		log.Info("Restored detections", zap.Int("count", restored))
	}

	// 6. Forward state changes to the bus
	pub := publisher.New(eventBus, log)
	pub.WatchRegistry(reg)
	pub.WatchRuntime(states)
	pub.WatchDetections(detections)

	// 7. Inference backend
	client, err := backend.NewHTTPClient(backend.ClientConfig{
		BaseURL:        cfg.Backend.URL,
		RequestTimeout: cfg.Backend.RequestTimeoutDuration(),
		SubmitTimeout:  cfg.Backend.SubmitTimeoutDuration(),
		InitTimeout:    cfg.Backend.InitTimeoutDuration(),
		ModelName:      cfg.Backend.ModelName,
		Temperature:    cfg.Backend.Temperature,
		LoadIn4Bit:     cfg.Backend.LoadIn4Bit,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize backend client", zap.Error(err))
	}

	// 8. Capture source
	source, fileSource, err := newCaptureSource(cfg.Capture)
	if err != nil {
		log.Fatal("Failed to initialize capture source", zap.Error(err))
	}

	// 9. Scheduler
	schedCfg := scheduler.DefaultConfig()
	schedCfg.StatusPollInterval = cfg.Scheduler.StatusPollDuration()
	schedCfg.CountdownInterval = cfg.Scheduler.CountdownDuration()
	schedCfg.OverrunWarnThreshold = cfg.Scheduler.OverrunWarnThreshold
	schedCfg.ShutdownOnExit = cfg.Backend.ShutdownOnExit
	sched := scheduler.New(schedCfg, client, source, reg, states, detections, eventBus, log)
	if err := sched.Start(ctx); err != nil {
		log.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// 10. Capture device watcher
	var watcher *capture.Watcher
	if fileSource != nil && cfg.Capture.Watch {
		watcher = capture.NewWatcher(fileSource, func(devices []capture.Device) {
			sched.HandleDevicesChanged(devices)
			pub.DevicesChanged(devices)
		}, log)
		if err := watcher.Start(ctx); err != nil {
			log.Warn("Capture watcher disabled", zap.Error(err))
			watcher = nil
		}
	}

	// 11. WebSocket gateway
	hub := websocket.NewHub(log)
	if err := hub.Attach(eventBus); err != nil {
		log.Fatal("Failed to subscribe websocket hub", zap.Error(err))
	}
	go hub.Run(ctx)

	// 12. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(log)
	api.SetupRoutes(router.Group("/api/v1"), api.NewHandler(sched, detections, source, client, log))
	websocket.RegisterRoutes(router, websocket.NewHandler(hub, log))

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Vigil...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if watcher != nil {
		watcher.Stop()
	}
	if err := sched.Stop(); err != nil {
		log.Error("Scheduler stop error", zap.Error(err))
	}
	cancel()
	pub.Close()
	if mirror != nil {
		mirror.Stop()
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Vigil stopped")
}

func seedAgents(ctx context.Context, reg *registry.Registry, path string) (int, error) {
	agents, err := registry.LoadSeed(path)
	if err != nil {
		return 0, err
	}
	return reg.Seed(ctx, agents)
}

// newCaptureSource builds the configured source. The file source is also
// returned so the caller can watch its directory.
func newCaptureSource(cfg config.CaptureConfig) (capture.Source, *capture.FileSource, error) {
	switch cfg.Kind {
	case "file":
		fs := capture.NewFileSource(cfg.Dir, cfg.TimeoutDuration())
		fs.Select(cfg.Device)
		return fs, fs, nil
	case "http":
		return capture.NewHTTPSource(cfg.URL, cfg.TimeoutDuration()), nil, nil
	case "static":
		data, err := testPattern(64, 64)
		if err != nil {
			return nil, nil, err
		}
		return capture.NewStaticSource(data, 64, 64), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported capture kind: %s", cfg.Kind)
	}
}

func testPattern(w, h int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
