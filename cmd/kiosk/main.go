package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/facegate/internal/attendance"
	"github.com/your-org/facegate/internal/camera"
	"github.com/your-org/facegate/internal/config"
	"github.com/your-org/facegate/internal/identity"
	"github.com/your-org/facegate/internal/observability"
	"github.com/your-org/facegate/internal/queue"
	"github.com/your-org/facegate/internal/recognition"
	"github.com/your-org/facegate/internal/storage"
	"github.com/your-org/facegate/internal/vision"
	"github.com/your-org/facegate/internal/workflow"
)

// The kiosk agent runs the walk-up check-in loop on a door device:
// identify whoever steps in front of the camera, flip their attendance,
// wait out a cooldown, repeat.
func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	storeIDStr := flag.String("store-id", "", "store this kiosk belongs to (uuid, required)")
	cooldown := flag.Duration("cooldown", 5*time.Second, "pause between scan cycles")
	flag.Parse()

	storeID, err := uuid.Parse(*storeIDStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -store-id: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting facegate kiosk agent", "store_id", storeID)

	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(context.Background()); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}

	ort.SetSharedLibraryPath(getONNXLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Error("onnx runtime init", "error", err)
		os.Exit(1)
	}
	defer ort.DestroyEnvironment()

	detector := vision.NewPresenceDetector(cfg.Detector)
	defer detector.Close()

	manager := workflow.NewManager(workflow.Deps{
		Device: &camera.FFmpegDevice{Source: cfg.Camera.Device},
		Constraints: camera.Constraints{
			FPS:    cfg.Camera.FPS,
			Width:  cfg.Camera.Width,
			Height: cfg.Camera.Height,
		},
		PollInterval: cfg.Detector.PollInterval,
		Detector:     detector,
		Client:       recognition.NewClient(cfg.Recognition),
		Resolver:     identity.NewReconciler(db, cfg.Detector.DuplicateThreshold),
		Attendance:   attendance.NewService(db),
		Publisher:    producer,
		Stills:       minioStore,
	})
	defer manager.StopAll()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("kiosk agent shutting down...")
		cancel()
	}()

	runLoop(ctx, manager, storeID, *cooldown)
	slog.Info("kiosk agent stopped")
}

// runLoop drives scan cycles until the context ends. A cycle that
// cannot open the camera backs off longer before trying again; staff
// fall back to card swipes against the API in the meantime.
func runLoop(ctx context.Context, manager *workflow.Manager, storeID uuid.UUID, cooldown time.Duration) {
	const cameraBackoff = 30 * time.Second

	for ctx.Err() == nil {
		orch, err := manager.StartIdentification(ctx, storeID)
		if err != nil {
			slog.Warn("scan cycle failed to start", "error", err)
			if orch != nil {
				_ = manager.Stop(orch.ID())
			}
			sleep(ctx, cameraBackoff)
			continue
		}

		snap := waitTerminal(ctx, orch)
		_ = manager.Stop(orch.ID())

		switch snap.State {
		case workflow.StateResolved:
			slog.Info("scan cycle resolved", "workflow_id", snap.ID)
			sleep(ctx, cooldown)
		case workflow.StateCameraUnavailable:
			slog.Warn("camera unavailable", "workflow_id", snap.ID, "error", snap.Error)
			sleep(ctx, cameraBackoff)
		default:
			slog.Warn("scan cycle failed", "workflow_id", snap.ID, "error", snap.Error)
			sleep(ctx, cooldown)
		}
	}
}

func waitTerminal(ctx context.Context, orch *workflow.Orchestrator) workflow.Snapshot {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		snap := orch.Snapshot()
		switch snap.State {
		case workflow.StateResolved, workflow.StateFailed, workflow.StateCameraUnavailable:
			return snap
		}

		select {
		case <-ctx.Done():
			return orch.Snapshot()
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func getONNXLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}
