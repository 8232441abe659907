// Command vas-core runs the stream-ingestion-and-lifecycle-orchestrator:
// RouterRPC, PortAllocator, the IngestionOrchestrator, HealthMonitor,
// RetentionManager, and the thin HTTP surface, wired together and served
// until an interrupt or SIGTERM asks for a graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ethan/vas-core/pkg/api"
	"github.com/ethan/vas-core/pkg/config"
	"github.com/ethan/vas-core/pkg/health"
	"github.com/ethan/vas-core/pkg/logger"
	"github.com/ethan/vas-core/pkg/orchestrator"
	"github.com/ethan/vas-core/pkg/portalloc"
	"github.com/ethan/vas-core/pkg/retention"
	"github.com/ethan/vas-core/pkg/router"
	"github.com/ethan/vas-core/pkg/session"
)

func main() {
	fs := flag.NewFlagSet("vas-core", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	envPath := fs.String("env", ".env", "path to an optional .env file")
	cameras := fs.String("cameras", "", "comma-separated camera_id=rtsp_url pairs to seed at boot")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Stream ingestion and lifecycle orchestrator core\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logger: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "router_url", cfg.RouterURL, "http_addr", cfg.HTTPAddr)

	repo := newMemRepository()
	seeded := seedCameras(repo, *cameras, log)
	log.Info("cameras seeded", "count", seeded)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	rpc := router.New(cfg.RouterURL, log.With("component", "router"))
	if err := rpc.Connect(ctx); err != nil {
		log.Error("initial router connect failed, will retry lazily", "error", err)
	}
	defer rpc.Close()

	ports := portalloc.New(cfg.PortRangeStart, cfg.PortRangeEnd)
	registry := session.NewRegistry()

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.RouterHost = cfg.RouterHost
	orchCfg.RecordingsRoot = cfg.RecordingsRoot
	orchCfg.TranscoderBin = cfg.TranscoderBin
	orchCfg.OrphanSweepEnabled = cfg.OrphanSweepEnabled
	orch := orchestrator.New(orchCfg, repo, rpc, ports, registry, log.With("component", "orchestrator"))

	healthCfg := health.Config{
		CheckInterval:   time.Duration(cfg.HealthCheckIntervalS) * time.Second,
		StartDelay:      5 * time.Second,
		StaleThreshold:  cfg.HealthStaleThreshold,
		RestartCooldown: time.Duration(cfg.HealthRestartCooldownS) * time.Second,
		MaxAttempts:     cfg.HealthMaxAttempts,
	}
	healthMon := health.New(healthCfg, rpc, func(ctx context.Context, roomID string) error {
		cameraID, err := uuid.Parse(roomID)
		if err != nil {
			return fmt.Errorf("room id %q is not a camera id: %w", roomID, err)
		}
		return orch.Restart(ctx, cameraID)
	}, log.With("component", "health"))

	orch.OnHealthRegister = healthMon.Register
	orch.OnHealthUnregister = healthMon.Unregister
	orch.OnHealthMarkHealthy = healthMon.MarkHealthy

	healthMon.Start(ctx)
	defer healthMon.Stop()

	retentionCfg := retention.DefaultConfig()
	retentionCfg.RecordingsRoot = cfg.RecordingsRoot
	retentionCfg.RetentionDays = cfg.RetentionDays
	retentionMgr := retention.New(retentionCfg, log.With("component", "retention"))
	retentionMgr.Start(ctx)
	defer retentionMgr.Stop()

	apiServer := api.NewServer(orch, healthMon, repo, log.With("component", "api"))
	if err := apiServer.Start(ctx, cfg.HTTPAddr); err != nil {
		log.Error("failed to start HTTP server", "error", err)
		os.Exit(1)
	}
	log.Info("HTTP server started", "address", cfg.HTTPAddr)

	startConfiguredCameras(ctx, repo, orch, log)

	log.Info("running - press Ctrl+C to stop")
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("error stopping HTTP server", "error", err)
	}

	log.Info("shutdown complete")
}

// seedCameras parses "id=rtsp_url,id=rtsp_url" pairs from the --cameras
// flag into the in-memory repository.
func seedCameras(repo *memRepository, spec string, log *logger.Logger) int {
	if spec == "" {
		return 0
	}
	count := 0
	for _, pair := range strings.Split(spec, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			log.Warn("skipping malformed --cameras entry", "entry", pair)
			continue
		}
		id, err := uuid.Parse(strings.TrimSpace(parts[0]))
		if err != nil {
			log.Warn("skipping --cameras entry with invalid uuid", "entry", pair, "error", err)
			continue
		}
		repo.addCamera(id, strings.TrimSpace(parts[1]), id.String())
		count++
	}
	return count
}

// startConfiguredCameras kicks off Start for every seeded camera so a fresh
// boot brings every configured stream up without a separate operator call.
func startConfiguredCameras(ctx context.Context, repo *memRepository, orch *orchestrator.Orchestrator, log *logger.Logger) {
	repo.mu.Lock()
	ids := make([]uuid.UUID, 0, len(repo.cameras))
	for id := range repo.cameras {
		ids = append(ids, id)
	}
	repo.mu.Unlock()

	for _, id := range ids {
		if _, err := orch.Start(ctx, id); err != nil {
			log.Error("initial start failed for camera", "camera_id", id, "error", err)
		}
	}
}
