// Package main provides the channeltrack service entry point. It wires the
// camera array's detection source through identity resolution and the
// vessel event lifecycle, and serves the status API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Spatial-NVR/channeltrack/internal/api"
	"github.com/Spatial-NVR/channeltrack/internal/config"
	"github.com/Spatial-NVR/channeltrack/internal/core"
	"github.com/Spatial-NVR/channeltrack/internal/database"
	"github.com/Spatial-NVR/channeltrack/internal/detection"
	"github.com/Spatial-NVR/channeltrack/internal/events"
	"github.com/Spatial-NVR/channeltrack/internal/georef"
	"github.com/Spatial-NVR/channeltrack/internal/identity"
	"github.com/Spatial-NVR/channeltrack/internal/logging"
	"github.com/Spatial-NVR/channeltrack/internal/pipeline"
	"github.com/Spatial-NVR/channeltrack/internal/topology"
)

const defaultDataPath = "/data"

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("channeltrack exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	dataPath := getEnv("DATA_PATH", defaultDataPath)
	configPath := findConfigFile(dataPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// LOG_LEVEL overrides the file; otherwise the level follows config reloads
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel()))
	envLevel := os.Getenv("LOG_LEVEL")
	if envLevel != "" {
		level.Set(logging.ParseLevel(envLevel))
	}
	logBuffer := logging.NewBuffer(1000)
	logger := logging.New(os.Stdout, cfg.System.Logging.Format, level, logBuffer)
	slog.SetDefault(logger)
	cfg.SetLogger(logger)

	logger.Info("Starting channeltrack",
		"version", version,
		"config_path", configPath,
		"cameras", len(cfg.Cameras))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.Watch(ctx); err != nil {
		logger.Warn("Config watch disabled", "error", err)
	}
	cfg.OnChange(func(c *config.Config) {
		if envLevel == "" {
			level.Set(logging.ParseLevel(c.LogLevel()))
		}
	})

	// Persistence
	dbCfg := database.DefaultConfig(cfg.System.DataPath)
	dbCfg.Path = cfg.Database.Path
	db, err := database.Open(dbCfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.Checkpoint(cctx); err != nil {
			logger.Warn("WAL checkpoint failed", "error", err)
		}
		_ = db.Close()
	}()

	if err := database.NewMigrator(db, logger).Run(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	store := events.NewStore(db, logger)
	tracker := events.NewTracker(store, cfg.Tracking.TrackingInterval, logger)

	// Camera array
	topo, err := cfg.Topology()
	if err != nil {
		return err
	}
	cameras, infos, err := buildCameras(cfg, topo, logger)
	if err != nil {
		return err
	}

	resolver, err := identity.NewResolver(topo, identity.Config{
		Classes:        cfg.Tracking.Classes,
		Dim:            cfg.Tracking.EmbeddingDim,
		SizeThreshold:  sizeThreshold(cfg.Tracking),
		MatchThreshold: cfg.Tracking.MatchThreshold,
		BindingTTL:     cfg.Tracking.BindingTTL,
		ExitTimeout:    cfg.Tracking.ExitTimeout,
		SweepInterval:  cfg.Tracking.SweepInterval,
		OnEvict: func(ctx context.Context, now time.Time, evicted []identity.Ref) {
			if _, err := tracker.Expire(ctx, evicted, now); err != nil {
				logger.Error("Failed to close events of evicted identities", "error", err)
			}
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer resolver.Close()

	// Event bus
	ports := core.NewPortManager()
	bus, err := core.NewEventBus(core.EventBusConfig{
		Host:        cfg.EventBus.Host,
		Port:        cfg.EventBus.Port,
		PortManager: ports,
	}, logger)
	if err != nil {
		return err
	}
	defer bus.Stop()

	hub := api.NewHub(logger)

	source, closeSource, err := buildSource(cfg, bus, resolver, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	orch, err := pipeline.NewOrchestrator(pipeline.Config{
		Topology:      topo,
		Cameras:       cameras,
		Terminal:      cfg.TerminalCamera(topo),
		Resolver:      resolver,
		Tracker:       tracker,
		Source:        source,
		Publishers:    []pipeline.Publisher{bus, hub},
		CycleInterval: cfg.Tracking.CycleInterval,
		FetchTimeout:  cfg.Tracking.FetchTimeout,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	server := api.NewServer(api.ServerConfig{
		Events:  store,
		Active:  tracker,
		Gallery: resolver,
		Cameras: infos,
		Hub:     hub,
		Logs:    logBuffer,
		Checks: map[string]api.HealthCheck{
			"database":  db.Health,
			"event_bus": bus.HealthCheck,
		},
		CORSOrigins: cfg.API.CORSOrigins,
		Version:     version,
		Logger:      logger,
	})

	apiPort, err := ports.ReserveOrFind(cfg.API.Port, "api")
	if err != nil {
		return fmt.Errorf("failed to allocate API port: %w", err)
	}
	if apiPort != cfg.API.Port {
		logger.Info("API port conflict detected, using alternative",
			"preferred", cfg.API.Port, "actual", apiPort)
	}
	ports.Release(apiPort)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.API.Address, apiPort),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket and log streams
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		pipeline.RelayNotifications(gctx, tracker.Subscribe(), logger, bus, hub)
		return nil
	})
	g.Go(func() error {
		resolver.Run(gctx)
		return nil
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("Server starting", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Server stopped", "open_events", len(tracker.Active()))
	return nil
}

// buildCameras calibrates every configured camera. An uncalibrated camera
// is kept in the topology; its detections are skipped until it has enough
// control points.
func buildCameras(cfg *config.Config, topo *topology.Topology, logger *slog.Logger) (map[string]pipeline.CameraGeo, []api.CameraInfo, error) {
	terminal := cfg.TerminalCamera(topo)
	cameras := make(map[string]pipeline.CameraGeo, len(cfg.Cameras))
	infos := make([]api.CameraInfo, 0, len(cfg.Cameras))

	for i := range cfg.Cameras {
		cc := &cfg.Cameras[i]

		var ref *georef.Referencer
		if len(cc.GCP) > 0 {
			r, err := cc.Referencer()
			if err != nil {
				return nil, nil, err
			}
			ref = r
		}
		calibrated := ref != nil && ref.Calibrated()
		if !calibrated {
			logger.Warn("Camera is not calibrated, its detections will be skipped",
				"camera_id", cc.ID, "control_points", len(cc.GCP))
		}
		est, err := cc.DimensionEstimator()
		if err != nil {
			return nil, nil, err
		}
		channels := cc.ChannelClassifier()

		cameras[cc.ID] = pipeline.CameraGeo{Referencer: ref, Channels: channels, Estimator: est}

		info := api.CameraInfo{
			ID:           cc.ID,
			Name:         cc.Name,
			Predecessors: topo.Predecessors(cc.ID),
			Depth:        topo.Depth(cc.ID),
			Terminal:     cc.ID == terminal,
			Calibrated:   calibrated,
			Measurement:  est != nil,
		}
		for _, region := range channels.Regions() {
			info.ChannelRegions = append(info.ChannelRegions, region.Name)
		}
		infos = append(infos, info)
	}
	return cameras, infos, nil
}

// sizeThreshold maps a configured threshold of 0 to the resolver's
// no-threshold setting
func sizeThreshold(t config.TrackingConfig) float64 {
	switch {
	case t.SizeThreshold == nil:
		return identity.DefaultSizeThreshold
	case *t.SizeThreshold == 0:
		return identity.NoSizeThreshold
	}
	return *t.SizeThreshold
}

// buildSource selects where detection batches come from
func buildSource(cfg *config.Config, bus *core.EventBus, resolver *identity.Resolver, logger *slog.Logger) (pipeline.BatchSource, func(), error) {
	d := cfg.Detection
	switch d.Source {
	case config.DetectionSourceHTTP:
		client, err := detection.NewClient(detection.ClientConfig{
			Address:       d.Address,
			Timeout:       d.Timeout,
			MinConfidence: d.MinConfidence,
			Classes:       cfg.Tracking.Classes,
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, err
		}
		grabber := detection.NewSnapshotGrabber(detection.SnapshotConfig{
			BaseURL: d.SnapshotURL,
			Streams: d.Streams,
			Timeout: d.Timeout,
			Logger:  logger,
		})
		logger.Info("Pulling detections from detector service",
			"detector", d.Address, "snapshots", d.SnapshotURL)
		return &pipeline.DetectorSource{Frames: grabber, Detector: client}, func() {}, nil
	default:
		src, err := pipeline.NewBusSource(bus, pipeline.TrackEndedHandler(resolver, logger), logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Consuming detections from event bus",
			"subject", core.SubjectDetectionsPrefix+"*")
		return src, src.Close, nil
	}
}

func findConfigFile(dataPath string) string {
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		return configPath
	}

	locations := []string{
		filepath.Join(dataPath, "config.yaml"),
		"./config/config.yaml",
		"/config/config.yaml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return filepath.Join(dataPath, "config.yaml")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
