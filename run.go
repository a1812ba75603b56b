package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vzahanych/defect-overlay/internal/ai"
	"github.com/vzahanych/defect-overlay/internal/config"
	"github.com/vzahanych/defect-overlay/internal/health"
	"github.com/vzahanych/defect-overlay/internal/logger"
	"github.com/vzahanych/defect-overlay/internal/overlay"
	"github.com/vzahanych/defect-overlay/internal/pipeline"
	"github.com/vzahanych/defect-overlay/internal/service"
	"github.com/vzahanych/defect-overlay/internal/video"
	"github.com/vzahanych/defect-overlay/internal/web"
)

const shutdownTimeout = 30 * time.Second

// loadConfig loads the configuration and builds the configured logger
func loadConfig() (*config.Service, *logger.Logger, error) {
	cfgSvc, err := config.NewService(configPath, logger.NewNopLogger(), envFiles...)
	if err != nil {
		return nil, nil, err
	}

	cfg := cfgSvc.Get()
	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	cfgSvc.SetLogger(log.Named("config"))
	return cfgSvc, log, nil
}

func newMapper(cfg config.OverlayConfig) (*overlay.Mapper, error) {
	palette, err := overlay.NewPalette(cfg.LabelColors)
	if err != nil {
		return nil, err
	}
	return overlay.NewMapper(overlay.Transform{
		Rotation: cfg.Transform.Rotation,
		MirrorX:  cfg.Transform.MirrorX,
		MirrorY:  cfg.Transform.MirrorY,
	}, palette)
}

func newClient(cfg config.InferenceConfig, log *logger.Logger) (*ai.Client, error) {
	return ai.NewClient(ai.ClientConfig{
		EndpointURL:      cfg.EndpointURL,
		APIKey:           cfg.APIKey,
		Timeout:          cfg.Timeout,
		MaxInFlight:      cfg.MaxInFlight,
		MaxResponseBytes: cfg.MaxResponseBytes,
	}, log)
}

// newSource builds the configured frame source. The ffmpeg wrapper is
// returned for health checking when the source uses it.
func newSource(cfg config.SourceConfig, log *logger.Logger) (video.FrameSource, *video.FFmpegWrapper, error) {
	switch cfg.Kind {
	case config.SourceKindPattern:
		return video.NewPatternSource(video.PatternSourceConfig{
			Width:    cfg.Width,
			Height:   cfg.Height,
			FPS:      cfg.FPS,
			Rotation: cfg.Rotation,
			PoolSize: cfg.PoolSize,
		}, log), nil, nil
	case config.SourceKindFFmpeg:
		ffmpeg, err := video.NewFFmpegWrapper(log)
		if err != nil {
			return nil, nil, err
		}
		return video.NewFFmpegSource(ffmpeg, video.FFmpegSourceConfig{
			Input:    cfg.Input,
			Format:   cfg.Format,
			Width:    cfg.Width,
			Height:   cfg.Height,
			FPS:      cfg.FPS,
			Rotation: cfg.Rotation,
			PoolSize: cfg.PoolSize,
			Realtime: cfg.Realtime,
			Loop:     cfg.Loop,
		}, log), ffmpeg, nil
	default:
		return nil, nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

func runPipeline(ctx context.Context) error {
	cfgSvc, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg := cfgSvc.Get()
	log.Info("Starting defect overlay",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
	)

	encoder := video.NewFrameEncoder(cfg.Encoder.Quality)
	client, err := newClient(cfg.Inference, log.Named("ai"))
	if err != nil {
		return err
	}
	mapper, err := newMapper(cfg.Overlay)
	if err != nil {
		return err
	}

	coordinator, err := pipeline.NewCoordinator(pipeline.Config{
		SampleInterval: cfg.Pipeline.SampleInterval,
		Dispatch:       cfg.Pipeline.Dispatch,
		RetainCycles:   cfg.Pipeline.RetainCycles,
		MaxAge:         cfg.Pipeline.MaxAge,
		MinConfidence:  cfg.Pipeline.MinConfidence,
		SurfaceWidth:   cfg.Overlay.SurfaceWidth,
		SurfaceHeight:  cfg.Overlay.SurfaceHeight,
	}, encoder, client, mapper, log.Named("pipeline"))
	if err != nil {
		return err
	}

	source, ffmpeg, err := newSource(cfg.Source, log.Named("source"))
	if err != nil {
		return err
	}

	svcMgr := service.NewManager(log)
	pipelineSvc := pipeline.NewService(source, coordinator, log.Named("pipeline"))
	svcMgr.Register(pipelineSvc)

	if cfg.Web.Enabled {
		webServer := web.NewServer(&cfg.Web, coordinator, log.Named("web"))
		webServer.SetVersion(version)
		webServer.SetDependencies(pipelineSvc, svcMgr, cfgSvc)
		svcMgr.Register(webServer)
	}

	if cfg.Health.Enabled {
		healthMgr := health.NewManager(log.Named("health"), svcMgr, fmt.Sprintf(":%d", cfg.Health.Port))
		healthMgr.RegisterChecker(&health.SystemChecker{})
		healthMgr.RegisterChecker(health.NewEndpointChecker(cfg.Inference.EndpointURL, 2*time.Second))
		healthMgr.RegisterChecker(health.NewPipelineChecker(coordinator, cfg.Health.StaleAfter, nil))
		if ffmpeg != nil {
			healthMgr.RegisterChecker(health.NewFFmpegChecker(ffmpeg))
		}
		svcMgr.Register(healthMgr)
	}

	cfgSvc.Watch(newReloadWatcher(coordinator, encoder, svcMgr.GetEventBus(), log))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := svcMgr.Start(ctx); err != nil {
		log.Error("Failed to start services", "error", err)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		_ = svcMgr.Shutdown(shutdownCtx)
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if err := cfgSvc.Reload(ctx); err != nil {
					log.Warn("Configuration reload failed", "error", err)
				}
				continue
			}
			log.Info("Received shutdown signal", "signal", sig)
		case <-ctx.Done():
		}
		break
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := svcMgr.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during shutdown", "error", err)
		return err
	}

	log.Info("Shutdown complete")
	return nil
}

// newReloadWatcher applies the settings that can change without a restart
func newReloadWatcher(coordinator *pipeline.Coordinator, encoder *video.FrameEncoder, bus *service.EventBus, log *logger.Logger) config.ConfigWatcher {
	return func(ctx context.Context, oldCfg, newCfg *config.Config) error {
		coordinator.SetInterval(newCfg.Pipeline.SampleInterval)
		coordinator.SetMinConfidence(newCfg.Pipeline.MinConfidence)
		encoder.SetQuality(newCfg.Encoder.Quality)

		mapper, err := newMapper(newCfg.Overlay)
		if err != nil {
			return err
		}
		coordinator.SetMapper(mapper)

		if newCfg.Overlay.SurfaceWidth != oldCfg.Overlay.SurfaceWidth || newCfg.Overlay.SurfaceHeight != oldCfg.Overlay.SurfaceHeight {
			if err := coordinator.SetSurface(newCfg.Overlay.SurfaceWidth, newCfg.Overlay.SurfaceHeight); err != nil {
				return err
			}
		}

		if newCfg.Source != oldCfg.Source || newCfg.Inference != oldCfg.Inference || newCfg.Pipeline.Dispatch != oldCfg.Pipeline.Dispatch {
			log.Warn("Source, inference and dispatch settings apply after restart")
		}

		bus.Publish(service.Event{
			Type:      service.EventTypeConfigReloaded,
			Source:    "config",
			Timestamp: time.Now(),
		})
		return nil
	}
}
