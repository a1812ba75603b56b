package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/defect-overlay/internal/config"
	"github.com/vzahanych/defect-overlay/internal/logger"
	"github.com/vzahanych/defect-overlay/internal/overlay"
	"github.com/vzahanych/defect-overlay/internal/pipeline"
	"github.com/vzahanych/defect-overlay/internal/service"
	"github.com/vzahanych/defect-overlay/internal/video"
)

func TestNewSource(t *testing.T) {
	cfg := config.Default().Source
	cfg.Kind = config.SourceKindPattern

	src, ffmpeg, err := newSource(cfg, logger.NewNopLogger())
	require.NoError(t, err)
	assert.Nil(t, ffmpeg)
	assert.IsType(t, &video.PatternSource{}, src)

	cfg.Kind = "webcam"
	_, _, err = newSource(cfg, logger.NewNopLogger())
	assert.Error(t, err)
}

func TestNewMapper(t *testing.T) {
	cfg := config.Default().Overlay
	cfg.Transform.Rotation = 90
	cfg.LabelColors = map[string]string{"scratch": "minor"}

	m, err := newMapper(cfg)
	require.NoError(t, err)
	assert.Equal(t, 90, m.Transform().Rotation)
	assert.Equal(t, overlay.ClassMinor, m.Palette().Classify("scratch"))

	cfg.LabelColors = map[string]string{"scratch": "purple"}
	_, err = newMapper(cfg)
	assert.Error(t, err)
}

func TestReloadWatcher(t *testing.T) {
	oldCfg := config.Default()
	encoder := video.NewFrameEncoder(oldCfg.Encoder.Quality)
	mapper, err := newMapper(oldCfg.Overlay)
	require.NoError(t, err)

	coordinator, err := pipeline.NewCoordinator(pipeline.Config{
		SampleInterval: oldCfg.Pipeline.SampleInterval,
		SurfaceWidth:   oldCfg.Overlay.SurfaceWidth,
		SurfaceHeight:  oldCfg.Overlay.SurfaceHeight,
	}, encoder, nil, mapper, logger.NewNopLogger())
	require.NoError(t, err)

	bus := service.NewEventBus(4)
	events := bus.Subscribe(service.EventTypeConfigReloaded)

	newCfg := config.Default()
	newCfg.Encoder.Quality = 55
	newCfg.Overlay.SurfaceWidth = 800
	newCfg.Overlay.SurfaceHeight = 600
	newCfg.Overlay.Transform.MirrorX = true

	watcher := newReloadWatcher(coordinator, encoder, bus, logger.NewNopLogger())
	require.NoError(t, watcher(context.Background(), oldCfg, newCfg))

	assert.Equal(t, 55, encoder.Quality())
	w, h := coordinator.Surface()
	assert.Equal(t, 800, w)
	assert.Equal(t, 600, h)
	assert.True(t, coordinator.Mapper().Transform().MirrorX)

	select {
	case ev := <-events:
		assert.Equal(t, service.EventTypeConfigReloaded, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("config.reloaded was not published")
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), "defect-overlay "+version)
}
