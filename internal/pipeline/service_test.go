package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/defect-overlay/internal/ai"
	"github.com/vzahanych/defect-overlay/internal/logger"
	"github.com/vzahanych/defect-overlay/internal/service"
	"github.com/vzahanych/defect-overlay/internal/video"
)

// instantInferer answers every call immediately with body
type instantInferer struct {
	body string
}

func (i *instantInferer) Submit(ctx context.Context, img *video.EncodedImage) (<-chan ai.Result, error) {
	ch := make(chan ai.Result, 1)
	ch <- ai.Result{Body: []byte(i.body)}
	close(ch)
	return ch, nil
}

type failingSource struct{}

func (failingSource) Start(ctx context.Context, handler video.FrameHandler) error {
	return errors.New("no device")
}
func (failingSource) Stop()                    {}
func (failingSource) Name() string             { return "failing" }
func (failingSource) Stats() video.SourceStats { return video.SourceStats{} }

func TestService_RunsPatternSourceThroughCoordinator(t *testing.T) {
	log := logger.NewNopLogger()
	source := video.NewPatternSource(video.PatternSourceConfig{
		Width:    64,
		Height:   48,
		FPS:      100,
		PoolSize: 2,
	}, log)

	coord, err := NewCoordinator(Config{
		SampleInterval: 20 * time.Millisecond,
		SurfaceWidth:   640,
		SurfaceHeight:  480,
	}, video.NewFrameEncoder(video.DefaultQuality), &instantInferer{body: `{"predictions":[{"x":32,"y":24,"width":10,"height":10,"class":"Minor Defect","confidence":0.8}]}`}, nil, log)
	require.NoError(t, err)

	svc := NewService(source, coord, log)
	bus := service.NewEventBus(100)
	published := bus.Subscribe(service.EventTypeOverlayPublished)
	svc.SetEventBus(bus)

	require.NoError(t, svc.Start(context.Background()))
	assert.True(t, svc.GetStatus().IsRunning())
	assert.False(t, coord.StartedAt().IsZero())

	select {
	case <-published:
	case <-time.After(5 * time.Second):
		t.Fatal("no overlay published")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
	assert.Equal(t, service.StatusStopped, svc.GetStatus().GetStatus())

	snap := svc.Coordinator().Latest()
	require.Len(t, snap.Rects, 1)
	assert.Equal(t, "Minor Defect", snap.Rects[0].Label)
	assert.InDelta(t, 100, snap.Rects[0].Width, 1e-9)

	stats := svc.SourceStats()
	assert.Greater(t, stats.Delivered, uint64(0))
	assert.Equal(t, int64(0), stats.Outstanding, "every frame returned to the pool")
}

func TestService_StartFailure(t *testing.T) {
	log := logger.NewNopLogger()
	coord, err := NewCoordinator(Config{SurfaceWidth: 10, SurfaceHeight: 10}, &fakeEncoder{}, &fakeInferer{}, nil, log)
	require.NoError(t, err)

	svc := NewService(failingSource{}, coord, log)
	err = svc.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, service.StatusError, svc.GetStatus().GetStatus())
	assert.Equal(t, "pipeline", svc.Name())
}
