package video

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/defect-overlay/internal/logger"
)

func TestBufferPool_AcquireRelease(t *testing.T) {
	p := NewBufferPool(2, 16)

	b1, r1, ok := p.Acquire()
	require.True(t, ok)
	assert.Len(t, b1, 16)
	_, r2, ok := p.Acquire()
	require.True(t, ok)
	assert.Equal(t, int64(2), p.Outstanding())

	_, _, ok = p.Acquire()
	assert.False(t, ok, "pool is exhausted")
	assert.Equal(t, uint64(1), p.Starved())

	r1()
	r2()
	assert.Equal(t, int64(0), p.Outstanding())

	_, _, ok = p.Acquire()
	assert.True(t, ok)
}

func TestRawFrame_ReleaseIsIdempotent(t *testing.T) {
	p := NewBufferPool(1, I420Size(4, 4))
	buf, release, ok := p.Acquire()
	require.True(t, ok)

	y, u, v := I420Planes(buf, 4, 4)
	f := NewRawFrame(4, 4, y, u, v, 0, time.Now(), release)
	f.Release()
	f.Release()

	assert.Equal(t, int64(0), p.Outstanding())
	assert.NoError(t, f.Validate())
}

func TestPatternSource_DeliversOnClockTicks(t *testing.T) {
	clk := clock.NewMock()
	src := NewPatternSource(PatternSourceConfig{
		Width: 16, Height: 8, FPS: 10, Rotation: 90, PoolSize: 2, Clock: clk,
	}, logger.NewNopLogger())

	var mu sync.Mutex
	var frames []*RawFrame
	require.NoError(t, src.Start(context.Background(), func(f *RawFrame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
		f.Release()
	}))
	defer src.Stop()

	require.Eventually(t, func() bool {
		clk.Add(100 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		return len(frames) >= 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, f := range frames {
		assert.Equal(t, 90, f.RotationDegrees)
		assert.NoError(t, f.Validate())
	}
	assert.Equal(t, uint64(len(frames)), src.Stats().Delivered)
	assert.Equal(t, int64(0), src.Stats().Outstanding)
}

func TestPatternSource_DropsWhenFramesAreHeld(t *testing.T) {
	clk := clock.NewMock()
	src := NewPatternSource(PatternSourceConfig{
		Width: 8, Height: 8, FPS: 10, PoolSize: 1, Clock: clk,
	}, logger.NewNopLogger())

	held := make(chan *RawFrame, 8)
	require.NoError(t, src.Start(context.Background(), func(f *RawFrame) { held <- f }))
	defer src.Stop()

	require.Eventually(t, func() bool {
		clk.Add(100 * time.Millisecond)
		return src.Stats().Starved >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), src.Stats().Delivered)

	(<-held).Release()
	assert.Equal(t, int64(0), src.Stats().Outstanding)
}

func TestFFmpegSource_ReadFramesSlicesStream(t *testing.T) {
	w, h := 4, 4
	size := I420Size(w, h)
	stream := bytes.Repeat([]byte{7}, size*3+5) // three frames and a torn tail

	src := NewFFmpegSource(nil, FFmpegSourceConfig{Width: w, Height: h, PoolSize: 2}, logger.NewNopLogger())

	var got []uint64
	err := src.readFrames(context.Background(), bytes.NewReader(stream), func(f *RawFrame) {
		got = append(got, f.Seq)
		assert.NoError(t, f.Validate())
		f.Release()
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, got)
	assert.Equal(t, int64(0), src.Stats().Outstanding)
}

func TestFFmpegSource_ReadFramesDropsOnExhaustedPool(t *testing.T) {
	w, h := 2, 2
	size := I420Size(w, h)
	stream := bytes.Repeat([]byte{1}, size*4)

	src := NewFFmpegSource(nil, FFmpegSourceConfig{Width: w, Height: h, PoolSize: 1}, logger.NewNopLogger())

	var held []*RawFrame
	err := src.readFrames(context.Background(), bytes.NewReader(stream), func(f *RawFrame) {
		held = append(held, f)
	})
	require.NoError(t, err)
	assert.Len(t, held, 1)
	assert.Equal(t, uint64(3), src.Stats().Starved)
}

func TestFFmpegSource_EndToEnd(t *testing.T) {
	ffmpeg := setupTestFFmpeg(t)

	src := NewFFmpegSource(ffmpeg, FFmpegSourceConfig{
		Input:    "testsrc=size=64x48:rate=10:duration=1",
		Format:   "lavfi",
		Width:    64,
		Height:   48,
		FPS:      10,
		PoolSize: 2,
	}, logger.NewNopLogger())

	var mu sync.Mutex
	count := 0
	require.NoError(t, src.Start(context.Background(), func(f *RawFrame) {
		mu.Lock()
		count++
		mu.Unlock()
		f.Release()
	}))
	defer src.Stop()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count > 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRawVideoArgs(t *testing.T) {
	args := RawVideoArgs(FFmpegSourceConfig{
		Input: "/dev/video0", Format: "v4l2", Width: 640, Height: 480, FPS: 15, Loop: true,
	})
	assert.Contains(t, args, "-stream_loop")
	assert.Contains(t, args, "v4l2")
	assert.Contains(t, args, "fps=15,scale=640:480")
	assert.Contains(t, args, "yuv420p")
	assert.NotContains(t, args, "-re")
	assert.Equal(t, "-", args[len(args)-1])
}
