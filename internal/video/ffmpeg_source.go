package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/vzahanych/defect-overlay/internal/logger"
)

// FFmpegSourceConfig configures a source decoded by an ffmpeg subprocess
type FFmpegSourceConfig struct {
	Input    string
	Format   string // ffmpeg input format, e.g. v4l2 or lavfi; empty to autodetect
	Width    int
	Height   int
	FPS      float64
	Rotation int
	PoolSize int
	Realtime bool // pace file inputs at their native rate
	Loop     bool // restart file inputs at EOF
	Clock    clock.Clock
}

// FFmpegSource reads raw planar 4:2:0 frames from ffmpeg's stdout and hands
// them to the handler on its read goroutine.
type FFmpegSource struct {
	ffmpeg    *FFmpegWrapper
	cfg       FFmpegSourceConfig
	pool      *BufferPool
	logger    *logger.Logger
	delivered *atomic.Uint64
	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewFFmpegSource creates a source backed by ffmpeg
func NewFFmpegSource(ffmpeg *FFmpegWrapper, cfg FFmpegSourceConfig, log *logger.Logger) *FFmpegSource {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &FFmpegSource{
		ffmpeg:    ffmpeg,
		cfg:       cfg,
		pool:      NewBufferPool(cfg.PoolSize, I420Size(cfg.Width, cfg.Height)),
		logger:    log,
		delivered: atomic.NewUint64(0),
	}
}

// Name returns the source name
func (s *FFmpegSource) Name() string {
	return "ffmpeg"
}

// Start launches ffmpeg and begins delivering frames
func (s *FFmpegSource) Start(ctx context.Context, handler FrameHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("ffmpeg source already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	args := RawVideoArgs(s.cfg)
	cmd := s.ffmpeg.BuildCommand(ctx, args)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go func() {
		defer close(s.done)
		err := s.readFrames(ctx, stdout, handler)
		waitErr := cmd.Wait()
		switch {
		case ctx.Err() != nil:
		case err != nil:
			s.logger.Error("FFmpeg source read failed", "error", err, "stderr", stderr.String())
		case waitErr != nil:
			s.logger.Error("FFmpeg exited with error", "error", waitErr, "stderr", stderr.String())
		default:
			s.logger.Info("FFmpeg source reached end of input", "input", s.cfg.Input)
		}
	}()

	s.logger.Info("FFmpeg source started",
		"input", s.cfg.Input,
		"width", s.cfg.Width,
		"height", s.cfg.Height,
		"fps", s.cfg.FPS,
	)
	return nil
}

// readFrames slices r into fixed-size frames. When the pool is exhausted the
// frame's bytes are still consumed, into scratch, and the frame is dropped.
func (s *FFmpegSource) readFrames(ctx context.Context, r io.Reader, handler FrameHandler) error {
	w, h := s.cfg.Width, s.cfg.Height
	size := I420Size(w, h)
	scratch := make([]byte, size)
	var seq uint64

	for {
		if ctx.Err() != nil {
			return nil
		}

		buf, release, ok := s.pool.Acquire()
		if !ok {
			buf = scratch
		}

		if _, err := io.ReadFull(r, buf[:size]); err != nil {
			if release != nil {
				release()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("failed to read frame: %w", err)
		}
		seq++

		if !ok {
			s.logger.Debug("Frame pool exhausted, dropping frame", "seq", seq)
			continue
		}

		y, u, v := I420Planes(buf, w, h)
		frame := NewRawFrame(w, h, y, u, v, s.cfg.Rotation, s.cfg.Clock.Now(), release)
		frame.Seq = seq
		s.delivered.Inc()
		handler(frame)
	}
}

// Stop terminates ffmpeg and waits for the reader to exit
func (s *FFmpegSource) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("FFmpeg source did not stop in time")
	}
	s.logger.Info("FFmpeg source stopped")
}

// Stats returns delivery statistics
func (s *FFmpegSource) Stats() SourceStats {
	return SourceStats{
		Delivered:   s.delivered.Load(),
		Starved:     s.pool.Starved(),
		Outstanding: s.pool.Outstanding(),
		PoolSize:    s.pool.Size(),
	}
}
