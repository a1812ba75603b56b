package video

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/vzahanych/defect-overlay/internal/logger"
)

// FrameHandler receives frames on the source's delivery goroutine. It must
// return quickly and release the frame, whether or not it processes it.
type FrameHandler func(*RawFrame)

// FrameSource delivers RawFrames on its own schedule
type FrameSource interface {
	Start(ctx context.Context, handler FrameHandler) error
	Stop()
	Name() string
	Stats() SourceStats
}

// SourceStats describes delivery and buffer pressure of a source
type SourceStats struct {
	Delivered   uint64 `json:"delivered"`
	Starved     uint64 `json:"starved"`
	Outstanding int64  `json:"outstanding"`
	PoolSize    int    `json:"pool_size"`
}

// PatternSourceConfig configures a synthetic source
type PatternSourceConfig struct {
	Width    int
	Height   int
	FPS      float64
	Rotation int
	PoolSize int
	Clock    clock.Clock
}

// PatternSource generates a moving test pattern; used for demos and when no
// camera is attached.
type PatternSource struct {
	cfg       PatternSourceConfig
	pool      *BufferPool
	logger    *logger.Logger
	delivered *atomic.Uint64
	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewPatternSource creates a synthetic frame source
func NewPatternSource(cfg PatternSourceConfig, log *logger.Logger) *PatternSource {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &PatternSource{
		cfg:       cfg,
		pool:      NewBufferPool(cfg.PoolSize, I420Size(cfg.Width, cfg.Height)),
		logger:    log,
		delivered: atomic.NewUint64(0),
	}
}

// Name returns the source name
func (s *PatternSource) Name() string {
	return "pattern"
}

// Start begins delivering frames to handler until ctx is done or Stop is called
func (s *PatternSource) Start(ctx context.Context, handler FrameHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("pattern source already running")
	}
	if s.cfg.Width <= 0 || s.cfg.Height <= 0 {
		return fmt.Errorf("invalid pattern size %dx%d", s.cfg.Width, s.cfg.Height)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true

	period := time.Duration(float64(time.Second) / s.cfg.FPS)
	ticker := s.cfg.Clock.Ticker(period)

	go func() {
		defer close(s.done)
		defer ticker.Stop()
		var seq uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				seq++
				s.emit(seq, handler)
			}
		}
	}()

	s.logger.Info("Pattern source started",
		"width", s.cfg.Width,
		"height", s.cfg.Height,
		"fps", s.cfg.FPS,
	)
	return nil
}

func (s *PatternSource) emit(seq uint64, handler FrameHandler) {
	buf, release, ok := s.pool.Acquire()
	if !ok {
		s.logger.Debug("Frame pool exhausted, dropping frame", "seq", seq)
		return
	}

	w, h := s.cfg.Width, s.cfg.Height
	fillPattern(buf, w, h, seq)
	y, u, v := I420Planes(buf, w, h)

	frame := NewRawFrame(w, h, y, u, v, s.cfg.Rotation, s.cfg.Clock.Now(), release)
	frame.Seq = seq
	s.delivered.Inc()
	handler(frame)
}

// fillPattern draws a diagonal luma ramp that shifts every frame over neutral chroma
func fillPattern(buf []byte, w, h int, seq uint64) {
	shift := int(seq % 256)
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			buf[row*w+col] = byte((row + col + shift) & 0xff)
		}
	}
	for i := w * h; i < len(buf); i++ {
		buf[i] = 128
	}
}

// Stop halts delivery and waits for the delivery goroutine to exit
func (s *PatternSource) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("Pattern source stopped")
}

// Stats returns delivery statistics
func (s *PatternSource) Stats() SourceStats {
	return SourceStats{
		Delivered:   s.delivered.Load(),
		Starved:     s.pool.Starved(),
		Outstanding: s.pool.Outstanding(),
		PoolSize:    s.pool.Size(),
	}
}
