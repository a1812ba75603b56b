package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/vzahanych/defect-overlay/internal/ai"
	"github.com/vzahanych/defect-overlay/internal/logger"
	"github.com/vzahanych/defect-overlay/internal/overlay"
	"github.com/vzahanych/defect-overlay/internal/service"
	"github.com/vzahanych/defect-overlay/internal/video"
)

// Dispatch policies for frames admitted while a call is in flight
const (
	DispatchConcurrent = "concurrent"
	DispatchSerialize  = "serialize"
)

// Drop reasons reported in frame.dropped events
const (
	DropAwaiting  = "awaiting"
	DropBusy      = "busy"
	DropMalformed = "malformed"
)

// Encoder turns a raw frame into a transportable image
type Encoder interface {
	Encode(frame *video.RawFrame) (*video.EncodedImage, error)
}

// Inferer dispatches an inference call without blocking
type Inferer interface {
	Submit(ctx context.Context, img *video.EncodedImage) (<-chan ai.Result, error)
}

// Config contains coordinator settings
type Config struct {
	SampleInterval time.Duration
	Dispatch       string
	RetainCycles   int           // failed cycles the last detections survive; 0 clears on the first failure
	MaxAge         time.Duration // published detections older than this read as empty; 0 disables
	MinConfidence  float64
	SurfaceWidth   int
	SurfaceHeight  int
	Clock          clock.Clock
}

// Snapshot is the currently published overlay
type Snapshot struct {
	Seq           uint64               `json:"seq"`
	Detections    ai.DetectionSet      `json:"detections"`
	Rects         []overlay.ScreenRect `json:"rects"`
	SurfaceWidth  int                  `json:"surface_width"`
	SurfaceHeight int                  `json:"surface_height"`
	PublishedAt   time.Time            `json:"published_at"`
	Expired       bool                 `json:"expired,omitempty"`
}

// Coordinator drives gate, encoder, inference and mapping for every frame
// and owns the single published overlay.
//
// Calls are numbered in issue order. A completion is published only when its
// number is greater than that of the published overlay, so a slow call can
// never replace the result of a call issued after it.
type Coordinator struct {
	cfg     Config
	clock   clock.Clock
	gate    *video.FrameGate
	encoder Encoder
	client  Inferer
	logger  *logger.Logger

	ctx      context.Context
	bus      *service.EventBus
	nextSeq  *atomic.Uint64
	inFlight *atomic.Int64
	minConf  *atomic.Float64
	wg       sync.WaitGroup

	mu          sync.RWMutex
	mapper      *overlay.Mapper
	latest      Snapshot
	failStreak  int
	lastSuccess time.Time
	startedAt   time.Time
	session     string

	stats counters
}

type counters struct {
	received  *atomic.Uint64
	gated     *atomic.Uint64
	admitted  *atomic.Uint64
	dropped   *atomic.Uint64
	malformed *atomic.Uint64
	busy      *atomic.Uint64
	submitted *atomic.Uint64
	succeeded *atomic.Uint64
	failed    *atomic.Uint64
	stale     *atomic.Uint64
	published *atomic.Uint64
}

// Stats is a point-in-time copy of coordinator counters
type Stats struct {
	Session          string `json:"session,omitempty"`
	FramesReceived   uint64 `json:"frames_received"`
	FramesGated      uint64 `json:"frames_gated"`
	FramesAdmitted   uint64 `json:"frames_admitted"`
	FramesDropped    uint64 `json:"frames_dropped"`
	FramesMalformed  uint64 `json:"frames_malformed"`
	CallsBusy        uint64 `json:"calls_busy"`
	CallsSubmitted   uint64 `json:"calls_submitted"`
	CallsSucceeded   uint64 `json:"calls_succeeded"`
	CallsFailed      uint64 `json:"calls_failed"`
	ResultsStale     uint64 `json:"results_stale"`
	Published        uint64 `json:"published"`
	InFlight         int64  `json:"in_flight"`
	FailStreak       int    `json:"fail_streak"`
	LastPublishedSeq uint64 `json:"last_published_seq"`
}

// NewCoordinator creates a coordinator
func NewCoordinator(cfg Config, encoder Encoder, client Inferer, mapper *overlay.Mapper, log *logger.Logger) (*Coordinator, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Dispatch == "" {
		cfg.Dispatch = DispatchConcurrent
	}
	if cfg.Dispatch != DispatchConcurrent && cfg.Dispatch != DispatchSerialize {
		return nil, fmt.Errorf("unknown dispatch policy %q", cfg.Dispatch)
	}
	if cfg.SurfaceWidth <= 0 || cfg.SurfaceHeight <= 0 {
		return nil, fmt.Errorf("%w: surface %dx%d", overlay.ErrInvalidDimensions, cfg.SurfaceWidth, cfg.SurfaceHeight)
	}
	if cfg.RetainCycles < 0 {
		cfg.RetainCycles = 0
	}
	if mapper == nil {
		var err error
		if mapper, err = overlay.NewMapper(overlay.Transform{}, nil); err != nil {
			return nil, err
		}
	}

	return &Coordinator{
		cfg:      cfg,
		clock:    cfg.Clock,
		gate:     video.NewFrameGate(cfg.SampleInterval, cfg.Clock),
		encoder:  encoder,
		client:   client,
		logger:   log,
		ctx:      context.Background(),
		nextSeq:  atomic.NewUint64(0),
		inFlight: atomic.NewInt64(0),
		minConf:  atomic.NewFloat64(cfg.MinConfidence),
		mapper:   mapper,
		latest: Snapshot{
			Rects:         []overlay.ScreenRect{},
			SurfaceWidth:  cfg.SurfaceWidth,
			SurfaceHeight: cfg.SurfaceHeight,
		},
		stats: counters{
			received:  atomic.NewUint64(0),
			gated:     atomic.NewUint64(0),
			admitted:  atomic.NewUint64(0),
			dropped:   atomic.NewUint64(0),
			malformed: atomic.NewUint64(0),
			busy:      atomic.NewUint64(0),
			submitted: atomic.NewUint64(0),
			succeeded: atomic.NewUint64(0),
			failed:    atomic.NewUint64(0),
			stale:     atomic.NewUint64(0),
			published: atomic.NewUint64(0),
		},
	}, nil
}

// SetEventBus sets the bus that receives pipeline events
func (c *Coordinator) SetEventBus(bus *service.EventBus) {
	c.bus = bus
}

// Begin binds in-flight calls to ctx and marks the coordinator as started
func (c *Coordinator) Begin(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx
	c.startedAt = c.clock.Now()
	c.session = uuid.NewString()
	c.gate.Reset()
	c.logger.Info("Pipeline session started", "session", c.session)
}

// Wait blocks until every in-flight call has completed or ctx is done
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnFrame is the frame handler. It runs on the source's delivery goroutine,
// never blocks on the network and releases the frame before returning.
func (c *Coordinator) OnFrame(frame *video.RawFrame) {
	defer frame.Release()
	c.stats.received.Inc()

	if !c.gate.AdmitNow() {
		c.stats.gated.Inc()
		return
	}
	if c.cfg.Dispatch == DispatchSerialize && c.inFlight.Load() > 0 {
		c.drop(frame.Seq, DropAwaiting, nil)
		return
	}
	c.stats.admitted.Inc()

	img, err := c.encoder.Encode(frame)
	frame.Release()
	if err != nil {
		c.stats.malformed.Inc()
		c.drop(frame.Seq, DropMalformed, err)
		return
	}

	c.mu.RLock()
	ctx := c.ctx
	c.mu.RUnlock()

	seq := c.nextSeq.Inc()
	ch, err := c.client.Submit(ctx, img)
	if err != nil {
		c.stats.busy.Inc()
		c.drop(frame.Seq, DropBusy, err)
		return
	}
	c.stats.submitted.Inc()
	c.inFlight.Inc()
	c.wg.Add(1)

	go c.await(seq, img, ch)
}

func (c *Coordinator) await(seq uint64, img *video.EncodedImage, ch <-chan ai.Result) {
	defer c.wg.Done()
	defer c.inFlight.Dec()

	res, ok := <-ch
	if !ok {
		res.Err = &ai.TransportError{Err: errors.New("result channel closed")}
	}
	c.complete(seq, img.Width, img.Height, res)
}

// complete parses a finished call and publishes or fails the cycle
func (c *Coordinator) complete(seq uint64, imageWidth, imageHeight int, res ai.Result) {
	err := res.Err
	var set ai.DetectionSet
	if err == nil {
		set, err = ai.ParseResponse(res.Body, imageWidth, imageHeight)
	}
	if err != nil {
		c.fail(seq, res.RequestID, err)
		return
	}

	c.stats.succeeded.Inc()
	c.publish(seq, set.FilterConfidence(c.minConf.Load()))
}

func (c *Coordinator) publish(seq uint64, set ai.DetectionSet) {
	c.mu.Lock()
	if seq <= c.latest.Seq {
		current := c.latest.Seq
		c.mu.Unlock()
		c.stats.stale.Inc()
		c.logger.Debug("Discarding superseded result", "call_id", seq, "published_call_id", current)
		return
	}

	rects, err := c.mapper.Map(set, c.latest.SurfaceWidth, c.latest.SurfaceHeight)
	if err != nil {
		c.logger.Warn("Failed to map detections", "call_id", seq, "error", err)
	}

	now := c.clock.Now()
	c.latest = Snapshot{
		Seq:           seq,
		Detections:    set,
		Rects:         rects,
		SurfaceWidth:  c.latest.SurfaceWidth,
		SurfaceHeight: c.latest.SurfaceHeight,
		PublishedAt:   now,
	}
	c.failStreak = 0
	c.lastSuccess = now
	c.mu.Unlock()

	c.stats.published.Inc()
	c.emit(service.EventTypeOverlayPublished, map[string]interface{}{
		"call_id":    seq,
		"detections": len(rects),
	})
}

// fail applies the failure policy to a call that produced no detections
func (c *Coordinator) fail(seq uint64, requestID string, err error) {
	c.stats.failed.Inc()

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	if seq <= c.latest.Seq {
		c.mu.Unlock()
		c.stats.stale.Inc()
		return
	}

	c.failStreak++
	cleared := c.failStreak > c.cfg.RetainCycles
	if cleared {
		c.latest = Snapshot{
			Seq:           seq,
			Detections:    ai.DetectionSet{},
			Rects:         []overlay.ScreenRect{},
			SurfaceWidth:  c.latest.SurfaceWidth,
			SurfaceHeight: c.latest.SurfaceHeight,
			PublishedAt:   c.clock.Now(),
		}
	}
	streak := c.failStreak
	c.mu.Unlock()

	c.logger.Warn("Inference cycle failed",
		"call_id", seq,
		"request_id", requestID,
		"kind", errorKind(err),
		"fail_streak", streak,
		"cleared", cleared,
		"error", err,
	)
	c.emit(service.EventTypeInferenceFailed, map[string]interface{}{
		"call_id": seq,
		"kind":    errorKind(err),
		"error":   err.Error(),
	})
	if cleared {
		c.stats.published.Inc()
		c.emit(service.EventTypeOverlayPublished, map[string]interface{}{
			"call_id":    seq,
			"detections": 0,
		})
	}
}

func (c *Coordinator) drop(frameSeq uint64, reason string, err error) {
	c.stats.dropped.Inc()
	fields := []interface{}{"frame_seq", frameSeq, "reason", reason}
	data := map[string]interface{}{"frame_seq": frameSeq, "reason": reason}
	if err != nil {
		fields = append(fields, "error", err)
		data["error"] = err.Error()
	}
	if reason == DropMalformed {
		c.logger.Warn("Dropping frame", fields...)
	} else {
		c.logger.Debug("Dropping frame", fields...)
	}
	c.emit(service.EventTypeFrameDropped, data)
}

func (c *Coordinator) emit(eventType service.EventType, data map[string]interface{}) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(service.Event{
		Type:      eventType,
		Source:    "pipeline",
		Timestamp: c.clock.Now(),
		Data:      data,
	})
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ai.ErrMalformedResponse):
		return "malformed_response"
	case ai.IsTransportError(err):
		return "transport"
	default:
		return "unknown"
	}
}

// Latest returns the published overlay. When MaxAge is set and the overlay
// is older, an empty overlay marked Expired is returned instead.
func (c *Coordinator) Latest() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view(c.latest)
}

func (c *Coordinator) view(s Snapshot) Snapshot {
	if c.cfg.MaxAge > 0 && len(s.Detections.Detections) > 0 && c.clock.Since(s.PublishedAt) > c.cfg.MaxAge {
		s.Detections = ai.DetectionSet{ImageWidth: s.Detections.ImageWidth, ImageHeight: s.Detections.ImageHeight}
		s.Rects = []overlay.ScreenRect{}
		s.Expired = true
		return s
	}
	rects := make([]overlay.ScreenRect, len(s.Rects))
	copy(rects, s.Rects)
	s.Rects = rects
	return s
}

// MapFor maps the published detections onto an arbitrary surface without
// changing the coordinator's own surface.
func (c *Coordinator) MapFor(surfaceW, surfaceH int) (Snapshot, error) {
	if surfaceW <= 0 || surfaceH <= 0 {
		return Snapshot{}, fmt.Errorf("%w: surface %dx%d", overlay.ErrInvalidDimensions, surfaceW, surfaceH)
	}

	c.mu.RLock()
	snap := c.view(c.latest)
	mapper := c.mapper
	c.mu.RUnlock()

	snap.SurfaceWidth = surfaceW
	snap.SurfaceHeight = surfaceH
	if len(snap.Detections.Detections) == 0 {
		snap.Rects = []overlay.ScreenRect{}
		return snap, nil
	}

	rects, err := mapper.Map(snap.Detections, surfaceW, surfaceH)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Rects = rects
	return snap, nil
}

// SetSurface changes the render surface and remaps the published detections
func (c *Coordinator) SetSurface(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: surface %dx%d", overlay.ErrInvalidDimensions, width, height)
	}

	c.mu.Lock()
	c.latest.SurfaceWidth = width
	c.latest.SurfaceHeight = height
	seq := c.remapLocked()
	c.mu.Unlock()

	c.emit(service.EventTypeOverlayPublished, map[string]interface{}{"call_id": seq, "surface": fmt.Sprintf("%dx%d", width, height)})
	return nil
}

// SetMapper replaces the transform and palette and remaps the published detections
func (c *Coordinator) SetMapper(mapper *overlay.Mapper) {
	c.mu.Lock()
	c.mapper = mapper
	seq := c.remapLocked()
	c.mu.Unlock()

	c.emit(service.EventTypeOverlayPublished, map[string]interface{}{"call_id": seq})
}

func (c *Coordinator) remapLocked() uint64 {
	if len(c.latest.Detections.Detections) == 0 {
		c.latest.Rects = []overlay.ScreenRect{}
		return c.latest.Seq
	}
	rects, err := c.mapper.Map(c.latest.Detections, c.latest.SurfaceWidth, c.latest.SurfaceHeight)
	if err != nil {
		c.logger.Warn("Failed to remap detections", "call_id", c.latest.Seq, "error", err)
	}
	c.latest.Rects = rects
	return c.latest.Seq
}

// Surface returns the current render surface size
func (c *Coordinator) Surface() (int, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest.SurfaceWidth, c.latest.SurfaceHeight
}

// Mapper returns the current mapper
func (c *Coordinator) Mapper() *overlay.Mapper {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mapper
}

// SetInterval changes the sampling interval
func (c *Coordinator) SetInterval(interval time.Duration) {
	c.gate.SetInterval(interval)
}

// SetMinConfidence changes the confidence filter for future results
func (c *Coordinator) SetMinConfidence(min float64) {
	c.minConf.Store(min)
}

// LastPublished returns the time of the last successful publication
func (c *Coordinator) LastPublished() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess
}

// StartedAt returns when Begin was called, zero before that
func (c *Coordinator) StartedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startedAt
}

// Stats returns a copy of the coordinator counters
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	streak, seq, session := c.failStreak, c.latest.Seq, c.session
	c.mu.RUnlock()

	return Stats{
		Session:          session,
		FramesReceived:   c.stats.received.Load(),
		FramesGated:      c.stats.gated.Load(),
		FramesAdmitted:   c.stats.admitted.Load(),
		FramesDropped:    c.stats.dropped.Load(),
		FramesMalformed:  c.stats.malformed.Load(),
		CallsBusy:        c.stats.busy.Load(),
		CallsSubmitted:   c.stats.submitted.Load(),
		CallsSucceeded:   c.stats.succeeded.Load(),
		CallsFailed:      c.stats.failed.Load(),
		ResultsStale:     c.stats.stale.Load(),
		Published:        c.stats.published.Load(),
		InFlight:         c.inFlight.Load(),
		FailStreak:       streak,
		LastPublishedSeq: seq,
	}
}
