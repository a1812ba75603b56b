package video

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// FrameGate admits at most one frame per interval and silently rejects the rest.
// Nothing is queued; a rejected frame must be released by the caller.
type FrameGate struct {
	clock    clock.Clock
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	admitted bool
}

// NewFrameGate creates a gate. A nil clock means wall time.
func NewFrameGate(interval time.Duration, clk clock.Clock) *FrameGate {
	if clk == nil {
		clk = clock.New()
	}
	return &FrameGate{clock: clk, interval: interval}
}

// Admit reports whether a frame arriving at now may be processed
func (g *FrameGate) Admit(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.admitted && now.Sub(g.last) < g.interval {
		return false
	}
	g.last = now
	g.admitted = true
	return true
}

// AdmitNow is Admit using the gate's clock
func (g *FrameGate) AdmitNow() bool {
	return g.Admit(g.clock.Now())
}

// Interval returns the current admission interval
func (g *FrameGate) Interval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interval
}

// SetInterval updates the admission interval; the last admission time is kept
func (g *FrameGate) SetInterval(interval time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.interval = interval
}

// Reset forgets the last admission so the next frame is admitted
func (g *FrameGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.admitted = false
	g.last = time.Time{}
}
