package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vzahanych/defect-overlay/internal/video"
)

// SystemChecker reports runtime resource usage
type SystemChecker struct{}

func (c *SystemChecker) Name() string {
	return "system"
}

func (c *SystemChecker) Check(ctx context.Context) Check {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return Check{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "Runtime OK",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"goroutines":  runtime.NumGoroutine(),
			"heap_alloc":  mem.HeapAlloc,
			"num_gc":      mem.NumGC,
			"go_version":  runtime.Version(),
			"max_threads": runtime.GOMAXPROCS(0),
		},
	}
}

// EndpointChecker checks TCP reachability of the inference endpoint. Only the
// host is dialed so the API key never leaves the process.
type EndpointChecker struct {
	endpoint string
	timeout  time.Duration
	dialer   func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewEndpointChecker creates a checker for endpointURL
func NewEndpointChecker(endpointURL string, timeout time.Duration) *EndpointChecker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := &net.Dialer{}
	return &EndpointChecker{
		endpoint: endpointURL,
		timeout:  timeout,
		dialer:   d.DialContext,
	}
}

func (c *EndpointChecker) Name() string {
	return "inference_endpoint"
}

func (c *EndpointChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}

	addr, err := hostPort(c.endpoint)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
		return check
	}
	check.Details["addr"] = addr

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	conn, err := c.dialer(ctx, "tcp", addr)
	if err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Inference endpoint unreachable: %v", err)
		return check
	}
	_ = conn.Close()

	check.Status = StatusHealthy
	check.Message = "Inference endpoint is reachable"
	check.Details["dial_ms"] = time.Since(start).Milliseconds()
	return check
}

func hostPort(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid endpoint url %q", endpoint)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	switch u.Scheme {
	case "https":
		return net.JoinHostPort(u.Hostname(), "443"), nil
	case "http":
		return net.JoinHostPort(u.Hostname(), "80"), nil
	}
	return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
}

// Freshness is implemented by components that publish results over time
type Freshness interface {
	// LastPublished returns the time of the last successful publication, zero if none
	LastPublished() time.Time
	// StartedAt returns when publishing started, zero if not running
	StartedAt() time.Time
}

// PipelineChecker reports degraded when nothing has been published within staleAfter
type PipelineChecker struct {
	source     Freshness
	staleAfter time.Duration
	clock      clock.Clock
}

// NewPipelineChecker creates a freshness checker. A nil clock uses wall time.
func NewPipelineChecker(source Freshness, staleAfter time.Duration, clk clock.Clock) *PipelineChecker {
	if clk == nil {
		clk = clock.New()
	}
	return &PipelineChecker{source: source, staleAfter: staleAfter, clock: clk}
}

func (c *PipelineChecker) Name() string {
	return "pipeline"
}

func (c *PipelineChecker) Check(ctx context.Context) Check {
	now := c.clock.Now()
	check := Check{
		Name:      c.Name(),
		Timestamp: now,
		Details:   make(map[string]interface{}),
	}

	started := c.source.StartedAt()
	if started.IsZero() {
		check.Status = StatusUnhealthy
		check.Message = "Pipeline is not running"
		return check
	}

	last := c.source.LastPublished()
	ref := last
	if ref.IsZero() {
		ref = started
	} else {
		check.Details["last_published"] = last
	}
	age := now.Sub(ref)
	check.Details["age_ms"] = age.Milliseconds()

	if c.staleAfter > 0 && age > c.staleAfter {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("No detections published for %s", age.Round(time.Millisecond))
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Pipeline is publishing"
	return check
}

// FFmpegChecker verifies the ffmpeg binary used by the frame source
type FFmpegChecker struct {
	ffmpeg *video.FFmpegWrapper
}

// NewFFmpegChecker creates a checker for ffmpeg
func NewFFmpegChecker(ffmpeg *video.FFmpegWrapper) *FFmpegChecker {
	return &FFmpegChecker{ffmpeg: ffmpeg}
}

func (c *FFmpegChecker) Name() string {
	return "ffmpeg"
}

func (c *FFmpegChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}

	version, err := c.ffmpeg.GetVersion()
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("ffmpeg unavailable: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "ffmpeg available"
	check.Details["version"] = version
	return check
}
