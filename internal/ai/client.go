package ai

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/vzahanych/defect-overlay/internal/logger"
	"github.com/vzahanych/defect-overlay/internal/video"
)

const (
	defaultTimeout          = 10 * time.Second
	defaultMaxInFlight      = 4
	defaultMaxResponseBytes = 1 << 20
	errorBodyLimit          = 256
)

// Client submits encoded frames to a hosted detection endpoint
type Client struct {
	endpoint     string
	redacted     string
	httpClient   *http.Client
	sem          *semaphore.Weighted
	maxInFlight  int64
	maxBodyBytes int64
	logger       *logger.Logger
}

// ClientConfig contains configuration for the inference client
type ClientConfig struct {
	EndpointURL      string
	APIKey           string
	Timeout          time.Duration
	MaxInFlight      int
	MaxResponseBytes int64
	HTTPClient       *http.Client
}

// Result is the outcome of one inference call
type Result struct {
	RequestID string
	Body      []byte
	Duration  time.Duration
	Err       error
}

// NewClient creates a new inference client
func NewClient(config ClientConfig, log *logger.Logger) (*Client, error) {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = defaultMaxInFlight
	}
	if config.MaxResponseBytes <= 0 {
		config.MaxResponseBytes = defaultMaxResponseBytes
	}

	u, err := url.Parse(config.EndpointURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint url %q", config.EndpointURL)
	}
	redacted := u.Redacted()
	q := u.Query()
	q.Set("api_key", config.APIKey)
	u.RawQuery = q.Encode()

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	return &Client{
		endpoint:     u.String(),
		redacted:     redacted,
		httpClient:   httpClient,
		sem:          semaphore.NewWeighted(int64(config.MaxInFlight)),
		maxInFlight:  int64(config.MaxInFlight),
		maxBodyBytes: config.MaxResponseBytes,
		logger:       log,
	}, nil
}

// Endpoint returns the endpoint URL without the API key
func (c *Client) Endpoint() string {
	return c.redacted
}

// MaxInFlight returns the concurrent request limit
func (c *Client) MaxInFlight() int {
	return int(c.maxInFlight)
}

// Submit starts an inference call and returns immediately. The returned
// channel receives exactly one Result and is then closed. ErrBusy is returned
// without starting a call when the in-flight limit is reached.
func (c *Client) Submit(ctx context.Context, img *video.EncodedImage) (<-chan Result, error) {
	if !c.sem.TryAcquire(1) {
		return nil, ErrBusy
	}

	out := make(chan Result, 1)
	go func() {
		defer c.sem.Release(1)
		defer close(out)
		out <- c.do(ctx, img)
	}()
	return out, nil
}

// Infer performs a blocking inference call and returns the raw reply body
func (c *Client) Infer(ctx context.Context, img *video.EncodedImage) ([]byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	res := c.do(ctx, img)
	return res.Body, res.Err
}

func (c *Client) do(ctx context.Context, img *video.EncodedImage) Result {
	requestID := uuid.New().String()
	start := time.Now()
	result := Result{RequestID: requestID}

	payload := base64.StdEncoding.EncodeToString(img.Data)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(payload))
	if err != nil {
		result.Err = &TransportError{Err: fmt.Errorf("failed to create request: %w", err)}
		return result
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Request-ID", requestID)

	c.logger.Debug("Sending inference request",
		"endpoint", c.redacted,
		"request_id", requestID,
		"frame_seq", img.FrameSeq,
		"jpeg_bytes", len(img.Data),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		result.Duration = time.Since(start)
		result.Err = &TransportError{Err: err}
		return result
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	result.Duration = time.Since(start)
	if err != nil {
		result.Err = &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
		return result
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("Inference endpoint returned error",
			"request_id", requestID,
			"status", resp.StatusCode,
		)
		result.Err = &TransportError{StatusCode: resp.StatusCode, Body: truncate(body, errorBodyLimit)}
		return result
	}

	if int64(len(body)) > c.maxBodyBytes {
		result.Err = fmt.Errorf("%w: response exceeds %d bytes", ErrMalformedResponse, c.maxBodyBytes)
		return result
	}

	c.logger.Debug("Inference completed",
		"request_id", requestID,
		"status", resp.StatusCode,
		"duration_ms", result.Duration.Milliseconds(),
	)

	result.Body = body
	return result
}

func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
