package config

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/multierr"
)

// Validate validates the configuration and reports every problem found
func (c *Config) Validate() error {
	var errs error

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = multierr.Append(errs, fmt.Errorf("invalid log.level: %s (must be: debug, info, warn, error, fatal)", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = multierr.Append(errs, fmt.Errorf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	switch c.Source.Kind {
	case SourceKindPattern:
	case SourceKindFFmpeg:
		if c.Source.Input == "" {
			errs = multierr.Append(errs, fmt.Errorf("source.input is required for kind %q", SourceKindFFmpeg))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("invalid source.kind: %s (must be: ffmpeg or pattern)", c.Source.Kind))
	}
	if c.Source.Width <= 0 || c.Source.Height <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("source dimensions must be > 0, got: %dx%d", c.Source.Width, c.Source.Height))
	}
	if c.Source.FPS <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("source.fps must be > 0, got: %.2f", c.Source.FPS))
	}
	if !validQuarterTurn(c.Source.Rotation) {
		errs = multierr.Append(errs, fmt.Errorf("source.rotation must be 0, 90, 180 or 270, got: %d", c.Source.Rotation))
	}
	if c.Source.PoolSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("source.pool_size must be > 0, got: %d", c.Source.PoolSize))
	}

	if c.Pipeline.SampleInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("pipeline.sample_interval must be > 0, got: %v", c.Pipeline.SampleInterval))
	}
	if c.Pipeline.Dispatch != DispatchConcurrent && c.Pipeline.Dispatch != DispatchSerialize {
		errs = multierr.Append(errs, fmt.Errorf("invalid pipeline.dispatch: %s (must be: concurrent or serialize)", c.Pipeline.Dispatch))
	}
	if c.Pipeline.RetainCycles < 0 {
		errs = multierr.Append(errs, fmt.Errorf("pipeline.retain_cycles must be >= 0, got: %d", c.Pipeline.RetainCycles))
	}
	if c.Pipeline.MaxAge < 0 {
		errs = multierr.Append(errs, fmt.Errorf("pipeline.max_age must be >= 0, got: %v", c.Pipeline.MaxAge))
	}
	if c.Pipeline.MinConfidence < 0 || c.Pipeline.MinConfidence > 1 {
		errs = multierr.Append(errs, fmt.Errorf("pipeline.min_confidence must be between 0 and 1, got: %.2f", c.Pipeline.MinConfidence))
	}

	if c.Encoder.Quality < 1 || c.Encoder.Quality > 100 {
		errs = multierr.Append(errs, fmt.Errorf("encoder.quality must be between 1 and 100, got: %d", c.Encoder.Quality))
	}

	if u, err := url.Parse(c.Inference.EndpointURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = multierr.Append(errs, fmt.Errorf("inference.endpoint_url must be an absolute URL, got: %q", c.Inference.EndpointURL))
	}
	if c.Inference.APIKey == "" {
		errs = multierr.Append(errs, fmt.Errorf("inference.api_key is required (or set DEFECT_API_KEY)"))
	}
	if c.Inference.Timeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("inference.timeout must be > 0, got: %v", c.Inference.Timeout))
	}
	if c.Inference.MaxInFlight <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("inference.max_in_flight must be > 0, got: %d", c.Inference.MaxInFlight))
	}
	if c.Inference.MaxResponseBytes <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("inference.max_response_bytes must be > 0, got: %d", c.Inference.MaxResponseBytes))
	}

	if c.Overlay.SurfaceWidth <= 0 || c.Overlay.SurfaceHeight <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("overlay surface must be > 0, got: %dx%d", c.Overlay.SurfaceWidth, c.Overlay.SurfaceHeight))
	}
	if !validQuarterTurn(c.Overlay.Transform.Rotation) {
		errs = multierr.Append(errs, fmt.Errorf("overlay.transform.rotation must be 0, 90, 180 or 270, got: %d", c.Overlay.Transform.Rotation))
	}
	for label, class := range c.Overlay.LabelColors {
		switch class {
		case "critical", "minor", "ok", "unknown":
		default:
			errs = multierr.Append(errs, fmt.Errorf("overlay.label_colors[%q] must be critical, minor, ok or unknown, got: %q", label, class))
		}
	}

	if c.Web.Enabled && (c.Web.Port <= 0 || c.Web.Port > 65535) {
		errs = multierr.Append(errs, fmt.Errorf("web.port out of range: %d", c.Web.Port))
	}
	if c.Health.Enabled && (c.Health.Port <= 0 || c.Health.Port > 65535) {
		errs = multierr.Append(errs, fmt.Errorf("health.port out of range: %d", c.Health.Port))
	}
	if c.Web.Enabled && c.Health.Enabled && c.Web.Port == c.Health.Port {
		errs = multierr.Append(errs, fmt.Errorf("web.port and health.port must differ, both are %d", c.Web.Port))
	}

	if errs != nil {
		return fmt.Errorf("configuration validation failed: %w", errs)
	}
	return nil
}

func validQuarterTurn(deg int) bool {
	return deg == 0 || deg == 90 || deg == 180 || deg == 270
}
