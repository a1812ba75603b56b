package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Encoder   EncoderConfig   `yaml:"encoder"`
	Inference InferenceConfig `yaml:"inference"`
	Overlay   OverlayConfig   `yaml:"overlay"`
	Web       WebConfig       `yaml:"web"`
	Health    HealthConfig    `yaml:"health"`
	Log       LogConfig       `yaml:"log,omitempty"`
}

// Source kinds
const (
	SourceKindFFmpeg  = "ffmpeg"
	SourceKindPattern = "pattern"
)

// SourceConfig describes where raw frames come from
type SourceConfig struct {
	Kind     string  `yaml:"kind"`     // ffmpeg or pattern
	Input    string  `yaml:"input"`    // ffmpeg input (device, file, URL)
	Format   string  `yaml:"format"`   // ffmpeg input format, e.g. v4l2
	Width    int     `yaml:"width"`    // decoded frame width
	Height   int     `yaml:"height"`   // decoded frame height
	FPS      float64 `yaml:"fps"`      // delivery rate
	Rotation int     `yaml:"rotation"` // sensor rotation hint attached to every frame
	PoolSize int     `yaml:"pool_size"`
	Realtime bool    `yaml:"realtime"` // pace file inputs at native rate
	Loop     bool    `yaml:"loop"`     // restart file inputs at end of stream
}

// Dispatch policies
const (
	DispatchConcurrent = "concurrent"
	DispatchSerialize  = "serialize"
)

// PipelineConfig controls sampling and publication
type PipelineConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	Dispatch       string        `yaml:"dispatch"`
	RetainCycles   int           `yaml:"retain_cycles"` // failed cycles the last detections survive
	MaxAge         time.Duration `yaml:"max_age"`       // 0 disables aging out
	MinConfidence  float64       `yaml:"min_confidence"`
}

// EncoderConfig controls still-image compression
type EncoderConfig struct {
	Quality int `yaml:"quality"`
}

// InferenceConfig describes the remote detection endpoint
type InferenceConfig struct {
	EndpointURL      string        `yaml:"endpoint_url"`
	APIKey           string        `yaml:"api_key"` // never logged
	Timeout          time.Duration `yaml:"timeout"`
	MaxInFlight      int           `yaml:"max_in_flight"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"`
}

// OverlayConfig describes the destination surface and orientation correction
type OverlayConfig struct {
	SurfaceWidth  int               `yaml:"surface_width"`
	SurfaceHeight int               `yaml:"surface_height"`
	Transform     TransformConfig   `yaml:"transform"`
	LabelColors   map[string]string `yaml:"label_colors"` // label -> color class
}

// TransformConfig is the axis permutation applied when mapping onto the surface
type TransformConfig struct {
	Rotation int  `yaml:"rotation"` // clockwise quarter turns in degrees
	MirrorX  bool `yaml:"mirror_x"`
	MirrorY  bool `yaml:"mirror_y"`
}

// WebConfig contains web server configuration
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// HealthConfig contains health check server configuration
type HealthConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Port       int           `yaml:"port"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// getDefaultConfigPath returns the default configuration file path
func getDefaultConfigPath() string {
	paths := []string{
		"./config/config.dev.yaml",
		"./config/config.yaml",
		"../config/config.dev.yaml",
		"../config/config.yaml",
		"/etc/defect-overlay/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return paths[0]
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Source.Kind == "" {
		c.Source.Kind = SourceKindPattern
	}
	if c.Source.Width == 0 {
		c.Source.Width = 640
	}
	if c.Source.Height == 0 {
		c.Source.Height = 480
	}
	if c.Source.FPS == 0 {
		c.Source.FPS = 30
	}
	if c.Source.PoolSize == 0 {
		c.Source.PoolSize = 4
	}

	if c.Pipeline.SampleInterval == 0 {
		c.Pipeline.SampleInterval = 200 * time.Millisecond
	}
	if c.Pipeline.Dispatch == "" {
		c.Pipeline.Dispatch = DispatchConcurrent
	}

	if c.Encoder.Quality == 0 {
		c.Encoder.Quality = 80
	}

	if c.Inference.EndpointURL == "" {
		c.Inference.EndpointURL = "https://detect.roboflow.com/canned-food-surface-defect/1"
	}
	if c.Inference.Timeout == 0 {
		c.Inference.Timeout = 10 * time.Second
	}
	if c.Inference.MaxInFlight == 0 {
		c.Inference.MaxInFlight = 4
	}
	if c.Inference.MaxResponseBytes == 0 {
		c.Inference.MaxResponseBytes = 1 << 20
	}

	if c.Overlay.SurfaceWidth == 0 {
		c.Overlay.SurfaceWidth = 1080
	}
	if c.Overlay.SurfaceHeight == 0 {
		c.Overlay.SurfaceHeight = 1920
	}

	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8090
	}

	if c.Health.Port == 0 {
		c.Health.Port = 8091
	}
	if c.Health.StaleAfter == 0 {
		c.Health.StaleAfter = 30 * time.Second
	}
}
