package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/vzahanych/defect-overlay/internal/logger"
)

// Service provides configuration management with .env and environment variable support
type Service struct {
	config     *Config
	configPath string
	envFiles   []string
	logger     *logger.Logger
	mu         sync.RWMutex
	watchers   []ConfigWatcher
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(ctx context.Context, oldConfig, newConfig *Config) error

// NewService loads, overrides and validates the configuration.
// envFiles are optional dotenv files; missing ones are ignored.
func NewService(configPath string, log *logger.Logger, envFiles ...string) (*Service, error) {
	loadEnvFiles(envFiles)

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial configuration: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Service{
		config:     cfg,
		configPath: configPath,
		envFiles:   envFiles,
		logger:     log,
		watchers:   make([]ConfigWatcher, 0),
	}, nil
}

// SetLogger replaces the logger, typically once the configured one is built
func (s *Service) SetLogger(log *logger.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = log
}

// Get returns the current configuration (thread-safe)
func (s *Service) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Reload reloads the configuration from file and notifies watchers.
// The previous configuration stays active when the new one is invalid.
func (s *Service) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldConfig := s.config

	loadEnvFiles(s.envFiles)

	newConfig, err := Load(s.configPath)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}

	applyEnvOverrides(newConfig)

	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid reloaded configuration: %w", err)
	}

	s.config = newConfig

	for _, watcher := range s.watchers {
		if err := watcher(ctx, oldConfig, newConfig); err != nil {
			s.logger.Error("Config watcher error", "error", err)
		}
	}

	s.logger.Info("Configuration reloaded", "path", s.configPath)
	return nil
}

// Watch registers a configuration change watcher
func (s *Service) Watch(watcher ConfigWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, watcher)
}

// loadEnvFiles populates the process environment from dotenv files.
// Variables already set in the environment win.
func loadEnvFiles(files []string) {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		_ = godotenv.Load(f)
	}
}

// applyEnvOverrides applies environment variable overrides to configuration
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("DEFECT_API_KEY"); val != "" {
		cfg.Inference.APIKey = val
	}
	if val := os.Getenv("DEFECT_ENDPOINT_URL"); val != "" {
		cfg.Inference.EndpointURL = val
	}
	if val := os.Getenv("DEFECT_SAMPLE_INTERVAL"); val != "" {
		if interval, err := time.ParseDuration(val); err == nil {
			cfg.Pipeline.SampleInterval = interval
		}
	}
	if val := os.Getenv("DEFECT_ENCODER_QUALITY"); val != "" {
		if q, err := strconv.Atoi(val); err == nil {
			cfg.Encoder.Quality = q
		}
	}
	if val := os.Getenv("DEFECT_SOURCE_INPUT"); val != "" {
		cfg.Source.Input = val
	}

	if val := os.Getenv("DEFECT_LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("DEFECT_LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}
}
