// Package config loads the YAML configuration shared by the CLI and the
// HTTP service and converts it to runtime options.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sbl8/superablate/contour"
	"github.com/sbl8/superablate/logging"
	"github.com/sbl8/superablate/runtime"
)

// Config is the on-disk configuration.
type Config struct {
	Contour   ContourConfig   `yaml:"contour"`
	Detection DetectionConfig `yaml:"detection"`
	Flow      FlowConfig      `yaml:"flow"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ContourConfig struct {
	Resolution     int    `yaml:"resolution" validate:"gte=2"`
	NEigenvectors  int    `yaml:"n_eigenvectors" validate:"gte=1"`
	Integration    string `yaml:"integration" validate:"omitempty,oneof=trapezoidal simpson riemann"`
	SuperStructure string `yaml:"super_structure" validate:"oneof=even odd"`
}

type DetectionConfig struct {
	PreserveThreshold float32 `yaml:"preserve_threshold" validate:"gte=0"`
	Workers           int     `yaml:"workers" validate:"gte=0"`
}

type FlowConfig struct {
	Steps              int     `yaml:"steps" validate:"gte=1"`
	StepSize           float32 `yaml:"step_size" validate:"gt=0"`
	HarmonicComponents int     `yaml:"harmonic_components" validate:"gte=1"`
	Epsilon            float64 `yaml:"epsilon" validate:"gt=0"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
	// Model is an optional model file served at startup.
	Model string `yaml:"model"`
	// Tracing enables the stdout span exporter.
	Tracing bool `yaml:"tracing"`
}

type StorageConfig struct {
	Path     string `yaml:"path" validate:"required_without=InMemory"`
	InMemory bool   `yaml:"in_memory"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
}

var validate = validator.New()

// Default returns the reference configuration.
func Default() Config {
	opts := runtime.DefaultOptions()
	return Config{
		Contour: ContourConfig{
			Resolution:     opts.Resolution,
			NEigenvectors:  opts.NEigenvectors,
			Integration:    string(opts.Integration),
			SuperStructure: opts.SuperStructure,
		},
		Detection: DetectionConfig{PreserveThreshold: opts.PreserveThreshold},
		Flow: FlowConfig{
			Steps:              opts.FlowSteps,
			StepSize:           opts.FlowStepSize,
			HarmonicComponents: opts.HarmonicComponents,
			Epsilon:            opts.Epsilon,
		},
		Server:  ServerConfig{Addr: ":8080"},
		Storage: StorageConfig{InMemory: true},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefault writes the default configuration to path, creating parent
// directories.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks field constraints and the runtime options they produce.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := contour.ParseQuadrature(c.Contour.Integration); err != nil {
		return err
	}
	return c.Options().Validate()
}

// Options converts the numeric sections to runtime options.
func (c Config) Options() runtime.Options {
	quad, err := contour.ParseQuadrature(c.Contour.Integration)
	if err != nil {
		quad = contour.Trapezoidal
	}
	return runtime.Options{
		Resolution:         c.Contour.Resolution,
		NEigenvectors:      c.Contour.NEigenvectors,
		Integration:        quad,
		SuperStructure:     c.Contour.SuperStructure,
		PreserveThreshold:  c.Detection.PreserveThreshold,
		FlowSteps:          c.Flow.Steps,
		FlowStepSize:       c.Flow.StepSize,
		HarmonicComponents: c.Flow.HarmonicComponents,
		Epsilon:            c.Flow.Epsilon,
		Workers:            c.Detection.Workers,
	}
}

// LoggerConfig converts the logging section for service.
func (c Config) LoggerConfig(service string) logging.Config {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.Config{Level: level, JSON: c.Logging.JSON, Service: service}
}
