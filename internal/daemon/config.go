// Package daemon wires configuration, logging and the HTTP server together.
package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/inspectd/inspectd/internal/infra/imaging"
)

// Config is the on-disk configuration ($INSPECTD_HOME/config.toml).
type Config struct {
	API       APIConfig       `toml:"api"`
	Models    ModelsConfig    `toml:"models"`
	Inference InferenceConfig `toml:"inference"`
	Analyze   AnalyzeConfig   `toml:"analyze"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Log       LogConfig       `toml:"log"`
}

// APIConfig controls the HTTP listener.
type APIConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	RequestTimeout string `toml:"request_timeout"`
	MaxUpload      string `toml:"max_upload"`
}

// ModelsConfig locates the model tree.
type ModelsConfig struct {
	Root string `toml:"root"`
}

// InferenceConfig configures the engine adapter. Device and Task are applied
// to every load and cannot be changed per request.
type InferenceConfig struct {
	Endpoint string `toml:"endpoint"`
	Device   string `toml:"device"`
	Task     string `toml:"task"`
	Timeout  string `toml:"timeout"`
}

// AnalyzeConfig holds scoring defaults.
type AnalyzeConfig struct {
	DefaultThreshold float64 `toml:"default_threshold"`
	BatchConcurrency int     `toml:"batch_concurrency"`
	MaxPixels        int64   `toml:"max_pixels"` // width*height cap for uploads
}

// TelemetryConfig toggles /metrics and /debug/spans.
type TelemetryConfig struct {
	Metrics bool `toml:"metrics"`
	Traces  bool `toml:"traces"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
}

// DefaultConfig returns defaults rooted at Home().
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8000,
			RequestTimeout: "5m",
			MaxUpload:      "32MB",
		},
		Models: ModelsConfig{
			Root: filepath.Join(Home(), "models"),
		},
		Inference: InferenceConfig{
			Endpoint: "http://127.0.0.1:9000",
			Device:   "CPU",
			Task:     "classification",
			Timeout:  "60s",
		},
		Analyze: AnalyzeConfig{
			DefaultThreshold: 0.7,
			BatchConcurrency: 4,
			MaxPixels:        imaging.DefaultMaxPixels,
		},
		Telemetry: TelemetryConfig{
			Metrics: true,
			Traces:  true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Home returns $INSPECTD_HOME or ~/.inspectd.
func Home() string {
	if env := os.Getenv("INSPECTD_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".inspectd")
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// LoadConfig reads path over the defaults. A missing file is not an error.
// INSPECTD_MODELS_DIR overrides models.root.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if dir := os.Getenv("INSPECTD_MODELS_DIR"); dir != "" {
		cfg.Models.Root = dir
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Models.Root == "" {
		return errors.New("models.root must be set")
	}
	if c.Inference.Endpoint == "" {
		return errors.New("inference.endpoint must be set")
	}
	if c.Analyze.MaxPixels <= 0 {
		return fmt.Errorf("analyze.max_pixels %d must be positive", c.Analyze.MaxPixels)
	}
	if math.IsNaN(c.Analyze.DefaultThreshold) || math.IsInf(c.Analyze.DefaultThreshold, 0) {
		return errors.New("analyze.default_threshold must be a finite number")
	}
	for name, v := range map[string]string{
		"api.request_timeout": c.API.RequestTimeout,
		"inference.timeout":   c.Inference.Timeout,
	} {
		if _, err := time.ParseDuration(v); v != "" && err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Addr returns host:port for the listener.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// parseDuration returns def for empty or malformed values.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// parseSize converts "32MB", "1GB", "512KB" or a byte count into bytes.
// Empty or malformed input yields the 32MB default.
func parseSize(s string) int64 {
	const def = 32 * 1024 * 1024
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return def
	}

	multipliers := []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}
	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			n, err := strconv.ParseInt(strings.TrimSpace(strings.TrimSuffix(s, m.suffix)), 10, 64)
			if err != nil || n <= 0 {
				return def
			}
			return n * m.mult
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
