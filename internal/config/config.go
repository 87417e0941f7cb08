// Package config loads the motion-compare configuration from YAML, applies
// environment overrides and watches the file for hot reloads.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-motion/internal/compare"
	"github.com/e7canasta/orion-motion/internal/framebuffer"
)

// Config represents the complete configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Video            VideoConfig     `yaml:"video"`
	Buffer           BufferConfig    `yaml:"buffer"`
	Compare          CompareConfig   `yaml:"compare"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Server           ServerConfig    `yaml:"server"`
	Snapshots        SnapshotsConfig `yaml:"snapshots"`
	Log              LogConfig       `yaml:"log"`
}

// VideoConfig selects the input and the decode geometry
type VideoConfig struct {
	Path    string    `yaml:"path"`
	Backend string    `yaml:"backend"` // gstreamer, opencv, raw
	Quality float64   `yaml:"quality"` // scale of the native resolution (default: 1.0)
	Width   int       `yaml:"width"`   // explicit output size, overrides quality
	Height  int       `yaml:"height"`
	StartS  float64   `yaml:"start_s"`
	EndS    float64   `yaml:"end_s"` // 0 plays to the end
	Raw     RawConfig `yaml:"raw"`
}

// RawConfig describes header-less raw inputs
type RawConfig struct {
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
	FPS    float64 `yaml:"fps"`
}

// BufferConfig contains frame buffer watermarks
type BufferConfig struct {
	Capacity int `yaml:"capacity"`
	LowWater int `yaml:"low_water"`
}

// CompareConfig contains the hot-reloadable comparison settings
type CompareConfig struct {
	Threshold   int         `yaml:"threshold"`
	ShadeRadius int         `yaml:"shade_radius"`
	ShowMotion  bool        `yaml:"show_motion"`
	Workers     int         `yaml:"workers"` // 0 uses GOMAXPROCS
	ROI         compare.ROI `yaml:"roi"`
	HistorySize int         `yaml:"history_size"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled  bool       `yaml:"enabled"`
	Broker   string     `yaml:"broker"`
	ClientID string     `yaml:"client_id"`
	Topics   MQTTTopics `yaml:"topics"`
	QoS      byte       `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Results string `yaml:"results"`
	Status  string `yaml:"status"`
	Control string `yaml:"control"`
}

// ServerConfig contains the status server settings
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// SnapshotsConfig controls export of result frames
type SnapshotsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Every   int    `yaml:"every"`  // write one of every N results
	Format  string `yaml:"format"` // png, jpeg
	Quality int    `yaml:"quality"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		InstanceID:       "motion",
		ShutdownTimeoutS: 5,
		Video: VideoConfig{
			Backend: "gstreamer",
			Quality: 1.0,
			Raw:     RawConfig{FPS: 30},
		},
		Buffer: BufferConfig{
			Capacity: framebuffer.DefaultCapacity,
			LowWater: framebuffer.DefaultLowWater,
		},
		Compare: CompareConfig{
			Threshold:   30,
			ShadeRadius: compare.DefaultShadeRadius,
			ShowMotion:  true,
			ROI:         compare.FullFrame(),
			HistorySize: compare.DefaultHistory,
		},
		MQTT: MQTTConfig{
			Broker: "tcp://localhost:1883",
			QoS:    0,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Snapshots: SnapshotsConfig{
			Dir:     "snapshots",
			Every:   30,
			Format:  "png",
			Quality: 90,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads and parses a YAML configuration file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ShutdownTimeout returns the graceful shutdown bound
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// StartTime returns the configured start offset
func (v VideoConfig) StartTime() time.Duration {
	return time.Duration(v.StartS * float64(time.Second))
}

// EndTime returns the configured end bound, zero when unbounded
func (v VideoConfig) EndTime() time.Duration {
	return time.Duration(v.EndS * float64(time.Second))
}
