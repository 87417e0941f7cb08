package config

import (
	"fmt"
	"regexp"
	"strings"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

var backends = map[string]bool{"gstreamer": true, "opencv": true, "raw": true}

// Validate checks if the configuration is valid and fills derived defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateVideo(&cfg.Video); err != nil {
		return fmt.Errorf("video: %w", err)
	}

	// Buffer watermarks
	if cfg.Buffer.Capacity <= 0 {
		return fmt.Errorf("buffer.capacity must be > 0")
	}
	if cfg.Buffer.LowWater < 0 || cfg.Buffer.LowWater >= cfg.Buffer.Capacity {
		return fmt.Errorf("buffer.low_water must be in [0, capacity), got %d", cfg.Buffer.LowWater)
	}

	if err := ValidateCompare(cfg.Compare); err != nil {
		return fmt.Errorf("compare: %w", err)
	}

	// MQTT; topics default to the instance id
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = fmt.Sprintf("motion-%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Results == "" {
		cfg.MQTT.Topics.Results = fmt.Sprintf("motion/results/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = fmt.Sprintf("motion/status/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("motion/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}

	if cfg.Server.Enabled && cfg.Server.Addr == "" {
		return fmt.Errorf("server.addr is required when server is enabled")
	}

	// Snapshots
	if cfg.Snapshots.Every <= 0 {
		cfg.Snapshots.Every = 1
	}
	cfg.Snapshots.Format = strings.ToLower(cfg.Snapshots.Format)
	switch cfg.Snapshots.Format {
	case "png":
	case "jpeg", "jpg":
		cfg.Snapshots.Format = "jpeg"
		if cfg.Snapshots.Quality <= 0 || cfg.Snapshots.Quality > 100 {
			cfg.Snapshots.Quality = 90
		}
	default:
		return fmt.Errorf("snapshots.format must be 'png' or 'jpeg', got '%s'", cfg.Snapshots.Format)
	}
	if cfg.Snapshots.Enabled && cfg.Snapshots.Dir == "" {
		return fmt.Errorf("snapshots.dir is required when snapshots are enabled")
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	case "":
		cfg.Log.Level = "info"
	default:
		return fmt.Errorf("log.level '%s' unknown", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	case "":
		cfg.Log.Format = "json"
	default:
		return fmt.Errorf("log.format must be 'json' or 'text', got '%s'", cfg.Log.Format)
	}

	return nil
}

func validateVideo(v *VideoConfig) error {
	if v.Backend == "" {
		v.Backend = "gstreamer"
	}
	if !backends[v.Backend] {
		return fmt.Errorf("backend '%s' unknown (must be gstreamer, opencv or raw)", v.Backend)
	}
	if v.Quality == 0 {
		v.Quality = 1.0
	}
	if v.Quality < 0 || v.Quality > 4 {
		return fmt.Errorf("quality must be in (0, 4], got %.2f", v.Quality)
	}
	if (v.Width == 0) != (v.Height == 0) || v.Width < 0 || v.Height < 0 {
		return fmt.Errorf("width and height must both be set, got %dx%d", v.Width, v.Height)
	}
	if v.StartS < 0 || v.EndS < 0 {
		return fmt.Errorf("start_s and end_s must be >= 0")
	}
	if v.EndS > 0 && v.EndS <= v.StartS {
		return fmt.Errorf("end_s (%.2f) must be after start_s (%.2f)", v.EndS, v.StartS)
	}

	if v.Backend == "raw" {
		if v.Raw.Width <= 0 || v.Raw.Height <= 0 || v.Raw.FPS <= 0 {
			return fmt.Errorf("raw backend needs raw.width, raw.height and raw.fps")
		}
	}
	return nil
}

// ValidateCompare checks the hot-reloadable section
func ValidateCompare(c CompareConfig) error {
	if c.Threshold < 0 || c.Threshold > 255 {
		return fmt.Errorf("threshold must be in [0, 255], got %d", c.Threshold)
	}
	if c.ShadeRadius < 0 {
		return fmt.Errorf("shade_radius must be >= 0, got %d", c.ShadeRadius)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	if err := c.ROI.Validate(); err != nil {
		return fmt.Errorf("roi: %w", err)
	}
	return nil
}
