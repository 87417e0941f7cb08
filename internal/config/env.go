package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MOTION_"

// LoadEnv loads variables from a .env file without overriding the
// environment. A missing file is not an error.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	slog.Debug("config: environment file loaded", "path", path)
	return nil
}

type override struct {
	key   string
	apply func(cfg *Config, v string) error
}

var overrides = []override{
	{"INSTANCE_ID", func(c *Config, v string) error { c.InstanceID = v; return nil }},
	{"VIDEO_PATH", func(c *Config, v string) error { c.Video.Path = v; return nil }},
	{"BACKEND", func(c *Config, v string) error { c.Video.Backend = v; return nil }},
	{"QUALITY", func(c *Config, v string) error { return parseFloat(v, &c.Video.Quality) }},
	{"START_S", func(c *Config, v string) error { return parseFloat(v, &c.Video.StartS) }},
	{"END_S", func(c *Config, v string) error { return parseFloat(v, &c.Video.EndS) }},
	{"THRESHOLD", func(c *Config, v string) error { return parseInt(v, &c.Compare.Threshold) }},
	{"SHADE_RADIUS", func(c *Config, v string) error { return parseInt(v, &c.Compare.ShadeRadius) }},
	{"SHOW_MOTION", func(c *Config, v string) error { return parseBool(v, &c.Compare.ShowMotion) }},
	{"WORKERS", func(c *Config, v string) error { return parseInt(v, &c.Compare.Workers) }},
	{"MQTT_BROKER", func(c *Config, v string) error { c.MQTT.Broker = v; c.MQTT.Enabled = v != ""; return nil }},
	{"SERVER_ADDR", func(c *Config, v string) error { c.Server.Addr = v; c.Server.Enabled = v != ""; return nil }},
	{"SNAPSHOT_DIR", func(c *Config, v string) error { c.Snapshots.Dir = v; c.Snapshots.Enabled = v != ""; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Log.Format = v; return nil }},
}

// ApplyEnv applies MOTION_* overrides from lookup (os.LookupEnv when nil)
// and validates the result.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var applied []string
	for _, o := range overrides {
		v, ok := lookup(EnvPrefix + o.key)
		if !ok {
			continue
		}
		if err := o.apply(cfg, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, o.key, err)
		}
		applied = append(applied, EnvPrefix+o.key)
	}
	if len(applied) > 0 {
		slog.Info("config: environment overrides applied", "keys", applied)
	}

	if err := Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func parseInt(v string, dst *int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseFloat(v string, dst *float64) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

func parseBool(v string, dst *bool) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}
