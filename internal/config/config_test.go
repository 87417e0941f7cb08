package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/e7canasta/orion-motion/internal/compare"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Compare.Threshold != 30 || !cfg.Compare.ShowMotion || cfg.Compare.ROI != compare.FullFrame() {
		t.Errorf("unexpected compare defaults: %+v", cfg.Compare)
	}
	if cfg.MQTT.Topics.Results != "motion/results/motion" {
		t.Errorf("topic default = %q", cfg.MQTT.Topics.Results)
	}
}

func TestParse(t *testing.T) {
	data := []byte(`
instance_id: bees-1
video:
  path: /data/hive.mp4
  quality: 0.25
  start_s: 2
  end_s: 10
buffer:
  capacity: 10
  low_water: 2
compare:
  threshold: 45
  show_motion: false
  roi: {left: 0.1, top: 0.2, right: 0.9, bottom: 0.8}
snapshots:
  format: JPG
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Video.Quality != 0.25 || cfg.Video.StartTime() != 2*time.Second || cfg.Video.EndTime() != 10*time.Second {
		t.Errorf("video = %+v", cfg.Video)
	}
	if cfg.Buffer.Capacity != 10 || cfg.Buffer.LowWater != 2 {
		t.Errorf("buffer = %+v", cfg.Buffer)
	}
	want := compare.ROI{Left: 0.1, Top: 0.2, Right: 0.9, Bottom: 0.8}
	if cfg.Compare.Threshold != 45 || cfg.Compare.ShowMotion || cfg.Compare.ROI != want {
		t.Errorf("compare = %+v", cfg.Compare)
	}
	// Untouched sections keep their defaults.
	if cfg.Compare.ShadeRadius != compare.DefaultShadeRadius || cfg.Log.Format != "json" {
		t.Errorf("defaults lost: radius=%d log=%s", cfg.Compare.ShadeRadius, cfg.Log.Format)
	}
	if cfg.Snapshots.Format != "jpeg" || cfg.MQTT.Topics.Control != "motion/control/bees-1" {
		t.Errorf("derived values: format=%s control=%s", cfg.Snapshots.Format, cfg.MQTT.Topics.Control)
	}
}

func TestValidateRejects(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad_instance", func(c *Config) { c.InstanceID = "Bees 1" }, "instance_id"},
		{"unknown_backend", func(c *Config) { c.Video.Backend = "vlc" }, "backend"},
		{"end_before_start", func(c *Config) { c.Video.StartS, c.Video.EndS = 5, 3 }, "end_s"},
		{"half_size", func(c *Config) { c.Video.Width = 320 }, "width and height"},
		{"raw_without_geometry", func(c *Config) { c.Video.Backend = "raw" }, "raw backend"},
		{"low_water_too_high", func(c *Config) { c.Buffer.LowWater = c.Buffer.Capacity }, "low_water"},
		{"threshold", func(c *Config) { c.Compare.Threshold = 300 }, "threshold"},
		{"inverted_roi", func(c *Config) { c.Compare.ROI = compare.ROI{Left: 1, Top: 0, Right: 0, Bottom: 1} }, "roi"},
		{"mqtt_without_broker", func(c *Config) { c.MQTT.Enabled, c.MQTT.Broker = true, "" }, "mqtt.broker"},
		{"snapshot_format", func(c *Config) { c.Snapshots.Format = "gif" }, "snapshots.format"},
		{"log_level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}

	cfg := Default()
	cfg.Compare.ROI = compare.ROI{Left: 1, Top: 0, Right: 0, Bottom: 1}
	if err := Validate(cfg); !errors.Is(err, compare.ErrInvalidROI) {
		t.Errorf("ROI error should wrap ErrInvalidROI: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MOTION_VIDEO_PATH":  "/tmp/clip.mp4",
		"MOTION_THRESHOLD":   "12",
		"MOTION_SHOW_MOTION": "false",
		"MOTION_MQTT_BROKER": "tcp://broker:1883",
		"MOTION_LOG_LEVEL":   "DEBUG",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := ApplyEnv(cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Video.Path != "/tmp/clip.mp4" || cfg.Compare.Threshold != 12 || cfg.Compare.ShowMotion {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "tcp://broker:1883" || cfg.Log.Level != "debug" {
		t.Errorf("mqtt/log overrides: %+v %+v", cfg.MQTT, cfg.Log)
	}

	env["MOTION_THRESHOLD"] = "lots"
	if err := ApplyEnv(Default(), lookup); err == nil || !strings.Contains(err.Error(), "MOTION_THRESHOLD") {
		t.Errorf("bad integer accepted: %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing .env should be ignored: %v", err)
	}

	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("MOTION_TEST_DOTENV=loaded\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("MOTION_TEST_DOTENV") })
	if err := LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if os.Getenv("MOTION_TEST_DOTENV") != "loaded" {
		t.Errorf("variable not loaded from %s", path)
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "motion.yaml")
	if err := os.WriteFile(path, []byte("compare:\n  threshold: 20\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	errc := make(chan error, 1)
	go func() { errc <- Watch(ctx, path, func(c *Config) { reloaded <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	// An invalid file is skipped.
	if err := os.WriteFile(path, []byte("compare:\n  threshold: 999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(3 * reloadDebounce)
	if err := os.WriteFile(path, []byte("compare:\n  threshold: 42\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Compare.Threshold != 42 {
			t.Errorf("reloaded threshold = %d, want 42", cfg.Compare.Threshold)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Watch returned %v", err)
	}
	t.Logf("✅ Hot reload delivered the new threshold")
}
