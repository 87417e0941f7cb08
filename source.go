package motion

import (
	"fmt"

	"github.com/e7canasta/orion-motion/internal/config"
	"github.com/e7canasta/orion-motion/internal/feed"
	"github.com/e7canasta/orion-motion/internal/frame"
)

// Source is the decode backend of a pipeline.
type Source struct {
	Name   string
	Feed   feed.Feed
	Prober feed.Prober
}

// RawSource reads header-less BGR files with the geometry in cfg.
func RawSource(cfg config.RawConfig) (Source, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.FPS <= 0 {
		return Source{}, fmt.Errorf("motion: raw source needs width, height and fps, got %dx%d@%.2f", cfg.Width, cfg.Height, cfg.FPS)
	}
	return Source{
		Name: "raw",
		Feed: feed.RawFile{},
		Prober: feed.RawProber{
			Width:  cfg.Width,
			Height: cfg.Height,
			Format: frame.BGR24,
			FPS:    cfg.FPS,
		},
	}, nil
}
