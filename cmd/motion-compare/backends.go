package main

import (
	"fmt"

	motion "github.com/e7canasta/orion-motion"
	"github.com/e7canasta/orion-motion/internal/config"
	"github.com/e7canasta/orion-motion/internal/feed/gstreamer"
	"github.com/e7canasta/orion-motion/internal/feed/opencv"
)

// newSource builds the decode backend named by cfg.Video.Backend.
func newSource(cfg *config.Config) (motion.Source, error) {
	switch cfg.Video.Backend {
	case "gstreamer":
		f, err := gstreamer.NewFeed()
		if err != nil {
			return motion.Source{}, err
		}
		p, err := gstreamer.NewProber()
		if err != nil {
			return motion.Source{}, err
		}
		return motion.Source{Name: "gstreamer", Feed: f, Prober: p}, nil

	case "opencv":
		return motion.Source{Name: "opencv", Feed: opencv.NewFeed(), Prober: opencv.NewProber()}, nil

	case "raw":
		return motion.RawSource(cfg.Video.Raw)

	default:
		return motion.Source{}, fmt.Errorf("unknown backend %q", cfg.Video.Backend)
	}
}
