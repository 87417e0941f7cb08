package gstreamer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/orion-motion/internal/feed"
)

var framerateRe = regexp.MustCompile(`framerate=\(fraction\)(\d+)/(\d+)`)

// Prober reads container metadata by prerolling a decode pipeline into a
// fakesink and inspecting the negotiated caps.
type Prober struct {
	Timeout time.Duration
}

// NewProber checks GStreamer is usable and returns a prober.
func NewProber() (*Prober, error) {
	if err := Init(); err != nil {
		return nil, err
	}
	return &Prober{Timeout: PrerollTimeout}, nil
}

// Probe implements feed.Prober.
func (p *Prober) Probe(ctx context.Context, path string) (feed.Info, error) {
	pipelineStr := fmt.Sprintf(
		"filesrc location=%s ! decodebin ! videoconvert ! video/x-raw,format=BGR ! fakesink name=probe",
		quote(path),
	)
	slog.Debug("gstreamer: creating probe pipeline", "pipeline", pipelineStr)

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return feed.Info{}, feed.Errorf("probe", err)
	}
	defer pipeline.SetState(gst.StateNull)

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = PrerollTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := preroll(probeCtx, pipeline); err != nil {
		return feed.Info{}, err
	}

	info := feed.Info{Path: path}
	if err := extractCaps(pipeline, &info); err != nil {
		return feed.Info{}, &feed.Error{Op: "probe", Kind: feed.KindDecode, Err: err}
	}

	if ok, duration := pipeline.QueryDuration(gst.FormatTime); ok && duration > 0 {
		info.Duration = time.Duration(duration)
	}
	if info.FPS > 0 {
		info.FrameCount = int(math.Round(info.Duration.Seconds() * info.FPS))
	}

	slog.Info("gstreamer: video metadata detected",
		"path", path,
		"width", info.Width,
		"height", info.Height,
		"fps", info.FPS,
		"duration", info.Duration,
		"frames", info.FrameCount,
	)
	return info, nil
}

// extractCaps reads width, height and framerate from the probe sink pad.
func extractCaps(pipeline *gst.Pipeline, info *feed.Info) error {
	sink, err := pipeline.GetElementByName("probe")
	if err != nil {
		return fmt.Errorf("failed to find probe sink: %w", err)
	}

	pad := sink.GetStaticPad("sink")
	if pad == nil {
		return fmt.Errorf("probe sink has no sink pad")
	}

	caps := pad.GetCurrentCaps()
	if caps == nil || caps.GetSize() == 0 {
		return fmt.Errorf("no caps negotiated")
	}

	structure := caps.GetStructureAt(0)
	if val, err := structure.GetValue("width"); err == nil {
		if width, ok := val.(int); ok {
			info.Width = width
		}
	}
	if val, err := structure.GetValue("height"); err == nil {
		if height, ok := val.(int); ok {
			info.Height = height
		}
	}
	info.FPS = parseFramerate(caps.String())

	if info.Width <= 0 || info.Height <= 0 {
		return fmt.Errorf("could not find video size in caps %s", caps.String())
	}
	return nil
}

// parseFramerate extracts the framerate fraction from a caps string.
// Examples: "30/1" → 30, "30000/1001" → 29.97
func parseFramerate(caps string) float64 {
	m := framerateRe.FindStringSubmatch(caps)
	if m == nil {
		return 0
	}
	num, _ := strconv.Atoi(m[1])
	den, _ := strconv.Atoi(m[2])
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
