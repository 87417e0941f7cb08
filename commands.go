package motion

import (
	"fmt"
	"log/slog"

	"github.com/e7canasta/orion-motion/internal/config"
)

// Pause stops decoding and the comparison loop. The position is kept.
func (p *Pipeline) Pause() error {
	p.loop.Pause(true)
	slog.Info("motion: paused", "most_recent_frame", p.loop.MostRecentFrame())
	return nil
}

// Resume continues after the most recent frame. Points of the activity
// series past that frame are discarded first, so resuming after a backward
// seek rewrites that part of the series.
func (p *Pipeline) Resume() error {
	p.mu.RLock()
	ctx := p.runCtx
	p.mu.RUnlock()
	if ctx == nil {
		return fmt.Errorf("motion: pipeline is not running")
	}

	from := p.loop.MostRecentFrame()
	if removed := p.series.TruncateAfter(from); removed > 0 {
		slog.Info("motion: activity truncated", "after_frame", from, "removed", removed)
	}
	if err := p.loop.Start(ctx); err != nil {
		return err
	}
	slog.Info("motion: resumed", "after_frame", from)
	return nil
}

// Stop rewinds to the beginning and clears the activity series.
func (p *Pipeline) Stop() error {
	p.loop.Stop()
	p.series.Reset()
	p.metrics.Reset()
	return nil
}

// Seek moves the resume position to fraction of the video. The loop is
// paused first; call Resume to continue from there.
func (p *Pipeline) Seek(fraction float64) error {
	p.loop.Pause(true)
	if err := p.loop.SeekTo(fraction); err != nil {
		return err
	}
	slog.Info("motion: seek", "fraction", fraction, "most_recent_frame", p.loop.MostRecentFrame())
	return nil
}

func (p *Pipeline) setShowMotion(on bool) error {
	p.loop.SetShowMotion(on)
	return nil
}

// applyConfig applies the hot-reloadable part of a reloaded file. Changes
// outside the compare section need a restart and are only logged.
func (p *Pipeline) applyConfig(next *config.Config) {
	var changes []string
	cur := p.cfg.Compare
	want := next.Compare

	if want.Threshold != p.loop.Threshold() {
		if err := p.loop.SetThreshold(want.Threshold); err != nil {
			slog.Warn("motion: reload threshold rejected", "error", err)
		} else {
			changes = append(changes, fmt.Sprintf("compare.threshold: %d → %d", cur.Threshold, want.Threshold))
		}
	}
	if want.ROI != p.loop.ROI() {
		if err := p.loop.SetROI(want.ROI); err != nil {
			slog.Warn("motion: reload roi rejected", "error", err)
		} else {
			changes = append(changes, fmt.Sprintf("compare.roi: %s → %s", cur.ROI, want.ROI))
		}
	}
	if want.ShowMotion != p.loop.ShowMotion() {
		p.loop.SetShowMotion(want.ShowMotion)
		changes = append(changes, fmt.Sprintf("compare.show_motion: %t → %t", cur.ShowMotion, want.ShowMotion))
	}
	if want.ShadeRadius != p.loop.ShadeRadius() {
		p.loop.SetShadeRadius(want.ShadeRadius)
		changes = append(changes, fmt.Sprintf("compare.shade_radius: %d → %d", cur.ShadeRadius, want.ShadeRadius))
	}

	if next.Video != p.cfg.Video || next.Buffer != p.cfg.Buffer || next.MQTT != p.cfg.MQTT {
		slog.Warn("motion: video, buffer and mqtt changes require a restart")
	}

	p.mu.Lock()
	p.cfg.Compare = want
	p.mu.Unlock()

	if len(changes) == 0 {
		slog.Debug("motion: reload without compare changes")
		return
	}
	slog.Info("motion: config hot-reloaded", "changes", changes)
}
