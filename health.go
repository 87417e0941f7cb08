package motion

import (
	"time"

	"github.com/e7canasta/orion-motion/internal/activity"
	"github.com/e7canasta/orion-motion/internal/compare"
	"github.com/e7canasta/orion-motion/internal/emitter"
	"github.com/e7canasta/orion-motion/internal/loop"
	"github.com/e7canasta/orion-motion/internal/playback"
	"github.com/e7canasta/orion-motion/internal/server"
	"github.com/e7canasta/orion-motion/internal/snapshot"
)

// HealthCheck returns the current health status of the pipeline
func (p *Pipeline) HealthCheck() server.HealthStatus {
	p.mu.RLock()
	running, started := p.isRunning, p.started
	p.mu.RUnlock()

	status := server.HealthStatus{
		Status:      "healthy",
		VideoLoaded: p.ctrl.VideoInfo().Path != "",
		Running:     p.loop.Running(),
		MQTTEnabled: p.emitter != nil,
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if p.emitter != nil {
		status.MQTTConnected = p.emitter.Stats().Connected
	}

	switch {
	case !running || !status.VideoLoaded:
		status.Status = "unhealthy"
	case status.MQTTEnabled && !status.MQTTConnected:
		status.Status = "degraded"
	case p.ctrl.Stats().LastFeedError != "":
		status.Status = "degraded"
	}
	return status
}

// Stats is a snapshot of every component.
type Stats struct {
	Loop        loop.Stats              `json:"loop"`
	Playback    playback.Stats          `json:"playback"`
	Comparisons compare.MetricsSnapshot `json:"comparisons"`
	Activity    activity.Summary        `json:"activity"`
	MQTT        *emitter.Stats          `json:"mqtt,omitempty"`
	Snapshots   *snapshot.Stats         `json:"snapshots,omitempty"`
	Events      *EventStats             `json:"events,omitempty"`
}

// EventStats describes the websocket event hub.
type EventStats struct {
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}

// Snapshot collects the statistics of every component.
func (p *Pipeline) Snapshot() Stats {
	s := Stats{
		Loop:        p.loop.Stats(),
		Playback:    p.ctrl.Stats(),
		Comparisons: p.metrics.Snapshot(),
		Activity:    p.series.Summary(),
	}
	if p.emitter != nil {
		es := p.emitter.Stats()
		s.MQTT = &es
	}
	if p.snapshots != nil {
		ss := p.snapshots.Stats()
		s.Snapshots = &ss
	}
	if p.hub != nil {
		s.Events = &EventStats{Subscribers: p.hub.Clients(), Dropped: p.hub.Dropped()}
	}
	return s
}

// Stats implements server.Provider.
func (p *Pipeline) Stats() interface{} { return p.Snapshot() }

// getStatus answers the get_status control command
func (p *Pipeline) getStatus() map[string]interface{} {
	ls := p.loop.Stats()
	summary := p.series.Summary()
	return map[string]interface{}{
		"running":           ls.Running,
		"session_id":        ls.SessionID,
		"most_recent_frame": ls.MostRecent,
		"threshold":         ls.Threshold,
		"roi":               ls.ROI.String(),
		"show_motion":       p.loop.ShowMotion(),
		"compared":          ls.Compared,
		"skipped":           ls.Skipped,
		"mean_changed":      summary.Mean,
		"max_changed":       summary.Max,
		"health":            p.HealthCheck().Status,
	}
}
