package emitter

import (
	"encoding/json"
	"time"

	"github.com/e7canasta/orion-motion/internal/compare"
	"github.com/e7canasta/orion-motion/internal/loop"
)

// ResultMessage is the JSON payload of a comparison result. Changed pixel
// coordinates are not published, only their count.
type ResultMessage struct {
	Type            string      `json:"type"`
	SessionID       string      `json:"session_id"`
	TraceID         string      `json:"trace_id,omitempty"`
	FrameIndex      int         `json:"frame_index"`
	FrameTimeMS     int64       `json:"frame_time_ms"`
	FramePercentage float64     `json:"frame_percentage"`
	ChangedPixels   int         `json:"changed_pixels"`
	Threshold       int         `json:"threshold"`
	ROI             compare.ROI `json:"roi"`
	ElapsedUS       int64       `json:"elapsed_us"`
	Timestamp       time.Time   `json:"timestamp"`
}

// NewResultMessage builds the payload for r.
func NewResultMessage(session string, r *compare.Result) ResultMessage {
	return ResultMessage{
		Type:            "frame_compared",
		SessionID:       session,
		TraceID:         r.TraceID,
		FrameIndex:      r.FrameIndex,
		FrameTimeMS:     r.FrameTime.Milliseconds(),
		FramePercentage: r.FramePercentage,
		ChangedPixels:   r.ChangedPixelsCount,
		Threshold:       r.Threshold,
		ROI:             r.ROI,
		ElapsedUS:       r.Elapsed.Microseconds(),
		Timestamp:       time.Now().UTC(),
	}
}

// JSON marshals the message.
func (m ResultMessage) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// StoppedMessage is the JSON payload published when a run ends.
type StoppedMessage struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error,omitempty"`
	LastFrame int       `json:"last_frame"`
	Timestamp time.Time `json:"timestamp"`
}

// NewStoppedMessage builds the payload for s.
func NewStoppedMessage(s loop.Stopped) StoppedMessage {
	m := StoppedMessage{
		Type:      "stopped",
		SessionID: s.SessionID,
		Reason:    s.Reason.String(),
		LastFrame: s.LastFrame,
		Timestamp: time.Now().UTC(),
	}
	if s.Err != nil {
		m.Error = s.Err.Error()
	}
	return m
}

// JSON marshals the message.
func (m StoppedMessage) JSON() ([]byte, error) {
	return json.Marshal(m)
}
