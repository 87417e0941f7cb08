package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-motion/internal/compare"
	"github.com/e7canasta/orion-motion/internal/config"
	"github.com/e7canasta/orion-motion/internal/loop"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// fakeClient records publishes. Methods not overridden panic through the
// nil embedded interface.
type fakeClient struct {
	mqtt.Client

	mu       sync.Mutex
	messages map[string][][]byte
	fail     error
}

func (c *fakeClient) IsConnected() bool { return true }
func (c *fakeClient) Disconnect(uint)   {}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.messages == nil {
		c.messages = make(map[string][][]byte)
	}
	c.messages[topic] = append(c.messages[topic], payload.([]byte))
	return &fakeToken{err: c.fail}
}

func (c *fakeClient) count(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages[topic])
}

func testConfig() config.MQTTConfig {
	cfg := config.Default()
	if err := config.Validate(cfg); err != nil {
		panic(err)
	}
	return cfg.MQTT
}

func TestResultMessage(t *testing.T) {
	r := &compare.Result{
		Threshold:          30,
		ROI:                compare.FullFrame(),
		ChangedPixelsCount: 1200,
		FrameIndex:         41,
		FrameTime:          1640 * time.Millisecond,
		FramePercentage:    0.5,
		TraceID:            "trace-1",
		Elapsed:            750 * time.Microsecond,
	}
	data, err := NewResultMessage("session-1", r).JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := map[string]interface{}{
		"type":           "frame_compared",
		"session_id":     "session-1",
		"frame_index":    41.0,
		"frame_time_ms":  1640.0,
		"changed_pixels": 1200.0,
		"threshold":      30.0,
		"elapsed_us":     750.0,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
	if _, ok := got["changed_pixel_points"]; ok {
		t.Error("pixel coordinates must not be published")
	}
}

func TestStoppedMessage(t *testing.T) {
	m := NewStoppedMessage(loop.Stopped{Reason: loop.Error, Err: errors.New("boom"), SessionID: "s", LastFrame: 9})
	if m.Reason != "error" || m.Error != "boom" || m.LastFrame != 9 {
		t.Errorf("message = %+v", m)
	}
	if m := NewStoppedMessage(loop.Stopped{Reason: loop.EndOfStream}); m.Error != "" || m.Reason != "end_of_stream" {
		t.Errorf("message = %+v", m)
	}
}

func TestPublisherDrainsQueue(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{}
	e := NewMQTTEmitter(cfg, 16)
	e.Client = client
	e.setConnected(true)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)

	for i := 0; i < 5; i++ {
		e.PublishResult("s", &compare.Result{FrameIndex: i})
	}
	e.PublishStopped(loop.Stopped{Reason: loop.EndOfStream, SessionID: "s"})

	deadline := time.Now().Add(2 * time.Second)
	for client.count(cfg.Topics.Results) < 5 || client.count(cfg.Topics.Status) < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("published results=%d status=%d", client.count(cfg.Topics.Results), client.count(cfg.Topics.Status))
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	e.Wait()

	stats := e.Stats()
	if stats.Published[cfg.Topics.Results] != 5 || stats.Errors != 0 {
		t.Errorf("stats = %+v", stats)
	}
	t.Logf("✅ Published %d results", stats.Published[cfg.Topics.Results])
}

func TestQueueFullDrops(t *testing.T) {
	e := NewMQTTEmitter(testConfig(), 2)

	// No publisher running: the third message does not fit.
	for i := 0; i < 3; i++ {
		e.PublishResult("s", &compare.Result{FrameIndex: i})
	}
	if s := e.Stats(); s.Dropped != 1 || s.Queued != 2 {
		t.Errorf("stats = %+v, want 1 dropped 2 queued", s)
	}
}

func TestPublishErrors(t *testing.T) {
	cfg := testConfig()

	disconnected := NewMQTTEmitter(cfg, 1)
	if err := disconnected.publish("t", []byte("x")); err == nil {
		t.Error("publish while disconnected should fail")
	}

	failing := NewMQTTEmitter(cfg, 1)
	failing.Client = &fakeClient{fail: errors.New("denied")}
	failing.setConnected(true)
	if err := failing.publish("t", []byte("x")); err == nil {
		t.Error("broker error should surface")
	}

	if disconnected.Stats().Errors != 1 || failing.Stats().Errors != 1 {
		t.Errorf("errors not counted")
	}
	_ = failing.Disconnect()
	if failing.Stats().Connected {
		t.Error("still connected after Disconnect")
	}
}
