package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-motion/internal/activity"
)

type fakeProvider struct {
	status string
}

func (p fakeProvider) HealthCheck() HealthStatus { return HealthStatus{Status: p.status} }
func (p fakeProvider) Stats() interface{}        { return map[string]int{"compared": 7} }

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestEndpoints(t *testing.T) {
	series := activity.New(10)
	for i, changed := range []int{5, 0, 12} {
		series.Add(activity.Point{Frame: i, Changed: changed})
	}

	testCases := []struct {
		name     string
		status   string
		target   string
		wantCode int
		wantBody string
	}{
		{"liveness", "unhealthy", "/health", http.StatusOK, `"alive"`},
		{"ready", "healthy", "/readiness", http.StatusOK, `"healthy"`},
		{"degraded_is_ready", "degraded", "/readiness", http.StatusOK, `"degraded"`},
		{"not_ready", "unhealthy", "/readiness", http.StatusServiceUnavailable, `"unhealthy"`},
		{"stats", "healthy", "/stats", http.StatusOK, `"compared":7`},
		{"activity", "healthy", "/activity", http.StatusOK, `"max_changed":12`},
		{"activity_bad_since", "healthy", "/activity?since=x", http.StatusBadRequest, "since"},
		{"unknown_route", "healthy", "/nope", http.StatusNotFound, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(":0", fakeProvider{status: tc.status}, series, nil)
			rec := get(t, s.Handler(), tc.target)
			if rec.Code != tc.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tc.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tc.wantBody) {
				t.Errorf("body %q does not contain %q", rec.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestActivitySince(t *testing.T) {
	series := activity.New(10)
	for i := 0; i < 6; i++ {
		series.Add(activity.Point{Frame: i, Changed: i * 10})
	}
	s := New(":0", fakeProvider{status: "healthy"}, series, nil)

	var body struct {
		Summary activity.Summary `json:"summary"`
		Points  []activity.Point `json:"points"`
	}
	rec := get(t, s.Handler(), "/activity?since=3")
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(body.Points) != 2 || body.Points[0].Frame != 4 || body.Points[1].Frame != 5 {
		t.Errorf("points = %+v, want frames 4 and 5", body.Points)
	}
	if body.Summary.Count != 6 {
		t.Errorf("summary count = %d, want 6", body.Summary.Count)
	}
	if series.Len() != 6 {
		t.Errorf("filtering modified the series: len %d", series.Len())
	}
}

func TestEventsBroadcast(t *testing.T) {
	hub := NewHub()
	s := New(":0", fakeProvider{status: "healthy"}, nil, hub)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(2 * time.Millisecond)
	}

	hub.Broadcast([]byte(`{"type":"frame_compared","frame_index":3}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !strings.Contains(string(msg), `"frame_index":3`) {
		t.Errorf("message = %s", msg)
	}

	hub.Close()
	if hub.Clients() != 0 {
		t.Errorf("clients after Close = %d", hub.Clients())
	}
	t.Logf("✅ Event delivered over websocket")
}

func TestBroadcastNeverBlocks(t *testing.T) {
	hub := NewHub()
	slow := &client{send: make(chan []byte, 1)}
	hub.clients[slow] = struct{}{}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Broadcast([]byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a slow subscriber")
	}
	if hub.Dropped() != 9 {
		t.Errorf("dropped = %d, want 9", hub.Dropped())
	}
}
