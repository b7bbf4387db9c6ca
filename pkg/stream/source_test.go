package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func TestWebSocketSourceDeliversFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.idle","properties":{"sessionID":"s1"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.status","properties":{"sessionID":"s1","status":{"type":"busy"}}}`))
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	var (
		mu     sync.Mutex
		frames []string
	)
	got := make(chan struct{})
	src := NewWebSocketSource("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	connected := make(chan struct{}, 1)
	src.OnConnect = func() {
		select {
		case connected <- struct{}{}:
		default:
		}
	}

	err := src.Start(context.Background(), func(ctx context.Context, raw []byte) error {
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, string(raw))
		if len(frames) == 2 {
			close(got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frames")
	}
	select {
	case <-connected:
	default:
		t.Error("OnConnect not called")
	}

	status := src.Status()
	if !status.Running || status.LastMessageAt.IsZero() {
		t.Errorf("Status() = %+v", status)
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if src.Status().Running {
		t.Error("source still running after Stop")
	}
	if !strings.Contains(frames[0], "session.idle") {
		t.Errorf("first frame = %q", frames[0])
	}
}

func TestWebSocketSourceValidation(t *testing.T) {
	if err := NewWebSocketSource("", nil).Start(context.Background(), func(context.Context, []byte) error { return nil }); err == nil {
		t.Error("Start() without url should fail")
	}
	if err := NewWebSocketSource("ws://x", nil).Start(context.Background(), nil); err == nil {
		t.Error("Start() without handler should fail")
	}
}

func TestWebSocketSourceStopWhileDialFails(t *testing.T) {
	src := NewWebSocketSource("ws://127.0.0.1:1/events", nil,
		WithReconnectDelay(10*time.Millisecond, 40*time.Millisecond),
		WithSourceLogger(zap.NewNop().Sugar()))
	if err := src.Start(context.Background(), func(context.Context, []byte) error { return nil }); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = src.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop() hung while reconnecting")
	}
	if src.Status().LastError == "" {
		t.Error("dial failure not recorded")
	}
}
