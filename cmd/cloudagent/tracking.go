package main

import (
	"context"
	"sync"
	"time"

	"github.com/holon-run/cloudagent/pkg/controlplane"
	"github.com/holon-run/cloudagent/pkg/execution"
	"github.com/holon-run/cloudagent/pkg/ingest"
	"github.com/holon-run/cloudagent/pkg/log"
)

const transitionTimeout = 5 * time.Second

// trackingChannel mirrors terminal downstream events into the execution
// store: complete marks the execution completed, a fatal error fails it.
type trackingChannel struct {
	ingest.Channel
	store       *controlplane.SQLiteStore
	executionID string

	mu    sync.Mutex
	final execution.Status
}

func newTrackingChannel(ch ingest.Channel, store *controlplane.SQLiteStore, executionID string) *trackingChannel {
	return &trackingChannel{Channel: ch, store: store, executionID: executionID}
}

func (t *trackingChannel) Send(ev ingest.Event) error {
	switch ev.StreamEventType {
	case ingest.TypeComplete:
		t.finish(execution.StatusCompleted, "")
	case ingest.TypeError:
		if data, ok := ev.Data.(ingest.ErrorData); ok && data.Fatal {
			t.finish(execution.StatusFailed, data.Message)
		}
	}
	return t.Channel.Send(ev)
}

// finish records the first terminal status; later calls are ignored.
func (t *trackingChannel) finish(status execution.Status, msg string) {
	t.mu.Lock()
	if t.final != "" {
		t.mu.Unlock()
		return
	}
	t.final = status
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), transitionTimeout)
	defer cancel()
	if err := t.store.Transition(ctx, t.executionID, status, msg); err != nil {
		log.Warn("failed to record execution status", "execution_id", t.executionID, "status", status, "error", err)
	}
}

// Final returns the recorded terminal status, or "" if none.
func (t *trackingChannel) Final() execution.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.final
}
