package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// StreamChannel writes events as NDJSON to a writer, flushing after each
// line when the writer supports it. Closing the channel does not close the
// writer.
type StreamChannel struct {
	mu      sync.Mutex
	enc     *json.Encoder
	flusher interface{ Flush() }
	closed  bool
	done    chan struct{}
}

// NewStreamChannel returns a channel writing to w.
func NewStreamChannel(w io.Writer) *StreamChannel {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	sc := &StreamChannel{enc: enc, done: make(chan struct{})}
	if f, ok := w.(interface{ Flush() }); ok {
		sc.flusher = f
	}
	return sc
}

// Send writes one event line.
func (sc *StreamChannel) Send(ev Event) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.closed {
		return ErrClosed
	}
	if err := sc.enc.Encode(ev); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if sc.flusher != nil {
		sc.flusher.Flush()
	}
	return nil
}

// IsOpen reports whether Send still accepts events.
func (sc *StreamChannel) IsOpen() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return !sc.closed
}

// Close marks the channel closed. It is safe to call more than once.
func (sc *StreamChannel) Close() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.closed {
		sc.closed = true
		close(sc.done)
	}
	return nil
}

// Done implements Channel.
func (sc *StreamChannel) Done() <-chan struct{} { return sc.done }
