package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/holon-run/cloudagent/pkg/log"
)

const (
	minReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay = 5 * time.Second
	handshakeTimeout  = 10 * time.Second
)

// Handler receives one raw event frame.
type Handler func(ctx context.Context, raw []byte) error

// SourceStatus is a snapshot of a WebSocketSource.
type SourceStatus struct {
	Running       bool
	URL           string
	Connected     bool
	LastError     string
	LastMessageAt time.Time
	Reconnects    int
}

// SourceOption configures a WebSocketSource.
type SourceOption func(*WebSocketSource)

// WithSourceLogger sets the logger.
func WithSourceLogger(logger *zap.SugaredLogger) SourceOption {
	return func(s *WebSocketSource) { s.logger = logger }
}

// WithReconnectDelay bounds the delay between dial attempts.
func WithReconnectDelay(lo, hi time.Duration) SourceOption {
	return func(s *WebSocketSource) {
		s.minDelay = lo
		s.maxDelay = hi
	}
}

// WebSocketSource reads worker events from a websocket and reconnects with
// backoff until stopped.
type WebSocketSource struct {
	url    string
	header http.Header
	// OnConnect is called after every successful dial.
	OnConnect func()

	minDelay time.Duration
	maxDelay time.Duration
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	status SourceStatus
}

// NewWebSocketSource returns a source for url.
func NewWebSocketSource(url string, header http.Header, opts ...SourceOption) *WebSocketSource {
	s := &WebSocketSource{
		url:      url,
		header:   header,
		minDelay: minReconnectDelay,
		maxDelay: maxReconnectDelay,
		logger:   log.Named("stream.source"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.status.URL = url
	return s
}

// Start begins reading in the background.
func (s *WebSocketSource) Start(ctx context.Context, handler Handler) error {
	switch {
	case handler == nil:
		return fmt.Errorf("websocket handler is required")
	case s.url == "":
		return fmt.Errorf("websocket url is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Running {
		return fmt.Errorf("websocket source already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.status.Running = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(runCtx, handler)
	}()
	return nil
}

// Stop stops reading and waits for the reader to exit.
func (s *WebSocketSource) Stop() error {
	s.mu.Lock()
	if !s.status.Running {
		s.mu.Unlock()
		return nil
	}
	s.status.Running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}

// Status returns a snapshot of the connection state.
func (s *WebSocketSource) Status() SourceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *WebSocketSource) loop(ctx context.Context, handler Handler) {
	delay := s.minDelay
	for attempt := 0; ctx.Err() == nil; {
		conn, err := s.dial(ctx)
		if err != nil {
			s.update(func(st *SourceStatus) {
				st.Connected = false
				st.LastError = err.Error()
			})
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = min(delay*2, s.maxDelay)
			continue
		}

		delay = s.minDelay
		s.update(func(st *SourceStatus) {
			st.Connected = true
			if attempt > 0 {
				st.Reconnects++
			}
		})
		attempt++
		if s.OnConnect != nil {
			s.OnConnect()
		}

		err = s.consume(ctx, conn, handler)
		_ = conn.Close()
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warnw("event stream disconnected", "url", s.url, "error", err)
		}
		s.update(func(st *SourceStatus) {
			st.Connected = false
			if err != nil {
				st.LastError = err.Error()
			}
		})
	}
}

func (s *WebSocketSource) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, s.header)
	return conn, err
}

// consume reads frames until the connection fails or ctx ends. Closing the
// connection is the only way to unblock ReadMessage without poisoning it
// with a read deadline.
func (s *WebSocketSource) consume(ctx context.Context, conn *websocket.Conn, handler Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(frame) == 0 {
			continue
		}
		s.update(func(st *SourceStatus) { st.LastMessageAt = time.Now().UTC() })
		if err := handler(ctx, frame); err != nil {
			s.update(func(st *SourceStatus) { st.LastError = err.Error() })
		}
	}
}

func (s *WebSocketSource) update(fn func(*SourceStatus)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
