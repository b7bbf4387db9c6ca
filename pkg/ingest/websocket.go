package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/holon-run/cloudagent/pkg/log"
)

// Breaker defaults.
const (
	defaultMaxFailures uint32 = 5
	defaultOpenTimeout        = 30 * time.Second
)

// DialerConfig configures a Dialer. Zero values use defaults.
type DialerConfig struct {
	Header http.Header
	// Buffer is the number of events queued per channel before dropping.
	Buffer int
	// MaxFailures is the number of consecutive dial failures that open the
	// breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before a trial dial.
	OpenTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Dialer opens WebSocketChannels. Repeated dial failures open a circuit
// breaker so reconnect attempts fail fast until the ingest service recovers.
type Dialer struct {
	cfg     DialerConfig
	ws      websocket.Dialer
	breaker *gobreaker.CircuitBreaker[*websocket.Conn]
	logger  *zap.SugaredLogger
}

// NewDialer returns a dialer for cfg.
func NewDialer(cfg DialerConfig) *Dialer {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultWebSocketBuffer
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	d := &Dialer{
		cfg:    cfg,
		ws:     websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: log.Named("ingest"),
	}
	maxFailures := cfg.MaxFailures
	d.breaker = gobreaker.NewCircuitBreaker[*websocket.Conn](gobreaker.Settings{
		Name:        "ingest-dial",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warnw("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return d
}

// State returns the breaker state.
func (d *Dialer) State() gobreaker.State { return d.breaker.State() }

// Dial connects to url and returns an open channel.
func (d *Dialer) Dial(ctx context.Context, url string) (*WebSocketChannel, error) {
	conn, err := d.breaker.Execute(func() (*websocket.Conn, error) {
		conn, _, err := d.ws.DialContext(ctx, url, d.cfg.Header)
		return conn, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("ingest dial circuit open: %w", err)
		}
		return nil, fmt.Errorf("failed to dial ingest: %w", err)
	}
	return newWebSocketChannel(conn, d.cfg.Buffer, d.cfg.WriteTimeout, d.logger), nil
}

// WebSocketChannel writes events as JSON text frames from a single writer
// goroutine. Events queued beyond the buffer are dropped.
type WebSocketChannel struct {
	conn         *websocket.Conn
	out          chan Event
	done         chan struct{}
	writerDone   chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	dropped      atomic.Int64
	logger       *zap.SugaredLogger
}

func newWebSocketChannel(conn *websocket.Conn, buffer int, writeTimeout time.Duration, logger *zap.SugaredLogger) *WebSocketChannel {
	c := &WebSocketChannel{
		conn:         conn,
		out:          make(chan Event, buffer),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

// Send queues ev for writing.
func (c *WebSocketChannel) Send(ev Event) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- ev:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.dropped.Add(1)
		c.logger.Warnw("dropping ingest event", "type", ev.StreamEventType)
		return ErrBufferFull
	}
}

// IsOpen implements Channel.
func (c *WebSocketChannel) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done implements Channel.
func (c *WebSocketChannel) Done() <-chan struct{} { return c.done }

// Close flushes queued events, sends a close frame and waits for the writer
// to exit.
func (c *WebSocketChannel) Close() error {
	c.shutdown()
	<-c.writerDone
	return nil
}

func (c *WebSocketChannel) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *WebSocketChannel) writeLoop() {
	defer close(c.writerDone)
	defer c.reportDropped()
	defer c.conn.Close()

	for {
		select {
		case ev := <-c.out:
			if err := c.write(ev); err != nil {
				c.logger.Warnw("ingest write failed", "error", err)
				c.shutdown()
				return
			}
		case <-c.done:
			c.flush()
			deadline := time.Now().Add(c.writeTimeout)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

func (c *WebSocketChannel) reportDropped() {
	if n := c.dropped.Load(); n > 0 {
		c.logger.Warnw("ingest channel closed with dropped events", "dropped", n)
	}
}

func (c *WebSocketChannel) flush() {
	for {
		select {
		case ev := <-c.out:
			if err := c.write(ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *WebSocketChannel) write(ev Event) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(ev)
}

// readLoop discards inbound frames and notices the remote side closing.
func (c *WebSocketChannel) readLoop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.shutdown()
			return
		}
	}
}
