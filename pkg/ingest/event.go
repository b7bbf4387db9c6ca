// Package ingest carries structured session events downstream to the
// ingest service. Channels are fire-and-forget: a failed or dropped send
// never blocks the session.
package ingest

import (
	"errors"
	"time"
)

// Stream event types.
const (
	TypeOutput   = "output"
	TypeError    = "error"
	TypeComplete = "complete"
)

// Downstream error codes.
const (
	CodeInflightTimeout = "INFLIGHT_TIMEOUT"
	CodeIdleTimeout     = "IDLE_TIMEOUT"
	CodeSSEInactivity   = "SSE_INACTIVITY_TIMEOUT"
	CodeSSEInitial      = "SSE_INITIAL_TIMEOUT"
	CodeHookFailed      = "HOOK_FAILED"
	CodeSessionError    = "SESSION_ERROR"
)

const (
	timestampLayout         = "2006-01-02T15:04:05.000Z07:00"
	defaultWebSocketBuffer  = 256
	defaultWriteTimeout     = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

var (
	// ErrClosed is returned by Send after the channel closed.
	ErrClosed = errors.New("ingest channel closed")
	// ErrBufferFull is returned when an event was dropped.
	ErrBufferFull = errors.New("ingest buffer full")
)

// Event is one downstream message.
type Event struct {
	StreamEventType string      `json:"streamEventType"`
	Data            interface{} `json:"data"`
	Timestamp       string      `json:"timestamp"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
	Fatal     bool   `json:"fatal"`
}

// CompleteData is the payload of a complete event.
type CompleteData struct {
	ExecutionID   string `json:"executionId"`
	KiloSessionID string `json:"kiloSessionId,omitempty"`
}

// NewEvent stamps an event with the current UTC time.
func NewEvent(typ string, data interface{}) Event {
	return Event{
		StreamEventType: typ,
		Data:            data,
		Timestamp:       time.Now().UTC().Format(timestampLayout),
	}
}

// ErrorEvent builds an error event.
func ErrorEvent(code, message, messageID string, fatal bool) Event {
	return NewEvent(TypeError, ErrorData{Code: code, Message: message, MessageID: messageID, Fatal: fatal})
}

// CompleteEvent builds a complete event.
func CompleteEvent(executionID, kiloSessionID string) Event {
	return NewEvent(TypeComplete, CompleteData{ExecutionID: executionID, KiloSessionID: kiloSessionID})
}

// Channel is a downstream sink.
type Channel interface {
	// Send queues ev. It never blocks on the network.
	Send(ev Event) error
	IsOpen() bool
	Close() error
	// Done is closed once the channel is closed from either side.
	Done() <-chan struct{}
}
