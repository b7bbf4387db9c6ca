// Package stream rebuilds conversation messages from the worker's event
// stream. Events may arrive out of order and carry text deltas; the Processor
// reconciles them per (session, message) and reports changes through an
// Observer.
package stream

import "encoding/json"

// Event types understood by the Processor. Anything else is ignored.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventMessagePartRemoved = "message.part.removed"
	EventSessionStatus      = "session.status"
	EventSessionIdle        = "session.idle"
	EventSessionCreated     = "session.created"
	EventSessionUpdated     = "session.updated"
	EventSessionError       = "session.error"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session status kinds.
const (
	StatusBusy  = "busy"
	StatusIdle  = "idle"
	StatusRetry = "retry"
)

// Event is one raw worker event.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// Key addresses a message across root and nested sessions.
type Key struct {
	SessionID string
	MessageID string
}

// MessageTime carries message timestamps in epoch milliseconds.
type MessageTime struct {
	Created   int64  `json:"created,omitempty"`
	Completed *int64 `json:"completed,omitempty"`
}

// MessageInfo is message metadata.
type MessageInfo struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionID"`
	Role      string          `json:"role"`
	ParentID  string          `json:"parentID,omitempty"`
	ModelID   string          `json:"modelID,omitempty"`
	Time      MessageTime     `json:"time"`
	Summary   json.RawMessage `json:"summary,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// Part is one content fragment of a message.
type Part struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionID"`
	MessageID string          `json:"messageID"`
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
}

// textual reports whether deltas append to the part text.
func (p *Part) textual() bool {
	return p.Type == "text" || p.Type == "reasoning"
}

// Message is a reconstructed conversation unit.
type Message struct {
	Info  MessageInfo
	Parts []Part
}

// Key returns the message key.
func (m *Message) Key() Key {
	return Key{SessionID: m.Info.SessionID, MessageID: m.Info.ID}
}

// Completed reports whether an assistant message carries a completion time.
func (m *Message) Completed() bool {
	return m.Info.Role == RoleAssistant && m.Info.Time.Completed != nil
}

func (m *Message) clone() *Message {
	c := &Message{Info: m.Info, Parts: make([]Part, len(m.Parts))}
	copy(c.Parts, m.Parts)
	return c
}

func (m *Message) partIndex(id string) int {
	for i := range m.Parts {
		if m.Parts[i].ID == id {
			return i
		}
	}
	return -1
}

// SessionInfo is session metadata from session.created/updated.
type SessionInfo struct {
	ID       string `json:"id"`
	ParentID string `json:"parentID,omitempty"`
	Title    string `json:"title,omitempty"`
}

// SessionStatus is a busy/idle/retry signal.
type SessionStatus struct {
	Type    string `json:"type"`
	Attempt int    `json:"attempt,omitempty"`
	Message string `json:"message,omitempty"`
}

// Scope attributes a callback to a session and, for nested sessions, the
// parent that spawned it.
type Scope struct {
	SessionID       string
	ParentSessionID string
}

// Root reports whether the scope is a root session.
func (s Scope) Root() bool { return s.ParentSessionID == "" }

// Observer receives reconciliation results. Every field is optional. Handlers
// run synchronously on the goroutine calling Process.
type Observer struct {
	OnMessageUpdated   func(Scope, *Message)
	OnMessageCompleted func(Scope, *Message)
	OnPartUpdated      func(Scope, Key, *Part)
	OnPartRemoved      func(Scope, Key, string)
	OnSessionCreated   func(Scope, SessionInfo)
	OnSessionUpdated   func(Scope, SessionInfo)
	OnSessionStatus    func(Scope, SessionStatus)
	OnStreamingChanged func(bool)
	OnError            func(Scope, string)
}

type messageUpdatedProps struct {
	Info json.RawMessage `json:"info"`
}

type partUpdatedProps struct {
	Part  Part   `json:"part"`
	Delta string `json:"delta,omitempty"`
}

type partRemovedProps struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	PartID    string `json:"partID"`
}

type sessionStatusProps struct {
	SessionID string        `json:"sessionID"`
	Status    SessionStatus `json:"status"`
}

type sessionIDProps struct {
	SessionID string `json:"sessionID"`
}

type sessionInfoProps struct {
	Info SessionInfo `json:"info"`
}

type sessionErrorProps struct {
	SessionID string          `json:"sessionID,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}
