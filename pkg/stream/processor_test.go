package stream

import (
	"encoding/json"
	"fmt"
	"testing"
)

type recorder struct {
	updated   []*Message
	completed []*Message
	parts     []Part
	removed   []string
	created   []SessionInfo
	updatedS  []SessionInfo
	statuses  []string
	streaming []bool
	errors    []string
	scopes    []Scope
}

func (r *recorder) observer() Observer {
	return Observer{
		OnMessageUpdated: func(s Scope, m *Message) { r.updated = append(r.updated, m) },
		OnMessageCompleted: func(s Scope, m *Message) {
			r.completed = append(r.completed, m)
			r.scopes = append(r.scopes, s)
		},
		OnPartUpdated:      func(s Scope, k Key, p *Part) { r.parts = append(r.parts, *p) },
		OnPartRemoved:      func(s Scope, k Key, id string) { r.removed = append(r.removed, id) },
		OnSessionCreated:   func(s Scope, info SessionInfo) { r.created = append(r.created, info) },
		OnSessionUpdated:   func(s Scope, info SessionInfo) { r.updatedS = append(r.updatedS, info) },
		OnSessionStatus:    func(s Scope, st SessionStatus) { r.statuses = append(r.statuses, s.SessionID+":"+st.Type) },
		OnStreamingChanged: func(on bool) { r.streaming = append(r.streaming, on) },
		OnError:            func(s Scope, msg string) { r.errors = append(r.errors, s.SessionID+":"+msg) },
	}
}

func newTestProcessor() (*Processor, *recorder) {
	r := &recorder{}
	return NewProcessor(r.observer()), r
}

func event(t *testing.T, typ string, props interface{}) Event {
	t.Helper()
	data, err := json.Marshal(props)
	if err != nil {
		t.Fatalf("marshal props: %v", err)
	}
	return Event{Type: typ, Properties: data}
}

func messageEvent(t *testing.T, session, id, role string, completed *int64) Event {
	info := map[string]interface{}{
		"id":        id,
		"sessionID": session,
		"role":      role,
		"time":      map[string]interface{}{"created": 1},
	}
	if completed != nil {
		info["time"] = map[string]interface{}{"created": 1, "completed": *completed}
	}
	return event(t, EventMessageUpdated, map[string]interface{}{"info": info})
}

func partEvent(t *testing.T, session, msg, id, text, delta string) Event {
	props := map[string]interface{}{
		"part": map[string]interface{}{
			"id": id, "sessionID": session, "messageID": msg, "type": "text", "text": text,
		},
	}
	if delta != "" {
		props["delta"] = delta
	}
	return event(t, EventMessagePartUpdated, props)
}

func statusEvent(t *testing.T, session, status string) Event {
	return event(t, EventSessionStatus, map[string]interface{}{
		"sessionID": session,
		"status":    map[string]string{"type": status},
	})
}

func ms(v int64) *int64 { return &v }

func TestPendingPartsReplayedInArrivalOrder(t *testing.T) {
	p, r := newTestProcessor()

	p.Process(partEvent(t, "s1", "m1", "p1", "", "Hel"))
	p.Process(partEvent(t, "s1", "m1", "p1", "", "lo"))
	p.Process(partEvent(t, "s1", "m1", "p2", "tool output", ""))

	if len(r.parts) != 0 {
		t.Fatalf("part callbacks fired before message known: %d", len(r.parts))
	}

	p.Process(messageEvent(t, "s1", "m1", RoleAssistant, nil))

	msg, ok := p.Message(Key{"s1", "m1"})
	if !ok {
		t.Fatal("message not tracked after update")
	}
	if len(msg.Parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(msg.Parts))
	}
	if msg.Parts[0].Text != "Hello" {
		t.Errorf("part text = %q, want %q", msg.Parts[0].Text, "Hello")
	}
	if msg.Parts[1].ID != "p2" {
		t.Errorf("second part = %q, want p2", msg.Parts[1].ID)
	}
	if len(r.updated) != 1 || len(r.updated[0].Parts) != 2 {
		t.Fatalf("update callback did not carry replayed parts: %+v", r.updated)
	}
	if len(p.pending) != 0 {
		t.Errorf("pending not cleared: %v", p.pending)
	}
}

func TestDeltaAccumulation(t *testing.T) {
	p, r := newTestProcessor()

	p.Process(messageEvent(t, "s1", "m1", RoleAssistant, nil))
	p.Process(partEvent(t, "s1", "m1", "p1", "", "Hel"))
	p.Process(partEvent(t, "s1", "m1", "p1", "", "lo"))

	msg, _ := p.Message(Key{"s1", "m1"})
	if got := msg.Parts[0].Text; got != "Hello" {
		t.Fatalf("text = %q, want Hello", got)
	}
	if len(r.parts) != 2 || r.parts[1].Text != "Hello" {
		t.Fatalf("part callbacks = %+v", r.parts)
	}
}

func TestFullPartReplacement(t *testing.T) {
	p, _ := newTestProcessor()

	p.Process(messageEvent(t, "s1", "m1", RoleAssistant, nil))
	p.Process(partEvent(t, "s1", "m1", "p1", "", "draft"))
	p.Process(partEvent(t, "s1", "m1", "p1", "final text", ""))

	msg, _ := p.Message(Key{"s1", "m1"})
	if got := msg.Parts[0].Text; got != "final text" {
		t.Fatalf("text = %q, want replacement", got)
	}
}

func TestAssistantCompletionIsSoftEviction(t *testing.T) {
	p, r := newTestProcessor()

	p.Process(messageEvent(t, "s1", "m1", RoleAssistant, nil))
	p.Process(partEvent(t, "s1", "m1", "p1", "", "done"))
	p.Process(messageEvent(t, "s1", "m1", RoleAssistant, ms(5)))

	if len(r.completed) != 1 || r.completed[0].Parts[0].Text != "done" {
		t.Fatalf("completed = %+v", r.completed)
	}
	if _, ok := p.Message(Key{"s1", "m1"}); ok {
		t.Fatal("completed assistant message still tracked")
	}

	// A late summary update is still applied.
	p.Process(event(t, EventMessageUpdated, map[string]interface{}{
		"info": map[string]interface{}{
			"id": "m1", "sessionID": "s1", "role": "assistant",
			"time":    map[string]interface{}{"created": 1, "completed": 5},
			"summary": map[string]string{"title": "Fix bug"},
		},
	}))
	if len(r.updated) != 3 {
		t.Fatalf("late summary update dropped: %d updates", len(r.updated))
	}
	if string(r.updated[2].Info.Summary) == "" {
		t.Error("summary not applied")
	}
}

func TestUserCompletionIsHardEviction(t *testing.T) {
	p, r := newTestProcessor()

	p.Process(messageEvent(t, "s1", "u1", RoleUser, nil))
	p.Process(messageEvent(t, "s2", "u2", RoleUser, nil))
	p.Process(statusEvent(t, "s1", StatusIdle))

	if len(r.completed) != 1 || r.completed[0].Info.ID != "u1" {
		t.Fatalf("completed = %+v, want only u1", r.completed)
	}
	if _, ok := p.Message(Key{"s2", "u2"}); !ok {
		t.Fatal("other session's user message completed")
	}

	updates := len(r.updated)
	p.Process(messageEvent(t, "s1", "u1", RoleUser, nil))
	p.Process(partEvent(t, "s1", "u1", "p1", "late", ""))

	if len(r.updated) != updates {
		t.Fatal("update for completed user message was not ignored")
	}
	if _, ok := p.Message(Key{"s1", "u1"}); ok {
		t.Fatal("completed user message revived")
	}
	if len(p.pending) != 0 {
		t.Fatal("part for completed user message was queued")
	}
}

func TestSessionIdleEventCompletesUserMessages(t *testing.T) {
	p, r := newTestProcessor()

	p.Process(messageEvent(t, "s1", "u1", RoleUser, nil))
	p.Process(messageEvent(t, "s1", "u0", RoleUser, nil))
	p.Process(event(t, EventSessionIdle, map[string]string{"sessionID": "s1"}))

	if len(r.completed) != 2 {
		t.Fatalf("completed = %d, want 2", len(r.completed))
	}
	if r.completed[0].Info.ID != "u0" {
		t.Errorf("completion order = %s first, want u0", r.completed[0].Info.ID)
	}
}

func TestStreamingFlag(t *testing.T) {
	p, r := newTestProcessor()

	p.Process(statusEvent(t, "s1", StatusBusy))
	p.Process(statusEvent(t, "s1", StatusBusy))
	if !p.Streaming() {
		t.Fatal("Streaming() = false after busy")
	}
	p.Process(statusEvent(t, "s1", StatusRetry))
	if !p.Streaming() {
		t.Fatal("retry changed streaming state")
	}
	p.Process(statusEvent(t, "s1", StatusIdle))
	if p.Streaming() {
		t.Fatal("Streaming() = true after idle")
	}

	want := []bool{true, false}
	if fmt.Sprint(r.streaming) != fmt.Sprint(want) {
		t.Errorf("streaming changes = %v, want %v", r.streaming, want)
	}
	if len(r.statuses) != 4 {
		t.Errorf("status callbacks = %v", r.statuses)
	}
}

func TestChildSessionDoesNotToggleStreaming(t *testing.T) {
	p, r := newTestProcessor()

	p.Process(event(t, EventSessionCreated, map[string]interface{}{"info": map[string]string{"id": "child", "parentID": "root"}}))
	p.Process(statusEvent(t, "root", StatusBusy))
	p.Process(statusEvent(t, "child", StatusBusy))
	p.Process(statusEvent(t, "child", StatusIdle))

	if !p.Streaming() {
		t.Fatal("child idle turned streaming off")
	}
	if len(r.streaming) != 1 {
		t.Errorf("streaming changes = %v", r.streaming)
	}
}

func TestParentMapOnlyFromSessionCreated(t *testing.T) {
	p, r := newTestProcessor()

	// Before session.created the child is treated as root.
	p.Process(messageEvent(t, "child", "m1", RoleAssistant, ms(2)))
	if len(r.scopes) != 1 || !r.scopes[0].Root() {
		t.Fatalf("scope before created = %+v, want root", r.scopes)
	}

	p.Process(event(t, EventSessionUpdated, map[string]interface{}{"info": map[string]string{"id": "child", "parentID": "root"}}))
	if p.ParentOf("child") != "" {
		t.Fatal("session.updated established a parent")
	}

	p.Process(event(t, EventSessionCreated, map[string]interface{}{"info": map[string]string{"id": "child", "parentID": "root"}}))
	p.Process(messageEvent(t, "child", "m2", RoleAssistant, ms(3)))

	if got := r.scopes[1]; got.ParentSessionID != "root" || got.SessionID != "child" {
		t.Fatalf("scope after created = %+v", got)
	}
	if len(r.created) != 1 || len(r.updatedS) != 1 {
		t.Errorf("session callbacks created=%d updated=%d", len(r.created), len(r.updatedS))
	}
}

func TestCompositeKeysDoNotCollide(t *testing.T) {
	p, _ := newTestProcessor()

	p.Process(messageEvent(t, "a", "m1", RoleAssistant, nil))
	p.Process(messageEvent(t, "b", "m1", RoleAssistant, nil))
	p.Process(partEvent(t, "a", "m1", "p1", "", "from a"))
	p.Process(partEvent(t, "b", "m1", "p1", "", "from b"))

	ma, _ := p.Message(Key{"a", "m1"})
	mb, _ := p.Message(Key{"b", "m1"})
	if ma.Parts[0].Text != "from a" || mb.Parts[0].Text != "from b" {
		t.Fatalf("messages collided: %q / %q", ma.Parts[0].Text, mb.Parts[0].Text)
	}
}

func TestPartRemoval(t *testing.T) {
	p, r := newTestProcessor()

	p.Process(messageEvent(t, "s1", "m1", RoleAssistant, nil))
	p.Process(partEvent(t, "s1", "m1", "p1", "a", ""))
	p.Process(partEvent(t, "s1", "m1", "p2", "b", ""))
	p.Process(event(t, EventMessagePartRemoved, map[string]string{"sessionID": "s1", "messageID": "m1", "partID": "p1"}))

	msg, _ := p.Message(Key{"s1", "m1"})
	if len(msg.Parts) != 1 || msg.Parts[0].ID != "p2" {
		t.Fatalf("parts after removal = %+v", msg.Parts)
	}

	// Removal against an evicted message is a no-op.
	p.Process(event(t, EventMessagePartRemoved, map[string]string{"sessionID": "s1", "messageID": "gone", "partID": "p2"}))
	if len(r.removed) != 1 {
		t.Fatalf("removed callbacks = %v", r.removed)
	}
}

func TestSessionError(t *testing.T) {
	p, r := newTestProcessor()

	p.Process(statusEvent(t, "s1", StatusBusy))
	p.Process(event(t, EventSessionError, map[string]interface{}{
		"sessionID": "s1",
		"error":     map[string]interface{}{"name": "APIError", "data": map[string]string{"message": "rate limited"}},
	}))

	if p.Streaming() {
		t.Fatal("session error left streaming on")
	}
	if len(r.errors) != 1 || r.errors[0] != "s1:rate limited" {
		t.Fatalf("errors = %v", r.errors)
	}

	p.Process(Event{Type: EventSessionError})
	if len(r.errors) != 2 || r.errors[1] != ":unknown session error" {
		t.Fatalf("errors = %v", r.errors)
	}
}

func TestUnknownAndMalformedEventsIgnored(t *testing.T) {
	p, r := newTestProcessor()

	p.Process(Event{Type: "file.edited", Properties: json.RawMessage(`{"file":"x"}`)})
	p.Process(Event{Type: EventMessageUpdated, Properties: json.RawMessage(`not json`)})
	p.Process(Event{Type: EventMessagePartUpdated, Properties: json.RawMessage(`{"part":{"id":"p"}}`)})
	p.ProcessRaw([]byte(`{{{`))
	p.ProcessRaw([]byte(`{"type":"server.connected","properties":{}}`))

	if len(r.updated)+len(r.parts)+len(r.errors) != 0 {
		t.Fatal("ignored events produced callbacks")
	}
}

func TestClear(t *testing.T) {
	p, _ := newTestProcessor()

	p.Process(statusEvent(t, "s1", StatusBusy))
	p.Process(messageEvent(t, "s1", "m1", RoleAssistant, nil))
	p.Process(partEvent(t, "s1", "m9", "p1", "x", ""))
	p.Process(event(t, EventSessionCreated, map[string]interface{}{"info": map[string]string{"id": "c", "parentID": "s1"}}))
	p.Clear()

	if p.Streaming() {
		t.Error("Clear() left streaming on")
	}
	if _, ok := p.Message(Key{"s1", "m1"}); ok {
		t.Error("Clear() left messages")
	}
	if len(p.pending) != 0 || p.ParentOf("c") != "" || len(p.evicted) != 0 {
		t.Error("Clear() left pending parts, parents or evicted keys")
	}
}

func TestCompletedMessageHandedOverOnce(t *testing.T) {
	p, r := newTestProcessor()

	p.Process(messageEvent(t, "s1", "m1", RoleAssistant, ms(9)))
	p.Process(partEvent(t, "s1", "m1", "p1", "x", ""))

	if len(r.completed) != 1 {
		t.Fatalf("completed = %d, want 1", len(r.completed))
	}
	if len(p.pending) != 0 {
		t.Fatal("part after eviction should be dropped")
	}
}

func TestLatePartsForCompletedAssistantAreDropped(t *testing.T) {
	p, r := newTestProcessor()

	p.Process(messageEvent(t, "s1", "a1", RoleAssistant, ms(2)))
	if len(r.completed) != 1 {
		t.Fatalf("completed = %d, want 1", len(r.completed))
	}

	p.Process(partEvent(t, "s1", "a1", "p1", "", "late"))
	if len(p.pending) != 0 {
		t.Fatalf("late part buffered: %v", p.pending)
	}
	if len(r.parts) != 0 {
		t.Fatalf("late part delivered: %+v", r.parts)
	}

	// A message update revives the key and parts flow again.
	p.Process(messageEvent(t, "s1", "a1", RoleAssistant, nil))
	p.Process(partEvent(t, "s1", "a1", "p2", "summary", ""))
	if len(r.parts) != 1 || r.parts[0].ID != "p2" {
		t.Fatalf("parts after revival = %+v", r.parts)
	}
}

func TestEvictedKeysAreBounded(t *testing.T) {
	p, _ := newTestProcessor()

	for i := 0; i < maxEvicted+10; i++ {
		p.Process(messageEvent(t, "s1", fmt.Sprintf("a%d", i), RoleAssistant, ms(2)))
	}
	if len(p.evicted) != maxEvicted || len(p.evictOrder) != maxEvicted {
		t.Fatalf("evicted = %d/%d, want %d", len(p.evicted), len(p.evictOrder), maxEvicted)
	}
	if _, ok := p.evicted[Key{"s1", "a0"}]; ok {
		t.Error("oldest key not evicted")
	}
}
