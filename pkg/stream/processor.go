package stream

import (
	"encoding/json"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/holon-run/cloudagent/pkg/log"
)

var errMissingKey = errors.New("event is missing session or message id")

// maxEvicted bounds how many completed assistant keys are remembered for
// dropping late part updates.
const maxEvicted = 512

type pendingPart struct {
	part  Part
	delta string
}

// Processor reconciles worker events into messages. It is not safe for
// concurrent use; feed it from a single goroutine.
type Processor struct {
	obs    Observer
	logger *zap.SugaredLogger

	messages map[Key]*Message
	pending  map[Key][]pendingPart
	// completed holds user messages that must not be revived.
	completed map[Key]struct{}
	// evicted holds completed assistant messages until they are revived by
	// a message update; evictOrder keeps it bounded.
	evicted    map[Key]struct{}
	evictOrder []Key
	parents    map[string]string
	streaming  bool
}

// NewProcessor returns an empty processor reporting to obs.
func NewProcessor(obs Observer) *Processor {
	p := &Processor{obs: obs, logger: log.Named("stream")}
	p.reset()
	return p
}

// SetLogger replaces the processor logger.
func (p *Processor) SetLogger(l *zap.SugaredLogger) { p.logger = l }

func (p *Processor) reset() {
	p.messages = make(map[Key]*Message)
	p.pending = make(map[Key][]pendingPart)
	p.completed = make(map[Key]struct{})
	p.evicted = make(map[Key]struct{})
	p.evictOrder = nil
	p.parents = make(map[string]string)
	p.streaming = false
}

// Clear drops all state, including the streaming flag. No callbacks fire.
func (p *Processor) Clear() {
	p.reset()
}

// Streaming reports whether a root session is currently busy.
func (p *Processor) Streaming() bool { return p.streaming }

// Message returns a copy of a tracked message.
func (p *Processor) Message(key Key) (*Message, bool) {
	m, ok := p.messages[key]
	if !ok {
		return nil, false
	}
	return m.clone(), true
}

// ParentOf returns the parent session recorded for sessionID. Sessions whose
// created event has not been seen are roots.
func (p *Processor) ParentOf(sessionID string) string {
	return p.parents[sessionID]
}

// ProcessRaw decodes and processes one JSON event. Malformed input is dropped.
func (p *Processor) ProcessRaw(data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		p.logger.Debugw("dropping malformed event", "error", err)
		return
	}
	p.Process(ev)
}

// Process applies one event. Unknown types and malformed payloads are
// dropped without error.
func (p *Processor) Process(ev Event) {
	var err error
	switch ev.Type {
	case EventMessageUpdated:
		err = p.messageUpdated(ev.Properties)
	case EventMessagePartUpdated:
		err = p.partUpdated(ev.Properties)
	case EventMessagePartRemoved:
		err = p.partRemoved(ev.Properties)
	case EventSessionStatus:
		err = p.sessionStatus(ev.Properties)
	case EventSessionIdle:
		err = p.sessionIdle(ev.Properties)
	case EventSessionCreated:
		err = p.sessionCreated(ev.Properties)
	case EventSessionUpdated:
		err = p.sessionUpdated(ev.Properties)
	case EventSessionError:
		err = p.sessionError(ev.Properties)
	default:
		return
	}
	if err != nil {
		p.logger.Debugw("dropping event", "type", ev.Type, "error", err)
	}
}

func (p *Processor) scope(sessionID string) Scope {
	return Scope{SessionID: sessionID, ParentSessionID: p.parents[sessionID]}
}

func (p *Processor) messageUpdated(props json.RawMessage) error {
	var ev messageUpdatedProps
	if err := json.Unmarshal(props, &ev); err != nil {
		return err
	}
	var head MessageInfo
	if err := json.Unmarshal(ev.Info, &head); err != nil {
		return err
	}
	key := Key{SessionID: head.SessionID, MessageID: head.ID}
	if key.SessionID == "" || key.MessageID == "" {
		return errMissingKey
	}
	if _, done := p.completed[key]; done {
		return nil
	}

	delete(p.evicted, key)

	msg, ok := p.messages[key]
	if !ok {
		msg = &Message{}
		p.messages[key] = msg
	}
	// Unmarshal over the existing info so absent fields keep their values.
	if err := json.Unmarshal(ev.Info, &msg.Info); err != nil {
		return err
	}

	for _, pp := range p.pending[key] {
		applyPart(msg, pp.part, pp.delta)
	}
	delete(p.pending, key)

	if p.obs.OnMessageUpdated != nil {
		p.obs.OnMessageUpdated(p.scope(key.SessionID), msg.clone())
	}
	p.checkCompletion(key)
	return nil
}

func (p *Processor) partUpdated(props json.RawMessage) error {
	var ev partUpdatedProps
	if err := json.Unmarshal(props, &ev); err != nil {
		return err
	}
	key := Key{SessionID: ev.Part.SessionID, MessageID: ev.Part.MessageID}
	if key.SessionID == "" || key.MessageID == "" || ev.Part.ID == "" {
		return errMissingKey
	}
	if _, done := p.completed[key]; done {
		return nil
	}

	msg, ok := p.messages[key]
	if !ok {
		if _, gone := p.evicted[key]; gone {
			p.logger.Debugw("dropping part for completed message", "message_id", key.MessageID, "part_id", ev.Part.ID)
			return nil
		}
		p.pending[key] = append(p.pending[key], pendingPart{part: ev.Part, delta: ev.Delta})
		return nil
	}

	part := applyPart(msg, ev.Part, ev.Delta)
	if p.obs.OnPartUpdated != nil {
		cp := *part
		p.obs.OnPartUpdated(p.scope(key.SessionID), key, &cp)
	}
	p.checkCompletion(key)
	return nil
}

// applyPart merges part into msg and returns the stored part.
func applyPart(msg *Message, part Part, delta string) *Part {
	i := msg.partIndex(part.ID)
	if i < 0 {
		if delta != "" {
			part.Text = delta
		}
		msg.Parts = append(msg.Parts, part)
		return &msg.Parts[len(msg.Parts)-1]
	}

	existing := &msg.Parts[i]
	if delta != "" && existing.textual() {
		text := existing.Text + delta
		*existing = part
		existing.Text = text
		return existing
	}
	*existing = part
	return existing
}

func (p *Processor) partRemoved(props json.RawMessage) error {
	var ev partRemovedProps
	if err := json.Unmarshal(props, &ev); err != nil {
		return err
	}
	key := Key{SessionID: ev.SessionID, MessageID: ev.MessageID}

	msg, ok := p.messages[key]
	if !ok {
		return nil
	}
	i := msg.partIndex(ev.PartID)
	if i < 0 {
		return nil
	}
	msg.Parts = append(msg.Parts[:i], msg.Parts[i+1:]...)

	if p.obs.OnPartRemoved != nil {
		p.obs.OnPartRemoved(p.scope(key.SessionID), key, ev.PartID)
	}
	return nil
}

// checkCompletion hands a completed assistant message to the observer and
// evicts it. A later message update (e.g. a summary) revives the key; bare
// part updates for it are dropped instead of buffered.
func (p *Processor) checkCompletion(key Key) {
	msg, ok := p.messages[key]
	if !ok || !msg.Completed() {
		return
	}
	delete(p.messages, key)
	p.evict(key)
	if p.obs.OnMessageCompleted != nil {
		p.obs.OnMessageCompleted(p.scope(key.SessionID), msg)
	}
}

func (p *Processor) evict(key Key) {
	if _, ok := p.evicted[key]; !ok {
		p.evictOrder = append(p.evictOrder, key)
	}
	p.evicted[key] = struct{}{}
	for len(p.evictOrder) > maxEvicted {
		delete(p.evicted, p.evictOrder[0])
		p.evictOrder = p.evictOrder[1:]
	}
}

// completeUserMessages completes every tracked user message of sessionID and
// refuses further updates for them.
func (p *Processor) completeUserMessages(sessionID string) {
	var done []*Message
	for key, msg := range p.messages {
		if key.SessionID != sessionID || msg.Info.Role != RoleUser {
			continue
		}
		done = append(done, msg)
	}
	sortByCreated(done)

	for _, msg := range done {
		key := msg.Key()
		delete(p.messages, key)
		p.completed[key] = struct{}{}
		delete(p.pending, key)
		if p.obs.OnMessageCompleted != nil {
			p.obs.OnMessageCompleted(p.scope(sessionID), msg)
		}
	}
}

func (p *Processor) setStreaming(sessionID string, on bool) {
	if p.parents[sessionID] != "" || p.streaming == on {
		return
	}
	p.streaming = on
	if p.obs.OnStreamingChanged != nil {
		p.obs.OnStreamingChanged(on)
	}
}

func (p *Processor) sessionStatus(props json.RawMessage) error {
	var ev sessionStatusProps
	if err := json.Unmarshal(props, &ev); err != nil {
		return err
	}
	if ev.SessionID == "" {
		return errMissingKey
	}

	if p.obs.OnSessionStatus != nil {
		p.obs.OnSessionStatus(p.scope(ev.SessionID), ev.Status)
	}

	switch ev.Status.Type {
	case StatusIdle:
		p.completeUserMessages(ev.SessionID)
		p.setStreaming(ev.SessionID, false)
	case StatusBusy:
		p.setStreaming(ev.SessionID, true)
	}
	return nil
}

func (p *Processor) sessionIdle(props json.RawMessage) error {
	var ev sessionIDProps
	if err := json.Unmarshal(props, &ev); err != nil {
		return err
	}
	if ev.SessionID == "" {
		return errMissingKey
	}
	p.completeUserMessages(ev.SessionID)
	p.setStreaming(ev.SessionID, false)
	return nil
}

func (p *Processor) sessionCreated(props json.RawMessage) error {
	var ev sessionInfoProps
	if err := json.Unmarshal(props, &ev); err != nil {
		return err
	}
	if ev.Info.ID == "" {
		return errMissingKey
	}
	if ev.Info.ParentID != "" {
		p.parents[ev.Info.ID] = ev.Info.ParentID
	} else {
		delete(p.parents, ev.Info.ID)
	}
	if p.obs.OnSessionCreated != nil {
		p.obs.OnSessionCreated(p.scope(ev.Info.ID), ev.Info)
	}
	return nil
}

func (p *Processor) sessionUpdated(props json.RawMessage) error {
	var ev sessionInfoProps
	if err := json.Unmarshal(props, &ev); err != nil {
		return err
	}
	if ev.Info.ID == "" {
		return errMissingKey
	}
	if p.obs.OnSessionUpdated != nil {
		p.obs.OnSessionUpdated(p.scope(ev.Info.ID), ev.Info)
	}
	return nil
}

func (p *Processor) sessionError(props json.RawMessage) error {
	var ev sessionErrorProps
	if len(props) > 0 {
		if err := json.Unmarshal(props, &ev); err != nil {
			return err
		}
	}
	p.setStreaming(ev.SessionID, false)
	if p.obs.OnError != nil {
		p.obs.OnError(p.scope(ev.SessionID), errorMessage(ev.Error))
	}
	return nil
}

// errorMessage extracts a readable message from the worker error shapes
// {"name":..,"data":{"message":..}}, {"message":..} or a bare string.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unknown session error"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	var obj struct {
		Name    string `json:"name"`
		Message string `json:"message"`
		Data    struct {
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		switch {
		case obj.Data.Message != "":
			return obj.Data.Message
		case obj.Message != "":
			return obj.Message
		case obj.Name != "":
			return obj.Name
		}
	}
	return "unknown session error"
}

// sortByCreated orders messages by creation time, then id.
func sortByCreated(msgs []*Message) {
	sort.Slice(msgs, func(i, j int) bool {
		a, b := msgs[i].Info, msgs[j].Info
		if a.Time.Created != b.Time.Created {
			return a.Time.Created < b.Time.Created
		}
		return a.ID < b.ID
	})
}
