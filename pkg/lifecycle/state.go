// Package lifecycle owns the timers and the shutdown sequence of one active
// session: inflight expiry, stream inactivity, idle timeout and the
// drain-and-close path that reports completion downstream.
package lifecycle

import (
	"sync"
	"time"

	"github.com/holon-run/cloudagent/pkg/ingest"
)

// JobContext describes the job a session is running.
type JobContext struct {
	ExecutionID    string
	KiloSessionID  string
	WorkspacePath  string
	AutoCommit     bool
	Condense       bool
	Model          string
	UpstreamBranch string
}

// State is the shared per-session state read by the Manager and written by
// the session that dispatches work.
type State struct {
	mu                sync.Mutex
	job               *JobContext
	inflight          map[string]time.Time
	channel           ingest.Channel
	lastError         string
	connectedAt       time.Time
	lastStreamEventAt time.Time
	idleSince         time.Time
}

// NewState returns empty state.
func NewState() *State {
	return &State{inflight: make(map[string]time.Time)}
}

// SetJob installs the job context.
func (s *State) SetJob(job JobContext, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job = &job
	if len(s.inflight) == 0 {
		s.idleSince = now
	}
}

// Job returns a copy of the job context.
func (s *State) Job() (JobContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil {
		return JobContext{}, false
	}
	return *s.job, true
}

// ClearJob drops the job context.
func (s *State) ClearJob() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job = nil
	s.idleSince = time.Time{}
}

// AddInflight tracks a dispatched message until deadline.
func (s *State) AddInflight(messageID string, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[messageID] = deadline
	s.idleSince = time.Time{}
}

// RemoveInflight stops tracking messageID. It reports whether the entry
// existed.
func (s *State) RemoveInflight(messageID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[messageID]; !ok {
		return false
	}
	delete(s.inflight, messageID)
	if len(s.inflight) == 0 {
		s.idleSince = now
	}
	return true
}

// removeExpired drops and returns entries whose deadline has passed.
func (s *State) removeExpired(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	for id, deadline := range s.inflight {
		if !now.Before(deadline) {
			expired = append(expired, id)
			delete(s.inflight, id)
		}
	}
	if len(expired) > 0 && len(s.inflight) == 0 {
		s.idleSince = now
	}
	return expired
}

// ClearInflight drops every inflight entry.
func (s *State) ClearInflight(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inflight) > 0 {
		s.idleSince = now
	}
	s.inflight = make(map[string]time.Time)
}

// InflightCount returns the number of inflight messages.
func (s *State) InflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// HasInflight reports whether messageID is inflight.
func (s *State) HasInflight(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[messageID]
	return ok
}

// SetChannel installs a fresh downstream channel and resets stream activity.
func (s *State) SetChannel(ch ingest.Channel, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = ch
	s.connectedAt = now
	s.lastStreamEventAt = time.Time{}
}

// Channel returns the current downstream channel, which may be nil.
func (s *State) Channel() ingest.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// ChannelOpen reports whether a channel is attached and open.
func (s *State) ChannelOpen() bool {
	ch := s.Channel()
	return ch != nil && ch.IsOpen()
}

// RecordStreamEvent marks inbound stream activity.
func (s *State) RecordStreamEvent(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStreamEventAt = now
}

// SetLastError records the most recent session error.
func (s *State) SetLastError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = msg
}

// LastError returns the most recent session error.
func (s *State) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

type activity struct {
	connectedAt       time.Time
	lastStreamEventAt time.Time
	idleSince         time.Time
	inflight          int
}

func (s *State) activity() activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return activity{
		connectedAt:       s.connectedAt,
		lastStreamEventAt: s.lastStreamEventAt,
		idleSince:         s.idleSince,
		inflight:          len(s.inflight),
	}
}
