package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/holon-run/cloudagent/pkg/ingest"
	"github.com/holon-run/cloudagent/pkg/log"
	"github.com/holon-run/cloudagent/pkg/redact"
	"github.com/holon-run/cloudagent/pkg/wrapper"
)

// Manager defaults.
const (
	DefaultInflightSweepInterval = 5 * time.Second
	DefaultIdleSweepInterval     = 10 * time.Second
	DefaultIdleTimeout           = 5 * time.Minute
	DefaultInitialStreamGrace    = 30 * time.Second
	DefaultInactivityTimeout     = 120 * time.Second
	DefaultDrainGrace            = 250 * time.Millisecond
	DefaultHookTimeout           = 10 * time.Minute
	abortTimeout                 = 10 * time.Second
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("lifecycle manager stopped")

// Config holds the manager thresholds. Zero values use defaults.
type Config struct {
	InflightSweepInterval time.Duration
	IdleSweepInterval     time.Duration
	IdleTimeout           time.Duration
	// InitialStreamGrace bounds the wait for the first stream event after
	// a channel connects while work is inflight.
	InitialStreamGrace time.Duration
	// InactivityTimeout bounds the gap between stream events while work is
	// inflight.
	InactivityTimeout time.Duration
	DrainGrace        time.Duration
	HookTimeout       time.Duration
}

func (c *Config) applyDefaults() {
	if c.InflightSweepInterval <= 0 {
		c.InflightSweepInterval = DefaultInflightSweepInterval
	}
	if c.IdleSweepInterval <= 0 {
		c.IdleSweepInterval = DefaultIdleSweepInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.InitialStreamGrace <= 0 {
		c.InitialStreamGrace = DefaultInitialStreamGrace
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = DefaultDrainGrace
	}
	if c.HookTimeout <= 0 {
		c.HookTimeout = DefaultHookTimeout
	}
}

// Worker is the part of the worker client the manager and its hooks use.
type Worker interface {
	Abort(ctx context.Context) error
	Prompt(ctx context.Context, req wrapper.PromptRequest) (*wrapper.DispatchResponse, error)
	Command(ctx context.Context, req wrapper.CommandRequest) (*wrapper.DispatchResponse, error)
}

// Manager runs the timers and the drain-and-close sequence for one session.
type Manager struct {
	cfg        Config
	state      *State
	worker     Worker
	hooks      []Hook
	redactor   *redact.Redactor
	logger     *zap.SugaredLogger
	now        func() time.Time
	completion Completion

	mu         sync.Mutex
	draining   bool
	aborted    bool
	running    bool
	stopped    bool
	stopCh     chan struct{}
	closeTimer *time.Timer
	generation uint64
	wg         sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithHooks sets the post-completion hooks, run in order.
func WithHooks(hooks ...Hook) Option {
	return func(m *Manager) { m.hooks = hooks }
}

// WithRedactor sets the redactor applied to downstream error text.
func WithRedactor(r *redact.Redactor) Option {
	return func(m *Manager) { m.redactor = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a manager over state. worker may be nil when no abort
// or hooks are needed.
func NewManager(state *State, worker Worker, cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{cfg: cfg, state: state, worker: worker, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = log.Named("lifecycle")
	}
	if m.redactor == nil {
		m.redactor = redact.New(redact.Config{})
	}
	return m
}

// State returns the shared session state.
func (m *Manager) State() *State { return m.state }

// Worker returns the worker hooks dispatch to.
func (m *Manager) Worker() Worker { return m.worker }

// Start launches the inflight and idle sweeps.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.running {
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(2)
	go m.loop(m.cfg.InflightSweepInterval, m.sweepInflight)
	go m.loop(m.cfg.IdleSweepInterval, m.sweepIdle)
	return nil
}

func (m *Manager) loop(interval time.Duration, sweep func(time.Time)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			sweep(m.now())
		}
	}
}

// Stop aborts the session: timers and any pending close delay are
// cancelled and the channel is closed. A hook already running is not
// interrupted; it observes WasAborted.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.aborted = true
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	if m.closeTimer != nil {
		m.closeTimer.Stop()
		m.closeTimer = nil
	}
	if m.running {
		close(m.stopCh)
		m.running = false
	}
	m.mu.Unlock()

	m.wg.Wait()
	if ch := m.state.Channel(); ch != nil {
		if err := ch.Close(); err != nil {
			m.logger.Debugw("closing channel on stop", "error", err)
		}
	}
}

// Attach installs a fresh downstream channel for the next turn and clears
// the aborted flag left by a previous fatal timeout.
func (m *Manager) Attach(ch ingest.Channel) {
	m.mu.Lock()
	if !m.stopped {
		m.aborted = false
	}
	m.mu.Unlock()
	m.state.SetChannel(ch, m.now())
}

// SetAborted marks the session aborted.
func (m *Manager) SetAborted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = true
}

// WasAborted reports whether the session was aborted.
func (m *Manager) WasAborted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborted
}

// Draining reports whether a drain-and-close is in progress.
func (m *Manager) Draining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

// ExpectCompletion arms the completion signal for messageID. Hooks call it
// before dispatching so that no earlier turn can satisfy the wait.
func (m *Manager) ExpectCompletion(messageID string) { m.completion.Expect(messageID) }

// WaitForCompletion waits for the armed completion or ctx.
func (m *Manager) WaitForCompletion(ctx context.Context) error { return m.completion.Wait(ctx) }

// SignalCompletion reports that the assistant reply to parentID finished.
func (m *Manager) SignalCompletion(parentID string) { m.completion.Reply(parentID) }

// ObserveBusy records that the root session started working.
func (m *Manager) ObserveBusy() { m.completion.Busy() }

// ObserveIdle records that the root session went idle.
func (m *Manager) ObserveIdle() { m.completion.Idle() }

// OnMessageComplete removes a finished message from the inflight set and
// drains when nothing remains. Unknown ids are ignored.
func (m *Manager) OnMessageComplete(messageID string) {
	if !m.state.RemoveInflight(messageID, m.now()) {
		m.logger.Debugw("completion for unknown message", "message_id", messageID)
		return
	}
	if m.state.InflightCount() == 0 && m.state.ChannelOpen() {
		m.TriggerDrainAndClose()
	}
}

func (m *Manager) send(ev ingest.Event) {
	ch := m.state.Channel()
	if ch == nil || !ch.IsOpen() {
		return
	}
	if err := ch.Send(ev); err != nil {
		m.logger.Debugw("downstream send failed", "type", ev.StreamEventType, "error", err)
	}
}

func (m *Manager) sweepInflight(now time.Time) {
	expired := m.state.removeExpired(now)
	if len(expired) == 0 {
		return
	}
	for _, id := range expired {
		msg := fmt.Sprintf("message %s timed out", id)
		m.logger.Warnw("inflight message timed out", "message_id", id)
		m.send(ingest.ErrorEvent(ingest.CodeInflightTimeout, msg, id, false))
		m.state.SetLastError(msg)
	}
	if m.state.InflightCount() == 0 && m.state.ChannelOpen() {
		m.TriggerDrainAndClose()
	}
}

func (m *Manager) sweepIdle(now time.Time) {
	if _, ok := m.state.Job(); !ok {
		return
	}
	act := m.state.activity()
	open := m.state.ChannelOpen()

	if act.inflight > 0 {
		if !open {
			return
		}
		switch {
		case act.lastStreamEventAt.IsZero() && !act.connectedAt.IsZero() &&
			now.Sub(act.connectedAt) > m.cfg.InitialStreamGrace:
			m.fatal(ingest.CodeSSEInitial, fmt.Sprintf("no stream events within %s of connecting", m.cfg.InitialStreamGrace))
		case !act.lastStreamEventAt.IsZero() && now.Sub(act.lastStreamEventAt) > m.cfg.InactivityTimeout:
			m.fatal(ingest.CodeSSEInactivity, fmt.Sprintf("no stream events for %s", m.cfg.InactivityTimeout))
		}
		return
	}

	if act.idleSince.IsZero() || now.Sub(act.idleSince) <= m.cfg.IdleTimeout {
		return
	}
	// Hooks can run past IdleTimeout; the drain owns the close.
	if m.Draining() {
		return
	}
	msg := fmt.Sprintf("session idle for %s", m.cfg.IdleTimeout)
	m.logger.Infow("idle timeout", "idle_for", now.Sub(act.idleSince).String())
	m.send(ingest.ErrorEvent(ingest.CodeIdleTimeout, msg, "", false))
	m.state.SetLastError(msg)
	if ch := m.state.Channel(); ch != nil {
		_ = ch.Close()
	}
	m.state.ClearJob()
}

// fatal treats the stream as broken: the worker job is aborted, inflight
// work is dropped and the session drains without a complete event.
func (m *Manager) fatal(code, msg string) {
	m.logger.Warnw("stream fault", "code", code, "message", msg)
	m.send(ingest.ErrorEvent(code, msg, "", true))
	m.state.SetLastError(msg)

	if m.worker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
		if err := m.worker.Abort(ctx); err != nil {
			m.logger.Warnw("abort failed", "error", err)
		}
		cancel()
	}
	m.SetAborted()
	m.state.ClearInflight(m.now())
	m.TriggerDrainAndClose()
}

// TriggerDrainAndClose starts the shutdown sequence unless one is already
// running.
func (m *Manager) TriggerDrainAndClose() {
	m.mu.Lock()
	if m.draining || m.stopped {
		m.mu.Unlock()
		return
	}
	m.draining = true
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	go m.drain(gen)
}

func (m *Manager) drain(gen uint64) {
	job, hasJob := m.state.Job()
	if hasJob && !m.WasAborted() {
		m.send(ingest.CompleteEvent(job.ExecutionID, job.KiloSessionID))
	}
	if hasJob {
		m.runHooks(job)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || gen != m.generation {
		return
	}
	m.closeTimer = time.AfterFunc(m.cfg.DrainGrace, func() { m.finishClose(gen) })
}

func (m *Manager) finishClose(gen uint64) {
	m.mu.Lock()
	if m.stopped || gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.closeTimer = nil
	m.draining = false
	m.mu.Unlock()

	if ch := m.state.Channel(); ch != nil {
		if err := ch.Close(); err != nil {
			m.logger.Debugw("closing channel", "error", err)
		}
	}
}

func (m *Manager) runHooks(job JobContext) {
	for _, hook := range m.hooks {
		if !hook.Enabled(job) {
			continue
		}
		if err := m.runHook(hook, job); err != nil {
			msg := m.redactor.String(fmt.Sprintf("%s hook failed: %v", hook.Name(), err))
			m.logger.Warnw("post-completion hook failed", "hook", hook.Name(), "error", msg)
			m.send(ingest.ErrorEvent(ingest.CodeHookFailed, msg, "", false))
			m.state.SetLastError(msg)
		}
	}
}

func (m *Manager) runHook(hook Hook, job JobContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HookTimeout)
	defer cancel()
	return hook.Run(ctx, m, job)
}
