// Package session binds a worker client, its event stream and the lifecycle
// manager into one running session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/holon-run/cloudagent/pkg/ingest"
	"github.com/holon-run/cloudagent/pkg/lifecycle"
	"github.com/holon-run/cloudagent/pkg/log"
	"github.com/holon-run/cloudagent/pkg/redact"
	"github.com/holon-run/cloudagent/pkg/stream"
	"github.com/holon-run/cloudagent/pkg/wrapper"
)

// Defaults.
const (
	DefaultMaxRuntime        = 30 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second
)

// Client is the worker surface a session drives. *wrapper.Client satisfies it.
type Client interface {
	lifecycle.Worker
	StartJob(ctx context.Context, req wrapper.JobStartRequest) (*wrapper.JobStartResponse, error)
	AnswerPermission(ctx context.Context, req wrapper.PermissionAnswer) error
	AnswerQuestion(ctx context.Context, req wrapper.QuestionAnswer) error
	RejectQuestion(ctx context.Context, questionID string) error
	EventsURL() string
}

// Heartbeater records liveness of the execution a session runs.
type Heartbeater interface {
	Heartbeat(ctx context.Context, executionID string) error
}

// Config configures a Session.
type Config struct {
	// MaxRuntime is the deadline given to each dispatched message.
	MaxRuntime time.Duration
	// HeartbeatInterval applies when a Heartbeater is set.
	HeartbeatInterval time.Duration
	Lifecycle         lifecycle.Config
}

// PromptOptions are optional prompt parameters.
type PromptOptions struct {
	Model   string
	Variant string
}

// Session is one active agent session.
type Session struct {
	id        string
	cfg       Config
	client    Client
	state     *lifecycle.State
	manager   *lifecycle.Manager
	redactor  *redact.Redactor
	logger    *zap.SugaredLogger
	now       func() time.Time
	heartbeat Heartbeater
	hooks     []lifecycle.Hook

	procMu    sync.Mutex
	processor *stream.Processor

	mu     sync.Mutex
	source *stream.WebSocketSource
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Session.
type Option func(*Session)

// WithHooks sets the post-completion hooks.
func WithHooks(hooks ...lifecycle.Hook) Option {
	return func(s *Session) { s.hooks = hooks }
}

// WithRedactor sets the redactor for downstream text.
func WithRedactor(r *redact.Redactor) Option {
	return func(s *Session) { s.redactor = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Session) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithHeartbeater enables periodic heartbeats for the running execution.
func WithHeartbeater(h Heartbeater) Option {
	return func(s *Session) { s.heartbeat = h }
}

// New returns a session driving client.
func New(id string, client Client, cfg Config, opts ...Option) *Session {
	if cfg.MaxRuntime <= 0 {
		cfg.MaxRuntime = DefaultMaxRuntime
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	s := &Session{id: id, cfg: cfg, client: client, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Named("session").With("session", id)
	}
	if s.redactor == nil {
		s.redactor = redact.New(redact.Config{})
	}

	s.state = lifecycle.NewState()
	s.manager = lifecycle.NewManager(s.state, client, cfg.Lifecycle,
		lifecycle.WithHooks(s.hooks...),
		lifecycle.WithRedactor(s.redactor),
		lifecycle.WithLogger(s.logger),
		lifecycle.WithClock(s.now),
	)
	s.processor = stream.NewProcessor(s.observer())
	s.processor.SetLogger(s.logger)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the shared lifecycle state.
func (s *Session) State() *lifecycle.State { return s.state }

// Manager returns the lifecycle manager.
func (s *Session) Manager() *lifecycle.Manager { return s.manager }

// StartJob starts a job on the worker and records its context.
func (s *Session) StartJob(ctx context.Context, job lifecycle.JobContext) (lifecycle.JobContext, error) {
	resp, err := s.client.StartJob(ctx, wrapper.JobStartRequest{
		ExecutionID:    job.ExecutionID,
		WorkspacePath:  job.WorkspacePath,
		KiloSessionID:  job.KiloSessionID,
		AutoCommit:     job.AutoCommit,
		Condense:       job.Condense,
		Model:          job.Model,
		UpstreamBranch: job.UpstreamBranch,
	})
	if err != nil {
		return lifecycle.JobContext{}, err
	}
	if resp.KiloSessionID != "" {
		job.KiloSessionID = resp.KiloSessionID
	}
	s.state.SetJob(job, s.now())
	s.logger.Infow("job started", "execution_id", job.ExecutionID, "kilo_session_id", job.KiloSessionID)
	return job, nil
}

// Prompt dispatches a user prompt and returns its message id.
func (s *Session) Prompt(ctx context.Context, text string, opts PromptOptions) (string, error) {
	return s.dispatch(ctx, func(id string) error {
		_, err := s.client.Prompt(ctx, wrapper.PromptRequest{
			MessageID: id,
			Text:      text,
			Model:     opts.Model,
			Variant:   opts.Variant,
		})
		return err
	})
}

// Command dispatches a slash command and returns its message id.
func (s *Session) Command(ctx context.Context, name, args string) (string, error) {
	return s.dispatch(ctx, func(id string) error {
		_, err := s.client.Command(ctx, wrapper.CommandRequest{MessageID: id, Command: name, Args: args})
		return err
	})
}

// dispatch registers the message as inflight before sending so a fast
// completion cannot race the registration.
func (s *Session) dispatch(ctx context.Context, send func(id string) error) (string, error) {
	id := uuid.NewString()
	now := s.now()
	s.state.AddInflight(id, now.Add(s.cfg.MaxRuntime))
	if err := send(id); err != nil {
		s.state.RemoveInflight(id, s.now())
		return "", err
	}
	return id, nil
}

// AnswerPermission replies to a permission request.
func (s *Session) AnswerPermission(ctx context.Context, permissionID, response string) error {
	return s.client.AnswerPermission(ctx, wrapper.PermissionAnswer{PermissionID: permissionID, Response: response})
}

// AnswerQuestion replies to an agent question.
func (s *Session) AnswerQuestion(ctx context.Context, questionID string, answers [][]string) error {
	return s.client.AnswerQuestion(ctx, wrapper.QuestionAnswer{QuestionID: questionID, Answers: answers})
}

// RejectQuestion dismisses an agent question.
func (s *Session) RejectQuestion(ctx context.Context, questionID string) error {
	return s.client.RejectQuestion(ctx, questionID)
}

// Attach installs a downstream channel for the next turn.
func (s *Session) Attach(ch ingest.Channel) {
	s.manager.Attach(ch)
}

// HandleEvent processes one raw worker event. It matches stream.Handler.
func (s *Session) HandleEvent(ctx context.Context, raw []byte) error {
	s.state.RecordStreamEvent(s.now())

	if ch := s.state.Channel(); ch != nil && ch.IsOpen() {
		if err := ch.Send(ingest.NewEvent(ingest.TypeOutput, s.outputPayload(raw))); err != nil {
			s.logger.Debugw("forwarding event failed", "error", err)
		}
	}

	s.procMu.Lock()
	defer s.procMu.Unlock()
	s.processor.ProcessRaw(raw)
	return nil
}

// outputPayload redacts raw and keeps it as JSON when redaction left it
// valid.
func (s *Session) outputPayload(raw []byte) interface{} {
	scrubbed := s.redactor.String(string(raw))
	if json.Valid([]byte(scrubbed)) {
		return json.RawMessage(scrubbed)
	}
	return scrubbed
}

func (s *Session) observer() stream.Observer {
	return stream.Observer{
		OnMessageCompleted: func(scope stream.Scope, msg *stream.Message) {
			if !scope.Root() || msg.Info.Role != stream.RoleAssistant || msg.Info.ParentID == "" {
				return
			}
			s.manager.SignalCompletion(msg.Info.ParentID)
			if s.state.HasInflight(msg.Info.ParentID) {
				s.manager.OnMessageComplete(msg.Info.ParentID)
			}
		},
		OnSessionStatus: func(scope stream.Scope, st stream.SessionStatus) {
			if !scope.Root() {
				return
			}
			switch st.Type {
			case stream.StatusBusy, stream.StatusRetry:
				s.manager.ObserveBusy()
			case stream.StatusIdle:
				s.manager.ObserveIdle()
			}
		},
		OnError: func(scope stream.Scope, msg string) {
			msg = s.redactor.String(msg)
			s.logger.Warnw("worker session error", "kilo_session_id", scope.SessionID, "error", msg)
			s.state.SetLastError(msg)
			if ch := s.state.Channel(); ch != nil && ch.IsOpen() {
				_ = ch.Send(ingest.ErrorEvent(ingest.CodeSessionError, msg, "", false))
			}
		},
	}
}

// Run starts the lifecycle timers, subscribes to the worker event stream
// and, with a Heartbeater, heartbeats the running execution.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source != nil {
		return errors.New("session already running")
	}
	if err := s.manager.Start(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	source := stream.NewWebSocketSource(s.client.EventsURL(), nil, stream.WithSourceLogger(s.logger.Named("events")))
	if err := source.Start(runCtx, s.HandleEvent); err != nil {
		cancel()
		return fmt.Errorf("failed to start event stream: %w", err)
	}
	s.source = source
	s.cancel = cancel

	if s.heartbeat != nil {
		s.wg.Add(1)
		go s.heartbeatLoop(runCtx)
	}
	return nil
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, ok := s.state.Job()
			if !ok || job.ExecutionID == "" {
				continue
			}
			if err := s.heartbeat.Heartbeat(ctx, job.ExecutionID); err != nil {
				s.logger.Warnw("heartbeat failed", "execution_id", job.ExecutionID, "error", err)
			}
		}
	}
}

// Close stops the event stream, timers and heartbeats, and closes the
// channel.
func (s *Session) Close() error {
	s.mu.Lock()
	source, cancel := s.source, s.cancel
	s.source, s.cancel = nil, nil
	s.mu.Unlock()

	var err error
	if source != nil {
		err = source.Stop()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.manager.Stop()

	s.procMu.Lock()
	s.processor.Clear()
	s.procMu.Unlock()
	return err
}
