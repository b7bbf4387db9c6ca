package wrapper

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/holon-run/cloudagent/pkg/log"
	"github.com/holon-run/cloudagent/pkg/redact"
	"github.com/holon-run/cloudagent/pkg/sandbox"
)

// Supervisor defaults.
const (
	DefaultPortRangeStart = 4100
	DefaultPortRangeEnd   = 4999
	DefaultMaxWait        = 30 * time.Second
	DefaultPollInterval   = 250 * time.Millisecond
	defaultHealthTimeout  = 2 * time.Second
)

// Config configures a Supervisor.
type Config struct {
	// WorkerPath is the worker executable inside the sandbox.
	WorkerPath string
	// WorkerArgs precede the flags the supervisor adds.
	WorkerArgs     []string
	WorkerEnv      map[string]string
	PortRangeStart int
	PortRangeEnd   int
	MaxWait        time.Duration
	PollInterval   time.Duration
	HealthTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.PortRangeStart == 0 {
		c.PortRangeStart = DefaultPortRangeStart
	}
	if c.PortRangeEnd == 0 {
		c.PortRangeEnd = DefaultPortRangeEnd
	}
	if c.MaxWait == 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HealthTimeout == 0 {
		c.HealthTimeout = defaultHealthTimeout
	}
}

// WrapperRequest asks for a ready worker for one session.
type WrapperRequest struct {
	SessionID string
	// ControlPort is the port of the agent server the worker drives.
	ControlPort   int
	WorkspacePath string
}

// RunOptions configure EnsureRunning.
type RunOptions struct {
	SessionID     string
	WorkerPath    string
	MaxWait       time.Duration
	ControlPort   int
	WorkerPort    int
	WorkspacePath string
}

// Supervisor finds or starts the worker for a session inside a sandbox host.
type Supervisor struct {
	host       sandbox.Host
	cfg        Config
	httpClient *http.Client
	redactor   *redact.Redactor
	group      singleflight.Group
	logger     *zap.SugaredLogger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithHTTPClient sets the client used to talk to workers.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Supervisor) { s.httpClient = c }
}

// WithRedactor sets the redactor applied to worker output in errors.
func WithRedactor(r *redact.Redactor) Option {
	return func(s *Supervisor) { s.redactor = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// NewSupervisor returns a supervisor over host.
func NewSupervisor(host sandbox.Host, cfg Config, opts ...Option) *Supervisor {
	cfg.applyDefaults()
	s := &Supervisor{host: host, cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Named("supervisor")
	}
	if s.redactor == nil {
		s.redactor = redact.New(redact.Config{})
	}
	return s
}

// EnsureWrapper returns a client bound to a healthy worker for the session.
// An existing worker tagged with the session marker is reused; otherwise a
// new one is started on a session-scoped port. Concurrent calls for the same
// session share one attempt.
func (s *Supervisor) EnsureWrapper(ctx context.Context, req WrapperRequest) (*Client, error) {
	if req.SessionID == "" {
		return nil, errors.New("ensure wrapper: session id is required")
	}
	v, err, _ := s.group.Do(req.SessionID, func() (any, error) {
		return s.ensureWrapper(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

func (s *Supervisor) ensureWrapper(ctx context.Context, req WrapperRequest) (*Client, error) {
	logger := s.logger.With("session_id", req.SessionID)

	infos, err := s.host.ListProcesses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sandbox processes: %w", err)
	}

	if info, ok := sandbox.FindByMarker(infos, req.SessionID); ok {
		client, err := s.existingClient(ctx, info)
		if err == nil {
			logger.Debugw("reusing worker", "pid", info.ID, "url", client.BaseURL())
			return client, nil
		}
		logger.Warnw("existing worker unhealthy, replacing", "pid", info.ID, "error", err)
		if kerr := s.host.KillProcess(ctx, info.ID); kerr != nil && !errors.Is(kerr, sandbox.ErrProcessNotFound) {
			logger.Warnw("failed to kill unhealthy worker", "pid", info.ID, "error", kerr)
		}
		infos = without(infos, info.ID)
	}

	port, err := s.allocatePort(req.SessionID, infos)
	if err != nil {
		return nil, err
	}

	endpoint, err := s.host.Endpoint(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("resolve worker endpoint: %w", err)
	}
	client := NewClient(endpoint, s.httpClient)

	err = s.EnsureRunning(ctx, client, RunOptions{
		SessionID:     req.SessionID,
		WorkerPath:    s.cfg.WorkerPath,
		MaxWait:       s.cfg.MaxWait,
		ControlPort:   req.ControlPort,
		WorkerPort:    port,
		WorkspacePath: req.WorkspacePath,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (s *Supervisor) existingClient(ctx context.Context, info sandbox.ProcessInfo) (*Client, error) {
	port, err := sandbox.ParsePort(info.Args)
	if err != nil {
		return nil, err
	}
	endpoint, err := s.host.Endpoint(ctx, port)
	if err != nil {
		return nil, err
	}
	client := NewClient(endpoint, s.httpClient)
	if err := s.checkHealth(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

// EnsureRunning makes sure the worker behind client is healthy, starting it
// if the first health check fails. It returns a NotReady error carrying the last
// cause when the worker is not healthy within opts.MaxWait.
func (s *Supervisor) EnsureRunning(ctx context.Context, client *Client, opts RunOptions) error {
	if err := s.checkHealth(ctx, client); err == nil {
		return nil
	}

	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = s.cfg.MaxWait
	}
	workerPath := opts.WorkerPath
	if workerPath == "" {
		workerPath = s.cfg.WorkerPath
	}
	if workerPath == "" {
		return notReady("ensureRunning", errors.New("no worker path configured"))
	}

	proc, err := s.host.StartProcess(ctx, sandbox.ProcessSpec{
		Command: workerPath,
		Args:    s.workerArgs(opts),
		Env:     s.cfg.WorkerEnv,
		Dir:     opts.WorkspacePath,
		Marker:  opts.SessionID,
	})
	if err != nil {
		return notReady("ensureRunning", fmt.Errorf("start worker: %w", err))
	}
	s.logger.Infow("worker started", "session_id", opts.SessionID, "pid", proc.ID(), "port", opts.WorkerPort)

	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	if err := s.waitForPort(waitCtx, proc, opts.WorkerPort, maxWait); err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Every(s.cfg.PollInterval), 1)
	var lastErr error
	for {
		if err := limiter.Wait(waitCtx); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return notReady("ensureRunning", fmt.Errorf("worker not healthy within %s: %w", maxWait, lastErr))
		}

		select {
		case <-proc.Exited():
			return s.exitedErr(proc)
		default:
		}

		lastErr = s.checkHealth(waitCtx, client)
		if lastErr == nil {
			s.logger.Infow("worker ready", "session_id", opts.SessionID, "url", client.BaseURL())
			return nil
		}
	}
}

// waitForPort waits for the worker port at TCP level, failing early if the
// process exits first.
func (s *Supervisor) waitForPort(ctx context.Context, proc sandbox.Process, port int, timeout time.Duration) error {
	ready := make(chan error, 1)
	go func() { ready <- s.host.WaitForPort(ctx, port, timeout) }()

	select {
	case err := <-ready:
		if err != nil {
			select {
			case <-proc.Exited():
				return s.exitedErr(proc)
			default:
			}
			return notReady("ensureRunning", err)
		}
		return nil
	case <-proc.Exited():
		return s.exitedErr(proc)
	}
}

func (s *Supervisor) exitedErr(proc sandbox.Process) error {
	code, _ := proc.Wait(context.Background())
	cause := fmt.Errorf("worker exited with code %d", code)
	if tail := s.redactor.String(proc.Tail()); tail != "" {
		cause = fmt.Errorf("%w: %s", cause, lastLines(tail, 5))
	}
	return notReady("ensureRunning", cause)
}

func (s *Supervisor) checkHealth(ctx context.Context, client *Client) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
	defer cancel()
	_, err := client.Health(ctx)
	return err
}

func (s *Supervisor) workerArgs(opts RunOptions) []string {
	args := append([]string(nil), s.cfg.WorkerArgs...)
	args = append(args, sandbox.PortFlag+"="+strconv.Itoa(opts.WorkerPort))
	if opts.ControlPort > 0 {
		args = append(args, "--control-port="+strconv.Itoa(opts.ControlPort))
	}
	if opts.WorkspacePath != "" {
		args = append(args, "--workspace="+opts.WorkspacePath)
	}
	return args
}

// allocatePort picks a port for session: a stable starting point derived from
// the session id, then the first port not used by a listed worker.
func (s *Supervisor) allocatePort(sessionID string, infos []sandbox.ProcessInfo) (int, error) {
	used := make(map[int]bool, len(infos))
	for _, info := range infos {
		if p, err := sandbox.ParsePort(info.Args); err == nil {
			used[p] = true
		}
	}

	span := s.cfg.PortRangeEnd - s.cfg.PortRangeStart + 1
	if span <= 0 {
		return 0, fmt.Errorf("empty worker port range %d-%d", s.cfg.PortRangeStart, s.cfg.PortRangeEnd)
	}
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	offset := int(h.Sum32() % uint32(span))

	for i := 0; i < span; i++ {
		port := s.cfg.PortRangeStart + (offset+i)%span
		if !used[port] {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free worker port in %d-%d", s.cfg.PortRangeStart, s.cfg.PortRangeEnd)
}

func without(infos []sandbox.ProcessInfo, id string) []sandbox.ProcessInfo {
	out := infos[:0:0]
	for _, info := range infos {
		if info.ID != id {
			out = append(out, info)
		}
	}
	return out
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
