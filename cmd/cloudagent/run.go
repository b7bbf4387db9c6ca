package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/holon-run/cloudagent/pkg/config"
	"github.com/holon-run/cloudagent/pkg/controlplane"
	"github.com/holon-run/cloudagent/pkg/execution"
	"github.com/holon-run/cloudagent/pkg/ingest"
	"github.com/holon-run/cloudagent/pkg/lifecycle"
	"github.com/holon-run/cloudagent/pkg/log"
	"github.com/holon-run/cloudagent/pkg/redact"
	"github.com/holon-run/cloudagent/pkg/sandbox"
	"github.com/holon-run/cloudagent/pkg/session"
	"github.com/holon-run/cloudagent/pkg/telemetry"
	"github.com/holon-run/cloudagent/pkg/wrapper"
)

type runOptions struct {
	prompt         string
	sessionID      string
	executionID    string
	workspace      string
	model          string
	upstreamBranch string
	autoCommit     bool
	condense       bool
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one prompt in a sandboxed worker",
	Long: `Run one prompt in a sandboxed worker.

The worker for the session is found or started inside the sandbox, a job is
started, the prompt is dispatched and worker events are streamed downstream
(to ingest.url, or as NDJSON on stdout) until the session drains. The
execution record mirrors the outcome.

Examples:
  cloudagent run --prompt "fix the failing test" --workspace ./repo
  cloudagent run -c cloudagent.yaml --session s-42 --prompt "add docs" --auto-commit`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if runOpts.prompt == "" {
			return fmt.Errorf("--prompt is required")
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return runSession(ctx, cfg, runOpts)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runOpts.prompt, "prompt", "p", "", "Prompt to send")
	f.StringVar(&runOpts.sessionID, "session", "", "Session id (default: the execution id)")
	f.StringVar(&runOpts.executionID, "execution", "", "Claim an existing pending execution instead of creating one")
	f.StringVarP(&runOpts.workspace, "workspace", "w", "", "Workspace path (overrides sandbox.workspace)")
	f.StringVarP(&runOpts.model, "model", "m", "", "Model override")
	f.StringVar(&runOpts.upstreamBranch, "upstream-branch", "", "Branch the auto-commit hook pushes to")
	f.BoolVar(&runOpts.autoCommit, "auto-commit", false, "Commit and push changes after the prompt completes")
	f.BoolVar(&runOpts.condense, "condense", false, "Condense the conversation after the prompt completes")
	rootCmd.AddCommand(runCmd)
}

func runSession(ctx context.Context, cfg *config.Config, opts runOptions) error {
	shutdown, err := telemetry.Setup(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	execID := opts.executionID
	if execID == "" {
		execID = controlplane.NewExecutionID(time.Now())
		if _, err := store.Create(ctx, execID); err != nil {
			return err
		}
	}
	sessionID := opts.sessionID
	if sessionID == "" {
		sessionID = execID
	}
	logger := log.With("execution_id", execID, "session", sessionID)

	host, workspace, closeHost, err := newHost(ctx, cfg, opts.workspace, sessionID)
	if err != nil {
		failExecution(store, execID, err.Error())
		return err
	}
	defer closeHost()

	redactor := redact.New(cfg.Redact)
	supervisor := wrapper.NewSupervisor(host, cfg.SupervisorConfig(), wrapper.WithRedactor(redactor))
	client, err := supervisor.EnsureWrapper(ctx, wrapper.WrapperRequest{SessionID: sessionID, WorkspacePath: workspace})
	if err != nil {
		failExecution(store, execID, err.Error())
		return err
	}
	if err := claimExecution(ctx, store, execID, sessionID); err != nil {
		return err
	}

	sess := session.New(sessionID, client, cfg.SessionConfig(),
		session.WithHooks(lifecycle.DefaultHooks()...),
		session.WithRedactor(redactor),
		session.WithHeartbeater(store),
	)
	defer sess.Close()

	downstream, err := openChannel(ctx, cfg)
	if err != nil {
		failExecution(store, execID, err.Error())
		return err
	}
	tracked := newTrackingChannel(downstream, store, execID)
	sess.Attach(tracked)

	job, err := sess.StartJob(ctx, lifecycle.JobContext{
		ExecutionID:    execID,
		WorkspacePath:  workspace,
		AutoCommit:     opts.autoCommit,
		Condense:       opts.condense,
		Model:          opts.model,
		UpstreamBranch: opts.upstreamBranch,
	})
	if err != nil {
		failExecution(store, execID, err.Error())
		return err
	}
	if err := sess.Run(ctx); err != nil {
		failExecution(store, execID, err.Error())
		return err
	}
	messageID, err := sess.Prompt(ctx, opts.prompt, session.PromptOptions{Model: opts.model})
	if err != nil {
		failExecution(store, execID, err.Error())
		return err
	}
	logger.Infow("prompt dispatched", "message_id", messageID, "kilo_session_id", job.KiloSessionID)

	select {
	case <-tracked.Done():
	case <-ctx.Done():
		logger.Warnw("interrupted, aborting worker job")
		abortCtx, cancel := context.WithTimeout(context.Background(), transitionTimeout)
		if err := client.Abort(abortCtx); err != nil {
			logger.Warnw("abort failed", "error", err)
		}
		cancel()
		tracked.finish(execution.StatusInterrupted, "interrupted")
		return ctx.Err()
	}

	switch final := tracked.Final(); final {
	case execution.StatusCompleted:
		logger.Infow("execution completed")
		return nil
	case "":
		msg := sess.State().LastError()
		if msg == "" {
			msg = "channel closed before completion"
		}
		tracked.finish(execution.StatusFailed, msg)
		return fmt.Errorf("execution %s failed: %s", execID, msg)
	default:
		return fmt.Errorf("execution %s %s: %s", execID, final, sess.State().LastError())
	}
}

// newHost returns the sandbox host and the workspace path as seen by the
// worker.
func newHost(ctx context.Context, cfg *config.Config, workspace, sessionID string) (sandbox.Host, string, func(), error) {
	if workspace == "" {
		workspace = cfg.Sandbox.Workspace
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}

	switch cfg.Sandbox.Driver {
	case config.DriverDocker:
		host, err := sandbox.NewDockerHost(cfg.Sandbox.Container)
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to connect to docker: %w", err)
		}
		err = host.EnsureContainer(ctx, sandbox.ContainerConfig{
			Name:      cfg.Sandbox.Container,
			Image:     cfg.Sandbox.Image,
			Workspace: abs,
			Labels:    map[string]string{"cloudagent.session": sessionID},
		})
		if err != nil {
			_ = host.Close()
			return nil, "", nil, err
		}
		return host, sandbox.WorkspaceMount, func() { _ = host.Close() }, nil
	default:
		if _, err := os.Stat(abs); err != nil {
			return nil, "", nil, fmt.Errorf("workspace not found: %w", err)
		}
		return sandbox.NewLocalHost(), abs, func() {}, nil
	}
}

func openChannel(ctx context.Context, cfg *config.Config) (ingest.Channel, error) {
	if cfg.Ingest.URL == "" {
		return ingest.NewStreamChannel(os.Stdout), nil
	}
	ch, err := ingest.NewDialer(cfg.DialerConfig()).Dial(ctx, cfg.Ingest.URL)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// claimExecution marks execID running. A record that is no longer pending
// belongs to someone else and is left alone; any other failure is recorded
// so the record does not stay pending.
func claimExecution(ctx context.Context, store *controlplane.SQLiteStore, execID, processID string) error {
	_, err := store.Claim(ctx, execID, processID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, controlplane.ErrInvalidTransition) && !errors.Is(err, controlplane.ErrNotFound) {
		failExecution(store, execID, err.Error())
	}
	return fmt.Errorf("claim execution %s: %w", execID, err)
}

func failExecution(store *controlplane.SQLiteStore, id, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), transitionTimeout)
	defer cancel()
	if err := store.Transition(ctx, id, execution.StatusFailed, msg); err != nil {
		log.Warn("failed to record execution failure", "execution_id", id, "error", err)
	}
}
