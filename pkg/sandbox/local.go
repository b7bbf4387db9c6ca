package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/holon-run/cloudagent/pkg/log"
)

const outputTailBytes = 8 << 10

// LocalHost runs worker processes directly on this machine.
type LocalHost struct {
	// Address is the host part of endpoints, default 127.0.0.1.
	Address string

	mu        sync.Mutex
	processes map[string]*localProcess
	logger    *zap.SugaredLogger
}

// NewLocalHost returns an empty local host.
func NewLocalHost() *LocalHost {
	return &LocalHost{
		Address:   "127.0.0.1",
		processes: make(map[string]*localProcess),
		logger:    log.Named("sandbox.local"),
	}
}

type localProcess struct {
	id      string
	command string
	args    []string
	cmd     *exec.Cmd
	exit    *exitState
	output  *tailBuffer
}

func (p *localProcess) ID() string                            { return p.id }
func (p *localProcess) Exited() <-chan struct{}               { return p.exit.done }
func (p *localProcess) Wait(ctx context.Context) (int, error) { return p.exit.wait(ctx) }
func (p *localProcess) Tail() string                          { return p.output.String() }
func (p *localProcess) Kill(ctx context.Context) error        { return p.signal() }

func (p *localProcess) signal() error {
	select {
	case <-p.exit.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal process %s: %w", p.id, err)
	}
	return nil
}

// StartProcess starts spec in the background. The process is not bound to
// ctx; it outlives the call.
func (h *LocalHost) StartProcess(ctx context.Context, spec ProcessSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := spec.argv()
	cmd := exec.Command(spec.Command, args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	out := &tailBuffer{max: outputTailBytes}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	p := &localProcess{
		id:      strconv.Itoa(cmd.Process.Pid),
		command: spec.Command,
		args:    args,
		cmd:     cmd,
		exit:    newExitState(),
		output:  out,
	}

	h.mu.Lock()
	h.processes[p.id] = p
	h.mu.Unlock()

	go func() {
		err := cmd.Wait()
		code := cmd.ProcessState.ExitCode()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = nil
		}
		p.exit.set(code, err)

		h.mu.Lock()
		delete(h.processes, p.id)
		h.mu.Unlock()
		h.logger.Debugw("process exited", "pid", p.id, "code", code)
	}()

	h.logger.Infow("process started", "pid", p.id, "command", spec.Command)
	return p, nil
}

// ListProcesses returns the processes started by this host that are still running.
func (h *LocalHost) ListProcesses(ctx context.Context) ([]ProcessInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]ProcessInfo, 0, len(h.processes))
	for _, p := range h.processes {
		out = append(out, ProcessInfo{ID: p.id, Command: p.command, Args: append([]string(nil), p.args...)})
	}
	return out, nil
}

// KillProcess sends SIGTERM to a process started by this host.
func (h *LocalHost) KillProcess(ctx context.Context, id string) error {
	h.mu.Lock()
	p, ok := h.processes[id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	return p.signal()
}

// WaitForPort waits until port accepts TCP connections.
func (h *LocalHost) WaitForPort(ctx context.Context, port int, timeout time.Duration) error {
	return dialUntil(ctx, fmt.Sprintf("%s:%d", h.address(), port), timeout)
}

// Endpoint returns http://<address>:<port>.
func (h *LocalHost) Endpoint(ctx context.Context, port int) (string, error) {
	return fmt.Sprintf("http://%s:%d", h.address(), port), nil
}

func (h *LocalHost) address() string {
	if h.Address == "" {
		return "127.0.0.1"
	}
	return h.Address
}
