package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/holon-run/cloudagent/pkg/log"
)

// WorkspaceMount is where the session workspace is bind-mounted.
const WorkspaceMount = "/workspace"

// DockerHost runs worker processes as exec sessions inside one long-lived
// container per session.
type DockerHost struct {
	cli       *client.Client
	container string
	// Address overrides the container IP in endpoints, e.g. when ports are
	// published on the host.
	Address string

	pollInterval time.Duration
	logger       *zap.SugaredLogger
}

// ContainerConfig describes the session container EnsureContainer creates.
type ContainerConfig struct {
	Name      string
	Image     string
	Workspace string
	Env       map[string]string
	Labels    map[string]string
}

// NewDockerHost connects to the daemon from the environment and binds the
// host to the named container.
func NewDockerHost(containerName string) (*DockerHost, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerHost{
		cli:          cli,
		container:    containerName,
		pollInterval: 200 * time.Millisecond,
		logger:       log.Named("sandbox.docker"),
	}, nil
}

// Close releases the docker client.
func (h *DockerHost) Close() error {
	return h.cli.Close()
}

// EnsureContainer creates and starts the session container if it is not
// already running. The container idles so exec sessions can be attached.
func (h *DockerHost) EnsureContainer(ctx context.Context, cfg ContainerConfig) error {
	name := cfg.Name
	if name == "" {
		name = h.container
	}

	info, err := h.cli.ContainerInspect(ctx, name)
	switch {
	case err == nil:
		if info.State != nil && info.State.Running {
			return nil
		}
		if err := h.cli.ContainerStart(ctx, info.ID, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start container: %w", err)
		}
		return nil
	case !cerrdefs.IsNotFound(err):
		return fmt.Errorf("inspect container %s: %w", name, err)
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)

	var mounts []mount.Mount
	if cfg.Workspace != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: cfg.Workspace,
			Target: WorkspaceMount,
		})
	}

	resp, err := h.cli.ContainerCreate(ctx, &container.Config{
		Image:      cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		Env:        env,
		WorkingDir: WorkspaceMount,
		Labels:     cfg.Labels,
		Tty:        false,
	}, &container.HostConfig{
		Mounts:     mounts,
		AutoRemove: true,
	}, nil, nil, name)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	if err := h.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	h.container = name
	h.logger.Infow("sandbox container started", "container", name, "image", cfg.Image)
	return nil
}

type dockerProcess struct {
	host   *DockerHost
	execID string
	marker string
	exit   *exitState
}

func (p *dockerProcess) ID() string                            { return p.execID }
func (p *dockerProcess) Exited() <-chan struct{}               { return p.exit.done }
func (p *dockerProcess) Wait(ctx context.Context) (int, error) { return p.exit.wait(ctx) }
func (p *dockerProcess) Tail() string                          { return "" }

// Kill terminates every process in the container carrying the marker.
func (p *dockerProcess) Kill(ctx context.Context) error {
	infos, err := p.host.ListProcesses(ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if v, ok := FlagValue(info.Args, MarkerFlag); ok && v == p.marker {
			if err := p.host.KillProcess(ctx, info.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// StartProcess starts spec as a detached exec session.
func (h *DockerHost) StartProcess(ctx context.Context, spec ProcessSpec) (Process, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	resp, err := h.cli.ContainerExecCreate(ctx, h.container, container.ExecOptions{
		Cmd:        append([]string{spec.Command}, spec.argv()...),
		Env:        env,
		WorkingDir: spec.Dir,
		Detach:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}
	if err := h.cli.ContainerExecStart(ctx, resp.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return nil, fmt.Errorf("start exec: %w", err)
	}

	p := &dockerProcess{host: h, execID: resp.ID, marker: spec.Marker, exit: newExitState()}
	go h.watchExec(p)

	h.logger.Infow("process started", "container", h.container, "exec_id", resp.ID, "command", spec.Command)
	return p, nil
}

// watchExec polls the exec session until it stops running.
func (h *DockerHost) watchExec(p *dockerProcess) {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		info, err := h.cli.ContainerExecInspect(context.Background(), p.execID)
		if err != nil {
			p.exit.set(-1, fmt.Errorf("inspect exec: %w", err))
			return
		}
		if !info.Running {
			p.exit.set(info.ExitCode, nil)
			return
		}
	}
}

// ListProcesses lists processes inside the container via ps.
func (h *DockerHost) ListProcesses(ctx context.Context) ([]ProcessInfo, error) {
	out, code, err := h.run(ctx, []string{"ps", "-eo", "pid=,args="})
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("ps exited with code %d", code)
	}
	return parsePS(out), nil
}

// KillProcess sends SIGTERM to pid id inside the container.
func (h *DockerHost) KillProcess(ctx context.Context, id string) error {
	if _, err := strconv.Atoi(id); err != nil {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	_, code, err := h.run(ctx, []string{"kill", "-TERM", id})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	return nil
}

// WaitForPort dials the container address until port is reachable.
func (h *DockerHost) WaitForPort(ctx context.Context, port int, timeout time.Duration) error {
	addr, err := h.address(ctx)
	if err != nil {
		return err
	}
	return dialUntil(ctx, fmt.Sprintf("%s:%d", addr, port), timeout)
}

// Endpoint returns the URL of port on the container network.
func (h *DockerHost) Endpoint(ctx context.Context, port int) (string, error) {
	addr, err := h.address(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%d", addr, port), nil
}

func (h *DockerHost) address(ctx context.Context) (string, error) {
	if h.Address != "" {
		return h.Address, nil
	}
	info, err := h.cli.ContainerInspect(ctx, h.container)
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", h.container, err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", h.container)
	}
	names := make([]string, 0, len(info.NetworkSettings.Networks))
	for name := range info.NetworkSettings.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if ep := info.NetworkSettings.Networks[name]; ep != nil && ep.IPAddress != "" {
			return ep.IPAddress, nil
		}
	}
	return "", fmt.Errorf("container %s has no IP address", h.container)
}

// run executes cmd in the container and returns its stdout and exit code.
func (h *DockerHost) run(ctx context.Context, cmd []string) (string, int, error) {
	resp, err := h.cli.ContainerExecCreate(ctx, h.container, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", 0, fmt.Errorf("create exec %s: %w", cmd[0], err)
	}

	attach, err := h.cli.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", 0, fmt.Errorf("attach exec %s: %w", cmd[0], err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", 0, fmt.Errorf("read exec %s: %w", cmd[0], err)
	}

	info, err := h.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return "", 0, fmt.Errorf("inspect exec %s: %w", cmd[0], err)
	}
	if info.ExitCode != 0 {
		h.logger.Debugw("exec failed", "command", cmd[0], "code", info.ExitCode, "stderr", strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), info.ExitCode, nil
}

// parsePS parses `ps -eo pid=,args=` output.
func parsePS(out string) []ProcessInfo {
	var infos []ProcessInfo
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if _, err := strconv.Atoi(fields[0]); err != nil {
			continue
		}
		infos = append(infos, ProcessInfo{
			ID:      fields[0],
			Command: fields[1],
			Args:    fields[2:],
		})
	}
	return infos
}
