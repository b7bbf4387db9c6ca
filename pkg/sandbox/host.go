// Package sandbox abstracts the execution environment a worker runs in.
// A Host can start, list and kill processes and tell callers how to reach
// a port inside the environment.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MarkerFlag tags a worker process with its session marker so a later
// ListProcesses can find it again.
const MarkerFlag = "--session-marker"

// PortFlag carries the control port on the worker command line.
const PortFlag = "--port"

// ErrProcessNotFound is returned when killing an unknown process.
var ErrProcessNotFound = errors.New("process not found")

// ProcessSpec describes a background process to start.
type ProcessSpec struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	// Marker is appended as MarkerFlag=<marker> when set.
	Marker string
}

// argv returns the full argument list including the marker flag.
func (s ProcessSpec) argv() []string {
	args := append([]string(nil), s.Args...)
	if s.Marker != "" {
		args = append(args, MarkerFlag+"="+s.Marker)
	}
	return args
}

// ProcessInfo is one entry of ListProcesses.
type ProcessInfo struct {
	ID      string
	Command string
	Args    []string
}

// Process is a handle on a started background process.
type Process interface {
	ID() string
	// Wait blocks until the process exits or ctx is done. The exit is captured
	// once, so calls made after the process already exited return the same
	// result.
	Wait(ctx context.Context) (int, error)
	// Exited is closed when the process exits.
	Exited() <-chan struct{}
	Kill(ctx context.Context) error
	// Tail returns the most recent output, if the host captures it.
	Tail() string
}

// Host is a sandboxed execution environment.
type Host interface {
	StartProcess(ctx context.Context, spec ProcessSpec) (Process, error)
	ListProcesses(ctx context.Context) ([]ProcessInfo, error)
	KillProcess(ctx context.Context, id string) error
	WaitForPort(ctx context.Context, port int, timeout time.Duration) error
	// Endpoint returns the base URL for reaching port inside the sandbox.
	Endpoint(ctx context.Context, port int) (string, error)
}

// FindByMarker returns the first process tagged with marker.
func FindByMarker(infos []ProcessInfo, marker string) (ProcessInfo, bool) {
	if marker == "" {
		return ProcessInfo{}, false
	}
	for _, info := range infos {
		if v, ok := FlagValue(info.Args, MarkerFlag); ok && v == marker {
			return info, true
		}
	}
	return ProcessInfo{}, false
}

// FlagValue finds flag in args in either "--flag=value" or "--flag value" form.
func FlagValue(args []string, flag string) (string, bool) {
	for i, a := range args {
		if v, ok := strings.CutPrefix(a, flag+"="); ok {
			return v, true
		}
		if a == flag && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

// ParsePort extracts the PortFlag value from args.
func ParsePort(args []string) (int, error) {
	v, ok := FlagValue(args, PortFlag)
	if !ok {
		return 0, fmt.Errorf("no %s in worker args", PortFlag)
	}
	port, err := strconv.Atoi(v)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid worker port %q", v)
	}
	return port, nil
}

// dialUntil polls a TCP address until it accepts a connection.
func dialUntil(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	var lastErr error
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("port %s not reachable within %s: %w", addr, timeout, lastErr)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// exitState caches a process exit so late waiters observe it.
type exitState struct {
	done chan struct{}
	once sync.Once
	code int
	err  error
}

func newExitState() *exitState {
	return &exitState{done: make(chan struct{})}
}

func (s *exitState) set(code int, err error) {
	s.once.Do(func() {
		s.code = code
		s.err = err
		close(s.done)
	})
}

func (s *exitState) wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
		return s.code, s.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
