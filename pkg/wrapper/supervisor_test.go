package wrapper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/holon-run/cloudagent/pkg/sandbox"
)

// fakeProc is a worker "process" backed by an httptest server.
type fakeProc struct {
	id     string
	args   []string
	srv    *httptest.Server
	port   int
	done   chan struct{}
	once   sync.Once
	code   int
	output string
}

func (p *fakeProc) ID() string              { return p.id }
func (p *fakeProc) Exited() <-chan struct{} { return p.done }
func (p *fakeProc) Tail() string            { return p.output }
func (p *fakeProc) Kill(ctx context.Context) error {
	p.exit(143)
	return nil
}
func (p *fakeProc) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
func (p *fakeProc) exit(code int) {
	p.once.Do(func() {
		p.code = code
		if p.srv != nil {
			p.srv.Close()
		}
		close(p.done)
	})
}

type fakeHost struct {
	mu sync.Mutex
	// health is the status code spawned workers answer /health with.
	health int
	// crash makes spawned workers exit immediately with this output.
	crash  string
	starts int
	kills  []string
	nextID int
	procs  map[string]*fakeProc
}

func newFakeHost() *fakeHost {
	return &fakeHost{health: http.StatusOK, procs: make(map[string]*fakeProc)}
}

func (h *fakeHost) StartProcess(ctx context.Context, spec sandbox.ProcessSpec) (sandbox.Process, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts++
	h.nextID++

	args := append([]string(nil), spec.Args...)
	if spec.Marker != "" {
		args = append(args, sandbox.MarkerFlag+"="+spec.Marker)
	}
	port, err := sandbox.ParsePort(args)
	if err != nil {
		return nil, err
	}

	p := &fakeProc{id: fmt.Sprint(h.nextID), args: args, port: port, done: make(chan struct{})}
	if h.crash != "" {
		p.output = h.crash
		p.exit(3)
		return p, nil
	}
	p.srv = workerServer(h.health)
	h.procs[p.id] = p
	return p, nil
}

func (h *fakeHost) seed(marker string, port int, health int) *fakeProc {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	p := &fakeProc{
		id:   fmt.Sprint(h.nextID),
		args: []string{fmt.Sprintf("--port=%d", port), sandbox.MarkerFlag + "=" + marker},
		port: port,
		done: make(chan struct{}),
		srv:  workerServer(health),
	}
	h.procs[p.id] = p
	return p
}

func workerServer(health int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(health)
		if health == http.StatusOK {
			fmt.Fprint(w, `{"status":"ok"}`)
			return
		}
		fmt.Fprint(w, `{"error":"NOT_READY"}`)
	}))
}

func (h *fakeHost) ListProcesses(ctx context.Context) ([]sandbox.ProcessInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []sandbox.ProcessInfo
	for _, p := range h.procs {
		select {
		case <-p.done:
			continue
		default:
		}
		out = append(out, sandbox.ProcessInfo{ID: p.id, Command: "worker", Args: p.args})
	}
	return out, nil
}

func (h *fakeHost) KillProcess(ctx context.Context, id string) error {
	h.mu.Lock()
	p, ok := h.procs[id]
	h.kills = append(h.kills, id)
	delete(h.procs, id)
	h.mu.Unlock()
	if !ok {
		return sandbox.ErrProcessNotFound
	}
	return p.Kill(ctx)
}

func (h *fakeHost) byPort(port int) *fakeProc {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.procs {
		if p.port == port {
			return p
		}
	}
	return nil
}

func (h *fakeHost) WaitForPort(ctx context.Context, port int, timeout time.Duration) error {
	if h.byPort(port) != nil {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

// Endpoint maps a sandbox port to the backing httptest server. Unknown
// ports resolve to a closed address.
func (h *fakeHost) Endpoint(ctx context.Context, port int) (string, error) {
	if p := h.byPort(port); p != nil && p.srv != nil {
		return p.srv.URL, nil
	}
	return "http://127.0.0.1:1", nil
}

func (h *fakeHost) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.procs {
		p.exit(0)
	}
}

// lazyHost resolves endpoints to routable names so clients created before a
// worker starts still reach it.
type lazyHost struct{ *fakeHost }

func (h lazyHost) Endpoint(ctx context.Context, port int) (string, error) {
	return fmt.Sprintf("http://fake-%d", port), nil
}

// routingTransport sends http://fake-<port> requests to the worker on port.
type routingTransport struct{ host *fakeHost }

func (rt routingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	var port int
	if _, err := fmt.Sscanf(r.URL.Host, "fake-%d", &port); err != nil {
		return nil, err
	}
	p := rt.host.byPort(port)
	if p == nil || p.srv == nil {
		return nil, errors.New("connection refused")
	}
	r2 := r.Clone(r.Context())
	r2.URL.Scheme = "http"
	r2.URL.Host = strings.TrimPrefix(p.srv.URL, "http://")
	return http.DefaultTransport.RoundTrip(r2)
}

func newTestSupervisor(t *testing.T, h *fakeHost, maxWait time.Duration) *Supervisor {
	t.Helper()
	t.Cleanup(h.cleanup)
	return NewSupervisor(lazyHost{h}, Config{
		WorkerPath:    "/usr/local/bin/worker",
		WorkerArgs:    []string{"serve"},
		MaxWait:       maxWait,
		PollInterval:  10 * time.Millisecond,
		HealthTimeout: 200 * time.Millisecond,
	},
		WithHTTPClient(&http.Client{Transport: routingTransport{host: h}}),
		WithLogger(zap.NewNop().Sugar()),
	)
}

func TestEnsureWrapperStartsWorker(t *testing.T) {
	h := newFakeHost()
	s := newTestSupervisor(t, h, 2*time.Second)

	c, err := s.EnsureWrapper(context.Background(), WrapperRequest{SessionID: "sess-1", ControlPort: 7000, WorkspacePath: "/w"})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 1, h.starts)

	infos, _ := h.ListProcesses(context.Background())
	require.Len(t, infos, 1)
	args := strings.Join(infos[0].Args, " ")
	assert.Contains(t, args, "serve")
	assert.Contains(t, args, "--control-port=7000")
	assert.Contains(t, args, "--workspace=/w")
	assert.Contains(t, args, sandbox.MarkerFlag+"=sess-1")
}

func TestEnsureWrapperReusesExistingWorker(t *testing.T) {
	h := newFakeHost()
	s := newTestSupervisor(t, h, 2*time.Second)
	ctx := context.Background()

	first, err := s.EnsureWrapper(ctx, WrapperRequest{SessionID: "sess-1"})
	require.NoError(t, err)
	second, err := s.EnsureWrapper(ctx, WrapperRequest{SessionID: "sess-1"})
	require.NoError(t, err)

	assert.Equal(t, 1, h.starts)
	assert.Equal(t, first.BaseURL(), second.BaseURL())
}

func TestEnsureWrapperConcurrentCallsSpawnOnce(t *testing.T) {
	h := newFakeHost()
	s := newTestSupervisor(t, h, 2*time.Second)

	var wg sync.WaitGroup
	urls := make([]string, 8)
	errs := make([]error, 8)
	for i := range urls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := s.EnsureWrapper(context.Background(), WrapperRequest{SessionID: "sess-1"})
			errs[i] = err
			if c != nil {
				urls[i] = c.BaseURL()
			}
		}(i)
	}
	wg.Wait()

	for i := range urls {
		require.NoError(t, errs[i])
		assert.Equal(t, urls[0], urls[i])
	}
	assert.Equal(t, 1, h.starts)
}

func TestEnsureWrapperSessionsGetDistinctWorkers(t *testing.T) {
	h := newFakeHost()
	s := newTestSupervisor(t, h, 2*time.Second)
	ctx := context.Background()

	a, err := s.EnsureWrapper(ctx, WrapperRequest{SessionID: "sess-a"})
	require.NoError(t, err)
	b, err := s.EnsureWrapper(ctx, WrapperRequest{SessionID: "sess-b"})
	require.NoError(t, err)

	assert.Equal(t, 2, h.starts)
	assert.NotEqual(t, a.BaseURL(), b.BaseURL())
}

func TestEnsureWrapperReplacesUnhealthyWorker(t *testing.T) {
	h := newFakeHost()
	s := newTestSupervisor(t, h, 2*time.Second)

	stale := h.seed("sess-1", 5500, http.StatusServiceUnavailable)

	c, err := s.EnsureWrapper(context.Background(), WrapperRequest{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{stale.id}, h.kills)
	assert.Equal(t, 1, h.starts)
	assert.NotEqual(t, "http://fake-5500", c.BaseURL())
}

func TestEnsureRunningNeverHealthy(t *testing.T) {
	h := newFakeHost()
	h.health = http.StatusServiceUnavailable
	s := newTestSupervisor(t, h, 300*time.Millisecond)

	start := time.Now()
	_, err := s.EnsureWrapper(context.Background(), WrapperRequest{SessionID: "sess-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Contains(t, err.Error(), "NOT_READY")
}

func TestEnsureRunningWorkerExitsEarly(t *testing.T) {
	h := newFakeHost()
	h.crash = "loading config\nfatal: GITHUB_TOKEN=ghs_secretvalue invalid"
	s := newTestSupervisor(t, h, 5*time.Second)

	start := time.Now()
	_, err := s.EnsureWrapper(context.Background(), WrapperRequest{SessionID: "sess-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Contains(t, err.Error(), "exited with code 3")
	assert.Contains(t, err.Error(), "fatal:")
	assert.NotContains(t, err.Error(), "ghs_secretvalue")
}

func TestEnsureRunningAlreadyHealthy(t *testing.T) {
	h := newFakeHost()
	s := newTestSupervisor(t, h, time.Second)
	h.seed("other", 4300, http.StatusOK)

	err := s.EnsureRunning(context.Background(), NewClient("http://fake-4300", s.httpClient), RunOptions{SessionID: "x", WorkerPort: 4300})
	require.NoError(t, err)
	assert.Equal(t, 0, h.starts)
}

func TestEnsureRunningRequiresWorkerPath(t *testing.T) {
	h := newFakeHost()
	s := newTestSupervisor(t, h, time.Second)
	s.cfg.WorkerPath = ""

	err := s.EnsureRunning(context.Background(), NewClient("http://fake-4400", s.httpClient), RunOptions{SessionID: "x", WorkerPort: 4400})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestAllocatePort(t *testing.T) {
	s := NewSupervisor(newFakeHost(), Config{PortRangeStart: 5000, PortRangeEnd: 5002}, WithLogger(zap.NewNop().Sugar()))

	first, err := s.allocatePort("sess-1", nil)
	require.NoError(t, err)
	again, err := s.allocatePort("sess-1", nil)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.GreaterOrEqual(t, first, 5000)
	assert.LessOrEqual(t, first, 5002)

	used := []sandbox.ProcessInfo{{Args: []string{fmt.Sprintf("--port=%d", first)}}}
	next, err := s.allocatePort("sess-1", used)
	require.NoError(t, err)
	assert.NotEqual(t, first, next)

	full := []sandbox.ProcessInfo{
		{Args: []string{"--port=5000"}}, {Args: []string{"--port=5001"}}, {Args: []string{"--port=5002"}},
	}
	_, err = s.allocatePort("sess-1", full)
	assert.Error(t, err)
}

func TestEnsureWrapperRequiresSession(t *testing.T) {
	s := newTestSupervisor(t, newFakeHost(), time.Second)
	_, err := s.EnsureWrapper(context.Background(), WrapperRequest{})
	assert.Error(t, err)
}
