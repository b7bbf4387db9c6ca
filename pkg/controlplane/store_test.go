package controlplane

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/holon-run/cloudagent/pkg/execution"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestStore(t *testing.T) (*SQLiteStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}

	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "executions.db"),
		WithClock(clock.Now), WithLogger(zap.NewNop().Sugar()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestCreateExecution(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	e, err := s.Create(ctx, "")
	require.NoError(t, err)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, execution.StatusPending, e.Status)
	assert.True(t, e.LeaseExpiresAt.Equal(clock.Now().Add(execution.LeaseTTL)))
	assert.Nil(t, e.LastHeartbeat)
	assert.True(t, e.StartedAt.IsZero())
}

func TestCreateDuplicateID(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "exec-1")
	require.NoError(t, err)
	_, err = s.Create(ctx, "exec-1")
	assert.Error(t, err)
}

func TestGetUnknown(t *testing.T) {
	s, _ := setupTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimAndHeartbeat(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "exec-1")
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	e, err := s.Claim(ctx, "exec-1", "proc-9")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusRunning, e.Status)
	assert.Equal(t, "proc-9", e.ProcessID)
	assert.True(t, e.StartedAt.Equal(clock.Now()))

	clock.Advance(30 * time.Second)
	require.NoError(t, s.Heartbeat(ctx, "exec-1"))

	e, err = s.Get(ctx, "exec-1")
	require.NoError(t, err)
	require.NotNil(t, e.LastHeartbeat)
	assert.True(t, e.LastHeartbeat.Equal(clock.Now()))
	assert.True(t, e.LeaseExpiresAt.Equal(clock.Now().Add(execution.LeaseTTL)))

	health, ok := e.Health(clock.Now())
	assert.True(t, ok)
	assert.Equal(t, execution.HealthHealthy, health)
}

func TestClaimTwiceRejected(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "exec-1")
	require.NoError(t, err)
	_, err = s.Claim(ctx, "exec-1", "a")
	require.NoError(t, err)

	_, err = s.Claim(ctx, "exec-1", "b")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	e, err := s.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "a", e.ProcessID)
}

func TestHeartbeatRequiresRunning(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "exec-1")
	require.NoError(t, err)

	assert.ErrorIs(t, s.Heartbeat(ctx, "exec-1"), ErrInvalidTransition)
}

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		path    []execution.Status
		to      execution.Status
		wantErr bool
	}{
		{"pending to failed", nil, execution.StatusFailed, false},
		{"pending to completed", nil, execution.StatusCompleted, true},
		{"running to completed", []execution.Status{execution.StatusRunning}, execution.StatusCompleted, false},
		{"running to interrupted", []execution.Status{execution.StatusRunning}, execution.StatusInterrupted, false},
		{"terminal stays terminal", []execution.Status{execution.StatusRunning, execution.StatusCompleted}, execution.StatusRunning, true},
		{"failed to failed", []execution.Status{execution.StatusFailed}, execution.StatusFailed, true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s, _ := setupTestStore(t)
			ctx := context.Background()

			_, err := s.Create(ctx, "exec-1")
			require.NoError(t, err)
			for _, st := range tc.path {
				require.NoError(t, s.Transition(ctx, "exec-1", st, ""))
			}

			before, err := s.Get(ctx, "exec-1")
			require.NoError(t, err)

			err = s.Transition(ctx, "exec-1", tc.to, "why")
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				after, err := s.Get(ctx, "exec-1")
				require.NoError(t, err)
				assert.Equal(t, before.Status, after.Status)
				return
			}
			require.NoError(t, err)

			after, err := s.Get(ctx, "exec-1")
			require.NoError(t, err)
			assert.Equal(t, tc.to, after.Status)
			assert.Equal(t, "why", after.Error)
		})
	}
}

func TestListByStatus(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Create(ctx, id)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	_, err := s.Claim(ctx, "b", "p")
	require.NoError(t, err)

	pending, err := s.ListByStatus(ctx, execution.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, "c", pending[1].ID)

	running, err := s.ListByStatus(ctx, execution.StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "b", running[0].ID)
}

func TestNewExecutionIDSortable(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewExecutionID(t0)
	b := NewExecutionID(t0.Add(time.Millisecond))
	assert.Len(t, a, 26)
	assert.Less(t, a, b)
}
