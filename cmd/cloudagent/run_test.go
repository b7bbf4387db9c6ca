package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/holon-run/cloudagent/pkg/controlplane"
	"github.com/holon-run/cloudagent/pkg/execution"
)

func newRunStore(t *testing.T) *controlplane.SQLiteStore {
	t.Helper()
	store, err := controlplane.NewSQLiteStore(filepath.Join(t.TempDir(), "executions.db"),
		controlplane.WithLogger(zap.NewNop().Sugar()))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestClaimExecutionMarksRunning(t *testing.T) {
	store := newRunStore(t)
	ctx := context.Background()
	if _, err := store.Create(ctx, "exec-1"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := claimExecution(ctx, store, "exec-1", "sess-1"); err != nil {
		t.Fatalf("claimExecution() error = %v", err)
	}
	e, err := store.Get(ctx, "exec-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if e.Status != execution.StatusRunning || e.ProcessID != "sess-1" {
		t.Errorf("execution = %s/%s, want running/sess-1", e.Status, e.ProcessID)
	}
}

func TestClaimExecutionLeavesOtherOwnerAlone(t *testing.T) {
	store := newRunStore(t)
	ctx := context.Background()
	if _, err := store.Create(ctx, "exec-1"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := store.Claim(ctx, "exec-1", "other"); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	err := claimExecution(ctx, store, "exec-1", "sess-1")
	if !errors.Is(err, controlplane.ErrInvalidTransition) {
		t.Fatalf("claimExecution() error = %v, want ErrInvalidTransition", err)
	}
	e, _ := store.Get(ctx, "exec-1")
	if e.Status != execution.StatusRunning || e.ProcessID != "other" {
		t.Errorf("execution = %s/%s, want running/other", e.Status, e.ProcessID)
	}
}

func TestClaimExecutionFailureIsRecorded(t *testing.T) {
	store := newRunStore(t)
	if _, err := store.Create(context.Background(), "exec-1"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := claimExecution(ctx, store, "exec-1", "sess-1"); err == nil {
		t.Fatal("claimExecution() with cancelled context succeeded")
	}

	e, err := store.Get(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if e.Status != execution.StatusFailed {
		t.Errorf("status = %s, want failed", e.Status)
	}
	if e.Error == "" {
		t.Error("failure message not recorded")
	}
}
