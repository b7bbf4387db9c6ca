// Package controlplane persists execution records and applies the
// execution state machine to every status change.
package controlplane

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/holon-run/cloudagent/pkg/execution"
	"github.com/holon-run/cloudagent/pkg/log"
)

var (
	// ErrNotFound is returned when an execution id is unknown.
	ErrNotFound = errors.New("execution not found")
	// ErrInvalidTransition is returned when a status change is not an edge of
	// the state machine. The record is left unchanged.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// SQLiteStore stores executions in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.SugaredLogger
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the store clock.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// WithLogger overrides the store logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *SQLiteStore) { s.logger = l }
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer keeps read-modify-write transitions serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Named("controlplane")
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Debugw("execution store opened", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id               TEXT PRIMARY KEY,
			status           TEXT NOT NULL,
			started_at       INTEGER,
			last_heartbeat   INTEGER,
			lease_expires_at INTEGER NOT NULL,
			process_id       TEXT NOT NULL DEFAULT '',
			error            TEXT NOT NULL DEFAULT '',
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	`)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// NewExecutionID returns a time-sortable execution id.
func NewExecutionID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Create enqueues a new pending execution. An empty id is replaced by a
// generated one. The queue lease starts now.
func (s *SQLiteStore) Create(ctx context.Context, id string) (*execution.Execution, error) {
	now := s.now()
	if id == "" {
		id = NewExecutionID(now)
	}
	expires := execution.CalculateExpiry(now)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, status, lease_expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, string(execution.StatusPending), toMillis(expires), toMillis(now), toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("insert execution %s: %w", id, err)
	}

	s.logger.Infow("execution created", "execution_id", id)
	return s.Get(ctx, id)
}

// Get returns the execution with id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*execution.Execution, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return e, nil
}

// ListByStatus returns executions in status, oldest first.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status execution.Status) ([]*execution.Execution, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE status = ? ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*execution.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Claim moves a pending execution to running on behalf of processID.
func (s *SQLiteStore) Claim(ctx context.Context, id, processID string) (*execution.Execution, error) {
	err := s.update(ctx, id, func(e *execution.Execution, now time.Time) error {
		if !execution.CanTransition(e.Status, execution.StatusRunning) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, execution.StatusRunning)
		}
		e.Status = execution.StatusRunning
		e.StartedAt = now
		e.ProcessID = processID
		e.LeaseExpiresAt = execution.CalculateExpiry(now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("execution claimed", "execution_id", id, "process_id", processID)
	return s.Get(ctx, id)
}

// Heartbeat records liveness for a running execution and renews its lease.
func (s *SQLiteStore) Heartbeat(ctx context.Context, id string) error {
	return s.update(ctx, id, func(e *execution.Execution, now time.Time) error {
		if e.Status != execution.StatusRunning {
			return fmt.Errorf("%w: heartbeat on %s execution", ErrInvalidTransition, e.Status)
		}
		e.LastHeartbeat = &now
		e.LeaseExpiresAt = execution.CalculateExpiry(now)
		return nil
	})
}

// Transition moves an execution to status to. errMsg is stored when non-empty.
func (s *SQLiteStore) Transition(ctx context.Context, id string, to execution.Status, errMsg string) error {
	err := s.update(ctx, id, func(e *execution.Execution, now time.Time) error {
		if !execution.CanTransition(e.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
		}
		e.Status = to
		if errMsg != "" {
			e.Error = errMsg
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Infow("execution transitioned", "execution_id", id, "status", to)
	return nil
}

// update runs fn against the current record inside a transaction and writes
// the result back. A non-nil error from fn aborts without writing.
func (s *SQLiteStore) update(ctx context.Context, id string, fn func(*execution.Execution, time.Time) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	e, err := scanExecution(tx.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load execution %s: %w", id, err)
	}

	now := s.now()
	if err := fn(e, now); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, started_at = ?, last_heartbeat = ?, lease_expires_at = ?,
		    process_id = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		string(e.Status), nullMillis(e.StartedAt), nullMillisPtr(e.LastHeartbeat),
		toMillis(e.LeaseExpiresAt), e.ProcessID, e.Error, toMillis(now), id)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", id, err)
	}
	return tx.Commit()
}

const selectColumns = `
	SELECT id, status, started_at, last_heartbeat, lease_expires_at,
	       process_id, error, created_at, updated_at
	FROM executions`

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*execution.Execution, error) {
	var (
		e                    execution.Execution
		status               string
		startedAt, heartbeat sql.NullInt64
		lease, created, upd  int64
	)
	if err := row.Scan(&e.ID, &status, &startedAt, &heartbeat, &lease,
		&e.ProcessID, &e.Error, &created, &upd); err != nil {
		return nil, err
	}
	e.Status = execution.Status(status)
	if startedAt.Valid {
		e.StartedAt = fromMillis(startedAt.Int64)
	}
	if heartbeat.Valid {
		hb := fromMillis(heartbeat.Int64)
		e.LastHeartbeat = &hb
	}
	e.LeaseExpiresAt = fromMillis(lease)
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(upd)
	return &e, nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullMillisPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return nullMillis(*t)
}
