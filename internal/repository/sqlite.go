// Package repository implements library.OperationRepository against the
// process's SQLite database, using plain database/sql queries with no ORM.
package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/qualstar/libraryctl/internal/database"
	"github.com/qualstar/libraryctl/internal/library"
)

// SqliteOperations persists Operation snapshots and appends an audit_log row
// on every terminal transition.
type SqliteOperations struct {
	db *database.DB
}

// NewSqliteOperations wraps an already-migrated database connection.
func NewSqliteOperations(db *database.DB) *SqliteOperations {
	return &SqliteOperations{db: db}
}

func durationMillis(d *time.Duration) interface{} {
	if d == nil {
		return nil
	}
	return d.Milliseconds()
}

// Add inserts a freshly created Operation row.
func (r *SqliteOperations) Add(ctx context.Context, op library.Operation) error {
	logs, _ := json.Marshal(op.Logs)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO operations (trace_id, status, message, logs, started_at, ended_at, wait_before_next_operation_ms, wait_before_next_trace_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id) DO UPDATE SET
			status=excluded.status, message=excluded.message, logs=excluded.logs,
			ended_at=excluded.ended_at, wait_before_next_operation_ms=excluded.wait_before_next_operation_ms,
			wait_before_next_trace_ms=excluded.wait_before_next_trace_ms
	`, op.TraceID, string(op.Status), op.Message, string(logs), op.StartedAt, op.EndedAt,
		durationMillis(op.WaitBeforeNextOperation), durationMillis(op.WaitBeforeNextTrace))
	return err
}

// UpdateOrAdd upserts the current Operation snapshot and, once the operation
// has reached a terminal state, appends an audit_log entry recording the
// outcome.
func (r *SqliteOperations) UpdateOrAdd(ctx context.Context, op library.Operation) error {
	if err := r.Add(ctx, op); err != nil {
		return err
	}
	if op.EndedAt == nil {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (trace_id, action, detail) VALUES (?, ?, ?)
	`, op.TraceID, "operation.finished", string(op.Status)+": "+op.Message)
	return err
}
