package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/qualstar/libraryctl/internal/database"
	"github.com/qualstar/libraryctl/internal/library"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestAddInsertsOperationRow(t *testing.T) {
	db := testDB(t)
	repo := NewSqliteOperations(db)

	op := *library.NewOperation("trace-1")
	if err := repo.Add(context.Background(), op); err != nil {
		t.Fatalf("add: %v", err)
	}

	var status, message string
	err := db.QueryRow("SELECT status, message FROM operations WHERE trace_id = ?", "trace-1").Scan(&status, &message)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != string(library.OpOngoing) {
		t.Errorf("expected status %q, got %q", library.OpOngoing, status)
	}
}

func TestAddUpsertsOnConflict(t *testing.T) {
	db := testDB(t)
	repo := NewSqliteOperations(db)
	ctx := context.Background()

	op := library.NewOperation("trace-2")
	if err := repo.Add(ctx, *op); err != nil {
		t.Fatalf("initial add: %v", err)
	}

	op.Finish(library.OpSucceeded, "done", nil)
	if err := repo.Add(ctx, *op); err != nil {
		t.Fatalf("update add: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM operations WHERE trace_id = ?", "trace-2").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one row after upsert, got %d", count)
	}

	var status string
	if err := db.QueryRow("SELECT status FROM operations WHERE trace_id = ?", "trace-2").Scan(&status); err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != string(library.OpSucceeded) {
		t.Errorf("expected updated status %q, got %q", library.OpSucceeded, status)
	}
}

func TestUpdateOrAddWritesAuditLogOnlyOnTerminalState(t *testing.T) {
	db := testDB(t)
	repo := NewSqliteOperations(db)
	ctx := context.Background()

	op := library.NewOperation("trace-3")
	if err := repo.UpdateOrAdd(ctx, *op); err != nil {
		t.Fatalf("update or add (ongoing): %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE trace_id = ?", "trace-3").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no audit_log row while the operation is still ongoing, got %d", count)
	}

	op.Finish(library.OpSucceeded, "all drives released", nil)
	if err := repo.UpdateOrAdd(ctx, *op); err != nil {
		t.Fatalf("update or add (finished): %v", err)
	}

	if err := db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE trace_id = ?", "trace-3").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one audit_log row after the operation finished, got %d", count)
	}
}

func TestDurationMillisHandlesNil(t *testing.T) {
	if got := durationMillis(nil); got != nil {
		t.Errorf("expected nil for a nil duration, got %v", got)
	}
	d := 15 * time.Second
	if got := durationMillis(&d); got != int64(15000) {
		t.Errorf("expected 15000ms, got %v", got)
	}
}
