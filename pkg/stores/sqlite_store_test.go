package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a migrated store in a temporary directory
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "journal.db"),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func strPtr(s string) *string { return &s }

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}

	path := filepath.Join(t.TempDir(), "journal.db")
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Migrate(ctx); err == nil {
		t.Error("expected migrate before init to fail")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// Migrating twice is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to re-run migrations: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("failed to close store: %v", err)
	}

	// Reopening keeps the schema
	reopened, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()
}

// TestRunOperations tests run CRUD operations
func TestRunOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := &Run{ScriptPath: "/srv/site/web.release.xdt", Status: RunStatusRunning}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if run.ID == "" {
		t.Fatal("expected generated run ID")
	}

	t.Run("GetRun", func(t *testing.T) {
		got, err := store.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("failed to get run: %v", err)
		}
		if got.ScriptPath != run.ScriptPath || got.Status != RunStatusRunning {
			t.Errorf("unexpected run %+v", got)
		}
		if got.CompletedAt != nil {
			t.Error("expected running run to have no completion time")
		}
		if got.Metadata != "{}" {
			t.Errorf("expected default metadata, got %q", got.Metadata)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("UpdateRunStatus", func(t *testing.T) {
		if err := store.UpdateRunStatus(ctx, run.ID, RunStatusFailed, strPtr("ambiguous type match")); err != nil {
			t.Fatalf("failed to update run: %v", err)
		}
		got, err := store.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("failed to get run: %v", err)
		}
		if got.Status != RunStatusFailed {
			t.Errorf("expected failed, got %s", got.Status)
		}
		if got.Error == nil || *got.Error != "ambiguous type match" {
			t.Errorf("expected error message, got %v", got.Error)
		}
		if got.CompletedAt == nil {
			t.Error("expected completion time for terminal status")
		}

		if err := store.UpdateRunStatus(ctx, "missing", RunStatusCompleted, nil); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("ListRuns", func(t *testing.T) {
		later := &Run{ScriptPath: "/srv/other.xdt", StartedAt: time.Now().UTC().Add(time.Minute)}
		if err := store.CreateRun(ctx, later); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}

		runs, err := store.ListRuns(ctx, 10, 0)
		if err != nil {
			t.Fatalf("failed to list runs: %v", err)
		}
		if len(runs) != 2 {
			t.Fatalf("expected 2 runs, got %d", len(runs))
		}
		if runs[0].ID != later.ID {
			t.Errorf("expected most recent run first, got %s", runs[0].ScriptPath)
		}
		if runs[1].Status != RunStatusFailed {
			t.Errorf("expected older run to keep its status, got %s", runs[1].Status)
		}

		page, err := store.ListRuns(ctx, 1, 1)
		if err != nil {
			t.Fatalf("failed to list runs: %v", err)
		}
		if len(page) != 1 || page[0].ID != run.ID {
			t.Errorf("unexpected page %v", page)
		}
	})
}

// TestEventOperations tests the append-only event log
func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := &Run{ScriptPath: "/srv/web.release.xdt"}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	events := []*Event{
		{RunID: &run.ID, Type: "run.started", Message: "started"},
		{RunID: &run.ID, Type: "type.constructed", Message: "Condition"},
		{RunID: &run.ID, Type: "type.construct_failed", Level: EventLevelError, Message: "Missing", Details: strPtr(`{"kind":"unknown_type_name"}`)},
		{Type: "source.load_failed", Level: EventLevelWarning, Message: "broken.star"},
	}
	for _, e := range events {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if e.ID == 0 {
			t.Error("expected generated event ID")
		}
	}

	tests := []struct {
		name   string
		filter EventFilter
		want   int
	}{
		{name: "All", want: 4},
		{name: "ByRun", filter: EventFilter{RunID: run.ID}, want: 3},
		{name: "ByType", filter: EventFilter{Type: "type.constructed"}, want: 1},
		{name: "ByLevel", filter: EventFilter{Level: EventLevelError}, want: 1},
		{name: "Combined", filter: EventFilter{RunID: run.ID, Level: EventLevelWarning}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListEvents(ctx, tt.filter, 100, 0)
			if err != nil {
				t.Fatalf("failed to list events: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("expected %d events, got %d", tt.want, len(got))
			}
		})
	}

	t.Run("InsertionOrder", func(t *testing.T) {
		got, err := store.ListEvents(ctx, EventFilter{RunID: run.ID}, 100, 0)
		if err != nil {
			t.Fatalf("failed to list events: %v", err)
		}
		if got[0].Type != "run.started" || got[2].Level != EventLevelError {
			t.Errorf("unexpected order %s, %s", got[0].Type, got[2].Level)
		}
		if got[2].Details == nil || *got[2].Details != `{"kind":"unknown_type_name"}` {
			t.Errorf("expected details to round trip, got %v", got[2].Details)
		}
	})

	t.Run("CascadeDelete", func(t *testing.T) {
		if err := store.DeleteRun(ctx, run.ID); err != nil {
			t.Fatalf("failed to delete run: %v", err)
		}
		got, err := store.ListEvents(ctx, EventFilter{}, 100, 0)
		if err != nil {
			t.Fatalf("failed to list events: %v", err)
		}
		if len(got) != 1 {
			t.Errorf("expected only the run-less event to remain, got %d", len(got))
		}
		if err := store.DeleteRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})
}
