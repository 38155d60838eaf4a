package stats

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"fleetcron/internal/domain"
	"fleetcron/internal/store"
)

func testReporter(t *testing.T) (*Reporter, *store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	st := store.New(db)
	return New(st), st
}

func seed(t *testing.T, st *store.Store, task string, status domain.ExecutionStatus, durMs int64) {
	t.Helper()
	ctx := context.Background()
	started := time.Now()
	id, err := st.InsertRunning(ctx, task, started)
	if err != nil {
		t.Fatalf("InsertRunning: %v", err)
	}
	if err := st.UpdateTerminal(ctx, id, status, started, durMs, nil, nil); err != nil {
		t.Fatalf("UpdateTerminal: %v", err)
	}
}

func TestTaskStatsAggregation(t *testing.T) {
	rep, st := testReporter(t)
	ctx := context.Background()

	for i := 0; i < 98; i++ {
		seed(t, st, "report", domain.StatusSuccess, 100)
	}
	seed(t, st, "report", domain.StatusFailed, 300)
	seed(t, st, "report", domain.StatusFailed, 300)

	stats, err := rep.TaskStats(ctx, "report")
	if err != nil {
		t.Fatalf("TaskStats: %v", err)
	}
	if stats.TotalRuns != 100 {
		t.Fatalf("total = %d, want 100", stats.TotalRuns)
	}
	if stats.SuccessCount != 98 || stats.FailedCount != 2 {
		t.Fatalf("success/failed = %d/%d, want 98/2", stats.SuccessCount, stats.FailedCount)
	}
	// (98*100 + 2*300) / 100 = 104
	if stats.AverageDurationMs != 104 {
		t.Fatalf("avg = %v, want 104", stats.AverageDurationMs)
	}
}

func TestTaskStatsCountsRunning(t *testing.T) {
	rep, st := testReporter(t)
	ctx := context.Background()

	seed(t, st, "report", domain.StatusSuccess, 50)
	if _, err := st.InsertRunning(ctx, "report", time.Now()); err != nil {
		t.Fatalf("InsertRunning: %v", err)
	}

	stats, err := rep.TaskStats(ctx, "report")
	if err != nil {
		t.Fatalf("TaskStats: %v", err)
	}
	if stats.TotalRuns != 2 {
		t.Fatalf("total = %d, want 2 (running rows count as runs)", stats.TotalRuns)
	}
	if stats.AverageDurationMs != 50 {
		t.Fatalf("avg = %v, want 50 (running rows excluded from average)", stats.AverageDurationMs)
	}
}

func TestTaskStatsEmpty(t *testing.T) {
	rep, _ := testReporter(t)
	stats, err := rep.TaskStats(context.Background(), "never-ran")
	if err != nil {
		t.Fatalf("TaskStats: %v", err)
	}
	if stats != (domain.TaskStats{}) {
		t.Fatalf("stats = %+v, want zero value", stats)
	}
}

func TestLatestExecution(t *testing.T) {
	rep, st := testReporter(t)
	ctx := context.Background()

	if e, err := rep.LatestExecution(ctx, "report"); err != nil || e != nil {
		t.Fatalf("latest of empty log = %v, %v", e, err)
	}

	seed(t, st, "report", domain.StatusFailed, 10)
	e, err := rep.LatestExecution(ctx, "report")
	if err != nil || e == nil {
		t.Fatalf("LatestExecution: %v, %v", e, err)
	}
	if e.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", e.Status)
	}
}
