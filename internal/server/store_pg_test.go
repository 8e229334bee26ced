package server

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

func pgTestStore(t *testing.T) *PgStore {
	t.Helper()
	dsn := os.Getenv("EVALGATE_TEST_DSN")
	if dsn == "" {
		t.Skip("set EVALGATE_TEST_DSN to run postgres store tests")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := RunMigrations(context.Background(), pool, "../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(context.Background(), `TRUNCATE runs CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return NewPgStore(pool)
}

func TestPgStoreMetricsOverviewCountsAllRuns(t *testing.T) {
	store := pgTestStore(t)

	// Well past the default listing page, so the overview must not be fed by
	// a paged query.
	const total = 150
	for i := 0; i < total; i++ {
		meta := RunMeta{
			RunID:     fmt.Sprintf("run_pg_%03d", i),
			State:     RunCompleted,
			CreatedAt: nowRFC3339(),
		}
		if i%3 == 0 {
			meta.State = RunFailed
		}
		if err := store.CreateRun(meta); err != nil {
			t.Fatalf("create run %d: %v", i, err)
		}
		if meta.State == RunCompleted {
			if _, err := store.UpdateRun(meta.RunID, func(m *RunMeta) {
				m.Summary = &RunSummary{TotalTests: 2, TotalPassed: 2, Pass: true}
			}); err != nil {
				t.Fatalf("update run %d: %v", i, err)
			}
		}
	}

	overview := store.GetMetricsOverview()
	if overview.TotalRuns != total {
		t.Fatalf("expected %d total runs, got %d", total, overview.TotalRuns)
	}
	failed := (total + 2) / 3
	completed := total - failed
	if overview.CompletedRuns != completed || overview.FailedRuns != failed {
		t.Fatalf("unexpected state counts: %+v", overview)
	}
	if overview.TotalTests != completed*2 || overview.TotalPassed != completed*2 {
		t.Fatalf("expected summary totals over every run, got %+v", overview)
	}

	if got := len(store.ListRuns(0)); got != 100 {
		t.Fatalf("expected listing to stay paged at 100, got %d", got)
	}
}
