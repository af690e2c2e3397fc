//go:build integration

package ledger_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/ledger"
	"github.com/jmerrifield20/auditledger/migrations"
)

func setupPostgres(t *testing.T) (*pgxpool.Pool, *ledger.Ledger) {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect to postgres: %v", err)
	}
	if err := db.Ping(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	if _, err := migrations.Apply(ctx, db, zap.NewNop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(db.Close)

	store := ledger.NewPostgresStore(db, zap.NewNop())
	return db, ledger.New(store, ledger.Config{PageSize: 4}, zap.NewNop())
}

// Entries cannot be deleted, so every test works on a fresh chain.
func freshChain() string {
	return "it:" + uuid.NewString()
}

func TestPostgres_AppendReadVerify(t *testing.T) {
	_, l := setupPostgres(t)
	ctx := context.Background()
	chain := freshChain()

	for i := 0; i < 10; i++ {
		if _, err := l.Append(ctx, chain, map[string]any{"i": i, "z": "last", "a": []int{3, 1}}, "it"); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := l.ReadAll(ctx, chain, ledger.ReadOptions{From: 2, To: u64(7)})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 6 || entries[0].Seq != 2 || entries[5].Seq != 7 {
		t.Fatalf("unexpected range: %d entries", len(entries))
	}

	// JSONB reorders keys; verification must still pass.
	report, err := l.Verify(ctx, chain, ledger.VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.CheckedCount != 10 {
		t.Errorf("report: %+v", report)
	}
}

func TestPostgres_ConcurrentAppends(t *testing.T) {
	_, l := setupPostgres(t)
	ctx := context.Background()
	chain := freshChain()

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Append(ctx, chain, map[string]int{"i": i}, "it"); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	head, err := l.Head(ctx, chain)
	if err != nil {
		t.Fatal(err)
	}
	if head.LastSeq != n-1 {
		t.Errorf("head seq: got %d, want %d", head.LastSeq, n-1)
	}
	report, err := l.Verify(ctx, chain, ledger.VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Errorf("report: %+v", report)
	}
}

func TestPostgres_EntriesAreImmutable(t *testing.T) {
	db, l := setupPostgres(t)
	ctx := context.Background()
	chain := freshChain()

	if _, err := l.Append(ctx, chain, map[string]string{"k": "v"}, "it"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(ctx, `UPDATE entries SET actor = 'mallory' WHERE chain_id = $1`, chain); err == nil {
		t.Error("UPDATE on entries must be rejected")
	}
	if _, err := db.Exec(ctx, `DELETE FROM entries WHERE chain_id = $1`, chain); err == nil {
		t.Error("DELETE on entries must be rejected")
	}
}

func TestPostgres_OccurredAtRoundTrip(t *testing.T) {
	_, l := setupPostgres(t)
	ctx := context.Background()
	chain := freshChain()

	e, err := l.Append(ctx, chain, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	got, err := l.ReadAll(ctx, chain, ledger.ReadOptions{})
	if err != nil || len(got) != 1 {
		t.Fatalf("read: %v (%d entries)", err, len(got))
	}
	if !got[0].OccurredAt.Equal(e.OccurredAt) || got[0].OccurredAt.Location() != time.UTC {
		t.Errorf("occurred_at: got %v, want %v (UTC)", got[0].OccurredAt, e.OccurredAt)
	}
}
