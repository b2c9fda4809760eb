//go:build integration

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"os"
	"sync"
	"testing"

	_ "github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("connect to database: %v", err)
	}

	store := NewPostgresStore(db)
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM ledger_entries")
		db.ExecContext(ctx, "DELETE FROM balance_reservations")
		db.ExecContext(ctx, "DELETE FROM custodial_wallets")
		db.Close()
	}
	return store, cleanup
}

func TestPostgres_CreditAndGetWallet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.CreditWallet(ctx, "alice", "USDT", 1, "1000000", "deposit"); err != nil {
		t.Fatalf("CreditWallet: %v", err)
	}

	w, err := store.GetWallet(ctx, "alice", "USDT", 1)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if w.Balance != "1000000" {
		t.Errorf("balance = %s, want 1000000", w.Balance)
	}
	if w.Status != WalletActive {
		t.Errorf("status = %s, want ACTIVE", w.Status)
	}
}

func TestPostgres_DebitOverdraftRejected(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store.CreditWallet(ctx, "alice", "USDT", 1, "100", "deposit")

	// CHECK constraint rejects the overdraft inside the database.
	if err := store.DebitWallet(ctx, "alice", "USDT", 1, "200", "x"); err == nil {
		t.Fatal("overdraft debit succeeded")
	}

	w, _ := store.GetWallet(ctx, "alice", "USDT", 1)
	if w.Balance != "100" {
		t.Errorf("balance after rejected debit = %s, want 100", w.Balance)
	}
}

func TestPostgres_ReservationUpsertIncrements(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	r1, err := store.UpsertReservation(ctx, "alice", "USDT", 1, "300")
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	r2, err := store.UpsertReservation(ctx, "alice", "USDT", 1, "200")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if r1.ID != r2.ID {
		t.Errorf("second upsert created new row: %s vs %s", r1.ID, r2.ID)
	}
	if r2.Amount != "500" {
		t.Errorf("amount after two upserts = %s, want 500", r2.Amount)
	}

	sum, err := store.ActiveReserved(ctx, "alice", "USDT", 1)
	if err != nil {
		t.Fatalf("ActiveReserved: %v", err)
	}
	if sum != "500" {
		t.Errorf("active reserved = %s, want 500", sum)
	}
}

func TestPostgres_ReleaseThenRevive(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := store.UpsertReservation(ctx, "alice", "USDT", 1, "300"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := store.ReleaseReservation(ctx, "alice", "USDT", 1); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := store.ReleaseReservation(ctx, "alice", "USDT", 1); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("double release = %v, want ErrReservationNotFound", err)
	}

	// A new freeze after release starts from the fresh amount.
	r, err := store.UpsertReservation(ctx, "alice", "USDT", 1, "50")
	if err != nil {
		t.Fatalf("revive: %v", err)
	}
	if r.Amount != "50" {
		t.Errorf("revived amount = %s, want 50", r.Amount)
	}
}

func TestPostgres_ConcurrentFreezeConservation(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	l := New(store)
	if err := l.Credit(ctx, "alice", "USDT", 1, big.NewInt(5), "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Freeze(ctx, "alice", "USDT", 1, big.NewInt(1)); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 {
		t.Errorf("%d freezes succeeded against balance 5, want exactly 5", succeeded)
	}
}
