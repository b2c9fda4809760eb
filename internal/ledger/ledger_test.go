package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
)

func seedWallet(t *testing.T, l *Ledger, userID, token string, chainID int64, balance int64) {
	t.Helper()
	if err := l.Credit(context.Background(), userID, token, chainID, big.NewInt(balance), "seed"); err != nil {
		t.Fatalf("seed credit: %v", err)
	}
}

func TestFreezeIdempotentUpsert(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	seedWallet(t, l, "alice", "USDT", 1, 1000)

	id1, err := l.Freeze(ctx, "alice", "USDT", 1, big.NewInt(300))
	if err != nil {
		t.Fatalf("first freeze: %v", err)
	}
	id2, err := l.Freeze(ctx, "alice", "USDT", 1, big.NewInt(200))
	if err != nil {
		t.Fatalf("second freeze: %v", err)
	}
	if id1 != id2 {
		t.Errorf("second freeze created a new reservation: %s vs %s", id1, id2)
	}

	res, err := l.Reservation(ctx, "alice", "USDT", 1)
	if err != nil {
		t.Fatalf("Reservation: %v", err)
	}
	if res.Amount != "500" {
		t.Errorf("reservation amount = %s, want 500", res.Amount)
	}
	if res.Status != ReservationFrozen {
		t.Errorf("reservation status = %s, want FROZEN", res.Status)
	}

	avail, err := l.Available(ctx, "alice", "USDT", 1)
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if avail.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("available = %s, want 500", avail)
	}
}

func TestFreezeInsufficientBalance(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	seedWallet(t, l, "alice", "USDT", 1, 100)

	if _, err := l.Freeze(ctx, "alice", "USDT", 1, big.NewInt(150)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("oversized freeze = %v, want ErrInsufficientBalance", err)
	}

	// A failed freeze must not leave a partial reservation behind.
	if _, err := l.Reservation(ctx, "alice", "USDT", 1); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("reservation after failed freeze = %v, want ErrReservationNotFound", err)
	}
}

func TestFreezeRejectsBadAmount(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	if _, err := l.Freeze(ctx, "alice", "USDT", 1, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("nil amount = %v, want ErrInvalidAmount", err)
	}
	if _, err := l.Freeze(ctx, "alice", "USDT", 1, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount = %v, want ErrInvalidAmount", err)
	}
	if _, err := l.Freeze(ctx, "alice", "USDT", 1, big.NewInt(-10)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative amount = %v, want ErrInvalidAmount", err)
	}
}

func TestReleaseRestoresAvailable(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	seedWallet(t, l, "alice", "USDT", 1, 1000)

	if _, err := l.Freeze(ctx, "alice", "USDT", 1, big.NewInt(400)); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := l.Release(ctx, "alice", "USDT", 1); err != nil {
		t.Fatalf("release: %v", err)
	}

	avail, _ := l.Available(ctx, "alice", "USDT", 1)
	if avail.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("available after release = %s, want 1000", avail)
	}

	if err := l.Release(ctx, "alice", "USDT", 1); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("double release = %v, want ErrReservationNotFound", err)
	}
}

func TestSettleConsumesReservation(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	seedWallet(t, l, "alice", "USDT", 1, 1000)

	if _, err := l.Freeze(ctx, "alice", "USDT", 1, big.NewInt(400)); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := l.Settle(ctx, "alice", "USDT", 1, "bridge-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	w, _ := l.Wallet(ctx, "alice", "USDT", 1)
	if w.Balance != "600" {
		t.Errorf("balance after settle = %s, want 600", w.Balance)
	}
	avail, _ := l.Available(ctx, "alice", "USDT", 1)
	if avail.Cmp(big.NewInt(600)) != 0 {
		t.Errorf("available after settle = %s, want 600", avail)
	}

	if err := l.Settle(ctx, "alice", "USDT", 1, "bridge-1"); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("double settle = %v, want ErrReservationNotFound", err)
	}
}

func TestFreezeAfterReleaseStartsFresh(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	seedWallet(t, l, "alice", "USDT", 1, 1000)

	if _, err := l.Freeze(ctx, "alice", "USDT", 1, big.NewInt(300)); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := l.Release(ctx, "alice", "USDT", 1); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := l.Freeze(ctx, "alice", "USDT", 1, big.NewInt(100)); err != nil {
		t.Fatalf("re-freeze: %v", err)
	}

	res, _ := l.Reservation(ctx, "alice", "USDT", 1)
	if res.Amount != "100" {
		t.Errorf("revived reservation amount = %s, want 100 (not cumulative with released)", res.Amount)
	}
}

func TestDebitRespectsReservations(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	seedWallet(t, l, "alice", "USDT", 1, 1000)

	if _, err := l.Freeze(ctx, "alice", "USDT", 1, big.NewInt(800)); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	// Only 200 is unreserved.
	if err := l.Debit(ctx, "alice", "USDT", 1, big.NewInt(300), "x"); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("debit into reserved funds = %v, want ErrInsufficientBalance", err)
	}
	if err := l.Debit(ctx, "alice", "USDT", 1, big.NewInt(200), "x"); err != nil {
		t.Errorf("debit of unreserved funds: %v", err)
	}
}

func TestLockedWalletRejectsFreeze(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	seedWallet(t, l, "alice", "USDT", 1, 1000)

	if err := l.LockWallet(ctx, "alice", "USDT", 1); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := l.Freeze(ctx, "alice", "USDT", 1, big.NewInt(10)); !errors.Is(err, ErrWalletLocked) {
		t.Errorf("freeze on locked wallet = %v, want ErrWalletLocked", err)
	}

	if err := l.UnlockWallet(ctx, "alice", "USDT", 1); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := l.Freeze(ctx, "alice", "USDT", 1, big.NewInt(10)); err != nil {
		t.Errorf("freeze after unlock: %v", err)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	seedWallet(t, l, "alice", "USDT", 1, 100)
	seedWallet(t, l, "alice", "USDT", 56, 100)
	seedWallet(t, l, "bob", "USDT", 1, 100)

	if _, err := l.Freeze(ctx, "alice", "USDT", 1, big.NewInt(100)); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	for _, k := range []struct {
		user    string
		chainID int64
	}{{"alice", 56}, {"bob", 1}} {
		avail, err := l.Available(ctx, k.user, "USDT", k.chainID)
		if err != nil {
			t.Fatalf("Available(%s, %d): %v", k.user, k.chainID, err)
		}
		if avail.Cmp(big.NewInt(100)) != 0 {
			t.Errorf("available for %s chain %d = %s, want 100 (unrelated key affected)", k.user, k.chainID, avail)
		}
	}
}

func TestConcurrentFreezesNeverOversubscribe(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	seedWallet(t, l, "alice", "USDT", 1, 5)

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
	avail, _ := l.Available(ctx, "alice", "USDT", 1)
	if avail.Sign() != 0 {
		t.Errorf("available after saturation = %s, want 0", avail)
	}
}

func TestHistoryRecordsMutations(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	seedWallet(t, l, "alice", "USDT", 1, 1000)

	if _, err := l.Freeze(ctx, "alice", "USDT", 1, big.NewInt(100)); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := l.Release(ctx, "alice", "USDT", 1); err != nil {
		t.Fatalf("release: %v", err)
	}

	entries, err := l.History(ctx, "alice", "USDT", 1, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 3 { // credit, freeze, release
		t.Fatalf("history has %d entries, want 3", len(entries))
	}
	if entries[0].Type != "release" {
		t.Errorf("newest entry type = %s, want release", entries[0].Type)
	}
}
