//go:build integration

package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paylock/paylock/internal/testutil"
)

func pgStore(t *testing.T) *PostgresStore {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return NewPostgresStore(db)
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	store := pgStore(t)
	ctx := context.Background()

	link := &PaymentLink{
		ID:              "lnk_pgtest",
		Type:            LinkSelling,
		TransactionType: TypeCryptocurrency,
		SellerID:        "seller-1",
		SellerAddress:   "0x2222222222222222222222222222222222222222",
		Currency:        "USDT",
		ChainID:         1,
		EscrowConditions: EscrowConditions{
			TimeoutPeriod: 48 * time.Hour,
		},
		Status:    LinkActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateLink(ctx, link); err != nil {
		t.Fatalf("create link: %v", err)
	}

	got, err := store.GetLink(ctx, link.ID)
	if err != nil {
		t.Fatalf("get link: %v", err)
	}
	if got.Type != LinkSelling || got.TransactionType != TypeCryptocurrency {
		t.Errorf("link round trip mismatch: %+v", got)
	}
	if got.EscrowConditions.TimeoutPeriod != 48*time.Hour {
		t.Errorf("timeout period = %v, want 48h", got.EscrowConditions.TimeoutPeriod)
	}

	now := time.Now().UTC()
	tx := &Transaction{
		ID:            "txn_pgtest",
		LinkID:        link.ID,
		BuyerID:       "buyer-1",
		SellerID:      "seller-1",
		Amount:        "100000000",
		Currency:      "USDT",
		Status:        StatusPending,
		EscrowAddress: "0x4444444444444444444444444444444444444444",
		ChainID:       1,
		PaymentMethod: TypeCryptocurrency,
		Crypto: &CryptoDetails{
			BuyerAddress: "0x1111111111111111111111111111111111111111",
			TokenSymbol:  "USDT",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	stored, err := store.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if stored.Crypto == nil || stored.Crypto.BuyerAddress != tx.Crypto.BuyerAddress {
		t.Errorf("crypto payload lost in round trip: %+v", stored.Crypto)
	}
	if stored.Service != nil {
		t.Error("service payload should be nil for crypto transaction")
	}

	stored.Status = StatusCompleted
	stored.VerificationState = VerificationVerified
	stored.UpdatedAt = time.Now().UTC()
	if err := store.UpdateTransaction(ctx, stored); err != nil {
		t.Fatalf("update transaction: %v", err)
	}

	final, err := store.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", final.Status)
	}
	// escrow_address is never updated.
	if final.EscrowAddress != tx.EscrowAddress {
		t.Errorf("escrow address changed: %s", final.EscrowAddress)
	}
}

func TestPostgresStoreNotFound(t *testing.T) {
	store := pgStore(t)
	ctx := context.Background()

	if _, err := store.GetLink(ctx, "lnk_missing"); !errors.Is(err, ErrLinkNotFound) {
		t.Errorf("expected ErrLinkNotFound, got %v", err)
	}
	if _, err := store.GetTransaction(ctx, "txn_missing"); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("expected ErrTransactionNotFound, got %v", err)
	}
	err := store.UpdateTransaction(ctx, &Transaction{ID: "txn_missing", UpdatedAt: time.Now()})
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("expected ErrTransactionNotFound on update, got %v", err)
	}
}
