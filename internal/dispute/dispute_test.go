package dispute

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/paylock/paylock/internal/chain"
	"github.com/paylock/paylock/internal/escrow"
	"github.com/paylock/paylock/internal/notify"
)

// fakeGateway counts refund/release calls for resolution assertions.
type fakeGateway struct {
	chainID      int64
	refundCalls  int
	releaseCalls int
	refundErr    error
}

func (f *fakeGateway) ChainID() int64 { return f.chainID }

func (f *fakeGateway) GenerateWallet(ctx context.Context) (*chain.Wallet, error) {
	return nil, chain.ErrUnsupportedChain
}

func (f *fakeGateway) Balance(ctx context.Context, address string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeGateway) TokenBalance(ctx context.Context, token, address string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeGateway) TransferNative(ctx context.Context, signerKey, to string, amount *big.Int) (string, error) {
	return "0xtransfer", nil
}

func (f *fakeGateway) TransferToken(ctx context.Context, signerKey, token, to string, amount *big.Int) (string, error) {
	return "0xtransfer", nil
}

func (f *fakeGateway) CreateEscrow(ctx context.Context, p chain.EscrowParties) (string, error) {
	return "0xescrow", nil
}

func (f *fakeGateway) FundEscrow(ctx context.Context, escrowAddr, signerKey string, amount *big.Int) (string, error) {
	return "0xfund", nil
}

func (f *fakeGateway) ReleaseEscrow(ctx context.Context, escrowAddr, signerKey string) (string, error) {
	f.releaseCalls++
	return "0xrelease", nil
}

func (f *fakeGateway) RefundEscrow(ctx context.Context, escrowAddr, signerKey string) (string, error) {
	if f.refundErr != nil {
		return "", f.refundErr
	}
	f.refundCalls++
	return "0xrefund", nil
}

func (f *fakeGateway) EscrowDetails(ctx context.Context, escrowAddr string) (*chain.EscrowDetails, error) {
	return &chain.EscrowDetails{State: chain.EscrowDisputed}, nil
}

func (f *fakeGateway) ValidateAddress(address string) bool { return true }

func (f *fakeGateway) WaitForTransaction(ctx context.Context, txHash string, confirmations uint64, timeout time.Duration) (*chain.Receipt, error) {
	return nil, chain.ErrTxNotFound
}

type fakeResolver map[int64]chain.Gateway

func (f fakeResolver) Gateway(chainID int64) (chain.Gateway, error) {
	gw, ok := f[chainID]
	if !ok {
		return nil, chain.ErrUnsupportedChain
	}
	return gw, nil
}

// fakeLedger counts release/settle of the seller reservation.
type fakeLedger struct {
	released int
	settled  int
}

func (f *fakeLedger) Freeze(ctx context.Context, userID, token string, chainID int64, amount *big.Int) (string, error) {
	return "res_test", nil
}

func (f *fakeLedger) Release(ctx context.Context, userID, token string, chainID int64) error {
	f.released++
	return nil
}

func (f *fakeLedger) Settle(ctx context.Context, userID, token string, chainID int64, reference string) error {
	f.settled++
	return nil
}

const testArbiterID = "arbiter-1"

type fixture struct {
	store    *MemoryStore
	txStore  *escrow.MemoryStore
	gateway  *fakeGateway
	ledger   *fakeLedger
	notifier *notify.Capture
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		txStore:  escrow.NewMemoryStore(),
		gateway:  &fakeGateway{chainID: 1},
		ledger:   &fakeLedger{},
		notifier: &notify.Capture{},
	}
	f.svc = New(f.store, f.txStore, fakeResolver{1: f.gateway},
		testArbiterID, "0xarbiter", "arbiter-key", f.notifier, nil).
		WithLedger(f.ledger)
	return f
}

func (f *fixture) seedTransaction(t *testing.T, status escrow.Status, escrowAddr string) *escrow.Transaction {
	t.Helper()
	now := time.Now()
	tx := &escrow.Transaction{
		ID:            "txn_" + string(status),
		LinkID:        "lnk_test",
		BuyerID:       "buyer-1",
		SellerID:      "seller-1",
		Amount:        "100000000",
		Currency:      "USDT",
		Status:        status,
		EscrowAddress: escrowAddr,
		ChainID:       1,
		PaymentMethod: escrow.TypeCryptocurrency,
		Crypto: &escrow.CryptoDetails{
			BuyerAddress:  "0x1111111111111111111111111111111111111111",
			TokenSymbol:   "USDT",
			ReservationID: "res_test",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.txStore.CreateTransaction(context.Background(), tx); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	return tx
}

func TestOpenDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.seedTransaction(t, escrow.StatusPending, "0xescrow")

	d, err := f.svc.Open(ctx, tx.ID, "buyer-1", "item not delivered", "chat log")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if d.Status != StatusOpened {
		t.Errorf("status = %s, want OPENED", d.Status)
	}
	if d.TransactionID != tx.ID {
		t.Errorf("transaction ID = %s", d.TransactionID)
	}

	stored, err := f.txStore.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != escrow.StatusDisputed {
		t.Errorf("transaction status = %s, want DISPUTED", stored.Status)
	}

	if f.notifier.Count() != 1 {
		t.Fatalf("notifications = %d, want 1", f.notifier.Count())
	}
	sent := f.notifier.All()[0]
	// Arbiter and the counterparty (seller) are notified.
	if len(sent.Recipients) != 2 || sent.Recipients[0] != testArbiterID || sent.Recipients[1] != "seller-1" {
		t.Errorf("recipients = %v", sent.Recipients)
	}
}

func TestOpenDisputeFromTerminalState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.seedTransaction(t, escrow.StatusCompleted, "0xescrow")

	_, err := f.svc.Open(ctx, tx.ID, "buyer-1", "too late", "")
	var conflict *escrow.StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected StateConflictError, got %v", err)
	}
}

func TestOpenDisputeDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.seedTransaction(t, escrow.StatusPending, "0xescrow")

	if _, err := f.svc.Open(ctx, tx.ID, "buyer-1", "first", ""); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.Open(ctx, tx.ID, "seller-1", "second", "")
	if !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("expected ErrAlreadyOpen, got %v", err)
	}
}

func TestResolveForBuyerRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.seedTransaction(t, escrow.StatusPending, "0xescrow")
	d, err := f.svc.Open(ctx, tx.ID, "buyer-1", "not delivered", "")
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := f.svc.Resolve(ctx, d.ID, ResolveForBuyer, testArbiterID, "seller unresponsive")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != StatusResolvedForBuyer {
		t.Errorf("status = %s, want RESOLVED_FOR_BUYER", resolved.Status)
	}
	if f.gateway.refundCalls != 1 || f.gateway.releaseCalls != 0 {
		t.Errorf("chain calls: refund = %d, release = %d, want exactly one refund",
			f.gateway.refundCalls, f.gateway.releaseCalls)
	}
	if f.ledger.released != 1 || f.ledger.settled != 0 {
		t.Errorf("reservation: released = %d, settled = %d, want release only",
			f.ledger.released, f.ledger.settled)
	}

	stored, _ := f.txStore.GetTransaction(ctx, tx.ID)
	if stored.Status != escrow.StatusResolvedForBuyer {
		t.Errorf("transaction status = %s, want RESOLVED_FOR_BUYER", stored.Status)
	}
}

func TestResolveForSellerReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.seedTransaction(t, escrow.StatusPending, "0xescrow")
	d, err := f.svc.Open(ctx, tx.ID, "buyer-1", "changed my mind", "")
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := f.svc.Resolve(ctx, d.ID, ResolveForSeller, testArbiterID, "delivery proven")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != StatusResolvedForSeller {
		t.Errorf("status = %s, want RESOLVED_FOR_SELLER", resolved.Status)
	}
	if f.gateway.releaseCalls != 1 || f.gateway.refundCalls != 0 {
		t.Errorf("chain calls: refund = %d, release = %d, want exactly one release",
			f.gateway.refundCalls, f.gateway.releaseCalls)
	}
	if f.ledger.settled != 1 || f.ledger.released != 0 {
		t.Errorf("reservation: released = %d, settled = %d, want settle only",
			f.ledger.released, f.ledger.settled)
	}
}

func TestResolveRequiresConfiguredArbiter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.seedTransaction(t, escrow.StatusPending, "0xescrow")
	d, err := f.svc.Open(ctx, tx.ID, "buyer-1", "reason", "")
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.svc.Resolve(ctx, d.ID, ResolveForBuyer, "someone-else", "")
	if !errors.Is(err, ErrNotArbiter) {
		t.Fatalf("expected ErrNotArbiter, got %v", err)
	}
	if f.gateway.refundCalls != 0 || f.gateway.releaseCalls != 0 {
		t.Error("chain touched by unauthorized resolution")
	}
}

func TestResolveInvalidResolution(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Resolve(context.Background(), "dsp_any", Resolution("SPLIT"), testArbiterID, "")
	if err == nil {
		t.Fatal("expected error for invalid resolution")
	}
}

func TestResolveTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.seedTransaction(t, escrow.StatusPending, "0xescrow")
	d, err := f.svc.Open(ctx, tx.ID, "buyer-1", "reason", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Resolve(ctx, d.ID, ResolveForBuyer, testArbiterID, ""); err != nil {
		t.Fatal(err)
	}

	_, err = f.svc.Resolve(ctx, d.ID, ResolveForSeller, testArbiterID, "")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if f.gateway.refundCalls != 1 || f.gateway.releaseCalls != 0 {
		t.Errorf("second resolution reached the chain: refund = %d, release = %d",
			f.gateway.refundCalls, f.gateway.releaseCalls)
	}
}

func TestResolveServiceDisputeWithoutEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	tx := &escrow.Transaction{
		ID:            "txn_service",
		LinkID:        "lnk_test",
		BuyerID:       "buyer-1",
		SellerID:      "seller-1",
		Amount:        "49.99",
		Currency:      "USD",
		Status:        escrow.StatusDisputed,
		PaymentMethod: escrow.TypeServices,
		Service:       &escrow.ServiceDetails{Feedback: "rejected"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := f.txStore.CreateTransaction(ctx, tx); err != nil {
		t.Fatal(err)
	}
	d, err := f.svc.Open(ctx, tx.ID, "buyer-1", "service rejected", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Resolve(ctx, d.ID, ResolveForBuyer, testArbiterID, ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if f.gateway.refundCalls != 0 || f.gateway.releaseCalls != 0 {
		t.Error("service dispute resolution must not touch a chain")
	}
}

func TestCloseDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.seedTransaction(t, escrow.StatusPending, "0xescrow")
	d, err := f.svc.Open(ctx, tx.ID, "buyer-1", "reason", "")
	if err != nil {
		t.Fatal(err)
	}

	// Closing an open dispute is not allowed.
	if _, err := f.svc.Close(ctx, d.ID); err == nil {
		t.Fatal("expected error closing an open dispute")
	}

	if _, err := f.svc.Resolve(ctx, d.ID, ResolveForSeller, testArbiterID, ""); err != nil {
		t.Fatal(err)
	}
	closed, err := f.svc.Close(ctx, d.ID)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if closed.Status != StatusClosed {
		t.Errorf("status = %s, want CLOSED", closed.Status)
	}

	stored, _ := f.txStore.GetTransaction(ctx, tx.ID)
	if stored.Status != escrow.StatusClosed {
		t.Errorf("transaction status = %s, want CLOSED", stored.Status)
	}

	// Closed disputes stay closed.
	if _, err := f.svc.Close(ctx, d.ID); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := f.svc.Resolve(ctx, d.ID, ResolveForBuyer, testArbiterID, ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on resolve, got %v", err)
	}
}

func TestListOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx1 := f.seedTransaction(t, escrow.StatusPending, "0xescrow1")
	d1, err := f.svc.Open(ctx, tx1.ID, "buyer-1", "one", "")
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	tx2 := &escrow.Transaction{
		ID: "txn_two", LinkID: "lnk_test", BuyerID: "buyer-2", SellerID: "seller-1",
		Amount: "5", Currency: "USDT", Status: escrow.StatusPendingVerification,
		ChainID: 1, PaymentMethod: escrow.TypeCryptocurrency,
		Crypto:    &escrow.CryptoDetails{},
		CreatedAt: now, UpdatedAt: now,
	}
	if err := f.txStore.CreateTransaction(ctx, tx2); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Open(ctx, tx2.ID, "buyer-2", "two", ""); err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Resolve(ctx, d1.ID, ResolveForSeller, testArbiterID, ""); err != nil {
		t.Fatal(err)
	}

	open, err := f.svc.ListOpen(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].TransactionID != tx2.ID {
		t.Fatalf("open disputes = %+v, want only the second", open)
	}
}
