package bridge

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paylock/paylock/internal/chain"
	"github.com/paylock/paylock/internal/config"
	"github.com/paylock/paylock/internal/ledger"
	"github.com/paylock/paylock/internal/money"
	"github.com/paylock/paylock/internal/notify"
)

// fakeGateway implements chain.Gateway with programmable transfer behavior.
type fakeGateway struct {
	chainID       int64
	tokenBalance  *big.Int
	transferErr   error
	transferCount int
	lastTransfer  struct {
		token, to string
		amount    *big.Int
	}
}

func (f *fakeGateway) ChainID() int64 { return f.chainID }
func (f *fakeGateway) GenerateWallet(ctx context.Context) (*chain.Wallet, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeGateway) Balance(ctx context.Context, address string) (*big.Int, error) {
	return f.tokenBalance, nil
}
func (f *fakeGateway) TokenBalance(ctx context.Context, token, address string) (*big.Int, error) {
	return f.tokenBalance, nil
}
func (f *fakeGateway) TransferNative(ctx context.Context, signerKey, to string, amount *big.Int) (string, error) {
	return f.doTransfer("", to, amount)
}
func (f *fakeGateway) TransferToken(ctx context.Context, signerKey, token, to string, amount *big.Int) (string, error) {
	return f.doTransfer(token, to, amount)
}
func (f *fakeGateway) doTransfer(token, to string, amount *big.Int) (string, error) {
	if f.transferErr != nil {
		return "", f.transferErr
	}
	f.transferCount++
	f.lastTransfer.token = token
	f.lastTransfer.to = to
	f.lastTransfer.amount = new(big.Int).Set(amount)
	return "0xbridgetx", nil
}
func (f *fakeGateway) CreateEscrow(ctx context.Context, p chain.EscrowParties) (string, error) {
	return "", errors.New("not implemented")
}
func (f *fakeGateway) FundEscrow(ctx context.Context, escrowAddr, signerKey string, amount *big.Int) (string, error) {
	return "", errors.New("not implemented")
}
func (f *fakeGateway) ReleaseEscrow(ctx context.Context, escrowAddr, signerKey string) (string, error) {
	return "", errors.New("not implemented")
}
func (f *fakeGateway) RefundEscrow(ctx context.Context, escrowAddr, signerKey string) (string, error) {
	return "", errors.New("not implemented")
}
func (f *fakeGateway) EscrowDetails(ctx context.Context, escrowAddr string) (*chain.EscrowDetails, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeGateway) ValidateAddress(address string) bool { return address != "" }
func (f *fakeGateway) WaitForTransaction(ctx context.Context, txHash string, confirmations uint64, timeout time.Duration) (*chain.Receipt, error) {
	return &chain.Receipt{TxHash: txHash, Success: true}, nil
}

type fakeResolver map[int64]chain.Gateway

func (f fakeResolver) Gateway(chainID int64) (chain.Gateway, error) {
	gw, ok := f[chainID]
	if !ok {
		return nil, chain.ErrUnsupportedChain
	}
	return gw, nil
}
func (f fakeResolver) Supports(chainID int64) bool { _, ok := f[chainID]; return ok }

type fixture struct {
	coord    *Coordinator
	ledger   *ledger.Ledger
	store    *MemoryStore
	source   *fakeGateway
	target   *fakeGateway
	rates    *StaticRates
	capture  *notify.Capture
	chainCfg map[int64]config.ChainConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ledger:  ledger.New(ledger.NewMemoryStore()),
		store:   NewMemoryStore(),
		source:  &fakeGateway{chainID: money.ChainEthereum, tokenBalance: big.NewInt(0)},
		target:  &fakeGateway{chainID: money.ChainPolygon, tokenBalance: new(big.Int).SetUint64(1e12)},
		rates:   NewStaticRates(),
		capture: &notify.Capture{},
		chainCfg: map[int64]config.ChainConfig{
			money.ChainEthereum: {ChainID: money.ChainEthereum, CustodianKey: "srckey"},
			money.ChainPolygon:  {ChainID: money.ChainPolygon, CustodianKey: "dstkey", CustodianAddress: "0xpool"},
		},
	}
	resolver := fakeResolver{
		money.ChainEthereum: f.source,
		money.ChainPolygon:  f.target,
	}
	f.coord = New(resolver, f.ledger, f.store, f.rates, f.chainCfg, f.capture, slog.Default())
	return f
}

func usdtRequest(amount int64) Request {
	return Request{
		UserID:        "alice",
		UserAddress:   "0x1111111111111111111111111111111111111111",
		SourceToken:   "USDT",
		SourceChainID: money.ChainEthereum,
		TargetToken:   "USDT",
		TargetChainID: money.ChainPolygon,
		Amount:        big.NewInt(amount),
	}
}

func TestConvertAmount(t *testing.T) {
	tests := []struct {
		name    string
		amount  int64
		rate    string
		srcDec  int
		dstDec  int
		want    string
	}{
		{"same decimals rate 1", 1_000_000, "1", 6, 6, "1000000"},
		{"6 to 18 decimals", 1_000_000, "1", 6, 18, "1000000000000000000"},
		{"18 to 6 decimals", 1_000_000_000_000_000_000, "1", 18, 6, "1000000"},
		{"rate applied", 2_000_000, "0.5", 6, 6, "1000000"},
		{"truncates down", 1, "0.333", 6, 6, "0"},
	}
	for _, tt := range tests {
		rate, err := decimal.NewFromString(tt.rate)
		if err != nil {
			t.Fatalf("%s: bad rate: %v", tt.name, err)
		}
		got := ConvertAmount(big.NewInt(tt.amount), rate, tt.srcDec, tt.dstDec)
		if got.String() != tt.want {
			t.Errorf("%s: ConvertAmount = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestBridgeCustodialHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.ledger.Credit(ctx, "alice", "USDT", money.ChainEthereum, big.NewInt(1_000_000), "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	tx, err := f.coord.BridgeToken(ctx, usdtRequest(400_000))
	if err != nil {
		t.Fatalf("BridgeToken: %v", err)
	}
	if tx.Status != StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", tx.Status)
	}
	if tx.TxHash != "0xbridgetx" {
		t.Errorf("txHash = %s", tx.TxHash)
	}

	// USDT is 6 decimals on both Ethereum and Polygon.
	if f.target.lastTransfer.amount.Cmp(big.NewInt(400_000)) != 0 {
		t.Errorf("payout = %s, want 400000", f.target.lastTransfer.amount)
	}

	// Source funds consumed, nothing left frozen.
	w, _ := f.ledger.Wallet(ctx, "alice", "USDT", money.ChainEthereum)
	if w.Balance != "600000" {
		t.Errorf("source balance = %s, want 600000", w.Balance)
	}
	avail, _ := f.ledger.Available(ctx, "alice", "USDT", money.ChainEthereum)
	if avail.Cmp(big.NewInt(600_000)) != 0 {
		t.Errorf("available = %s, want 600000", avail)
	}

	if f.capture.Count() != 1 {
		t.Errorf("notifications sent = %d, want 1", f.capture.Count())
	}
}

func TestBridgeDecimalConversionAcrossChains(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// USDT: 6 decimals on Ethereum, 18 on BNB chain.
	bnb := &fakeGateway{chainID: money.ChainBNB, tokenBalance: new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)}
	resolver := fakeResolver{money.ChainEthereum: f.source, money.ChainBNB: bnb}
	cfg := map[int64]config.ChainConfig{
		money.ChainEthereum: {ChainID: money.ChainEthereum},
		money.ChainBNB:      {ChainID: money.ChainBNB, CustodianKey: "k", CustodianAddress: "0xpool"},
	}
	coord := New(resolver, f.ledger, f.store, f.rates, cfg, nil, slog.Default())

	f.ledger.Credit(ctx, "alice", "USDT", money.ChainEthereum, big.NewInt(5_000_000), "seed")

	req := usdtRequest(5_000_000)
	req.TargetChainID = money.ChainBNB
	tx, err := coord.BridgeToken(ctx, req)
	if err != nil {
		t.Fatalf("BridgeToken: %v", err)
	}

	want, _ := new(big.Int).SetString("5000000000000000000", 10) // 5 USDT in 18 decimals
	if bnb.lastTransfer.amount.Cmp(want) != 0 {
		t.Errorf("payout = %s, want %s", bnb.lastTransfer.amount, want)
	}
	if tx.TargetAmount != want.String() {
		t.Errorf("recorded target amount = %s, want %s", tx.TargetAmount, want)
	}
}

func TestBridgePhase2FailureCompensates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ledger.Credit(ctx, "alice", "USDT", money.ChainEthereum, big.NewInt(1_000_000), "seed")
	f.target.transferErr = errors.New("rpc exploded")

	tx, err := f.coord.BridgeToken(ctx, usdtRequest(400_000))
	if err == nil {
		t.Fatal("BridgeToken succeeded despite payout failure")
	}
	if tx == nil || tx.Status != StatusFailed {
		t.Fatalf("tx = %+v, want FAILED row", tx)
	}

	// Conservation: compensating release restored the full balance.
	avail, _ := f.ledger.Available(ctx, "alice", "USDT", money.ChainEthereum)
	if avail.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Errorf("available after compensation = %s, want 1000000", avail)
	}
	w, _ := f.ledger.Wallet(ctx, "alice", "USDT", money.ChainEthereum)
	if w.Balance != "1000000" {
		t.Errorf("balance after compensation = %s, want 1000000", w.Balance)
	}

	// The durable row survives with the failure recorded.
	stored, getErr := f.coord.Get(ctx, tx.ID)
	if getErr != nil {
		t.Fatalf("Get: %v", getErr)
	}
	if stored.Status != StatusFailed || stored.FailureReason == "" {
		t.Errorf("stored row = %+v", stored)
	}
}

func TestBridgeSlippageRejectedBeforeFreeze(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ledger.Credit(ctx, "alice", "USDT", money.ChainEthereum, big.NewInt(1_000_000), "seed")

	req := usdtRequest(400_000)
	req.MinTargetAmount = big.NewInt(500_000) // rate 1 yields only 400000
	_, err := f.coord.BridgeToken(ctx, req)
	if !errors.Is(err, ErrSlippageTooHigh) {
		t.Fatalf("BridgeToken = %v, want ErrSlippageTooHigh", err)
	}

	// Nothing was frozen.
	avail, _ := f.ledger.Available(ctx, "alice", "USDT", money.ChainEthereum)
	if avail.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Errorf("available = %s, want 1000000", avail)
	}
}

func TestBridgeInsufficientLiquidity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ledger.Credit(ctx, "alice", "USDT", money.ChainEthereum, big.NewInt(1_000_000), "seed")
	f.target.tokenBalance = big.NewInt(100) // pool nearly empty

	_, err := f.coord.BridgeToken(ctx, usdtRequest(400_000))
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("BridgeToken = %v, want ErrInsufficientLiquidity", err)
	}

	avail, _ := f.ledger.Available(ctx, "alice", "USDT", money.ChainEthereum)
	if avail.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Errorf("available = %s, want 1000000 (no freeze on liquidity failure)", avail)
	}
}

func TestBridgeInsufficientSourceBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ledger.Credit(ctx, "alice", "USDT", money.ChainEthereum, big.NewInt(100), "seed")

	_, err := f.coord.BridgeToken(ctx, usdtRequest(400_000))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("BridgeToken = %v, want ledger.ErrInsufficientBalance", err)
	}
	if f.target.transferCount != 0 {
		t.Error("payout attempted despite failed freeze")
	}
}

func TestBridgeUnsupportedRoute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := usdtRequest(100)
	req.TargetChainID = 999
	if _, err := f.coord.BridgeToken(ctx, req); !errors.Is(err, ErrUnsupportedRoute) {
		t.Errorf("unknown chain = %v, want ErrUnsupportedRoute", err)
	}

	req = usdtRequest(100)
	req.SourceToken = "DOGE"
	if _, err := f.coord.BridgeToken(ctx, req); !errors.Is(err, ErrUnsupportedRoute) {
		t.Errorf("unknown token = %v, want ErrUnsupportedRoute", err)
	}
}

func TestBridgeDirectPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.chainCfg[money.ChainEthereum] = config.ChainConfig{
		ChainID:        money.ChainEthereum,
		CustodianKey:   "srckey",
		BridgeContract: "0xbridgecontract",
	}

	f.ledger.Credit(ctx, "alice", "USDT", money.ChainEthereum, big.NewInt(1_000_000), "seed")

	tx, err := f.coord.BridgeToken(ctx, usdtRequest(400_000))
	if err != nil {
		t.Fatalf("BridgeToken: %v", err)
	}
	if tx.Status != StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", tx.Status)
	}
	if f.source.lastTransfer.to != "0xbridgecontract" {
		t.Errorf("deposit went to %s, want the bridge contract", f.source.lastTransfer.to)
	}
	if f.target.transferCount != 0 {
		t.Error("custodial payout ran on the direct path")
	}

	w, _ := f.ledger.Wallet(ctx, "alice", "USDT", money.ChainEthereum)
	if w.Balance != "600000" {
		t.Errorf("source balance = %s, want 600000", w.Balance)
	}
}

func TestBridgeDirectPathFailureRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.chainCfg[money.ChainEthereum] = config.ChainConfig{
		ChainID:        money.ChainEthereum,
		CustodianKey:   "srckey",
		BridgeContract: "0xbridgecontract",
	}
	f.source.transferErr = errors.New("revert")

	f.ledger.Credit(ctx, "alice", "USDT", money.ChainEthereum, big.NewInt(1_000_000), "seed")

	tx, err := f.coord.BridgeToken(ctx, usdtRequest(400_000))
	if !errors.Is(err, ErrBridgeContract) {
		t.Fatalf("BridgeToken = %v, want ErrBridgeContract", err)
	}
	if tx.Status != StatusFailed {
		t.Errorf("status = %s, want FAILED", tx.Status)
	}

	w, _ := f.ledger.Wallet(ctx, "alice", "USDT", money.ChainEthereum)
	if w.Balance != "1000000" {
		t.Errorf("balance after refund = %s, want 1000000", w.Balance)
	}
}
