package chain

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type recordingFundingHandler struct {
	mu    sync.Mutex
	calls []string
}

func (h *recordingFundingHandler) EscrowFunded(ctx context.Context, chainID int64, escrowAddr, from string, amount *big.Int, txHash string) error {
	h.mu.Lock()
	h.calls = append(h.calls, escrowAddr+":"+amount.String())
	h.mu.Unlock()
	return nil
}

func (h *recordingFundingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func transferLog(token, from, to common.Address, amount *big.Int, txHash common.Hash) types.Log {
	return types.Log{
		Address: token,
		Topics: []common.Hash{
			transferEventSig,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:   common.LeftPadBytes(amount.Bytes(), 32),
		TxHash: txHash,
	}
}

func TestFundingWatcherDeliversDeposit(t *testing.T) {
	token := common.HexToAddress("0x6666666666666666666666666666666666666666")
	escrow := common.HexToAddress("0x5555555555555555555555555555555555555555")
	buyer := common.HexToAddress("0x1111111111111111111111111111111111111111")

	client := &mockEthClient{
		blockNum: 100,
		logs: []types.Log{
			transferLog(token, buyer, escrow, big.NewInt(1000), common.HexToHash("0xaa")),
		},
	}
	handler := &recordingFundingHandler{}
	w := NewFundingWatcher(client, FundingConfig{
		ChainID:      1,
		Token:        token,
		PollInterval: 20 * time.Millisecond,
		StartBlock:   50,
	}, handler, slog.Default())

	w.Watch(escrow.Hex())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	deadline := time.After(2 * time.Second)
	for handler.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("deposit never delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestFundingWatcherDeduplicates(t *testing.T) {
	token := common.HexToAddress("0x6666666666666666666666666666666666666666")
	escrow := common.HexToAddress("0x5555555555555555555555555555555555555555")
	buyer := common.HexToAddress("0x1111111111111111111111111111111111111111")

	handler := &recordingFundingHandler{}
	w := NewFundingWatcher(&mockEthClient{}, FundingConfig{
		ChainID: 1,
		Token:   token,
	}, handler, slog.Default())

	lg := transferLog(token, buyer, escrow, big.NewInt(1000), common.HexToHash("0xbb"))
	ctx := context.Background()
	if err := w.processDeposit(ctx, lg); err != nil {
		t.Fatalf("processDeposit: %v", err)
	}
	if err := w.processDeposit(ctx, lg); err != nil {
		t.Fatalf("processDeposit (repeat): %v", err)
	}

	if got := handler.count(); got != 1 {
		t.Errorf("handler called %d times, want 1", got)
	}
}

func TestFundingHubFansOutPerChain(t *testing.T) {
	escrow := common.HexToAddress("0x5555555555555555555555555555555555555555")
	newWatcher := func(chainID int64) *FundingWatcher {
		return NewFundingWatcher(&mockEthClient{blockNum: 100}, FundingConfig{
			ChainID:      chainID,
			Token:        common.HexToAddress("0x6666666666666666666666666666666666666666"),
			PollInterval: 20 * time.Millisecond,
			StartBlock:   50,
		}, &recordingFundingHandler{}, slog.Default())
	}

	eth1, eth2, bnb := newWatcher(1), newWatcher(1), newWatcher(56)
	hub := &FundingHub{
		watchers: map[int64][]*FundingWatcher{1: {eth1, eth2}, 56: {bnb}},
		logger:   slog.Default(),
	}

	hub.Watch(1, escrow.Hex())
	for _, w := range []*FundingWatcher{eth1, eth2} {
		if !w.watched[escrow] {
			t.Fatal("chain-1 watcher missing the escrow")
		}
	}
	if bnb.watched[escrow] {
		t.Fatal("escrow leaked onto another chain's watcher")
	}

	hub.Unwatch(1, escrow.Hex())
	if eth1.watched[escrow] || eth2.watched[escrow] {
		t.Fatal("escrow still watched after Unwatch")
	}

	// Start launches every watcher; Stop waits for all of them to exit.
	hub.Start(context.Background())
	if got := len(hub.started); got != 3 {
		t.Fatalf("started = %d watchers, want 3", got)
	}
	hub.Stop()
	if hub.started != nil {
		t.Fatal("started set not cleared after Stop")
	}
}

func TestFundingWatcherSkipsWhenNothingWatched(t *testing.T) {
	client := &mockEthClient{blockNum: 100}
	w := NewFundingWatcher(client, FundingConfig{
		ChainID:      1,
		Token:        common.HexToAddress("0x6666666666666666666666666666666666666666"),
		PollInterval: 20 * time.Millisecond,
		StartBlock:   50,
	}, &recordingFundingHandler{}, slog.Default())

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	w.Stop()

	if client.filterCalled != 0 {
		t.Errorf("FilterLogs called %d times with empty watch set, want 0", client.filterCalled)
	}
}
