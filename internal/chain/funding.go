package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ERC-20 Transfer event signature.
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// FundingHandler receives deposits observed by the funding watcher.
type FundingHandler interface {
	EscrowFunded(ctx context.Context, chainID int64, escrowAddr, from string, amount *big.Int, txHash string) error
}

// FundingConfig configures the funding watcher for one EVM chain.
type FundingConfig struct {
	ChainID      int64
	Token        common.Address // token contract whose transfers fund escrows
	PollInterval time.Duration
	StartBlock   uint64 // 0 = latest
}

// DefaultFundingConfig returns sensible polling defaults.
func DefaultFundingConfig() FundingConfig {
	return FundingConfig{PollInterval: 15 * time.Second}
}

// FundingWatcher polls token Transfer logs for deposits into watched
// escrow addresses. Escrow addresses come and go as transactions are
// opened and settled, so the watched set is dynamic.
type FundingWatcher struct {
	client  EthClient
	config  FundingConfig
	handler FundingHandler
	logger  *slog.Logger

	mu        sync.Mutex
	watched   map[common.Address]bool
	processed map[string]bool
	lastBlock uint64

	stop chan struct{}
	done chan struct{}
}

// NewFundingWatcher creates a watcher over the given EVM client.
func NewFundingWatcher(client EthClient, cfg FundingConfig, handler FundingHandler, logger *slog.Logger) *FundingWatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	return &FundingWatcher{
		client:    client,
		config:    cfg,
		handler:   handler,
		logger:    logger,
		watched:   make(map[common.Address]bool),
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Watch adds an escrow address to the watched set.
func (w *FundingWatcher) Watch(escrowAddr string) {
	w.mu.Lock()
	w.watched[common.HexToAddress(escrowAddr)] = true
	w.mu.Unlock()
}

// Unwatch removes an escrow address. Call it once the escrow reaches a
// terminal state.
func (w *FundingWatcher) Unwatch(escrowAddr string) {
	w.mu.Lock()
	delete(w.watched, common.HexToAddress(escrowAddr))
	w.mu.Unlock()
}

// Start begins polling for deposits.
func (w *FundingWatcher) Start(ctx context.Context) error {
	if w.config.StartBlock == 0 {
		block, err := w.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock
	}

	w.logger.Info("funding watcher started",
		"chain_id", w.config.ChainID,
		"token", w.config.Token.Hex(),
		"start_block", w.lastBlock,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit.
func (w *FundingWatcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *FundingWatcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.checkForDeposits(ctx); err != nil {
				w.logger.Error("funding check failed", "chain_id", w.config.ChainID, "error", err)
			}
		}
	}
}

func (w *FundingWatcher) watchedTopics() []common.Hash {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]common.Hash, 0, len(w.watched))
	for addr := range w.watched {
		topics = append(topics, common.BytesToHash(addr.Bytes()))
	}
	return topics
}

func (w *FundingWatcher) checkForDeposits(ctx context.Context) error {
	toTopics := w.watchedTopics()
	if len(toTopics) == 0 {
		return nil
	}

	currentBlock, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get block number: %w", err)
	}
	if currentBlock <= w.lastBlock {
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(w.lastBlock + 1),
		ToBlock:   new(big.Int).SetUint64(currentBlock),
		Addresses: []common.Address{w.config.Token},
		Topics: [][]common.Hash{
			{transferEventSig},
			nil, // any sender
			toTopics,
		},
	}

	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("filter logs: %w", err)
	}

	for _, vLog := range logs {
		if err := w.processDeposit(ctx, vLog); err != nil {
			w.logger.Error("failed to process deposit", "tx", vLog.TxHash.Hex(), "error", err)
		}
	}

	w.lastBlock = currentBlock
	return nil
}

// FundingHub fans escrow watch registrations out to the per-chain funding
// watchers and owns their lifecycle. Built by Registry.FundingHub.
type FundingHub struct {
	watchers map[int64][]*FundingWatcher
	logger   *slog.Logger

	mu      sync.Mutex
	started []*FundingWatcher
}

// Watch registers an escrow address on every watcher for its chain.
// Chains without watchers (non-EVM, degraded) are a no-op.
func (h *FundingHub) Watch(chainID int64, escrowAddr string) {
	for _, w := range h.watchers[chainID] {
		w.Watch(escrowAddr)
	}
}

// Unwatch drops an escrow address once the transaction is settled.
func (h *FundingHub) Unwatch(chainID int64, escrowAddr string) {
	for _, w := range h.watchers[chainID] {
		w.Unwatch(escrowAddr)
	}
}

// Start launches every watcher. A watcher that fails to start is logged
// and skipped; the rest keep running.
func (h *FundingHub) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for chainID, ws := range h.watchers {
		for _, w := range ws {
			if err := w.Start(ctx); err != nil {
				h.logger.Error("funding watcher failed to start", "chain_id", chainID, "error", err)
				continue
			}
			h.started = append(h.started, w)
		}
	}
}

// Stop stops every watcher that started.
func (h *FundingHub) Stop() {
	h.mu.Lock()
	started := h.started
	h.started = nil
	h.mu.Unlock()
	for _, w := range started {
		w.Stop()
	}
}

func (w *FundingWatcher) processDeposit(ctx context.Context, vLog types.Log) error {
	txHash := vLog.TxHash.Hex()

	w.mu.Lock()
	if w.processed[txHash] {
		w.mu.Unlock()
		return nil
	}
	w.processed[txHash] = true
	w.mu.Unlock()

	// On failure, unmark so the deposit is retried on the next poll.
	var succeeded bool
	defer func() {
		if !succeeded {
			w.mu.Lock()
			delete(w.processed, txHash)
			w.mu.Unlock()
		}
	}()

	if len(vLog.Topics) < 3 {
		return fmt.Errorf("malformed transfer event in tx %s", txHash)
	}

	from := common.HexToAddress(vLog.Topics[1].Hex())
	escrowAddr := common.HexToAddress(vLog.Topics[2].Hex())
	amount := new(big.Int).SetBytes(vLog.Data)

	if err := w.handler.EscrowFunded(ctx, w.config.ChainID, escrowAddr.Hex(), from.Hex(), amount, txHash); err != nil {
		return fmt.Errorf("handle funding: %w", err)
	}

	w.logger.Info("escrow funded",
		"chain_id", w.config.ChainID,
		"escrow", escrowAddr.Hex(),
		"from", from.Hex(),
		"amount", amount.String(),
		"tx", txHash,
	)

	succeeded = true
	return nil
}
