// Package bridge moves value between chains.
//
// Flow:
//  1. A route with a native bridge contract delegates to it in one call
//  2. Otherwise the custodial two-phase path runs: freeze source funds
//     durably, then pay out from the custodial pool on the target chain
//  3. A failed payout compensates by releasing the source freeze; the
//     original failure is what the caller sees
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/paylock/paylock/internal/chain"
	"github.com/paylock/paylock/internal/config"
	"github.com/paylock/paylock/internal/ledger"
	"github.com/paylock/paylock/internal/metrics"
	"github.com/paylock/paylock/internal/money"
	"github.com/paylock/paylock/internal/notify"
	"github.com/paylock/paylock/internal/retry"
)

var (
	ErrUnsupportedRoute      = errors.New("bridge: unsupported chain or token")
	ErrInvalidAmount         = errors.New("bridge: invalid amount")
	ErrInvalidRecipient      = errors.New("bridge: invalid recipient address")
	ErrSlippageTooHigh       = errors.New("bridge: slippage exceeds limit")
	ErrInsufficientLiquidity = errors.New("bridge: insufficient custodial liquidity on target chain")
	ErrBridgeContract        = errors.New("bridge: bridge contract call failed")
	ErrNotFound              = errors.New("bridge: transaction not found")
)

// Status is the bridge transaction lifecycle state.
type Status string

const (
	StatusInitiated  Status = "INITIATED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Transaction records one bridge attempt end to end. Amounts are integer
// strings in each token's smallest unit.
type Transaction struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	UserAddress   string    `json:"userAddress"`
	SourceToken   string    `json:"sourceToken"`
	SourceChainID int64     `json:"sourceChainId"`
	TargetToken   string    `json:"targetToken"`
	TargetChainID int64     `json:"targetChainId"`
	Amount        string    `json:"amount"`
	TargetAmount  string    `json:"targetAmount,omitempty"`
	Status        Status    `json:"status"`
	TxHash        string    `json:"txHash,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store persists bridge transactions.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Update(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)
}

// GatewayResolver is the slice of chain.Registry the coordinator needs.
type GatewayResolver interface {
	Gateway(chainID int64) (chain.Gateway, error)
	Supports(chainID int64) bool
}

// Request describes one bridge operation.
type Request struct {
	UserID        string
	UserAddress   string // recipient on the target chain
	SourceToken   string
	SourceChainID int64
	TargetToken   string
	TargetChainID int64
	Amount        *big.Int
	// MinTargetAmount bounds acceptable slippage; zero/nil disables the check.
	MinTargetAmount *big.Int
}

// Coordinator routes bridge requests over the direct-contract or custodial
// two-phase path.
type Coordinator struct {
	gateways GatewayResolver
	ledger   *ledger.Ledger
	store    Store
	rates    RateProvider
	chains   map[int64]config.ChainConfig
	notifier notify.Gateway
	logger   *slog.Logger
}

// New creates the coordinator.
func New(gateways GatewayResolver, l *ledger.Ledger, store Store, rates RateProvider, chains map[int64]config.ChainConfig, notifier notify.Gateway, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		gateways: gateways,
		ledger:   l,
		store:    store,
		rates:    rates,
		chains:   chains,
		notifier: notifier,
		logger:   logger,
	}
}

// BridgeToken moves req.Amount of the source token to the user's address
// on the target chain. The returned Transaction is durably recorded in
// every outcome, including failures.
func (c *Coordinator) BridgeToken(ctx context.Context, req Request) (*Transaction, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !c.gateways.Supports(req.SourceChainID) || !c.gateways.Supports(req.TargetChainID) {
		return nil, fmt.Errorf("%w: chain pair %d -> %d", ErrUnsupportedRoute, req.SourceChainID, req.TargetChainID)
	}
	source, ok := money.LookupToken(req.SourceToken, req.SourceChainID)
	if !ok {
		return nil, fmt.Errorf("%w: %s on chain %d", ErrUnsupportedRoute, req.SourceToken, req.SourceChainID)
	}
	target, ok := money.LookupToken(req.TargetToken, req.TargetChainID)
	if !ok {
		return nil, fmt.Errorf("%w: %s on chain %d", ErrUnsupportedRoute, req.TargetToken, req.TargetChainID)
	}

	targetGW, err := c.gateways.Gateway(req.TargetChainID)
	if err != nil {
		return nil, err
	}
	if !targetGW.ValidateAddress(req.UserAddress) {
		return nil, ErrInvalidRecipient
	}

	if cc, ok := c.chains[req.SourceChainID]; ok && cc.BridgeContract != "" {
		return c.bridgeDirect(ctx, req, cc)
	}
	return c.bridgeCustodial(ctx, req, source, target, targetGW)
}

// bridgeDirect delegates to the chain pair's native bridge contract: one
// deposit call into the contract, one receipt.
func (c *Coordinator) bridgeDirect(ctx context.Context, req Request, cc config.ChainConfig) (*Transaction, error) {
	gw, err := c.gateways.Gateway(req.SourceChainID)
	if err != nil {
		return nil, err
	}

	tx := c.newTransaction(req)
	tx.Status = StatusProcessing
	if err := c.store.Create(ctx, tx); err != nil {
		return nil, err
	}

	// The user's custodial balance funds the deposit; debit before the
	// contract call so a concurrent request cannot double-spend it.
	if err := c.ledger.Debit(ctx, req.UserID, req.SourceToken, req.SourceChainID, req.Amount, tx.ID); err != nil {
		tx.Status = StatusFailed
		tx.FailureReason = "insufficient custodial balance"
		c.persistUpdate(ctx, tx)
		return tx, err
	}

	source, _ := money.LookupToken(req.SourceToken, req.SourceChainID)
	txHash, err := c.transferOut(ctx, gw, cc.CustodianKey, source.Contract, cc.BridgeContract, req.Amount)
	if err != nil {
		if cerr := c.ledger.Credit(ctx, req.UserID, req.SourceToken, req.SourceChainID, req.Amount, tx.ID); cerr != nil {
			c.logger.Error("bridge direct-path refund failed",
				"bridge_id", tx.ID, "user_id", req.UserID, "error", cerr)
		}
		tx.Status = StatusFailed
		tx.FailureReason = "bridge contract call failed"
		c.persistUpdate(ctx, tx)
		return tx, fmt.Errorf("%w: %v", ErrBridgeContract, err)
	}

	tx.TxHash = txHash
	tx.Status = StatusCompleted
	tx.TargetAmount = req.Amount.String()
	c.persistUpdate(ctx, tx)
	c.notifyBridge(ctx, req, tx)
	return tx, nil
}

// bridgeCustodial runs the internal two-phase path. Phase 1 freezes the
// source funds and durably records the attempt before anything touches the
// target chain. Phase 2 pays out from the custodial pool and settles the
// frozen source amount.
func (c *Coordinator) bridgeCustodial(ctx context.Context, req Request, source, target money.Token, targetGW chain.Gateway) (*Transaction, error) {
	rate, err := c.rates.Rate(ctx, req.SourceToken, req.TargetToken)
	if err != nil {
		return nil, err
	}
	targetAmount := ConvertAmount(req.Amount, rate, source.Decimals, target.Decimals)
	if targetAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: converts to zero target units", ErrInvalidAmount)
	}
	if req.MinTargetAmount != nil && req.MinTargetAmount.Sign() > 0 && targetAmount.Cmp(req.MinTargetAmount) < 0 {
		return nil, fmt.Errorf("%w: would receive %s, minimum %s", ErrSlippageTooHigh, targetAmount, req.MinTargetAmount)
	}

	targetCC := c.chains[req.TargetChainID]
	if targetCC.CustodianAddress != "" {
		liquidity, err := c.poolBalance(ctx, targetGW, target, targetCC.CustodianAddress)
		if err != nil {
			return nil, err
		}
		if liquidity.Cmp(targetAmount) < 0 {
			return nil, fmt.Errorf("%w: pool has %s, need %s", ErrInsufficientLiquidity, liquidity, targetAmount)
		}
	}

	// Phase 1: lock source funds. The INITIATED row must be durable before
	// any target-chain call so a crash between phases is recoverable.
	if _, err := c.ledger.Freeze(ctx, req.UserID, req.SourceToken, req.SourceChainID, req.Amount); err != nil {
		return nil, err
	}

	tx := c.newTransaction(req)
	tx.TargetAmount = targetAmount.String()
	if err := c.store.Create(ctx, tx); err != nil {
		c.compensate(ctx, req, tx.ID, err)
		return nil, err
	}

	// Phase 2: pay out on the target chain.
	tx.Status = StatusProcessing
	c.persistUpdate(ctx, tx)

	txHash, err := c.transferOut(ctx, targetGW, targetCC.CustodianKey, target.Contract, req.UserAddress, targetAmount)
	if err != nil {
		c.compensate(ctx, req, tx.ID, err)
		tx.Status = StatusFailed
		tx.FailureReason = "target chain payout failed"
		c.persistUpdate(ctx, tx)
		return tx, fmt.Errorf("bridge %s: %w", tx.ID, err)
	}

	if err := c.ledger.Settle(ctx, req.UserID, req.SourceToken, req.SourceChainID, tx.ID); err != nil {
		// The payout already happened; the source stays frozen for manual
		// reconciliation rather than being silently released.
		c.logger.Error("bridge settle failed after payout",
			"bridge_id", tx.ID, "tx_hash", txHash, "error", err)
	}

	tx.TxHash = txHash
	tx.Status = StatusCompleted
	c.persistUpdate(ctx, tx)
	c.notifyBridge(ctx, req, tx)
	return tx, nil
}

// compensate releases the Phase 1 freeze after a Phase 2 failure. The
// release is best-effort: its own failure is logged, never surfaced, so the
// original bridge error reaches the caller.
func (c *Coordinator) compensate(ctx context.Context, req Request, bridgeID string, cause error) {
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		return c.ledger.Release(ctx, req.UserID, req.SourceToken, req.SourceChainID)
	})
	if err != nil {
		metrics.CompensationFailuresTotal.Inc()
		c.logger.Error("bridge compensation failed, source funds remain frozen",
			"bridge_id", bridgeID,
			"user_id", req.UserID,
			"token", req.SourceToken,
			"chain_id", req.SourceChainID,
			"cause", cause,
			"error", err,
		)
	}
}

func (c *Coordinator) transferOut(ctx context.Context, gw chain.Gateway, signerKey, tokenContract, to string, amount *big.Int) (string, error) {
	if tokenContract == "" {
		return gw.TransferNative(ctx, signerKey, to, amount)
	}
	return gw.TransferToken(ctx, signerKey, tokenContract, to, amount)
}

func (c *Coordinator) poolBalance(ctx context.Context, gw chain.Gateway, token money.Token, custodian string) (*big.Int, error) {
	if token.Contract == "" {
		return gw.Balance(ctx, custodian)
	}
	return gw.TokenBalance(ctx, token.Contract, custodian)
}

func (c *Coordinator) newTransaction(req Request) *Transaction {
	now := time.Now()
	return &Transaction{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		UserAddress:   req.UserAddress,
		SourceToken:   req.SourceToken,
		SourceChainID: req.SourceChainID,
		TargetToken:   req.TargetToken,
		TargetChainID: req.TargetChainID,
		Amount:        req.Amount.String(),
		Status:        StatusInitiated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (c *Coordinator) persistUpdate(ctx context.Context, tx *Transaction) {
	tx.UpdatedAt = time.Now()
	if err := c.store.Update(ctx, tx); err != nil {
		c.logger.Error("bridge row update failed", "bridge_id", tx.ID, "status", tx.Status, "error", err)
	}
	switch tx.Status {
	case StatusCompleted:
		metrics.BridgesTotal.WithLabelValues("completed").Inc()
	case StatusFailed:
		metrics.BridgesTotal.WithLabelValues("failed").Inc()
	}
}

func (c *Coordinator) notifyBridge(ctx context.Context, req Request, tx *Transaction) {
	if c.notifier == nil {
		return
	}
	_ = c.notifier.Send(ctx, []string{req.UserAddress}, "Bridge transfer completed", notify.Event{
		Kind:       "bridge.completed",
		BridgeID:   tx.ID,
		Amount:     tx.TargetAmount,
		Currency:   tx.TargetToken,
		Status:     string(tx.Status),
		OccurredAt: time.Now(),
	})
}

// Get returns a bridge transaction by ID.
func (c *Coordinator) Get(ctx context.Context, id string) (*Transaction, error) {
	return c.store.Get(ctx, id)
}

// ListByUser returns a user's recent bridge transactions.
func (c *Coordinator) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return c.store.ListByUser(ctx, userID, limit)
}
