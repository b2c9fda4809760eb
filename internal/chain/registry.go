package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/paylock/paylock/internal/circuitbreaker"
	"github.com/paylock/paylock/internal/config"
	"github.com/paylock/paylock/internal/metrics"
	"github.com/paylock/paylock/internal/money"
)

// Family is the closed set of chain families the platform speaks.
type Family string

const (
	FamilyEVM     Family = "evm"
	FamilyBitcoin Family = "bitcoin"
	FamilyTron    Family = "tron"
	FamilySolana  Family = "solana"
)

// FamilyForChain maps a chain ID to its family. The mapping is a compile
// time switch, not a runtime registry: adding a chain means adding a case.
func FamilyForChain(chainID int64) (Family, bool) {
	switch chainID {
	case money.ChainEthereum, money.ChainBNB, money.ChainPolygon:
		return FamilyEVM, true
	case money.ChainBitcoin:
		return FamilyBitcoin, true
	case money.ChainTron:
		return FamilyTron, true
	case money.ChainSolana:
		return FamilySolana, true
	}
	return "", false
}

// Health is the typed, queryable per-chain status. A degraded chain keeps
// its gateway registered; calls fail fast with ErrProviderUnavailable.
type Health struct {
	ChainID  int64
	Family   Family
	Healthy  bool
	Degraded string // reason, empty when healthy
}

// Registry owns one gateway per configured chain. It is built once at
// startup; gateways are never constructed lazily.
type Registry struct {
	gateways map[int64]Gateway
	health   map[int64]Health
	evms     map[int64]*EVMGateway // unwrapped, for watcher construction
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger
}

// NewRegistry builds gateways for every configured chain. Unreachable
// providers do not fail startup: the chain is registered degraded and
// reported through Health.
func NewRegistry(cfg *config.Config, keySecret string, logger *slog.Logger) *Registry {
	r := &Registry{
		gateways: make(map[int64]Gateway),
		health:   make(map[int64]Health),
		evms:     make(map[int64]*EVMGateway),
		breaker:  circuitbreaker.New(5, 30*time.Second),
		logger:   logger,
	}

	for chainID, cc := range cfg.Chains {
		family, ok := FamilyForChain(chainID)
		if !ok {
			logger.Warn("skipping unknown chain in config", "chain_id", chainID)
			continue
		}

		var gw Gateway
		var degraded error
		switch family {
		case FamilyEVM:
			evm := NewEVM(EVMConfig{
				ChainID:       chainID,
				RPCURL:        cc.RPCURL,
				EscrowFactory: cc.EscrowFactory,
				OperatorKey:   cc.CustodianKey,
				KeySecret:     keySecret,
			})
			gw, degraded = evm, evm.Degraded()
			r.evms[chainID] = evm
		case FamilyBitcoin:
			btc := NewBitcoin(BitcoinConfig{
				Host:      cc.RPCURL,
				KeySecret: keySecret,
			})
			gw, degraded = btc, btc.Degraded()
		case FamilyTron:
			trx := NewTron(TronConfig{RPCURL: cc.RPCURL, KeySecret: keySecret})
			gw, degraded = trx, trx.Degraded()
		case FamilySolana:
			sol := NewSolana(SolanaConfig{RPCURL: cc.RPCURL, KeySecret: keySecret})
			gw, degraded = sol, sol.Degraded()
		}

		h := Health{ChainID: chainID, Family: family, Healthy: degraded == nil}
		if degraded != nil {
			h.Degraded = degraded.Error()
			logger.Warn("chain gateway degraded at startup",
				"chain_id", chainID, "family", family, "reason", degraded)
		} else {
			logger.Info("chain gateway ready", "chain_id", chainID, "family", family)
		}

		r.gateways[chainID] = &breakerGateway{inner: gw, breaker: r.breaker, key: fmt.Sprintf("chain_%d", chainID)}
		r.health[chainID] = h
	}

	return r
}

// Gateway returns the gateway for a chain.
func (r *Registry) Gateway(chainID int64) (Gateway, error) {
	gw, ok := r.gateways[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: chain %d not configured", ErrUnsupportedChain, chainID)
	}
	return gw, nil
}

// Health returns the typed status for every registered chain.
func (r *Registry) Health() []Health {
	out := make([]Health, 0, len(r.health))
	for _, h := range r.health {
		out = append(out, h)
	}
	return out
}

// Supports reports whether the chain is registered at all.
func (r *Registry) Supports(chainID int64) bool {
	_, ok := r.gateways[chainID]
	return ok
}

// FundingHub builds one funding watcher per token contract on every healthy
// EVM chain, from the same token table the escrow orchestrator settles
// against. Non-EVM chains have no log subscription and are covered by the
// monitor's deadline sweep alone.
func (r *Registry) FundingHub(handler FundingHandler) *FundingHub {
	hub := &FundingHub{
		watchers: make(map[int64][]*FundingWatcher),
		logger:   r.logger,
	}
	for chainID, evm := range r.evms {
		if evm.Degraded() != nil {
			continue
		}
		for _, tok := range money.TokensForChain(chainID) {
			if tok.Contract == "" {
				continue // native coin, no Transfer logs
			}
			cfg := DefaultFundingConfig()
			cfg.ChainID = chainID
			cfg.Token = common.HexToAddress(tok.Contract)
			hub.watchers[chainID] = append(hub.watchers[chainID],
				NewFundingWatcher(evm.client, cfg, handler, r.logger))
		}
	}
	return hub
}

// breakerGateway wraps a gateway with the per-chain circuit breaker.
// Validation and wallet generation are local operations and bypass the
// breaker; everything that touches the RPC goes through it.
type breakerGateway struct {
	inner   Gateway
	breaker *circuitbreaker.Breaker
	key     string
}

var _ Gateway = (*breakerGateway)(nil)

func (b *breakerGateway) guard(fn func() error) error {
	if !b.breaker.Allow(b.key) {
		return fmt.Errorf("%w: circuit open for %s", ErrProviderUnavailable, b.key)
	}
	err := fn()
	var comm *CommError
	if err != nil && asCommError(err, &comm) {
		b.breaker.RecordFailure(b.key)
		metrics.ChainRPCTotal.WithLabelValues(b.key, "error").Inc()
	} else {
		b.breaker.RecordSuccess(b.key)
		metrics.ChainRPCTotal.WithLabelValues(b.key, "ok").Inc()
	}
	return err
}

func (b *breakerGateway) ChainID() int64 { return b.inner.ChainID() }

func (b *breakerGateway) ValidateAddress(address string) bool {
	return b.inner.ValidateAddress(address)
}

func (b *breakerGateway) GenerateWallet(ctx context.Context) (*Wallet, error) {
	return b.inner.GenerateWallet(ctx)
}

func (b *breakerGateway) Balance(ctx context.Context, address string) (out *big.Int, err error) {
	err = b.guard(func() error {
		out, err = b.inner.Balance(ctx, address)
		return err
	})
	return out, err
}

func (b *breakerGateway) TokenBalance(ctx context.Context, token, address string) (out *big.Int, err error) {
	err = b.guard(func() error {
		out, err = b.inner.TokenBalance(ctx, token, address)
		return err
	})
	return out, err
}

func (b *breakerGateway) TransferNative(ctx context.Context, signerKey, to string, amount *big.Int) (tx string, err error) {
	err = b.guard(func() error {
		tx, err = b.inner.TransferNative(ctx, signerKey, to, amount)
		return err
	})
	return tx, err
}

func (b *breakerGateway) TransferToken(ctx context.Context, signerKey, token, to string, amount *big.Int) (tx string, err error) {
	err = b.guard(func() error {
		tx, err = b.inner.TransferToken(ctx, signerKey, token, to, amount)
		return err
	})
	return tx, err
}

func (b *breakerGateway) CreateEscrow(ctx context.Context, p EscrowParties) (addr string, err error) {
	err = b.guard(func() error {
		addr, err = b.inner.CreateEscrow(ctx, p)
		return err
	})
	return addr, err
}

func (b *breakerGateway) FundEscrow(ctx context.Context, escrowAddr, signerKey string, amount *big.Int) (tx string, err error) {
	err = b.guard(func() error {
		tx, err = b.inner.FundEscrow(ctx, escrowAddr, signerKey, amount)
		return err
	})
	return tx, err
}

func (b *breakerGateway) ReleaseEscrow(ctx context.Context, escrowAddr, signerKey string) (tx string, err error) {
	err = b.guard(func() error {
		tx, err = b.inner.ReleaseEscrow(ctx, escrowAddr, signerKey)
		return err
	})
	return tx, err
}

func (b *breakerGateway) RefundEscrow(ctx context.Context, escrowAddr, signerKey string) (tx string, err error) {
	err = b.guard(func() error {
		tx, err = b.inner.RefundEscrow(ctx, escrowAddr, signerKey)
		return err
	})
	return tx, err
}

func (b *breakerGateway) EscrowDetails(ctx context.Context, escrowAddr string) (out *EscrowDetails, err error) {
	err = b.guard(func() error {
		out, err = b.inner.EscrowDetails(ctx, escrowAddr)
		return err
	})
	return out, err
}

func (b *breakerGateway) WaitForTransaction(ctx context.Context, txHash string, confirmations uint64, timeout time.Duration) (out *Receipt, err error) {
	err = b.guard(func() error {
		out, err = b.inner.WaitForTransaction(ctx, txHash, confirmations, timeout)
		return err
	})
	return out, err
}

func asCommError(err error, target **CommError) bool {
	return errors.As(err, target)
}
