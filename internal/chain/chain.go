// Package chain provides per-chain gateways for wallet, transfer, and
// escrow contract operations.
//
// A Gateway wraps one chain's RPC endpoint. The Registry owns the closed
// set of gateways (EVM, Bitcoin, Tron, Solana families) and is built once
// at startup. A gateway whose provider could not be reached is kept in a
// degraded state: every call fails fast with ErrProviderUnavailable
// instead of crashing the process or silently returning zero values.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrProviderUnavailable = errors.New("chain: provider unavailable")
	ErrUnsupportedChain    = errors.New("chain: unsupported chain")
	ErrInvalidAddress      = errors.New("chain: invalid address")
	ErrInvalidAmount       = errors.New("chain: invalid amount")
	ErrTxNotFound          = errors.New("chain: transaction not found")
	ErrTxFailed            = errors.New("chain: transaction reverted")
	ErrEscrowWrongState    = errors.New("chain: escrow not in expected state")
	ErrConfirmTimeout      = errors.New("chain: confirmation wait timed out")
)

// CommError wraps an RPC communication failure with the operation and
// chain for logging. Provider error text stays inside Err and is never
// shown to end users.
type CommError struct {
	Op      string
	ChainID int64
	Err     error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("chain %d: %s failed: %v", e.ChainID, e.Op, e.Err)
}

func (e *CommError) Unwrap() error { return e.Err }

// EscrowState mirrors the on-chain escrow contract state machine.
type EscrowState uint8

const (
	EscrowAwaitingPayment EscrowState = 0
	EscrowFunded          EscrowState = 1
	EscrowCompleted       EscrowState = 2
	EscrowRefunded        EscrowState = 3
	EscrowDisputed        EscrowState = 4
)

// String returns the state name.
func (s EscrowState) String() string {
	switch s {
	case EscrowAwaitingPayment:
		return "AWAITING_PAYMENT"
	case EscrowFunded:
		return "FUNDED"
	case EscrowCompleted:
		return "COMPLETED"
	case EscrowRefunded:
		return "REFUNDED"
	case EscrowDisputed:
		return "DISPUTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the on-chain state admits no further
// transitions. DISPUTED is not terminal: the arbiter resolves it by
// releasing or refunding the contract.
func (s EscrowState) Terminal() bool {
	switch s {
	case EscrowCompleted, EscrowRefunded:
		return true
	}
	return false
}

// Wallet is a freshly generated custodial wallet. The private key is
// encrypted with the platform keystore secret before it leaves the gateway.
type Wallet struct {
	Address      string
	EncryptedKey string
}

// Receipt is the chain-agnostic result of a confirmed transaction.
type Receipt struct {
	TxHash        string
	Success       bool
	BlockNumber   uint64
	Confirmations uint64
	To            string
	Amount        *big.Int
}

// EscrowDetails is the observed on-chain state of an escrow contract.
type EscrowDetails struct {
	State  EscrowState
	Buyer  string
	Seller string
	Amount *big.Int
}

// EscrowParties identifies the participants of a new escrow.
type EscrowParties struct {
	Buyer   string
	Seller  string
	Arbiter string
	Amount  *big.Int
	Token   string // token contract, empty for native coin
}

// Gateway is the uniform per-chain adapter. Implementations wrap external
// RPCs and carry no business logic.
type Gateway interface {
	ChainID() int64

	GenerateWallet(ctx context.Context) (*Wallet, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	TokenBalance(ctx context.Context, token, address string) (*big.Int, error)

	TransferNative(ctx context.Context, signerKey, to string, amount *big.Int) (string, error)
	TransferToken(ctx context.Context, signerKey, token, to string, amount *big.Int) (string, error)

	CreateEscrow(ctx context.Context, p EscrowParties) (string, error)
	FundEscrow(ctx context.Context, escrowAddr, signerKey string, amount *big.Int) (string, error)
	ReleaseEscrow(ctx context.Context, escrowAddr, signerKey string) (string, error)
	RefundEscrow(ctx context.Context, escrowAddr, signerKey string) (string, error)
	EscrowDetails(ctx context.Context, escrowAddr string) (*EscrowDetails, error)

	ValidateAddress(address string) bool

	// WaitForTransaction blocks until the transaction has the required
	// number of confirmations, the timeout elapses, or ctx is cancelled.
	// It does not retry RPC failures; those surface as *CommError.
	WaitForTransaction(ctx context.Context, txHash string, confirmations uint64, timeout time.Duration) (*Receipt, error)
}
