// Package ledger tracks custodial balances and reservation locks.
//
// Flow:
//  1. Users hold custodial balances per (user, token, chain)
//  2. Selling a payment link or bridging freezes part of that balance
//  3. Settlement consumes the frozen amount; cancellation releases it
//  4. Available balance = custodial balance - active reservations
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/paylock/paylock/internal/metrics"
	"github.com/paylock/paylock/internal/syncutil"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient available balance")
	ErrWalletNotFound      = errors.New("ledger: custodial wallet not found")
	ErrWalletLocked        = errors.New("ledger: custodial wallet locked")
	ErrReservationNotFound = errors.New("ledger: no active reservation")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
)

// WalletStatus is the custodial wallet lifecycle state.
type WalletStatus string

const (
	WalletActive WalletStatus = "ACTIVE"
	WalletLocked WalletStatus = "LOCKED"
)

// ReservationStatus is the reservation lifecycle state. A reservation is
// active (counts against the available balance) until RELEASED.
type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "RESERVED"
	ReservationFrozen   ReservationStatus = "FROZEN"
	ReservationReleased ReservationStatus = "RELEASED"
)

// CustodialWallet is one (user, token, chain) balance row. Amounts are
// integer strings in the token's smallest unit.
type CustodialWallet struct {
	UserID    string       `json:"userId"`
	Token     string       `json:"token"`
	ChainID   int64        `json:"chainId"`
	Balance   string       `json:"balance"`
	Status    WalletStatus `json:"status"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Reservation is a lock against a custodial balance. The idempotency key
// is (user, token, chain): freezing twice increments the existing row.
type Reservation struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Token     string            `json:"token"`
	ChainID   int64             `json:"chainId"`
	Amount    string            `json:"amount"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Entry is one history record for a custodial key.
type Entry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Token     string    `json:"token"`
	ChainID   int64     `json:"chainId"`
	Type      string    `json:"type"` // credit, debit, freeze, release, settle
	Amount    string    `json:"amount"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists wallets, reservations, and history. Balance mutations are
// atomic increments/decrements; callers never read-modify-write.
type Store interface {
	GetWallet(ctx context.Context, userID, token string, chainID int64) (*CustodialWallet, error)
	CreditWallet(ctx context.Context, userID, token string, chainID int64, amount, reference string) error
	DebitWallet(ctx context.Context, userID, token string, chainID int64, amount, reference string) error
	SetWalletStatus(ctx context.Context, userID, token string, chainID int64, status WalletStatus) error

	GetReservation(ctx context.Context, userID, token string, chainID int64) (*Reservation, error)
	UpsertReservation(ctx context.Context, userID, token string, chainID int64, amount string) (*Reservation, error)
	ReleaseReservation(ctx context.Context, userID, token string, chainID int64) (*Reservation, error)
	ActiveReserved(ctx context.Context, userID, token string, chainID int64) (string, error)

	History(ctx context.Context, userID, token string, chainID int64, limit int) ([]*Entry, error)
}

// Ledger serializes all mutations per (user, token, chain) key. The store
// additionally enforces non-negative balances, so even a store shared with
// another process cannot be overdrawn.
type Ledger struct {
	store Store
	locks *syncutil.ContextShardedMutex
}

// New creates a ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{
		store: store,
		locks: syncutil.NewContextShardedMutex(),
	}
}

func lockKey(userID, token string, chainID int64) string {
	return fmt.Sprintf("%s:%s:%d", strings.ToLower(userID), strings.ToUpper(token), chainID)
}

func parseAmount(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	return new(big.Int).SetString(s, 10)
}

// Freeze locks amount against the key's custodial balance and returns the
// reservation ID. Freezing an already-frozen key increments the existing
// reservation rather than creating a second row.
func (l *Ledger) Freeze(ctx context.Context, userID, token string, chainID int64, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", ErrInvalidAmount
	}

	unlock, err := l.locks.LockContext(ctx, lockKey(userID, token, chainID))
	if err != nil {
		return "", err
	}
	defer unlock()

	wallet, err := l.store.GetWallet(ctx, userID, token, chainID)
	if err != nil {
		return "", err
	}
	if wallet.Status == WalletLocked {
		return "", ErrWalletLocked
	}

	available, err := l.availableLocked(ctx, wallet, userID, token, chainID)
	if err != nil {
		return "", err
	}
	if available.Cmp(amount) < 0 {
		return "", fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, amount, available)
	}

	res, err := l.store.UpsertReservation(ctx, userID, token, chainID, amount.String())
	if err != nil {
		return "", err
	}
	metrics.ReservationsFrozenTotal.Inc()
	return res.ID, nil
}

// Release returns the key's frozen amount to the available balance.
func (l *Ledger) Release(ctx context.Context, userID, token string, chainID int64) error {
	unlock, err := l.locks.LockContext(ctx, lockKey(userID, token, chainID))
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := l.store.ReleaseReservation(ctx, userID, token, chainID); err != nil {
		return err
	}
	metrics.ReservationsReleasedTotal.Inc()
	return nil
}

// Settle consumes the key's active reservation: the frozen amount leaves
// the custodial balance and the reservation is released. Used when bridged
// or escrowed funds actually move on chain.
func (l *Ledger) Settle(ctx context.Context, userID, token string, chainID int64, reference string) error {
	unlock, err := l.locks.LockContext(ctx, lockKey(userID, token, chainID))
	if err != nil {
		return err
	}
	defer unlock()

	res, err := l.store.GetReservation(ctx, userID, token, chainID)
	if err != nil {
		return err
	}
	if res.Status == ReservationReleased {
		return ErrReservationNotFound
	}

	if err := l.store.DebitWallet(ctx, userID, token, chainID, res.Amount, reference); err != nil {
		return err
	}
	_, err = l.store.ReleaseReservation(ctx, userID, token, chainID)
	return err
}

// Credit adds funds to the key's custodial balance.
func (l *Ledger) Credit(ctx context.Context, userID, token string, chainID int64, amount *big.Int, reference string) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	unlock, err := l.locks.LockContext(ctx, lockKey(userID, token, chainID))
	if err != nil {
		return err
	}
	defer unlock()

	return l.store.CreditWallet(ctx, userID, token, chainID, amount.String(), reference)
}

// Debit removes unreserved funds from the key's custodial balance.
func (l *Ledger) Debit(ctx context.Context, userID, token string, chainID int64, amount *big.Int, reference string) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	unlock, err := l.locks.LockContext(ctx, lockKey(userID, token, chainID))
	if err != nil {
		return err
	}
	defer unlock()

	wallet, err := l.store.GetWallet(ctx, userID, token, chainID)
	if err != nil {
		return err
	}
	available, err := l.availableLocked(ctx, wallet, userID, token, chainID)
	if err != nil {
		return err
	}
	if available.Cmp(amount) < 0 {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, amount, available)
	}

	return l.store.DebitWallet(ctx, userID, token, chainID, amount.String(), reference)
}

// Available returns custodial balance minus active reservations.
func (l *Ledger) Available(ctx context.Context, userID, token string, chainID int64) (*big.Int, error) {
	wallet, err := l.store.GetWallet(ctx, userID, token, chainID)
	if err != nil {
		return nil, err
	}
	return l.availableLocked(ctx, wallet, userID, token, chainID)
}

func (l *Ledger) availableLocked(ctx context.Context, wallet *CustodialWallet, userID, token string, chainID int64) (*big.Int, error) {
	balance, ok := parseAmount(wallet.Balance)
	if !ok {
		return nil, fmt.Errorf("ledger: corrupt balance %q for %s", wallet.Balance, lockKey(userID, token, chainID))
	}
	reservedStr, err := l.store.ActiveReserved(ctx, userID, token, chainID)
	if err != nil {
		return nil, err
	}
	reserved, ok := parseAmount(reservedStr)
	if !ok {
		return nil, fmt.Errorf("ledger: corrupt reservation sum %q for %s", reservedStr, lockKey(userID, token, chainID))
	}
	return new(big.Int).Sub(balance, reserved), nil
}

// Reservation returns the key's reservation row, released or not.
func (l *Ledger) Reservation(ctx context.Context, userID, token string, chainID int64) (*Reservation, error) {
	return l.store.GetReservation(ctx, userID, token, chainID)
}

// Wallet returns the key's custodial wallet row.
func (l *Ledger) Wallet(ctx context.Context, userID, token string, chainID int64) (*CustodialWallet, error) {
	return l.store.GetWallet(ctx, userID, token, chainID)
}

// LockWallet freezes the whole wallet; Freeze calls fail until unlocked.
func (l *Ledger) LockWallet(ctx context.Context, userID, token string, chainID int64) error {
	return l.store.SetWalletStatus(ctx, userID, token, chainID, WalletLocked)
}

// UnlockWallet reactivates a locked wallet.
func (l *Ledger) UnlockWallet(ctx context.Context, userID, token string, chainID int64) error {
	return l.store.SetWalletStatus(ctx, userID, token, chainID, WalletActive)
}

// History returns recent entries for the key.
func (l *Ledger) History(ctx context.Context, userID, token string, chainID int64, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, userID, token, chainID, limit)
}
