package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	wallets      map[string]*CustodialWallet
	reservations map[string]*Reservation
	entries      []*Entry
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:      make(map[string]*CustodialWallet),
		reservations: make(map[string]*Reservation),
	}
}

func (m *MemoryStore) key(userID, token string, chainID int64) string {
	return lockKey(userID, token, chainID)
}

func (m *MemoryStore) GetWallet(ctx context.Context, userID, token string, chainID int64) (*CustodialWallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if w, ok := m.wallets[m.key(userID, token, chainID)]; ok {
		cp := *w
		return &cp, nil
	}
	return &CustodialWallet{
		UserID:    userID,
		Token:     token,
		ChainID:   chainID,
		Balance:   "0",
		Status:    WalletActive,
		UpdatedAt: time.Now(),
	}, nil
}

func (m *MemoryStore) walletLocked(userID, token string, chainID int64) *CustodialWallet {
	k := m.key(userID, token, chainID)
	w, ok := m.wallets[k]
	if !ok {
		w = &CustodialWallet{
			UserID:  userID,
			Token:   token,
			ChainID: chainID,
			Balance: "0",
			Status:  WalletActive,
		}
		m.wallets[k] = w
	}
	return w
}

func (m *MemoryStore) CreditWallet(ctx context.Context, userID, token string, chainID int64, amount, reference string) error {
	add, ok := parseAmount(amount)
	if !ok || add.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.walletLocked(userID, token, chainID)
	bal, _ := parseAmount(w.Balance)
	w.Balance = new(big.Int).Add(bal, add).String()
	w.UpdatedAt = time.Now()

	m.appendEntryLocked(userID, token, chainID, "credit", amount, reference)
	return nil
}

func (m *MemoryStore) DebitWallet(ctx context.Context, userID, token string, chainID int64, amount, reference string) error {
	sub, ok := parseAmount(amount)
	if !ok || sub.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[m.key(userID, token, chainID)]
	if !ok {
		return ErrWalletNotFound
	}
	bal, _ := parseAmount(w.Balance)
	next := new(big.Int).Sub(bal, sub)
	if next.Sign() < 0 {
		return fmt.Errorf("%w: balance %s, debit %s", ErrInsufficientBalance, bal, sub)
	}
	w.Balance = next.String()
	w.UpdatedAt = time.Now()

	m.appendEntryLocked(userID, token, chainID, "debit", amount, reference)
	return nil
}

func (m *MemoryStore) SetWalletStatus(ctx context.Context, userID, token string, chainID int64, status WalletStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.walletLocked(userID, token, chainID)
	w.Status = status
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetReservation(ctx context.Context, userID, token string, chainID int64) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reservations[m.key(userID, token, chainID)]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpsertReservation(ctx context.Context, userID, token string, chainID int64, amount string) (*Reservation, error) {
	add, ok := parseAmount(amount)
	if !ok || add.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.key(userID, token, chainID)
	r, ok := m.reservations[k]
	if !ok || r.Status == ReservationReleased {
		r = &Reservation{
			ID:        uuid.NewString(),
			UserID:    userID,
			Token:     token,
			ChainID:   chainID,
			Amount:    add.String(),
			Status:    ReservationFrozen,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		m.reservations[k] = r
	} else {
		cur, _ := parseAmount(r.Amount)
		r.Amount = new(big.Int).Add(cur, add).String()
		r.Status = ReservationFrozen
		r.UpdatedAt = time.Now()
	}

	m.appendEntryLocked(userID, token, chainID, "freeze", amount, r.ID)
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ReleaseReservation(ctx context.Context, userID, token string, chainID int64) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[m.key(userID, token, chainID)]
	if !ok || r.Status == ReservationReleased {
		return nil, ErrReservationNotFound
	}
	r.Status = ReservationReleased
	r.UpdatedAt = time.Now()

	m.appendEntryLocked(userID, token, chainID, "release", r.Amount, r.ID)
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ActiveReserved(ctx context.Context, userID, token string, chainID int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reservations[m.key(userID, token, chainID)]
	if !ok || r.Status == ReservationReleased {
		return "0", nil
	}
	return r.Amount, nil
}

func (m *MemoryStore) History(ctx context.Context, userID, token string, chainID int64, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k := m.key(userID, token, chainID)
	out := make([]*Entry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.entries[i]
		if m.key(e.UserID, e.Token, e.ChainID) == k {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) appendEntryLocked(userID, token string, chainID int64, entryType, amount, reference string) {
	m.entries = append(m.entries, &Entry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     token,
		ChainID:   chainID,
		Type:      entryType,
		Amount:    amount,
		Reference: reference,
		CreatedAt: time.Now(),
	})
}
