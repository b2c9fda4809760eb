package escrow

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	links map[string]*PaymentLink
	txs   map[string]*Transaction
	order []string
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		links: make(map[string]*PaymentLink),
		txs:   make(map[string]*Transaction),
	}
}

func (m *MemoryStore) CreateLink(ctx context.Context, link *PaymentLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *link
	m.links[link.ID] = &cp
	return nil
}

func (m *MemoryStore) GetLink(ctx context.Context, id string) (*PaymentLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	link, ok := m.links[id]
	if !ok {
		return nil, ErrLinkNotFound
	}
	cp := *link
	return &cp, nil
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.ID] = copyTransaction(tx)
	m.order = append(m.order, tx.ID)
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTransaction(tx), nil
}

func (m *MemoryStore) UpdateTransaction(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.ID]; !ok {
		return ErrTransactionNotFound
	}
	m.txs[tx.ID] = copyTransaction(tx)
	return nil
}

func (m *MemoryStore) ListByLink(ctx context.Context, linkID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Transaction, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		tx := m.txs[m.order[i]]
		if tx.LinkID == linkID {
			out = append(out, copyTransaction(tx))
		}
	}
	return out, nil
}

// copyTransaction deep-copies the payload pointers so callers cannot
// mutate stored state through a returned transaction.
func copyTransaction(tx *Transaction) *Transaction {
	cp := *tx
	if tx.Crypto != nil {
		c := *tx.Crypto
		cp.Crypto = &c
	}
	if tx.Service != nil {
		s := *tx.Service
		cp.Service = &s
	}
	if tx.CompletedAt != nil {
		t := *tx.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
