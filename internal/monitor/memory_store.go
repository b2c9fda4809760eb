package monitor

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory deadline store for demo/development mode.
// Deadlines here do not survive a restart; production uses PostgresStore.
type MemoryStore struct {
	deadlines map[string]*Deadline
	order     []string
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory deadline store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deadlines: make(map[string]*Deadline)}
}

func (m *MemoryStore) Create(ctx context.Context, d *Deadline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deadlines[d.ID] = &cp
	m.order = append(m.order, d.ID)
	return nil
}

func (m *MemoryStore) ListDue(ctx context.Context, before time.Time, limit int) ([]*Deadline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Deadline, 0, limit)
	for _, id := range m.order {
		d := m.deadlines[id]
		if d.Status == DeadlinePending && d.DueAt.Before(before) {
			cp := *d
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, status DeadlineStatus, firedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deadlines[id]
	if !ok {
		return ErrDeadlineNotFound
	}
	d.Status = status
	if firedAt != nil {
		t := *firedAt
		d.FiredAt = &t
	}
	return nil
}

func (m *MemoryStore) CancelByTransaction(ctx context.Context, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deadlines {
		if d.TransactionID == transactionID && d.Status == DeadlinePending {
			d.Status = DeadlineCancelled
		}
	}
	return nil
}

func (m *MemoryStore) CountPending(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, d := range m.deadlines {
		if d.Status == DeadlinePending {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListFired(ctx context.Context, kind Kind, limit int) ([]*Deadline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Deadline, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		d := m.deadlines[m.order[i]]
		if d.Kind == kind && d.Status == DeadlineFired {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
