// Package dispute implements arbiter-mediated resolution of escrowed
// transactions.
//
// A dispute is opened by either party while funds are still held, and is
// resolved by the single configured arbiter: resolving for the buyer
// refunds the escrow contract, resolving for the seller releases it.
// Exactly one chain call is made per resolution.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paylock/paylock/internal/escrow"
	"github.com/paylock/paylock/internal/idgen"
	"github.com/paylock/paylock/internal/metrics"
	"github.com/paylock/paylock/internal/notify"
)

var (
	ErrDisputeNotFound = errors.New("dispute: not found")
	ErrAlreadyOpen     = errors.New("dispute: transaction already has an open dispute")
	ErrAlreadyResolved = errors.New("dispute: already resolved")
	ErrNotArbiter      = errors.New("dispute: caller is not the configured arbiter")
	ErrClosed          = errors.New("dispute: dispute is closed")
)

// Status is the lifecycle state of a dispute.
type Status string

const (
	StatusOpened            Status = "OPENED"
	StatusResolvedForBuyer  Status = "RESOLVED_FOR_BUYER"
	StatusResolvedForSeller Status = "RESOLVED_FOR_SELLER"
	StatusClosed            Status = "CLOSED"
)

// Resolution says which party the arbiter ruled for.
type Resolution string

const (
	ResolveForBuyer  Resolution = "BUYER"
	ResolveForSeller Resolution = "SELLER"
)

// Dispute is one arbitration case against a transaction.
type Dispute struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transactionId"`
	InitiatorID   string     `json:"initiatorId"`
	Reason        string     `json:"reason"`
	Evidence      string     `json:"evidence,omitempty"`
	Status        Status     `json:"status"`
	Resolution    Resolution `json:"resolution,omitempty"`
	ArbiterID     string     `json:"arbiterId,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	GetByTransaction(ctx context.Context, transactionID string) (*Dispute, error)
	ListOpen(ctx context.Context, limit int) ([]*Dispute, error)
}

// Service implements dispute business logic. Transactions are read and
// transitioned through the escrow store; the chain calls go through the
// same gateway resolver the orchestrator uses.
type Service struct {
	store       Store
	txStore     escrow.Store
	chains      escrow.GatewayResolver
	ledger      escrow.LedgerService
	notifier    notify.Gateway
	arbiterID   string
	arbiterAddr string
	arbiterKey  string
	logger      *slog.Logger
	locks       sync.Map // per-dispute ID locks
}

// New creates the dispute service.
func New(store Store, txStore escrow.Store, chains escrow.GatewayResolver, arbiterID, arbiterAddr, arbiterKey string, notifier notify.Gateway, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		txStore:     txStore,
		chains:      chains,
		notifier:    notifier,
		arbiterID:   arbiterID,
		arbiterAddr: arbiterAddr,
		arbiterKey:  arbiterKey,
		logger:      logger,
	}
}

// WithLedger attaches the reservation ledger so resolutions can return or
// consume frozen seller inventory.
func (s *Service) WithLedger(l escrow.LedgerService) *Service {
	s.ledger = l
	return s
}

func (s *Service) disputeLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// disputable reports whether a dispute can be opened from the given
// transaction state: funds held (PENDING with a funded escrow) or delivery
// awaiting sign-off. DISPUTED is accepted because the orchestrator
// transitions the transaction before delegating here.
func disputable(status escrow.Status) bool {
	switch status {
	case escrow.StatusPending, escrow.StatusPendingVerification, escrow.StatusDisputed:
		return true
	}
	return false
}

// Open opens a dispute against a transaction and notifies the arbiter and
// the counterparty.
func (s *Service) Open(ctx context.Context, transactionID, initiatorID, reason, evidence string) (*Dispute, error) {
	tx, err := s.txStore.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !disputable(tx.Status) {
		return nil, &escrow.StateConflictError{TransactionID: tx.ID, From: tx.Status, To: escrow.StatusDisputed}
	}

	if existing, err := s.store.GetByTransaction(ctx, transactionID); err == nil && existing.Status == StatusOpened {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, existing.ID)
	}

	now := time.Now()
	d := &Dispute{
		ID:            idgen.WithPrefix("dsp"),
		TransactionID: transactionID,
		InitiatorID:   initiatorID,
		Reason:        reason,
		Evidence:      evidence,
		Status:        StatusOpened,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("persist dispute: %w", err)
	}

	// Move the transaction to DISPUTED unless the orchestrator already did.
	if tx.Status != escrow.StatusDisputed {
		tx.Status = escrow.StatusDisputed
		tx.UpdatedAt = now
		if err := s.txStore.UpdateTransaction(ctx, tx); err != nil {
			s.logger.Error("failed to mark transaction disputed",
				"dispute_id", d.ID, "transaction_id", tx.ID, "error", err)
		}
	}

	counterparty := tx.SellerID
	if initiatorID == tx.SellerID {
		counterparty = tx.BuyerID
	}
	s.sendEvent(ctx, []string{s.arbiterID, counterparty}, "Dispute opened", d, tx)

	return d, nil
}

// OpenDispute adapts Open to the orchestrator's DisputeOpener interface.
func (s *Service) OpenDispute(ctx context.Context, transactionID, initiatorID, reason, evidence string) (string, error) {
	d, err := s.Open(ctx, transactionID, initiatorID, reason, evidence)
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

// Resolve rules the dispute for one party. For the buyer the escrow
// contract is refunded; for the seller it is released. The call is signed
// by the configured arbiter key, and only the configured arbiter may
// resolve.
func (s *Service) Resolve(ctx context.Context, disputeID string, resolution Resolution, arbiterID, notes string) (*Dispute, error) {
	if resolution != ResolveForBuyer && resolution != ResolveForSeller {
		return nil, fmt.Errorf("dispute: invalid resolution %q", resolution)
	}
	if arbiterID != s.arbiterID {
		return nil, fmt.Errorf("%w: %q", ErrNotArbiter, arbiterID)
	}

	mu := s.disputeLock(disputeID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	switch d.Status {
	case StatusOpened:
	case StatusClosed:
		return nil, ErrClosed
	default:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, d.Status)
	}

	tx, err := s.txStore.GetTransaction(ctx, d.TransactionID)
	if err != nil {
		return nil, err
	}

	// Exactly one chain call. Service transactions carry no escrow
	// contract; their resolution is recorded without touching a chain.
	fundsMoved := false
	if tx.EscrowAddress != "" {
		gw, err := s.chains.Gateway(tx.ChainID)
		if err != nil {
			return nil, err
		}
		if resolution == ResolveForBuyer {
			if _, err := gw.RefundEscrow(ctx, tx.EscrowAddress, s.arbiterKey); err != nil {
				return nil, fmt.Errorf("refund escrow: %w", err)
			}
		} else {
			if _, err := gw.ReleaseEscrow(ctx, tx.EscrowAddress, s.arbiterKey); err != nil {
				return nil, fmt.Errorf("release escrow: %w", err)
			}
		}
		fundsMoved = true
	}

	now := time.Now()
	d.Resolution = resolution
	d.ArbiterID = arbiterID
	d.Notes = notes
	d.ResolvedAt = &now
	d.UpdatedAt = now

	txStatus := escrow.StatusResolvedForSeller
	if resolution == ResolveForBuyer {
		d.Status = StatusResolvedForBuyer
		txStatus = escrow.StatusResolvedForBuyer
	} else {
		d.Status = StatusResolvedForSeller
	}

	if err := s.store.Update(ctx, d); err != nil {
		if !fundsMoved {
			return nil, err
		}
		if retryErr := s.store.Update(ctx, d); retryErr != nil {
			s.logger.Error("CRITICAL: escrow resolved on-chain but dispute update failed",
				"dispute_id", d.ID, "transaction_id", tx.ID, "resolution", resolution, "error", retryErr)
			return nil, fmt.Errorf("update dispute after chain resolution (requires manual resolution): %w", err)
		}
	}

	metrics.DisputesTotal.WithLabelValues(string(resolution)).Inc()
	s.settleReservation(ctx, tx, resolution)

	if escrow.CanTransition(tx.Status, txStatus) {
		tx.Status = txStatus
		tx.UpdatedAt = now
		if err := s.txStore.UpdateTransaction(ctx, tx); err != nil {
			s.logger.Error("failed to update transaction after resolution",
				"dispute_id", d.ID, "transaction_id", tx.ID, "error", err)
		}
	}

	s.sendEvent(ctx, []string{tx.BuyerID, tx.SellerID}, "Dispute resolved", d, tx)
	return d, nil
}

// Close closes a resolved dispute and its transaction. Closed disputes
// cannot be reopened.
func (s *Service) Close(ctx context.Context, disputeID string) (*Dispute, error) {
	mu := s.disputeLock(disputeID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	switch d.Status {
	case StatusResolvedForBuyer, StatusResolvedForSeller:
	case StatusClosed:
		return nil, ErrClosed
	default:
		return nil, fmt.Errorf("dispute: cannot close %s dispute", d.Status)
	}

	d.Status = StatusClosed
	d.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	tx, err := s.txStore.GetTransaction(ctx, d.TransactionID)
	if err == nil && escrow.CanTransition(tx.Status, escrow.StatusClosed) {
		tx.Status = escrow.StatusClosed
		tx.UpdatedAt = d.UpdatedAt
		if err := s.txStore.UpdateTransaction(ctx, tx); err != nil {
			s.logger.Error("failed to close transaction",
				"dispute_id", d.ID, "transaction_id", tx.ID, "error", err)
		}
	}

	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListOpen returns open disputes awaiting the arbiter.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListOpen(ctx, limit)
}

// settleReservation returns frozen seller inventory after a buyer win and
// consumes it after a seller win. Failures leave the reservation frozen
// for manual reconciliation.
func (s *Service) settleReservation(ctx context.Context, tx *escrow.Transaction, resolution Resolution) {
	if s.ledger == nil || tx.Crypto == nil || tx.Crypto.ReservationID == "" {
		return
	}
	var err error
	if resolution == ResolveForBuyer {
		err = s.ledger.Release(ctx, tx.SellerID, tx.Currency, tx.ChainID)
	} else {
		err = s.ledger.Settle(ctx, tx.SellerID, tx.Currency, tx.ChainID, tx.ID)
	}
	if err != nil {
		s.logger.Error("failed to settle reservation after resolution",
			"transaction_id", tx.ID, "resolution", resolution, "error", err)
	}
}

func (s *Service) sendEvent(ctx context.Context, recipients []string, subject string, d *Dispute, tx *escrow.Transaction) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Send(ctx, recipients, subject, notify.Event{
		Kind:          "dispute." + string(d.Status),
		TransactionID: d.TransactionID,
		DisputeID:     d.ID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Status:        string(d.Status),
		OccurredAt:    time.Now(),
	})
	if err != nil {
		s.logger.Warn("notification send failed", "dispute_id", d.ID, "error", err)
	}
}
