// Package monitor is the escrow watchdog. It never mutates transaction
// state: a fired deadline only raises notifications and, for completion
// timeouts, queues the case for arbiter review.
//
// Deadlines are durable rows, not in-process timers. A sweep loop polls
// for due rows, so pending deadlines survive a restart without any
// re-arming beyond starting the loop.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/paylock/paylock/internal/chain"
	"github.com/paylock/paylock/internal/escrow"
	"github.com/paylock/paylock/internal/idgen"
	"github.com/paylock/paylock/internal/metrics"
	"github.com/paylock/paylock/internal/notify"
)

var ErrDeadlineNotFound = errors.New("monitor: deadline not found")

// Kind discriminates the two watchdog checks.
type Kind string

const (
	PaymentTimeout    Kind = "PAYMENT_TIMEOUT"
	CompletionTimeout Kind = "COMPLETION_TIMEOUT"
)

// DeadlineStatus is the lifecycle of a scheduled check.
type DeadlineStatus string

const (
	DeadlinePending   DeadlineStatus = "PENDING"
	DeadlineFired     DeadlineStatus = "FIRED"
	DeadlineCancelled DeadlineStatus = "CANCELLED"
)

// Deadline is one durable scheduled check against an escrow.
type Deadline struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"transactionId"`
	EscrowAddress string         `json:"escrowAddress"`
	ChainID       int64          `json:"chainId"`
	Kind          Kind           `json:"kind"`
	DueAt         time.Time      `json:"dueAt"`
	Status        DeadlineStatus `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
	FiredAt       *time.Time     `json:"firedAt,omitempty"`
}

// Store persists deadlines.
type Store interface {
	Create(ctx context.Context, d *Deadline) error
	ListDue(ctx context.Context, before time.Time, limit int) ([]*Deadline, error)
	SetStatus(ctx context.Context, id string, status DeadlineStatus, firedAt *time.Time) error
	CancelByTransaction(ctx context.Context, transactionID string) error
	CountPending(ctx context.Context) (int, error)
	ListFired(ctx context.Context, kind Kind, limit int) ([]*Deadline, error)
}

// DefaultSweepInterval is how often due deadlines are checked.
const DefaultSweepInterval = 30 * time.Second

// Monitor owns the sweep loop.
type Monitor struct {
	store             Store
	txs               escrow.Store
	chains            escrow.GatewayResolver
	notifier          notify.Gateway
	arbiterID         string
	paymentTimeout    time.Duration
	completionTimeout time.Duration
	interval          time.Duration
	logger            *slog.Logger
	stop              chan struct{}
	running           atomic.Bool
}

// New creates the monitor.
func New(store Store, txs escrow.Store, chains escrow.GatewayResolver, notifier notify.Gateway, arbiterID string, paymentTimeout, completionTimeout time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:             store,
		txs:               txs,
		chains:            chains,
		notifier:          notifier,
		arbiterID:         arbiterID,
		paymentTimeout:    paymentTimeout,
		completionTimeout: completionTimeout,
		interval:          DefaultSweepInterval,
		logger:            logger,
		stop:              make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval (tests).
func (m *Monitor) WithInterval(d time.Duration) *Monitor {
	m.interval = d
	return m
}

// Arm schedules both watchdog checks for a newly created escrow.
func (m *Monitor) Arm(ctx context.Context, transactionID, escrowAddress string, chainID int64) error {
	now := time.Now()
	for _, spec := range []struct {
		kind Kind
		due  time.Time
	}{
		{PaymentTimeout, now.Add(m.paymentTimeout)},
		{CompletionTimeout, now.Add(m.completionTimeout)},
	} {
		d := &Deadline{
			ID:            idgen.WithPrefix("ddl"),
			TransactionID: transactionID,
			EscrowAddress: escrowAddress,
			ChainID:       chainID,
			Kind:          spec.kind,
			DueAt:         spec.due,
			Status:        DeadlinePending,
			CreatedAt:     now,
		}
		if err := m.store.Create(ctx, d); err != nil {
			return fmt.Errorf("persist %s deadline: %w", spec.kind, err)
		}
	}
	return nil
}

// Cancel drops all pending deadlines for a transaction. Called when the
// transaction reaches a terminal state so stale checks never fire.
func (m *Monitor) Cancel(ctx context.Context, transactionID string) error {
	return m.store.CancelByTransaction(ctx, transactionID)
}

// Rearm verifies the deadline store on startup and reports how many
// pending deadlines the sweep loop inherits. Durable rows need no
// per-timer reconstruction.
func (m *Monitor) Rearm(ctx context.Context) error {
	n, err := m.store.CountPending(ctx)
	if err != nil {
		return fmt.Errorf("count pending deadlines: %w", err)
	}
	m.logger.Info("escrow monitor re-armed", "pending_deadlines", n)
	return nil
}

// ReviewQueue returns fired completion timeouts awaiting the arbiter.
func (m *Monitor) ReviewQueue(ctx context.Context, limit int) ([]*Deadline, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.store.ListFired(ctx, CompletionTimeout, limit)
}

// Running reports whether the sweep loop is active.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeSweep(ctx)
		}
	}
}

// Stop signals the sweep loop to stop.
func (m *Monitor) Stop() {
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

func (m *Monitor) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in monitor sweep", "panic", fmt.Sprint(r))
		}
	}()
	m.Sweep(ctx)
}

// Sweep fires every due deadline once. Exported so tests and operators
// can force a pass without waiting for the ticker.
func (m *Monitor) Sweep(ctx context.Context) {
	due, err := m.store.ListDue(ctx, time.Now(), 100)
	if err != nil {
		m.logger.Warn("failed to list due deadlines", "error", err)
		return
	}

	for _, d := range due {
		if err := m.check(ctx, d); err != nil {
			// Left PENDING; the next sweep retries.
			m.logger.Warn("deadline check failed",
				"deadline_id", d.ID, "transaction_id", d.TransactionID, "error", err)
		}
	}
}

func (m *Monitor) check(ctx context.Context, d *Deadline) error {
	tx, err := m.txs.GetTransaction(ctx, d.TransactionID)
	if err != nil {
		return err
	}

	// A transaction that already settled or entered arbitration makes the
	// check moot.
	if tx.Status.IsTerminal() || tx.Status == escrow.StatusDisputed {
		return m.store.SetStatus(ctx, d.ID, DeadlineCancelled, nil)
	}

	gw, err := m.chains.Gateway(d.ChainID)
	if err != nil {
		return err
	}
	details, err := gw.EscrowDetails(ctx, d.EscrowAddress)
	if err != nil {
		return err
	}

	switch d.Kind {
	case PaymentTimeout:
		if details.State != chain.EscrowAwaitingPayment {
			return m.store.SetStatus(ctx, d.ID, DeadlineCancelled, nil)
		}
		// Payment never arrived: both parties hear about it, nothing is
		// cancelled automatically.
		m.sendEvent(ctx, []string{tx.BuyerID, tx.SellerID}, "Payment window expired", tx, "monitor.payment_timeout")
	case CompletionTimeout:
		if details.State != chain.EscrowFunded {
			return m.store.SetStatus(ctx, d.ID, DeadlineCancelled, nil)
		}
		// Funds stuck: the arbiter reviews manually. The FIRED row is the
		// review-queue entry.
		m.sendEvent(ctx, []string{m.arbiterID}, "Escrow stuck, review required", tx, "monitor.completion_timeout")
	default:
		m.logger.Error("unknown deadline kind", "deadline_id", d.ID, "kind", d.Kind)
		return m.store.SetStatus(ctx, d.ID, DeadlineCancelled, nil)
	}

	metrics.MonitorDeadlinesFiredTotal.WithLabelValues(string(d.Kind)).Inc()
	now := time.Now()
	return m.store.SetStatus(ctx, d.ID, DeadlineFired, &now)
}

func (m *Monitor) sendEvent(ctx context.Context, recipients []string, subject string, tx *escrow.Transaction, kind string) {
	if m.notifier == nil {
		return
	}
	err := m.notifier.Send(ctx, recipients, subject, notify.Event{
		Kind:          kind,
		TransactionID: tx.ID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Status:        string(tx.Status),
		OccurredAt:    time.Now(),
	})
	if err != nil {
		m.logger.Warn("notification send failed", "transaction_id", tx.ID, "kind", kind, "error", err)
	}
}
