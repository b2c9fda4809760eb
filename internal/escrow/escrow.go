// Package escrow drives a payment-link transaction through its lifecycle.
//
// Flow:
//  1. Buyer opens a payment link → InitiateTransaction
//  2. Crypto links: escrow contract deployed, buyer funds it on-chain
//  3. ValidateTransaction checks the funding receipt and releases on full payment
//  4. Service links: seller marks delivered, buyer signs off via VerifyServiceDelivery
//  5. Rejection opens a dispute; the arbiter resolves it out of band
//
// The state machine is forward-only: PENDING → PENDING_VERIFICATION →
// COMPLETED | DISPUTED → RESOLVED_FOR_BUYER/SELLER → CLOSED. Any other
// transition is a StateConflictError and mutates nothing.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/paylock/paylock/internal/chain"
	"github.com/paylock/paylock/internal/idgen"
	"github.com/paylock/paylock/internal/metrics"
	"github.com/paylock/paylock/internal/money"
	"github.com/paylock/paylock/internal/notify"
)

var (
	ErrTransactionNotFound = errors.New("escrow: transaction not found")
	ErrLinkNotFound        = errors.New("escrow: payment link not found")
	ErrLinkInactive        = errors.New("escrow: payment link is not active")
	ErrInvalidAmount       = errors.New("escrow: invalid amount")
	ErrInvalidAddress      = errors.New("escrow: invalid buyer wallet address")
	ErrUnsupportedToken    = errors.New("escrow: token not supported on chain")
	ErrWrongPaymentMethod  = errors.New("escrow: operation not valid for this payment method")
	ErrRecipientMismatch   = errors.New("escrow: transaction recipient is not the escrow address")
)

// StateConflictError reports an attempted backward or otherwise illegal
// status transition. The transaction is left unchanged.
type StateConflictError struct {
	TransactionID string
	From          Status
	To            Status
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("escrow: transaction %s cannot move %s -> %s", e.TransactionID, e.From, e.To)
}

// Status is the lifecycle state of a Transaction.
type Status string

const (
	StatusPending             Status = "PENDING"
	StatusPendingVerification Status = "PENDING_VERIFICATION"
	StatusCompleted           Status = "COMPLETED"
	StatusDisputed            Status = "DISPUTED"
	StatusResolvedForBuyer    Status = "RESOLVED_FOR_BUYER"
	StatusResolvedForSeller   Status = "RESOLVED_FOR_SELLER"
	StatusClosed              Status = "CLOSED"
)

// transitions is the closed forward-only transition table.
var transitions = map[Status][]Status{
	StatusPending:             {StatusPendingVerification, StatusCompleted, StatusDisputed},
	StatusPendingVerification: {StatusCompleted, StatusDisputed},
	StatusDisputed:            {StatusResolvedForBuyer, StatusResolvedForSeller},
	StatusResolvedForBuyer:    {StatusClosed},
	StatusResolvedForSeller:   {StatusClosed},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// LinkType says which side of the trade created the link.
type LinkType string

const (
	LinkBuying  LinkType = "BUYING"
	LinkSelling LinkType = "SELLING"
)

// TransactionType discriminates the payload variant of a transaction.
type TransactionType string

const (
	TypeCryptocurrency TransactionType = "CRYPTOCURRENCY"
	TypeServices       TransactionType = "SERVICES"
)

// LinkStatus is the lifecycle state of a PaymentLink.
type LinkStatus string

const (
	LinkActive   LinkStatus = "ACTIVE"
	LinkInactive LinkStatus = "INACTIVE"
)

// EscrowConditions carries per-link overrides for escrow behavior.
type EscrowConditions struct {
	TimeoutPeriod time.Duration `json:"timeoutPeriod,omitempty"`
}

// PaymentLink is created by the link-management collaborator and consumed
// read-only here.
type PaymentLink struct {
	ID                 string           `json:"id"`
	Type               LinkType         `json:"type"`
	TransactionType    TransactionType  `json:"transactionType"`
	SellerID           string           `json:"sellerId"`
	SellerAddress      string           `json:"sellerAddress,omitempty"`
	DefaultAmount      string           `json:"defaultAmount,omitempty"`
	Currency           string           `json:"currency"`
	ChainID            int64            `json:"chainId,omitempty"`
	VerificationMethod string           `json:"verificationMethod,omitempty"`
	EscrowConditions   EscrowConditions `json:"escrowConditions"`
	Status             LinkStatus       `json:"status"`
	CreatedAt          time.Time        `json:"createdAt"`
}

// CryptoDetails is the payload for cryptocurrency transactions.
type CryptoDetails struct {
	BuyerAddress  string `json:"buyerAddress"`
	TokenSymbol   string `json:"tokenSymbol"`
	ReservationID string `json:"reservationId,omitempty"`
	FundingTxHash string `json:"fundingTxHash,omitempty"`
}

// ServiceDetails is the payload for service transactions.
type ServiceDetails struct {
	Description string `json:"description,omitempty"`
	Feedback    string `json:"feedback,omitempty"`
}

// Verification states recorded on a transaction without moving its status.
const (
	VerificationNone      = ""
	VerificationUnderpaid = "UNDERPAID"
	VerificationVerified  = "VERIFIED"
)

// Transaction is one payment-link checkout. Exactly one of Crypto or
// Service is set, matching PaymentMethod. EscrowAddress is immutable once
// assigned.
type Transaction struct {
	ID                string          `json:"id"`
	LinkID            string          `json:"linkId"`
	BuyerID           string          `json:"buyerId"`
	SellerID          string          `json:"sellerId"`
	Amount            string          `json:"amount"` // base units, decimal integer string
	Currency          string          `json:"currency"`
	Status            Status          `json:"status"`
	EscrowAddress     string          `json:"escrowAddress,omitempty"`
	ChainID           int64           `json:"chainId,omitempty"`
	TokenAddress      string          `json:"tokenAddress,omitempty"`
	PaymentMethod     TransactionType `json:"paymentMethod"`
	VerificationState string          `json:"verificationState,omitempty"`
	BuyerConfirmed    bool            `json:"buyerConfirmed"`
	SellerConfirmed   bool            `json:"sellerConfirmed"`
	Crypto            *CryptoDetails  `json:"crypto,omitempty"`
	Service           *ServiceDetails `json:"service,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
}

// transitionTo applies a status change or fails with StateConflictError.
func (t *Transaction) transitionTo(to Status) error {
	if !CanTransition(t.Status, to) {
		return &StateConflictError{TransactionID: t.ID, From: t.Status, To: to}
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	return nil
}

// Store persists payment links and transactions.
type Store interface {
	CreateLink(ctx context.Context, link *PaymentLink) error
	GetLink(ctx context.Context, id string) (*PaymentLink, error)

	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, tx *Transaction) error
	ListByLink(ctx context.Context, linkID string, limit int) ([]*Transaction, error)
}

// LedgerService abstracts the reservation ledger so the orchestrator can be
// tested without a real ledger behind it.
type LedgerService interface {
	Freeze(ctx context.Context, userID, token string, chainID int64, amount *big.Int) (string, error)
	Release(ctx context.Context, userID, token string, chainID int64) error
	Settle(ctx context.Context, userID, token string, chainID int64, reference string) error
}

// GatewayResolver hands out the per-chain gateway.
type GatewayResolver interface {
	Gateway(chainID int64) (chain.Gateway, error)
}

// MonitorService arms the escrow watchdog for a new transaction and cancels
// it when the transaction settles.
type MonitorService interface {
	Arm(ctx context.Context, transactionID, escrowAddress string, chainID int64) error
	Cancel(ctx context.Context, transactionID string) error
}

// DisputeOpener opens a dispute when a buyer rejects delivery.
type DisputeOpener interface {
	OpenDispute(ctx context.Context, transactionID, initiatorID, reason, evidence string) (string, error)
}

// FundingTracker watches escrow addresses for incoming deposits. Escrows
// are watched from initiation until they settle.
type FundingTracker interface {
	Watch(chainID int64, escrowAddr string)
	Unwatch(chainID int64, escrowAddr string)
}

// ConfirmTracker runs confirmation waits as cancellable background tasks.
// Outcomes arrive on the channel drained by HandleConfirmResults, so no
// request path blocks on receipt polling.
type ConfirmTracker interface {
	Track(chainID int64, txHash string, confirmations uint64, timeout time.Duration) error
}

// ReceiptWaitTimeout bounds how long ValidateTransaction waits for the
// funding transaction to confirm before telling the caller to retry.
const ReceiptWaitTimeout = 2 * time.Minute

// InitiateRequest contains the parameters for starting a transaction.
type InitiateRequest struct {
	LinkID             string `json:"linkId" binding:"required"`
	BuyerID            string `json:"buyerId" binding:"required"`
	Amount             string `json:"amount"` // decimal string, falls back to link default
	Currency           string `json:"currency"`
	BuyerWalletAddress string `json:"buyerWalletAddress"`
}

// Orchestrator implements the transaction state machine.
type Orchestrator struct {
	store         Store
	ledger        LedgerService
	chains        GatewayResolver
	monitor       MonitorService
	disputes      DisputeOpener
	funding       FundingTracker
	confirms      ConfirmTracker
	notifier      notify.Gateway
	arbiterAddr   string
	arbiterKey    string
	confirmations map[string]uint64
	logger        *slog.Logger
	locks         sync.Map // per-transaction ID locks

	// watchedEscrows maps chainID:escrowAddr to the open transaction ID so
	// funding watcher events find their transaction. pendingFunding maps
	// chainID:txHash to the transaction awaiting background validation.
	// Both live as long as the watchers' own watch sets do.
	watchedEscrows sync.Map
	pendingFunding sync.Map
}

// New creates the orchestrator. Monitor and dispute integration are wired
// with the With* builders because they depend on this package.
func New(store Store, chains GatewayResolver, lsvc LedgerService, arbiterAddr, arbiterKey string, notifier notify.Gateway, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:       store,
		ledger:      lsvc,
		chains:      chains,
		notifier:    notifier,
		arbiterAddr: arbiterAddr,
		arbiterKey:  arbiterKey,
		logger:      logger,
	}
}

// WithMonitor attaches the escrow watchdog.
func (o *Orchestrator) WithMonitor(m MonitorService) *Orchestrator {
	o.monitor = m
	return o
}

// WithDisputes attaches the dispute resolver.
func (o *Orchestrator) WithDisputes(d DisputeOpener) *Orchestrator {
	o.disputes = d
	return o
}

// WithConfirmations overrides the per-symbol confirmation table.
func (o *Orchestrator) WithConfirmations(overrides map[string]uint64) *Orchestrator {
	o.confirmations = overrides
	return o
}

// WithFundingTracker attaches the on-chain deposit watcher.
func (o *Orchestrator) WithFundingTracker(f FundingTracker) *Orchestrator {
	o.funding = f
	return o
}

// WithConfirmTracker attaches the background confirmation watcher.
func (o *Orchestrator) WithConfirmTracker(c ConfirmTracker) *Orchestrator {
	o.confirms = c
	return o
}

// txLock returns a mutex for the given transaction ID. Prevents concurrent
// state transitions (e.g. validate + dispute racing).
func (o *Orchestrator) txLock(id string) *sync.Mutex {
	v, _ := o.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// InitiateTransaction opens a transaction against an active payment link.
//
// Crypto links deploy an escrow contract before persisting; SELLING links
// freeze the seller's inventory first so concurrent buyers cannot oversell
// it. If escrow creation fails after the freeze, the freeze is released
// before the error surfaces.
func (o *Orchestrator) InitiateTransaction(ctx context.Context, req InitiateRequest) (*Transaction, error) {
	link, err := o.store.GetLink(ctx, req.LinkID)
	if err != nil {
		return nil, err
	}
	if link.Status != LinkActive {
		return nil, fmt.Errorf("%w: %s", ErrLinkInactive, link.ID)
	}

	amount := req.Amount
	if amount == "" {
		amount = link.DefaultAmount
	}
	currency := req.Currency
	if currency == "" {
		currency = link.Currency
	}

	switch link.TransactionType {
	case TypeCryptocurrency:
		return o.initiateCrypto(ctx, link, req.BuyerID, amount, currency, req.BuyerWalletAddress)
	case TypeServices:
		return o.initiateService(ctx, link, req.BuyerID, amount, currency)
	default:
		return nil, fmt.Errorf("escrow: unknown transaction type %q on link %s", link.TransactionType, link.ID)
	}
}

func (o *Orchestrator) initiateCrypto(ctx context.Context, link *PaymentLink, buyerID, amount, currency, buyerAddr string) (*Transaction, error) {
	token, ok := money.LookupToken(currency, link.ChainID)
	if !ok {
		return nil, fmt.Errorf("%w: %s on chain %d", ErrUnsupportedToken, currency, link.ChainID)
	}

	gw, err := o.chains.Gateway(link.ChainID)
	if err != nil {
		return nil, err
	}
	if buyerAddr == "" || !gw.ValidateAddress(buyerAddr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, buyerAddr)
	}

	amt, ok := money.Parse(amount, token.Decimals)
	if !ok || amt.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	// SELLING links lock the seller's inventory before any chain call so a
	// slow escrow deployment cannot let a second buyer reserve the same
	// balance.
	var reservationID string
	if link.Type == LinkSelling {
		reservationID, err = o.ledger.Freeze(ctx, link.SellerID, token.Symbol, link.ChainID, amt)
		if err != nil {
			return nil, fmt.Errorf("freeze seller inventory: %w", err)
		}
	}

	escrowAddr, err := gw.CreateEscrow(ctx, chain.EscrowParties{
		Buyer:   buyerAddr,
		Seller:  link.SellerAddress,
		Arbiter: o.arbiterAddr,
		Amount:  amt,
		Token:   token.Contract,
	})
	if err != nil {
		if reservationID != "" {
			if relErr := o.ledger.Release(ctx, link.SellerID, token.Symbol, link.ChainID); relErr != nil {
				metrics.CompensationFailuresTotal.Inc()
				o.logger.Error("compensating release failed after escrow creation error",
					"link_id", link.ID, "seller_id", link.SellerID, "error", relErr)
			}
		}
		return nil, fmt.Errorf("create escrow: %w", err)
	}

	now := time.Now()
	tx := &Transaction{
		ID:            idgen.WithPrefix("txn"),
		LinkID:        link.ID,
		BuyerID:       buyerID,
		SellerID:      link.SellerID,
		Amount:        amt.String(),
		Currency:      token.Symbol,
		Status:        StatusPending,
		EscrowAddress: escrowAddr,
		ChainID:       link.ChainID,
		TokenAddress:  token.Contract,
		PaymentMethod: TypeCryptocurrency,
		Crypto: &CryptoDetails{
			BuyerAddress:  buyerAddr,
			TokenSymbol:   token.Symbol,
			ReservationID: reservationID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := o.store.CreateTransaction(ctx, tx); err != nil {
		// Best-effort unwind: the contract is deployed but unfunded, so the
		// reservation is the only thing to give back.
		if reservationID != "" {
			_ = o.ledger.Release(ctx, link.SellerID, token.Symbol, link.ChainID)
		}
		return nil, fmt.Errorf("persist transaction: %w", err)
	}

	if o.monitor != nil {
		if err := o.monitor.Arm(ctx, tx.ID, escrowAddr, link.ChainID); err != nil {
			o.logger.Error("failed to arm escrow monitor", "transaction_id", tx.ID, "error", err)
		}
	}
	if o.funding != nil {
		o.watchedEscrows.Store(escrowKey(link.ChainID, escrowAddr), tx.ID)
		o.funding.Watch(link.ChainID, escrowAddr)
	}

	o.sendEvent(ctx, []string{tx.BuyerID, tx.SellerID}, "Transaction initiated", tx, "transaction.initiated")
	return tx, nil
}

func (o *Orchestrator) initiateService(ctx context.Context, link *PaymentLink, buyerID, amount, currency string) (*Transaction, error) {
	// Service amounts stay in the currency's display precision; capture
	// happens through the external payment-method collaborator.
	if amount == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	now := time.Now()
	tx := &Transaction{
		ID:            idgen.WithPrefix("txn"),
		LinkID:        link.ID,
		BuyerID:       buyerID,
		SellerID:      link.SellerID,
		Amount:        amount,
		Currency:      currency,
		Status:        StatusPending,
		PaymentMethod: TypeServices,
		Service:       &ServiceDetails{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := o.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("persist transaction: %w", err)
	}

	o.sendEvent(ctx, []string{tx.BuyerID, tx.SellerID}, "Transaction initiated", tx, "transaction.initiated")
	return tx, nil
}

// ValidateTransaction verifies the buyer's funding transaction against the
// escrow contract. Full payment releases the escrow and completes the
// transaction; a short payment is flagged as underpaid and the transaction
// stays PENDING with nothing released.
func (o *Orchestrator) ValidateTransaction(ctx context.Context, txID, txHash string) (*Transaction, error) {
	mu := o.txLock(txID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := o.pendingCrypto(ctx, txID)
	if err != nil {
		return nil, err
	}

	gw, err := o.chains.Gateway(tx.ChainID)
	if err != nil {
		return nil, err
	}

	confirmations := chain.RequiredConfirmations(tx.Currency, o.confirmations)
	receipt, err := gw.WaitForTransaction(ctx, txHash, confirmations, ReceiptWaitTimeout)
	if err != nil {
		return nil, fmt.Errorf("funding transaction %s: %w", txHash, err)
	}
	return o.finishValidation(ctx, tx, gw, txHash, receipt)
}

// pendingCrypto loads a transaction and checks it is a crypto transaction
// still awaiting funding.
func (o *Orchestrator) pendingCrypto(ctx context.Context, txID string) (*Transaction, error) {
	tx, err := o.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.PaymentMethod != TypeCryptocurrency {
		return nil, fmt.Errorf("%w: %s", ErrWrongPaymentMethod, tx.PaymentMethod)
	}
	if tx.Status != StatusPending {
		return nil, &StateConflictError{TransactionID: tx.ID, From: tx.Status, To: StatusCompleted}
	}
	return tx, nil
}

// finishValidation checks a confirmed funding receipt against the escrow
// contract and settles the outcome. Caller holds the transaction lock.
func (o *Orchestrator) finishValidation(ctx context.Context, tx *Transaction, gw chain.Gateway, txHash string, receipt *chain.Receipt) (*Transaction, error) {
	if !receipt.Success {
		return nil, fmt.Errorf("funding transaction %s: %w", txHash, chain.ErrTxFailed)
	}
	if !strings.EqualFold(receipt.To, tx.EscrowAddress) {
		return nil, fmt.Errorf("%w: paid %s, escrow %s", ErrRecipientMismatch, receipt.To, tx.EscrowAddress)
	}

	details, err := gw.EscrowDetails(ctx, tx.EscrowAddress)
	if err != nil {
		return nil, err
	}
	if details.State != chain.EscrowFunded {
		return nil, fmt.Errorf("escrow %s is %s: %w", tx.EscrowAddress, details.State, chain.ErrEscrowWrongState)
	}

	expected, ok := new(big.Int).SetString(tx.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("%w: stored amount %q", ErrInvalidAmount, tx.Amount)
	}
	observed := receipt.Amount
	if observed == nil {
		observed = details.Amount
	}

	tx.Crypto.FundingTxHash = txHash

	if observed.Cmp(expected) < 0 {
		return o.handleUnderpayment(ctx, tx, observed, expected)
	}

	// Full payment: release to the seller and complete.
	if _, err := gw.ReleaseEscrow(ctx, tx.EscrowAddress, o.arbiterKey); err != nil {
		return nil, fmt.Errorf("release escrow: %w", err)
	}

	now := time.Now()
	tx.BuyerConfirmed = true
	tx.VerificationState = VerificationVerified
	tx.CompletedAt = &now
	if err := tx.transitionTo(StatusCompleted); err != nil {
		return nil, err
	}

	if err := o.store.UpdateTransaction(ctx, tx); err != nil {
		// Retry once: the escrow is already released on-chain, the record
		// must catch up or an operator has to reconcile by hand.
		if retryErr := o.store.UpdateTransaction(ctx, tx); retryErr != nil {
			o.logger.Error("CRITICAL: escrow released but transaction update failed",
				"transaction_id", tx.ID, "escrow_address", tx.EscrowAddress, "error", retryErr)
			return nil, fmt.Errorf("update after escrow release (requires manual resolution): %w", err)
		}
	}

	metrics.TransactionsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	o.settleSellerReservation(ctx, tx)
	o.cancelMonitor(ctx, tx.ID)
	o.unwatchEscrow(tx)
	o.sendEvent(ctx, []string{tx.BuyerID, tx.SellerID}, "Payment verified and released", tx, "transaction.completed")
	return tx, nil
}

func (o *Orchestrator) handleUnderpayment(ctx context.Context, tx *Transaction, observed, expected *big.Int) (*Transaction, error) {
	tx.VerificationState = VerificationUnderpaid
	tx.UpdatedAt = time.Now()
	if err := o.store.UpdateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	o.logger.Warn("underpayment detected",
		"transaction_id", tx.ID,
		"expected", expected.String(),
		"observed", observed.String(),
	)
	o.sendEvent(ctx, []string{tx.BuyerID, tx.SellerID}, "Underpayment detected", tx, "transaction.underpaid")
	return tx, nil
}

func escrowKey(chainID int64, escrowAddr string) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToLower(escrowAddr))
}

func fundingKey(chainID int64, txHash string) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToLower(txHash))
}

// SubmitFunding registers the buyer's funding transaction for background
// confirmation. Validation completes from the confirm watcher's results
// channel instead of blocking the caller on receipt polling. Without a
// confirm tracker it degrades to the synchronous ValidateTransaction.
func (o *Orchestrator) SubmitFunding(ctx context.Context, txID, txHash string) error {
	if o.confirms == nil {
		_, err := o.ValidateTransaction(ctx, txID, txHash)
		return err
	}

	tx, err := o.pendingCrypto(ctx, txID)
	if err != nil {
		return err
	}

	key := fundingKey(tx.ChainID, txHash)
	o.pendingFunding.Store(key, tx.ID)
	confirmations := chain.RequiredConfirmations(tx.Currency, o.confirmations)
	if err := o.confirms.Track(tx.ChainID, txHash, confirmations, ReceiptWaitTimeout); err != nil {
		o.pendingFunding.Delete(key)
		return err
	}
	return nil
}

// EscrowFunded implements the funding watcher callback: a deposit into a
// watched escrow submits its transaction for confirmation tracking.
func (o *Orchestrator) EscrowFunded(ctx context.Context, chainID int64, escrowAddr, from string, amount *big.Int, txHash string) error {
	v, ok := o.watchedEscrows.Load(escrowKey(chainID, escrowAddr))
	if !ok {
		return nil // settled or never ours; stale log
	}
	return o.SubmitFunding(ctx, v.(string), txHash)
}

// HandleConfirmResults drains confirmation outcomes, completing pending
// validations as funding transactions reach depth. Run once, in the
// background; returns when ctx is cancelled or the channel closes.
func (o *Orchestrator) HandleConfirmResults(ctx context.Context, results <-chan chain.ConfirmResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			o.completeFunding(ctx, res)
		}
	}
}

func (o *Orchestrator) completeFunding(ctx context.Context, res chain.ConfirmResult) {
	v, ok := o.pendingFunding.LoadAndDelete(fundingKey(res.ChainID, res.TxHash))
	if !ok {
		return
	}
	txID := v.(string)

	if res.Err != nil {
		o.logger.Error("funding confirmation failed",
			"transaction_id", txID, "tx", res.TxHash, "error", res.Err)
		return
	}

	mu := o.txLock(txID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := o.pendingCrypto(ctx, txID)
	if err != nil {
		o.logger.Warn("confirmed funding no longer applies",
			"transaction_id", txID, "tx", res.TxHash, "error", err)
		return
	}
	gw, err := o.chains.Gateway(tx.ChainID)
	if err != nil {
		o.logger.Error("no gateway for confirmed funding",
			"transaction_id", txID, "chain_id", tx.ChainID, "error", err)
		return
	}
	if _, err := o.finishValidation(ctx, tx, gw, res.TxHash, res.Receipt); err != nil {
		o.logger.Error("background validation failed",
			"transaction_id", txID, "tx", res.TxHash, "error", err)
	}
}

// unwatchEscrow drops the funding watch once a transaction settles.
func (o *Orchestrator) unwatchEscrow(tx *Transaction) {
	if o.funding == nil || tx.EscrowAddress == "" {
		return
	}
	o.funding.Unwatch(tx.ChainID, tx.EscrowAddress)
	o.watchedEscrows.Delete(escrowKey(tx.ChainID, tx.EscrowAddress))
}

// MarkDelivered records the seller's delivery claim on a service
// transaction and moves it to PENDING_VERIFICATION for buyer sign-off.
func (o *Orchestrator) MarkDelivered(ctx context.Context, txID string) (*Transaction, error) {
	mu := o.txLock(txID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := o.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.PaymentMethod != TypeServices {
		return nil, fmt.Errorf("%w: %s", ErrWrongPaymentMethod, tx.PaymentMethod)
	}
	if err := tx.transitionTo(StatusPendingVerification); err != nil {
		return nil, err
	}
	tx.SellerConfirmed = true

	if err := o.store.UpdateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	o.sendEvent(ctx, []string{tx.BuyerID}, "Delivery awaiting your confirmation", tx, "transaction.delivered")
	return tx, nil
}

// VerifyServiceDelivery records the buyer's verdict on a delivered service.
// Acceptance releases any escrow and completes the transaction; rejection
// opens a dispute and marks the transaction DISPUTED.
func (o *Orchestrator) VerifyServiceDelivery(ctx context.Context, txID string, accepted bool, feedback string) (*Transaction, error) {
	mu := o.txLock(txID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := o.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.PaymentMethod != TypeServices {
		return nil, fmt.Errorf("%w: %s", ErrWrongPaymentMethod, tx.PaymentMethod)
	}

	if tx.Service == nil {
		tx.Service = &ServiceDetails{}
	}
	tx.Service.Feedback = feedback

	if !accepted {
		if err := tx.transitionTo(StatusDisputed); err != nil {
			return nil, err
		}
		if o.disputes != nil {
			if _, err := o.disputes.OpenDispute(ctx, tx.ID, tx.BuyerID, "service delivery rejected", feedback); err != nil {
				return nil, fmt.Errorf("open dispute: %w", err)
			}
		}
		if err := o.store.UpdateTransaction(ctx, tx); err != nil {
			return nil, err
		}
		metrics.TransactionsTotal.WithLabelValues(string(StatusDisputed)).Inc()
		o.unwatchEscrow(tx)
		o.sendEvent(ctx, []string{tx.BuyerID, tx.SellerID, o.arbiterAddr}, "Delivery rejected, dispute opened", tx, "transaction.disputed")
		return tx, nil
	}

	if err := tx.transitionTo(StatusCompleted); err != nil {
		return nil, err
	}
	tx.BuyerConfirmed = true
	now := time.Now()
	tx.CompletedAt = &now

	// Service links normally have no escrow contract; release it when one
	// was attached by the link's escrow conditions.
	fundsMoved := false
	if tx.EscrowAddress != "" {
		gw, err := o.chains.Gateway(tx.ChainID)
		if err != nil {
			return nil, err
		}
		if _, err := gw.ReleaseEscrow(ctx, tx.EscrowAddress, o.arbiterKey); err != nil {
			return nil, fmt.Errorf("release escrow: %w", err)
		}
		fundsMoved = true
	}

	if err := o.store.UpdateTransaction(ctx, tx); err != nil {
		if !fundsMoved {
			return nil, err
		}
		if retryErr := o.store.UpdateTransaction(ctx, tx); retryErr != nil {
			o.logger.Error("CRITICAL: escrow released but transaction update failed",
				"transaction_id", tx.ID, "escrow_address", tx.EscrowAddress, "error", retryErr)
			return nil, fmt.Errorf("update after escrow release (requires manual resolution): %w", err)
		}
	}

	metrics.TransactionsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	o.cancelMonitor(ctx, tx.ID)
	o.unwatchEscrow(tx)
	o.sendEvent(ctx, []string{tx.BuyerID, tx.SellerID}, "Delivery accepted", tx, "transaction.completed")
	return tx, nil
}

// Transaction returns a transaction by ID.
func (o *Orchestrator) Transaction(ctx context.Context, id string) (*Transaction, error) {
	return o.store.GetTransaction(ctx, id)
}

// Link returns a payment link by ID.
func (o *Orchestrator) Link(ctx context.Context, id string) (*PaymentLink, error) {
	return o.store.GetLink(ctx, id)
}

// ListByLink returns the most recent transactions opened against a link.
func (o *Orchestrator) ListByLink(ctx context.Context, linkID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return o.store.ListByLink(ctx, linkID, limit)
}

// settleSellerReservation consumes the frozen seller inventory once the
// trade completed. Failure here leaves the reservation frozen for manual
// reconciliation; the trade itself already settled on-chain.
func (o *Orchestrator) settleSellerReservation(ctx context.Context, tx *Transaction) {
	if tx.Crypto == nil || tx.Crypto.ReservationID == "" {
		return
	}
	if err := o.ledger.Settle(ctx, tx.SellerID, tx.Currency, tx.ChainID, tx.ID); err != nil {
		o.logger.Error("failed to settle seller reservation",
			"transaction_id", tx.ID, "seller_id", tx.SellerID, "error", err)
	}
}

func (o *Orchestrator) cancelMonitor(ctx context.Context, txID string) {
	if o.monitor == nil {
		return
	}
	if err := o.monitor.Cancel(ctx, txID); err != nil {
		o.logger.Warn("failed to cancel escrow monitor", "transaction_id", txID, "error", err)
	}
}

func (o *Orchestrator) sendEvent(ctx context.Context, recipients []string, subject string, tx *Transaction, kind string) {
	if o.notifier == nil {
		return
	}
	err := o.notifier.Send(ctx, recipients, subject, notify.Event{
		Kind:          kind,
		TransactionID: tx.ID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Status:        string(tx.Status),
		OccurredAt:    time.Now(),
	})
	if err != nil {
		o.logger.Warn("notification send failed", "transaction_id", tx.ID, "kind", kind, "error", err)
	}
}
