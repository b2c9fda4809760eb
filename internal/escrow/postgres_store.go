package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists payment links and transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the payment_links and transactions tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payment_links (
			id                  VARCHAR(64) PRIMARY KEY,
			link_type           VARCHAR(8)  NOT NULL,
			transaction_type    VARCHAR(16) NOT NULL,
			seller_id           VARCHAR(64) NOT NULL,
			seller_address      VARCHAR(64),
			default_amount      VARCHAR(80),
			currency            VARCHAR(16) NOT NULL,
			chain_id            BIGINT      NOT NULL DEFAULT 0,
			verification_method VARCHAR(32),
			timeout_period_sec  BIGINT      NOT NULL DEFAULT 0,
			status              VARCHAR(12) NOT NULL,
			created_at          TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS transactions (
			id                 VARCHAR(64) PRIMARY KEY,
			link_id            VARCHAR(64) NOT NULL REFERENCES payment_links(id),
			buyer_id           VARCHAR(64) NOT NULL,
			seller_id          VARCHAR(64) NOT NULL,
			amount             NUMERIC(78,0) NOT NULL,
			currency           VARCHAR(16) NOT NULL,
			status             VARCHAR(24) NOT NULL,
			escrow_address     VARCHAR(64),
			chain_id           BIGINT      NOT NULL DEFAULT 0,
			token_address      VARCHAR(64),
			payment_method     VARCHAR(16) NOT NULL,
			verification_state VARCHAR(16),
			buyer_confirmed    BOOLEAN     NOT NULL DEFAULT FALSE,
			seller_confirmed   BOOLEAN     NOT NULL DEFAULT FALSE,
			details            JSONB       NOT NULL DEFAULT '{}',
			created_at         TIMESTAMPTZ DEFAULT NOW(),
			updated_at         TIMESTAMPTZ DEFAULT NOW(),
			completed_at       TIMESTAMPTZ,
			CONSTRAINT chk_tx_amount_positive CHECK (amount >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_tx_link ON transactions(link_id);
		CREATE INDEX IF NOT EXISTS idx_tx_status ON transactions(status);
	`)
	return err
}

func (p *PostgresStore) CreateLink(ctx context.Context, link *PaymentLink) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_links
			(id, link_type, transaction_type, seller_id, seller_address,
			 default_amount, currency, chain_id, verification_method,
			 timeout_period_sec, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, link.ID, string(link.Type), string(link.TransactionType), link.SellerID,
		nullString(link.SellerAddress), nullString(link.DefaultAmount), link.Currency,
		link.ChainID, nullString(link.VerificationMethod),
		int64(link.EscrowConditions.TimeoutPeriod/time.Second), string(link.Status), link.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payment link: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetLink(ctx context.Context, id string) (*PaymentLink, error) {
	link := &PaymentLink{}
	var (
		linkType, txType, status         string
		sellerAddr, defAmount, verMethod sql.NullString
		timeoutSec                       int64
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, link_type, transaction_type, seller_id, seller_address,
			default_amount, currency, chain_id, verification_method,
			timeout_period_sec, status, created_at
		FROM payment_links WHERE id = $1
	`, id).Scan(&link.ID, &linkType, &txType, &link.SellerID, &sellerAddr,
		&defAmount, &link.Currency, &link.ChainID, &verMethod,
		&timeoutSec, &status, &link.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrLinkNotFound
	}
	if err != nil {
		return nil, err
	}
	link.Type = LinkType(linkType)
	link.TransactionType = TransactionType(txType)
	link.SellerAddress = sellerAddr.String
	link.DefaultAmount = defAmount.String
	link.VerificationMethod = verMethod.String
	link.EscrowConditions.TimeoutPeriod = time.Duration(timeoutSec) * time.Second
	link.Status = LinkStatus(status)
	return link, nil
}

// details is the JSONB payload envelope; exactly one field is set,
// matching the row's payment_method.
type txDetails struct {
	Crypto  *CryptoDetails  `json:"crypto,omitempty"`
	Service *ServiceDetails `json:"service,omitempty"`
}

func (p *PostgresStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	detailsJSON, err := json.Marshal(txDetails{Crypto: tx.Crypto, Service: tx.Service})
	if err != nil {
		return fmt.Errorf("marshal transaction details: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO transactions
			(id, link_id, buyer_id, seller_id, amount, currency, status,
			 escrow_address, chain_id, token_address, payment_method,
			 verification_state, buyer_confirmed, seller_confirmed, details,
			 created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(78,0), $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18)
	`, tx.ID, tx.LinkID, tx.BuyerID, tx.SellerID, tx.Amount, tx.Currency, string(tx.Status),
		nullString(tx.EscrowAddress), tx.ChainID, nullString(tx.TokenAddress), string(tx.PaymentMethod),
		nullString(tx.VerificationState), tx.BuyerConfirmed, tx.SellerConfirmed, detailsJSON,
		tx.CreatedAt, tx.UpdatedAt, nullTime(tx.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

const txColumns = `id, link_id, buyer_id, seller_id, amount, currency, status,
		escrow_address, chain_id, token_address, payment_method,
		verification_state, buyer_confirmed, seller_confirmed, details,
		created_at, updated_at, completed_at`

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

// UpdateTransaction never touches escrow_address: it is immutable once the
// row exists.
func (p *PostgresStore) UpdateTransaction(ctx context.Context, tx *Transaction) error {
	detailsJSON, err := json.Marshal(txDetails{Crypto: tx.Crypto, Service: tx.Service})
	if err != nil {
		return fmt.Errorf("marshal transaction details: %w", err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			status             = $2,
			verification_state = $3,
			buyer_confirmed    = $4,
			seller_confirmed   = $5,
			details            = $6,
			updated_at         = $7,
			completed_at       = $8
		WHERE id = $1
	`, tx.ID, string(tx.Status), nullString(tx.VerificationState),
		tx.BuyerConfirmed, tx.SellerConfirmed, detailsJSON,
		tx.UpdatedAt, nullTime(tx.CompletedAt))
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) ListByLink(ctx context.Context, linkID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE link_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, linkID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		status, paymentMethod           string
		escrowAddr, tokenAddr, verState sql.NullString
		detailsJSON                     []byte
		completedAt                     sql.NullTime
	)
	err := s.Scan(
		&tx.ID, &tx.LinkID, &tx.BuyerID, &tx.SellerID, &tx.Amount, &tx.Currency, &status,
		&escrowAddr, &tx.ChainID, &tokenAddr, &paymentMethod,
		&verState, &tx.BuyerConfirmed, &tx.SellerConfirmed, &detailsJSON,
		&tx.CreatedAt, &tx.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Status = Status(status)
	tx.PaymentMethod = TransactionType(paymentMethod)
	tx.EscrowAddress = escrowAddr.String
	tx.TokenAddress = tokenAddr.String
	tx.VerificationState = verState.String
	if completedAt.Valid {
		tx.CompletedAt = &completedAt.Time
	}
	if len(detailsJSON) > 0 {
		var d txDetails
		if err := json.Unmarshal(detailsJSON, &d); err != nil {
			return nil, fmt.Errorf("unmarshal transaction details: %w", err)
		}
		tx.Crypto = d.Crypto
		tx.Service = d.Service
	}
	return tx, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
