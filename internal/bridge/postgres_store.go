package bridge

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed bridge store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the bridge_transactions table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bridge_transactions (
			id              VARCHAR(36) PRIMARY KEY,
			user_id         VARCHAR(64)  NOT NULL,
			user_address    VARCHAR(64)  NOT NULL,
			source_token    VARCHAR(16)  NOT NULL,
			source_chain_id BIGINT       NOT NULL,
			target_token    VARCHAR(16)  NOT NULL,
			target_chain_id BIGINT       NOT NULL,
			amount          NUMERIC(78,0) NOT NULL,
			target_amount   NUMERIC(78,0),
			status          VARCHAR(12)  NOT NULL,
			tx_hash         VARCHAR(88),
			failure_reason  TEXT,
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			updated_at      TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_bridge_amount_positive CHECK (amount > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_bridge_user ON bridge_transactions(user_id);
		CREATE INDEX IF NOT EXISTS idx_bridge_status ON bridge_transactions(status);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bridge_transactions
			(id, user_id, user_address, source_token, source_chain_id,
			 target_token, target_chain_id, amount, target_amount, status,
			 tx_hash, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC(78,0),
			NULLIF($9, '')::NUMERIC(78,0), $10, $11, $12, $13, $14)
	`, tx.ID, tx.UserID, tx.UserAddress, tx.SourceToken, tx.SourceChainID,
		tx.TargetToken, tx.TargetChainID, tx.Amount, tx.TargetAmount, string(tx.Status),
		tx.TxHash, tx.FailureReason, tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert bridge transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, tx *Transaction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE bridge_transactions SET
			target_amount  = NULLIF($2, '')::NUMERIC(78,0),
			status         = $3,
			tx_hash        = $4,
			failure_reason = $5,
			updated_at     = $6
		WHERE id = $1
	`, tx.ID, tx.TargetAmount, string(tx.Status), tx.TxHash, tx.FailureReason, tx.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update bridge transaction: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	tx := &Transaction{}
	var targetAmount, txHash, failureReason sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, user_address, source_token, source_chain_id,
			target_token, target_chain_id, amount, target_amount, status,
			tx_hash, failure_reason, created_at, updated_at
		FROM bridge_transactions WHERE id = $1
	`, id).Scan(&tx.ID, &tx.UserID, &tx.UserAddress, &tx.SourceToken, &tx.SourceChainID,
		&tx.TargetToken, &tx.TargetChainID, &tx.Amount, &targetAmount, &tx.Status,
		&txHash, &failureReason, &tx.CreatedAt, &tx.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tx.TargetAmount = targetAmount.String
	tx.TxHash = txHash.String
	tx.FailureReason = failureReason.String
	return tx, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, user_address, source_token, source_chain_id,
			target_token, target_chain_id, amount, target_amount, status,
			tx_hash, failure_reason, created_at, updated_at
		FROM bridge_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		tx := &Transaction{}
		var targetAmount, txHash, failureReason sql.NullString
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.UserAddress, &tx.SourceToken, &tx.SourceChainID,
			&tx.TargetToken, &tx.TargetChainID, &tx.Amount, &targetAmount, &tx.Status,
			&txHash, &failureReason, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
			return nil, err
		}
		tx.TargetAmount = targetAmount.String
		tx.TxHash = txHash.String
		tx.FailureReason = failureReason.String
		out = append(out, tx)
	}
	return out, rows.Err()
}
