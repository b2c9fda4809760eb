package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PostgresStore implements Store with PostgreSQL. Balance arithmetic runs
// in SQL under serializable isolation; CHECK constraints reject overdrafts
// even if a second process shares the database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS custodial_wallets (
			user_id     VARCHAR(64)  NOT NULL,
			token       VARCHAR(16)  NOT NULL,
			chain_id    BIGINT       NOT NULL,
			balance     NUMERIC(78,0) NOT NULL DEFAULT 0,
			status      VARCHAR(10)  NOT NULL DEFAULT 'ACTIVE',
			updated_at  TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (user_id, token, chain_id),
			CONSTRAINT chk_balance_nonneg CHECK (balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS balance_reservations (
			id          VARCHAR(36)  NOT NULL,
			user_id     VARCHAR(64)  NOT NULL,
			token       VARCHAR(16)  NOT NULL,
			chain_id    BIGINT       NOT NULL,
			amount      NUMERIC(78,0) NOT NULL,
			status      VARCHAR(10)  NOT NULL DEFAULT 'FROZEN',
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			updated_at  TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (user_id, token, chain_id),
			CONSTRAINT chk_reservation_positive CHECK (amount > 0)
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id          VARCHAR(36) PRIMARY KEY,
			user_id     VARCHAR(64) NOT NULL,
			token       VARCHAR(16) NOT NULL,
			chain_id    BIGINT      NOT NULL,
			type        VARCHAR(20) NOT NULL,
			amount      NUMERIC(78,0) NOT NULL,
			reference   VARCHAR(255),
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_key ON ledger_entries(user_id, token, chain_id);
		CREATE INDEX IF NOT EXISTS idx_ledger_created ON ledger_entries(created_at DESC);
	`)
	return err
}

func normalize(userID, token string) (string, string) {
	return strings.ToLower(userID), strings.ToUpper(token)
}

func (p *PostgresStore) GetWallet(ctx context.Context, userID, token string, chainID int64) (*CustodialWallet, error) {
	userID, token = normalize(userID, token)
	w := &CustodialWallet{UserID: userID, Token: token, ChainID: chainID}

	err := p.db.QueryRowContext(ctx, `
		SELECT balance, status, updated_at
		FROM custodial_wallets WHERE user_id = $1 AND token = $2 AND chain_id = $3
	`, userID, token, chainID).Scan(&w.Balance, &w.Status, &w.UpdatedAt)

	if err == sql.ErrNoRows {
		return &CustodialWallet{
			UserID:    userID,
			Token:     token,
			ChainID:   chainID,
			Balance:   "0",
			Status:    WalletActive,
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) CreditWallet(ctx context.Context, userID, token string, chainID int64, amount, reference string) error {
	userID, token = normalize(userID, token)

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO custodial_wallets (user_id, token, chain_id, balance, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC(78,0), NOW())
		ON CONFLICT (user_id, token, chain_id) DO UPDATE SET
			balance    = custodial_wallets.balance + $4::NUMERIC(78,0),
			updated_at = NOW()
	`, userID, token, chainID, amount)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}

	if err := p.recordEntry(ctx, tx, userID, token, chainID, "credit", amount, reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) DebitWallet(ctx context.Context, userID, token string, chainID int64, amount, reference string) error {
	userID, token = normalize(userID, token)

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The CHECK constraint (balance >= 0) rejects overdrafts atomically.
	result, err := tx.ExecContext(ctx, `
		UPDATE custodial_wallets SET
			balance    = balance - $4::NUMERIC(78,0),
			updated_at = NOW()
		WHERE user_id = $1 AND token = $2 AND chain_id = $3
	`, userID, token, chainID, amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}

	if err := p.recordEntry(ctx, tx, userID, token, chainID, "debit", amount, reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) SetWalletStatus(ctx context.Context, userID, token string, chainID int64, status WalletStatus) error {
	userID, token = normalize(userID, token)

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO custodial_wallets (user_id, token, chain_id, status, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, token, chain_id) DO UPDATE SET
			status     = $4,
			updated_at = NOW()
	`, userID, token, chainID, string(status))
	return err
}

func (p *PostgresStore) GetReservation(ctx context.Context, userID, token string, chainID int64) (*Reservation, error) {
	userID, token = normalize(userID, token)
	r := &Reservation{UserID: userID, Token: token, ChainID: chainID}

	err := p.db.QueryRowContext(ctx, `
		SELECT id, amount, status, created_at, updated_at
		FROM balance_reservations WHERE user_id = $1 AND token = $2 AND chain_id = $3
	`, userID, token, chainID).Scan(&r.ID, &r.Amount, &r.Status, &r.CreatedAt, &r.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// UpsertReservation increments the key's reservation, reviving a released
// row with a fresh amount. One row per key, enforced by the primary key.
func (p *PostgresStore) UpsertReservation(ctx context.Context, userID, token string, chainID int64, amount string) (*Reservation, error) {
	userID, token = normalize(userID, token)

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	r := &Reservation{UserID: userID, Token: token, ChainID: chainID}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO balance_reservations (id, user_id, token, chain_id, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(78,0), 'FROZEN', NOW(), NOW())
		ON CONFLICT (user_id, token, chain_id) DO UPDATE SET
			amount = CASE WHEN balance_reservations.status = 'RELEASED'
				THEN $5::NUMERIC(78,0)
				ELSE balance_reservations.amount + $5::NUMERIC(78,0) END,
			status     = 'FROZEN',
			updated_at = NOW()
		RETURNING id, amount, status, created_at, updated_at
	`, uuid.NewString(), userID, token, chainID, amount).Scan(&r.ID, &r.Amount, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert reservation: %w", err)
	}

	if err := p.recordEntry(ctx, tx, userID, token, chainID, "freeze", amount, r.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) ReleaseReservation(ctx context.Context, userID, token string, chainID int64) (*Reservation, error) {
	userID, token = normalize(userID, token)

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	r := &Reservation{UserID: userID, Token: token, ChainID: chainID}
	err = tx.QueryRowContext(ctx, `
		UPDATE balance_reservations SET
			status     = 'RELEASED',
			updated_at = NOW()
		WHERE user_id = $1 AND token = $2 AND chain_id = $3 AND status <> 'RELEASED'
		RETURNING id, amount, status, created_at, updated_at
	`, userID, token, chainID).Scan(&r.ID, &r.Amount, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := p.recordEntry(ctx, tx, userID, token, chainID, "release", r.Amount, r.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) ActiveReserved(ctx context.Context, userID, token string, chainID int64) (string, error) {
	userID, token = normalize(userID, token)

	var sum string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM balance_reservations
		WHERE user_id = $1 AND token = $2 AND chain_id = $3 AND status <> 'RELEASED'
	`, userID, token, chainID).Scan(&sum)
	if err != nil {
		return "", err
	}
	return sum, nil
}

func (p *PostgresStore) History(ctx context.Context, userID, token string, chainID int64, limit int) ([]*Entry, error) {
	userID, token = normalize(userID, token)

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, amount, COALESCE(reference, ''), created_at
		FROM ledger_entries
		WHERE user_id = $1 AND token = $2 AND chain_id = $3
		ORDER BY created_at DESC
		LIMIT $4
	`, userID, token, chainID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{UserID: userID, Token: token, ChainID: chainID}
		if err := rows.Scan(&e.ID, &e.Type, &e.Amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) recordEntry(ctx context.Context, tx *sql.Tx, userID, token string, chainID int64, entryType, amount, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, token, chain_id, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(78,0), $7, NOW())
	`, uuid.NewString(), userID, token, chainID, entryType, amount, reference)
	if err != nil {
		return fmt.Errorf("record entry: %w", err)
	}
	return nil
}
