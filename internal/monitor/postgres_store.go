package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists deadlines in PostgreSQL. This is what makes the
// watchdog durable across restarts.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed deadline store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the escrow_deadlines table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrow_deadlines (
			id             VARCHAR(64) PRIMARY KEY,
			transaction_id VARCHAR(64) NOT NULL,
			escrow_address VARCHAR(64) NOT NULL,
			chain_id       BIGINT      NOT NULL,
			kind           VARCHAR(24) NOT NULL,
			due_at         TIMESTAMPTZ NOT NULL,
			status         VARCHAR(12) NOT NULL,
			created_at     TIMESTAMPTZ DEFAULT NOW(),
			fired_at       TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_deadlines_due ON escrow_deadlines(status, due_at);
		CREATE INDEX IF NOT EXISTS idx_deadlines_tx ON escrow_deadlines(transaction_id);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, d *Deadline) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_deadlines
			(id, transaction_id, escrow_address, chain_id, kind, due_at, status, created_at, fired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, d.ID, d.TransactionID, d.EscrowAddress, d.ChainID, string(d.Kind),
		d.DueAt, string(d.Status), d.CreatedAt, nullTime(d.FiredAt))
	if err != nil {
		return fmt.Errorf("insert deadline: %w", err)
	}
	return nil
}

const deadlineColumns = `id, transaction_id, escrow_address, chain_id, kind, due_at, status, created_at, fired_at`

func (p *PostgresStore) ListDue(ctx context.Context, before time.Time, limit int) ([]*Deadline, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+deadlineColumns+`
		FROM escrow_deadlines
		WHERE status = $1 AND due_at < $2
		ORDER BY due_at
		LIMIT $3`, string(DeadlinePending), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDeadlines(rows)
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status DeadlineStatus, firedAt *time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_deadlines SET status = $2, fired_at = COALESCE($3, fired_at)
		WHERE id = $1
	`, id, string(status), nullTime(firedAt))
	if err != nil {
		return fmt.Errorf("update deadline: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDeadlineNotFound
	}
	return nil
}

func (p *PostgresStore) CancelByTransaction(ctx context.Context, transactionID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE escrow_deadlines SET status = $2
		WHERE transaction_id = $1 AND status = $3
	`, transactionID, string(DeadlineCancelled), string(DeadlinePending))
	return err
}

func (p *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM escrow_deadlines WHERE status = $1
	`, string(DeadlinePending)).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListFired(ctx context.Context, kind Kind, limit int) ([]*Deadline, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+deadlineColumns+`
		FROM escrow_deadlines
		WHERE kind = $1 AND status = $2
		ORDER BY fired_at DESC
		LIMIT $3`, string(kind), string(DeadlineFired), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDeadlines(rows)
}

func scanDeadlines(rows *sql.Rows) ([]*Deadline, error) {
	var result []*Deadline
	for rows.Next() {
		d := &Deadline{}
		var (
			kind, status string
			firedAt      sql.NullTime
		)
		if err := rows.Scan(&d.ID, &d.TransactionID, &d.EscrowAddress, &d.ChainID,
			&kind, &d.DueAt, &status, &d.CreatedAt, &firedAt); err != nil {
			return nil, err
		}
		d.Kind = Kind(kind)
		d.Status = DeadlineStatus(status)
		if firedAt.Valid {
			d.FiredAt = &firedAt.Time
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
