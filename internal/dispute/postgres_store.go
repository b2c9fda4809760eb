package dispute

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the disputes table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS disputes (
			id             VARCHAR(64) PRIMARY KEY,
			transaction_id VARCHAR(64) NOT NULL,
			initiator_id   VARCHAR(64) NOT NULL,
			reason         TEXT        NOT NULL,
			evidence       TEXT,
			status         VARCHAR(24) NOT NULL,
			resolution     VARCHAR(8),
			arbiter_id     VARCHAR(64),
			notes          TEXT,
			created_at     TIMESTAMPTZ DEFAULT NOW(),
			updated_at     TIMESTAMPTZ DEFAULT NOW(),
			resolved_at    TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_disputes_tx ON disputes(transaction_id);
		CREATE INDEX IF NOT EXISTS idx_disputes_status ON disputes(status);
	`)
	return err
}

const disputeColumns = `id, transaction_id, initiator_id, reason, evidence,
		status, resolution, arbiter_id, notes, created_at, updated_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes
			(id, transaction_id, initiator_id, reason, evidence, status,
			 resolution, arbiter_id, notes, created_at, updated_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, d.ID, d.TransactionID, d.InitiatorID, d.Reason, nullString(d.Evidence), string(d.Status),
		nullString(string(d.Resolution)), nullString(d.ArbiterID), nullString(d.Notes),
		d.CreatedAt, d.UpdatedAt, nullTime(d.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status      = $2,
			resolution  = $3,
			arbiter_id  = $4,
			notes       = $5,
			updated_at  = $6,
			resolved_at = $7
		WHERE id = $1
	`, d.ID, string(d.Status), nullString(string(d.Resolution)), nullString(d.ArbiterID),
		nullString(d.Notes), d.UpdatedAt, nullTime(d.ResolvedAt))
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) GetByTransaction(ctx context.Context, transactionID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE transaction_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, transactionID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(StatusOpened), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status                        string
		evidence, resolution, arbiter sql.NullString
		notes                         sql.NullString
		resolvedAt                    sql.NullTime
	)
	err := s.Scan(&d.ID, &d.TransactionID, &d.InitiatorID, &d.Reason, &evidence,
		&status, &resolution, &arbiter, &notes, &d.CreatedAt, &d.UpdatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.Evidence = evidence.String
	d.Resolution = Resolution(resolution.String)
	d.ArbiterID = arbiter.String
	d.Notes = notes.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
