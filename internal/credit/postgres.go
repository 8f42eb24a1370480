package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresMeter reads credit_balances and records every debit in
// credit_ledger, whose primary key is the debit reference.
type PostgresMeter struct {
	db *sql.DB
}

var _ Meter = (*PostgresMeter)(nil)

func NewPostgresMeter(db *sql.DB) *PostgresMeter {
	return &PostgresMeter{db: db}
}

func (m *PostgresMeter) Balance(ctx context.Context, ownerID string) (int64, error) {
	var balance int64
	err := m.db.QueryRowContext(ctx,
		`SELECT balance FROM credit_balances WHERE owner_id = $1`, ownerID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance of %s: %w", ownerID, err)
	}
	return balance, nil
}

func (m *PostgresMeter) Debit(ctx context.Context, ownerID string, amount int64, ref string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (ref, owner_id, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (ref) DO NOTHING
	`, ref, ownerID, amount)
	if err != nil {
		return fmt.Errorf("record debit %s: %w", ref, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Already applied.
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_balances (owner_id, balance, updated_at)
		VALUES ($1, -$2::BIGINT, now())
		ON CONFLICT (owner_id) DO UPDATE
		SET balance = credit_balances.balance - $2::BIGINT, updated_at = now()
	`, ownerID, amount); err != nil {
		return fmt.Errorf("debit balance of %s: %w", ownerID, err)
	}
	return tx.Commit()
}
