package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresLedger implements Ledger on PostgreSQL. The reserve path is a
// single conditional UPDATE (used + cost <= quota), so there is no
// read-then-write race window.
type PostgresLedger struct {
	db           *sqlx.DB
	logger       *slog.Logger
	defaultQuota int
}

// NewPostgresLedger creates a new PostgresLedger. defaultQuota seeds a
// tenant's ledger row on first touch of a period.
func NewPostgresLedger(db *sqlx.DB, logger *slog.Logger, defaultQuota int) *PostgresLedger {
	return &PostgresLedger{
		db:           db,
		logger:       logger,
		defaultQuota: defaultQuota,
	}
}

// Reserve takes cost credits from the tenant's current-period quota in one
// conditional update. The journal entry is inserted first so a reused ref
// fails before anything is mutated.
func (l *PostgresLedger) Reserve(ctx context.Context, tenantID string, cost int, reason, ref string) (int, error) {
	period := Period(time.Now())

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO credit_entries (tenant_id, period, kind, amount, reason, ref)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ref) DO NOTHING`,
		tenantID, period, EntryReserve, cost, reason, ref,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record reservation: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if inserted == 0 {
		return 0, ErrDuplicateRef
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_ledgers (tenant_id, period, quota)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, period) DO NOTHING`,
		tenantID, period, l.defaultQuota,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to provision ledger row: %w", err)
	}

	var remaining int
	err = tx.QueryRowContext(ctx, `
		UPDATE credit_ledgers
		SET used = used + $3, updated_at = NOW()
		WHERE tenant_id = $1 AND period = $2 AND used + $3 <= quota
		RETURNING quota - used`,
		tenantID, period, cost,
	).Scan(&remaining)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Conditional update lost: quota would be exceeded. The rollback
			// also discards the journal entry, so nothing is mutated.
			return 0, ErrInsufficientCredit
		}
		return 0, fmt.Errorf("failed to reserve credit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reservation: %w", err)
	}

	l.logger.Info("Credit reserved",
		slog.String("tenant_id", tenantID),
		slog.Int("cost", cost),
		slog.Int("remaining", remaining),
		slog.String("reason", reason),
	)

	return remaining, nil
}

// Refund returns amount credits to the tenant's current-period ledger. The
// unique ref makes duplicates no-ops: a second invocation inserts nothing and
// credits nothing.
func (l *PostgresLedger) Refund(ctx context.Context, tenantID string, amount int, reason, ref string) error {
	period := Period(time.Now())

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO credit_entries (tenant_id, period, kind, amount, reason, ref)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ref) DO NOTHING`,
		tenantID, period, EntryRefund, amount, reason, ref,
	)
	if err != nil {
		return fmt.Errorf("failed to record refund: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if inserted == 0 {
		l.logger.Warn("Duplicate refund ignored",
			slog.String("tenant_id", tenantID),
			slog.String("ref", ref),
		)
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE credit_ledgers
		SET used = GREATEST(used - $3, 0), updated_at = NOW()
		WHERE tenant_id = $1 AND period = $2`,
		tenantID, period, amount,
	)
	if err != nil {
		return fmt.Errorf("failed to refund credit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit refund: %w", err)
	}

	l.logger.Info("Credit refunded",
		slog.String("tenant_id", tenantID),
		slog.Int("amount", amount),
		slog.String("reason", reason),
		slog.String("ref", ref),
	)

	return nil
}

// GetBalance reads the tenant's current-period position, provisioning the
// row with the default quota when missing.
func (l *PostgresLedger) GetBalance(ctx context.Context, tenantID string) (*Balance, error) {
	period := Period(time.Now())

	var balance Balance
	err := l.db.GetContext(ctx, &balance, `
		SELECT tenant_id, period, quota, used, quota - used AS remaining
		FROM credit_ledgers
		WHERE tenant_id = $1 AND period = $2`,
		tenantID, period,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{
			TenantID:  tenantID,
			Period:    period,
			Quota:     l.defaultQuota,
			Used:      0,
			Remaining: l.defaultQuota,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return &balance, nil
}

var _ Ledger = (*PostgresLedger)(nil)
