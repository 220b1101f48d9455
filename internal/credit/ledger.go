// Package credit implements the prepaid usage-credit ledger. A reservation is
// a single atomic conditional decrement taken strictly before any job row
// exists, so unpaid-for work is never queued.
package credit

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInsufficientCredit is returned when a reservation would exceed the
	// tenant's quota for the period. Nothing is mutated on this path.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrDuplicateRef is returned when a reservation reuses an idempotency
	// ref. Retried client requests must not double-reserve.
	ErrDuplicateRef = errors.New("duplicate ledger reference")
)

// Entry kinds recorded in the ledger journal.
const (
	EntryReserve = "reserve"
	EntryRefund  = "refund"
)

// Balance is a tenant's ledger position for one period.
type Balance struct {
	TenantID  string `db:"tenant_id"`
	Period    string `db:"period"`
	Quota     int    `db:"quota"`
	Used      int    `db:"used"`
	Remaining int    `db:"remaining"`
}

// Ledger is the admission controller surface. Reserve and Refund must be
// atomic under concurrent callers; Refund must be idempotent per ref so a
// duplicate invocation can never double-credit.
type Ledger interface {
	// Reserve atomically takes cost credits from the tenant's current-period
	// quota. ref is the caller's idempotency reference; reuse fails with
	// ErrDuplicateRef before anything is mutated.
	Reserve(ctx context.Context, tenantID string, cost int, reason, ref string) (remaining int, err error)

	// Refund returns amount credits. Duplicate refs are recorded no-ops.
	Refund(ctx context.Context, tenantID string, amount int, reason, ref string) error

	// GetBalance reads the tenant's current-period position.
	GetBalance(ctx context.Context, tenantID string) (*Balance, error)
}

// Period buckets ledger rows by calendar month.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}
