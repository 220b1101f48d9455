package credit

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is an in-process Ledger used by tests and local development.
// Same conditional-decrement and ref-idempotency semantics as the Postgres
// implementation, guarded by one mutex.
type MemoryLedger struct {
	mu           sync.Mutex
	balances     map[string]*Balance // keyed by tenant|period
	refs         map[string]bool
	defaultQuota int
}

// NewMemoryLedger creates a MemoryLedger seeding each tenant-period with
// defaultQuota on first touch.
func NewMemoryLedger(defaultQuota int) *MemoryLedger {
	return &MemoryLedger{
		balances:     make(map[string]*Balance),
		refs:         make(map[string]bool),
		defaultQuota: defaultQuota,
	}
}

func (l *MemoryLedger) Reserve(ctx context.Context, tenantID string, cost int, reason, ref string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refs[ref] {
		return 0, ErrDuplicateRef
	}

	balance := l.balance(tenantID)
	if balance.Used+cost > balance.Quota {
		return 0, ErrInsufficientCredit
	}

	l.refs[ref] = true
	balance.Used += cost
	balance.Remaining = balance.Quota - balance.Used
	return balance.Remaining, nil
}

func (l *MemoryLedger) Refund(ctx context.Context, tenantID string, amount int, reason, ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refs[ref] {
		return nil
	}
	l.refs[ref] = true

	balance := l.balance(tenantID)
	balance.Used -= amount
	if balance.Used < 0 {
		balance.Used = 0
	}
	balance.Remaining = balance.Quota - balance.Used
	return nil
}

func (l *MemoryLedger) GetBalance(ctx context.Context, tenantID string) (*Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balance(tenantID)
	out := *balance
	return &out, nil
}

func (l *MemoryLedger) balance(tenantID string) *Balance {
	period := Period(time.Now())
	key := tenantID + "|" + period
	balance, ok := l.balances[key]
	if !ok {
		balance = &Balance{
			TenantID:  tenantID,
			Period:    period,
			Quota:     l.defaultQuota,
			Remaining: l.defaultQuota,
		}
		l.balances[key] = balance
	}
	return balance
}

var _ Ledger = (*MemoryLedger)(nil)
