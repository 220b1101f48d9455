package credit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserve(t *testing.T) {
	ledger := NewMemoryLedger(100)
	ctx := context.Background()

	remaining, err := ledger.Reserve(ctx, "tenant-1", 25, "job:multi_clip_video", "reserve:k1")
	require.NoError(t, err)
	assert.Equal(t, 75, remaining)

	balance, err := ledger.GetBalance(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 25, balance.Used)
	assert.Equal(t, 75, balance.Remaining)
}

func TestReserve_InsufficientCredit(t *testing.T) {
	ledger := NewMemoryLedger(10)
	ctx := context.Background()

	_, err := ledger.Reserve(ctx, "tenant-1", 25, "job:multi_clip_video", "reserve:k1")
	assert.ErrorIs(t, err, ErrInsufficientCredit)

	// A rejected reservation mutates nothing.
	balance, err := ledger.GetBalance(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Zero(t, balance.Used)
	assert.Equal(t, 10, balance.Remaining)
}

func TestReserve_DuplicateRef(t *testing.T) {
	ledger := NewMemoryLedger(100)
	ctx := context.Background()

	_, err := ledger.Reserve(ctx, "tenant-1", 10, "job:carousel", "reserve:k1")
	require.NoError(t, err)

	_, err = ledger.Reserve(ctx, "tenant-1", 10, "job:carousel", "reserve:k1")
	assert.ErrorIs(t, err, ErrDuplicateRef)

	balance, err := ledger.GetBalance(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 10, balance.Used)
}

func TestReserve_AtomicUnderContention(t *testing.T) {
	// 100 credits, 30 concurrent reservations of 10: exactly 10 may win.
	ledger := NewMemoryLedger(100)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.Reserve(ctx, "tenant-1", 10, "job", fmt.Sprintf("reserve:%d", i))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, wins)

	balance, err := ledger.GetBalance(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 100, balance.Used)
	assert.Zero(t, balance.Remaining)
}

func TestRefund(t *testing.T) {
	ledger := NewMemoryLedger(100)
	ctx := context.Background()

	_, err := ledger.Reserve(ctx, "tenant-1", 25, "job:multi_clip_video", "reserve:k1")
	require.NoError(t, err)

	require.NoError(t, ledger.Refund(ctx, "tenant-1", 25, "job failed", "refund:job:j1"))

	balance, err := ledger.GetBalance(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Zero(t, balance.Used)
	assert.Equal(t, 100, balance.Remaining)
}

func TestRefund_IdempotentPerRef(t *testing.T) {
	ledger := NewMemoryLedger(100)
	ctx := context.Background()

	_, err := ledger.Reserve(ctx, "tenant-1", 25, "job:multi_clip_video", "reserve:k1")
	require.NoError(t, err)

	// The reaper and a concurrent cancel may both drive the refund; only the
	// first invocation credits.
	for i := 0; i < 3; i++ {
		require.NoError(t, ledger.Refund(ctx, "tenant-1", 25, "job failed", "refund:job:j1"))
	}

	balance, err := ledger.GetBalance(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 100, balance.Remaining)
}

func TestRefund_ClampsAtZeroUsed(t *testing.T) {
	ledger := NewMemoryLedger(100)
	ctx := context.Background()

	_, err := ledger.Reserve(ctx, "tenant-1", 5, "job", "reserve:k1")
	require.NoError(t, err)

	require.NoError(t, ledger.Refund(ctx, "tenant-1", 50, "oversized refund", "refund:job:j1"))

	balance, err := ledger.GetBalance(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Zero(t, balance.Used)
	assert.Equal(t, 100, balance.Remaining)
}

func TestGetBalance_ProvisionsDefaultQuota(t *testing.T) {
	ledger := NewMemoryLedger(42)

	balance, err := ledger.GetBalance(context.Background(), "fresh-tenant")
	require.NoError(t, err)
	assert.Equal(t, "fresh-tenant", balance.TenantID)
	assert.Equal(t, 42, balance.Quota)
	assert.Equal(t, 42, balance.Remaining)
	assert.Equal(t, Period(time.Now()), balance.Period)
}

func TestPeriod(t *testing.T) {
	ts := time.Date(2025, time.March, 31, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "2025-03", Period(ts))

	// Period buckets are UTC regardless of the input zone.
	est := time.FixedZone("EST", -5*3600)
	late := time.Date(2025, time.March, 31, 22, 0, 0, 0, est)
	assert.Equal(t, "2025-04", Period(late))
}
