package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a7csw/ResumeBuilder-sub001/app/models"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/entitlements"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/planstore"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/planstore/planstoretest"
)

var now = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T, store planstore.Store, account string, tier entitlements.Tier) *models.PlanRecord {
	t.Helper()
	policy := entitlements.ProductionPolicy()
	ai, exports := policy.Limits(tier)
	expires := policy.ExpiresAt(tier, now, nil)
	rec := &models.PlanRecord{
		AccountID:    account,
		PlanTier:     string(tier),
		StartsAt:     now,
		ExpiresAt:    &expires,
		IsActive:     true,
		AICallsLimit: ai,
		ExportsLimit: exports,
		CanRefund:    policy.TierPolicy(tier).Refundable,
	}
	require.NoError(t, store.CreateRecord(context.Background(), rec))
	return rec
}

func newService(t *testing.T, policy entitlements.Policy) (*Service, planstore.Store) {
	t.Helper()
	store, _ := planstoretest.NewStore(t)
	return NewService(store, entitlements.NewEvaluator(policy)).WithClock(func() time.Time { return now }), store
}

func TestFirstExportClearsRefundEligibility(t *testing.T) {
	svc, store := newService(t, entitlements.ProductionPolicy())
	rec := seed(t, store, "acct-1", entitlements.TierExtended)

	res, err := svc.TryConsume(context.Background(), "acct-1", models.CounterExport, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	assert.True(t, res.Remaining.Unlimited)
	assert.Equal(t, rec.ID, res.PlanRecordID)

	got, err := store.RecordByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ExportsUsed)
	require.NotNil(t, got.FirstExportAt)
	assert.True(t, now.Equal(*got.FirstExportAt))
	assert.False(t, got.CanRefund)
}

func TestAIQuotaRunsOut(t *testing.T) {
	svc, store := newService(t, entitlements.ProductionPolicy())
	rec := seed(t, store, "acct-1", entitlements.TierExtended)
	ctx := context.Background()

	for i := 1; i <= 30; i++ {
		res, err := svc.TryConsume(ctx, "acct-1", models.CounterAI, "")
		require.NoError(t, err)
		assert.Equal(t, i, res.Count)
		assert.Equal(t, 30-i, res.Remaining.Remaining)
	}

	_, err := svc.TryConsume(ctx, "acct-1", models.CounterAI, "")
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	got, err := store.RecordByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, got.AICallsUsed)
	assert.True(t, got.CanRefund, "AI use does not touch refund eligibility")
}

func TestConsumeDisallowedKindIsQuotaExceeded(t *testing.T) {
	svc, store := newService(t, entitlements.ProductionPolicy())
	seed(t, store, "acct-1", entitlements.TierBasic)

	_, err := svc.TryConsume(context.Background(), "acct-1", models.CounterAI, "")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestConsumeWithoutPlan(t *testing.T) {
	svc, store := newService(t, entitlements.ProductionPolicy())

	_, err := svc.TryConsume(context.Background(), "acct-1", models.CounterExport, "")
	assert.ErrorIs(t, err, ErrNoActivePlan)

	rec := seed(t, store, "acct-2", entitlements.TierBasic)
	svc.WithClock(func() time.Time { return rec.ExpiresAt.Add(time.Second) })
	_, err = svc.TryConsume(context.Background(), "acct-2", models.CounterExport, "")
	assert.ErrorIs(t, err, ErrNoActivePlan)
}

func TestConsumeUnknownKind(t *testing.T) {
	svc, _ := newService(t, entitlements.ProductionPolicy())

	_, err := svc.TryConsume(context.Background(), "acct-1", "pdf", "")
	assert.ErrorIs(t, err, ErrUnknownCounter)
}

func TestConcurrentConsumeOfLastUnit(t *testing.T) {
	svc, store := newService(t, entitlements.ProductionPolicy())
	rec := seed(t, store, "acct-1", entitlements.TierBasic)
	ctx := context.Background()

	// Leave exactly one export.
	for i := 0; i < 9; i++ {
		_, err := svc.TryConsume(ctx, "acct-1", models.CounterExport, "")
		require.NoError(t, err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		exceeded  int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.TryConsume(ctx, "acct-1", models.CounterExport, "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if assert.ErrorIs(t, err, ErrQuotaExceeded) {
				exceeded++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, exceeded)
	got, err := store.RecordByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.ExportsUsed)
}

func TestIdempotencyKeyChargesOnce(t *testing.T) {
	svc, store := newService(t, entitlements.ProductionPolicy())
	rec := seed(t, store, "acct-1", entitlements.TierExtended)
	ctx := context.Background()

	first, err := svc.TryConsume(ctx, "acct-1", models.CounterAI, "req-1")
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	retry, err := svc.TryConsume(ctx, "acct-1", models.CounterAI, "req-1")
	require.NoError(t, err)
	assert.True(t, retry.Replayed)
	assert.Equal(t, first.Count, retry.Count)
	assert.Equal(t, first.PlanRecordID, retry.PlanRecordID)

	other, err := svc.TryConsume(ctx, "acct-1", models.CounterAI, "req-2")
	require.NoError(t, err)
	assert.Equal(t, 2, other.Count)

	got, err := store.RecordByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AICallsUsed)
}

func TestIdempotencyKeyNotStoredOnFailure(t *testing.T) {
	svc, store := newService(t, entitlements.ProductionPolicy())
	ctx := context.Background()

	_, err := svc.TryConsume(ctx, "acct-1", models.CounterExport, "req-1")
	require.ErrorIs(t, err, ErrNoActivePlan)

	seed(t, store, "acct-1", entitlements.TierBasic)
	res, err := svc.TryConsume(ctx, "acct-1", models.CounterExport, "req-1")
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, 1, res.Count)
}

func TestPermissivePolicyBypasses(t *testing.T) {
	svc, _ := newService(t, entitlements.PermissiveTestPolicy())

	res, err := svc.TryConsume(context.Background(), "acct-1", models.CounterAI, "")
	require.NoError(t, err)
	assert.True(t, res.Bypassed)
	assert.True(t, res.Remaining.Unlimited)
}

func TestCountersNeverExceedLimits(t *testing.T) {
	svc, store := newService(t, entitlements.ProductionPolicy())
	rec := seed(t, store, "acct-1", entitlements.TierExtended)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.TryConsume(ctx, "acct-1", models.CounterAI, "")
		}()
	}
	wg.Wait()

	got, err := store.RecordByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, got.AICallsUsed)
}
