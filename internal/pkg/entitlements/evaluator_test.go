package entitlements

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a7csw/ResumeBuilder-sub001/app/models"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func intPtr(n int) *int { return &n }

func activeRecord(tier string, term time.Duration) *models.PlanRecord {
	expires := testNow.Add(term)
	p := ProductionPolicy()
	t, _ := NormalizeTier(tier)
	ai, exports := p.Limits(t)
	return &models.PlanRecord{
		ID:           "rec-1",
		AccountID:    "acct-1",
		PlanTier:     tier,
		StartsAt:     testNow.Add(-time.Hour),
		ExpiresAt:    &expires,
		IsActive:     true,
		AICallsLimit: ai,
		ExportsLimit: exports,
		CanRefund:    p.TierPolicy(t).Refundable,
	}
}

func TestEvaluateNoRecordIsFree(t *testing.T) {
	caps := NewEvaluator(ProductionPolicy()).Evaluate(nil, testNow)

	assert.Equal(t, TierFree, caps.Tier)
	assert.False(t, caps.Active)
	assert.False(t, caps.CanUseAI)
	assert.False(t, caps.CanExport)
	assert.Equal(t, Quota{}, caps.RemainingAI)
	assert.Equal(t, Quota{}, caps.RemainingExports)
	assert.True(t, caps.CanAccessTemplate("classic"))
	assert.False(t, caps.CanAccessTemplate("executive"))
}

func TestEvaluateTierTable(t *testing.T) {
	tests := []struct {
		tier        string
		canAI       bool
		canExport   bool
		premiumTmpl bool
		ai          Quota
		exports     Quota
	}{
		{tier: "basic", canAI: false, canExport: true, premiumTmpl: false, ai: Quota{}, exports: Quota{Remaining: 10}},
		{tier: "extended", canAI: true, canExport: true, premiumTmpl: true, ai: Quota{Remaining: 30}, exports: Quota{Unlimited: true}},
		{tier: "unlimited", canAI: true, canExport: true, premiumTmpl: true, ai: Quota{Unlimited: true}, exports: Quota{Unlimited: true}},
	}

	e := NewEvaluator(ProductionPolicy())
	for _, tt := range tests {
		t.Run(tt.tier, func(t *testing.T) {
			caps := e.Evaluate(activeRecord(tt.tier, 24*time.Hour), testNow)
			assert.True(t, caps.Active)
			assert.Equal(t, tt.canAI, caps.CanUseAI)
			assert.Equal(t, tt.canExport, caps.CanExport)
			assert.Equal(t, tt.ai, caps.RemainingAI)
			assert.Equal(t, tt.exports, caps.RemainingExports)
			assert.Equal(t, tt.premiumTmpl, caps.CanAccessTemplate("executive"))
			assert.True(t, caps.CanAccessTemplate("modern"))
		})
	}
}

func TestEvaluateExpiredMatchesNoRecord(t *testing.T) {
	e := NewEvaluator(ProductionPolicy())
	want := e.Evaluate(nil, testNow)

	for _, tier := range []string{"free", "basic", "extended", "unlimited", "pro", "ai"} {
		rec := activeRecord(tier, -time.Minute)
		assert.Equal(t, want, e.Evaluate(rec, testNow), "tier %s", tier)
	}

	// Exactly at expiresAt the plan no longer counts.
	rec := activeRecord("unlimited", 0)
	assert.Equal(t, want, e.Evaluate(rec, testNow))
}

func TestEvaluateDeactivatedMatchesNoRecord(t *testing.T) {
	e := NewEvaluator(ProductionPolicy())
	rec := activeRecord("extended", 48*time.Hour)
	rec.IsActive = false

	assert.Equal(t, e.Evaluate(nil, testNow), e.Evaluate(rec, testNow))
}

func TestEvaluateClockAdvancePastExpiry(t *testing.T) {
	e := NewEvaluator(ProductionPolicy())
	rec := activeRecord("extended", 10*24*time.Hour)

	assert.True(t, e.Evaluate(rec, testNow).CanUseAI)

	later := testNow.Add(10*24*time.Hour + time.Second)
	caps := e.Evaluate(rec, later)
	assert.False(t, caps.CanUseAI)
	assert.False(t, caps.CanExport)
	assert.Equal(t, TierFree, caps.Tier)
}

func TestEvaluateExhaustedQuotaDowngrades(t *testing.T) {
	e := NewEvaluator(ProductionPolicy())
	rec := activeRecord("extended", time.Hour)
	rec.AICallsUsed = 30

	caps := e.Evaluate(rec, testNow)
	assert.False(t, caps.CanUseAI)
	assert.True(t, caps.CanExport)
	assert.Equal(t, Quota{Remaining: 0}, caps.RemainingAI)
	assert.False(t, caps.QuotaViolation)
}

func TestEvaluateFlagsQuotaViolation(t *testing.T) {
	e := NewEvaluator(ProductionPolicy())
	rec := activeRecord("extended", time.Hour)
	rec.AICallsUsed = 31

	caps := e.Evaluate(rec, testNow)
	assert.True(t, caps.QuotaViolation)
	assert.False(t, caps.CanUseAI)
	assert.Equal(t, 0, caps.RemainingAI.Remaining)
}

func TestEvaluateUnknownTierFailsClosed(t *testing.T) {
	e := NewEvaluator(ProductionPolicy())
	rec := activeRecord("enterprise", time.Hour)

	assert.Equal(t, e.Evaluate(nil, testNow), e.Evaluate(rec, testNow))
}

func TestEvaluatePermissivePolicy(t *testing.T) {
	e := NewEvaluator(PermissiveTestPolicy())

	caps := e.Evaluate(nil, testNow)
	assert.True(t, caps.Permissive)
	assert.True(t, caps.CanUseAI)
	assert.True(t, caps.CanExport)
	assert.True(t, caps.CanAccessTemplate("executive"))
	assert.True(t, caps.RemainingAI.Unlimited)
}

func TestRefundEligible(t *testing.T) {
	e := NewEvaluator(ProductionPolicy())

	rec := activeRecord("extended", time.Hour)
	assert.True(t, e.RefundEligible(rec, testNow))

	exported := testNow
	rec.FirstExportAt = &exported
	assert.False(t, e.RefundEligible(rec, testNow))

	assert.False(t, e.RefundEligible(activeRecord("unlimited", time.Hour), testNow))
	assert.False(t, e.RefundEligible(activeRecord("basic", -time.Hour), testNow))
	assert.False(t, e.RefundEligible(nil, testNow))
}

func TestQuotaJSON(t *testing.T) {
	b, err := json.Marshal(Quota{Unlimited: true})
	require.NoError(t, err)
	assert.Equal(t, `"unlimited"`, string(b))

	b, err = json.Marshal(Quota{Remaining: 7})
	require.NoError(t, err)
	assert.Equal(t, `7`, string(b))
}
