package entitlements

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTier(t *testing.T) {
	tests := []struct {
		in   string
		want Tier
		ok   bool
	}{
		{in: "free", want: TierFree, ok: true},
		{in: "BASIC", want: TierBasic, ok: true},
		{in: "extended", want: TierExtended, ok: true},
		{in: "ai", want: TierExtended, ok: true},
		{in: " pro ", want: TierUnlimited, ok: true},
		{in: "unlimited", want: TierUnlimited, ok: true},
		{in: "enterprise", want: TierFree, ok: false},
	}

	for _, tt := range tests {
		got, ok := NormalizeTier(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("NormalizeTier(%q) = %q,%v want %q,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTierRank(t *testing.T) {
	p := ProductionPolicy()
	if TierRank(p, "free") >= TierRank(p, "basic") {
		t.Fatalf("expected basic to outrank free")
	}
	if TierRank(p, "basic") >= TierRank(p, "extended") {
		t.Fatalf("expected extended to outrank basic")
	}
	if TierRank(p, "extended") >= TierRank(p, "pro") {
		t.Fatalf("expected unlimited to outrank extended")
	}
}

func TestPolicyExpiresAt(t *testing.T) {
	p := ProductionPolicy()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := start.AddDate(0, 1, 0)

	assert.Equal(t, start.AddDate(0, 0, 10), p.ExpiresAt(TierExtended, start, &periodEnd))
	assert.Equal(t, start.AddDate(0, 0, 7), p.ExpiresAt(TierBasic, start, nil))
	assert.Equal(t, periodEnd, p.ExpiresAt(TierUnlimited, start, &periodEnd))
	assert.Equal(t, start.AddDate(0, 0, 30), p.ExpiresAt(TierUnlimited, start, nil))

	past := start.Add(-time.Hour)
	assert.Equal(t, start.AddDate(0, 0, 30), p.ExpiresAt(TierUnlimited, start, &past))
}

func TestPolicyLimitsAreCopies(t *testing.T) {
	p := ProductionPolicy()
	ai, exports := p.Limits(TierExtended)
	if assert.NotNil(t, ai) {
		assert.Equal(t, 30, *ai)
		*ai = 99
	}
	assert.Nil(t, exports)

	again, _ := p.Limits(TierExtended)
	assert.Equal(t, 30, *again)

	ai, exports = p.Limits(TierUnlimited)
	assert.Nil(t, ai)
	assert.Nil(t, exports)
}

func TestPolicyByName(t *testing.T) {
	assert.True(t, PolicyByName("permissive").Permissive)
	assert.False(t, PolicyByName("production").Permissive)
	assert.False(t, PolicyByName("").Permissive)
}

func TestAllowedTemplates(t *testing.T) {
	p := ProductionPolicy()
	assert.Equal(t, BasicTemplates, AllowedTemplates(p, TierBasic))
	assert.Len(t, AllowedTemplates(p, TierExtended), len(BasicTemplates)+len(PremiumTemplates))
	assert.Len(t, AllowedTemplates(PermissiveTestPolicy(), TierFree), len(BasicTemplates)+len(PremiumTemplates))
}
