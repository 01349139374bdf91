package entitlements

import (
	"strings"
	"time"

	"github.com/a7csw/ResumeBuilder-sub001/app/models"
)

type Tier string

const (
	TierFree      Tier = models.PlanTierFree
	TierBasic     Tier = models.PlanTierBasic
	TierExtended  Tier = models.PlanTierExtended
	TierUnlimited Tier = models.PlanTierUnlimited
)

// NormalizeTier maps a tier name to its canonical value. The legacy names
// "ai" and "pro" are accepted for Extended and Unlimited.
func NormalizeTier(name string) (Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "free", "":
		return TierFree, true
	case "basic":
		return TierBasic, true
	case "extended", "ai":
		return TierExtended, true
	case "unlimited", "pro":
		return TierUnlimited, true
	default:
		return TierFree, false
	}
}

// TierPolicy is the capability template of one tier. A nil quota pointer means unlimited.
type TierPolicy struct {
	TermDays     int
	AICalls      *int
	Exports      *int
	AllowAI      bool
	AllowExport  bool
	AllTemplates bool
	Refundable   bool
	Recurring    bool
	Rank         int
}

func quota(n int) *int { return &n }

// Template catalog. Basic templates are available to every account.
var (
	BasicTemplates   = []string{"classic", "modern", "minimal"}
	PremiumTemplates = []string{"executive", "creative", "technical", "academic", "elegant"}
)

func defaultTiers() map[Tier]TierPolicy {
	return map[Tier]TierPolicy{
		TierFree: {
			AICalls: quota(0),
			Exports: quota(0),
		},
		TierBasic: {
			TermDays:    7,
			AICalls:     quota(0),
			Exports:     quota(10),
			AllowExport: true,
			Refundable:  true,
			Rank:        1,
		},
		TierExtended: {
			TermDays:     10,
			AICalls:      quota(30),
			AllowAI:      true,
			AllowExport:  true,
			AllTemplates: true,
			Refundable:   true,
			Rank:         2,
		},
		TierUnlimited: {
			TermDays:     30,
			AllowAI:      true,
			AllowExport:  true,
			AllTemplates: true,
			Recurring:    true,
			Rank:         3,
		},
	}
}

// Policy is the single tier -> capability table used by the evaluator.
// Permissive turns every check into an allow and is only meant for test and
// demo deployments where payments are switched off.
type Policy struct {
	Name       string
	Permissive bool
	Tiers      map[Tier]TierPolicy
}

const (
	PolicyProduction = "production"
	PolicyPermissive = "permissive"
)

// ProductionPolicy returns the enforcing policy.
func ProductionPolicy() Policy {
	return Policy{Name: PolicyProduction, Tiers: defaultTiers()}
}

// PermissiveTestPolicy returns a policy that allows everything.
func PermissiveTestPolicy() Policy {
	return Policy{Name: PolicyPermissive, Permissive: true, Tiers: defaultTiers()}
}

// PolicyByName resolves a configured policy name, defaulting to production.
func PolicyByName(name string) Policy {
	if strings.EqualFold(strings.TrimSpace(name), PolicyPermissive) {
		return PermissiveTestPolicy()
	}
	return ProductionPolicy()
}

// TierPolicy returns the template for a tier, falling back to Free.
func (p Policy) TierPolicy(t Tier) TierPolicy {
	if tp, ok := p.Tiers[t]; ok {
		return tp
	}
	return p.Tiers[TierFree]
}

// ExpiresAt computes the end of the active window for a new record. One-time
// tiers always get start+TermDays. Recurring tiers use the provider period end
// when it lies after start.
func (p Policy) ExpiresAt(t Tier, start time.Time, periodEnd *time.Time) time.Time {
	tp := p.TierPolicy(t)
	if tp.Recurring && periodEnd != nil && periodEnd.After(start) {
		return *periodEnd
	}
	return start.AddDate(0, 0, tp.TermDays)
}

// Limits returns copies of the tier quotas for a new record.
func (p Policy) Limits(t Tier) (aiCalls, exports *int) {
	tp := p.TierPolicy(t)
	if tp.AICalls != nil {
		aiCalls = quota(*tp.AICalls)
	}
	if tp.Exports != nil {
		exports = quota(*tp.Exports)
	}
	return aiCalls, exports
}

// AllowedTemplates returns the template ids a tier may use.
func AllowedTemplates(p Policy, t Tier) []string {
	if p.Permissive || p.TierPolicy(t).AllTemplates {
		out := make([]string, 0, len(BasicTemplates)+len(PremiumTemplates))
		out = append(out, BasicTemplates...)
		return append(out, PremiumTemplates...)
	}
	return append([]string(nil), BasicTemplates...)
}

// TierRank orders tiers for comparisons; unknown names rank as Free.
func TierRank(p Policy, name string) int {
	t, _ := NormalizeTier(name)
	return p.TierPolicy(t).Rank
}
