package entitlements

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/a7csw/ResumeBuilder-sub001/app/models"
)

// Quota is a remaining count that may be unlimited.
type Quota struct {
	Unlimited bool
	Remaining int
}

// Available reports whether at least one unit can still be consumed.
func (q Quota) Available() bool {
	return q.Unlimited || q.Remaining > 0
}

func (q Quota) String() string {
	if q.Unlimited {
		return "unlimited"
	}
	return strconv.Itoa(q.Remaining)
}

// MarshalJSON encodes unlimited as the string "unlimited" and limited as a number.
func (q Quota) MarshalJSON() ([]byte, error) {
	if q.Unlimited {
		return json.Marshal("unlimited")
	}
	return json.Marshal(q.Remaining)
}

func remaining(allowed bool, used int, limit *int) Quota {
	if !allowed {
		return Quota{}
	}
	if limit == nil {
		return Quota{Unlimited: true}
	}
	r := *limit - used
	if r < 0 {
		r = 0
	}
	return Quota{Remaining: r}
}

// Capabilities is what an account may do at one instant.
type Capabilities struct {
	Tier             Tier     `json:"tier"`
	Active           bool     `json:"active"`
	CanUseAI         bool     `json:"can_use_ai"`
	CanExport        bool     `json:"can_export"`
	RemainingAI      Quota    `json:"remaining_ai"`
	RemainingExports Quota    `json:"remaining_exports"`
	Templates        []string `json:"templates"`
	QuotaViolation   bool     `json:"quota_violation,omitempty"`
	Permissive       bool     `json:"permissive,omitempty"`
}

// CanAccessTemplate consults the tier template set, not the record.
func (c Capabilities) CanAccessTemplate(templateID string) bool {
	for _, id := range c.Templates {
		if id == templateID {
			return true
		}
	}
	return false
}

// Allows reports the capability flag for a counter kind.
func (c Capabilities) Allows(kind string) bool {
	switch kind {
	case models.CounterAI:
		return c.CanUseAI
	case models.CounterExport:
		return c.CanExport
	default:
		return false
	}
}

// Remaining returns the remaining quota for a counter kind.
func (c Capabilities) Remaining(kind string) Quota {
	if kind == models.CounterExport {
		return c.RemainingExports
	}
	return c.RemainingAI
}

// Evaluator turns a plan record and the current time into Capabilities.
// It does no I/O and never fails: missing, expired, deactivated or unknown
// records all evaluate to the Free capability set.
type Evaluator struct {
	policy Policy
}

// NewEvaluator creates an evaluator bound to one policy.
func NewEvaluator(policy Policy) *Evaluator {
	if policy.Tiers == nil {
		policy.Tiers = defaultTiers()
	}
	return &Evaluator{policy: policy}
}

// Policy returns the policy the evaluator was built with.
func (e *Evaluator) Policy() Policy {
	return e.policy
}

// Evaluate computes capabilities. It must be called on every check; results
// depend on now and are never cached.
func (e *Evaluator) Evaluate(rec *models.PlanRecord, now time.Time) Capabilities {
	if e.policy.Permissive {
		return e.permissive(rec, now)
	}
	if rec == nil || !rec.ActiveAt(now) {
		return e.free()
	}
	tier, ok := NormalizeTier(rec.PlanTier)
	if !ok || tier == TierFree {
		return e.free()
	}

	tp := e.policy.TierPolicy(tier)
	caps := Capabilities{
		Tier:             tier,
		Active:           true,
		RemainingAI:      remaining(tp.AllowAI, rec.AICallsUsed, rec.AICallsLimit),
		RemainingExports: remaining(tp.AllowExport, rec.ExportsUsed, rec.ExportsLimit),
		Templates:        AllowedTemplates(e.policy, tier),
		QuotaViolation:   rec.QuotaViolated(),
	}
	caps.CanUseAI = tp.AllowAI && caps.RemainingAI.Available()
	caps.CanExport = tp.AllowExport && caps.RemainingExports.Available()
	return caps
}

func (e *Evaluator) free() Capabilities {
	return Capabilities{
		Tier:      TierFree,
		Templates: AllowedTemplates(e.policy, TierFree),
	}
}

func (e *Evaluator) permissive(rec *models.PlanRecord, now time.Time) Capabilities {
	tier := TierFree
	if rec != nil && rec.ActiveAt(now) {
		tier, _ = NormalizeTier(rec.PlanTier)
	}
	return Capabilities{
		Tier:             tier,
		Active:           true,
		CanUseAI:         true,
		CanExport:        true,
		RemainingAI:      Quota{Unlimited: true},
		RemainingExports: Quota{Unlimited: true},
		Templates:        AllowedTemplates(e.policy, TierUnlimited),
		Permissive:       true,
	}
}

// RefundEligible reports whether the record may still be refunded: it must be
// active and time-valid, on a refundable tier, with no export taken yet.
func (e *Evaluator) RefundEligible(rec *models.PlanRecord, now time.Time) bool {
	if rec == nil || !rec.ActiveAt(now) || !rec.CanRefund || rec.FirstExportAt != nil {
		return false
	}
	tier, ok := NormalizeTier(rec.PlanTier)
	if !ok {
		return false
	}
	return e.policy.TierPolicy(tier).Refundable
}
