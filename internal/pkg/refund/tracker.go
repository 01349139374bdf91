// Package refund derives refund eligibility from a plan record. The flag it
// reads only ever moves from true to false: the first export clears it and so
// does a refund.
package refund

import (
	"time"

	"github.com/a7csw/ResumeBuilder-sub001/app/models"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/entitlements"
)

type Reason string

const (
	ReasonNone            Reason = ""
	ReasonNoActivePlan    Reason = "no_active_plan"
	ReasonNotRefundable   Reason = "tier_not_refundable"
	ReasonExportTaken     Reason = "export_taken"
	ReasonAlreadyRefunded Reason = "already_refunded"
)

// Status is the refund view of one record.
type Status struct {
	Eligible      bool       `json:"eligible"`
	Reason        Reason     `json:"reason,omitempty"`
	PlanRecordID  string     `json:"plan_record_id,omitempty"`
	Tier          string     `json:"tier,omitempty"`
	FirstExportAt *time.Time `json:"first_export_at,omitempty"`
	RefundedAt    *time.Time `json:"refunded_at,omitempty"`
	EligibleUntil *time.Time `json:"eligible_until,omitempty"`
}

type Tracker struct {
	evaluator *entitlements.Evaluator
}

func NewTracker(evaluator *entitlements.Evaluator) *Tracker {
	return &Tracker{evaluator: evaluator}
}

// Check explains whether rec can be refunded at now. rec may be nil or an
// inactive record; the reason then says why nothing is refundable.
func (t *Tracker) Check(rec *models.PlanRecord, now time.Time) Status {
	if rec == nil {
		return Status{Reason: ReasonNoActivePlan}
	}

	st := Status{
		PlanRecordID:  rec.ID,
		Tier:          rec.PlanTier,
		FirstExportAt: rec.FirstExportAt,
		RefundedAt:    rec.RefundedAt,
	}
	if t.evaluator.RefundEligible(rec, now) {
		st.Eligible = true
		st.EligibleUntil = rec.ExpiresAt
		return st
	}

	tier, _ := entitlements.NormalizeTier(rec.PlanTier)
	switch {
	case rec.RefundedAt != nil:
		st.Reason = ReasonAlreadyRefunded
	case !rec.ActiveAt(now):
		st.Reason = ReasonNoActivePlan
	case !t.evaluator.Policy().TierPolicy(tier).Refundable:
		st.Reason = ReasonNotRefundable
	default:
		st.Reason = ReasonExportTaken
	}
	return st
}
