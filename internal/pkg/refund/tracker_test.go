package refund

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/a7csw/ResumeBuilder-sub001/app/models"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/entitlements"
)

func TestCheck(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	expires := now.AddDate(0, 0, 7)
	past := now.Add(-time.Minute)

	record := func(mut func(r *models.PlanRecord)) *models.PlanRecord {
		r := &models.PlanRecord{ID: "rec-1", PlanTier: models.PlanTierBasic, IsActive: true, ExpiresAt: &expires, CanRefund: true}
		if mut != nil {
			mut(r)
		}
		return r
	}

	tests := []struct {
		name     string
		rec      *models.PlanRecord
		eligible bool
		reason   Reason
	}{
		{"no record", nil, false, ReasonNoActivePlan},
		{"fresh purchase", record(nil), true, ReasonNone},
		{"after first export", record(func(r *models.PlanRecord) { r.FirstExportAt = &now; r.CanRefund = false }), false, ReasonExportTaken},
		{"refunded", record(func(r *models.PlanRecord) { r.IsActive = false; r.RefundedAt = &now; r.CanRefund = false }), false, ReasonAlreadyRefunded},
		{"expired", record(func(r *models.PlanRecord) { r.ExpiresAt = &past }), false, ReasonNoActivePlan},
		{"subscription", record(func(r *models.PlanRecord) { r.PlanTier = models.PlanTierUnlimited; r.CanRefund = false }), false, ReasonNotRefundable},
	}

	tracker := NewTracker(entitlements.NewEvaluator(entitlements.ProductionPolicy()))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := tracker.Check(tt.rec, now)
			assert.Equal(t, tt.eligible, st.Eligible)
			assert.Equal(t, tt.reason, st.Reason)
			if tt.eligible {
				assert.Equal(t, &expires, st.EligibleUntil)
			}
		})
	}
}
