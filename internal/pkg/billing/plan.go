package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/a7csw/ResumeBuilder-sub001/app/models"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/entitlements"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/planstore"
)

// State is the per-account billing state derived from its plan records.
type State string

const (
	StateNoPlan     State = "no_plan"
	StateActivePaid State = "active_paid"
	StateExpired    State = "expired"
	StateCancelled  State = "cancelled"
	StateRefunded   State = "refunded"
)

// DeriveState maps the account's current (or most recent) record to a state.
func DeriveState(rec *models.PlanRecord, now time.Time) State {
	if rec == nil {
		return StateNoPlan
	}
	if rec.IsActive {
		if rec.ActiveAt(now) {
			return StateActivePaid
		}
		return StateExpired
	}
	switch rec.DeactivationReason {
	case models.DeactivatedRefunded:
		return StateRefunded
	case models.DeactivatedExpired:
		return StateExpired
	default:
		return StateCancelled
	}
}

func normalizeProvider(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" {
		return models.BillingProviderGeneric
	}
	return p
}

// resolveTier maps a tier hint to a plan tier. Canonical and legacy names win;
// anything else is looked up as a provider plan reference.
func resolveTier(ctx context.Context, store planstore.Store, provider, hint string) (entitlements.Tier, error) {
	h := strings.TrimSpace(hint)
	if h == "" {
		return entitlements.TierFree, ErrUnknownTier
	}
	if tier, ok := entitlements.NormalizeTier(h); ok {
		return tier, nil
	}

	m, err := store.FindPlanMapping(ctx, provider, h)
	if err != nil {
		if errors.Is(err, planstore.ErrNotFound) {
			return entitlements.TierFree, ErrUnknownTier
		}
		return entitlements.TierFree, err
	}
	if tier, ok := entitlements.NormalizeTier(m.InternalTier); ok {
		return tier, nil
	}
	return entitlements.TierFree, ErrUnknownTier
}
