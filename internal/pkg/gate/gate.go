// Package gate is the single entry point for capability checks. AI, export and
// template call sites ask the gate; they never read plan records themselves.
package gate

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/a7csw/ResumeBuilder-sub001/app/models"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/entitlements"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/planstore"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/refund"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/usage"
)

type Action string

const (
	ActionUseAI  Action = "use_ai"
	ActionExport Action = "export"
)

// ParseAction accepts "use_ai", "ai" and "export" in any case.
func ParseAction(raw string) (Action, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "use_ai", "useai", "ai":
		return ActionUseAI, true
	case "export":
		return ActionExport, true
	default:
		return "", false
	}
}

// CounterKind maps the action to the quota it consumes.
func (a Action) CounterKind() string {
	if a == ActionExport {
		return models.CounterExport
	}
	return models.CounterAI
}

// Consumer is the quota side of the gate.
type Consumer interface {
	TryConsume(ctx context.Context, accountID, kind, idempotencyKey string) (usage.ConsumeResult, error)
}

type Gate struct {
	records   planstore.Reader
	evaluator *entitlements.Evaluator
	consumer  Consumer
	refunds   *refund.Tracker
	now       func() time.Time
}

func New(records planstore.Reader, evaluator *entitlements.Evaluator, consumer Consumer) *Gate {
	return &Gate{
		records:   records,
		evaluator: evaluator,
		consumer:  consumer,
		refunds:   refund.NewTracker(evaluator),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the gate clock. Used by tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Capabilities evaluates the account's active record at the current time.
func (g *Gate) Capabilities(ctx context.Context, accountID string) (entitlements.Capabilities, error) {
	rec, err := g.records.ActiveRecord(ctx, accountID)
	if err != nil {
		return entitlements.Capabilities{}, err
	}
	caps := g.evaluator.Evaluate(rec, g.now())
	if caps.QuotaViolation {
		log.Warnf("[Gate] Account %s record %s has usage above its limit", accountID, rec.ID)
	}
	return caps, nil
}

// CanDo reports whether the action is currently allowed.
func (g *Gate) CanDo(ctx context.Context, accountID string, action Action) (bool, error) {
	caps, err := g.Capabilities(ctx, accountID)
	if err != nil {
		return false, err
	}
	return caps.Allows(action.CounterKind()), nil
}

// Consume charges one unit for the action. Errors are usage.ErrQuotaExceeded,
// usage.ErrNoActivePlan or infrastructure failures.
func (g *Gate) Consume(ctx context.Context, accountID string, action Action, idempotencyKey string) (usage.ConsumeResult, error) {
	return g.consumer.TryConsume(ctx, accountID, action.CounterKind(), idempotencyKey)
}

// CanAccessTemplate decides lock or unlock display for a template.
func (g *Gate) CanAccessTemplate(ctx context.Context, accountID, templateID string) (bool, error) {
	caps, err := g.Capabilities(ctx, accountID)
	if err != nil {
		return false, err
	}
	return caps.CanAccessTemplate(templateID), nil
}

// RefundEligibility reports the refund view of the account's current record,
// falling back to its most recent record when none is active.
func (g *Gate) RefundEligibility(ctx context.Context, accountID string) (refund.Status, error) {
	rec, err := g.records.ActiveRecord(ctx, accountID)
	if err != nil {
		return refund.Status{}, err
	}
	if rec == nil {
		recs, err := g.records.ListByAccount(ctx, accountID)
		if err != nil {
			return refund.Status{}, err
		}
		if len(recs) > 0 {
			rec = &recs[len(recs)-1]
		}
	}
	return g.refunds.Check(rec, g.now()), nil
}
