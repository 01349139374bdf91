// Package usage consumes AI and export quota against the account's active
// plan record.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/a7csw/ResumeBuilder-sub001/app/models"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/entitlements"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/planstore"
)

var (
	// ErrQuotaExceeded is user facing: the caller should offer an upgrade.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrNoActivePlan is user facing: the caller should offer a subscription.
	ErrNoActivePlan = errors.New("no active plan")
	// ErrUnknownCounter is returned for counter kinds other than ai and export.
	ErrUnknownCounter = errors.New("unknown counter kind")
)

// ConsumeResult describes a successful consumption.
type ConsumeResult struct {
	Kind         string             `json:"kind"`
	Count        int                `json:"count"`
	Remaining    entitlements.Quota `json:"remaining"`
	PlanRecordID string             `json:"plan_record_id,omitempty"`
	// Replayed is set when the idempotency key was already used; nothing was charged.
	Replayed bool `json:"replayed,omitempty"`
	// Bypassed is set when the permissive policy allowed a consume that would have failed.
	Bypassed bool `json:"bypassed,omitempty"`
}

type Service struct {
	store     planstore.Store
	evaluator *entitlements.Evaluator
	now       func() time.Time
}

func NewService(store planstore.Store, evaluator *entitlements.Evaluator) *Service {
	return &Service{
		store:     store,
		evaluator: evaluator,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the service clock. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// TryConsume charges one unit of kind. With a non-empty idempotencyKey a retry
// of the same call returns the first result instead of charging again.
func (s *Service) TryConsume(ctx context.Context, accountID, kind, idempotencyKey string) (ConsumeResult, error) {
	if kind != models.CounterAI && kind != models.CounterExport {
		return ConsumeResult{}, fmt.Errorf("%w: %q", ErrUnknownCounter, kind)
	}

	var res ConsumeResult
	err := planstore.RetryOnConflict(ctx, func() error {
		return s.store.Transaction(ctx, func(tx planstore.Store) error {
			var err error
			res, err = s.consume(ctx, tx, accountID, kind, idempotencyKey)
			return err
		})
	})

	if err != nil && s.evaluator.Policy().Permissive && (errors.Is(err, ErrNoActivePlan) || errors.Is(err, ErrQuotaExceeded)) {
		log.Debugf("[Usage] Permissive policy bypassed %s for account %s: %v", kind, accountID, err)
		return ConsumeResult{Kind: kind, Remaining: entitlements.Quota{Unlimited: true}, Bypassed: true}, nil
	}
	if err != nil {
		if !errors.Is(err, ErrNoActivePlan) && !errors.Is(err, ErrQuotaExceeded) {
			log.Errorf("[Usage] Failed to consume %s for account %s: %v", kind, accountID, err)
		}
		return ConsumeResult{}, err
	}
	return res, nil
}

func (s *Service) consume(ctx context.Context, tx planstore.Store, accountID, kind, key string) (ConsumeResult, error) {
	now := s.now()

	if key != "" {
		prev, err := tx.FindUsageKey(ctx, accountID, key)
		if err == nil {
			return s.replay(ctx, tx, prev, now)
		}
		if !errors.Is(err, planstore.ErrNotFound) {
			return ConsumeResult{}, err
		}
	}

	rec, err := tx.ActiveRecord(ctx, accountID)
	if err != nil {
		return ConsumeResult{}, err
	}
	if !rec.ActiveAt(now) {
		return ConsumeResult{}, ErrNoActivePlan
	}
	if !s.evaluator.Evaluate(rec, now).Allows(kind) {
		return ConsumeResult{}, ErrQuotaExceeded
	}

	ok, err := tx.IncrementIfBelowLimit(ctx, rec.ID, kind, now)
	if err != nil {
		return ConsumeResult{}, err
	}
	fresh, err := tx.RecordByID(ctx, rec.ID)
	if err != nil {
		return ConsumeResult{}, err
	}
	if !ok {
		if !fresh.ActiveAt(now) {
			// Superseded or deactivated between the read and the write.
			return ConsumeResult{}, planstore.ErrConcurrentModification
		}
		return ConsumeResult{}, ErrQuotaExceeded
	}

	count := fresh.Used(kind)
	if key != "" {
		claimed, err := tx.ClaimUsageKey(ctx, &models.UsageEvent{
			AccountID:      accountID,
			IdempotencyKey: key,
			PlanRecordID:   rec.ID,
			CounterKind:    kind,
			CountAfter:     count,
		})
		if err != nil {
			return ConsumeResult{}, err
		}
		if !claimed {
			return ConsumeResult{}, planstore.ErrConcurrentModification
		}
	}

	return ConsumeResult{
		Kind:         kind,
		Count:        count,
		Remaining:    s.evaluator.Evaluate(fresh, now).Remaining(kind),
		PlanRecordID: rec.ID,
	}, nil
}

func (s *Service) replay(ctx context.Context, tx planstore.Store, prev *models.UsageEvent, now time.Time) (ConsumeResult, error) {
	res := ConsumeResult{
		Kind:         prev.CounterKind,
		Count:        prev.CountAfter,
		PlanRecordID: prev.PlanRecordID,
		Replayed:     true,
	}
	rec, err := tx.RecordByID(ctx, prev.PlanRecordID)
	if err != nil && !errors.Is(err, planstore.ErrNotFound) {
		return ConsumeResult{}, err
	}
	res.Remaining = s.evaluator.Evaluate(rec, now).Remaining(prev.CounterKind)
	return res, nil
}
