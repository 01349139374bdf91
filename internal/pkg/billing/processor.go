package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2/log"

	"github.com/a7csw/ResumeBuilder-sub001/app/models"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/entitlements"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/planstore"
)

// ProcessorConfig tunes deferred handling of events that arrive before the
// record they refer to.
type ProcessorConfig struct {
	MaxDeferredAttempts int
	DeferredBackoff     time.Duration
}

const maxDeferredBackoff = time.Hour

// Processor applies billing events to plan records. Each event is recorded and
// applied in one transaction, so a redelivered event either finds its terminal
// audit row or repeats the whole transition.
type Processor struct {
	store    planstore.Store
	policy   entitlements.Policy
	deferred DeferredQueue
	cfg      ProcessorConfig
	now      func() time.Time
}

func NewProcessor(store planstore.Store, policy entitlements.Policy, deferred DeferredQueue, cfg ProcessorConfig) *Processor {
	if cfg.MaxDeferredAttempts <= 0 {
		cfg.MaxDeferredAttempts = 5
	}
	if cfg.DeferredBackoff <= 0 {
		cfg.DeferredBackoff = 30 * time.Second
	}
	return &Processor{
		store:    store,
		policy:   policy,
		deferred: deferred,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the processor clock. Used by tests.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Process applies one event. Unknown types, unknown tiers and events with no
// matching record are acknowledged through the outcome; only storage failures
// are returned as errors.
func (p *Processor) Process(ctx context.Context, env Envelope) (Outcome, error) {
	return p.handle(ctx, env, 0)
}

// Redrive re-applies a parked event.
func (p *Processor) Redrive(ctx context.Context, ev DeferredEvent) (Outcome, error) {
	return p.handle(ctx, ev.Envelope, ev.Attempts)
}

func (p *Processor) handle(ctx context.Context, env Envelope, attempts int) (Outcome, error) {
	env.Provider = normalizeProvider(env.Provider)
	if env.ProviderEventID == "" && env.Raw != "" {
		sum := sha256.Sum256([]byte(env.Raw))
		env.ProviderEventID = "payload-" + hex.EncodeToString(sum[:])
	}
	if err := env.Validate(); err != nil {
		return p.rejectInvalid(ctx, env, err)
	}

	var outcome Outcome
	err := planstore.RetryOnConflict(ctx, func() error {
		outcome = Outcome{}
		return p.store.Transaction(ctx, func(tx planstore.Store) error {
			var err error
			outcome, err = p.processTx(ctx, tx, env, attempts)
			return err
		})
	})
	if err != nil {
		log.Errorf("[Billing] Failed to process %s event %s (%s): %v", env.Provider, env.ProviderEventID, env.EventType, err)
		return Outcome{}, err
	}

	if outcome.Status == OutcomeDeferred {
		if err := p.park(ctx, env, attempts+1, outcome.Reason); err != nil {
			return outcome, err
		}
	}

	switch outcome.Status {
	case OutcomeApplied:
		log.Infof("[Billing] %s %s for account %s: %s -> %s", env.Provider, env.EventType, env.AccountRef, outcome.From, outcome.To)
	case OutcomeDuplicate:
		log.Debugf("[Billing] Event %s already processed", env.ProviderEventID)
	case OutcomeRejected, OutcomeIgnored:
		log.Warnf("[Billing] %s %s for account %s %s: %s", env.Provider, env.EventType, env.AccountRef, outcome.Status, outcome.Reason)
	default:
		log.Infof("[Billing] %s %s for account %s %s: %s", env.Provider, env.EventType, env.AccountRef, outcome.Status, outcome.Reason)
	}
	return outcome, nil
}

func (p *Processor) park(ctx context.Context, env Envelope, attempts int, reason string) error {
	if p.deferred == nil {
		return nil
	}
	now := p.now()
	wait := p.cfg.DeferredBackoff << (attempts - 1)
	if wait <= 0 || wait > maxDeferredBackoff {
		wait = maxDeferredBackoff
	}
	ev := DeferredEvent{
		Envelope: env,
		Attempts: attempts,
		Reason:   reason,
		ParkedAt: now,
		DueAt:    now.Add(wait),
	}
	if err := p.deferred.Park(ctx, ev); err != nil {
		log.Errorf("[Billing] Failed to park event %s: %v", env.ProviderEventID, err)
		return err
	}
	return nil
}

// rejectInvalid records an envelope that failed validation as rejected, so
// the audit log holds every delivery that carried a usable event id.
func (p *Processor) rejectInvalid(ctx context.Context, env Envelope, cause error) (Outcome, error) {
	log.Warnf("[Billing] Rejecting %s event %q: %v", env.Provider, env.ProviderEventID, cause)
	rejected := Outcome{Status: OutcomeRejected, Reason: ErrUnparsableEvent.Error()}
	if env.ProviderEventID == "" || utf8.RuneCountInString(env.ProviderEventID) > 191 || utf8.RuneCountInString(env.Provider) > 20 {
		return rejected, nil
	}

	now := p.now()
	var outcome Outcome
	err := planstore.RetryOnConflict(ctx, func() error {
		outcome = rejected
		return p.store.Transaction(ctx, func(tx planstore.Store) error {
			created, stored, err := tx.RecordBillingEvent(ctx, &models.BillingEvent{
				Provider:        env.Provider,
				ProviderEventID: env.ProviderEventID,
				EventType:       clip(env.EventType, 100),
				AccountRef:      clip(env.AccountRef, 191),
				TierHint:        clip(env.TierHint, 100),
				PayloadJSON:     payloadOf(env),
				Status:          models.BillingEventReceived,
			})
			if err != nil {
				return err
			}
			if !created && stored.IsTerminal() {
				outcome = Outcome{Status: OutcomeDuplicate, EventID: stored.ID, PlanRecordID: stored.PlanRecordID, Reason: "already " + stored.Status}
				return nil
			}
			outcome.EventID = stored.ID
			return tx.FinishBillingEvent(ctx, stored.ID, string(OutcomeRejected), "", cause.Error(), now)
		})
	})
	if err != nil {
		log.Errorf("[Billing] Failed to record rejected %s event %s: %v", env.Provider, env.ProviderEventID, err)
		return Outcome{}, err
	}
	return outcome, nil
}

func payloadOf(env Envelope) string {
	if env.Raw != "" {
		return env.Raw
	}
	if b, err := json.Marshal(env); err == nil {
		return string(b)
	}
	return ""
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// resolveAccount fills a missing account reference from the record the
// event's provider references point at.
func (p *Processor) resolveAccount(ctx context.Context, tx planstore.Store, env *Envelope) error {
	if env.AccountRef != "" {
		return nil
	}
	for _, l := range []struct {
		ref  string
		find func(context.Context, string) (*models.PlanRecord, error)
	}{
		{env.SubscriptionRef, tx.RecordBySubscriptionRef},
		{env.OrderRef, tx.RecordByOrderRef},
	} {
		rec, err := p.lookupRef(ctx, l.ref, l.find)
		if err != nil {
			return err
		}
		if rec != nil {
			env.AccountRef = rec.AccountID
			return nil
		}
	}
	return nil
}

func (p *Processor) processTx(ctx context.Context, tx planstore.Store, env Envelope, attempts int) (Outcome, error) {
	now := p.now()

	evType, known := ParseEventType(env.EventType)
	if known {
		if err := p.resolveAccount(ctx, tx, &env); err != nil {
			return Outcome{}, err
		}
	}

	var envelopeJSON string
	if b, err := json.Marshal(env); err == nil {
		envelopeJSON = string(b)
	}
	created, stored, err := tx.RecordBillingEvent(ctx, &models.BillingEvent{
		Provider:        env.Provider,
		ProviderEventID: env.ProviderEventID,
		EventType:       env.EventType,
		AccountRef:      env.AccountRef,
		TierHint:        env.TierHint,
		PayloadJSON:     payloadOf(env),
		EnvelopeJSON:    envelopeJSON,
		Status:          models.BillingEventReceived,
	})
	if err != nil {
		return Outcome{}, err
	}
	if !created && stored.IsTerminal() {
		return Outcome{Status: OutcomeDuplicate, EventID: stored.ID, PlanRecordID: stored.PlanRecordID, Reason: "already " + stored.Status}, nil
	}

	var outcome Outcome
	switch {
	case !known:
		outcome = Outcome{Status: OutcomeIgnored, Reason: ErrInvalidEventType.Error()}
	case env.AccountRef == "" && (evType == EventOrderPaid || evType == EventSubscriptionCreated):
		outcome = Outcome{Status: OutcomeRejected, Reason: "missing account reference", From: StateNoPlan, To: StateNoPlan}
	case env.AccountRef == "":
		// The referenced record may not have been granted yet.
		outcome = Outcome{Status: OutcomeDeferred, Reason: "no matching plan record", From: StateNoPlan, To: StateNoPlan}
	default:
		from, err := p.accountState(ctx, tx, env.AccountRef, now)
		if err != nil {
			return Outcome{}, err
		}
		outcome, err = p.apply(ctx, tx, evType, env, now)
		if err != nil {
			return Outcome{}, err
		}
		outcome.From = from
		if outcome.Status == OutcomeApplied {
			if outcome.To, err = p.accountState(ctx, tx, env.AccountRef, now); err != nil {
				return Outcome{}, err
			}
		} else {
			outcome.To = from
		}
	}
	outcome.EventID = stored.ID

	if outcome.Status == OutcomeDeferred && p.deferred == nil {
		outcome.Status = OutcomeIgnored
	}
	if outcome.Status == OutcomeDeferred && attempts >= p.cfg.MaxDeferredAttempts {
		outcome.Status = OutcomeRejected
		outcome.Reason = fmt.Sprintf("%s after %d attempts", outcome.Reason, attempts)
	}

	status := string(outcome.Status)
	if err := tx.FinishBillingEvent(ctx, stored.ID, status, outcome.PlanRecordID, outcome.Reason, now); err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

func (p *Processor) accountState(ctx context.Context, tx planstore.Store, accountID string, now time.Time) (State, error) {
	active, err := tx.ActiveRecord(ctx, accountID)
	if err != nil {
		return "", err
	}
	if active != nil {
		return DeriveState(active, now), nil
	}
	recs, err := tx.ListByAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return StateNoPlan, nil
	}
	return DeriveState(&recs[len(recs)-1], now), nil
}

func (p *Processor) apply(ctx context.Context, tx planstore.Store, evType EventType, env Envelope, now time.Time) (Outcome, error) {
	switch evType {
	case EventOrderPaid:
		return p.applyOrderPaid(ctx, tx, env, now)
	case EventSubscriptionCreated:
		return p.applySubscriptionCreated(ctx, tx, env, now)
	case EventSubscriptionUpdated:
		return p.applySubscriptionUpdated(ctx, tx, env)
	case EventSubscriptionCancelled:
		return p.applyDeactivation(ctx, tx, env, models.DeactivatedCancelled, now)
	case EventSubscriptionExpired:
		return p.applyDeactivation(ctx, tx, env, models.DeactivatedExpired, now)
	case EventOrderRefunded:
		return p.applyRefund(ctx, tx, env, now)
	}
	return Outcome{Status: OutcomeIgnored, Reason: ErrInvalidEventType.Error()}, nil
}

func (p *Processor) tierFor(ctx context.Context, tx planstore.Store, env Envelope, fallback entitlements.Tier) (entitlements.Tier, error) {
	if env.TierHint == "" && fallback != "" {
		return fallback, nil
	}
	tier, err := resolveTier(ctx, tx, env.Provider, env.TierHint)
	if err != nil {
		return "", err
	}
	if tier == entitlements.TierFree {
		return "", ErrUnknownTier
	}
	return tier, nil
}

// grant deactivates whatever the account holds and inserts a fresh active
// record with zeroed counters.
func (p *Processor) grant(ctx context.Context, tx planstore.Store, env Envelope, tier entitlements.Tier, now time.Time) (Outcome, error) {
	superseded, err := tx.DeactivateAccount(ctx, env.AccountRef, models.DeactivatedSuperseded, now)
	if err != nil {
		return Outcome{}, err
	}

	tp := p.policy.TierPolicy(tier)
	aiLimit, exportLimit := p.policy.Limits(tier)
	expiresAt := p.policy.ExpiresAt(tier, now, env.PeriodEnd)
	rec := &models.PlanRecord{
		AccountID:               env.AccountRef,
		PlanTier:                string(tier),
		StartsAt:                now,
		ExpiresAt:               &expiresAt,
		IsActive:                true,
		AICallsLimit:            aiLimit,
		ExportsLimit:            exportLimit,
		CanRefund:               tp.Refundable && !tp.Recurring,
		Provider:                env.Provider,
		ProviderCustomerRef:     env.CustomerRef,
		ProviderSubscriptionRef: env.SubscriptionRef,
		ProviderOrderRef:        env.OrderRef,
		SourceEventID:           env.ProviderEventID,
	}
	if err := tx.CreateRecord(ctx, rec); err != nil {
		return Outcome{}, err
	}
	if superseded > 0 {
		log.Infof("[Billing] Superseded %d active record(s) for account %s", superseded, env.AccountRef)
	}
	return Outcome{Status: OutcomeApplied, PlanRecordID: rec.ID}, nil
}

func (p *Processor) applyOrderPaid(ctx context.Context, tx planstore.Store, env Envelope, now time.Time) (Outcome, error) {
	if rec, err := p.lookupRef(ctx, env.OrderRef, tx.RecordByOrderRef); err != nil {
		return Outcome{}, err
	} else if rec != nil {
		return Outcome{Status: OutcomeIgnored, PlanRecordID: rec.ID, Reason: "order already granted"}, nil
	}
	if rec, err := p.lookupRef(ctx, env.SubscriptionRef, tx.RecordBySubscriptionRef); err != nil {
		return Outcome{}, err
	} else if rec != nil && rec.IsActive {
		return Outcome{Status: OutcomeIgnored, PlanRecordID: rec.ID, Reason: "subscription already granted"}, nil
	}

	tier, err := p.tierFor(ctx, tx, env, "")
	if err != nil {
		if errors.Is(err, ErrUnknownTier) {
			return Outcome{Status: OutcomeRejected, Reason: fmt.Sprintf("%v: %q", ErrUnknownTier, env.TierHint)}, nil
		}
		return Outcome{}, err
	}
	return p.grant(ctx, tx, env, tier, now)
}

func (p *Processor) applySubscriptionCreated(ctx context.Context, tx planstore.Store, env Envelope, now time.Time) (Outcome, error) {
	tier, err := p.tierFor(ctx, tx, env, entitlements.TierUnlimited)
	if err != nil {
		if errors.Is(err, ErrUnknownTier) {
			return Outcome{Status: OutcomeRejected, Reason: fmt.Sprintf("%v: %q", ErrUnknownTier, env.TierHint)}, nil
		}
		return Outcome{}, err
	}

	existing, err := p.lookupRef(ctx, env.SubscriptionRef, tx.RecordBySubscriptionRef)
	if err != nil {
		return Outcome{}, err
	}
	if existing != nil {
		if !existing.IsActive {
			return Outcome{Status: OutcomeIgnored, PlanRecordID: existing.ID, Reason: "subscription record no longer active"}, nil
		}
		if env.PeriodEnd != nil {
			if _, err := tx.ExtendExpiry(ctx, existing.ID, *env.PeriodEnd); err != nil {
				return Outcome{}, err
			}
		}
		return Outcome{Status: OutcomeApplied, PlanRecordID: existing.ID}, nil
	}

	// A checkout that granted the plan before the subscription was known.
	active, err := tx.ActiveRecord(ctx, env.AccountRef)
	if err != nil {
		return Outcome{}, err
	}
	if active != nil && active.PlanTier == string(tier) && active.ProviderSubscriptionRef == "" && p.policy.TierPolicy(tier).Recurring {
		if err := tx.AttachSubscription(ctx, active.ID, env.SubscriptionRef, env.CustomerRef); err != nil {
			return Outcome{}, err
		}
		if env.PeriodEnd != nil {
			if _, err := tx.ExtendExpiry(ctx, active.ID, *env.PeriodEnd); err != nil {
				return Outcome{}, err
			}
		}
		return Outcome{Status: OutcomeApplied, PlanRecordID: active.ID}, nil
	}

	return p.grant(ctx, tx, env, tier, now)
}

func (p *Processor) applySubscriptionUpdated(ctx context.Context, tx planstore.Store, env Envelope) (Outcome, error) {
	rec, err := p.matchRecord(ctx, tx, env, true)
	if err != nil || rec == nil {
		return p.unmatched(err)
	}
	if !rec.IsActive {
		return Outcome{Status: OutcomeIgnored, PlanRecordID: rec.ID, Reason: "record no longer active"}, nil
	}
	if !p.policy.TierPolicy(entitlements.Tier(rec.PlanTier)).Recurring {
		return Outcome{Status: OutcomeIgnored, PlanRecordID: rec.ID, Reason: "fixed-term plan"}, nil
	}
	if env.PeriodEnd == nil {
		return Outcome{Status: OutcomeIgnored, PlanRecordID: rec.ID, Reason: "no period end"}, nil
	}
	extended, err := tx.ExtendExpiry(ctx, rec.ID, env.PeriodEnd.UTC())
	if err != nil {
		return Outcome{}, err
	}
	if !extended {
		return Outcome{Status: OutcomeIgnored, PlanRecordID: rec.ID, Reason: "expiry not extended"}, nil
	}
	return Outcome{Status: OutcomeApplied, PlanRecordID: rec.ID}, nil
}

func (p *Processor) applyDeactivation(ctx context.Context, tx planstore.Store, env Envelope, reason string, now time.Time) (Outcome, error) {
	rec, err := p.matchRecord(ctx, tx, env, true)
	if err != nil || rec == nil {
		return p.unmatched(err)
	}
	changed, err := tx.Deactivate(ctx, rec.ID, reason, now)
	if err != nil {
		return Outcome{}, err
	}
	if !changed {
		return Outcome{Status: OutcomeIgnored, PlanRecordID: rec.ID, Reason: "record already inactive"}, nil
	}
	return Outcome{Status: OutcomeApplied, PlanRecordID: rec.ID}, nil
}

func (p *Processor) applyRefund(ctx context.Context, tx planstore.Store, env Envelope, now time.Time) (Outcome, error) {
	rec, err := p.matchRecord(ctx, tx, env, false)
	if err != nil || rec == nil {
		return p.unmatched(err)
	}
	if rec.RefundedAt != nil {
		return Outcome{Status: OutcomeIgnored, PlanRecordID: rec.ID, Reason: "record already refunded"}, nil
	}
	if err := tx.MarkRefunded(ctx, rec.ID, now); err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: OutcomeApplied, PlanRecordID: rec.ID}, nil
}

func (p *Processor) unmatched(err error) (Outcome, error) {
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: OutcomeDeferred, Reason: "no matching plan record"}, nil
}

// matchRecord finds the record an event refers to. Provider references win;
// without any, the account's active record is used, restricted to recurring
// tiers for subscription events.
func (p *Processor) matchRecord(ctx context.Context, tx planstore.Store, env Envelope, subscriptionEvent bool) (*models.PlanRecord, error) {
	lookups := []struct {
		ref  string
		find func(context.Context, string) (*models.PlanRecord, error)
	}{
		{env.SubscriptionRef, tx.RecordBySubscriptionRef},
		{env.OrderRef, tx.RecordByOrderRef},
	}
	if !subscriptionEvent {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}

	hasRef := false
	for _, l := range lookups {
		if l.ref == "" {
			continue
		}
		hasRef = true
		rec, err := p.lookupRef(ctx, l.ref, l.find)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			if rec.AccountID != env.AccountRef {
				log.Warnf("[Billing] Event %s references record %s of account %s, not %s", env.ProviderEventID, rec.ID, rec.AccountID, env.AccountRef)
				return nil, nil
			}
			return rec, nil
		}
	}
	if hasRef {
		return nil, nil
	}

	active, err := tx.ActiveRecord(ctx, env.AccountRef)
	if err != nil || active == nil {
		return nil, err
	}
	if subscriptionEvent && !p.policy.TierPolicy(entitlements.Tier(active.PlanTier)).Recurring {
		return nil, nil
	}
	return active, nil
}

func (p *Processor) lookupRef(ctx context.Context, ref string, find func(context.Context, string) (*models.PlanRecord, error)) (*models.PlanRecord, error) {
	if ref == "" {
		return nil, nil
	}
	rec, err := find(ctx, ref)
	if errors.Is(err, planstore.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}
