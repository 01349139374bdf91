// Package planstore persists plan records, usage idempotency keys and the
// billing event audit log. It is the only package that writes plan_records.
package planstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/a7csw/ResumeBuilder-sub001/app/models"
)

var (
	// ErrStorageUnavailable wraps every infrastructure failure of the store.
	ErrStorageUnavailable = errors.New("plan store unavailable")
	// ErrConcurrentModification signals a lost race against another writer.
	ErrConcurrentModification = errors.New("plan record modified concurrently")
	// ErrNotFound is returned by lookups that found nothing.
	ErrNotFound = errors.New("not found")
)

// Reader is the read-only view handed to components that only evaluate.
type Reader interface {
	ActiveRecord(ctx context.Context, accountID string) (*models.PlanRecord, error)
	ActiveRecords(ctx context.Context, accountID string) ([]models.PlanRecord, error)
	RecordByID(ctx context.Context, id string) (*models.PlanRecord, error)
	ListByAccount(ctx context.Context, accountID string) ([]models.PlanRecord, error)
}

// Store is the full plan record store.
type Store interface {
	Reader

	RecordBySubscriptionRef(ctx context.Context, ref string) (*models.PlanRecord, error)
	RecordByOrderRef(ctx context.Context, ref string) (*models.PlanRecord, error)
	CreateRecord(ctx context.Context, rec *models.PlanRecord) error
	DeactivateAccount(ctx context.Context, accountID, reason string, now time.Time) (int64, error)
	Deactivate(ctx context.Context, id, reason string, now time.Time) (bool, error)
	MarkRefunded(ctx context.Context, id string, now time.Time) error
	ExtendExpiry(ctx context.Context, id string, expiresAt time.Time) (bool, error)
	AttachSubscription(ctx context.Context, id, subscriptionRef, customerRef string) error
	IncrementIfBelowLimit(ctx context.Context, id, kind string, now time.Time) (bool, error)

	ClaimUsageKey(ctx context.Context, ev *models.UsageEvent) (bool, error)
	FindUsageKey(ctx context.Context, accountID, key string) (*models.UsageEvent, error)

	RecordBillingEvent(ctx context.Context, ev *models.BillingEvent) (bool, *models.BillingEvent, error)
	FinishBillingEvent(ctx context.Context, id uint, status, planRecordID, processingError string, now time.Time) error
	FindPlanMapping(ctx context.Context, provider, providerPlanRef string) (*models.BillingPlanMapping, error)
	ListArchivableEvents(ctx context.Context, before time.Time, limit int) ([]models.BillingEvent, error)
	// ListStaleDeferredEvents returns deferred events last processed before the cutoff.
	ListStaleDeferredEvents(ctx context.Context, before time.Time, limit int) ([]models.BillingEvent, error)
	MarkEventsArchived(ctx context.Context, ids []uint, now time.Time) error

	// Transaction runs fn against a store bound to one database transaction.
	// Errors returned by fn are passed through unchanged.
	Transaction(ctx context.Context, fn func(tx Store) error) error
}

type gormStore struct {
	db *gorm.DB
}

// New creates a store backed by GORM.
func New(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrConcurrentModification) {
		return err
	}
	if isConflict(err) {
		return fmt.Errorf("%w: %w", ErrConcurrentModification, err)
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

// MySQL server errors that abort a transaction which is safe to run again.
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

func isConflict(err error) bool {
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDeadlock || myErr.Number == mysqlLockWaitTimeout
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "deadlock")
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate entry")
}

func (s *gormStore) ActiveRecords(ctx context.Context, accountID string) ([]models.PlanRecord, error) {
	var recs []models.PlanRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND is_active = ?", accountID, true).
		Order("starts_at DESC").Order("created_at DESC").
		Find(&recs).Error
	return recs, wrap(err)
}

// ActiveRecord returns the account's active record or nil when there is none.
// More than one active row is tolerated on read; the newest wins.
func (s *gormStore) ActiveRecord(ctx context.Context, accountID string) (*models.PlanRecord, error) {
	recs, err := s.ActiveRecords(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	if len(recs) > 1 {
		log.Warnf("[PlanStore] account %s has %d active plan records, using newest %s", accountID, len(recs), recs[0].ID)
	}
	return &recs[0], nil
}

func (s *gormStore) RecordByID(ctx context.Context, id string) (*models.PlanRecord, error) {
	var rec models.PlanRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, wrap(err)
	}
	return &rec, nil
}

func (s *gormStore) ListByAccount(ctx context.Context, accountID string) ([]models.PlanRecord, error) {
	var recs []models.PlanRecord
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("created_at ASC").Find(&recs).Error
	return recs, wrap(err)
}

func (s *gormStore) latestByColumn(ctx context.Context, column, ref string) (*models.PlanRecord, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, ErrNotFound
	}
	var rec models.PlanRecord
	err := s.db.WithContext(ctx).
		Where(column+" = ?", ref).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		return nil, wrap(err)
	}
	return &rec, nil
}

func (s *gormStore) RecordBySubscriptionRef(ctx context.Context, ref string) (*models.PlanRecord, error) {
	return s.latestByColumn(ctx, "provider_subscription_ref", ref)
}

func (s *gormStore) RecordByOrderRef(ctx context.Context, ref string) (*models.PlanRecord, error) {
	return s.latestByColumn(ctx, "provider_order_ref", ref)
}

// CreateRecord inserts a new record. Inserting an active record while another
// one is active for the same account fails with ErrConcurrentModification.
func (s *gormStore) CreateRecord(ctx context.Context, rec *models.PlanRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if isDuplicate(err) {
			return ErrConcurrentModification
		}
		return wrap(err)
	}
	return nil
}

func deactivation(reason string, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"is_active":           false,
		"active_slot":         nil,
		"deactivated_at":      now,
		"deactivation_reason": reason,
	}
}

func (s *gormStore) DeactivateAccount(ctx context.Context, accountID, reason string, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.PlanRecord{}).
		Where("account_id = ? AND is_active = ?", accountID, true).
		Updates(deactivation(reason, now))
	return res.RowsAffected, wrap(res.Error)
}

func (s *gormStore) Deactivate(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.PlanRecord{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(deactivation(reason, now))
	return res.RowsAffected > 0, wrap(res.Error)
}

// MarkRefunded deactivates the record and clears refund eligibility. It is
// safe to apply to an already refunded or inactive record.
func (s *gormStore) MarkRefunded(ctx context.Context, id string, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.PlanRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_active":           false,
			"active_slot":         nil,
			"can_refund":          false,
			"refunded_at":         gorm.Expr("COALESCE(refunded_at, ?)", now),
			"deactivated_at":      gorm.Expr("COALESCE(deactivated_at, ?)", now),
			"deactivation_reason": models.DeactivatedRefunded,
		})
	if res.Error != nil {
		return wrap(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ExtendExpiry moves expires_at forward on an active record. It never moves it
// backwards, so replayed or reordered renewals cannot shorten a term.
func (s *gormStore) ExtendExpiry(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.PlanRecord{}).
		Where("id = ? AND is_active = ? AND (expires_at IS NULL OR expires_at < ?)", id, true, expiresAt).
		Update("expires_at", expiresAt)
	return res.RowsAffected > 0, wrap(res.Error)
}

func (s *gormStore) AttachSubscription(ctx context.Context, id, subscriptionRef, customerRef string) error {
	updates := map[string]interface{}{}
	if subscriptionRef != "" {
		updates["provider_subscription_ref"] = subscriptionRef
	}
	if customerRef != "" {
		updates["provider_customer_ref"] = customerRef
	}
	if len(updates) == 0 {
		return nil
	}
	return wrap(s.db.WithContext(ctx).Model(&models.PlanRecord{}).Where("id = ?", id).Updates(updates).Error)
}

// IncrementIfBelowLimit is the single conditional write behind quota
// consumption. The limit check and the increment happen in one UPDATE, so two
// concurrent callers can never both pass the last remaining unit. An export
// increment also stamps first_export_at once and clears can_refund.
func (s *gormStore) IncrementIfBelowLimit(ctx context.Context, id, kind string, now time.Time) (bool, error) {
	q := s.db.WithContext(ctx).Model(&models.PlanRecord{}).
		Where("id = ? AND is_active = ? AND expires_at > ?", id, true, now)

	var updates map[string]interface{}
	switch kind {
	case models.CounterAI:
		q = q.Where("(ai_calls_limit IS NULL OR ai_calls_used < ai_calls_limit)")
		updates = map[string]interface{}{
			"ai_calls_used": gorm.Expr("ai_calls_used + 1"),
		}
	case models.CounterExport:
		q = q.Where("(exports_limit IS NULL OR exports_used < exports_limit)")
		updates = map[string]interface{}{
			"exports_used":    gorm.Expr("exports_used + 1"),
			"first_export_at": gorm.Expr("COALESCE(first_export_at, ?)", now),
			"can_refund":      false,
		}
	default:
		return false, fmt.Errorf("unknown counter kind %q", kind)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, wrap(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *gormStore) ClaimUsageKey(ctx context.Context, ev *models.UsageEvent) (bool, error) {
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "account_id"},
			{Name: "idempotency_key"},
		},
		DoNothing: true,
	}).Create(ev)
	if tx.Error != nil {
		return false, wrap(tx.Error)
	}
	return tx.RowsAffected > 0, nil
}

func (s *gormStore) FindUsageKey(ctx context.Context, accountID, key string) (*models.UsageEvent, error) {
	var ev models.UsageEvent
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID, key).
		First(&ev).Error
	if err != nil {
		return nil, wrap(err)
	}
	return &ev, nil
}

// RecordBillingEvent inserts the event unless (provider, provider_event_id)
// already exists and returns the stored row either way.
func (s *gormStore) RecordBillingEvent(ctx context.Context, ev *models.BillingEvent) (bool, *models.BillingEvent, error) {
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(ev)
	if tx.Error != nil {
		return false, nil, wrap(tx.Error)
	}

	created := tx.RowsAffected > 0
	var stored models.BillingEvent
	if err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", ev.Provider, ev.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, wrap(err)
	}
	return created, &stored, nil
}

func (s *gormStore) FinishBillingEvent(ctx context.Context, id uint, status, planRecordID, processingError string, now time.Time) error {
	updates := map[string]interface{}{
		"status":           status,
		"processed_at":     now,
		"processing_error": processingError,
		"attempts":         gorm.Expr("attempts + 1"),
	}
	if planRecordID != "" {
		updates["plan_record_id"] = planRecordID
	}
	return wrap(s.db.WithContext(ctx).Model(&models.BillingEvent{}).Where("id = ?", id).Updates(updates).Error)
}

func (s *gormStore) FindPlanMapping(ctx context.Context, provider, providerPlanRef string) (*models.BillingPlanMapping, error) {
	var m models.BillingPlanMapping
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_plan_ref = ? AND is_active = ?", provider, providerPlanRef, true).
		First(&m).Error
	if err != nil {
		return nil, wrap(err)
	}
	return &m, nil
}

func (s *gormStore) ListArchivableEvents(ctx context.Context, before time.Time, limit int) ([]models.BillingEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	var events []models.BillingEvent
	err := s.db.WithContext(ctx).
		Where("archived_at IS NULL AND processed_at IS NOT NULL AND created_at < ?", before).
		Where("status IN ?", []string{models.BillingEventApplied, models.BillingEventIgnored, models.BillingEventRejected}).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, wrap(err)
}

func (s *gormStore) ListStaleDeferredEvents(ctx context.Context, before time.Time, limit int) ([]models.BillingEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []models.BillingEvent
	err := s.db.WithContext(ctx).
		Where("status = ? AND processed_at < ?", models.BillingEventDeferred, before).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, wrap(err)
}

func (s *gormStore) MarkEventsArchived(ctx context.Context, ids []uint, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return wrap(s.db.WithContext(ctx).Model(&models.BillingEvent{}).
		Where("id IN ?", ids).
		Update("archived_at", now).Error)
}

func (s *gormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(&gormStore{db: tx})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return wrap(err)
}
