package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Plan tier values as stored in plan_records.plan_tier.
const (
	PlanTierFree      = "free"
	PlanTierBasic     = "basic"
	PlanTierExtended  = "extended"
	PlanTierUnlimited = "unlimited"
)

// Counter kinds for consumable quotas.
const (
	CounterAI     = "ai"
	CounterExport = "export"
)

// PlanRecord is the durable entitlement state of one purchase or subscription.
// An account keeps every record it ever had; at most one is active at a time.
//
// ActiveSlot mirrors AccountID while IsActive is true and is NULL otherwise. The
// unique index on it makes a second active record per account impossible at the
// storage layer.
type PlanRecord struct {
	ID                      string     `gorm:"type:char(36);primaryKey" json:"id"`
	AccountID               string     `gorm:"type:varchar(191);not null;index:idx_plan_records_account_active,priority:1" json:"account_id"`
	PlanTier                string     `gorm:"type:varchar(20);not null;default:'free'" json:"plan_tier"`
	StartsAt                time.Time  `gorm:"type:timestamp;not null" json:"starts_at"`
	ExpiresAt               *time.Time `gorm:"type:timestamp;default:null" json:"expires_at,omitempty"`
	IsActive                bool       `gorm:"not null;default:false;index:idx_plan_records_account_active,priority:2" json:"is_active"`
	ActiveSlot              *string    `gorm:"type:varchar(191);uniqueIndex:ux_plan_records_active_slot;default:null" json:"-"`
	AICallsUsed             int        `gorm:"not null;default:0" json:"ai_calls_used"`
	AICallsLimit            *int       `gorm:"default:null" json:"ai_calls_limit"`
	ExportsUsed             int        `gorm:"not null;default:0" json:"exports_used"`
	ExportsLimit            *int       `gorm:"default:null" json:"exports_limit"`
	CanRefund               bool       `gorm:"not null;default:false" json:"can_refund"`
	FirstExportAt           *time.Time `gorm:"type:timestamp;default:null" json:"first_export_at,omitempty"`
	RefundedAt              *time.Time `gorm:"type:timestamp;default:null" json:"refunded_at,omitempty"`
	DeactivatedAt           *time.Time `gorm:"type:timestamp;default:null" json:"deactivated_at,omitempty"`
	DeactivationReason      string     `gorm:"type:varchar(32);default:''" json:"deactivation_reason,omitempty"`
	Provider                string     `gorm:"type:varchar(20);default:''" json:"provider"`
	ProviderCustomerRef     string     `gorm:"type:varchar(191);default:'';index" json:"provider_customer_ref,omitempty"`
	ProviderSubscriptionRef string     `gorm:"type:varchar(191);default:'';index" json:"provider_subscription_ref,omitempty"`
	ProviderOrderRef        string     `gorm:"type:varchar(191);default:'';index" json:"provider_order_ref,omitempty"`
	SourceEventID           string     `gorm:"type:varchar(191);default:''" json:"source_event_id,omitempty"`
	CreatedAt               time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Deactivation reasons stored alongside IsActive=false.
const (
	DeactivatedSuperseded = "superseded"
	DeactivatedCancelled  = "cancelled"
	DeactivatedExpired    = "expired"
	DeactivatedRefunded   = "refunded"
)

// BeforeCreate assigns the immutable id and keeps ActiveSlot consistent with IsActive.
func (p *PlanRecord) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.IsActive {
		slot := p.AccountID
		p.ActiveSlot = &slot
	} else {
		p.ActiveSlot = nil
	}
	return nil
}

// TimeValid reports whether now falls inside the record's active window.
// A nil ExpiresAt never counts as time-valid for paid use.
func (p *PlanRecord) TimeValid(now time.Time) bool {
	if p == nil || p.ExpiresAt == nil {
		return false
	}
	return now.Before(*p.ExpiresAt)
}

// ActiveAt is the derived active-for-use status: IsActive && now < ExpiresAt.
func (p *PlanRecord) ActiveAt(now time.Time) bool {
	return p != nil && p.IsActive && p.PlanTier != PlanTierFree && p.TimeValid(now)
}

// Used returns the consumed count for a counter kind.
func (p *PlanRecord) Used(kind string) int {
	if kind == CounterExport {
		return p.ExportsUsed
	}
	return p.AICallsUsed
}

// Limit returns the limit for a counter kind, nil meaning unlimited.
func (p *PlanRecord) Limit(kind string) *int {
	if kind == CounterExport {
		return p.ExportsLimit
	}
	return p.AICallsLimit
}

// QuotaViolated reports a stored counter above its non-null limit.
func (p *PlanRecord) QuotaViolated() bool {
	if p == nil {
		return false
	}
	if p.AICallsLimit != nil && p.AICallsUsed > *p.AICallsLimit {
		return true
	}
	return p.ExportsLimit != nil && p.ExportsUsed > *p.ExportsLimit
}
