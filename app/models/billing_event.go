package models

import "time"

// Billing provider constants.
const (
	BillingProviderStripe  = "stripe"
	BillingProviderGeneric = "generic"
)

// Processing states of a billing event. Applied, ignored and rejected are
// terminal: a redelivery of a terminal event is a duplicate and is not applied again.
const (
	BillingEventReceived = "received"
	BillingEventApplied  = "applied"
	BillingEventIgnored  = "ignored"
	BillingEventRejected = "rejected"
	BillingEventDeferred = "deferred"
)

// BillingEvent is the audit log of provider events. The unique index on
// (provider, provider_event_id) is the storage-level idempotency guard.
// EnvelopeJSON keeps the normalized event so deferred rows can be requeued.
type BillingEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_billing_events_provider_event,unique,priority:1" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;index:ux_billing_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	AccountRef      string     `gorm:"type:varchar(191);default:'';index" json:"account_ref"`
	TierHint        string     `gorm:"type:varchar(100);default:''" json:"tier_hint"`
	PayloadJSON     string     `gorm:"type:longtext" json:"payload_json"`
	EnvelopeJSON    string     `gorm:"type:longtext" json:"envelope_json,omitempty"`
	Status          string     `gorm:"type:varchar(16);not null;default:'received';index" json:"status"`
	Attempts        int        `gorm:"not null;default:0" json:"attempts"`
	PlanRecordID    string     `gorm:"type:char(36);default:''" json:"plan_record_id,omitempty"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	ArchivedAt      *time.Time `gorm:"type:timestamp;default:null;index" json:"archived_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the event reached a final processing state.
func (e *BillingEvent) IsTerminal() bool {
	switch e.Status {
	case BillingEventApplied, BillingEventIgnored, BillingEventRejected:
		return true
	default:
		return false
	}
}
