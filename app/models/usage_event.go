package models

import "time"

// UsageEvent records one successful quota consumption that carried a client
// idempotency key, so a retried consume returns the original result instead of
// charging the quota twice.
type UsageEvent struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	AccountID      string    `gorm:"type:varchar(191);not null;index:ux_usage_events_account_key,unique,priority:1" json:"account_id"`
	IdempotencyKey string    `gorm:"type:varchar(191);not null;index:ux_usage_events_account_key,unique,priority:2" json:"idempotency_key"`
	PlanRecordID   string    `gorm:"type:char(36);not null;index" json:"plan_record_id"`
	CounterKind    string    `gorm:"type:varchar(16);not null" json:"counter_kind"`
	CountAfter     int       `gorm:"not null" json:"count_after"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}
