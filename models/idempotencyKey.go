package models

import "time"

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

// IdempotencyKey makes at-least-once webhook delivery (payment provider,
// refund notifications) safe to replay. One row per (clinic, handler, message).
type IdempotencyKey struct {
	ID          int               `gorm:"primary_key" json:"id"`
	ClinicId    string            `gorm:"uniqueIndex:idx_idem_key;not null" json:"clinic_id"`
	HandlerName string            `gorm:"uniqueIndex:idx_idem_key;size:50;not null" json:"handler_name"`
	MessageId   string            `gorm:"uniqueIndex:idx_idem_key;size:100;not null" json:"message_id"`
	Status      IdempotencyStatus `gorm:"size:10;not null" json:"status"`
	LastError   *string           `gorm:"type:text" json:"last_error"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
