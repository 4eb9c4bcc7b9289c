package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventStatus is the lifecycle state of a raw event
type EventStatus string

// Raw event statuses
const (
	StatusPending    EventStatus = "pending"
	StatusProcessing EventStatus = "processing"
	StatusNormalized EventStatus = "normalized"
	StatusFailed     EventStatus = "failed"
	StatusDuplicate  EventStatus = "duplicate"
)

// AllStatuses lists every raw event status
var AllStatuses = []EventStatus{
	StatusPending,
	StatusProcessing,
	StatusNormalized,
	StatusFailed,
	StatusDuplicate,
}

// RawEvent is a submission exactly as a producer sent it
type RawEvent struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	Source       string            `gorm:"not null;index" json:"source"`
	Payload      datatypes.JSONMap `gorm:"type:jsonb;not null" json:"payload"`
	ContentHash  string            `gorm:"size:64;not null;uniqueIndex" json:"content_hash"`
	Status       EventStatus       `gorm:"size:16;not null;index" json:"status"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	ReceivedAt   time.Time         `gorm:"not null;autoCreateTime" json:"received_at"`
	UpdatedAt    time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// NormalizedEvent is the canonical, typed record derived from a raw event
type NormalizedEvent struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ClientID       string     `gorm:"not null;index" json:"client_id"`
	Metric         *string    `json:"metric,omitempty"`
	Amount         *float64   `json:"amount,omitempty"`
	Timestamp      *time.Time `gorm:"index" json:"timestamp,omitempty"`
	NormalizedHash string     `gorm:"size:64;not null;uniqueIndex" json:"normalized_hash"`
	RawEventID     uuid.UUID  `gorm:"type:uuid;not null;index" json:"raw_event_id"`
	ProcessedAt    time.Time  `gorm:"not null;autoCreateTime" json:"processed_at"`
}

// EventFilter selects normalized events for aggregation. A range bound
// excludes events without a timestamp.
type EventFilter struct {
	ClientID  string
	StartDate *time.Time
	EndDate   *time.Time
}

// HasRange reports whether either timestamp bound is set
func (f EventFilter) HasRange() bool {
	return f.StartDate != nil || f.EndDate != nil
}

// Matches applies the filter to a single event; bounds are inclusive
func (f EventFilter) Matches(ev *NormalizedEvent) bool {
	if f.ClientID != "" && ev.ClientID != f.ClientID {
		return false
	}
	if !f.HasRange() {
		return true
	}
	if ev.Timestamp == nil {
		return false
	}
	if f.StartDate != nil && ev.Timestamp.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && ev.Timestamp.After(*f.EndDate) {
		return false
	}
	return true
}

// SetupModels runs migrations for the event tables
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&RawEvent{},
		&NormalizedEvent{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}
	return nil
}
