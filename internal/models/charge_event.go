package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	ChargeOutcomePaid     = "paid"
	ChargeOutcomeDeclined = "declined"
	ChargeOutcomeTimeout  = "timeout"
	ChargeOutcomeError    = "error"
	ChargeOutcomeManual   = "manual"
)

// ChargeEvent is the insert-only journal of charge attempts. Installment
// rows keep only the latest failure reason; the full attempt history lives
// here.
type ChargeEvent struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	InstallmentID uint64 `gorm:"not null;index"`
	PlanID        uint64 `gorm:"not null;index"`

	Attempt        int    `gorm:"not null"`
	IdempotencyKey string `gorm:"type:varchar(64);not null;index"`

	Outcome         string `gorm:"type:varchar(20);not null;index"`
	Reason          string `gorm:"type:text"`
	ChargeReference string `gorm:"type:varchar(128)"`

	Payload datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (ChargeEvent) TableName() string {
	return "charge_events"
}
