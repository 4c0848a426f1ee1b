package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type InstallmentStatus string

const (
	InstallmentStatusScheduled  InstallmentStatus = "scheduled"
	InstallmentStatusProcessing InstallmentStatus = "processing"
	InstallmentStatusPaid       InstallmentStatus = "paid"
	InstallmentStatusFailed     InstallmentStatus = "failed"
	InstallmentStatusOverdue    InstallmentStatus = "overdue"
	InstallmentStatusCancelled  InstallmentStatus = "cancelled"
)

func (s InstallmentStatus) Terminal() bool {
	return s == InstallmentStatusPaid || s == InstallmentStatusCancelled
}

// Chargeable reports whether a charge attempt may claim this installment.
// Overdue rows are chargeable only through the operator path; the sweep
// excludes them.
func (s InstallmentStatus) Chargeable() bool {
	switch s {
	case InstallmentStatusScheduled, InstallmentStatusFailed, InstallmentStatusOverdue:
		return true
	default:
		return false
	}
}

// ScheduledInstallment is one future obligation of a plan. Rows are created
// once by the plan factory and never deleted; lifecycle changes are status
// transitions so the history stays auditable.
type ScheduledInstallment struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	PlanID uint64 `gorm:"not null;index"`

	InstallmentNumber int             `gorm:"not null"`
	DueDate           time.Time       `gorm:"type:timestamptz;not null;index"`
	Amount            decimal.Decimal `gorm:"type:numeric(12,2);not null"`

	Status       InstallmentStatus `gorm:"type:varchar(20);not null;default:'scheduled';index"`
	AttemptCount int               `gorm:"not null;default:0"`

	LastFailureReason string     `gorm:"type:text"`
	LastAttemptAt     *time.Time `gorm:"type:timestamptz"`

	PaidAt          *time.Time `gorm:"type:timestamptz"`
	ChargeReference string     `gorm:"type:varchar(128)"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (ScheduledInstallment) TableName() string {
	return "scheduled_installments"
}
