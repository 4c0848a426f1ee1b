package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type PlanType string

const (
	PlanTypeFull    PlanType = "full"
	PlanTypeWeekly  PlanType = "weekly"
	PlanTypeMonthly PlanType = "monthly"
)

type PlanStatus string

const (
	PlanStatusPending   PlanStatus = "pending"
	PlanStatusActive    PlanStatus = "active"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusOverdue   PlanStatus = "overdue"
	PlanStatusCancelled PlanStatus = "cancelled"
)

func (s PlanStatus) Terminal() bool {
	return s == PlanStatusCompleted || s == PlanStatusCancelled
}

// InstallmentPlan is the persisted agreement to pay a rental's installable
// amount across scheduled charges. A rental holds at most one non-terminal
// plan. NumberOfInstallments is the chosen split count; ScheduledCount is
// the number of installment rows actually persisted (one less when the
// first installment was collected upfront).
type InstallmentPlan struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	RentalID string `gorm:"type:varchar(64);not null;index"`

	PlanType             PlanType `gorm:"type:varchar(10);not null"`
	NumberOfInstallments int      `gorm:"not null"`
	ScheduledCount       int      `gorm:"not null"`

	InstallmentAmount      decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	UpfrontAmount          decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0"`
	UpfrontPaid            bool            `gorm:"not null;default:false"`
	TotalInstallableAmount decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	TotalPaid              decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0"`
	PaidInstallments       int             `gorm:"not null;default:0"`

	NextDueDate *time.Time `gorm:"type:timestamptz;index"`
	Status      PlanStatus `gorm:"type:varchar(20);not null;default:'pending';index"`

	PaymentMethodReference string `gorm:"type:varchar(128);not null"`
	Currency               string `gorm:"type:varchar(3);not null"`

	// PolicySnapshot records the tenant policy the plan was created under.
	PolicySnapshot datatypes.JSON `gorm:"type:jsonb"`

	CancelReason string     `gorm:"type:text"`
	CancelledAt  *time.Time `gorm:"type:timestamptz"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (InstallmentPlan) TableName() string {
	return "installment_plans"
}

// DerivePlanStatus computes the plan state from its installment rows.
// Completed and cancelled are terminal. Overdue recovers to active once the
// overdue rows clear (manual catch-up), which is why the derivation runs on
// every triggering change instead of latching.
func DerivePlanStatus(current PlanStatus, installments []ScheduledInstallment) PlanStatus {
	if current.Terminal() {
		return current
	}
	paid := 0
	overdue := false
	for _, inst := range installments {
		switch inst.Status {
		case InstallmentStatusPaid:
			paid++
		case InstallmentStatusOverdue:
			overdue = true
		}
	}
	if len(installments) > 0 && paid == len(installments) {
		return PlanStatusCompleted
	}
	if overdue {
		return PlanStatusOverdue
	}
	return PlanStatusActive
}
