package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"rentpay/internal/models"
)

// Repository is the persistence surface of the installment engine. The
// charge lifecycle methods (Claim/Settle/MarkPaid/Escalate/Cancel) each run
// in their own transaction and take the per-installment row lock, so plan
// aggregates and installment statuses can never drift apart.
type Repository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error

	// Plans.
	CreatePlanWithInstallments(ctx context.Context, plan *models.InstallmentPlan, installments []models.ScheduledInstallment) error
	GetPlanByID(ctx context.Context, id uint64) (*models.InstallmentPlan, error)
	GetOpenPlanByRentalID(ctx context.Context, rentalID string) (*models.InstallmentPlan, error)
	ListPlans(ctx context.Context, params ListPlansParams) ([]models.InstallmentPlan, error)
	CountPlans(ctx context.Context, params ListPlansParams) (int64, error)

	// Installments.
	GetInstallmentByID(ctx context.Context, id uint64) (*models.ScheduledInstallment, error)
	ListInstallmentsByPlanID(ctx context.Context, planID uint64) ([]models.ScheduledInstallment, error)
	ListDueInstallments(ctx context.Context, due time.Time, statuses []models.InstallmentStatus, limit int) ([]models.ScheduledInstallment, error)

	// ClaimInstallment moves a chargeable installment to processing under a
	// row lock. Returns ErrAlreadyProcessing when another caller holds the
	// claim, ErrConflict for terminal rows, ErrRetryExhausted when the
	// attempt budget is spent. sweep claims exclude overdue rows; operator
	// claims (force) include them.
	ClaimInstallment(ctx context.Context, id uint64, force bool, maxAttempts int) (*models.ScheduledInstallment, error)

	// SettleInstallmentPaid finishes a successful charge: installment to
	// paid, plan aggregates and derived status recomputed, journal row
	// inserted, all in one transaction.
	SettleInstallmentPaid(ctx context.Context, id uint64, paidAt time.Time, chargeRef string, event *models.ChargeEvent) (*models.InstallmentPlan, error)

	// SettleInstallmentFailed finishes a declined or errored charge:
	// installment back to failed with the attempt recorded. countAttempt
	// is false for timeouts, which keep their attempt number so the next
	// try reuses the same idempotency key and reconciles with the gateway.
	SettleInstallmentFailed(ctx context.Context, id uint64, attemptAt time.Time, reason string, countAttempt bool, event *models.ChargeEvent) (*models.ScheduledInstallment, error)

	// MarkInstallmentPaid records a manual payment without a gateway call.
	// Reports changed=false (no error) when the row is already paid.
	MarkInstallmentPaid(ctx context.Context, id uint64, paidAt time.Time) (plan *models.InstallmentPlan, changed bool, err error)

	// EscalateInstallmentOverdue transitions an unpaid installment past its
	// grace period to overdue and re-derives the plan status.
	EscalateInstallmentOverdue(ctx context.Context, id uint64) (*models.InstallmentPlan, *models.ScheduledInstallment, error)

	// CancelPlan cancels every non-paid installment and the plan itself.
	// Paid rows and collected totals are untouched.
	CancelPlan(ctx context.Context, planID uint64, reason string, at time.Time) (*models.InstallmentPlan, error)

	// Charge journal.
	ListChargeEventsByInstallmentID(ctx context.Context, installmentID uint64) ([]models.ChargeEvent, error)
}

type ListPlansParams struct {
	Limit    int
	Offset   int
	Status   *string
	RentalID *string
	OrderBy  string
	Asc      *bool
}
