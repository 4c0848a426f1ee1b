package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"rentpay/internal/apperrors"
	"rentpay/internal/client/booking"
	"rentpay/internal/config"
	"rentpay/internal/models"
	"rentpay/internal/repository"
	"rentpay/internal/schedule"
)

// BookingService is the slice of the booking backend the plan service needs.
type BookingService interface {
	GetRental(ctx context.Context, id string) (*booking.Rental, error)
}

// PlanService owns the plan lifecycle: computing selectable options for a
// rental, materializing the chosen option into a persisted plan, and the
// operator overrides. Amounts always come from a server-side recomputation
// against the booking record, never from the request body.
type PlanService struct {
	Repo     repository.Repository
	Booking  BookingService
	Executor *ChargeExecutor
	Logger   *zap.Logger
	Config   config.PlanConfig

	// Now is swappable for tests; defaults to time.Now.
	Now func() time.Time
}

func (s *PlanService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Options recomputes the selectable payment options for a rental. The full
// option is always present; the caller auto-selects it when it is the only
// one.
func (s *PlanService) Options(ctx context.Context, rentalID string) ([]schedule.Option, error) {
	rental, err := s.Booking.GetRental(ctx, rentalID)
	if err != nil {
		return nil, err
	}
	return schedule.Options(schedule.Input{
		RentalDays:        rental.Days(),
		InstallableAmount: rental.InstallableAmount,
		UpfrontAmount:     rental.UpfrontAmount,
		Enabled:           s.Config.Enabled,
		Policy:            s.Config,
	})
}

type ChoosePlanInput struct {
	RentalID string          `json:"-"`
	PlanType models.PlanType `json:"option_type" binding:"required"`

	// Overrides the payment method stored on the rental when set.
	PaymentMethodReference string `json:"payment_method_reference"`
}

// ChoosePlan materializes the selected option into a plan with its future
// installment rows, atomically. The option is recomputed from the booking
// record so a stale or tampered client cannot fix its own amounts. At most
// one open plan may exist per rental; the insert re-checks that under the
// transaction and returns ErrConflict on a lost race.
func (s *PlanService) ChoosePlan(ctx context.Context, in ChoosePlanInput) (*models.InstallmentPlan, []models.ScheduledInstallment, error) {
	if in.PlanType == models.PlanTypeFull {
		return nil, nil, fmt.Errorf("%w: full option is settled at checkout, not as a plan", apperrors.ErrValidation)
	}

	rental, err := s.Booking.GetRental(ctx, in.RentalID)
	if err != nil {
		return nil, nil, err
	}
	paymentMethod := in.PaymentMethodReference
	if paymentMethod == "" {
		paymentMethod = rental.PaymentMethodReference
	}
	if paymentMethod == "" {
		return nil, nil, fmt.Errorf("%w: rental has no stored payment method", apperrors.ErrValidation)
	}

	if existing, err := s.Repo.GetOpenPlanByRentalID(ctx, in.RentalID); err != nil {
		return nil, nil, err
	} else if existing != nil {
		return nil, nil, fmt.Errorf("%w: rental %s already has an open plan", apperrors.ErrConflict, in.RentalID)
	}

	options, err := schedule.Options(schedule.Input{
		RentalDays:        rental.Days(),
		InstallableAmount: rental.InstallableAmount,
		UpfrontAmount:     rental.UpfrontAmount,
		Enabled:           s.Config.Enabled,
		Policy:            s.Config,
	})
	if err != nil {
		return nil, nil, err
	}

	var opt *schedule.Option
	for i := range options {
		if options[i].Type == in.PlanType {
			opt = &options[i]
			break
		}
	}
	if opt == nil {
		return nil, nil, fmt.Errorf("%w: %s plan is not offered for this rental", apperrors.ErrValidation, in.PlanType)
	}

	snapshot, err := json.Marshal(s.Config)
	if err != nil {
		return nil, nil, err
	}

	bookedAt := s.now().UTC()
	bookingDate := time.Date(bookedAt.Year(), bookedAt.Month(), bookedAt.Day(), 0, 0, 0, 0, time.UTC)
	dueDates := installmentDueDates(opt.Type, bookingDate, opt.ScheduledInstallments, s.Config.ChargeFirstUpfront)
	amounts := schedule.RowAmounts(opt.InstallmentAmount, opt.LastInstallmentAmount, opt.ScheduledInstallments)

	plan := &models.InstallmentPlan{
		RentalID:               in.RentalID,
		PlanType:               opt.Type,
		NumberOfInstallments:   opt.NumberOfInstallments,
		ScheduledCount:         opt.ScheduledInstallments,
		InstallmentAmount:      opt.InstallmentAmount,
		UpfrontAmount:          opt.UpfrontTotal,
		UpfrontPaid:            s.Config.ChargeFirstUpfront,
		TotalInstallableAmount: opt.TotalAmount,
		Status:                 models.PlanStatusPending,
		PaymentMethodReference: paymentMethod,
		Currency:               rental.Currency,
		PolicySnapshot:         datatypes.JSON(snapshot),
	}
	if len(dueDates) > 0 {
		first := dueDates[0]
		plan.NextDueDate = &first
	}

	installments := make([]models.ScheduledInstallment, opt.ScheduledInstallments)
	for i := 0; i < opt.ScheduledInstallments; i++ {
		installments[i] = models.ScheduledInstallment{
			InstallmentNumber: i + 1,
			DueDate:           dueDates[i],
			Amount:            amounts[i],
			Status:            models.InstallmentStatusScheduled,
		}
	}

	if err := s.Repo.CreatePlanWithInstallments(ctx, plan, installments); err != nil {
		return nil, nil, err
	}
	if s.Logger != nil {
		s.Logger.Info("plan created",
			zap.Uint64("plan_id", plan.ID),
			zap.String("rental_id", plan.RentalID),
			zap.String("plan_type", string(plan.PlanType)),
			zap.Int("scheduled_installments", plan.ScheduledCount),
		)
	}
	return plan, installments, nil
}

// installmentDueDates spaces the scheduled rows out from the booking date.
// When the first installment is collected at booking, row i covers
// installment i+1 and lands one interval later.
func installmentDueDates(planType models.PlanType, bookingDate time.Time, count int, firstUpfront bool) []time.Time {
	out := make([]time.Time, count)
	for i := 0; i < count; i++ {
		step := i
		if firstUpfront {
			step = i + 1
		}
		switch planType {
		case models.PlanTypeWeekly:
			out[i] = bookingDate.AddDate(0, 0, 7*step)
		default:
			out[i] = bookingDate.AddDate(0, step, 0)
		}
	}
	return out
}

func (s *PlanService) GetPlan(ctx context.Context, id uint64) (*models.InstallmentPlan, []models.ScheduledInstallment, error) {
	plan, err := s.Repo.GetPlanByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if plan == nil {
		return nil, nil, fmt.Errorf("%w: plan %d", apperrors.ErrNotFound, id)
	}
	installments, err := s.Repo.ListInstallmentsByPlanID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return plan, installments, nil
}

// GetPlanByRentalID returns the open plan for a rental, or ErrNotFound.
func (s *PlanService) GetPlanByRentalID(ctx context.Context, rentalID string) (*models.InstallmentPlan, []models.ScheduledInstallment, error) {
	plan, err := s.Repo.GetOpenPlanByRentalID(ctx, rentalID)
	if err != nil {
		return nil, nil, err
	}
	if plan == nil {
		return nil, nil, fmt.Errorf("%w: rental %s has no open plan", apperrors.ErrNotFound, rentalID)
	}
	installments, err := s.Repo.ListInstallmentsByPlanID(ctx, plan.ID)
	if err != nil {
		return nil, nil, err
	}
	return plan, installments, nil
}

func (s *PlanService) ListPlans(ctx context.Context, params repository.ListPlansParams) ([]models.InstallmentPlan, int64, error) {
	plans, err := s.Repo.ListPlans(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.Repo.CountPlans(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	return plans, total, nil
}

// MarkPaid records an out-of-band payment for an installment without
// touching the gateway. Idempotent: marking a paid row again reports
// changed=false and succeeds.
func (s *PlanService) MarkPaid(ctx context.Context, installmentID uint64) (*models.InstallmentPlan, bool, error) {
	plan, changed, err := s.Repo.MarkInstallmentPaid(ctx, installmentID, s.now().UTC())
	if err != nil {
		return nil, false, err
	}
	if changed && s.Logger != nil {
		s.Logger.Info("installment marked paid manually",
			zap.Uint64("installment_id", installmentID),
			zap.Uint64("plan_id", plan.ID),
			zap.String("plan_status", string(plan.Status)),
		)
	}
	return plan, changed, nil
}

// RetryNow runs an immediate charge attempt outside the sweep cadence. It
// may resurrect an overdue installment, but the retry budget and the
// per-installment lock still apply.
func (s *PlanService) RetryNow(ctx context.Context, installmentID uint64) (*ChargeOutcome, error) {
	if s.Executor == nil {
		return nil, fmt.Errorf("%w: charge executor not configured", apperrors.ErrGateway)
	}
	return s.Executor.Execute(ctx, installmentID, true)
}

// CancelPlan voids every unpaid installment and closes the plan. Paid rows
// keep their history. A charge in flight blocks the cancel; the caller
// retries once it settles.
func (s *PlanService) CancelPlan(ctx context.Context, planID uint64, reason string) (*models.InstallmentPlan, error) {
	plan, err := s.Repo.CancelPlan(ctx, planID, reason, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if s.Logger != nil {
		s.Logger.Info("plan cancelled",
			zap.Uint64("plan_id", planID),
			zap.String("reason", reason),
		)
	}
	return plan, nil
}

// ChargeEvents returns the attempt journal for one installment, oldest
// first.
func (s *PlanService) ChargeEvents(ctx context.Context, installmentID uint64) ([]models.ChargeEvent, error) {
	inst, err := s.Repo.GetInstallmentByID(ctx, installmentID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("%w: installment %d", apperrors.ErrNotFound, installmentID)
	}
	return s.Repo.ListChargeEventsByInstallmentID(ctx, installmentID)
}
