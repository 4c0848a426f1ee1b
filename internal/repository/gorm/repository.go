package gormrepository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rentpay/internal/apperrors"
	"rentpay/internal/models"
	"rentpay/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- plans ------------------------------------------------------------------

func (s *Store) CreatePlanWithInstallments(ctx context.Context, plan *models.InstallmentPlan, installments []models.ScheduledInstallment) error {
	if s == nil || s.db == nil || plan == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-check inside the transaction so two concurrent ChoosePlan
		// calls cannot both pass the pre-check.
		var count int64
		if err := tx.Model(&models.InstallmentPlan{}).
			Where("rental_id = ?", plan.RentalID).
			Where("status NOT IN ?", []models.PlanStatus{models.PlanStatusCompleted, models.PlanStatusCancelled}).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: rental %s already has an open plan", apperrors.ErrConflict, plan.RentalID)
		}
		if err := tx.Create(plan).Error; err != nil {
			return err
		}
		for i := range installments {
			installments[i].PlanID = plan.ID
		}
		if len(installments) > 0 {
			if err := tx.Create(&installments).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetPlanByID(ctx context.Context, id uint64) (*models.InstallmentPlan, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var plan models.InstallmentPlan
	err := s.db.WithContext(ctx).First(&plan, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (s *Store) GetOpenPlanByRentalID(ctx context.Context, rentalID string) (*models.InstallmentPlan, error) {
	if s == nil || s.db == nil || strings.TrimSpace(rentalID) == "" {
		return nil, nil
	}
	var plan models.InstallmentPlan
	err := s.db.WithContext(ctx).
		Where("rental_id = ?", rentalID).
		Where("status NOT IN ?", []models.PlanStatus{models.PlanStatusCompleted, models.PlanStatusCancelled}).
		Order("created_at desc").
		First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (s *Store) ListPlans(ctx context.Context, params repository.ListPlansParams) ([]models.InstallmentPlan, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.planQuery(ctx, params)
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	limit := normalizeLimit(params.Limit, 50)
	offset := normalizeOffset(params.Offset)
	var items []models.InstallmentPlan
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountPlans(ctx context.Context, params repository.ListPlansParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.planQuery(ctx, params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) planQuery(ctx context.Context, params repository.ListPlansParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.InstallmentPlan{})
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.RentalID != nil && strings.TrimSpace(*params.RentalID) != "" {
		query = query.Where("rental_id = ?", strings.TrimSpace(*params.RentalID))
	}
	return query
}

// --- installments -----------------------------------------------------------

func (s *Store) GetInstallmentByID(ctx context.Context, id uint64) (*models.ScheduledInstallment, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var inst models.ScheduledInstallment
	err := s.db.WithContext(ctx).First(&inst, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *Store) ListInstallmentsByPlanID(ctx context.Context, planID uint64) ([]models.ScheduledInstallment, error) {
	if s == nil || s.db == nil || planID == 0 {
		return nil, nil
	}
	var items []models.ScheduledInstallment
	if err := s.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Order("installment_number asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListDueInstallments(ctx context.Context, due time.Time, statuses []models.InstallmentStatus, limit int) ([]models.ScheduledInstallment, error) {
	if s == nil || s.db == nil || len(statuses) == 0 {
		return nil, nil
	}
	limit = normalizeLimit(limit, 200)
	var items []models.ScheduledInstallment
	if err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Where("due_date <= ?", due).
		Order("plan_id asc, due_date asc").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- charge lifecycle -------------------------------------------------------

func (s *Store) ClaimInstallment(ctx context.Context, id uint64, force bool, maxAttempts int) (*models.ScheduledInstallment, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, fmt.Errorf("%w: installment id is required", apperrors.ErrValidation)
	}
	var claimed models.ScheduledInstallment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inst models.ScheduledInstallment
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&inst, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: installment %d", apperrors.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		switch inst.Status {
		case models.InstallmentStatusProcessing:
			return fmt.Errorf("%w: installment %d", apperrors.ErrAlreadyProcessing, id)
		case models.InstallmentStatusPaid, models.InstallmentStatusCancelled:
			return fmt.Errorf("%w: installment %d is %s", apperrors.ErrConflict, id, inst.Status)
		case models.InstallmentStatusOverdue:
			if !force {
				return fmt.Errorf("%w: installment %d is overdue, operator action required", apperrors.ErrConflict, id)
			}
		}
		if maxAttempts > 0 && inst.AttemptCount >= maxAttempts {
			return fmt.Errorf("%w: installment %d used %d attempts", apperrors.ErrRetryExhausted, id, inst.AttemptCount)
		}
		inst.Status = models.InstallmentStatusProcessing
		if err := tx.Model(&models.ScheduledInstallment{}).
			Where("id = ?", id).
			Update("status", models.InstallmentStatusProcessing).Error; err != nil {
			return err
		}
		claimed = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

func (s *Store) SettleInstallmentPaid(ctx context.Context, id uint64, paidAt time.Time, chargeRef string, event *models.ChargeEvent) (*models.InstallmentPlan, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, fmt.Errorf("%w: installment id is required", apperrors.ErrValidation)
	}
	var updated models.InstallmentPlan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, inst, err := lockPlanAndInstallment(tx, id)
		if err != nil {
			return err
		}
		if inst.Status != models.InstallmentStatusProcessing {
			return fmt.Errorf("%w: installment %d is %s, not processing", apperrors.ErrConflict, id, inst.Status)
		}
		if err := tx.Model(&models.ScheduledInstallment{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":           models.InstallmentStatusPaid,
				"paid_at":          paidAt,
				"charge_reference": chargeRef,
			}).Error; err != nil {
			return err
		}
		if err := recomputePlanAggregates(tx, plan); err != nil {
			return err
		}
		if event != nil {
			event.PlanID = plan.ID
			event.InstallmentID = id
			if err := tx.Create(event).Error; err != nil {
				return err
			}
		}
		updated = *plan
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) SettleInstallmentFailed(ctx context.Context, id uint64, attemptAt time.Time, reason string, countAttempt bool, event *models.ChargeEvent) (*models.ScheduledInstallment, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, fmt.Errorf("%w: installment id is required", apperrors.ErrValidation)
	}
	var updated models.ScheduledInstallment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inst models.ScheduledInstallment
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&inst, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: installment %d", apperrors.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if inst.Status != models.InstallmentStatusProcessing {
			return fmt.Errorf("%w: installment %d is %s, not processing", apperrors.ErrConflict, id, inst.Status)
		}
		updates := map[string]any{
			"status":              models.InstallmentStatusFailed,
			"last_failure_reason": reason,
			"last_attempt_at":     attemptAt,
		}
		if countAttempt {
			updates["attempt_count"] = gorm.Expr("attempt_count + 1")
		}
		if err := tx.Model(&models.ScheduledInstallment{}).
			Where("id = ?", id).
			Updates(updates).Error; err != nil {
			return err
		}
		if event != nil {
			event.PlanID = inst.PlanID
			event.InstallmentID = id
			if err := tx.Create(event).Error; err != nil {
				return err
			}
		}
		inst.Status = models.InstallmentStatusFailed
		if countAttempt {
			inst.AttemptCount++
		}
		inst.LastFailureReason = reason
		inst.LastAttemptAt = &attemptAt
		updated = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) MarkInstallmentPaid(ctx context.Context, id uint64, paidAt time.Time) (*models.InstallmentPlan, bool, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, false, fmt.Errorf("%w: installment id is required", apperrors.ErrValidation)
	}
	var updated models.InstallmentPlan
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, inst, err := lockPlanAndInstallment(tx, id)
		if err != nil {
			return err
		}
		switch inst.Status {
		case models.InstallmentStatusPaid:
			updated = *plan
			return nil
		case models.InstallmentStatusCancelled:
			return fmt.Errorf("%w: installment %d is cancelled", apperrors.ErrConflict, id)
		case models.InstallmentStatusProcessing:
			return fmt.Errorf("%w: installment %d", apperrors.ErrAlreadyProcessing, id)
		}
		if err := tx.Model(&models.ScheduledInstallment{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":  models.InstallmentStatusPaid,
				"paid_at": paidAt,
			}).Error; err != nil {
			return err
		}
		if err := recomputePlanAggregates(tx, plan); err != nil {
			return err
		}
		event := &models.ChargeEvent{
			PlanID:        plan.ID,
			InstallmentID: id,
			Attempt:       inst.AttemptCount,
			Outcome:       models.ChargeOutcomeManual,
			Reason:        "manual mark-paid",
		}
		if err := tx.Create(event).Error; err != nil {
			return err
		}
		changed = true
		updated = *plan
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &updated, changed, nil
}

func (s *Store) EscalateInstallmentOverdue(ctx context.Context, id uint64) (*models.InstallmentPlan, *models.ScheduledInstallment, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil, fmt.Errorf("%w: installment id is required", apperrors.ErrValidation)
	}
	var (
		updatedPlan models.InstallmentPlan
		updatedInst models.ScheduledInstallment
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, inst, err := lockPlanAndInstallment(tx, id)
		if err != nil {
			return err
		}
		// A row mid-charge or already settled is left alone; the next
		// sweep re-evaluates it.
		switch inst.Status {
		case models.InstallmentStatusScheduled, models.InstallmentStatusFailed:
		default:
			updatedPlan, updatedInst = *plan, *inst
			return nil
		}
		if err := tx.Model(&models.ScheduledInstallment{}).
			Where("id = ?", id).
			Update("status", models.InstallmentStatusOverdue).Error; err != nil {
			return err
		}
		if err := recomputePlanAggregates(tx, plan); err != nil {
			return err
		}
		inst.Status = models.InstallmentStatusOverdue
		updatedPlan, updatedInst = *plan, *inst
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &updatedPlan, &updatedInst, nil
}

func (s *Store) CancelPlan(ctx context.Context, planID uint64, reason string, at time.Time) (*models.InstallmentPlan, error) {
	if s == nil || s.db == nil || planID == 0 {
		return nil, fmt.Errorf("%w: plan id is required", apperrors.ErrValidation)
	}
	var updated models.InstallmentPlan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var plan models.InstallmentPlan
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&plan, "id = ?", planID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: plan %d", apperrors.ErrNotFound, planID)
		}
		if err != nil {
			return err
		}
		if plan.Status == models.PlanStatusCancelled {
			updated = plan
			return nil
		}
		if plan.Status == models.PlanStatusCompleted {
			return fmt.Errorf("%w: plan %d is completed", apperrors.ErrConflict, planID)
		}
		var processing int64
		if err := tx.Model(&models.ScheduledInstallment{}).
			Where("plan_id = ?", planID).
			Where("status = ?", models.InstallmentStatusProcessing).
			Count(&processing).Error; err != nil {
			return err
		}
		if processing > 0 {
			return fmt.Errorf("%w: plan %d has a charge in flight", apperrors.ErrAlreadyProcessing, planID)
		}
		if err := tx.Model(&models.ScheduledInstallment{}).
			Where("plan_id = ?", planID).
			Where("status NOT IN ?", []models.InstallmentStatus{models.InstallmentStatusPaid, models.InstallmentStatusCancelled}).
			Update("status", models.InstallmentStatusCancelled).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.InstallmentPlan{}).
			Where("id = ?", planID).
			Updates(map[string]any{
				"status":        models.PlanStatusCancelled,
				"cancel_reason": reason,
				"cancelled_at":  at,
				"next_due_date": nil,
			}).Error; err != nil {
			return err
		}
		plan.Status = models.PlanStatusCancelled
		plan.CancelReason = reason
		plan.CancelledAt = &at
		plan.NextDueDate = nil
		updated = plan
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) ListChargeEventsByInstallmentID(ctx context.Context, installmentID uint64) ([]models.ChargeEvent, error) {
	if s == nil || s.db == nil || installmentID == 0 {
		return nil, nil
	}
	var items []models.ChargeEvent
	if err := s.db.WithContext(ctx).
		Where("installment_id = ?", installmentID).
		Order("created_at asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- helpers ----------------------------------------------------------------

// lockPlanAndInstallment takes both row locks, plan first. Every multi-row
// transaction uses the same order so concurrent settles and cancels cannot
// deadlock.
func lockPlanAndInstallment(tx *gorm.DB, installmentID uint64) (*models.InstallmentPlan, *models.ScheduledInstallment, error) {
	var probe models.ScheduledInstallment
	err := tx.Select("id", "plan_id").First(&probe, "id = ?", installmentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("%w: installment %d", apperrors.ErrNotFound, installmentID)
	}
	if err != nil {
		return nil, nil, err
	}
	var plan models.InstallmentPlan
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&plan, "id = ?", probe.PlanID).Error; err != nil {
		return nil, nil, err
	}
	var inst models.ScheduledInstallment
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&inst, "id = ?", installmentID).Error; err != nil {
		return nil, nil, err
	}
	return &plan, &inst, nil
}

// recomputePlanAggregates recalculates paid totals, the next due date and
// the derived status from the plan's installment rows, then persists them.
// Runs inside the same transaction as the triggering status change.
func recomputePlanAggregates(tx *gorm.DB, plan *models.InstallmentPlan) error {
	var installments []models.ScheduledInstallment
	if err := tx.Where("plan_id = ?", plan.ID).
		Order("installment_number asc").
		Find(&installments).Error; err != nil {
		return err
	}

	paid := 0
	totalPaid := decimal.Zero
	var nextDue *time.Time
	for i := range installments {
		inst := installments[i]
		switch inst.Status {
		case models.InstallmentStatusPaid:
			paid++
			totalPaid = totalPaid.Add(inst.Amount)
		case models.InstallmentStatusCancelled:
		default:
			if nextDue == nil || inst.DueDate.Before(*nextDue) {
				due := inst.DueDate
				nextDue = &due
			}
		}
	}

	status := models.DerivePlanStatus(plan.Status, installments)
	updates := map[string]any{
		"paid_installments": paid,
		"total_paid":        totalPaid,
		"status":            status,
		"next_due_date":     nextDue,
	}
	if err := tx.Model(&models.InstallmentPlan{}).
		Where("id = ?", plan.ID).
		Updates(updates).Error; err != nil {
		return err
	}
	plan.PaidInstallments = paid
	plan.TotalPaid = totalPaid
	plan.Status = status
	plan.NextDueDate = nextDue
	return nil
}

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if column == "" {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
