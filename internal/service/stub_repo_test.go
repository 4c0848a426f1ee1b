package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"rentpay/internal/apperrors"
	"rentpay/internal/models"
	"rentpay/internal/repository"
)

// stubRepo is a test-only in-memory implementation of
// repository.Repository. It mirrors the transactional semantics of the
// gorm store (claim mutual exclusion, aggregate recomputation, cancel
// guards) so the executor and sweeper tests exercise the real state
// machine without a database.
type stubRepo struct {
	mu           sync.Mutex
	plans        map[uint64]*models.InstallmentPlan
	installments map[uint64]*models.ScheduledInstallment
	events       []models.ChargeEvent
	nextPlanID   uint64
	nextInstID   uint64
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		plans:        map[uint64]*models.InstallmentPlan{},
		installments: map[uint64]*models.ScheduledInstallment{},
	}
}

// seedPlan inserts a plan with one installment row per amount, all due at
// the given date, and returns the plan and the installment IDs.
func (s *stubRepo) seedPlan(due time.Time, amounts ...string) (*models.InstallmentPlan, []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPlanID++
	plan := &models.InstallmentPlan{
		ID:                     s.nextPlanID,
		RentalID:               fmt.Sprintf("rental-%d", s.nextPlanID),
		PlanType:               models.PlanTypeWeekly,
		NumberOfInstallments:   len(amounts) + 1,
		ScheduledCount:         len(amounts),
		UpfrontPaid:            true,
		Status:                 models.PlanStatusActive,
		PaymentMethodReference: "pm_test",
		Currency:               "USD",
	}
	s.plans[plan.ID] = plan
	ids := make([]uint64, 0, len(amounts))
	for i, amt := range amounts {
		s.nextInstID++
		s.installments[s.nextInstID] = &models.ScheduledInstallment{
			ID:                s.nextInstID,
			PlanID:            plan.ID,
			InstallmentNumber: i + 1,
			DueDate:           due,
			Amount:            decimal.RequireFromString(amt),
			Status:            models.InstallmentStatusScheduled,
		}
		ids = append(ids, s.nextInstID)
	}
	return plan, ids
}

func (s *stubRepo) installment(id uint64) models.ScheduledInstallment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.installments[id]
}

func (s *stubRepo) plan(id uint64) models.InstallmentPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.plans[id]
}

func (s *stubRepo) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error { return fn(nil) }

func (s *stubRepo) CreatePlanWithInstallments(ctx context.Context, plan *models.InstallmentPlan, installments []models.ScheduledInstallment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.plans {
		if p.RentalID == plan.RentalID && !p.Status.Terminal() {
			return fmt.Errorf("%w: rental %s already has an open plan", apperrors.ErrConflict, plan.RentalID)
		}
	}
	s.nextPlanID++
	plan.ID = s.nextPlanID
	stored := *plan
	s.plans[plan.ID] = &stored
	for i := range installments {
		s.nextInstID++
		installments[i].ID = s.nextInstID
		installments[i].PlanID = plan.ID
		row := installments[i]
		s.installments[row.ID] = &row
	}
	return nil
}

func (s *stubRepo) GetPlanByID(ctx context.Context, id uint64) (*models.InstallmentPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *stubRepo) GetOpenPlanByRentalID(ctx context.Context, rentalID string) (*models.InstallmentPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.plans {
		if p.RentalID == rentalID && !p.Status.Terminal() {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *stubRepo) ListPlans(ctx context.Context, params repository.ListPlansParams) ([]models.InstallmentPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.InstallmentPlan
	for _, p := range s.plans {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *stubRepo) CountPlans(ctx context.Context, params repository.ListPlansParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.plans)), nil
}

func (s *stubRepo) GetInstallmentByID(ctx context.Context, id uint64) (*models.ScheduledInstallment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.installments[id]
	if !ok {
		return nil, nil
	}
	cp := *inst
	return &cp, nil
}

func (s *stubRepo) ListInstallmentsByPlanID(ctx context.Context, planID uint64) ([]models.ScheduledInstallment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.planRowsLocked(planID), nil
}

func (s *stubRepo) planRowsLocked(planID uint64) []models.ScheduledInstallment {
	var out []models.ScheduledInstallment
	for _, inst := range s.installments {
		if inst.PlanID == planID {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstallmentNumber < out[j].InstallmentNumber })
	return out
}

func (s *stubRepo) ListDueInstallments(ctx context.Context, due time.Time, statuses []models.InstallmentStatus, limit int) ([]models.ScheduledInstallment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	match := func(st models.InstallmentStatus) bool {
		for _, want := range statuses {
			if st == want {
				return true
			}
		}
		return false
	}
	var out []models.ScheduledInstallment
	for _, inst := range s.installments {
		if match(inst.Status) && !inst.DueDate.After(due) {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubRepo) ClaimInstallment(ctx context.Context, id uint64, force bool, maxAttempts int) (*models.ScheduledInstallment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.installments[id]
	if !ok {
		return nil, fmt.Errorf("%w: installment %d", apperrors.ErrNotFound, id)
	}
	switch inst.Status {
	case models.InstallmentStatusProcessing:
		return nil, fmt.Errorf("%w: installment %d", apperrors.ErrAlreadyProcessing, id)
	case models.InstallmentStatusPaid, models.InstallmentStatusCancelled:
		return nil, fmt.Errorf("%w: installment %d is %s", apperrors.ErrConflict, id, inst.Status)
	case models.InstallmentStatusOverdue:
		if !force {
			return nil, fmt.Errorf("%w: installment %d is overdue, operator action required", apperrors.ErrConflict, id)
		}
	}
	if maxAttempts > 0 && inst.AttemptCount >= maxAttempts {
		return nil, fmt.Errorf("%w: installment %d used %d attempts", apperrors.ErrRetryExhausted, id, inst.AttemptCount)
	}
	inst.Status = models.InstallmentStatusProcessing
	cp := *inst
	return &cp, nil
}

func (s *stubRepo) SettleInstallmentPaid(ctx context.Context, id uint64, paidAt time.Time, chargeRef string, event *models.ChargeEvent) (*models.InstallmentPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.installments[id]
	if !ok {
		return nil, fmt.Errorf("%w: installment %d", apperrors.ErrNotFound, id)
	}
	if inst.Status != models.InstallmentStatusProcessing {
		return nil, fmt.Errorf("%w: installment %d is %s, not processing", apperrors.ErrConflict, id, inst.Status)
	}
	inst.Status = models.InstallmentStatusPaid
	inst.PaidAt = &paidAt
	inst.ChargeReference = chargeRef
	plan := s.plans[inst.PlanID]
	s.recomputeLocked(plan)
	if event != nil {
		event.PlanID = plan.ID
		event.InstallmentID = id
		s.events = append(s.events, *event)
	}
	cp := *plan
	return &cp, nil
}

func (s *stubRepo) SettleInstallmentFailed(ctx context.Context, id uint64, attemptAt time.Time, reason string, countAttempt bool, event *models.ChargeEvent) (*models.ScheduledInstallment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.installments[id]
	if !ok {
		return nil, fmt.Errorf("%w: installment %d", apperrors.ErrNotFound, id)
	}
	if inst.Status != models.InstallmentStatusProcessing {
		return nil, fmt.Errorf("%w: installment %d is %s, not processing", apperrors.ErrConflict, id, inst.Status)
	}
	inst.Status = models.InstallmentStatusFailed
	if countAttempt {
		inst.AttemptCount++
	}
	inst.LastFailureReason = reason
	inst.LastAttemptAt = &attemptAt
	if event != nil {
		event.PlanID = inst.PlanID
		event.InstallmentID = id
		s.events = append(s.events, *event)
	}
	cp := *inst
	return &cp, nil
}

func (s *stubRepo) MarkInstallmentPaid(ctx context.Context, id uint64, paidAt time.Time) (*models.InstallmentPlan, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.installments[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: installment %d", apperrors.ErrNotFound, id)
	}
	plan := s.plans[inst.PlanID]
	switch inst.Status {
	case models.InstallmentStatusPaid:
		cp := *plan
		return &cp, false, nil
	case models.InstallmentStatusCancelled:
		return nil, false, fmt.Errorf("%w: installment %d is cancelled", apperrors.ErrConflict, id)
	case models.InstallmentStatusProcessing:
		return nil, false, fmt.Errorf("%w: installment %d", apperrors.ErrAlreadyProcessing, id)
	}
	inst.Status = models.InstallmentStatusPaid
	inst.PaidAt = &paidAt
	s.recomputeLocked(plan)
	s.events = append(s.events, models.ChargeEvent{
		PlanID:        plan.ID,
		InstallmentID: id,
		Attempt:       inst.AttemptCount,
		Outcome:       models.ChargeOutcomeManual,
		Reason:        "manual mark-paid",
	})
	cp := *plan
	return &cp, true, nil
}

func (s *stubRepo) EscalateInstallmentOverdue(ctx context.Context, id uint64) (*models.InstallmentPlan, *models.ScheduledInstallment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.installments[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: installment %d", apperrors.ErrNotFound, id)
	}
	plan := s.plans[inst.PlanID]
	switch inst.Status {
	case models.InstallmentStatusScheduled, models.InstallmentStatusFailed:
		inst.Status = models.InstallmentStatusOverdue
		s.recomputeLocked(plan)
	}
	planCp, instCp := *plan, *inst
	return &planCp, &instCp, nil
}

func (s *stubRepo) CancelPlan(ctx context.Context, planID uint64, reason string, at time.Time) (*models.InstallmentPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[planID]
	if !ok {
		return nil, fmt.Errorf("%w: plan %d", apperrors.ErrNotFound, planID)
	}
	if plan.Status == models.PlanStatusCancelled {
		cp := *plan
		return &cp, nil
	}
	if plan.Status == models.PlanStatusCompleted {
		return nil, fmt.Errorf("%w: plan %d is completed", apperrors.ErrConflict, planID)
	}
	for _, inst := range s.installments {
		if inst.PlanID == planID && inst.Status == models.InstallmentStatusProcessing {
			return nil, fmt.Errorf("%w: plan %d has a charge in flight", apperrors.ErrAlreadyProcessing, planID)
		}
	}
	for _, inst := range s.installments {
		if inst.PlanID == planID && inst.Status != models.InstallmentStatusPaid && inst.Status != models.InstallmentStatusCancelled {
			inst.Status = models.InstallmentStatusCancelled
		}
	}
	plan.Status = models.PlanStatusCancelled
	plan.CancelReason = reason
	plan.CancelledAt = &at
	plan.NextDueDate = nil
	cp := *plan
	return &cp, nil
}

func (s *stubRepo) ListChargeEventsByInstallmentID(ctx context.Context, installmentID uint64) ([]models.ChargeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ChargeEvent
	for _, ev := range s.events {
		if ev.InstallmentID == installmentID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *stubRepo) recomputeLocked(plan *models.InstallmentPlan) {
	rows := s.planRowsLocked(plan.ID)
	paid := 0
	totalPaid := decimal.Zero
	var nextDue *time.Time
	for i := range rows {
		switch rows[i].Status {
		case models.InstallmentStatusPaid:
			paid++
			totalPaid = totalPaid.Add(rows[i].Amount)
		case models.InstallmentStatusCancelled:
		default:
			if nextDue == nil || rows[i].DueDate.Before(*nextDue) {
				due := rows[i].DueDate
				nextDue = &due
			}
		}
	}
	plan.PaidInstallments = paid
	plan.TotalPaid = totalPaid
	plan.NextDueDate = nextDue
	plan.Status = models.DerivePlanStatus(plan.Status, rows)
}
