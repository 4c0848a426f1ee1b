package schedule

import (
	"fmt"

	"github.com/shopspring/decimal"

	"rentpay/internal/apperrors"
	"rentpay/internal/config"
	"rentpay/internal/models"
)

// Option is one selectable payment split. Computed, never persisted.
// InstallmentAmount is the uniform base; the division remainder is always
// absorbed by LastInstallmentAmount so the scheduled amounts reconstruct
// TotalAmount exactly in cents.
type Option struct {
	Type                   models.PlanType `json:"type"`
	NumberOfInstallments   int             `json:"number_of_installments"`
	ScheduledInstallments  int             `json:"scheduled_installments"`
	InstallmentAmount      decimal.Decimal `json:"installment_amount"`
	FirstInstallmentAmount decimal.Decimal `json:"first_installment_amount"`
	LastInstallmentAmount  decimal.Decimal `json:"last_installment_amount"`
	TotalAmount            decimal.Decimal `json:"total_amount"`
	UpfrontTotal           decimal.Decimal `json:"upfront_total"`
}

type Input struct {
	RentalDays        int
	InstallableAmount decimal.Decimal
	UpfrontAmount     decimal.Decimal
	Enabled           bool
	Policy            config.PlanConfig
}

// SplitAmount divides total into count parts in currency minor units.
// base is floor(total/count, cents); last carries the remainder so that
// base*(count-1) + last == total exactly.
func SplitAmount(total decimal.Decimal, count int) (base, last decimal.Decimal) {
	if count <= 1 {
		return total, total
	}
	n := decimal.NewFromInt(int64(count))
	base = total.Div(n).Truncate(2)
	last = total.Sub(base.Mul(n.Sub(decimal.NewFromInt(1))))
	return base, last
}

// RowAmounts expands (base, last) into per-row amounts: base for every row
// but the final one.
func RowAmounts(base, last decimal.Decimal, count int) []decimal.Decimal {
	if count <= 0 {
		return nil
	}
	out := make([]decimal.Decimal, count)
	for i := 0; i < count-1; i++ {
		out[i] = base
	}
	out[count-1] = last
	return out
}

// Options computes the selectable payment options for a rental. Pure and
// deterministic: no persistence, no clock. The full option is always first
// and always present; weekly/monthly are appended when the policy offers at
// least two installments for the rental duration.
func Options(in Input) ([]Option, error) {
	if in.RentalDays <= 0 {
		return nil, fmt.Errorf("%w: rental days must be positive", apperrors.ErrValidation)
	}
	if in.InstallableAmount.IsNegative() || in.UpfrontAmount.IsNegative() {
		return nil, fmt.Errorf("%w: amounts must not be negative", apperrors.ErrValidation)
	}
	if !in.InstallableAmount.Equal(in.InstallableAmount.Round(2)) || !in.UpfrontAmount.Equal(in.UpfrontAmount.Round(2)) {
		return nil, fmt.Errorf("%w: amounts must be in currency minor units", apperrors.ErrValidation)
	}

	fullTotal := in.InstallableAmount.Add(in.UpfrontAmount)
	options := []Option{{
		Type:                   models.PlanTypeFull,
		NumberOfInstallments:   1,
		ScheduledInstallments:  0,
		InstallmentAmount:      fullTotal,
		FirstInstallmentAmount: fullTotal,
		LastInstallmentAmount:  fullTotal,
		TotalAmount:            fullTotal,
		UpfrontTotal:           fullTotal,
	}}

	if !in.Enabled || in.InstallableAmount.IsZero() {
		return options, nil
	}

	if n := weeklyCount(in.RentalDays, in.Policy); n >= 2 {
		options = append(options, buildSplitOption(models.PlanTypeWeekly, n, in))
	}
	if n := monthlyCount(in.RentalDays, in.Policy); n >= 2 {
		options = append(options, buildSplitOption(models.PlanTypeMonthly, n, in))
	}
	return options, nil
}

func weeklyCount(days int, p config.PlanConfig) int {
	if days < p.MinDaysForWeekly {
		return 0
	}
	n := days / 7
	if p.MaxInstallmentsWeekly > 0 && n > p.MaxInstallmentsWeekly {
		n = p.MaxInstallmentsWeekly
	}
	return n
}

func monthlyCount(days int, p config.PlanConfig) int {
	if days < p.MinDaysForMonthly {
		return 0
	}
	n := (days + 29) / 30
	if p.MaxInstallmentsMonthly > 0 && n > p.MaxInstallmentsMonthly {
		n = p.MaxInstallmentsMonthly
	}
	return n
}

func buildSplitOption(planType models.PlanType, n int, in Input) Option {
	base, last := SplitAmount(in.InstallableAmount, n)
	opt := Option{
		Type:                   planType,
		NumberOfInstallments:   n,
		InstallmentAmount:      base,
		FirstInstallmentAmount: base,
		LastInstallmentAmount:  last,
		TotalAmount:            in.InstallableAmount,
		UpfrontTotal:           in.UpfrontAmount,
	}
	if in.Policy.ChargeFirstUpfront {
		// First installment is collected at booking, so it is not a
		// future obligation and only n-1 rows get scheduled.
		opt.ScheduledInstallments = n - 1
		opt.UpfrontTotal = in.UpfrontAmount.Add(base)
	} else {
		opt.ScheduledInstallments = n
	}
	return opt
}
