// Package amortization derives and recomputes installment schedules from
// contract terms. All functions are pure; persistence is the ledger's job.
package amortization

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sankofapay/installment-engine/internal/models"
)

// currency precision: two decimal places, floor division so the remainder
// lands on the last installment instead of drifting across the schedule.
const precision = 2

// Entry is one line of a computed schedule.
type Entry struct {
	Seq     int
	DueDate time.Time
	Amount  decimal.Decimal
}

// ComputeSchedule splits financeAmount into count installments starting at
// startDate. Every installment gets floor(financeAmount/count, 2dp); the last
// one absorbs the residual so the sum matches financeAmount exactly.
func ComputeSchedule(financeAmount decimal.Decimal, count int, startDate time.Time, frequency models.PaymentFrequency) ([]Entry, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: installment count must be positive", models.ErrInvalidState)
	}
	if financeAmount.IsNegative() {
		return nil, fmt.Errorf("%w: finance amount must not be negative", models.ErrInvalidState)
	}

	base := financeAmount.Div(decimal.NewFromInt(int64(count))).RoundFloor(precision)

	entries := make([]Entry, count)
	allocated := decimal.Zero
	for i := 0; i < count; i++ {
		amount := base
		if i == count-1 {
			amount = financeAmount.Sub(allocated)
		}
		allocated = allocated.Add(amount)
		entries[i] = Entry{
			Seq:     i + 1,
			DueDate: dueDate(startDate, frequency, i),
			Amount:  amount,
		}
	}
	return entries, nil
}

// dueDate steps startDate forward by i periods. Monthly stepping preserves
// the day-of-month and clamps to the end of shorter months.
func dueDate(start time.Time, frequency models.PaymentFrequency, i int) time.Time {
	switch frequency {
	case models.FrequencyDaily:
		return start.AddDate(0, 0, i)
	case models.FrequencyWeekly:
		return start.AddDate(0, 0, 7*i)
	case models.FrequencyMonthly:
		return addMonthsClamped(start, i)
	default:
		return start.AddDate(0, 0, i)
	}
}

// addMonthsClamped adds months without the normalization overflow of
// time.AddDate: Jan 31 + 1 month is Feb 28/29, not Mar 2/3.
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	firstOfTarget := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), d,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// Recompute pins installments[from].Amount to newAmount and redistributes the
// remaining unallocated finance amount evenly across the unpaid installments
// after it. Installments before the index, and paid installments anywhere,
// are held fixed. The rounding remainder lands on the final unpaid
// installment.
//
// installments must be the contract's full set in sequence order; the
// returned slice carries updated amounts for positions >= from.
func Recompute(installments []models.Installment, financeAmount decimal.Decimal, from int, newAmount decimal.Decimal) ([]models.Installment, error) {
	if from < 0 || from >= len(installments) {
		return nil, fmt.Errorf("%w: installment index %d out of range", models.ErrInvalidState, from)
	}
	if installments[from].IsPaid() || installments[from].PaidAmount.IsPositive() {
		return nil, fmt.Errorf("%w: installment %d already has payments", models.ErrInvalidState, installments[from].Seq)
	}
	if newAmount.IsNegative() {
		return nil, fmt.Errorf("%w: amount must not be negative", models.ErrInvalidState)
	}

	out := make([]models.Installment, len(installments))
	copy(out, installments)
	out[from].Amount = newAmount

	// Everything before the target, plus paid installments after it, keeps
	// its current amount. The rest share what is left of the finance amount.
	fixed := newAmount
	var redistributable []int
	for i := range out {
		if i == from {
			continue
		}
		if i < from || out[i].PaidAmount.IsPositive() {
			fixed = fixed.Add(out[i].Amount)
			continue
		}
		redistributable = append(redistributable, i)
	}

	remaining := financeAmount.Sub(fixed)
	if remaining.IsNegative() {
		return nil, fmt.Errorf("%w: remaining distributable amount is negative", models.ErrInvalidState)
	}
	if len(redistributable) == 0 {
		if !remaining.IsZero() {
			return nil, fmt.Errorf("%w: no unpaid installments left to absorb %s", models.ErrInvalidState, remaining)
		}
		return out, nil
	}

	share := remaining.Div(decimal.NewFromInt(int64(len(redistributable)))).RoundFloor(precision)
	allocated := decimal.Zero
	for n, idx := range redistributable {
		amount := share
		if n == len(redistributable)-1 {
			amount = remaining.Sub(allocated)
		}
		allocated = allocated.Add(amount)
		out[idx].Amount = amount
	}
	return out, nil
}

// Reschedule regenerates the full schedule from a new start date, keeping the
// original frequency, count, and finance amount. The caller must have
// verified that no installment has payments; this is re-checked here.
func Reschedule(installments []models.Installment, financeAmount decimal.Decimal, count int, newStart time.Time, frequency models.PaymentFrequency) ([]Entry, error) {
	for i := range installments {
		if installments[i].PaidAmount.IsPositive() {
			return nil, models.ErrPaymentsExist
		}
	}
	return ComputeSchedule(financeAmount, count, newStart, frequency)
}
