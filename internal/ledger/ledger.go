// Package ledger owns the installment set of a contract: schedule creation,
// payment application, amendments, and full reschedules.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sankofapay/installment-engine/internal/amortization"
	"github.com/sankofapay/installment-engine/internal/models"
)

// Ledger handles contract and installment state. All mutations to one
// contract's installment set are serialized through a per-contract lock,
// because amortization recompute reads and rewrites several rows at once.
type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
	locks  sync.Map // contract id -> *sync.Mutex
}

// NewLedger creates a new installment ledger over the given database.
func NewLedger(db *gorm.DB, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

func (l *Ledger) lockContract(id uuid.UUID) func() {
	v, _ := l.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateContractInput carries the terms of a new hire-purchase agreement.
type CreateContractInput struct {
	CustomerID       uuid.UUID
	TotalPrice       decimal.Decimal
	Deposit          decimal.Decimal
	Frequency        models.PaymentFrequency
	InstallmentCount int
	GraceDays        int
	PenaltyPercent   decimal.Decimal
	StartDate        time.Time
	MandateID        *uuid.UUID
}

// CreateContract persists a new contract and its full installment schedule.
// The finance amount is the total price minus the deposit.
func (l *Ledger) CreateContract(ctx context.Context, in CreateContractInput) (*models.Contract, error) {
	finance := in.TotalPrice.Sub(in.Deposit)
	if finance.IsNegative() {
		return nil, fmt.Errorf("%w: deposit exceeds total price", models.ErrInvalidState)
	}

	entries, err := amortization.ComputeSchedule(finance, in.InstallmentCount, in.StartDate, in.Frequency)
	if err != nil {
		return nil, err
	}

	contract := &models.Contract{
		CustomerID:       in.CustomerID,
		TotalPrice:       in.TotalPrice,
		Deposit:          in.Deposit,
		FinanceAmount:    finance,
		Frequency:        in.Frequency,
		InstallmentCount: in.InstallmentCount,
		GraceDays:        in.GraceDays,
		PenaltyPercent:   in.PenaltyPercent,
		StartDate:        in.StartDate,
		EndDate:          entries[len(entries)-1].DueDate,
		Status:           models.ContractActive,
		MandateID:        in.MandateID,
	}

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(contract).Error; err != nil {
			return fmt.Errorf("failed to create contract: %w", err)
		}
		installments := make([]models.Installment, len(entries))
		for i, e := range entries {
			installments[i] = models.Installment{
				ContractID: contract.ID,
				Seq:        e.Seq,
				DueDate:    e.DueDate,
				Amount:     e.Amount,
				PaidAmount: decimal.Zero,
			}
		}
		if err := tx.Create(&installments).Error; err != nil {
			return fmt.Errorf("failed to create installments: %w", err)
		}
		contract.Installments = installments
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("contract created",
		zap.String("contract_id", contract.ID.String()),
		zap.String("finance_amount", finance.StringFixed(2)),
		zap.Int("installments", in.InstallmentCount))
	return contract, nil
}

// GetContract loads a contract with its installments in sequence order.
func (l *Ledger) GetContract(ctx context.Context, id uuid.UUID) (*models.Contract, error) {
	var contract models.Contract
	err := l.db.WithContext(ctx).
		Preload("Installments", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		First(&contract, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("contract %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &contract, nil
}

// GetInstallment loads a single installment.
func (l *Ledger) GetInstallment(ctx context.Context, id uuid.UUID) (*models.Installment, error) {
	var ins models.Installment
	err := l.db.WithContext(ctx).First(&ins, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("installment %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &ins, nil
}

// ApplyPayment credits amount against one installment. The amount must be
// positive and must not exceed the installment's remaining balance;
// overpayment is rejected, never capped — callers split across installments.
// When the contract's outstanding balance reaches zero the contract flips to
// COMPLETED.
func (l *Ledger) ApplyPayment(ctx context.Context, installmentID uuid.UUID, amount decimal.Decimal) (*models.Installment, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: payment amount must be positive", models.ErrInvalidState)
	}

	ins, err := l.GetInstallment(ctx, installmentID)
	if err != nil {
		return nil, err
	}

	unlock := l.lockContract(ins.ContractID)
	defer unlock()

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-read under the lock; a concurrent writer may have applied money
		// between the lookup and lock acquisition.
		if err := tx.First(ins, "id = ?", installmentID).Error; err != nil {
			return err
		}
		if amount.GreaterThan(ins.Remaining()) {
			return fmt.Errorf("payment of %s exceeds remaining %s on installment %d: %w",
				amount.StringFixed(2), ins.Remaining().StringFixed(2), ins.Seq, models.ErrAmountMismatch)
		}

		ins.PaidAmount = ins.PaidAmount.Add(amount)
		if err := tx.Model(ins).Update("paid_amount", ins.PaidAmount).Error; err != nil {
			return fmt.Errorf("failed to update installment: %w", err)
		}

		var contract models.Contract
		if err := tx.Preload("Installments").First(&contract, "id = ?", ins.ContractID).Error; err != nil {
			return err
		}
		if contract.OutstandingBalance().IsZero() && contract.Status == models.ContractActive {
			if err := tx.Model(&contract).Update("status", models.ContractCompleted).Error; err != nil {
				return fmt.Errorf("failed to complete contract: %w", err)
			}
			l.logger.Info("contract completed", zap.String("contract_id", contract.ID.String()))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("payment applied",
		zap.String("installment_id", installmentID.String()),
		zap.String("amount", amount.StringFixed(2)))
	return ins, nil
}

// AmendInstallment changes the scheduled amount and/or due date of one
// installment. Rejected once the installment has any paid amount. An amount
// change triggers a recompute of all later unpaid installments so the
// schedule still sums to the finance amount.
func (l *Ledger) AmendInstallment(ctx context.Context, installmentID uuid.UUID, newAmount *decimal.Decimal, newDueDate *time.Time) (*models.Contract, error) {
	ins, err := l.GetInstallment(ctx, installmentID)
	if err != nil {
		return nil, err
	}

	unlock := l.lockContract(ins.ContractID)
	defer unlock()

	contract, err := l.GetContract(ctx, ins.ContractID)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i := range contract.Installments {
		if contract.Installments[i].ID == installmentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("installment %s: %w", installmentID, models.ErrNotFound)
	}
	if contract.Installments[idx].PaidAmount.IsPositive() {
		return nil, fmt.Errorf("%w: installment %d already has payments", models.ErrInvalidState, contract.Installments[idx].Seq)
	}

	updated := make([]models.Installment, len(contract.Installments))
	copy(updated, contract.Installments)
	if newAmount != nil {
		updated, err = amortization.Recompute(contract.Installments, contract.FinanceAmount, idx, *newAmount)
		if err != nil {
			return nil, err
		}
	}
	if newDueDate != nil {
		updated[idx].DueDate = *newDueDate
	}

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range updated {
			changed := !updated[i].Amount.Equal(contract.Installments[i].Amount) ||
				!updated[i].DueDate.Equal(contract.Installments[i].DueDate)
			if !changed {
				continue
			}
			if err := tx.Model(&models.Installment{}).
				Where("id = ?", updated[i].ID).
				Updates(map[string]interface{}{
					"amount":   updated[i].Amount,
					"due_date": updated[i].DueDate,
				}).Error; err != nil {
				return fmt.Errorf("failed to update installment %d: %w", updated[i].Seq, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	contract.Installments = updated
	l.logger.Info("installment amended",
		zap.String("contract_id", contract.ID.String()),
		zap.Int("seq", updated[idx].Seq))
	return contract, nil
}

// Reschedule regenerates the full schedule from a new start date using the
// original terms. Fails with ErrPaymentsExist once any installment in the
// contract has received money.
func (l *Ledger) Reschedule(ctx context.Context, contractID uuid.UUID, newStart time.Time) (*models.Contract, error) {
	unlock := l.lockContract(contractID)
	defer unlock()

	contract, err := l.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if contract.Status != models.ContractActive {
		return nil, fmt.Errorf("%w: contract is %s", models.ErrInvalidState, contract.Status)
	}

	entries, err := amortization.Reschedule(contract.Installments, contract.FinanceAmount,
		contract.InstallmentCount, newStart, contract.Frequency)
	if err != nil {
		return nil, err
	}

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("contract_id = ?", contractID).Delete(&models.Installment{}).Error; err != nil {
			return fmt.Errorf("failed to clear old schedule: %w", err)
		}
		installments := make([]models.Installment, len(entries))
		for i, e := range entries {
			installments[i] = models.Installment{
				ContractID: contractID,
				Seq:        e.Seq,
				DueDate:    e.DueDate,
				Amount:     e.Amount,
				PaidAmount: decimal.Zero,
			}
		}
		if err := tx.Create(&installments).Error; err != nil {
			return fmt.Errorf("failed to create new schedule: %w", err)
		}
		if err := tx.Model(contract).Updates(map[string]interface{}{
			"start_date": newStart,
			"end_date":   entries[len(entries)-1].DueDate,
		}).Error; err != nil {
			return err
		}
		contract.Installments = installments
		return nil
	})
	if err != nil {
		return nil, err
	}

	contract.StartDate = newStart
	contract.EndDate = entries[len(entries)-1].DueDate
	l.logger.Info("contract rescheduled",
		zap.String("contract_id", contractID.String()),
		zap.Time("new_start", newStart))
	return contract, nil
}

// AccountStatus aggregates a customer's standing across all their contracts
// at the given instant. defaultedAfterDays is the policy-defined threshold
// beyond which an overdue installment counts as defaulted.
func (l *Ledger) AccountStatus(ctx context.Context, customerID uuid.UUID, now time.Time, defaultedAfterDays int) (models.AccountStatus, error) {
	var contracts []models.Contract
	err := l.db.WithContext(ctx).
		Preload("Installments").
		Where("customer_id = ?", customerID).
		Find(&contracts).Error
	if err != nil {
		return "", err
	}

	anyOverdue := false
	anyActive := false
	for ci := range contracts {
		c := &contracts[ci]
		if c.Status == models.ContractActive {
			anyActive = true
		}
		for ii := range c.Installments {
			ins := &c.Installments[ii]
			if ins.StatusAt(now, c.GraceDays) != models.InstallmentOverdue {
				continue
			}
			anyOverdue = true
			if now.After(ins.DueDate.AddDate(0, 0, c.GraceDays+defaultedAfterDays)) {
				return models.AccountDefaulted, nil
			}
		}
	}
	if anyOverdue {
		return models.AccountOverdue, nil
	}
	if !anyActive && len(contracts) > 0 {
		return models.AccountCompleted, nil
	}
	return models.AccountGoodStanding, nil
}
