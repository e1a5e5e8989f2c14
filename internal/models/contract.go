package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PaymentFrequency controls the step between installment due dates.
type PaymentFrequency string

const (
	FrequencyDaily   PaymentFrequency = "DAILY"
	FrequencyWeekly  PaymentFrequency = "WEEKLY"
	FrequencyMonthly PaymentFrequency = "MONTHLY"
)

// ContractStatus is the lifecycle state of a hire-purchase contract.
type ContractStatus string

const (
	ContractActive    ContractStatus = "ACTIVE"
	ContractCompleted ContractStatus = "COMPLETED"
	ContractDefaulted ContractStatus = "DEFAULTED"
	ContractCancelled ContractStatus = "CANCELLED"
)

// InstallmentStatus is derived from paid amount and due date, never stored.
type InstallmentStatus string

const (
	InstallmentPending InstallmentStatus = "PENDING"
	InstallmentPartial InstallmentStatus = "PARTIAL"
	InstallmentPaid    InstallmentStatus = "PAID"
	InstallmentOverdue InstallmentStatus = "OVERDUE"
)

// AccountStatus aggregates a customer's standing across contracts.
type AccountStatus string

const (
	AccountGoodStanding AccountStatus = "GOOD_STANDING"
	AccountOverdue      AccountStatus = "OVERDUE"
	AccountDefaulted    AccountStatus = "DEFAULTED"
	AccountCompleted    AccountStatus = "COMPLETED"
)

// Contract represents a single hire-purchase agreement and owns its
// installments in due-date order.
type Contract struct {
	ID               uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey"`
	CustomerID       uuid.UUID        `json:"customer_id" gorm:"type:uuid;not null;index"`
	TotalPrice       decimal.Decimal  `json:"total_price" gorm:"type:numeric(14,2);not null"`
	Deposit          decimal.Decimal  `json:"deposit" gorm:"type:numeric(14,2);not null"`
	FinanceAmount    decimal.Decimal  `json:"finance_amount" gorm:"type:numeric(14,2);not null"`
	Frequency        PaymentFrequency `json:"frequency" gorm:"type:varchar(10);not null"`
	InstallmentCount int              `json:"installment_count" gorm:"not null"`
	GraceDays        int              `json:"grace_days" gorm:"default:0"`
	PenaltyPercent   decimal.Decimal  `json:"penalty_percent" gorm:"type:numeric(6,3);default:0"`
	StartDate        time.Time        `json:"start_date" gorm:"not null"`
	EndDate          time.Time        `json:"end_date"`
	Status           ContractStatus   `json:"status" gorm:"type:varchar(16);default:'ACTIVE';index"`

	// MandateID is a weak reference; the contract does not own the mandate's
	// lifecycle.
	MandateID *uuid.UUID `json:"mandate_id,omitempty" gorm:"type:uuid"`

	Installments []Installment `json:"installments,omitempty" gorm:"foreignKey:ContractID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Contract) TableName() string { return "contracts" }

func (c *Contract) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// TotalPaid sums paid amounts across the loaded installments.
func (c *Contract) TotalPaid() decimal.Decimal {
	total := decimal.Zero
	for i := range c.Installments {
		total = total.Add(c.Installments[i].PaidAmount)
	}
	return total
}

// OutstandingBalance is the finance amount minus everything paid so far.
func (c *Contract) OutstandingBalance() decimal.Decimal {
	return c.FinanceAmount.Sub(c.TotalPaid())
}

// HasPayments reports whether any installment has received money. A full
// reschedule is only permitted while this is false.
func (c *Contract) HasPayments() bool {
	for i := range c.Installments {
		if c.Installments[i].PaidAmount.IsPositive() {
			return true
		}
	}
	return false
}

// Installment belongs to exactly one contract. Status is a pure function of
// the paid amount and due date; it is not persisted.
type Installment struct {
	ID         uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	ContractID uuid.UUID       `json:"contract_id" gorm:"type:uuid;not null;index:idx_contract_seq,unique,priority:1"`
	Seq        int             `json:"seq" gorm:"not null;index:idx_contract_seq,unique,priority:2"`
	DueDate    time.Time       `json:"due_date" gorm:"not null;index"`
	Amount     decimal.Decimal `json:"amount" gorm:"type:numeric(14,2);not null"`
	PaidAmount decimal.Decimal `json:"paid_amount" gorm:"type:numeric(14,2);not null;default:0"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Installment) TableName() string { return "installments" }

func (i *Installment) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// Remaining is the scheduled amount still unpaid on this installment.
func (i *Installment) Remaining() decimal.Decimal {
	return i.Amount.Sub(i.PaidAmount)
}

// IsPaid reports whether the installment is fully covered.
func (i *Installment) IsPaid() bool {
	return i.PaidAmount.GreaterThanOrEqual(i.Amount)
}

// StatusAt derives the installment status at the given instant. The grace
// period delays the OVERDUE transition past the due date.
func (i *Installment) StatusAt(now time.Time, graceDays int) InstallmentStatus {
	if i.IsPaid() {
		return InstallmentPaid
	}
	if now.After(i.DueDate.AddDate(0, 0, graceDays)) {
		return InstallmentOverdue
	}
	if i.PaidAmount.IsPositive() {
		return InstallmentPartial
	}
	return InstallmentPending
}
