package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PaymentChannel distinguishes interactive charges (customer approves on
// their handset) from mandate-based direct debits.
type PaymentChannel string

const (
	ChannelInteractive PaymentChannel = "INTERACTIVE"
	ChannelMandate     PaymentChannel = "MANDATE"
)

// AttemptStatus is the lifecycle state of a payment attempt. SUCCESS and
// FAILED are terminal.
type AttemptStatus string

const (
	AttemptPending AttemptStatus = "PENDING"
	AttemptSuccess AttemptStatus = "SUCCESS"
	AttemptFailed  AttemptStatus = "FAILED"
)

// PaymentAttempt is a single try to collect money for one or more
// installments of a contract.
type PaymentAttempt struct {
	ID         uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	ContractID uuid.UUID       `json:"contract_id" gorm:"type:uuid;not null;index"`
	MandateID  *uuid.UUID      `json:"mandate_id,omitempty" gorm:"type:uuid;index"`
	Channel    PaymentChannel  `json:"channel" gorm:"type:varchar(12);not null"`
	Amount     decimal.Decimal `json:"amount" gorm:"type:numeric(14,2);not null"`

	// TargetInstallments lists installment IDs in distribution order. On a
	// successful resolve the amount is applied across them in this order.
	TargetInstallments datatypes.JSONSlice[uuid.UUID] `json:"target_installments" gorm:"not null"`

	MSISDN  string `json:"msisdn" gorm:"type:varchar(20)"`
	Network string `json:"network" gorm:"type:varchar(20)"`

	// ExternalRef is the reference the gateway returned at initiation; status
	// callbacks are keyed by it.
	ExternalRef string `json:"external_ref" gorm:"type:varchar(100);uniqueIndex"`

	Status        AttemptStatus `json:"status" gorm:"type:varchar(10);default:'PENDING';index"`
	FailureReason string        `json:"failure_reason,omitempty" gorm:"type:text"`

	RetryCount    int        `json:"retry_count" gorm:"default:0"`
	MaxRetries    int        `json:"max_retries" gorm:"default:0"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty" gorm:"index"`
	AutoRetry     bool       `json:"auto_retry" gorm:"default:false"`
	FirstFailedAt *time.Time `json:"first_failed_at,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`

	SubAttempts []RetrySubAttempt `json:"sub_attempts,omitempty" gorm:"foreignKey:PaymentAttemptID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (PaymentAttempt) TableName() string { return "payment_attempts" }

func (a *PaymentAttempt) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// Terminal reports whether the attempt has reached a final status.
func (a *PaymentAttempt) Terminal() bool {
	return a.Status == AttemptSuccess || a.Status == AttemptFailed
}

// RetrySubAttempt records one automatic or manual retry of a failed attempt.
type RetrySubAttempt struct {
	ID               uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey"`
	PaymentAttemptID uuid.UUID     `json:"payment_attempt_id" gorm:"type:uuid;not null;index"`
	AttemptNo        int           `json:"attempt_no" gorm:"not null"`
	Status           AttemptStatus `json:"status" gorm:"type:varchar(10);not null"`
	Reason           string        `json:"reason,omitempty" gorm:"type:text"`
	Manual           bool          `json:"manual" gorm:"default:false"`
	CreatedAt        time.Time     `json:"created_at"`
}

func (RetrySubAttempt) TableName() string { return "retry_sub_attempts" }

func (r *RetrySubAttempt) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
