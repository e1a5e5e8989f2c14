package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MandateStatus is the lifecycle state of a mobile-money preapproval.
// PENDING is the only non-terminal state.
type MandateStatus string

const (
	MandatePending   MandateStatus = "PENDING"
	MandateApproved  MandateStatus = "APPROVED"
	MandateFailed    MandateStatus = "FAILED"
	MandateExpired   MandateStatus = "EXPIRED"
	MandateCancelled MandateStatus = "CANCELLED"
)

// VerificationType selects how a pending mandate is confirmed by the
// customer.
type VerificationType string

const (
	VerifyOTP  VerificationType = "OTP"
	VerifyUSSD VerificationType = "USSD"
)

// Mandate represents customer consent for future automatic debits on a
// mobile-money account. At most one active mandate exists per
// (customer, network).
type Mandate struct {
	ID         uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CustomerID uuid.UUID `json:"customer_id" gorm:"type:uuid;not null;index"`

	// ClientReference is the reference the engine generated at initiation;
	// gateway webhooks are keyed by it.
	ClientReference   string `json:"client_reference" gorm:"type:varchar(100);uniqueIndex;not null"`
	ExternalMandateID string `json:"external_mandate_id" gorm:"type:varchar(100)"`

	Status           MandateStatus    `json:"status" gorm:"type:varchar(12);default:'PENDING';index"`
	VerificationType VerificationType `json:"verification_type" gorm:"type:varchar(6)"`
	MSISDN           string           `json:"msisdn" gorm:"type:varchar(20);not null"`
	Network          string           `json:"network" gorm:"type:varchar(20);not null"`

	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at" gorm:"not null;index"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Mandate) TableName() string { return "mandates" }

func (m *Mandate) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// Terminal reports whether the mandate has left the PENDING state.
func (m *Mandate) Terminal() bool {
	return m.Status != MandatePending
}

// UsableAt reports whether a charge may be issued against this mandate at
// the given instant: APPROVED, and strictly before expiry.
func (m *Mandate) UsableAt(now time.Time) bool {
	return m.Status == MandateApproved && now.Before(m.ExpiresAt)
}
