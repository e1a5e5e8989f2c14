package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"
)

// DefaultPolicyKey identifies the single process-wide retry policy row.
const DefaultPolicyKey = "default"

var policyValidate = validator.New()

// RetryPolicy is the process-wide, hot-reloadable configuration driving the
// retry scheduler. It is re-read once per sweep tick; changes never apply
// retroactively to an already-scheduled next_retry_at.
type RetryPolicy struct {
	Key     string `json:"key" gorm:"primaryKey;type:varchar(32)"`
	Enabled bool   `json:"enabled" gorm:"default:true"`

	MaxAttempts       int `json:"max_attempts" gorm:"default:3" validate:"min=0,max=10"`
	BaseIntervalHours int `json:"base_interval_hours" gorm:"default:24" validate:"min=1,max=168"`

	// ScheduleDays is an ordered list of day offsets. The offset at index
	// retryCount (clamped to the last entry) is added to the failure time to
	// produce next_retry_at.
	ScheduleDays datatypes.JSONSlice[int] `json:"schedule_days" validate:"required,min=1,dive,min=0,max=30"`

	NotifyAdmin    bool   `json:"notify_admin" gorm:"default:true"`
	NotifyCustomer bool   `json:"notify_customer" gorm:"default:true"`
	SendSMS        bool   `json:"send_sms" gorm:"default:false"`
	SMSTemplate    string `json:"sms_template" gorm:"type:text"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (RetryPolicy) TableName() string { return "retry_policies" }

// Validate enforces the configured bounds before the policy is persisted.
func (p *RetryPolicy) Validate() error {
	return policyValidate.Struct(p)
}

// OffsetFor returns the schedule day offset for the given retry count,
// clamped to the last configured entry.
func (p *RetryPolicy) OffsetFor(retryCount int) int {
	if len(p.ScheduleDays) == 0 {
		return 0
	}
	if retryCount >= len(p.ScheduleDays) {
		return p.ScheduleDays[len(p.ScheduleDays)-1]
	}
	return p.ScheduleDays[retryCount]
}

// DefaultRetryPolicy returns the policy seeded on first startup.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		Key:               DefaultPolicyKey,
		Enabled:           true,
		MaxAttempts:       3,
		BaseIntervalHours: 24,
		ScheduleDays:      datatypes.JSONSlice[int]{1, 3, 7},
		NotifyAdmin:       true,
		NotifyCustomer:    true,
		SendSMS:           false,
		SMSTemplate:       "Dear {{.CustomerName}}, your payment of {{.Amount}} {{.Currency}} could not be collected. We will retry on {{.RetryDate}}.",
	}
}
