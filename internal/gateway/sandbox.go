package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sankofapay/installment-engine/internal/models"
)

// Sandbox is an in-memory Gateway for development and tests. Charges stay
// PENDING until the test (or a webhook simulator) settles them; mandates
// verify against a fixed OTP.
type Sandbox struct {
	mu       sync.Mutex
	charges  map[string]ChargeStatus
	mandates map[string]string // reference -> external mandate id

	// OTP accepted by VerifyMandateOtp. Defaults to "123456".
	OTP string

	// Unavailable makes every call fail with ErrGatewayUnavailable, for
	// exercising the transient-error path.
	Unavailable bool

	// USSDNetworks verify via USSD callback instead of OTP.
	USSDNetworks map[string]bool
}

// NewSandbox returns a Sandbox with default behavior: OTP "123456",
// Vodafone on the USSD flow.
func NewSandbox() *Sandbox {
	return &Sandbox{
		charges:      make(map[string]ChargeStatus),
		mandates:     make(map[string]string),
		OTP:          "123456",
		USSDNetworks: map[string]bool{NetworkVodafone: true},
	}
}

func (s *Sandbox) InitiateCharge(ctx context.Context, req ChargeRequest) (string, error) {
	if s.Unavailable {
		return "", fmt.Errorf("sandbox offline: %w", models.ErrGatewayUnavailable)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := "sbx-ch-" + req.Reference
	s.charges[ref] = ChargePending
	return ref, nil
}

func (s *Sandbox) CheckChargeStatus(ctx context.Context, externalRef string) (ChargeStatus, error) {
	if s.Unavailable {
		return "", fmt.Errorf("sandbox offline: %w", models.ErrGatewayUnavailable)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.charges[externalRef]
	if !ok {
		return "", fmt.Errorf("unknown charge reference %q", externalRef)
	}
	return status, nil
}

func (s *Sandbox) InitiateMandate(ctx context.Context, req MandateRequest) (MandateInitResult, error) {
	if s.Unavailable {
		return MandateInitResult{}, fmt.Errorf("sandbox offline: %w", models.ErrGatewayUnavailable)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ext := fmt.Sprintf("sbx-md-%s-%d", req.Reference, time.Now().UnixNano())
	s.mandates[req.Reference] = ext

	vt := models.VerifyOTP
	if s.USSDNetworks[req.Network] {
		vt = models.VerifyUSSD
	}
	return MandateInitResult{ExternalMandateID: ext, VerificationType: vt}, nil
}

func (s *Sandbox) VerifyMandateOtp(ctx context.Context, reference, otp string) (bool, error) {
	if s.Unavailable {
		return false, fmt.Errorf("sandbox offline: %w", models.ErrGatewayUnavailable)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mandates[reference]; !ok {
		return false, fmt.Errorf("unknown mandate reference %q", reference)
	}
	return otp == s.OTP, nil
}

// SettleCharge flips a pending charge to its final status. Test hook; mirrors
// what a provider webhook would report.
func (s *Sandbox) SettleCharge(externalRef string, status ChargeStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charges[externalRef] = status
}
