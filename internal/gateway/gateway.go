// Package gateway defines the contract the engine consumes from the external
// mobile-money gateway. The wire protocol itself lives behind this interface;
// the engine only depends on the capability set.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/sankofapay/installment-engine/internal/models"
)

// ChargeStatus is the gateway-reported state of a charge.
type ChargeStatus string

const (
	ChargeSuccess ChargeStatus = "SUCCESS"
	ChargePending ChargeStatus = "PENDING"
	ChargeFailed  ChargeStatus = "FAILED"
)

// Mobile networks the gateway knows about.
const (
	NetworkMTN        = "MTN"
	NetworkVodafone   = "VODAFONE"
	NetworkAirtelTigo = "AIRTELTIGO"
)

// chargeNetworks is the set accepted for regular charges; mandateNetworks is
// the strict subset on which direct-debit mandates can be established.
var (
	chargeNetworks  = map[string]bool{NetworkMTN: true, NetworkVodafone: true, NetworkAirtelTigo: true}
	mandateNetworks = map[string]bool{NetworkMTN: true, NetworkVodafone: true}
)

// SupportsCharge reports whether regular charges work on the network.
func SupportsCharge(network string) bool { return chargeNetworks[network] }

// SupportsMandate reports whether direct-debit mandates work on the network.
func SupportsMandate(network string) bool { return mandateNetworks[network] }

// ChargeRequest asks the gateway to collect money from a customer wallet.
// Reference is generated by the engine and keys later webhooks.
type ChargeRequest struct {
	Amount    decimal.Decimal
	MSISDN    string
	Network   string
	Reference string

	// Mandate-based charges carry the approved external mandate id and skip
	// the customer prompt.
	ExternalMandateID string
}

// MandateRequest asks the gateway to start a direct-debit preapproval.
type MandateRequest struct {
	MSISDN    string
	Network   string
	Reference string
}

// MandateInitResult is the gateway's answer to a mandate initiation.
type MandateInitResult struct {
	ExternalMandateID string
	VerificationType  models.VerificationType
}

// Gateway is the capability contract of the external mobile-money service.
// Transient transport failures are reported as models.ErrGatewayUnavailable
// (wrapped); callers decide their own retry behavior for those.
type Gateway interface {
	// InitiateCharge submits a charge and returns the gateway's external
	// reference. The charge resolves asynchronously via webhook or polling.
	InitiateCharge(ctx context.Context, req ChargeRequest) (externalRef string, err error)

	// CheckChargeStatus polls the current state of a previously initiated
	// charge.
	CheckChargeStatus(ctx context.Context, externalRef string) (ChargeStatus, error)

	// InitiateMandate starts a preapproval and reports which verification
	// flow (OTP or USSD) the customer will go through.
	InitiateMandate(ctx context.Context, req MandateRequest) (MandateInitResult, error)

	// VerifyMandateOtp confirms a pending OTP-verified mandate.
	VerifyMandateOtp(ctx context.Context, reference, otp string) (bool, error)
}
