package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Gateway and throttles outbound calls so a retry sweep
// cannot flood the provider. The limiter blocks until a slot is available or
// the context is cancelled.
type RateLimited struct {
	inner   Gateway
	limiter *rate.Limiter
}

// NewRateLimited wraps g with a token-bucket limiter of rps requests per
// second and the given burst.
func NewRateLimited(g Gateway, rps float64, burst int) *RateLimited {
	return &RateLimited{
		inner:   g,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimited) InitiateCharge(ctx context.Context, req ChargeRequest) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.inner.InitiateCharge(ctx, req)
}

func (r *RateLimited) CheckChargeStatus(ctx context.Context, externalRef string) (ChargeStatus, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.inner.CheckChargeStatus(ctx, externalRef)
}

func (r *RateLimited) InitiateMandate(ctx context.Context, req MandateRequest) (MandateInitResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return MandateInitResult{}, err
	}
	return r.inner.InitiateMandate(ctx, req)
}

func (r *RateLimited) VerifyMandateOtp(ctx context.Context, reference, otp string) (bool, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return false, err
	}
	return r.inner.VerifyMandateOtp(ctx, reference, otp)
}
