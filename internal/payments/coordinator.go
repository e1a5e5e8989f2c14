// Package payments issues charge requests against the gateway, tracks their
// outcome, and hands failures to the retry scheduler.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/sankofapay/installment-engine/internal/eventbus"
	"github.com/sankofapay/installment-engine/internal/gateway"
	"github.com/sankofapay/installment-engine/internal/ledger"
	"github.com/sankofapay/installment-engine/internal/metrics"
	"github.com/sankofapay/installment-engine/internal/models"
)

// MandateVerifier checks the charging invariant on a mandate. Implemented by
// the mandate service.
type MandateVerifier interface {
	Usable(ctx context.Context, mandateID uuid.UUID, now time.Time) (*models.Mandate, error)
}

// FailureHandler receives failed attempts for a retry decision. Implemented
// by the retry scheduler; wired after construction to break the mutual
// dependency.
type FailureHandler interface {
	OnFailure(ctx context.Context, attempt *models.PaymentAttempt) error
}

// Coordinator owns payment attempt lifecycles. Charges return immediately
// with a PENDING attempt; resolution arrives later through Resolve (webhook
// consumer or poller).
type Coordinator struct {
	db       *gorm.DB
	gateway  gateway.Gateway
	ledger   *ledger.Ledger
	mandates MandateVerifier
	failures FailureHandler
	bus      eventbus.EventBus
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewCoordinator creates a payment attempt coordinator. The failure handler
// is attached later via SetFailureHandler.
func NewCoordinator(db *gorm.DB, gw gateway.Gateway, lg *ledger.Ledger, mandates MandateVerifier, bus eventbus.EventBus, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		db:       db,
		gateway:  gw,
		ledger:   lg,
		mandates: mandates,
		bus:      bus,
		logger:   logger,
		tracer:   otel.Tracer("payments"),
	}
}

// SetFailureHandler attaches the retry scheduler.
func (c *Coordinator) SetFailureHandler(h FailureHandler) { c.failures = h }

// ChargeInteractive submits a regular charge the customer approves on their
// handset (prompt/PIN). The attempt is persisted PENDING; the caller polls or
// waits for the webhook.
func (c *Coordinator) ChargeInteractive(ctx context.Context, contractID uuid.UUID, installmentIDs []uuid.UUID, amount decimal.Decimal, msisdn, network string) (*models.PaymentAttempt, error) {
	ctx, span := c.tracer.Start(ctx, "payments.charge_interactive")
	defer span.End()
	span.SetAttributes(attribute.String("network", network))

	if !gateway.SupportsCharge(network) {
		return nil, fmt.Errorf("%w: charges not available on %s", models.ErrUnsupportedNetwork, network)
	}

	attempt := &models.PaymentAttempt{
		ContractID:         contractID,
		Channel:            models.ChannelInteractive,
		Amount:             amount,
		TargetInstallments: datatypes.JSONSlice[uuid.UUID](installmentIDs),
		MSISDN:             msisdn,
		Network:            network,
	}
	return c.initiate(ctx, attempt)
}

// ChargeViaMandate submits a direct debit against an approved mandate; no
// customer interaction is required.
func (c *Coordinator) ChargeViaMandate(ctx context.Context, contractID, mandateID uuid.UUID, installmentIDs []uuid.UUID, amount decimal.Decimal) (*models.PaymentAttempt, error) {
	ctx, span := c.tracer.Start(ctx, "payments.charge_via_mandate")
	defer span.End()

	m, err := c.mandates.Usable(ctx, mandateID, time.Now())
	if err != nil {
		return nil, err
	}

	attempt := &models.PaymentAttempt{
		ContractID:         contractID,
		MandateID:          &mandateID,
		Channel:            models.ChannelMandate,
		Amount:             amount,
		TargetInstallments: datatypes.JSONSlice[uuid.UUID](installmentIDs),
		MSISDN:             m.MSISDN,
		Network:            m.Network,
	}
	return c.initiate(ctx, attempt)
}

// initiate validates targets, calls the gateway, and persists the PENDING
// attempt. A gateway failure here is surfaced to the caller and leaves no
// attempt behind — initiation errors never consume a retry slot.
func (c *Coordinator) initiate(ctx context.Context, attempt *models.PaymentAttempt) (*models.PaymentAttempt, error) {
	if !attempt.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: charge amount must be positive", models.ErrInvalidState)
	}
	if len(attempt.TargetInstallments) == 0 {
		return nil, fmt.Errorf("%w: no target installments", models.ErrInvalidState)
	}
	if _, err := c.loadTargets(ctx, attempt); err != nil {
		return nil, err
	}

	reference := "chg-" + uuid.NewString()
	var externalMandateID string
	if attempt.MandateID != nil {
		m, err := c.mandates.Usable(ctx, *attempt.MandateID, time.Now())
		if err != nil {
			return nil, err
		}
		externalMandateID = m.ExternalMandateID
	}

	externalRef, err := c.gateway.InitiateCharge(ctx, gateway.ChargeRequest{
		Amount:            attempt.Amount,
		MSISDN:            attempt.MSISDN,
		Network:           attempt.Network,
		Reference:         reference,
		ExternalMandateID: externalMandateID,
	})
	if err != nil {
		return nil, fmt.Errorf("charge initiation: %w", err)
	}

	attempt.ExternalRef = externalRef
	attempt.Status = models.AttemptPending
	if err := c.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return nil, fmt.Errorf("failed to store payment attempt: %w", err)
	}

	metrics.ChargeAttempts.WithLabelValues(string(attempt.Channel)).Inc()
	c.logger.Info("charge initiated",
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("channel", string(attempt.Channel)),
		zap.String("amount", attempt.Amount.StringFixed(2)),
		zap.String("external_ref", externalRef))
	return attempt, nil
}

// loadTargets loads the attempt's target installments in distribution order
// and verifies they belong to the attempt's contract.
func (c *Coordinator) loadTargets(ctx context.Context, attempt *models.PaymentAttempt) ([]models.Installment, error) {
	targets := make([]models.Installment, 0, len(attempt.TargetInstallments))
	for _, id := range attempt.TargetInstallments {
		ins, err := c.ledger.GetInstallment(ctx, id)
		if err != nil {
			return nil, err
		}
		if ins.ContractID != attempt.ContractID {
			return nil, fmt.Errorf("%w: installment %s belongs to another contract", models.ErrInvalidState, id)
		}
		targets = append(targets, *ins)
	}
	return targets, nil
}

// Resolve records the terminal gateway outcome for an attempt. Safe under
// duplicate webhook delivery: a second call on an already-terminal attempt is
// a no-op. On SUCCESS the amount is distributed across the targets in order,
// each capped at its remaining balance; any excess fails fast with
// AmountMismatch before a single cedi is applied. On FAILED the retry
// scheduler takes over.
func (c *Coordinator) Resolve(ctx context.Context, attemptID uuid.UUID, status gateway.ChargeStatus, failureReason string) (*models.PaymentAttempt, error) {
	ctx, span := c.tracer.Start(ctx, "payments.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("status", string(status)))

	attempt, err := c.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.Terminal() {
		return attempt, nil
	}

	switch status {
	case gateway.ChargeSuccess:
		return c.resolveSuccess(ctx, attempt)
	case gateway.ChargeFailed:
		return c.resolveFailure(ctx, attempt, failureReason)
	case gateway.ChargePending:
		return nil, fmt.Errorf("%w: resolve requires a terminal gateway status", models.ErrInvalidState)
	default:
		return nil, fmt.Errorf("%w: unknown gateway status %q", models.ErrInvalidState, status)
	}
}

// Poll asks the gateway for the current status of a pending attempt and
// resolves it if the gateway reports a terminal state. The webhook path
// usually wins this race; polling is the fallback for missed deliveries.
func (c *Coordinator) Poll(ctx context.Context, attemptID uuid.UUID) (*models.PaymentAttempt, error) {
	attempt, err := c.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.Terminal() {
		return attempt, nil
	}

	status, err := c.gateway.CheckChargeStatus(ctx, attempt.ExternalRef)
	if err != nil {
		return nil, fmt.Errorf("status poll: %w", err)
	}
	if status == gateway.ChargePending {
		return attempt, nil
	}
	return c.Resolve(ctx, attempt.ID, status, "")
}

// ResolveByReference resolves the attempt the gateway reference points at.
// This is the webhook consumer's entry point.
func (c *Coordinator) ResolveByReference(ctx context.Context, externalRef string, status gateway.ChargeStatus, failureReason string) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := c.db.WithContext(ctx).First(&attempt, "external_ref = ?", externalRef).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("attempt reference %q: %w", externalRef, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return c.Resolve(ctx, attempt.ID, status, failureReason)
}

func (c *Coordinator) resolveSuccess(ctx context.Context, attempt *models.PaymentAttempt) (*models.PaymentAttempt, error) {
	targets, err := c.loadTargets(ctx, attempt)
	if err != nil {
		return nil, err
	}

	// Fail fast on excess before applying anything; batch application has no
	// rollback (one call per installment, matching the upstream semantics).
	distributable := decimal.Zero
	for i := range targets {
		distributable = distributable.Add(targets[i].Remaining())
	}
	if attempt.Amount.GreaterThan(distributable) {
		return nil, fmt.Errorf("amount %s exceeds distributable %s across %d installments: %w",
			attempt.Amount.StringFixed(2), distributable.StringFixed(2), len(targets), models.ErrAmountMismatch)
	}

	// Claim the attempt before touching the ledger: of two truly concurrent
	// resolvers (webhook and poll), only the CAS winner applies the money.
	now := time.Now()
	if err := c.markTerminal(ctx, attempt, models.AttemptSuccess, "", now); err != nil {
		if errors.Is(err, models.ErrAlreadyTerminal) {
			return c.Get(ctx, attempt.ID)
		}
		return nil, err
	}

	remaining := attempt.Amount
	for i := range targets {
		if !remaining.IsPositive() {
			break
		}
		portion := decimal.Min(remaining, targets[i].Remaining())
		if !portion.IsPositive() {
			continue
		}
		if _, err := c.ledger.ApplyPayment(ctx, targets[i].ID, portion); err != nil {
			// The attempt is already SUCCESS; an application failure here needs
			// operator attention, it cannot be retried automatically.
			c.logger.Error("payment application failed after claim",
				zap.String("attempt_id", attempt.ID.String()),
				zap.String("portion", portion.StringFixed(2)),
				zap.Error(err))
			return nil, fmt.Errorf("applying %s to installment %d: %w", portion.StringFixed(2), targets[i].Seq, err)
		}
		remaining = remaining.Sub(portion)
	}

	metrics.AttemptResolutions.WithLabelValues("success").Inc()
	c.publishResolved(ctx, attempt)
	c.logger.Info("attempt succeeded",
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("amount", attempt.Amount.StringFixed(2)))
	return attempt, nil
}

func (c *Coordinator) resolveFailure(ctx context.Context, attempt *models.PaymentAttempt, reason string) (*models.PaymentAttempt, error) {
	now := time.Now()
	if attempt.FirstFailedAt == nil {
		attempt.FirstFailedAt = &now
	}
	if err := c.markTerminal(ctx, attempt, models.AttemptFailed, reason, now); err != nil {
		if errors.Is(err, models.ErrAlreadyTerminal) {
			// A concurrent resolver won; its path owns the side effects.
			return c.Get(ctx, attempt.ID)
		}
		return nil, err
	}

	metrics.AttemptResolutions.WithLabelValues("failed").Inc()
	c.publishResolved(ctx, attempt)
	c.logger.Info("attempt failed",
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("reason", reason))

	// The attempt is FAILED regardless of what the scheduler decides; a
	// scheduling error must not undo the resolution.
	if c.failures != nil {
		if err := c.failures.OnFailure(ctx, attempt); err != nil {
			c.logger.Error("retry decision failed",
				zap.String("attempt_id", attempt.ID.String()), zap.Error(err))
		}
	}
	return attempt, nil
}

// markTerminal flips a PENDING attempt to its final status with a guarded
// update, so a duplicate resolve racing past the in-memory check still
// applies at most once.
func (c *Coordinator) markTerminal(ctx context.Context, attempt *models.PaymentAttempt, status models.AttemptStatus, reason string, now time.Time) error {
	updates := map[string]interface{}{
		"status":      status,
		"resolved_at": now,
	}
	if reason != "" {
		updates["failure_reason"] = reason
	}
	if attempt.FirstFailedAt != nil {
		updates["first_failed_at"] = *attempt.FirstFailedAt
	}
	res := c.db.WithContext(ctx).Model(&models.PaymentAttempt{}).
		Where("id = ? AND status = ?", attempt.ID, models.AttemptPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: attempt %s", models.ErrAlreadyTerminal, attempt.ID)
	}

	attempt.Status = status
	attempt.FailureReason = reason
	attempt.ResolvedAt = &now

	// A reissued attempt carries sub-attempt records; close out the open one.
	if attempt.RetryCount > 0 {
		c.db.WithContext(ctx).Model(&models.RetrySubAttempt{}).
			Where("payment_attempt_id = ? AND attempt_no = ?", attempt.ID, attempt.RetryCount).
			Updates(map[string]interface{}{"status": status, "reason": reason})
	}
	return nil
}

// Reissue re-submits a failed attempt to the gateway with the same channel
// and targets, incrementing the retry count and opening a sub-attempt
// record. The retry slot is reserved with a compare-and-swap on
// (status, retry_count) before the gateway is called, so the periodic sweep
// and a manual retry racing on the same failure issue exactly one charge.
func (c *Coordinator) Reissue(ctx context.Context, attemptID uuid.UUID, manual bool) (*models.PaymentAttempt, error) {
	ctx, span := c.tracer.Start(ctx, "payments.reissue")
	defer span.End()

	attempt, err := c.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.Status != models.AttemptFailed {
		return nil, fmt.Errorf("%w: attempt is %s, not FAILED", models.ErrInvalidState, attempt.Status)
	}
	if attempt.RetryCount >= attempt.MaxRetries {
		return nil, fmt.Errorf("%w: attempt %s used %d of %d retries", models.ErrRetryExhausted, attempt.ID, attempt.RetryCount, attempt.MaxRetries)
	}
	var externalMandateID string
	if attempt.MandateID != nil {
		m, err := c.mandates.Usable(ctx, *attempt.MandateID, time.Now())
		if err != nil {
			return nil, err
		}
		externalMandateID = m.ExternalMandateID
	}

	res := c.db.WithContext(ctx).Model(&models.PaymentAttempt{}).
		Where("id = ? AND status = ? AND retry_count = ?", attempt.ID, models.AttemptFailed, attempt.RetryCount).
		Updates(map[string]interface{}{
			"status":        models.AttemptPending,
			"retry_count":   attempt.RetryCount + 1,
			"next_retry_at": nil,
			"resolved_at":   nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// A concurrent sweep or manual retry got here first.
		return nil, fmt.Errorf("%w: attempt %s already reissued", models.ErrInvalidState, attempt.ID)
	}

	reference := "chg-" + uuid.NewString()
	externalRef, err := c.gateway.InitiateCharge(ctx, gateway.ChargeRequest{
		Amount:            attempt.Amount,
		MSISDN:            attempt.MSISDN,
		Network:           attempt.Network,
		Reference:         reference,
		ExternalMandateID: externalMandateID,
	})
	if err != nil {
		// Give the slot back: a transient initiation error must not consume a
		// retry, and the attempt stays due for the next sweep.
		revert := c.db.WithContext(ctx).Model(&models.PaymentAttempt{}).
			Where("id = ? AND status = ? AND retry_count = ?", attempt.ID, models.AttemptPending, attempt.RetryCount+1).
			Updates(map[string]interface{}{
				"status":        models.AttemptFailed,
				"retry_count":   attempt.RetryCount,
				"next_retry_at": attempt.NextRetryAt,
				"resolved_at":   attempt.ResolvedAt,
			})
		if revert.Error != nil {
			c.logger.Error("failed to release retry slot after gateway error",
				zap.String("attempt_id", attempt.ID.String()), zap.Error(revert.Error))
		}
		return nil, fmt.Errorf("charge initiation: %w", err)
	}

	if err := c.db.WithContext(ctx).Model(&models.PaymentAttempt{}).
		Where("id = ?", attempt.ID).
		Update("external_ref", externalRef).Error; err != nil {
		return nil, fmt.Errorf("failed to record gateway reference: %w", err)
	}

	attempt.Status = models.AttemptPending
	attempt.RetryCount++
	attempt.ExternalRef = externalRef
	attempt.NextRetryAt = nil
	attempt.ResolvedAt = nil

	sub := &models.RetrySubAttempt{
		PaymentAttemptID: attempt.ID,
		AttemptNo:        attempt.RetryCount,
		Status:           models.AttemptPending,
		Manual:           manual,
	}
	if err := c.db.WithContext(ctx).Create(sub).Error; err != nil {
		c.logger.Warn("failed to record retry sub-attempt",
			zap.String("attempt_id", attempt.ID.String()), zap.Error(err))
	}

	metrics.ChargeAttempts.WithLabelValues(string(attempt.Channel)).Inc()
	c.logger.Info("attempt reissued",
		zap.String("attempt_id", attempt.ID.String()),
		zap.Int("retry_count", attempt.RetryCount),
		zap.Bool("manual", manual))
	return attempt, nil
}

// Get loads an attempt with its retry sub-attempts.
func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := c.db.WithContext(ctx).
		Preload("SubAttempts", func(db *gorm.DB) *gorm.DB { return db.Order("attempt_no ASC") }).
		First(&attempt, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("attempt %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// ListFailed returns failed attempts, newest first.
func (c *Coordinator) ListFailed(ctx context.Context, limit int) ([]models.PaymentAttempt, error) {
	var attempts []models.PaymentAttempt
	q := c.db.WithContext(ctx).
		Where("status = ?", models.AttemptFailed).
		Order("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}

func (c *Coordinator) publishResolved(ctx context.Context, attempt *models.PaymentAttempt) {
	err := c.bus.Publish(ctx, eventbus.TopicPaymentsResolved, map[string]interface{}{
		"attempt_id":  attempt.ID.String(),
		"contract_id": attempt.ContractID.String(),
		"status":      attempt.Status,
		"amount":      attempt.Amount.StringFixed(2),
		"retry_count": attempt.RetryCount,
	})
	if err != nil {
		c.logger.Warn("failed to publish resolution event",
			zap.String("attempt_id", attempt.ID.String()), zap.Error(err))
	}
}
