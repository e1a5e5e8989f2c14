// Package mandate owns the lifecycle of mobile-money preapprovals: a PENDING
// mandate is verified (OTP or USSD callback) into APPROVED, or ends up
// FAILED, EXPIRED, or CANCELLED. APPROVED is the only state charges may be
// issued from, and only until expiry.
package mandate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sankofapay/installment-engine/internal/eventbus"
	"github.com/sankofapay/installment-engine/internal/gateway"
	"github.com/sankofapay/installment-engine/internal/metrics"
	"github.com/sankofapay/installment-engine/internal/models"
)

// Service drives mandate state transitions against the gateway.
type Service struct {
	db       *gorm.DB
	gateway  gateway.Gateway
	bus      eventbus.EventBus
	logger   *zap.Logger
	tracer   trace.Tracer
	validity time.Duration
}

// NewService creates a mandate service. validity is how long an approved
// mandate stays usable after initiation. State transitions are announced on
// the bus for downstream consumers.
func NewService(db *gorm.DB, gw gateway.Gateway, validity time.Duration, bus eventbus.EventBus, logger *zap.Logger) *Service {
	return &Service{
		db:       db,
		gateway:  gw,
		bus:      bus,
		logger:   logger,
		tracer:   otel.Tracer("mandate"),
		validity: validity,
	}
}

// Initiate starts a new preapproval for the customer on the given network.
// Direct debit supports a strict subset of the networks regular charges do;
// unsupported networks are rejected up front.
func (s *Service) Initiate(ctx context.Context, customerID uuid.UUID, msisdn, network string) (*models.Mandate, error) {
	ctx, span := s.tracer.Start(ctx, "mandate.initiate")
	defer span.End()
	span.SetAttributes(attribute.String("network", network))

	if !gateway.SupportsMandate(network) {
		return nil, fmt.Errorf("%w: direct debit not available on %s", models.ErrUnsupportedNetwork, network)
	}

	// One active mandate per (customer, network): a PENDING or usable
	// APPROVED mandate blocks a new initiation.
	var existing models.Mandate
	err := s.db.WithContext(ctx).
		Where("customer_id = ? AND network = ? AND status IN ?", customerID, network,
			[]models.MandateStatus{models.MandatePending, models.MandateApproved}).
		First(&existing).Error
	if err == nil && (existing.Status == models.MandatePending || existing.UsableAt(time.Now())) {
		return nil, fmt.Errorf("%w: active mandate %s exists for customer on %s", models.ErrInvalidState, existing.ID, network)
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	reference := "mnd-" + uuid.NewString()
	res, err := s.gateway.InitiateMandate(ctx, gateway.MandateRequest{
		MSISDN:    msisdn,
		Network:   network,
		Reference: reference,
	})
	if err != nil {
		return nil, fmt.Errorf("mandate initiation: %w", err)
	}

	m := &models.Mandate{
		CustomerID:        customerID,
		ClientReference:   reference,
		ExternalMandateID: res.ExternalMandateID,
		Status:            models.MandatePending,
		VerificationType:  res.VerificationType,
		MSISDN:            msisdn,
		Network:           network,
		ExpiresAt:         time.Now().Add(s.validity),
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, fmt.Errorf("failed to store mandate: %w", err)
	}

	s.logger.Info("mandate initiated",
		zap.String("mandate_id", m.ID.String()),
		zap.String("network", network),
		zap.String("verification", string(res.VerificationType)))
	return m, nil
}

// Verify confirms a pending OTP mandate with the code the customer received.
// USSD mandates are confirmed asynchronously through MarkApproved/MarkFailed
// instead.
func (s *Service) Verify(ctx context.Context, clientReference, otp string) (*models.Mandate, error) {
	ctx, span := s.tracer.Start(ctx, "mandate.verify")
	defer span.End()

	m, err := s.byReference(ctx, clientReference)
	if err != nil {
		return nil, err
	}
	if m.Terminal() {
		// Duplicate verification callbacks are tolerated, not re-applied.
		if m.Status == models.MandateApproved {
			return m, nil
		}
		return nil, fmt.Errorf("%w: mandate is %s", models.ErrAlreadyTerminal, m.Status)
	}
	if m.VerificationType != models.VerifyOTP {
		return nil, fmt.Errorf("%w: mandate verifies via %s, not OTP", models.ErrInvalidState, m.VerificationType)
	}

	ok, err := s.gateway.VerifyMandateOtp(ctx, clientReference, otp)
	if err != nil {
		return nil, fmt.Errorf("otp verification: %w", err)
	}
	if !ok {
		if err := s.transition(ctx, m, models.MandateFailed); err != nil {
			return nil, err
		}
		return m, nil
	}
	if err := s.approve(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// MarkApproved is the USSD/webhook path to approval. Idempotent for
// already-approved mandates; any other terminal state is rejected.
func (s *Service) MarkApproved(ctx context.Context, clientReference string) (*models.Mandate, error) {
	m, err := s.byReference(ctx, clientReference)
	if err != nil {
		return nil, err
	}
	if m.Status == models.MandateApproved {
		return m, nil
	}
	if m.Terminal() {
		return nil, fmt.Errorf("%w: mandate is %s", models.ErrAlreadyTerminal, m.Status)
	}
	if err := s.approve(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// MarkFailed is the USSD/webhook path to rejection. Idempotent for
// already-failed mandates.
func (s *Service) MarkFailed(ctx context.Context, clientReference string) (*models.Mandate, error) {
	m, err := s.byReference(ctx, clientReference)
	if err != nil {
		return nil, err
	}
	if m.Status == models.MandateFailed {
		return m, nil
	}
	if m.Terminal() {
		return nil, fmt.Errorf("%w: mandate is %s", models.ErrAlreadyTerminal, m.Status)
	}
	if err := s.transition(ctx, m, models.MandateFailed); err != nil {
		return nil, err
	}
	return m, nil
}

// Expire transitions a mandate past its expiry to EXPIRED. Idempotent: an
// already-expired mandate is a no-op, not an error.
func (s *Service) Expire(ctx context.Context, mandateID uuid.UUID, now time.Time) (*models.Mandate, error) {
	m, err := s.Get(ctx, mandateID)
	if err != nil {
		return nil, err
	}
	if m.Status == models.MandateExpired {
		return m, nil
	}
	if m.Status != models.MandatePending && m.Status != models.MandateApproved {
		return nil, fmt.Errorf("%w: mandate is %s", models.ErrAlreadyTerminal, m.Status)
	}
	if now.Before(m.ExpiresAt) {
		return nil, fmt.Errorf("%w: mandate not yet past expiry", models.ErrInvalidState)
	}
	if err := s.transition(ctx, m, models.MandateExpired); err != nil {
		return nil, err
	}
	return m, nil
}

// ExpireDue sweeps all PENDING or APPROVED mandates past expiry. Driven by a
// periodic tick from the worker.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	var due []models.Mandate
	err := s.db.WithContext(ctx).
		Where("status IN ? AND expires_at <= ?",
			[]models.MandateStatus{models.MandatePending, models.MandateApproved}, now).
		Find(&due).Error
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range due {
		if err := s.transition(ctx, &due[i], models.MandateExpired); err != nil {
			s.logger.Warn("failed to expire mandate",
				zap.String("mandate_id", due[i].ID.String()), zap.Error(err))
			continue
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info("mandate expiry sweep", zap.Int("expired", expired))
	}
	return expired, nil
}

// Cancel is the explicit customer/admin transition to CANCELLED, valid from
// PENDING or APPROVED.
func (s *Service) Cancel(ctx context.Context, mandateID uuid.UUID) (*models.Mandate, error) {
	m, err := s.Get(ctx, mandateID)
	if err != nil {
		return nil, err
	}
	if m.Status != models.MandatePending && m.Status != models.MandateApproved {
		return nil, fmt.Errorf("%w: mandate is %s", models.ErrAlreadyTerminal, m.Status)
	}
	now := time.Now()
	err = s.db.WithContext(ctx).Model(m).Updates(map[string]interface{}{
		"status":       models.MandateCancelled,
		"cancelled_at": now,
	}).Error
	if err != nil {
		return nil, err
	}
	m.Status = models.MandateCancelled
	m.CancelledAt = &now
	metrics.MandateTransitions.WithLabelValues(string(models.MandateCancelled)).Inc()
	s.publishChanged(ctx, m)
	s.logger.Info("mandate cancelled", zap.String("mandate_id", mandateID.String()))
	return m, nil
}

// Usable loads the mandate and enforces the charging invariant: APPROVED and
// strictly before expiry, otherwise ErrMandateNotUsable.
func (s *Service) Usable(ctx context.Context, mandateID uuid.UUID, now time.Time) (*models.Mandate, error) {
	m, err := s.Get(ctx, mandateID)
	if err != nil {
		return nil, err
	}
	if !m.UsableAt(now) {
		return nil, fmt.Errorf("%w: status=%s expires_at=%s", models.ErrMandateNotUsable, m.Status, m.ExpiresAt.Format(time.RFC3339))
	}
	return m, nil
}

// Get loads a mandate by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Mandate, error) {
	var m models.Mandate
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("mandate %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Service) byReference(ctx context.Context, clientReference string) (*models.Mandate, error) {
	var m models.Mandate
	err := s.db.WithContext(ctx).First(&m, "client_reference = ?", clientReference).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("mandate reference %q: %w", clientReference, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Service) approve(ctx context.Context, m *models.Mandate) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Model(m).Updates(map[string]interface{}{
		"status":      models.MandateApproved,
		"approved_at": now,
	}).Error
	if err != nil {
		return err
	}
	m.Status = models.MandateApproved
	m.ApprovedAt = &now
	metrics.MandateTransitions.WithLabelValues(string(models.MandateApproved)).Inc()
	s.publishChanged(ctx, m)
	s.logger.Info("mandate approved", zap.String("mandate_id", m.ID.String()))
	return nil
}

// transition performs a guarded status update: the row must still be in a
// non-terminal state, which makes duplicate webhook deliveries no-ops at the
// database level.
func (s *Service) transition(ctx context.Context, m *models.Mandate, to models.MandateStatus) error {
	res := s.db.WithContext(ctx).Model(&models.Mandate{}).
		Where("id = ? AND status IN ?", m.ID,
			[]models.MandateStatus{models.MandatePending, models.MandateApproved}).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: mandate %s", models.ErrAlreadyTerminal, m.ID)
	}
	m.Status = to
	metrics.MandateTransitions.WithLabelValues(string(to)).Inc()
	s.publishChanged(ctx, m)
	return nil
}

// publishChanged announces a mandate transition; a bus failure is logged and
// swallowed, it must not undo the transition.
func (s *Service) publishChanged(ctx context.Context, m *models.Mandate) {
	err := s.bus.Publish(ctx, eventbus.TopicMandatesChanged, map[string]interface{}{
		"mandate_id":  m.ID.String(),
		"customer_id": m.CustomerID.String(),
		"reference":   m.ClientReference,
		"network":     m.Network,
		"status":      m.Status,
	})
	if err != nil {
		s.logger.Warn("failed to publish mandate event",
			zap.String("mandate_id", m.ID.String()), zap.Error(err))
	}
}
