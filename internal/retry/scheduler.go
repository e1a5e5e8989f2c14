// Package retry decides whether and when failed payment attempts are
// retried, under the process-wide retry policy, and drives the periodic
// sweep that reissues due attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sankofapay/installment-engine/internal/eventbus"
	"github.com/sankofapay/installment-engine/internal/metrics"
	"github.com/sankofapay/installment-engine/internal/models"
	"github.com/sankofapay/installment-engine/internal/notify"
	"github.com/sankofapay/installment-engine/internal/rules"
)

// Charger reissues a failed attempt. Implemented by the payment coordinator.
type Charger interface {
	Reissue(ctx context.Context, attemptID uuid.UUID, manual bool) (*models.PaymentAttempt, error)
}

// Scheduler evaluates failed attempts against the retry policy and runs the
// due-retry sweep.
type Scheduler struct {
	db         *gorm.DB
	charger    Charger
	notifier   *notify.Notifier
	classifier *rules.Classifier
	bus        eventbus.EventBus
	logger     *zap.Logger
}

// NewScheduler creates a retry scheduler. A nil classifier retries every
// failure reason.
func NewScheduler(db *gorm.DB, charger Charger, notifier *notify.Notifier, classifier *rules.Classifier, bus eventbus.EventBus, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		db:         db,
		charger:    charger,
		notifier:   notifier,
		classifier: classifier,
		bus:        bus,
		logger:     logger,
	}
}

// Policy loads the current retry policy, seeding the default on first use.
// Callers hold the returned snapshot for the whole decision — the policy is
// never re-read mid-decision.
func (s *Scheduler) Policy(ctx context.Context) (*models.RetryPolicy, error) {
	var p models.RetryPolicy
	err := s.db.WithContext(ctx).First(&p, "key = ?", models.DefaultPolicyKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		p = *models.DefaultRetryPolicy()
		if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
			return nil, fmt.Errorf("failed to seed retry policy: %w", err)
		}
		return &p, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePolicy validates and persists a policy change. Changes apply to
// decisions made after the update; already-scheduled next_retry_at values
// are never rewritten.
func (s *Scheduler) UpdatePolicy(ctx context.Context, p *models.RetryPolicy) error {
	p.Key = models.DefaultPolicyKey
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidState, err)
	}
	if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
		return fmt.Errorf("failed to save retry policy: %w", err)
	}
	s.logger.Info("retry policy updated",
		zap.Int("max_attempts", p.MaxAttempts),
		zap.Bool("enabled", p.Enabled))
	return nil
}

// OnFailure is the decision point entered every time an attempt fails. With
// auto-retry off or the cap reached the chain terminates; otherwise the next
// retry is scheduled at failureTime + scheduleDays[retryCount].
func (s *Scheduler) OnFailure(ctx context.Context, attempt *models.PaymentAttempt) error {
	policy, err := s.Policy(ctx)
	if err != nil {
		return err
	}

	// Snapshot the cap on the attempt the first time it fails, so the sweep
	// judges it against the policy that governed it.
	if attempt.MaxRetries == 0 && policy.MaxAttempts > 0 && attempt.RetryCount == 0 {
		attempt.MaxRetries = policy.MaxAttempts
		if err := s.db.WithContext(ctx).Model(attempt).Update("max_retries", policy.MaxAttempts).Error; err != nil {
			return err
		}
	}

	if !policy.Enabled || attempt.RetryCount >= attempt.MaxRetries || attempt.MaxRetries == 0 {
		if err := s.terminate(ctx, attempt); err != nil {
			return err
		}
		s.notify(ctx, attempt, policy, time.Time{}, true)
		return nil
	}

	// Hopeless failure reasons (barred account, revoked mandate) end the
	// chain no matter how much retry budget is left.
	if s.classifier != nil && s.classifier.Classify(attempt.FailureReason) == rules.DispositionTerminate {
		if err := s.terminate(ctx, attempt); err != nil {
			return err
		}
		s.logger.Info("retry chain terminated by failure classification",
			zap.String("attempt_id", attempt.ID.String()),
			zap.String("reason", attempt.FailureReason))
		s.notify(ctx, attempt, policy, time.Time{}, true)
		return nil
	}

	failureTime := time.Now()
	if attempt.ResolvedAt != nil {
		failureTime = *attempt.ResolvedAt
	}
	next := s.nextRetryAt(policy, attempt.RetryCount, failureTime)

	err = s.db.WithContext(ctx).Model(attempt).Updates(map[string]interface{}{
		"auto_retry":    true,
		"next_retry_at": next,
	}).Error
	if err != nil {
		return err
	}
	attempt.AutoRetry = true
	attempt.NextRetryAt = &next

	metrics.RetriesScheduled.Inc()
	s.publishScheduled(ctx, attempt, next)
	s.notify(ctx, attempt, policy, next, false)
	s.logger.Info("retry scheduled",
		zap.String("attempt_id", attempt.ID.String()),
		zap.Int("retry_count", attempt.RetryCount),
		zap.Time("next_retry_at", next))
	return nil
}

// nextRetryAt applies the policy's day-offset schedule. The offset at index
// retryCount is clamped to the last configured entry; an offset of zero (or
// an empty schedule) falls back to the base interval in hours.
func (s *Scheduler) nextRetryAt(policy *models.RetryPolicy, retryCount int, failureTime time.Time) time.Time {
	offset := policy.OffsetFor(retryCount)
	if offset <= 0 {
		return failureTime.Add(time.Duration(policy.BaseIntervalHours) * time.Hour)
	}
	return failureTime.AddDate(0, 0, offset)
}

func (s *Scheduler) terminate(ctx context.Context, attempt *models.PaymentAttempt) error {
	err := s.db.WithContext(ctx).Model(attempt).Updates(map[string]interface{}{
		"auto_retry":    false,
		"next_retry_at": nil,
	}).Error
	if err != nil {
		return err
	}
	attempt.AutoRetry = false
	attempt.NextRetryAt = nil
	if attempt.MaxRetries > 0 && attempt.RetryCount >= attempt.MaxRetries {
		metrics.RetriesExhausted.Inc()
	}
	s.logger.Info("retry chain terminated",
		zap.String("attempt_id", attempt.ID.String()),
		zap.Int("retry_count", attempt.RetryCount),
		zap.Int("max_retries", attempt.MaxRetries))
	return nil
}

// DueForRetry returns the ids of attempts whose scheduled retry time has
// arrived and whose retry budget is not exhausted.
func (s *Scheduler) DueForRetry(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var attempts []models.PaymentAttempt
	err := s.db.WithContext(ctx).
		Where("status = ? AND auto_retry = ? AND next_retry_at <= ? AND retry_count < max_retries",
			models.AttemptFailed, true, now).
		Order("next_retry_at ASC").
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(attempts))
	for i := range attempts {
		ids[i] = attempts[i].ID
	}
	return ids, nil
}

// Sweep is the periodic tick: it reissues every due attempt. The policy is
// read once per tick, not per attempt. Reissue losses to a concurrent manual
// retry are logged and skipped.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (int, error) {
	timer := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("retry").Observe(time.Since(timer).Seconds())
	}()

	ids, err := s.DueForRetry(ctx, now)
	if err != nil {
		return 0, err
	}

	reissued := 0
	for _, id := range ids {
		if _, err := s.charger.Reissue(ctx, id, false); err != nil {
			if errors.Is(err, models.ErrGatewayUnavailable) {
				// Transient; the attempt stays due and the next tick picks
				// it up without consuming a retry slot.
				s.logger.Warn("gateway unavailable during sweep", zap.String("attempt_id", id.String()))
				continue
			}
			s.logger.Warn("sweep reissue skipped",
				zap.String("attempt_id", id.String()), zap.Error(err))
			continue
		}
		reissued++
	}
	if reissued > 0 {
		s.logger.Info("retry sweep", zap.Int("reissued", reissued), zap.Int("due", len(ids)))
	}
	return reissued, nil
}

// RetryNow bypasses the next_retry_at gate for one attempt but still
// respects the retry cap.
func (s *Scheduler) RetryNow(ctx context.Context, attemptID uuid.UUID) (*models.PaymentAttempt, error) {
	return s.charger.Reissue(ctx, attemptID, true)
}

// RetryMultiple retries a selected set of failed attempts. Per-attempt
// failures do not stop the rest; the error for each failed id is returned.
func (s *Scheduler) RetryMultiple(ctx context.Context, ids []uuid.UUID) (int, map[uuid.UUID]error) {
	retried := 0
	failures := make(map[uuid.UUID]error)
	for _, id := range ids {
		if _, err := s.charger.Reissue(ctx, id, true); err != nil {
			failures[id] = err
			continue
		}
		retried++
	}
	return retried, failures
}

// RetryAll retries every failed attempt that still has retry budget.
func (s *Scheduler) RetryAll(ctx context.Context) (int, error) {
	var attempts []models.PaymentAttempt
	err := s.db.WithContext(ctx).
		Where("status = ? AND retry_count < max_retries", models.AttemptFailed).
		Find(&attempts).Error
	if err != nil {
		return 0, err
	}

	retried := 0
	for i := range attempts {
		if _, err := s.charger.Reissue(ctx, attempts[i].ID, true); err != nil {
			s.logger.Warn("bulk retry skipped",
				zap.String("attempt_id", attempts[i].ID.String()), zap.Error(err))
			continue
		}
		retried++
	}
	return retried, nil
}

// notify fans out the decision's notifications. Failures are the notifier's
// problem; nothing here can fail the scheduling transaction.
func (s *Scheduler) notify(ctx context.Context, attempt *models.PaymentAttempt, policy *models.RetryPolicy, next time.Time, exhausted bool) {
	if s.notifier == nil {
		return
	}
	retryDate := ""
	if !next.IsZero() {
		retryDate = next.Format("2006-01-02")
	}
	s.notifier.NotifyRetry(ctx, notify.RetryNotification{
		MSISDN:     attempt.MSISDN,
		Amount:     attempt.Amount.StringFixed(2),
		Currency:   "GHS",
		RetryDate:  retryDate,
		ContractID: attempt.ContractID.String(),
		AttemptID:  attempt.ID.String(),
		Reason:     attempt.FailureReason,
		Exhausted:  exhausted,
	}, policy.NotifyAdmin, policy.NotifyCustomer, policy.SendSMS, policy.SMSTemplate)
}

func (s *Scheduler) publishScheduled(ctx context.Context, attempt *models.PaymentAttempt, next time.Time) {
	err := s.bus.Publish(ctx, eventbus.TopicRetriesScheduled, map[string]interface{}{
		"attempt_id":    attempt.ID.String(),
		"contract_id":   attempt.ContractID.String(),
		"retry_count":   attempt.RetryCount,
		"next_retry_at": next.Format(time.RFC3339),
	})
	if err != nil {
		s.logger.Warn("failed to publish retry event",
			zap.String("attempt_id", attempt.ID.String()), zap.Error(err))
	}
}
