// Package callbacks consumes asynchronous gateway status events and feeds
// them into the coordinator and mandate state machine. Delivery is
// at-least-once; both downstream paths tolerate duplicates.
package callbacks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sankofapay/installment-engine/internal/eventbus"
	"github.com/sankofapay/installment-engine/internal/gateway"
	"github.com/sankofapay/installment-engine/internal/mandate"
	"github.com/sankofapay/installment-engine/internal/models"
	"github.com/sankofapay/installment-engine/internal/payments"
)

// maxUnknownDeliveries is how many times an unknown charge reference is left
// for redelivery before the event is dead-lettered.
const maxUnknownDeliveries = 5

// Processor bridges gateway webhook streams to engine operations.
type Processor struct {
	bus         eventbus.EventBus
	coordinator *payments.Coordinator
	mandates    *mandate.Service
	logger      *zap.Logger

	mu          sync.Mutex
	unknownSeen map[string]int
}

// NewProcessor creates a webhook event processor.
func NewProcessor(bus eventbus.EventBus, coordinator *payments.Coordinator, mandates *mandate.Service, logger *zap.Logger) *Processor {
	return &Processor{
		bus:         bus,
		coordinator: coordinator,
		mandates:    mandates,
		logger:      logger,
		unknownSeen: make(map[string]int),
	}
}

// Start subscribes to the gateway streams and blocks until the context ends.
func (p *Processor) Start(ctx context.Context) error {
	if _, err := p.bus.Subscribe(ctx, eventbus.TopicChargeEvents, p.handleChargeEvent); err != nil {
		return fmt.Errorf("subscribe %s: %w", eventbus.TopicChargeEvents, err)
	}
	if _, err := p.bus.Subscribe(ctx, eventbus.TopicMandateEvents, p.handleMandateEvent); err != nil {
		return fmt.Errorf("subscribe %s: %w", eventbus.TopicMandateEvents, err)
	}
	p.logger.Info("webhook processor started")
	return nil
}

// handleChargeEvent resolves a payment attempt from a gateway charge status
// update: {"reference": ..., "status": "SUCCESS"|"FAILED", "reason": ...}.
func (p *Processor) handleChargeEvent(ctx context.Context, event map[string]interface{}) error {
	reference, _ := event["reference"].(string)
	status, _ := event["status"].(string)
	reason, _ := event["reason"].(string)

	if reference == "" || status == "" {
		// Malformed events are acked, not redelivered forever.
		p.logger.Warn("dropping malformed charge event", zap.Any("event", event))
		return nil
	}

	var gs gateway.ChargeStatus
	switch status {
	case string(gateway.ChargeSuccess):
		gs = gateway.ChargeSuccess
	case string(gateway.ChargeFailed):
		gs = gateway.ChargeFailed
	default:
		p.logger.Warn("dropping charge event with non-terminal status",
			zap.String("reference", reference), zap.String("status", status))
		return nil
	}

	_, err := p.coordinator.ResolveByReference(ctx, reference, gs, reason)
	if errors.Is(err, models.ErrNotFound) {
		// Unknown reference: leave unacked so a racing attempt write can land
		// before redelivery, but a reference that never materializes is
		// dead-lettered instead of cycling forever.
		if p.recordUnknown(reference) < maxUnknownDeliveries {
			return err
		}
		p.deadLetter(ctx, eventbus.TopicChargeEvents, reference, err)
		return nil
	}
	if err != nil {
		p.logger.Error("charge event resolution failed",
			zap.String("reference", reference), zap.Error(err))
		return err
	}
	p.clearUnknown(reference)
	return nil
}

func (p *Processor) recordUnknown(reference string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unknownSeen[reference]++
	return p.unknownSeen[reference]
}

func (p *Processor) clearUnknown(reference string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.unknownSeen, reference)
}

// deadLetter parks an undeliverable event on the dead-letter stream and acks
// the original.
func (p *Processor) deadLetter(ctx context.Context, source, reference string, cause error) {
	p.clearUnknown(reference)
	err := p.bus.Publish(ctx, eventbus.TopicDeadLetters, map[string]interface{}{
		"source":    source,
		"reference": reference,
		"reason":    cause.Error(),
	})
	if err != nil {
		p.logger.Error("failed to dead-letter event",
			zap.String("reference", reference), zap.Error(err))
		return
	}
	p.logger.Warn("event dead-lettered after redelivery limit",
		zap.String("source", source), zap.String("reference", reference))
}

// handleMandateEvent applies a USSD verification outcome:
// {"reference": ..., "outcome": "APPROVED"|"FAILED"}.
func (p *Processor) handleMandateEvent(ctx context.Context, event map[string]interface{}) error {
	reference, _ := event["reference"].(string)
	outcome, _ := event["outcome"].(string)

	if reference == "" || outcome == "" {
		p.logger.Warn("dropping malformed mandate event", zap.Any("event", event))
		return nil
	}

	var err error
	switch outcome {
	case string(models.MandateApproved):
		_, err = p.mandates.MarkApproved(ctx, reference)
	case string(models.MandateFailed):
		_, err = p.mandates.MarkFailed(ctx, reference)
	default:
		p.logger.Warn("dropping mandate event with unknown outcome",
			zap.String("reference", reference), zap.String("outcome", outcome))
		return nil
	}

	if errors.Is(err, models.ErrAlreadyTerminal) {
		// Duplicate delivery after a terminal transition; ack and move on.
		p.logger.Debug("mandate event on terminal mandate", zap.String("reference", reference))
		return nil
	}
	if err != nil {
		p.logger.Error("mandate event failed",
			zap.String("reference", reference), zap.Error(err))
		return err
	}
	return nil
}
