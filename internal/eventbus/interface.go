package eventbus

import "context"

// Stream topics the engine publishes to and consumes from.
const (
	// TopicChargeEvents carries asynchronous charge status updates from the
	// gateway (webhook relay), keyed by the engine-generated reference.
	TopicChargeEvents = "gateway.charge_events"

	// TopicMandateEvents carries asynchronous mandate verification outcomes
	// from the gateway (USSD flow).
	TopicMandateEvents = "gateway.mandate_events"

	// TopicPaymentsResolved announces terminal payment attempt outcomes to
	// downstream consumers (reporting, audit).
	TopicPaymentsResolved = "payments.resolved"

	// TopicRetriesScheduled announces retry scheduling decisions.
	TopicRetriesScheduled = "retries.scheduled"

	// TopicMandatesChanged announces mandate state transitions.
	TopicMandatesChanged = "mandates.changed"

	// TopicDeadLetters collects events that exhausted redelivery, for
	// operator inspection.
	TopicDeadLetters = "engine.dead_letters"
)

// EventBus is the asynchronous boundary between the engine and the gateway
// webhook relay plus downstream consumers.
type EventBus interface {
	Publish(ctx context.Context, topic string, event interface{}) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error)
	Close() error
}

// EventHandler processes one incoming event. Returning an error leaves the
// message unacknowledged for redelivery.
type EventHandler func(ctx context.Context, event map[string]interface{}) error

// Subscription represents an active stream consumer.
type Subscription interface {
	ID() string
	Topic() string
	Unsubscribe() error
}

// Noop is an EventBus that drops everything. Used in tests and when Redis is
// not configured.
type Noop struct{}

func (Noop) Publish(ctx context.Context, topic string, event interface{}) error { return nil }
func (Noop) Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error) {
	return noopSubscription{}, nil
}
func (Noop) Close() error { return nil }

type noopSubscription struct{}

func (noopSubscription) ID() string         { return "noop" }
func (noopSubscription) Topic() string      { return "" }
func (noopSubscription) Unsubscribe() error { return nil }
