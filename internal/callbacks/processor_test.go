package callbacks_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	sqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/sankofapay/installment-engine/internal/callbacks"
	"github.com/sankofapay/installment-engine/internal/database"
	"github.com/sankofapay/installment-engine/internal/eventbus"
	"github.com/sankofapay/installment-engine/internal/gateway"
	"github.com/sankofapay/installment-engine/internal/ledger"
	"github.com/sankofapay/installment-engine/internal/mandate"
	"github.com/sankofapay/installment-engine/internal/models"
	"github.com/sankofapay/installment-engine/internal/payments"
)

// memBus delivers published events straight to the subscribed handler, so
// tests can drive the processor without Redis.
type memBus struct {
	handlers map[string]eventbus.EventHandler
}

func newMemBus() *memBus {
	return &memBus{handlers: make(map[string]eventbus.EventHandler)}
}

func (b *memBus) Publish(ctx context.Context, topic string, event interface{}) error {
	h, ok := b.handlers[topic]
	if !ok {
		return nil
	}
	m, ok := event.(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}
	return h(ctx, m)
}

func (b *memBus) Subscribe(ctx context.Context, topic string, handler eventbus.EventHandler) (eventbus.Subscription, error) {
	b.handlers[topic] = handler
	return memSub(topic), nil
}

func (b *memBus) Close() error { return nil }

type memSub string

func (s memSub) ID() string         { return string(s) }
func (s memSub) Topic() string      { return string(s) }
func (s memSub) Unsubscribe() error { return nil }

type env struct {
	bus      *memBus
	gw       *gateway.Sandbox
	ledger   *ledger.Ledger
	mandates *mandate.Service
	coord    *payments.Coordinator
}

func setup(t *testing.T) *env {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err, "failed to open test database")
	require.NoError(t, database.Migrate(db))

	logger := zap.NewNop()
	bus := newMemBus()
	gw := gateway.NewSandbox()
	lg := ledger.NewLedger(db, logger)
	mandates := mandate.NewService(db, gw, 180*24*time.Hour, eventbus.Noop{}, logger)
	coord := payments.NewCoordinator(db, gw, lg, mandates, eventbus.Noop{}, logger)

	processor := callbacks.NewProcessor(bus, coord, mandates, logger)
	require.NoError(t, processor.Start(context.Background()))

	return &env{bus: bus, gw: gw, ledger: lg, mandates: mandates, coord: coord}
}

func (e *env) pendingAttempt(t *testing.T) *models.PaymentAttempt {
	t.Helper()
	c, err := e.ledger.CreateContract(context.Background(), ledger.CreateContractInput{
		CustomerID:       uuid.New(),
		TotalPrice:       decimal.RequireFromString("300.00"),
		Deposit:          decimal.Zero,
		Frequency:        models.FrequencyMonthly,
		InstallmentCount: 3,
		StartDate:        time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	attempt, err := e.coord.ChargeInteractive(context.Background(),
		c.ID, []uuid.UUID{c.Installments[0].ID}, decimal.RequireFromString("100.00"),
		"233241234567", gateway.NetworkMTN)
	require.NoError(t, err)
	return attempt
}

func TestChargeEvent_ResolvesAttempt(t *testing.T) {
	e := setup(t)
	attempt := e.pendingAttempt(t)

	err := e.bus.Publish(context.Background(), eventbus.TopicChargeEvents, map[string]interface{}{
		"reference": attempt.ExternalRef,
		"status":    "SUCCESS",
	})
	require.NoError(t, err)

	got, err := e.coord.Get(context.Background(), attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptSuccess, got.Status)
}

func TestChargeEvent_FailureCarriesReason(t *testing.T) {
	e := setup(t)
	attempt := e.pendingAttempt(t)

	err := e.bus.Publish(context.Background(), eventbus.TopicChargeEvents, map[string]interface{}{
		"reference": attempt.ExternalRef,
		"status":    "FAILED",
		"reason":    "INSUFFICIENT_FUNDS",
	})
	require.NoError(t, err)

	got, err := e.coord.Get(context.Background(), attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptFailed, got.Status)
	assert.Equal(t, "INSUFFICIENT_FUNDS", got.FailureReason)
}

func TestChargeEvent_MalformedIsAcked(t *testing.T) {
	e := setup(t)

	// Missing fields and non-terminal statuses are dropped, not retried.
	err := e.bus.Publish(context.Background(), eventbus.TopicChargeEvents, map[string]interface{}{
		"status": "SUCCESS",
	})
	require.NoError(t, err)

	err = e.bus.Publish(context.Background(), eventbus.TopicChargeEvents, map[string]interface{}{
		"reference": "sbx-ch-x",
		"status":    "PENDING",
	})
	require.NoError(t, err)
}

func TestChargeEvent_UnknownReferenceLeftForRedelivery(t *testing.T) {
	e := setup(t)

	err := e.bus.Publish(context.Background(), eventbus.TopicChargeEvents, map[string]interface{}{
		"reference": "sbx-ch-unknown",
		"status":    "SUCCESS",
	})
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestChargeEvent_UnknownReferenceDeadLettersEventually(t *testing.T) {
	e := setup(t)

	var dead []map[string]interface{}
	_, err := e.bus.Subscribe(context.Background(), eventbus.TopicDeadLetters,
		func(ctx context.Context, event map[string]interface{}) error {
			dead = append(dead, event)
			return nil
		})
	require.NoError(t, err)

	event := map[string]interface{}{
		"reference": "sbx-ch-orphan",
		"status":    "SUCCESS",
	}
	for i := 0; i < 4; i++ {
		err := e.bus.Publish(context.Background(), eventbus.TopicChargeEvents, event)
		require.ErrorIs(t, err, models.ErrNotFound, "delivery %d stays unacked", i+1)
	}

	// The fifth delivery is acked and parked on the dead-letter stream.
	require.NoError(t, e.bus.Publish(context.Background(), eventbus.TopicChargeEvents, event))
	require.Len(t, dead, 1)
	assert.Equal(t, "sbx-ch-orphan", dead[0]["reference"])
	assert.Equal(t, eventbus.TopicChargeEvents, dead[0]["source"])
}

func TestMandateEvent_ApprovesAndToleratesDuplicates(t *testing.T) {
	e := setup(t)

	m, err := e.mandates.Initiate(context.Background(), uuid.New(), "233501234567", gateway.NetworkVodafone)
	require.NoError(t, err)

	event := map[string]interface{}{
		"reference": m.ClientReference,
		"outcome":   "APPROVED",
	}
	require.NoError(t, e.bus.Publish(context.Background(), eventbus.TopicMandateEvents, event))

	got, err := e.mandates.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MandateApproved, got.Status)

	// Redelivered approval acks cleanly.
	require.NoError(t, e.bus.Publish(context.Background(), eventbus.TopicMandateEvents, event))
}

func TestMandateEvent_FailureOutcome(t *testing.T) {
	e := setup(t)

	m, err := e.mandates.Initiate(context.Background(), uuid.New(), "233501234567", gateway.NetworkVodafone)
	require.NoError(t, err)

	require.NoError(t, e.bus.Publish(context.Background(), eventbus.TopicMandateEvents, map[string]interface{}{
		"reference": m.ClientReference,
		"outcome":   "FAILED",
	}))

	got, err := e.mandates.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MandateFailed, got.Status)
}
