package payments_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	sqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/sankofapay/installment-engine/internal/database"
	"github.com/sankofapay/installment-engine/internal/eventbus"
	"github.com/sankofapay/installment-engine/internal/gateway"
	"github.com/sankofapay/installment-engine/internal/ledger"
	"github.com/sankofapay/installment-engine/internal/mandate"
	"github.com/sankofapay/installment-engine/internal/models"
	"github.com/sankofapay/installment-engine/internal/payments"
	"github.com/sankofapay/installment-engine/internal/retry"
)

// env wires the full attempt lifecycle: coordinator, ledger, mandate service,
// and retry scheduler over one in-memory database and a sandbox gateway.
type env struct {
	db        *gorm.DB
	gw        *gateway.Sandbox
	ledger    *ledger.Ledger
	mandates  *mandate.Service
	coord     *payments.Coordinator
	scheduler *retry.Scheduler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err, "failed to open test database")
	require.NoError(t, database.Migrate(db))

	logger := zap.NewNop()
	gw := gateway.NewSandbox()
	lg := ledger.NewLedger(db, logger)
	mandates := mandate.NewService(db, gw, 180*24*time.Hour, eventbus.Noop{}, logger)
	coord := payments.NewCoordinator(db, gw, lg, mandates, eventbus.Noop{}, logger)
	scheduler := retry.NewScheduler(db, coord, nil, nil, eventbus.Noop{}, logger)
	coord.SetFailureHandler(scheduler)

	return &env{db: db, gw: gw, ledger: lg, mandates: mandates, coord: coord, scheduler: scheduler}
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (e *env) createContract(t *testing.T, total string, count int) *models.Contract {
	t.Helper()
	c, err := e.ledger.CreateContract(context.Background(), ledger.CreateContractInput{
		CustomerID:       uuid.New(),
		TotalPrice:       d(total),
		Deposit:          decimal.Zero,
		Frequency:        models.FrequencyMonthly,
		InstallmentCount: count,
		GraceDays:        3,
		StartDate:        time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return c
}

func (e *env) installmentIDs(c *models.Contract, n int) []uuid.UUID {
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, c.Installments[i].ID)
	}
	return ids
}

func TestChargeInteractive_CreatesPendingAttempt(t *testing.T) {
	e := newEnv(t)
	c := e.createContract(t, "300.00", 3)

	attempt, err := e.coord.ChargeInteractive(context.Background(),
		c.ID, e.installmentIDs(c, 1), d("100.00"), "233241234567", gateway.NetworkMTN)
	require.NoError(t, err)

	assert.Equal(t, models.AttemptPending, attempt.Status)
	assert.Equal(t, models.ChannelInteractive, attempt.Channel)
	assert.NotEmpty(t, attempt.ExternalRef)
	assert.Zero(t, attempt.RetryCount)
}

func TestChargeInteractive_UnsupportedNetwork(t *testing.T) {
	e := newEnv(t)
	c := e.createContract(t, "300.00", 3)

	_, err := e.coord.ChargeInteractive(context.Background(),
		c.ID, e.installmentIDs(c, 1), d("100.00"), "233241234567", "SAFARICOM")
	require.ErrorIs(t, err, models.ErrUnsupportedNetwork)
}

func TestChargeInteractive_GatewayDownLeavesNoAttempt(t *testing.T) {
	e := newEnv(t)
	c := e.createContract(t, "300.00", 3)
	e.gw.Unavailable = true

	_, err := e.coord.ChargeInteractive(context.Background(),
		c.ID, e.installmentIDs(c, 1), d("100.00"), "233241234567", gateway.NetworkMTN)
	require.ErrorIs(t, err, models.ErrGatewayUnavailable)

	var count int64
	require.NoError(t, e.db.Model(&models.PaymentAttempt{}).Count(&count).Error)
	assert.Zero(t, count, "failed initiation must not persist an attempt")
}

func TestResolve_SuccessDistributesInOrder(t *testing.T) {
	e := newEnv(t)
	c := e.createContract(t, "300.00", 3)

	// 150.00 across the first two 100.00 installments: first fully paid,
	// second half paid.
	attempt, err := e.coord.ChargeInteractive(context.Background(),
		c.ID, e.installmentIDs(c, 2), d("150.00"), "233241234567", gateway.NetworkMTN)
	require.NoError(t, err)

	attempt, err = e.coord.Resolve(context.Background(), attempt.ID, gateway.ChargeSuccess, "")
	require.NoError(t, err)
	assert.Equal(t, models.AttemptSuccess, attempt.Status)
	require.NotNil(t, attempt.ResolvedAt)

	reloaded, err := e.ledger.GetContract(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Installments[0].PaidAmount.Equal(d("100.00")))
	assert.True(t, reloaded.Installments[1].PaidAmount.Equal(d("50.00")))
	assert.True(t, reloaded.Installments[2].PaidAmount.IsZero())
	assert.True(t, reloaded.TotalPaid().Equal(d("150.00")))
}

func TestResolve_DuplicateDeliveryAppliesOnce(t *testing.T) {
	e := newEnv(t)
	c := e.createContract(t, "300.00", 3)

	attempt, err := e.coord.ChargeInteractive(context.Background(),
		c.ID, e.installmentIDs(c, 1), d("100.00"), "233241234567", gateway.NetworkMTN)
	require.NoError(t, err)

	_, err = e.coord.Resolve(context.Background(), attempt.ID, gateway.ChargeSuccess, "")
	require.NoError(t, err)
	_, err = e.coord.Resolve(context.Background(), attempt.ID, gateway.ChargeSuccess, "")
	require.NoError(t, err)

	reloaded, err := e.ledger.GetContract(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.TotalPaid().Equal(d("100.00")), "duplicate webhook must not double-apply")
}

func TestResolve_ExcessAmountFailsFast(t *testing.T) {
	e := newEnv(t)
	c := e.createContract(t, "300.00", 3)

	attempt, err := e.coord.ChargeInteractive(context.Background(),
		c.ID, e.installmentIDs(c, 1), d("150.00"), "233241234567", gateway.NetworkMTN)
	require.NoError(t, err)

	_, err = e.coord.Resolve(context.Background(), attempt.ID, gateway.ChargeSuccess, "")
	require.ErrorIs(t, err, models.ErrAmountMismatch)

	// Nothing applied, attempt still pending.
	reloaded, err := e.ledger.GetContract(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.TotalPaid().IsZero())
	got, err := e.coord.Get(context.Background(), attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptPending, got.Status)
}

func TestResolve_PendingStatusRejected(t *testing.T) {
	e := newEnv(t)
	c := e.createContract(t, "300.00", 3)

	attempt, err := e.coord.ChargeInteractive(context.Background(),
		c.ID, e.installmentIDs(c, 1), d("100.00"), "233241234567", gateway.NetworkMTN)
	require.NoError(t, err)

	_, err = e.coord.Resolve(context.Background(), attempt.ID, gateway.ChargePending, "")
	require.ErrorIs(t, err, models.ErrInvalidState)
}

func TestResolve_FailureSchedulesRetry(t *testing.T) {
	e := newEnv(t)
	c := e.createContract(t, "300.00", 3)

	attempt, err := e.coord.ChargeInteractive(context.Background(),
		c.ID, e.installmentIDs(c, 1), d("100.00"), "233241234567", gateway.NetworkMTN)
	require.NoError(t, err)

	attempt, err = e.coord.Resolve(context.Background(), attempt.ID, gateway.ChargeFailed, "INSUFFICIENT_FUNDS")
	require.NoError(t, err)
	assert.Equal(t, models.AttemptFailed, attempt.Status)
	assert.Equal(t, "INSUFFICIENT_FUNDS", attempt.FailureReason)
	require.NotNil(t, attempt.FirstFailedAt)

	got, err := e.coord.Get(context.Background(), attempt.ID)
	require.NoError(t, err)
	assert.True(t, got.AutoRetry)
	assert.Equal(t, 3, got.MaxRetries, "default policy cap snapshotted onto the attempt")
	require.NotNil(t, got.NextRetryAt)
	// First retry: one day after the failure.
	assert.WithinDuration(t, got.ResolvedAt.AddDate(0, 0, 1), *got.NextRetryAt, time.Minute)
}

func TestChargeViaMandate(t *testing.T) {
	e := newEnv(t)
	c := e.createContract(t, "300.00", 3)

	m, err := e.mandates.Initiate(context.Background(), c.CustomerID, "233241234567", gateway.NetworkMTN)
	require.NoError(t, err)

	// Pending mandate cannot be charged.
	_, err = e.coord.ChargeViaMandate(context.Background(), c.ID, m.ID, e.installmentIDs(c, 1), d("100.00"))
	require.ErrorIs(t, err, models.ErrMandateNotUsable)

	m, err = e.mandates.Verify(context.Background(), m.ClientReference, "123456")
	require.NoError(t, err)

	attempt, err := e.coord.ChargeViaMandate(context.Background(), c.ID, m.ID, e.installmentIDs(c, 1), d("100.00"))
	require.NoError(t, err)
	assert.Equal(t, models.ChannelMandate, attempt.Channel)
	assert.Equal(t, m.MSISDN, attempt.MSISDN)
	require.NotNil(t, attempt.MandateID)
}

func TestReissue(t *testing.T) {
	e := newEnv(t)
	c := e.createContract(t, "300.00", 3)

	attempt, err := e.coord.ChargeInteractive(context.Background(),
		c.ID, e.installmentIDs(c, 1), d("100.00"), "233241234567", gateway.NetworkMTN)
	require.NoError(t, err)

	// Reissue is only valid from FAILED.
	_, err = e.coord.Reissue(context.Background(), attempt.ID, true)
	require.ErrorIs(t, err, models.ErrInvalidState)

	_, err = e.coord.Resolve(context.Background(), attempt.ID, gateway.ChargeFailed, "TIMEOUT")
	require.NoError(t, err)
	firstRef := attempt.ExternalRef

	reissued, err := e.coord.Reissue(context.Background(), attempt.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptPending, reissued.Status)
	assert.Equal(t, 1, reissued.RetryCount)
	assert.NotEqual(t, firstRef, reissued.ExternalRef)
	assert.Nil(t, reissued.NextRetryAt)

	got, err := e.coord.Get(context.Background(), reissued.ID)
	require.NoError(t, err)
	require.Len(t, got.SubAttempts, 1)
	assert.Equal(t, 1, got.SubAttempts[0].AttemptNo)
	assert.True(t, got.SubAttempts[0].Manual)
	assert.Equal(t, models.AttemptPending, got.SubAttempts[0].Status)

	// The sub-attempt closes out with the next resolution.
	_, err = e.coord.Resolve(context.Background(), reissued.ID, gateway.ChargeFailed, "TIMEOUT")
	require.NoError(t, err)
	got, err = e.coord.Get(context.Background(), reissued.ID)
	require.NoError(t, err)
	require.Len(t, got.SubAttempts, 1)
	assert.Equal(t, models.AttemptFailed, got.SubAttempts[0].Status)
	assert.Equal(t, "TIMEOUT", got.SubAttempts[0].Reason)
}

func TestReissue_ExhaustsAfterCap(t *testing.T) {
	e := newEnv(t)
	c := e.createContract(t, "300.00", 3)

	attempt, err := e.coord.ChargeInteractive(context.Background(),
		c.ID, e.installmentIDs(c, 1), d("100.00"), "233241234567", gateway.NetworkMTN)
	require.NoError(t, err)
	_, err = e.coord.Resolve(context.Background(), attempt.ID, gateway.ChargeFailed, "TIMEOUT")
	require.NoError(t, err)

	// Default cap is three retries.
	for i := 0; i < 3; i++ {
		reissued, err := e.coord.Reissue(context.Background(), attempt.ID, true)
		require.NoError(t, err)
		assert.Equal(t, i+1, reissued.RetryCount)
		_, err = e.coord.Resolve(context.Background(), attempt.ID, gateway.ChargeFailed, "TIMEOUT")
		require.NoError(t, err)
	}

	_, err = e.coord.Reissue(context.Background(), attempt.ID, true)
	require.ErrorIs(t, err, models.ErrRetryExhausted)

	got, err := e.coord.Get(context.Background(), attempt.ID)
	require.NoError(t, err)
	assert.False(t, got.AutoRetry, "chain terminated after the cap")
	assert.Nil(t, got.NextRetryAt)
	require.Len(t, got.SubAttempts, 3)
}

// hookGateway counts charge initiations and runs a hook inside
// InitiateCharge, at the point where a competing caller could interleave.
type hookGateway struct {
	*gateway.Sandbox
	mu       sync.Mutex
	charges  int
	onCharge func()
}

func (g *hookGateway) InitiateCharge(ctx context.Context, req gateway.ChargeRequest) (string, error) {
	g.mu.Lock()
	g.charges++
	hook := g.onCharge
	g.onCharge = nil
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	return g.Sandbox.InitiateCharge(ctx, req)
}

func (g *hookGateway) chargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.charges
}

func newHookEnv(t *testing.T) (*env, *hookGateway) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err, "failed to open test database")
	require.NoError(t, database.Migrate(db))

	logger := zap.NewNop()
	gw := &hookGateway{Sandbox: gateway.NewSandbox()}
	lg := ledger.NewLedger(db, logger)
	mandates := mandate.NewService(db, gw, 180*24*time.Hour, eventbus.Noop{}, logger)
	coord := payments.NewCoordinator(db, gw, lg, mandates, eventbus.Noop{}, logger)
	scheduler := retry.NewScheduler(db, coord, nil, nil, eventbus.Noop{}, logger)
	coord.SetFailureHandler(scheduler)
	return &env{db: db, gw: gw.Sandbox, ledger: lg, mandates: mandates, coord: coord, scheduler: scheduler}, gw
}

func TestReissue_CompetingCallerIssuesOneCharge(t *testing.T) {
	e, gw := newHookEnv(t)
	c := e.createContract(t, "300.00", 3)

	attempt, err := e.coord.ChargeInteractive(context.Background(),
		c.ID, e.installmentIDs(c, 1), d("100.00"), "233241234567", gateway.NetworkMTN)
	require.NoError(t, err)
	_, err = e.coord.Resolve(context.Background(), attempt.ID, gateway.ChargeFailed, "TIMEOUT")
	require.NoError(t, err)
	initiated := gw.chargeCount()

	// The competitor runs while the first caller holds the reserved slot and
	// is still inside the gateway; it must bail out before charging.
	var competitor error
	gw.onCharge = func() {
		_, competitor = e.coord.Reissue(context.Background(), attempt.ID, false)
	}
	reissued, err := e.coord.Reissue(context.Background(), attempt.ID, true)
	require.NoError(t, err)
	require.ErrorIs(t, competitor, models.ErrInvalidState)

	assert.Equal(t, initiated+1, gw.chargeCount(), "one failure, one charge")
	assert.Equal(t, 1, reissued.RetryCount)
	got, err := e.coord.Get(context.Background(), reissued.ID)
	require.NoError(t, err)
	require.Len(t, got.SubAttempts, 1)
}

func TestReissue_GatewayDownKeepsRetrySlot(t *testing.T) {
	e := newEnv(t)
	c := e.createContract(t, "300.00", 3)

	attempt, err := e.coord.ChargeInteractive(context.Background(),
		c.ID, e.installmentIDs(c, 1), d("100.00"), "233241234567", gateway.NetworkMTN)
	require.NoError(t, err)
	_, err = e.coord.Resolve(context.Background(), attempt.ID, gateway.ChargeFailed, "TIMEOUT")
	require.NoError(t, err)

	e.gw.Unavailable = true
	_, err = e.coord.Reissue(context.Background(), attempt.ID, true)
	require.ErrorIs(t, err, models.ErrGatewayUnavailable)

	got, err := e.coord.Get(context.Background(), attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptFailed, got.Status)
	assert.Zero(t, got.RetryCount, "transient initiation error keeps the slot")
	require.NotNil(t, got.NextRetryAt, "attempt stays due for the next sweep")

	e.gw.Unavailable = false
	reissued, err := e.coord.Reissue(context.Background(), attempt.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, reissued.RetryCount)
}

func TestResolve_ConcurrentSuccessAppliesOnce(t *testing.T) {
	e := newEnv(t)
	c := e.createContract(t, "300.00", 3)

	// Amount below the distributable total, so both racers pass the
	// fail-fast check and only the claim decides who applies.
	attempt, err := e.coord.ChargeInteractive(context.Background(),
		c.ID, e.installmentIDs(c, 2), d("40.00"), "233241234567", gateway.NetworkMTN)
	require.NoError(t, err)

	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = e.coord.Resolve(context.Background(), attempt.ID, gateway.ChargeSuccess, "")
		}(i)
	}
	close(start)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	reloaded, err := e.ledger.GetContract(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.TotalPaid().Equal(d("40.00")), "exactly one resolver applies the money")
}

func TestPoll(t *testing.T) {
	e := newEnv(t)
	c := e.createContract(t, "300.00", 3)

	attempt, err := e.coord.ChargeInteractive(context.Background(),
		c.ID, e.installmentIDs(c, 1), d("100.00"), "233241234567", gateway.NetworkMTN)
	require.NoError(t, err)

	// Gateway still reports PENDING: nothing changes.
	polled, err := e.coord.Poll(context.Background(), attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptPending, polled.Status)

	e.gw.SettleCharge(attempt.ExternalRef, gateway.ChargeSuccess)
	polled, err = e.coord.Poll(context.Background(), attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptSuccess, polled.Status)

	reloaded, err := e.ledger.GetContract(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.TotalPaid().Equal(d("100.00")))
}

func TestResolveByReference(t *testing.T) {
	e := newEnv(t)
	c := e.createContract(t, "300.00", 3)

	attempt, err := e.coord.ChargeInteractive(context.Background(),
		c.ID, e.installmentIDs(c, 1), d("100.00"), "233241234567", gateway.NetworkMTN)
	require.NoError(t, err)

	resolved, err := e.coord.ResolveByReference(context.Background(), attempt.ExternalRef, gateway.ChargeSuccess, "")
	require.NoError(t, err)
	assert.Equal(t, attempt.ID, resolved.ID)
	assert.Equal(t, models.AttemptSuccess, resolved.Status)

	_, err = e.coord.ResolveByReference(context.Background(), "sbx-ch-missing", gateway.ChargeSuccess, "")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestInitiate_ForeignInstallmentRejected(t *testing.T) {
	e := newEnv(t)
	c1 := e.createContract(t, "300.00", 3)
	c2 := e.createContract(t, "300.00", 3)

	_, err := e.coord.ChargeInteractive(context.Background(),
		c1.ID, e.installmentIDs(c2, 1), d("100.00"), "233241234567", gateway.NetworkMTN)
	require.ErrorIs(t, err, models.ErrInvalidState)
}
