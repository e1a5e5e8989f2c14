package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sankofapay/installment-engine/internal/gateway"
	"github.com/sankofapay/installment-engine/internal/ledger"
	"github.com/sankofapay/installment-engine/internal/mandate"
	"github.com/sankofapay/installment-engine/internal/models"
	"github.com/sankofapay/installment-engine/internal/payments"
	"github.com/sankofapay/installment-engine/internal/reporting"
	"github.com/sankofapay/installment-engine/internal/retry"
)

// Handlers exposes the engine's operations over HTTP. Transport only; all
// invariants live in the services.
type Handlers struct {
	ledger             *ledger.Ledger
	coordinator        *payments.Coordinator
	mandates           *mandate.Service
	scheduler          *retry.Scheduler
	reports            *reporting.Service
	defaultedAfterDays int
	logger             *zap.Logger
}

// NewHandlers creates the API handler set.
func NewHandlers(lg *ledger.Ledger, coordinator *payments.Coordinator, mandates *mandate.Service, scheduler *retry.Scheduler, reports *reporting.Service, defaultedAfterDays int, logger *zap.Logger) *Handlers {
	return &Handlers{
		ledger:             lg,
		coordinator:        coordinator,
		mandates:           mandates,
		scheduler:          scheduler,
		reports:            reports,
		defaultedAfterDays: defaultedAfterDays,
		logger:             logger,
	}
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidState),
		errors.Is(err, models.ErrPaymentsExist),
		errors.Is(err, models.ErrAmountMismatch),
		errors.Is(err, models.ErrAlreadyTerminal),
		errors.Is(err, models.ErrRetryExhausted),
		errors.Is(err, models.ErrMandateNotUsable),
		errors.Is(err, models.ErrUnsupportedNetwork):
		return http.StatusConflict
	case errors.Is(err, models.ErrGatewayUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func parseID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

type createContractRequest struct {
	CustomerID       uuid.UUID  `json:"customer_id" binding:"required"`
	TotalPrice       string     `json:"total_price" binding:"required"`
	Deposit          string     `json:"deposit"`
	Frequency        string     `json:"frequency" binding:"required,oneof=DAILY WEEKLY MONTHLY"`
	InstallmentCount int        `json:"installment_count" binding:"required,min=1"`
	GraceDays        int        `json:"grace_days" binding:"min=0"`
	PenaltyPercent   string     `json:"penalty_percent"`
	StartDate        time.Time  `json:"start_date" binding:"required"`
	MandateID        *uuid.UUID `json:"mandate_id"`
}

// CreateContract creates a contract and its installment schedule.
func (h *Handlers) CreateContract(c *gin.Context) {
	var req createContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	total, err := decimal.NewFromString(req.TotalPrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid total_price"})
		return
	}
	deposit := decimal.Zero
	if req.Deposit != "" {
		if deposit, err = decimal.NewFromString(req.Deposit); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid deposit"})
			return
		}
	}
	penalty := decimal.Zero
	if req.PenaltyPercent != "" {
		if penalty, err = decimal.NewFromString(req.PenaltyPercent); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid penalty_percent"})
			return
		}
	}

	contract, err := h.ledger.CreateContract(c.Request.Context(), ledger.CreateContractInput{
		CustomerID:       req.CustomerID,
		TotalPrice:       total,
		Deposit:          deposit,
		Frequency:        models.PaymentFrequency(req.Frequency),
		InstallmentCount: req.InstallmentCount,
		GraceDays:        req.GraceDays,
		PenaltyPercent:   penalty,
		StartDate:        req.StartDate,
		MandateID:        req.MandateID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, contract)
}

// GetContract returns a contract with its installments and derived balances.
func (h *Handlers) GetContract(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	contract, err := h.ledger.GetContract(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"contract":            contract,
		"total_paid":          contract.TotalPaid().StringFixed(2),
		"outstanding_balance": contract.OutstandingBalance().StringFixed(2),
	})
}

type amendRequest struct {
	Amount  *string    `json:"amount"`
	DueDate *time.Time `json:"due_date"`
}

// AmendInstallment changes one installment's amount and/or due date and
// recomputes the unpaid tail.
func (h *Handlers) AmendInstallment(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req amendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var amount *decimal.Decimal
	if req.Amount != nil {
		v, err := decimal.NewFromString(*req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		amount = &v
	}
	contract, err := h.ledger.AmendInstallment(c.Request.Context(), id, amount, req.DueDate)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

type rescheduleRequest struct {
	StartDate time.Time `json:"start_date" binding:"required"`
}

// RescheduleContract regenerates the full schedule from a new start date.
func (h *Handlers) RescheduleContract(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req rescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	contract, err := h.ledger.Reschedule(c.Request.Context(), id, req.StartDate)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

// AccountStatus returns the customer's aggregate standing.
func (h *Handlers) AccountStatus(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	status, err := h.ledger.AccountStatus(c.Request.Context(), id, time.Now(), h.defaultedAfterDays)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"customer_id": id, "account_status": status})
}

type interactiveChargeRequest struct {
	ContractID     uuid.UUID   `json:"contract_id" binding:"required"`
	InstallmentIDs []uuid.UUID `json:"installment_ids" binding:"required,min=1"`
	Amount         string      `json:"amount" binding:"required"`
	MSISDN         string      `json:"msisdn" binding:"required"`
	Network        string      `json:"network" binding:"required"`
}

// ChargeInteractive submits a regular charge; the customer approves on their
// handset and the attempt resolves asynchronously.
func (h *Handlers) ChargeInteractive(c *gin.Context) {
	var req interactiveChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	attempt, err := h.coordinator.ChargeInteractive(c.Request.Context(),
		req.ContractID, req.InstallmentIDs, amount, req.MSISDN, req.Network)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, attempt)
}

type mandateChargeRequest struct {
	ContractID     uuid.UUID   `json:"contract_id" binding:"required"`
	MandateID      uuid.UUID   `json:"mandate_id" binding:"required"`
	InstallmentIDs []uuid.UUID `json:"installment_ids" binding:"required,min=1"`
	Amount         string      `json:"amount" binding:"required"`
}

// ChargeViaMandate submits a direct debit against an approved mandate.
func (h *Handlers) ChargeViaMandate(c *gin.Context) {
	var req mandateChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	attempt, err := h.coordinator.ChargeViaMandate(c.Request.Context(),
		req.ContractID, req.MandateID, req.InstallmentIDs, amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, attempt)
}

// GetAttempt returns an attempt with its retry sub-attempts.
func (h *Handlers) GetAttempt(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	attempt, err := h.coordinator.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, attempt)
}

type resolveRequest struct {
	Status string `json:"status" binding:"required,oneof=SUCCESS FAILED"`
	Reason string `json:"reason"`
}

// ResolveAttempt records a poll-result resolution for a pending attempt.
// Webhook-delivered resolutions take the event bus path instead.
func (h *Handlers) ResolveAttempt(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	attempt, err := h.coordinator.Resolve(c.Request.Context(), id, gateway.ChargeStatus(req.Status), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, attempt)
}

// PollAttempt checks the gateway for a pending attempt's current status and
// resolves it if the gateway reports a terminal state.
func (h *Handlers) PollAttempt(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	attempt, err := h.coordinator.Poll(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, attempt)
}

// ListFailedAttempts lists failed attempts, newest first.
func (h *Handlers) ListFailedAttempts(c *gin.Context) {
	attempts, err := h.coordinator.ListFailed(c.Request.Context(), 100)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

// RetryAttempt retries a single failed attempt immediately.
func (h *Handlers) RetryAttempt(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	attempt, err := h.scheduler.RetryNow(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, attempt)
}

type bulkRetryRequest struct {
	// IDs selects specific attempts; empty means retry everything eligible.
	IDs []uuid.UUID `json:"ids"`
}

// BulkRetry retries a selection of failed attempts, or all of them.
func (h *Handlers) BulkRetry(c *gin.Context) {
	var req bulkRetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if len(req.IDs) == 0 {
		retried, err := h.scheduler.RetryAll(c.Request.Context())
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"retried": retried})
		return
	}

	retried, failures := h.scheduler.RetryMultiple(c.Request.Context(), req.IDs)
	failed := make(map[string]string, len(failures))
	for id, err := range failures {
		failed[id.String()] = err.Error()
	}
	c.JSON(http.StatusAccepted, gin.H{"retried": retried, "failures": failed})
}

// GetRetryPolicy returns the process-wide retry policy.
func (h *Handlers) GetRetryPolicy(c *gin.Context) {
	policy, err := h.scheduler.Policy(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

// UpdateRetryPolicy replaces the retry policy after validating its bounds.
func (h *Handlers) UpdateRetryPolicy(c *gin.Context) {
	var policy models.RetryPolicy
	if err := c.ShouldBindJSON(&policy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.scheduler.UpdatePolicy(c.Request.Context(), &policy); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

type initiateMandateRequest struct {
	CustomerID uuid.UUID `json:"customer_id" binding:"required"`
	MSISDN     string    `json:"msisdn" binding:"required"`
	Network    string    `json:"network" binding:"required"`
}

// InitiateMandate starts a direct-debit preapproval.
func (h *Handlers) InitiateMandate(c *gin.Context) {
	var req initiateMandateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := h.mandates.Initiate(c.Request.Context(), req.CustomerID, req.MSISDN, req.Network)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

type verifyMandateRequest struct {
	ClientReference string `json:"client_reference" binding:"required"`
	OTP             string `json:"otp" binding:"required"`
}

// VerifyMandate confirms a pending OTP mandate.
func (h *Handlers) VerifyMandate(c *gin.Context) {
	var req verifyMandateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := h.mandates.Verify(c.Request.Context(), req.ClientReference, req.OTP)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// GetMandate returns a mandate.
func (h *Handlers) GetMandate(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	m, err := h.mandates.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// CollectionReport returns attempt outcome aggregates for a window. Defaults
// to the last 30 days.
func (h *Handlers) CollectionReport(c *gin.Context) {
	to := time.Now()
	from := to.AddDate(0, 0, -30)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
			return
		}
	}
	m, err := h.reports.CollectionMetrics(c.Request.Context(), from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// AgingReport returns the overdue aging bands.
func (h *Handlers) AgingReport(c *gin.Context) {
	buckets, err := h.reports.OverdueAging(c.Request.Context(), time.Now())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"buckets": buckets})
}

// CancelMandate cancels a pending or approved mandate.
func (h *Handlers) CancelMandate(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	m, err := h.mandates.Cancel(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}
