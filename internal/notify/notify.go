// Package notify delivers customer SMS and admin alerts around retry
// decisions. Delivery is fire-and-forget: a provider failure is logged and
// swallowed, never propagated into the payment or retry transaction.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"time"

	"go.uber.org/zap"
)

// SMSProvider sends a text message to an MSISDN.
type SMSProvider interface {
	SendSMS(ctx context.Context, to, message string) error
}

// AdminAlerter raises an operational alert for back-office staff.
type AdminAlerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// Notifier fans retry events out to the configured channels.
type Notifier struct {
	sms    SMSProvider
	admin  AdminAlerter
	logger *zap.Logger
}

// NewNotifier creates a notifier over the given providers.
func NewNotifier(sms SMSProvider, admin AdminAlerter, logger *zap.Logger) *Notifier {
	return &Notifier{sms: sms, admin: admin, logger: logger}
}

// RetryNotification is the data rendered into templates and alerts.
type RetryNotification struct {
	CustomerName string
	MSISDN       string
	Amount       string
	Currency     string
	RetryDate    string
	ContractID   string
	AttemptID    string
	Reason       string
	Exhausted    bool
}

// NotifyRetry dispatches the notifications a retry decision asked for. Each
// channel fails independently and silently.
func (n *Notifier) NotifyRetry(ctx context.Context, data RetryNotification, notifyAdmin, notifyCustomer, sendSMS bool, smsTemplate string) {
	if notifyAdmin {
		subject := fmt.Sprintf("Payment retry scheduled for contract %s", data.ContractID)
		if data.Exhausted {
			subject = fmt.Sprintf("Payment retries exhausted for contract %s", data.ContractID)
		}
		body := fmt.Sprintf("attempt=%s amount=%s %s reason=%s", data.AttemptID, data.Amount, data.Currency, data.Reason)
		if err := n.admin.Alert(ctx, subject, body); err != nil {
			n.logger.Warn("admin alert failed", zap.Error(err), zap.String("attempt_id", data.AttemptID))
		}
	}

	if notifyCustomer && sendSMS && data.MSISDN != "" {
		msg, err := renderTemplate(smsTemplate, data)
		if err != nil {
			n.logger.Warn("sms template render failed", zap.Error(err))
			return
		}
		if err := n.sms.SendSMS(ctx, data.MSISDN, msg); err != nil {
			n.logger.Warn("customer sms failed", zap.Error(err), zap.String("msisdn", data.MSISDN))
		}
	}
}

func renderTemplate(tpl string, data RetryNotification) (string, error) {
	t, err := template.New("sms").Parse(tpl)
	if err != nil {
		return "", fmt.Errorf("parse sms template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute sms template: %w", err)
	}
	return buf.String(), nil
}

// LogSMSProvider writes messages to the log instead of a real SMS gateway.
// Used until an aggregator integration lands.
type LogSMSProvider struct {
	Logger *zap.Logger
}

func (l *LogSMSProvider) SendSMS(ctx context.Context, to, message string) error {
	l.Logger.Info("sms", zap.String("to", to), zap.String("message", message))
	return nil
}

// LogAdminAlerter writes alerts to the log.
type LogAdminAlerter struct {
	Logger *zap.Logger
}

func (l *LogAdminAlerter) Alert(ctx context.Context, subject, body string) error {
	l.Logger.Warn("admin alert", zap.String("subject", subject), zap.String("body", body))
	return nil
}

// MockSMSProvider records messages for development and tests.
type MockSMSProvider struct {
	Sent []MockSMS
}

// MockSMS is one captured message.
type MockSMS struct {
	To      string
	Message string
	At      time.Time
}

func (m *MockSMSProvider) SendSMS(ctx context.Context, to, message string) error {
	m.Sent = append(m.Sent, MockSMS{To: to, Message: message, At: time.Now()})
	return nil
}

// MockAdminAlerter records alerts for development and tests.
type MockAdminAlerter struct {
	Alerts []MockAlert
}

// MockAlert is one captured alert.
type MockAlert struct {
	Subject string
	Body    string
	At      time.Time
}

func (m *MockAdminAlerter) Alert(ctx context.Context, subject, body string) error {
	m.Alerts = append(m.Alerts, MockAlert{Subject: subject, Body: body, At: time.Now()})
	return nil
}
