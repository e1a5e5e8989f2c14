// Package reporting computes collection performance aggregates for the back
// office. Read-only; everything here is raw SQL over the engine tables plus
// in-process bucketing.
package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service answers reporting queries.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService creates a reporting service.
func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// CollectionMetrics summarizes attempt outcomes over a window.
type CollectionMetrics struct {
	TotalAttempts   int64           `json:"total_attempts"`
	Succeeded       int64           `json:"succeeded"`
	Failed          int64           `json:"failed"`
	Pending         int64           `json:"pending"`
	CollectedAmount decimal.Decimal `json:"collected_amount"`
	FailedAmount    decimal.Decimal `json:"failed_amount"`

	// RecoveredByRetry counts successes that needed at least one retry.
	RecoveredByRetry int64           `json:"recovered_by_retry"`
	RecoveredAmount  decimal.Decimal `json:"recovered_amount"`

	// RecoveryRate is recovered-by-retry successes over everything that ever
	// failed, as a percentage.
	RecoveryRate float64 `json:"recovery_rate"`
}

// CollectionMetrics aggregates payment attempts created in [from, to).
func (s *Service) CollectionMetrics(ctx context.Context, from, to time.Time) (*CollectionMetrics, error) {
	var byStatus []struct {
		Status string
		Count  int64
		Total  decimal.Decimal
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT status, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total
		 FROM payment_attempts
		 WHERE created_at >= ? AND created_at < ?
		 GROUP BY status`, from, to).Scan(&byStatus).Error
	if err != nil {
		return nil, fmt.Errorf("attempt status aggregate: %w", err)
	}

	m := &CollectionMetrics{
		CollectedAmount: decimal.Zero,
		FailedAmount:    decimal.Zero,
		RecoveredAmount: decimal.Zero,
	}
	for _, row := range byStatus {
		m.TotalAttempts += row.Count
		switch row.Status {
		case "SUCCESS":
			m.Succeeded = row.Count
			m.CollectedAmount = row.Total
		case "FAILED":
			m.Failed = row.Count
			m.FailedAmount = row.Total
		case "PENDING":
			m.Pending = row.Count
		}
	}

	var recovered struct {
		Count int64
		Total decimal.Decimal
	}
	err = s.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total
		 FROM payment_attempts
		 WHERE status = 'SUCCESS' AND retry_count > 0
		   AND created_at >= ? AND created_at < ?`, from, to).Scan(&recovered).Error
	if err != nil {
		return nil, fmt.Errorf("retry recovery aggregate: %w", err)
	}
	m.RecoveredByRetry = recovered.Count
	m.RecoveredAmount = recovered.Total

	if everFailed := m.Failed + m.RecoveredByRetry; everFailed > 0 {
		m.RecoveryRate = float64(m.RecoveredByRetry) / float64(everFailed) * 100
	}
	return m, nil
}

// AgingBucket is one band of the overdue aging report.
type AgingBucket struct {
	Label  string          `json:"label"`
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// OverdueAging bands every unpaid overdue installment by days past due.
// Bucketing happens in-process so the query stays portable across Postgres
// and the SQLite test harness.
func (s *Service) OverdueAging(ctx context.Context, now time.Time) ([]AgingBucket, error) {
	var rows []struct {
		DueDate    time.Time
		Amount     decimal.Decimal
		PaidAmount decimal.Decimal
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT due_date, amount, paid_amount
		 FROM installments
		 WHERE paid_amount < amount AND due_date < ?`, now).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("overdue installments: %w", err)
	}

	buckets := []AgingBucket{
		{Label: "1-30", Amount: decimal.Zero},
		{Label: "31-60", Amount: decimal.Zero},
		{Label: "61-90", Amount: decimal.Zero},
		{Label: "90+", Amount: decimal.Zero},
	}
	for _, row := range rows {
		days := int(now.Sub(row.DueDate).Hours() / 24)
		idx := 0
		switch {
		case days > 90:
			idx = 3
		case days > 60:
			idx = 2
		case days > 30:
			idx = 1
		}
		outstanding := row.Amount.Sub(row.PaidAmount)
		buckets[idx].Count++
		buckets[idx].Amount = buckets[idx].Amount.Add(outstanding)
	}
	return buckets, nil
}
