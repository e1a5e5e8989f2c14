package reporting_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/sankofapay/installment-engine/internal/reporting"
)

func mockService(t *testing.T) (*reporting.Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return reporting.NewService(gormDB, zap.NewNop()), mock
}

func TestCollectionMetrics(t *testing.T) {
	svc, mock := mockService(t)
	from := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	statusRows := sqlmock.NewRows([]string{"status", "count", "total"}).
		AddRow("SUCCESS", 80, "8000.00").
		AddRow("FAILED", 15, "1500.00").
		AddRow("PENDING", 5, "500.00")
	mock.ExpectQuery(`SELECT status, COUNT\(\*\) AS count, COALESCE\(SUM\(amount\), 0\) AS total`).
		WithArgs(from, to).
		WillReturnRows(statusRows)

	recoveredRows := sqlmock.NewRows([]string{"count", "total"}).
		AddRow(10, "1000.00")
	mock.ExpectQuery(`SELECT COUNT\(\*\) AS count, COALESCE\(SUM\(amount\), 0\) AS total`).
		WithArgs(from, to).
		WillReturnRows(recoveredRows)

	m, err := svc.CollectionMetrics(context.Background(), from, to)
	require.NoError(t, err)

	assert.Equal(t, int64(100), m.TotalAttempts)
	assert.Equal(t, int64(80), m.Succeeded)
	assert.Equal(t, int64(15), m.Failed)
	assert.Equal(t, int64(5), m.Pending)
	assert.Equal(t, "8000.00", m.CollectedAmount.StringFixed(2))
	assert.Equal(t, int64(10), m.RecoveredByRetry)
	assert.Equal(t, "1000.00", m.RecoveredAmount.StringFixed(2))
	assert.InDelta(t, 40.0, m.RecoveryRate, 0.001, "10 recovered of 25 ever-failed")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCollectionMetrics_EmptyWindow(t *testing.T) {
	svc, mock := mockService(t)
	from := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) AS count`).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count", "total"}))
	mock.ExpectQuery(`SELECT COUNT\(\*\) AS count`).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"count", "total"}).AddRow(0, "0"))

	m, err := svc.CollectionMetrics(context.Background(), from, to)
	require.NoError(t, err)
	assert.Zero(t, m.TotalAttempts)
	assert.Zero(t, m.RecoveryRate)
}

func TestOverdueAging(t *testing.T) {
	svc, mock := mockService(t)
	now := time.Date(2024, time.June, 30, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"due_date", "amount", "paid_amount"}).
		AddRow(now.AddDate(0, 0, -10), "100.00", "40.00").
		AddRow(now.AddDate(0, 0, -45), "100.00", "0.00").
		AddRow(now.AddDate(0, 0, -75), "100.00", "0.00").
		AddRow(now.AddDate(0, 0, -120), "100.00", "25.00")
	mock.ExpectQuery(`SELECT due_date, amount, paid_amount`).
		WithArgs(now).
		WillReturnRows(rows)

	buckets, err := svc.OverdueAging(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, buckets, 4)

	assert.Equal(t, "1-30", buckets[0].Label)
	assert.Equal(t, int64(1), buckets[0].Count)
	assert.Equal(t, "60.00", buckets[0].Amount.StringFixed(2))

	assert.Equal(t, int64(1), buckets[1].Count)
	assert.Equal(t, "100.00", buckets[1].Amount.StringFixed(2))

	assert.Equal(t, int64(1), buckets[2].Count)

	assert.Equal(t, "90+", buckets[3].Label)
	assert.Equal(t, "75.00", buckets[3].Amount.StringFixed(2))

	require.NoError(t, mock.ExpectationsWereMet())
}
