package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/paysync/internal/clock"
	"github.com/smallbiznis/paysync/internal/subscription/domain"
	"github.com/smallbiznis/paysync/internal/subscription/repository"
	"github.com/smallbiznis/paysync/internal/subscription/service"
	"github.com/smallbiznis/paysync/pkg/db/dbtest"
)

func newTestService(t *testing.T, db *gorm.DB) domain.Service {
	t.Helper()
	node, err := snowflake.NewNode(10)
	require.NoError(t, err)
	return service.NewService(service.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	})
}

func ts(v time.Time) *time.Time { return &v }

func dateString(t *testing.T, v *time.Time) string {
	t.Helper()
	require.NotNil(t, v)
	return v.UTC().Format("2006-01-02")
}

func TestReconcileUpsertsSingleRowLastWriteWins(t *testing.T) {
	db := dbtest.Open(t)
	svc := newTestService(t, db)
	ctx := context.Background()

	first, err := svc.Reconcile(ctx, "sub_1", "user-1", domain.Fields{
		ExternalCustomerID: "cus_1",
		Status:             domain.StatusTrialing,
		PlanName:           "Premium Monthly",
		Amount:             999,
		Currency:           "USD",
		BillingPeriod:      "Month",
		PeriodStart:        ts(time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)),
		PeriodEnd:          ts(time.Date(2026, 4, 1, 23, 30, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	assert.Equal(t, "premium-monthly", first.PlanType)
	assert.Equal(t, "usd", first.Currency)
	assert.Equal(t, "month", first.BillingPeriod)
	assert.Equal(t, "2026-03-01", dateString(t, first.StartDate))

	second, err := svc.Reconcile(ctx, "sub_1", "user-other", domain.Fields{
		ExternalCustomerID: "cus_1",
		Status:             domain.StatusActive,
		PlanName:           "Premium Yearly",
		PlanType:           "premium_yearly",
		Amount:             9900,
		Currency:           "usd",
		BillingPeriod:      "year",
		PeriodStart:        ts(time.Date(2026, 4, 2, 1, 0, 0, 0, time.UTC)),
		PeriodEnd:          ts(time.Date(2027, 4, 2, 1, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "user-1", second.UserID)
	assert.Equal(t, domain.StatusActive, second.Status)
	assert.Equal(t, "Premium Yearly", second.PlanName)
	assert.Equal(t, "premium_yearly", second.PlanType)
	assert.Equal(t, int64(9900), second.Amount)
	assert.Equal(t, "year", second.BillingPeriod)
	assert.Equal(t, "2026-04-02", dateString(t, second.StartDate))
	assert.Equal(t, "2027-04-02", dateString(t, second.EndDate))

	dbtest.AssertCount(t, db, "SELECT COUNT(1) FROM subscription_records", 1)
}

func TestReconcileInterleavedCallsKeepOneRow(t *testing.T) {
	db := dbtest.Open(t)
	svc := newTestService(t, db)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Reconcile(ctx, "sub_race", "user-1", domain.Fields{
				Status:   domain.StatusActive,
				PlanName: fmt.Sprintf("plan %d", i),
				Amount:   int64(100 * i),
				Currency: "usd",
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	dbtest.AssertCount(t, db, "SELECT COUNT(1) FROM subscription_records WHERE external_subscription_id = 'sub_race'", 1)

	final, err := svc.Reconcile(ctx, "sub_race", "user-1", domain.Fields{
		Status:   domain.StatusPastDue,
		PlanName: "plan final",
		Amount:   4200,
		Currency: "usd",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPastDue, final.Status)
	assert.Equal(t, "plan-final", final.PlanType)
	assert.Equal(t, int64(4200), final.Amount)
	assert.Nil(t, final.StartDate)
}

func TestReconcileValidation(t *testing.T) {
	db := dbtest.Open(t)
	svc := newTestService(t, db)
	ctx := context.Background()

	_, err := svc.Reconcile(ctx, "", "user-1", domain.Fields{Status: domain.StatusActive})
	assert.ErrorIs(t, err, domain.ErrInvalidSubscriptionID)
	_, err = svc.Reconcile(ctx, "sub_1", "", domain.Fields{Status: domain.StatusActive})
	assert.ErrorIs(t, err, domain.ErrInvalidUser)
	_, err = svc.Reconcile(ctx, "sub_1", "user-1", domain.Fields{Status: "incomplete"})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
	_, err = svc.Reconcile(ctx, "sub_1", "user-1", domain.Fields{Status: domain.StatusActive, Amount: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestMarkCanceledKeepsPlan(t *testing.T) {
	db := dbtest.Open(t)
	svc := newTestService(t, db)
	ctx := context.Background()

	_, err := svc.Reconcile(ctx, "sub_1", "user-1", domain.Fields{
		Status:   domain.StatusActive,
		PlanName: "Basic",
		Amount:   500,
		Currency: "usd",
	})
	require.NoError(t, err)

	require.NoError(t, svc.MarkCanceled(ctx, "sub_1"))

	record, err := svc.Get(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, record.Status)
	assert.Equal(t, "Basic", record.PlanName)
	assert.Equal(t, int64(500), record.Amount)

	assert.ErrorIs(t, svc.MarkCanceled(ctx, "sub_missing"), domain.ErrSubscriptionNotFound)
	_, err = svc.Get(ctx, "sub_missing")
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
}

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]domain.Status{
		"active":             domain.StatusActive,
		"TRIALING":           domain.StatusTrialing,
		"unpaid":             domain.StatusPastDue,
		"incomplete":         domain.StatusPastDue,
		"incomplete_expired": domain.StatusExpired,
		"cancelled":          domain.StatusCanceled,
		"paused":             domain.StatusPaused,
	}
	for raw, want := range tests {
		got, ok := domain.NormalizeStatus(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := domain.NormalizeStatus("mystery")
	assert.False(t, ok)
}
