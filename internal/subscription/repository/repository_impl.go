package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/paysync/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Upsert writes the record keyed by external_subscription_id. user_id,
// id and created_at keep their first-written values.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, record *domain.Record) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscription_records (
			id, external_subscription_id, user_id, external_customer_id, status,
			plan_name, plan_type, amount, currency, billing_period,
			start_date, end_date, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_subscription_id) DO UPDATE SET
			external_customer_id = EXCLUDED.external_customer_id,
			status = EXCLUDED.status,
			plan_name = EXCLUDED.plan_name,
			plan_type = EXCLUDED.plan_type,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			billing_period = EXCLUDED.billing_period,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			updated_at = EXCLUDED.updated_at`,
		record.ID,
		record.ExternalSubscriptionID,
		record.UserID,
		record.ExternalCustomerID,
		record.Status,
		record.PlanName,
		record.PlanType,
		record.Amount,
		record.Currency,
		record.BillingPeriod,
		record.StartDate,
		record.EndDate,
		record.CreatedAt,
		record.UpdatedAt,
	).Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, externalSubscriptionID string, status domain.Status, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscription_records SET status = ?, updated_at = ? WHERE external_subscription_id = ?`,
		status,
		now,
		externalSubscriptionID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, externalSubscriptionID string) (*domain.Record, error) {
	var record domain.Record
	result := db.WithContext(ctx).Raw(
		`SELECT id, external_subscription_id, user_id, external_customer_id, status,
			plan_name, plan_type, amount, currency, billing_period,
			start_date, end_date, created_at, updated_at
		 FROM subscription_records
		 WHERE external_subscription_id = ?`,
		externalSubscriptionID,
	).Scan(&record)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &record, nil
}
