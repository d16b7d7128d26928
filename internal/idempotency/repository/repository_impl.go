package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/paysync/internal/idempotency/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.Record) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO idempotency_records (
			idempotency_key, user_id, operation, amount, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		record.Key,
		record.UserID,
		record.Operation,
		record.Amount,
		record.Status,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByKey(ctx context.Context, db *gorm.DB, key string) (*domain.Record, error) {
	var record domain.Record
	result := db.WithContext(ctx).Raw(
		`SELECT idempotency_key, user_id, operation, amount, status, result,
			external_payment_ref, failure_reason, created_at, updated_at
		 FROM idempotency_records
		 WHERE idempotency_key = ?`,
		key,
	).Scan(&record)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) Rearm(ctx context.Context, db *gorm.DB, key string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE idempotency_records
		 SET status = ?, failure_reason = NULL, updated_at = ?
		 WHERE idempotency_key = ? AND status = ?`,
		domain.StatusPending,
		now,
		key,
		domain.StatusFailed,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) AttachRef(ctx context.Context, db *gorm.DB, key, ref string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE idempotency_records
		 SET external_payment_ref = ?, status = ?, updated_at = ?
		 WHERE idempotency_key = ? AND status <> ?`,
		ref,
		domain.StatusProcessing,
		now,
		key,
		domain.StatusCompleted,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) Complete(ctx context.Context, db *gorm.DB, key string, payload []byte, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE idempotency_records
		 SET status = ?, result = ?, failure_reason = NULL, updated_at = ?
		 WHERE idempotency_key = ? AND status <> ?`,
		domain.StatusCompleted,
		datatypes.JSON(payload),
		now,
		key,
		domain.StatusCompleted,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) Fail(ctx context.Context, db *gorm.DB, key, reason string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE idempotency_records
		 SET status = ?, failure_reason = ?, updated_at = ?
		 WHERE idempotency_key = ? AND status <> ?`,
		domain.StatusFailed,
		reason,
		now,
		key,
		domain.StatusCompleted,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) DeleteOlderThan(ctx context.Context, db *gorm.DB, userID string, cutoff time.Time) (int64, error) {
	query := `DELETE FROM idempotency_records WHERE created_at < ?`
	args := []any{cutoff}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	result := db.WithContext(ctx).Exec(query, args...)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
