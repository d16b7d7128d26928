package repository

import (
	"context"

	"github.com/smallbiznis/paysync/internal/fees/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Exists(ctx context.Context, db *gorm.DB, payerID, subjectID string, feeType domain.FeeType) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM fee_records WHERE payer_id = ? AND subject_id = ? AND fee_type = ?`,
		payerID,
		subjectID,
		feeType,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.Record) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO fee_records (id, fee_type, payer_id, subject_id, amount, credit_transaction_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (payer_id, subject_id, fee_type) DO NOTHING`,
		record.ID,
		record.FeeType,
		record.PayerID,
		record.SubjectID,
		record.Amount,
		record.CreditTransactionID,
		record.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
