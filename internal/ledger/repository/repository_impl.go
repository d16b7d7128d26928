package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/paysync/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) EnsureAccount(ctx context.Context, db *gorm.DB, userID string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_accounts (user_id, balance, created_at, updated_at)
		 VALUES (?, 0, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
		now,
		now,
	).Error
}

// InsertTransaction appends a row. A NULL external ref never conflicts.
func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *domain.Transaction) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions (
			id, user_id, amount, transaction_type, description, external_payment_ref, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, transaction_type, external_payment_ref) DO NOTHING`,
		txn.ID,
		txn.UserID,
		txn.Amount,
		txn.TransactionType,
		txn.Description,
		txn.ExternalPaymentRef,
		txn.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) Increment(ctx context.Context, db *gorm.DB, userID string, amount int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credit_accounts SET balance = balance + ?, updated_at = ? WHERE user_id = ?`,
		amount,
		now,
		userID,
	).Error
}

func (r *repo) DecrementIfSufficient(ctx context.Context, db *gorm.DB, userID string, amount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		 SET balance = balance - ?, updated_at = ?
		 WHERE user_id = ? AND balance >= ?`,
		amount,
		now,
		userID,
		amount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) Balance(ctx context.Context, db *gorm.DB, userID string) (int64, bool, error) {
	var balance int64
	result := db.WithContext(ctx).Raw(
		`SELECT balance FROM credit_accounts WHERE user_id = ?`,
		userID,
	).Scan(&balance)
	if result.Error != nil {
		return 0, false, result.Error
	}
	return balance, result.RowsAffected > 0, nil
}

func (r *repo) TransactionExists(ctx context.Context, db *gorm.DB, userID string, txType domain.TransactionType, ref string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM credit_transactions
		 WHERE user_id = ? AND transaction_type = ? AND external_payment_ref = ?`,
		userID,
		txType,
		ref,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
