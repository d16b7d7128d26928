package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Service interface {
	Credit(ctx context.Context, req CreditRequest) (CreditResult, error)
	CreditTx(ctx context.Context, tx *gorm.DB, req CreditRequest) (CreditResult, error)
	Debit(ctx context.Context, req DebitRequest) (DebitResult, error)
	DebitTx(ctx context.Context, tx *gorm.DB, req DebitRequest) (DebitResult, error)
	Balance(ctx context.Context, userID string) (int64, error)
	Adjust(ctx context.Context, req AdjustRequest) (AdjustResult, error)
}

type Repository interface {
	EnsureAccount(ctx context.Context, db *gorm.DB, userID string, now time.Time) error
	InsertTransaction(ctx context.Context, db *gorm.DB, txn *Transaction) (bool, error)
	Increment(ctx context.Context, db *gorm.DB, userID string, amount int64, now time.Time) error
	DecrementIfSufficient(ctx context.Context, db *gorm.DB, userID string, amount int64, now time.Time) (bool, error)
	Balance(ctx context.Context, db *gorm.DB, userID string) (int64, bool, error)
	TransactionExists(ctx context.Context, db *gorm.DB, userID string, txType TransactionType, ref string) (bool, error)
}
