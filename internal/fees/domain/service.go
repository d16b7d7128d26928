package domain

import (
	"context"

	"gorm.io/gorm"
)

type Service interface {
	ChargeContactFee(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	ChargePlacementFee(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	HasPaid(ctx context.Context, payerID, subjectID string, feeType FeeType) (bool, error)
}

type Repository interface {
	Exists(ctx context.Context, db *gorm.DB, payerID, subjectID string, feeType FeeType) (bool, error)
	Insert(ctx context.Context, db *gorm.DB, record *Record) (bool, error)
}
