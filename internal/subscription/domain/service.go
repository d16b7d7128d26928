package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Service interface {
	Reconcile(ctx context.Context, externalSubscriptionID, userID string, fields Fields) (*Record, error)
	MarkCanceled(ctx context.Context, externalSubscriptionID string) error
	Get(ctx context.Context, externalSubscriptionID string) (*Record, error)
}

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, record *Record) error
	UpdateStatus(ctx context.Context, db *gorm.DB, externalSubscriptionID string, status Status, now time.Time) (bool, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, externalSubscriptionID string) (*Record, error)
}
