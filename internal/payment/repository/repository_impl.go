package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paysync/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindCustomer(ctx context.Context, db *gorm.DB, provider, userID string) (string, error) {
	var customerID string
	err := db.WithContext(ctx).Raw(
		`SELECT external_customer_id
		 FROM payment_customers
		 WHERE provider = ? AND user_id = ?
		 LIMIT 1`,
		provider,
		userID,
	).Scan(&customerID).Error
	if err != nil {
		return "", err
	}
	return customerID, nil
}

// SaveCustomer stores the mapping unless one exists and returns whichever
// customer id is persisted.
func (r *repo) SaveCustomer(ctx context.Context, db *gorm.DB, mapping *domain.CustomerMapping) (string, error) {
	if err := db.WithContext(ctx).Exec(
		`INSERT INTO payment_customers (provider, user_id, external_customer_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (provider, user_id) DO NOTHING`,
		mapping.Provider,
		mapping.UserID,
		mapping.ExternalCustomerID,
		mapping.CreatedAt,
	).Error; err != nil {
		return "", err
	}
	return r.FindCustomer(ctx, db, mapping.Provider, mapping.UserID)
}

func (r *repo) FindUserByCustomer(ctx context.Context, db *gorm.DB, provider, customerID string) (string, error) {
	var userID string
	err := db.WithContext(ctx).Raw(
		`SELECT user_id
		 FROM payment_customers
		 WHERE provider = ? AND external_customer_id = ?
		 LIMIT 1`,
		provider,
		customerID,
	).Scan(&userID).Error
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (r *repo) InsertPaymentRecord(ctx context.Context, db *gorm.DB, record *domain.PaymentRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_records (
			id, user_id, external_payment_ref, amount, currency, status, payment_method, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_payment_ref) DO NOTHING`,
		record.ID,
		record.UserID,
		record.ExternalPaymentRef,
		record.Amount,
		record.Currency,
		record.Status,
		record.PaymentMethod,
		record.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindPaymentRecord(ctx context.Context, db *gorm.DB, ref string) (*domain.PaymentRecord, error) {
	var item domain.PaymentRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, external_payment_ref, amount, currency, status, payment_method, created_at
		 FROM payment_records
		 WHERE external_payment_ref = ?
		 LIMIT 1`,
		ref,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_events (
			id, provider, provider_event_id, event_type, payload, attempts, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		event.ID,
		event.Provider,
		event.ProviderEventID,
		event.EventType,
		event.Payload,
		event.Attempts,
		event.ReceivedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, event_type, payload, attempts,
			last_error, received_at, processed_at
		 FROM payment_events
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET processed_at = ?, attempts = attempts + 1, last_error = NULL
		 WHERE id = ?`,
		processedAt,
		id,
	).Error
}

func (r *repo) MarkEventFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET attempts = attempts + 1, last_error = ?
		 WHERE id = ?`,
		reason,
		id,
	).Error
}
