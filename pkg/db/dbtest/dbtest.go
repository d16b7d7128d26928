// Package dbtest opens in-memory SQLite databases carrying the paysync schema.
package dbtest

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seq atomic.Int64

// Schema mirrors the postgres migrations with SQLite column types.
var Schema = []string{
	`CREATE TABLE idempotency_records (
		idempotency_key TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		amount BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		result TEXT,
		external_payment_ref TEXT,
		failure_reason TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX idx_idempotency_records_user_created ON idempotency_records(user_id, created_at)`,
	`CREATE TABLE credit_accounts (
		user_id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE credit_transactions (
		id BIGINT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		transaction_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		external_payment_ref TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE (user_id, transaction_type, external_payment_ref)
	)`,
	`CREATE TABLE subscription_records (
		id BIGINT PRIMARY KEY,
		external_subscription_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		external_customer_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		plan_name TEXT NOT NULL DEFAULT '',
		plan_type TEXT NOT NULL DEFAULT '',
		amount BIGINT NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT '',
		billing_period TEXT NOT NULL DEFAULT '',
		start_date DATE,
		end_date DATE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE payment_records (
		id BIGINT PRIMARY KEY,
		user_id TEXT NOT NULL,
		external_payment_ref TEXT NOT NULL UNIQUE,
		amount BIGINT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_method TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE fee_records (
		id BIGINT PRIMARY KEY,
		fee_type TEXT NOT NULL,
		payer_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		credit_transaction_id BIGINT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (payer_id, subject_id, fee_type)
	)`,
	`CREATE TABLE payment_customers (
		provider TEXT NOT NULL,
		user_id TEXT NOT NULL,
		external_customer_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (provider, user_id)
	)`,
	`CREATE TABLE payment_events (
		id BIGINT PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		received_at DATETIME NOT NULL,
		processed_at DATETIME,
		UNIQUE (provider, provider_event_id)
	)`,
	`CREATE TABLE payment_outbox (
		id BIGINT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		dedupe_key TEXT NOT NULL UNIQUE,
		correlation_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		published BOOLEAN NOT NULL DEFAULT FALSE,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at DATETIME NOT NULL,
		published_at DATETIME
	)`,
}

// Open returns a fresh database with the full schema applied.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:paysync_%d?mode=memory&cache=shared", seq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// One connection keeps the shared memory database alive and serializes writers.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range Schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return db
}

// AssertCount fails the test when the scalar query does not return expected.
func AssertCount(t testing.TB, db *gorm.DB, query string, expected int64, args ...any) {
	t.Helper()

	var count int64
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("query count: %v", err)
	}
	if count != expected {
		t.Fatalf("%s: expected %d, got %d", query, expected, count)
	}
}
