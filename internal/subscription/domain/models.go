package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusPaused   Status = "paused"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusPaused, StatusCanceled, StatusExpired:
		return true
	default:
		return false
	}
}

// NormalizeStatus folds provider lifecycle vocabulary into the stored set.
func NormalizeStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trialing":
		return StatusTrialing, true
	case "active":
		return StatusActive, true
	case "past_due", "unpaid", "incomplete":
		return StatusPastDue, true
	case "paused":
		return StatusPaused, true
	case "canceled", "cancelled":
		return StatusCanceled, true
	case "expired", "incomplete_expired":
		return StatusExpired, true
	default:
		return "", false
	}
}

type Record struct {
	ID                     snowflake.ID `gorm:"column:id;primaryKey"`
	ExternalSubscriptionID string       `gorm:"column:external_subscription_id"`
	UserID                 string       `gorm:"column:user_id"`
	ExternalCustomerID     string       `gorm:"column:external_customer_id"`
	Status                 Status       `gorm:"column:status"`
	PlanName               string       `gorm:"column:plan_name"`
	PlanType               string       `gorm:"column:plan_type"`
	Amount                 int64        `gorm:"column:amount"`
	Currency               string       `gorm:"column:currency"`
	BillingPeriod          string       `gorm:"column:billing_period"`
	StartDate              *time.Time   `gorm:"column:start_date"`
	EndDate                *time.Time   `gorm:"column:end_date"`
	CreatedAt              time.Time    `gorm:"column:created_at"`
	UpdatedAt              time.Time    `gorm:"column:updated_at"`
}

func (Record) TableName() string { return "subscription_records" }

// Fields are the mutable attributes overwritten on every reconcile.
type Fields struct {
	ExternalCustomerID string
	Status             Status
	PlanName           string
	PlanType           string
	Amount             int64
	Currency           string
	BillingPeriod      string
	PeriodStart        *time.Time
	PeriodEnd          *time.Time
}

// CalendarDate truncates an instant to its UTC calendar date.
func CalendarDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
