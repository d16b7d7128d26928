package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type TransactionType string

const (
	TransactionTypePurchase   TransactionType = "purchase"
	TransactionTypeCharge     TransactionType = "charge"
	TransactionTypeRefund     TransactionType = "refund"
	TransactionTypeAdjustment TransactionType = "adjustment"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypePurchase, TransactionTypeCharge, TransactionTypeRefund, TransactionTypeAdjustment:
		return true
	default:
		return false
	}
}

// ReasonInsufficientFunds is reported when the conditional decrement matched no row.
const ReasonInsufficientFunds = "INSUFFICIENT_FUNDS"

type Account struct {
	UserID    string    `gorm:"column:user_id;primaryKey"`
	Balance   int64     `gorm:"column:balance"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Account) TableName() string { return "credit_accounts" }

type Transaction struct {
	ID                 snowflake.ID    `gorm:"column:id;primaryKey"`
	UserID             string          `gorm:"column:user_id"`
	Amount             int64           `gorm:"column:amount"`
	TransactionType    TransactionType `gorm:"column:transaction_type"`
	Description        string          `gorm:"column:description"`
	ExternalPaymentRef *string         `gorm:"column:external_payment_ref"`
	CreatedAt          time.Time       `gorm:"column:created_at"`
}

func (Transaction) TableName() string { return "credit_transactions" }

// CreditRequest grants credits. ExternalRef deduplicates replays of the same
// external payment; Provider and PackageID only annotate the purchase event.
type CreditRequest struct {
	UserID      string
	Amount      int64
	Type        TransactionType
	Description string
	ExternalRef string
	Provider    string
	PackageID   string
}

type CreditResult struct {
	NewBalance    int64
	Applied       bool
	TransactionID snowflake.ID
}

type DebitRequest struct {
	UserID      string
	Amount      int64
	Type        TransactionType
	Description string
	ExternalRef string
}

type DebitResult struct {
	Success       bool
	NewBalance    int64
	Reason        string
	Duplicate     bool
	TransactionID snowflake.ID
}

// AdjustRequest moves a balance by a signed amount on behalf of an operator.
type AdjustRequest struct {
	UserID      string
	Amount      int64
	Type        TransactionType
	Description string
	Reference   string
}

type AdjustResult struct {
	Applied           bool   `json:"applied"`
	NewBalance        int64  `json:"new_balance"`
	InsufficientFunds bool   `json:"insufficient_funds"`
	TransactionID     string `json:"transaction_id,omitempty"`
}
