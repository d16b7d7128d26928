package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type FeeType string

const (
	FeeTypeContact   FeeType = "contact"
	FeeTypePlacement FeeType = "placement"
)

type Record struct {
	ID                  snowflake.ID `gorm:"column:id;primaryKey"`
	FeeType             FeeType      `gorm:"column:fee_type"`
	PayerID             string       `gorm:"column:payer_id"`
	SubjectID           string       `gorm:"column:subject_id"`
	Amount              int64        `gorm:"column:amount"`
	CreditTransactionID snowflake.ID `gorm:"column:credit_transaction_id"`
	CreatedAt           time.Time    `gorm:"column:created_at"`
}

func (Record) TableName() string { return "fee_records" }

// ChargeRequest identifies who pays for access to which subject. A caller
// supplied IdempotencyKey replays the first response verbatim.
type ChargeRequest struct {
	PayerID        string
	SubjectID      string
	IdempotencyKey string
}

type ChargeResult struct {
	Charged           bool   `json:"charged"`
	AlreadyCharged    bool   `json:"already_charged"`
	InsufficientFunds bool   `json:"insufficient_funds"`
	NewBalance        int64  `json:"new_balance"`
	Amount            int64  `json:"amount"`
	FeeID             string `json:"fee_id,omitempty"`
	Replayed          bool   `json:"-"`
}
