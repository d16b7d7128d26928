package domain

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type Operation string

const (
	OperationPurchaseCredits       Operation = "purchase_credits"
	OperationChargeContactFee      Operation = "charge_contact_fee"
	OperationChargePlacementFee    Operation = "charge_placement_fee"
	OperationConfirmPayment        Operation = "confirm_payment"
	OperationCreateCheckoutSession Operation = "create_checkout_session"
)

func (o Operation) Valid() bool {
	switch o {
	case OperationPurchaseCredits,
		OperationChargeContactFee,
		OperationChargePlacementFee,
		OperationConfirmPayment,
		OperationCreateCheckoutSession:
		return true
	default:
		return false
	}
}

// Resumes reports whether a record opened by o may be resumed under
// requested. Confirming a payment reuses the key of the purchase it settles.
func (o Operation) Resumes(requested Operation) bool {
	if o == requested {
		return true
	}
	return o == OperationPurchaseCredits && requested == OperationConfirmPayment
}

// Record is one row of the idempotency ledger.
type Record struct {
	Key                string         `gorm:"column:idempotency_key;primaryKey"`
	UserID             string         `gorm:"column:user_id"`
	Operation          Operation      `gorm:"column:operation"`
	Amount             int64          `gorm:"column:amount"`
	Status             Status         `gorm:"column:status"`
	Result             datatypes.JSON `gorm:"column:result"`
	ExternalPaymentRef *string        `gorm:"column:external_payment_ref"`
	FailureReason      *string        `gorm:"column:failure_reason"`
	CreatedAt          time.Time      `gorm:"column:created_at"`
	UpdatedAt          time.Time      `gorm:"column:updated_at"`
}

func (Record) TableName() string { return "idempotency_records" }

// EnsureRequest opens or resumes the lifecycle of one keyed operation.
// Context is hashed into derived keys; Key, when set, is used as-is.
type EnsureRequest struct {
	UserID    string
	Operation Operation
	Amount    int64
	Context   string
	Key       string
}

type EnsureResult struct {
	Key          string
	IsDuplicate  bool
	InFlight     bool
	Rearmed      bool
	CachedResult datatypes.JSON
	Record       *Record
}

// DecodeResult unmarshals the cached result of a completed record.
func (r EnsureResult) DecodeResult(v any) error {
	if len(r.CachedResult) == 0 {
		return ErrNoCachedResult
	}
	return json.Unmarshal(r.CachedResult, v)
}

type CleanupRequest struct {
	CallerID     string
	Privileged   bool
	TargetUserID string
	MaxAgeHours  *int
}

type CleanupResult struct {
	Deleted int64     `json:"deleted"`
	Cutoff  time.Time `json:"cutoff"`
	Scope   string    `json:"scope"`
}

const (
	DefaultMaxAgeHours = 24
	MinMaxAgeHours     = 1
	MaxMaxAgeHours     = 168

	// CleanupScopeAll marks a sweep that ignored user ownership.
	CleanupScopeAll = "all"
)
