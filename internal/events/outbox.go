package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/smallbiznis/paysync/pkg/db"
)

var (
	ErrOutboxUnavailable  = errors.New("outbox_unavailable")
	ErrMissingTransaction = errors.New("missing_transaction")
	ErrMissingEventType   = errors.New("missing_event_type")
	ErrMissingAggregateID = errors.New("missing_aggregate_id")
)

// Event describes a domain event to store in the outbox.
type Event struct {
	AggregateID string
	Type        string
	Payload     map[string]any
	DedupeKey   string
}

// Row is a stored outbox entry awaiting relay.
type Row struct {
	ID            snowflake.ID      `gorm:"column:id"`
	EventType     string            `gorm:"column:event_type"`
	AggregateID   string            `gorm:"column:aggregate_id"`
	DedupeKey     string            `gorm:"column:dedupe_key"`
	CorrelationID string            `gorm:"column:correlation_id"`
	Payload       datatypes.JSONMap `gorm:"column:payload"`
	Attempts      int               `gorm:"column:attempts"`
	CreatedAt     time.Time         `gorm:"column:created_at"`
}

// Outbox inserts domain events into the payment_outbox table.
type Outbox struct {
	db    *gorm.DB
	genID *snowflake.Node
	now   func() time.Time
}

func NewOutbox(db *gorm.DB, genID *snowflake.Node) *Outbox {
	return &Outbox{db: db, genID: genID, now: func() time.Time { return time.Now().UTC() }}
}

// Publish stores an event using the default database connection.
func (o *Outbox) Publish(ctx context.Context, event Event) (bool, error) {
	if o == nil {
		return false, ErrOutboxUnavailable
	}
	return o.publish(ctx, o.db, event)
}

// PublishTx stores an event using an existing transaction.
// It reports false when an event with the same dedupe key already exists.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) (bool, error) {
	if tx == nil {
		return false, ErrMissingTransaction
	}
	return o.publish(ctx, tx, event)
}

func (o *Outbox) publish(ctx context.Context, conn *gorm.DB, event Event) (bool, error) {
	if o == nil || conn == nil || o.genID == nil {
		return false, ErrOutboxUnavailable
	}
	name := strings.TrimSpace(event.Type)
	if name == "" {
		return false, ErrMissingEventType
	}
	aggregate := strings.TrimSpace(event.AggregateID)
	if aggregate == "" {
		return false, ErrMissingAggregateID
	}

	payload := datatypes.JSONMap{}
	for key, value := range event.Payload {
		if strings.TrimSpace(key) == "" {
			continue
		}
		payload[key] = value
	}

	id := o.genID.Generate()
	dedupe := strings.TrimSpace(event.DedupeKey)
	if dedupe == "" {
		dedupe = name + ":" + id.String()
	}

	now := o.now()
	result := conn.WithContext(ctx).Exec(
		`INSERT INTO payment_outbox (id, event_type, aggregate_id, dedupe_key, correlation_id, payload, published, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, false, 0, ?)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		id,
		name,
		aggregate,
		dedupe,
		ulid.Make().String(),
		payload,
		now,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ClaimPending returns unpublished rows in creation order. On PostgreSQL the
// rows stay locked for the life of tx so concurrent relays skip them.
func ClaimPending(ctx context.Context, tx *gorm.DB, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, event_type, aggregate_id, dedupe_key, correlation_id, payload, attempts, created_at
		 FROM payment_outbox
		 WHERE published = false
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`
	if db.IsPostgres(tx) {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	var rows []Row
	if err := tx.WithContext(ctx).Raw(query, limit).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkPublished flags a row as relayed.
func MarkPublished(ctx context.Context, tx *gorm.DB, id snowflake.ID, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE payment_outbox
		 SET published = true, published_at = ?, attempts = attempts + 1, last_error = NULL
		 WHERE id = ?`,
		now,
		id,
	).Error
}

// MarkFailed records a failed relay attempt; the row stays pending.
func MarkFailed(ctx context.Context, tx *gorm.DB, id snowflake.ID, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE payment_outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		message,
		id,
	).Error
}
