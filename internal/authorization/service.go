package authorization

import "context"

const (
	ObjectIdempotencyRecords = "idempotency_records"
	ObjectCredits            = "credits"
)

const (
	// ActionIdempotencyCleanupAny allows sweeping records owned by other users.
	ActionIdempotencyCleanupAny = "idempotency.cleanup_any"
	ActionCreditsAdjust         = "credits.adjust"
)

const (
	RoleMember  = "member"
	RoleSupport = "support"
	RoleAdmin   = "admin"
	RoleSystem  = "system"
)

// Actor is the caller identity asserted by the upstream authorizer.
type Actor struct {
	UserID string
	Role   string
}

// SystemActor identifies background jobs.
func SystemActor() Actor {
	return Actor{Role: RoleSystem}
}

type Service interface {
	// Authorize returns ErrForbidden when actor may not perform action on object.
	Authorize(ctx context.Context, actor Actor, object string, action string) error
	// Allowed is Authorize without the forbidden error, for privilege checks.
	Allowed(ctx context.Context, actor Actor, object string, action string) (bool, error)
}
