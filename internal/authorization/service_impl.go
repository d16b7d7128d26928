package authorization

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

var roleNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor Actor, object string, action string) error {
	allowed, err := s.Allowed(ctx, actor, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) Allowed(ctx context.Context, actor Actor, object string, action string) (bool, error) {
	object = strings.TrimSpace(object)
	if object == "" {
		return false, ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return false, ErrInvalidAction
	}

	subject, roleName, err := resolveActor(actor)
	if err != nil {
		return false, err
	}

	// The role is asserted per request, so it is enforced directly instead of
	// being stored as a grouping rule for the subject.
	allowed, err := s.enforcer.Enforce(roleName, object, action)
	if err != nil {
		return false, err
	}

	fields := []zap.Field{
		zap.String("subject", subject),
		zap.String("role", roleName),
		zap.String("object", object),
		zap.String("action", action),
	}
	switch {
	case !allowed:
		s.log.Info("authorization denied", fields...)
	case shouldLogGrant(action):
		s.log.Info("authorization granted", fields...)
	}
	return allowed, nil
}

// resolveActor maps an actor to its casbin subject and role.
func resolveActor(actor Actor) (string, string, error) {
	role := strings.ToLower(strings.TrimSpace(actor.Role))
	userID := strings.TrimSpace(actor.UserID)

	if role == RoleSystem {
		if userID != "" {
			return "", "", ErrInvalidActor
		}
		return "system", "role:system", nil
	}
	if userID == "" {
		return "", "", ErrInvalidActor
	}
	if role == "" {
		role = RoleMember
	}
	if !roleNamePattern.MatchString(role) {
		return "", "", ErrInvalidActor
	}
	return fmt.Sprintf("user:%s", userID), fmt.Sprintf("role:%s", role), nil
}

func shouldLogGrant(action string) bool {
	switch action {
	case ActionCreditsAdjust, ActionIdempotencyCleanupAny:
		return true
	default:
		return false
	}
}

// IsForbidden reports whether err came from a failed authorization check.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden) || errors.Is(err, ErrInvalidActor)
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{"role:admin", ObjectIdempotencyRecords, ActionIdempotencyCleanupAny},
		{"role:admin", ObjectCredits, ActionCreditsAdjust},

		{"role:support", ObjectCredits, ActionCreditsAdjust},

		{"role:system", ObjectIdempotencyRecords, ActionIdempotencyCleanupAny},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
