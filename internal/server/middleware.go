package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/paysync/internal/authorization"
	obscontext "github.com/smallbiznis/paysync/internal/observability/context"
)

const (
	HeaderUserID         = "X-User-Id"
	HeaderUserRole       = "X-User-Role"
	HeaderIdempotencyKey = "Idempotency-Key"

	contextActorKey = "actor"
)

// Identity requires the caller identity asserted by the upstream authorizer.
func (s *Server) Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		role := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderUserRole)))
		if role == "" {
			role = authorization.RoleMember
		}
		if role == authorization.RoleSystem {
			// system is reserved for background jobs
			AbortWithError(c, ErrForbidden)
			return
		}

		actor := authorization.Actor{UserID: userID, Role: role}
		c.Set(contextActorKey, actor)
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), userID, role))
		c.Next()
	}
}

// RequireAction rejects callers whose role does not grant action on object.
func (s *Server) RequireAction(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), actor, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func actorFromContext(c *gin.Context) (authorization.Actor, bool) {
	value, ok := c.Get(contextActorKey)
	if !ok {
		return authorization.Actor{}, false
	}
	actor, ok := value.(authorization.Actor)
	if !ok || actor.UserID == "" {
		return authorization.Actor{}, false
	}
	return actor, true
}

// idempotencyKey prefers the Idempotency-Key header over a body field.
func idempotencyKey(c *gin.Context, fromBody string) string {
	key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	if key == "" {
		key = strings.TrimSpace(fromBody)
	}
	if key != "" {
		c.Set("idempotency_key", key)
	}
	return key
}
