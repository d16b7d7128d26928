package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/paysync/internal/authorization"
	idempotencydomain "github.com/smallbiznis/paysync/internal/idempotency/domain"
)

// CleanupIdempotencyRecords deletes stale records. Members are scoped to their
// own records; privileged roles may target another user or everyone.
func (s *Server) CleanupIdempotencyRecords(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var maxAge *int
	if raw := strings.TrimSpace(c.Query("maxAgeHours")); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, idempotencydomain.ErrInvalidMaxAge)
			return
		}
		maxAge = &hours
	}

	ctx := c.Request.Context()
	privileged, err := s.authzSvc.Allowed(ctx, actor, authorization.ObjectIdempotencyRecords, authorization.ActionIdempotencyCleanupAny)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	res, err := s.idempotencySvc.Cleanup(ctx, idempotencydomain.CleanupRequest{
		CallerID:     actor.UserID,
		Privileged:   privileged,
		TargetUserID: strings.TrimSpace(c.Query("userId")),
		MaxAgeHours:  maxAge,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res})
}
