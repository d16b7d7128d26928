package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/paysync/internal/ledger/domain"
	"github.com/smallbiznis/paysync/internal/observability/logger"
	"go.uber.org/zap"
)

type adjustCreditsRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	Type        string `json:"type" binding:"omitempty,oneof=adjustment refund"`
	Description string `json:"description"`
	Reference   string `json:"reference"`
}

func (s *Server) GetCreditBalance(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	balance, err := s.ledgerSvc.Balance(c.Request.Context(), actor.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"user_id": actor.UserID,
		"balance": balance,
	}})
}

// AdjustCredits applies a privileged credit or debit to a target user.
func (s *Server) AdjustCredits(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req adjustCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}

	res, err := s.ledgerSvc.Adjust(c.Request.Context(), ledgerdomain.AdjustRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Type:        ledgerdomain.TransactionType(req.Type),
		Description: req.Description,
		Reference:   req.Reference,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	logger.FromContext(c.Request.Context()).Info("credits adjusted",
		zap.String("target_user_id", req.UserID),
		zap.String("adjusted_by", actor.UserID),
		zap.Int64("amount", req.Amount),
		zap.Bool("applied", res.Applied),
		zap.Bool("insufficient_funds", res.InsufficientFunds),
	)

	c.JSON(http.StatusOK, gin.H{"data": res})
}
