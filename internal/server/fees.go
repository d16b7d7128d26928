package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	feedomain "github.com/smallbiznis/paysync/internal/fees/domain"
)

type chargeFeeRequest struct {
	SubjectID      string `json:"subject_id" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) ChargeContactFee(c *gin.Context) {
	s.chargeFee(c, feedomain.FeeTypeContact)
}

func (s *Server) ChargePlacementFee(c *gin.Context) {
	s.chargeFee(c, feedomain.FeeTypePlacement)
}

func (s *Server) chargeFee(c *gin.Context, feeType feedomain.FeeType) {
	actor, ok := actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req chargeFeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}

	chargeReq := feedomain.ChargeRequest{
		PayerID:        actor.UserID,
		SubjectID:      req.SubjectID,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	}

	var (
		res feedomain.ChargeResult
		err error
	)
	switch feeType {
	case feedomain.FeeTypeContact:
		res, err = s.feeSvc.ChargeContactFee(c.Request.Context(), chargeReq)
	default:
		res, err = s.feeSvc.ChargePlacementFee(c.Request.Context(), chargeReq)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res})
}
