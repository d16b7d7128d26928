package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
)

type createCheckoutSessionRequest struct {
	PriceRef       string            `json:"price_ref" binding:"required"`
	Metadata       map[string]string `json:"metadata"`
	IdempotencyKey string            `json:"idempotency_key"`
}

type createPaymentIntentRequest struct {
	Amount         int64  `json:"amount" binding:"omitempty,gt=0"`
	Currency       string `json:"currency" binding:"omitempty,len=3"`
	PackageID      string `json:"package_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type confirmPaymentRequest struct {
	IdempotencyKey     string `json:"idempotency_key"`
	ExternalPaymentRef string `json:"external_payment_ref" binding:"required"`
}

func (s *Server) CreateCheckoutSession(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req createCheckoutSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}

	res, err := s.paymentSvc.CreateCheckoutSession(c.Request.Context(), paymentdomain.CreateCheckoutSessionRequest{
		UserID:         actor.UserID,
		PriceRef:       req.PriceRef,
		Metadata:       req.Metadata,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": res})
}

// CreatePaymentIntent requires a client key so a repeat purchase of the same
// package is a new purchase rather than a replay of the last one.
func (s *Server) CreatePaymentIntent(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req createPaymentIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}
	key := idempotencyKey(c, req.IdempotencyKey)
	if key == "" {
		AbortWithError(c, newValidationError("idempotency_key", "required", "idempotency_key is required"))
		return
	}

	res, err := s.paymentSvc.CreatePaymentIntent(c.Request.Context(), paymentdomain.CreatePaymentIntentRequest{
		UserID:         actor.UserID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		PackageID:      req.PackageID,
		IdempotencyKey: key,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": res})
}

// ConfirmPayment answers 200 for every settled outcome; an unpaid intent is
// reported in the body rather than as an error.
func (s *Server) ConfirmPayment(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}
	key := idempotencyKey(c, req.IdempotencyKey)
	if key == "" {
		AbortWithError(c, newValidationError("idempotency_key", "required", "idempotency_key is required"))
		return
	}

	res, err := s.paymentSvc.ConfirmPayment(c.Request.Context(), paymentdomain.ConfirmPaymentRequest{
		UserID:             actor.UserID,
		IdempotencyKey:     key,
		ExternalPaymentRef: req.ExternalPaymentRef,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res})
}
