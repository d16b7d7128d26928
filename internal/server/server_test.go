package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/paysync/internal/authorization"
	"github.com/smallbiznis/paysync/internal/config"
	feesrepo "github.com/smallbiznis/paysync/internal/fees/repository"
	feesservice "github.com/smallbiznis/paysync/internal/fees/service"
	idempotencydomain "github.com/smallbiznis/paysync/internal/idempotency/domain"
	ledgerdomain "github.com/smallbiznis/paysync/internal/ledger/domain"
	"github.com/smallbiznis/paysync/internal/observability"
	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
	"github.com/smallbiznis/paysync/internal/payment/paymenttest"
	"github.com/smallbiznis/paysync/internal/ratelimit"
	"github.com/smallbiznis/paysync/pkg/db/dbtest"
)

type fakeLimiter struct {
	result ratelimit.Result
	err    error
	calls  int
}

func (f *fakeLimiter) Enabled() bool { return true }

func (f *fakeLimiter) AllowUser(ctx context.Context, userID string) (ratelimit.Result, error) {
	f.calls++
	return f.result, f.err
}

type testServer struct {
	*paymenttest.Stack
	server *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	stack := paymenttest.NewStack(t)
	log := zap.NewNop()

	enforcer, err := authorization.NewEnforcer(stack.DB)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{Log: log, Enforcer: enforcer})

	feeSvc := feesservice.NewService(feesservice.Params{
		DB:          stack.DB,
		Log:         log,
		GenID:       stack.Node,
		Repo:        feesrepo.Provide(),
		LedgerSvc:   stack.Ledger,
		Catalog:     stack.Catalog,
		Idempotency: stack.Idempotency,
		Clock:       stack.Clock,
	})

	srv := NewServer(ServerParams{
		Gin:            NewEngine(observability.Config{Environment: "test"}, log, nil),
		Cfg:            config.Config{Environment: "test"},
		AuthzSvc:       authz,
		PaymentSvc:     stack.Payments,
		WebhookSvc:     stack.Webhooks,
		LedgerSvc:      stack.Ledger,
		FeeSvc:         feeSvc,
		IdempotencySvc: stack.Idempotency,
	})
	return &testServer{Stack: stack, server: srv}
}

func (ts *testServer) do(t *testing.T, method, path, userID, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}
	if role != "" {
		req.Header.Set(HeaderUserRole, role)
	}
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, v))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func (ts *testServer) seedCredits(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := ts.Ledger.Credit(context.Background(), ledgerdomain.CreditRequest{
		UserID:      userID,
		Amount:      amount,
		Type:        ledgerdomain.TransactionTypePurchase,
		ExternalRef: "seed-" + userID,
	})
	require.NoError(t, err)
}

func TestMissingIdentityIsUnauthorized(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/credits/balance", "", "", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Type)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestPurchaseOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.Provider.On("CreateCustomer", mock.Anything, "user-1").Return("cus_1", nil).Once()
	ts.Provider.On("CreatePaymentIntent", mock.Anything, mock.AnythingOfType("domain.PaymentIntentParams")).
		Return(&paymentdomain.PaymentIntent{
			ID:           "pi_1",
			Status:       "requires_payment_method",
			Amount:       2000,
			Currency:     "usd",
			CustomerID:   "cus_1",
			ClientSecret: "pi_1_secret",
		}, nil).Once()

	rec := ts.do(t, http.MethodPost, "/v1/payment-intents", "user-1", "", gin.H{"amount": 2000, "currency": "USD", "idempotency_key": "purchase-0001"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var intent paymentdomain.PaymentIntentResult
	decodeData(t, rec, &intent)
	assert.Equal(t, "pi_1", intent.PaymentIntentID)
	assert.Equal(t, int64(1000), intent.Credits)
	assert.Equal(t, "purchase-0001", intent.IdempotencyKey)

	ts.Provider.On("GetPaymentIntent", mock.Anything, "pi_1").Return(&paymentdomain.PaymentIntent{
		ID:             "pi_1",
		Status:         paymentdomain.PaymentIntentSucceeded,
		Amount:         2000,
		AmountReceived: 2000,
		Currency:       "usd",
		CustomerID:     "cus_1",
		PaymentMethod:  "card",
		Metadata: paymentdomain.SessionMetadata{
			UserID:         "user-1",
			Credits:        1000,
			IdempotencyKey: intent.IdempotencyKey,
		},
	}, nil).Once()

	confirm := gin.H{"idempotency_key": intent.IdempotencyKey, "external_payment_ref": "pi_1"}
	rec = ts.do(t, http.MethodPost, "/v1/payments/confirm", "user-1", "", confirm)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var first paymentdomain.ConfirmPaymentResult
	decodeData(t, rec, &first)
	assert.True(t, first.Success)
	require.NotNil(t, first.NewBalance)
	assert.Equal(t, int64(1000), *first.NewBalance)

	rec = ts.do(t, http.MethodPost, "/v1/payments/confirm", "user-1", "", confirm)
	require.Equal(t, http.StatusOK, rec.Code)
	var second paymentdomain.ConfirmPaymentResult
	decodeData(t, rec, &second)
	assert.True(t, second.Duplicate)

	rec = ts.do(t, http.MethodGet, "/v1/credits/balance", "user-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var balance struct {
		Balance int64 `json:"balance"`
	}
	decodeData(t, rec, &balance)
	assert.Equal(t, int64(1000), balance.Balance)

	dbtest.AssertCount(t, ts.DB, "SELECT COUNT(*) FROM credit_transactions WHERE user_id = ?", 1, "user-1")

	// the same package bought again under a new key is a new purchase
	ts.Provider.On("CreatePaymentIntent", mock.Anything, mock.AnythingOfType("domain.PaymentIntentParams")).
		Return(&paymentdomain.PaymentIntent{ID: "pi_2", ClientSecret: "pi_2_secret", CustomerID: "cus_1"}, nil).Once()
	rec = ts.do(t, http.MethodPost, "/v1/payment-intents", "user-1", "", gin.H{"amount": 2000, "currency": "USD", "idempotency_key": "purchase-0002"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var again paymentdomain.PaymentIntentResult
	decodeData(t, rec, &again)
	assert.Equal(t, "pi_2", again.PaymentIntentID)
	assert.False(t, again.Duplicate)

	ts.Provider.AssertExpectations(t)
}

func TestCreatePaymentIntentRequiresKey(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/payment-intents", "user-1", "", gin.H{"package_id": "credits_1000"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "idempotency_key", payload.Errors[0].Field)
	assert.Equal(t, "required", payload.Errors[0].Code)
	ts.Provider.AssertNotCalled(t, "CreatePaymentIntent", mock.Anything, mock.Anything)
}

func TestCreatePaymentIntentBindingErrors(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name  string
		body  any
		field string
		code  string
	}{
		{name: "negative amount", body: gin.H{"amount": -5, "currency": "usd"}, field: "amount", code: "gt"},
		{name: "short currency", body: gin.H{"amount": 2000, "currency": "us"}, field: "currency", code: "len"},
		{name: "malformed json", body: "{", field: "request", code: "invalid_request"},
		{name: "unknown package", body: gin.H{"package_id": "credits_999", "idempotency_key": "purchase-0003"}, field: "package_id", code: "unknown_package"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/payment-intents", "user-1", "", tc.body)

			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			payload := decodeError(t, rec)
			assert.Equal(t, "validation_error", payload.Type)
			require.Len(t, payload.Errors, 1)
			assert.Equal(t, tc.field, payload.Errors[0].Field)
			assert.Equal(t, tc.code, payload.Errors[0].Code)
		})
	}
	ts.Provider.AssertNotCalled(t, "CreatePaymentIntent", mock.Anything, mock.Anything)
}

func TestConfirmPaymentRequiresKey(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/payments/confirm", "user-1", "", gin.H{"external_payment_ref": "pi_1"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "idempotency_key", payload.Errors[0].Field)
}

func TestContactFeeChargedOnce(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCredits(t, "user-1", 100)

	rec := ts.do(t, http.MethodPost, "/v1/fees/contact", "user-1", "", gin.H{"subject_id": "user-2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var first struct {
		Charged        bool  `json:"charged"`
		AlreadyCharged bool  `json:"already_charged"`
		NewBalance     int64 `json:"new_balance"`
	}
	decodeData(t, rec, &first)
	assert.True(t, first.Charged)
	assert.Equal(t, int64(50), first.NewBalance)

	rec = ts.do(t, http.MethodPost, "/v1/fees/contact", "user-1", "", gin.H{"subject_id": "user-2"})
	require.Equal(t, http.StatusOK, rec.Code)
	var second struct {
		Charged        bool  `json:"charged"`
		AlreadyCharged bool  `json:"already_charged"`
		NewBalance     int64 `json:"new_balance"`
	}
	decodeData(t, rec, &second)
	assert.False(t, second.Charged)
	assert.True(t, second.AlreadyCharged)
	assert.Equal(t, int64(50), second.NewBalance)

	dbtest.AssertCount(t, ts.DB, "SELECT COUNT(*) FROM fee_records WHERE payer_id = ?", 1, "user-1")
}

func TestPlacementFeeInsufficientFunds(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCredits(t, "user-1", 100)

	rec := ts.do(t, http.MethodPost, "/v1/fees/placement", "user-1", "", gin.H{"subject_id": "listing-9"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res struct {
		Charged           bool  `json:"charged"`
		InsufficientFunds bool  `json:"insufficient_funds"`
		NewBalance        int64 `json:"new_balance"`
	}
	decodeData(t, rec, &res)
	assert.False(t, res.Charged)
	assert.True(t, res.InsufficientFunds)
	assert.Equal(t, int64(100), res.NewBalance)
}

func TestCleanupIdempotencyRecords(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	for _, user := range []string{"user-1", "user-2"} {
		_, err := ts.Idempotency.Ensure(ctx, idempotencydomain.EnsureRequest{
			UserID:    user,
			Operation: idempotencydomain.OperationChargeContactFee,
			Amount:    50,
			Context:   "subject-" + user,
		})
		require.NoError(t, err)
	}
	ts.Clock.Advance(25 * time.Hour)

	rec := ts.do(t, http.MethodDelete, "/v1/idempotency-records?maxAgeHours=200", "user-1", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_max_age", decodeError(t, rec).Errors[0].Code)

	rec = ts.do(t, http.MethodDelete, "/v1/idempotency-records?maxAgeHours=abc", "user-1", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/v1/idempotency-records?userId=user-2", "user-1", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/v1/idempotency-records?maxAgeHours=24", "user-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var own idempotencydomain.CleanupResult
	decodeData(t, rec, &own)
	assert.Equal(t, int64(1), own.Deleted)
	assert.Equal(t, "user-1", own.Scope)
	dbtest.AssertCount(t, ts.DB, "SELECT COUNT(*) FROM idempotency_records WHERE user_id = ?", 1, "user-2")

	rec = ts.do(t, http.MethodDelete, "/v1/idempotency-records?userId=user-2", "admin-1", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dbtest.AssertCount(t, ts.DB, "SELECT COUNT(*) FROM idempotency_records", 0)
}

func TestAdminAdjustCredits(t *testing.T) {
	ts := newTestServer(t)
	body := gin.H{"user_id": "user-3", "amount": 300, "reference": "goodwill-1", "description": "goodwill"}

	rec := ts.do(t, http.MethodPost, "/v1/admin/credits/adjust", "user-1", "", body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/admin/credits/adjust", "admin-1", "admin", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res ledgerdomain.AdjustResult
	decodeData(t, rec, &res)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(300), res.NewBalance)

	rec = ts.do(t, http.MethodPost, "/v1/admin/credits/adjust", "admin-1", "admin", gin.H{"user_id": "user-3", "amount": 5, "type": "bonus"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "oneof", decodeError(t, rec).Errors[0].Code)
}

func TestSystemRoleIsNotAcceptedFromHeaders(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodDelete, "/v1/idempotency-records", "user-1", "system", nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPaymentRateLimitDenies(t *testing.T) {
	ts := newTestServer(t)
	limiter := &fakeLimiter{result: ratelimit.Result{Allowed: false, Limit: 5, Remaining: 0, RetryAfter: 2500 * time.Millisecond}}
	ts.server.paymentLimiter = limiter

	rec := ts.do(t, http.MethodPost, "/v1/payment-intents", "user-1", "", gin.H{"amount": 2000, "currency": "usd"})

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
	assert.Equal(t, rateLimitReasonUserRate, rec.Header().Get("X-Rate-Limited-Reason"))
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "rate_limited", decodeError(t, rec).Type)
	assert.Equal(t, 1, limiter.calls)
	ts.Provider.AssertNotCalled(t, "CreatePaymentIntent", mock.Anything, mock.Anything)

	// balance lookups are not rate limited
	rec = ts.do(t, http.MethodGet, "/v1/credits/balance", "user-1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, limiter.calls)
}

func TestPaymentRateLimitFailsClosed(t *testing.T) {
	ts := newTestServer(t)
	ts.server.paymentLimiter = &fakeLimiter{err: errors.New("redis down")}

	rec := ts.do(t, http.MethodPost, "/v1/payments/confirm", "user-1", "", gin.H{"idempotency_key": "k", "external_payment_ref": "pi_1"})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookIngress(t *testing.T) {
	ts := newTestServer(t)
	payload := `{"id":"evt_1","type":"invoice.payment_failed"}`

	ts.Provider.On("ParseWebhook", []byte(payload), mock.Anything).
		Return(&paymentdomain.WebhookEvent{
			ID:      "evt_1",
			Type:    paymentdomain.EventInvoicePaymentFailed,
			Invoice: &paymentdomain.Invoice{ID: "in_1", SubscriptionID: "sub_1"},
		}, nil).Once()

	rec := ts.do(t, http.MethodPost, "/webhooks/stripe", "", "", payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"ok","event_id":"evt_1","result":"processed"}`, rec.Body.String())

	ts.Provider.On("ParseWebhook", []byte(`{"id":"evt_2"}`), mock.Anything).
		Return(nil, fmt.Errorf("stripe: %w", paymentdomain.ErrInvalidSignature)).Once()
	rec = ts.do(t, http.MethodPost, "/webhooks/stripe", "", "", `{"id":"evt_2"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_signature", decodeError(t, rec).Errors[0].Code)

	rec = ts.do(t, http.MethodPost, "/webhooks/paypal", "", "", payload)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookAcknowledgedWhenEventStoreIsDown(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.DB.Exec(`DROP TABLE payment_events`).Error)
	payload := `{"id":"evt_3","type":"invoice.payment_failed"}`

	ts.Provider.On("ParseWebhook", []byte(payload), mock.Anything).
		Return(&paymentdomain.WebhookEvent{
			ID:      "evt_3",
			Type:    paymentdomain.EventInvoicePaymentFailed,
			Invoice: &paymentdomain.Invoice{ID: "in_3"},
		}, nil).Once()

	rec := ts.do(t, http.MethodPost, "/webhooks/stripe", "", "", payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"ok","event_id":"evt_3","result":"failed"}`, rec.Body.String())
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{err: idempotencydomain.ErrIdempotencyKeyConflict, status: http.StatusConflict, kind: "conflict"},
		{err: fmt.Errorf("confirm: %w", paymentdomain.ErrPaymentRefMismatch), status: http.StatusConflict, kind: "conflict"},
		{err: paymentdomain.ErrPaymentUserMismatch, status: http.StatusForbidden, kind: "forbidden"},
		{err: paymentdomain.ErrProviderUnavailable, status: http.StatusServiceUnavailable, kind: "service_unavailable"},
		{err: paymentdomain.ErrProviderNotFound, status: http.StatusNotFound, kind: "not_found"},
		{err: ErrRateLimited, status: http.StatusTooManyRequests, kind: "rate_limited"},
		{err: authorization.ErrInvalidActor, status: http.StatusUnauthorized, kind: "unauthorized"},
		{err: ledgerdomain.ErrInvalidTransactionType, status: http.StatusBadRequest, kind: "validation_error"},
		{err: errors.New("boom"), status: http.StatusInternalServerError, kind: "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			status, payload := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.kind, payload.Type)
		})
	}
}
