package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	idempotencydomain "github.com/smallbiznis/paysync/internal/idempotency/domain"
	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
	"github.com/smallbiznis/paysync/internal/payment/paymenttest"
	"github.com/smallbiznis/paysync/pkg/db/dbtest"
)

func purchaseParams(amount, credits int64) any {
	return mock.MatchedBy(func(p paymentdomain.PaymentIntentParams) bool {
		return p.Amount == amount &&
			p.Currency == "usd" &&
			p.CustomerID == "cus_1" &&
			p.Metadata.UserID == "user-1" &&
			p.Metadata.Credits == credits &&
			p.IdempotencyKey != "" &&
			p.Metadata.IdempotencyKey == p.IdempotencyKey
	})
}

func succeededIntent(id, userID, key string, credits, amount int64) *paymentdomain.PaymentIntent {
	return &paymentdomain.PaymentIntent{
		ID:             id,
		Status:         paymentdomain.PaymentIntentSucceeded,
		Amount:         amount,
		AmountReceived: amount,
		Currency:       "usd",
		CustomerID:     "cus_1",
		PaymentMethod:  "card",
		Metadata: paymentdomain.SessionMetadata{
			UserID:         userID,
			Credits:        credits,
			IdempotencyKey: key,
		},
	}
}

func createIntent(t *testing.T, stack *paymenttest.Stack) paymentdomain.PaymentIntentResult {
	t.Helper()
	stack.Provider.On("CreateCustomer", mock.Anything, "user-1").Return("cus_1", nil).Once()
	stack.Provider.On("CreatePaymentIntent", mock.Anything, purchaseParams(2000, 1000)).
		Return(&paymentdomain.PaymentIntent{
			ID:           "pi_1",
			Status:       "requires_payment_method",
			Amount:       2000,
			Currency:     "usd",
			CustomerID:   "cus_1",
			ClientSecret: "pi_1_secret",
		}, nil).Once()

	res, err := stack.Payments.CreatePaymentIntent(context.Background(), paymentdomain.CreatePaymentIntentRequest{
		UserID:   "user-1",
		Amount:   2000,
		Currency: "USD",
	})
	require.NoError(t, err)
	return res
}

func TestPurchaseCreditsEndToEnd(t *testing.T) {
	stack := paymenttest.NewStack(t)
	ctx := context.Background()

	intent := createIntent(t, stack)
	assert.Equal(t, "pi_1", intent.PaymentIntentID)
	assert.Equal(t, "pi_1_secret", intent.ClientSecret)
	assert.Equal(t, int64(1000), intent.Credits)
	assert.False(t, intent.Duplicate)
	require.NotEmpty(t, intent.IdempotencyKey)

	record, err := stack.Idempotency.Get(ctx, intent.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, idempotencydomain.StatusProcessing, record.Status)
	require.NotNil(t, record.ExternalPaymentRef)
	assert.Equal(t, "pi_1", *record.ExternalPaymentRef)

	stack.Provider.On("GetPaymentIntent", mock.Anything, "pi_1").
		Return(succeededIntent("pi_1", "user-1", intent.IdempotencyKey, 1000, 2000), nil).Once()

	confirm := paymentdomain.ConfirmPaymentRequest{
		UserID:             "user-1",
		IdempotencyKey:     intent.IdempotencyKey,
		ExternalPaymentRef: "pi_1",
	}
	first, err := stack.Payments.ConfirmPayment(ctx, confirm)
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.False(t, first.Duplicate)
	require.NotNil(t, first.NewBalance)
	assert.Equal(t, int64(1000), *first.NewBalance)
	assert.Equal(t, int64(1000), first.Credits)

	second, err := stack.Payments.ConfirmPayment(ctx, confirm)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.True(t, second.Duplicate)
	require.NotNil(t, second.NewBalance)
	assert.Equal(t, int64(1000), *second.NewBalance)

	balance, err := stack.Ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)

	dbtest.AssertCount(t, stack.DB, `SELECT COUNT(*) FROM credit_transactions WHERE user_id = ?`, 1, "user-1")
	dbtest.AssertCount(t, stack.DB, `SELECT COUNT(*) FROM payment_records WHERE external_payment_ref = ?`, 1, "pi_1")
	dbtest.AssertCount(t, stack.DB, `SELECT COUNT(*) FROM payment_outbox WHERE event_type = ?`, 1, "credits.purchased")

	record, err = stack.Idempotency.Get(ctx, intent.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, idempotencydomain.StatusCompleted, record.Status)

	stack.Provider.AssertExpectations(t)
}

func TestPurchaseKeyCannotOpenCheckoutSession(t *testing.T) {
	stack := paymenttest.NewStack(t)
	ctx := context.Background()

	intent := createIntent(t, stack)
	stack.Provider.On("GetPaymentIntent", mock.Anything, "pi_1").
		Return(succeededIntent("pi_1", "user-1", intent.IdempotencyKey, 1000, 2000), nil).Once()
	_, err := stack.Payments.ConfirmPayment(ctx, paymentdomain.ConfirmPaymentRequest{
		UserID:             "user-1",
		IdempotencyKey:     intent.IdempotencyKey,
		ExternalPaymentRef: "pi_1",
	})
	require.NoError(t, err)

	res, err := stack.Payments.CreateCheckoutSession(ctx, paymentdomain.CreateCheckoutSessionRequest{
		UserID:         "user-1",
		PriceRef:       "price_premium_monthly",
		IdempotencyKey: intent.IdempotencyKey,
	})
	assert.ErrorIs(t, err, idempotencydomain.ErrIdempotencyKeyConflict)
	assert.Empty(t, res.SessionID)
	stack.Provider.AssertNotCalled(t, "CreateCheckoutSession", mock.Anything, mock.Anything)
}

func TestCreatePaymentIntentReplayReturnsExistingIntent(t *testing.T) {
	stack := paymenttest.NewStack(t)
	ctx := context.Background()

	first := createIntent(t, stack)
	stack.Provider.On("GetPaymentIntent", mock.Anything, "pi_1").
		Return(&paymentdomain.PaymentIntent{ID: "pi_1", Status: "requires_payment_method", ClientSecret: "pi_1_secret"}, nil).Once()

	again, err := stack.Payments.CreatePaymentIntent(ctx, paymentdomain.CreatePaymentIntentRequest{
		UserID:   "user-1",
		Amount:   2000,
		Currency: "usd",
	})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.IdempotencyKey, again.IdempotencyKey)
	assert.Equal(t, "pi_1", again.PaymentIntentID)
	assert.Equal(t, "pi_1_secret", again.ClientSecret)

	stack.Provider.AssertNumberOfCalls(t, "CreatePaymentIntent", 1)
	stack.Provider.AssertExpectations(t)
}

func TestCreatePaymentIntentValidation(t *testing.T) {
	stack := paymenttest.NewStack(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  paymentdomain.CreatePaymentIntentRequest
		want error
	}{
		{"missing user", paymentdomain.CreatePaymentIntentRequest{Amount: 2000, Currency: "usd"}, paymentdomain.ErrInvalidUser},
		{"unknown amount", paymentdomain.CreatePaymentIntentRequest{UserID: "user-1", Amount: 1234, Currency: "usd"}, paymentdomain.ErrUnknownPackage},
		{"wrong currency", paymentdomain.CreatePaymentIntentRequest{UserID: "user-1", Amount: 2000, Currency: "eur"}, paymentdomain.ErrUnknownPackage},
		{"missing currency", paymentdomain.CreatePaymentIntentRequest{UserID: "user-1", Amount: 2000}, paymentdomain.ErrInvalidCurrency},
		{"zero amount", paymentdomain.CreatePaymentIntentRequest{UserID: "user-1", Currency: "usd"}, paymentdomain.ErrInvalidAmount},
		{"unknown package", paymentdomain.CreatePaymentIntentRequest{UserID: "user-1", PackageID: "credits_9"}, paymentdomain.ErrUnknownPackage},
		{"package amount mismatch", paymentdomain.CreatePaymentIntentRequest{UserID: "user-1", PackageID: "credits_1000", Amount: 1000}, paymentdomain.ErrInvalidAmount},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := stack.Payments.CreatePaymentIntent(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	stack.Provider.AssertNotCalled(t, "CreatePaymentIntent", mock.Anything, mock.Anything)
	dbtest.AssertCount(t, stack.DB, `SELECT COUNT(*) FROM idempotency_records`, 0)
}

func TestCreatePaymentIntentRetryAfterProviderFailure(t *testing.T) {
	stack := paymenttest.NewStack(t)
	ctx := context.Background()

	stack.Provider.On("CreateCustomer", mock.Anything, "user-1").Return("cus_1", nil).Once()
	stack.Provider.On("CreatePaymentIntent", mock.Anything, purchaseParams(2000, 1000)).
		Return(nil, paymentdomain.ErrProviderUnavailable).Once()

	req := paymentdomain.CreatePaymentIntentRequest{
		UserID:         "user-1",
		PackageID:      "credits_1000",
		IdempotencyKey: "client-key-0001",
	}
	_, err := stack.Payments.CreatePaymentIntent(ctx, req)
	require.ErrorIs(t, err, paymentdomain.ErrProviderUnavailable)

	record, err := stack.Idempotency.Get(ctx, "client-key-0001")
	require.NoError(t, err)
	assert.Equal(t, idempotencydomain.StatusFailed, record.Status)

	stack.Provider.On("CreatePaymentIntent", mock.Anything, purchaseParams(2000, 1000)).
		Return(&paymentdomain.PaymentIntent{ID: "pi_2", ClientSecret: "pi_2_secret"}, nil).Once()

	res, err := stack.Payments.CreatePaymentIntent(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "pi_2", res.PaymentIntentID)
	assert.Equal(t, "client-key-0001", res.IdempotencyKey)

	record, err = stack.Idempotency.Get(ctx, "client-key-0001")
	require.NoError(t, err)
	assert.Equal(t, idempotencydomain.StatusProcessing, record.Status)

	// The customer mapping persisted on the first attempt.
	stack.Provider.AssertNumberOfCalls(t, "CreateCustomer", 1)
	dbtest.AssertCount(t, stack.DB, `SELECT COUNT(*) FROM payment_customers WHERE user_id = ?`, 1, "user-1")
}

func TestConfirmPaymentNotPaid(t *testing.T) {
	stack := paymenttest.NewStack(t)
	ctx := context.Background()
	intent := createIntent(t, stack)

	pending := succeededIntent("pi_1", "user-1", intent.IdempotencyKey, 1000, 2000)
	pending.Status = "requires_payment_method"
	pending.AmountReceived = 0
	stack.Provider.On("GetPaymentIntent", mock.Anything, "pi_1").Return(pending, nil).Once()

	req := paymentdomain.ConfirmPaymentRequest{UserID: "user-1", IdempotencyKey: intent.IdempotencyKey, ExternalPaymentRef: "pi_1"}
	res, err := stack.Payments.ConfirmPayment(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, paymentdomain.ReasonPaymentNotPaid, res.Reason)
	assert.Equal(t, "requires_payment_method", res.PaymentStatus)
	assert.Nil(t, res.NewBalance)

	record, err := stack.Idempotency.Get(ctx, intent.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, idempotencydomain.StatusProcessing, record.Status)

	canceled := *pending
	canceled.Status = paymentdomain.PaymentIntentCanceled
	stack.Provider.On("GetPaymentIntent", mock.Anything, "pi_1").Return(&canceled, nil).Once()

	res, err = stack.Payments.ConfirmPayment(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, paymentdomain.ReasonPaymentNotPaid, res.Reason)

	record, err = stack.Idempotency.Get(ctx, intent.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, idempotencydomain.StatusFailed, record.Status)
	dbtest.AssertCount(t, stack.DB, `SELECT COUNT(*) FROM credit_transactions`, 0)
}

func TestConfirmPaymentRejectsForeignIntent(t *testing.T) {
	stack := paymenttest.NewStack(t)
	ctx := context.Background()
	intent := createIntent(t, stack)

	stack.Provider.On("GetPaymentIntent", mock.Anything, "pi_1").
		Return(succeededIntent("pi_1", "user-2", intent.IdempotencyKey, 1000, 2000), nil).Once()

	_, err := stack.Payments.ConfirmPayment(ctx, paymentdomain.ConfirmPaymentRequest{
		UserID:             "user-1",
		IdempotencyKey:     intent.IdempotencyKey,
		ExternalPaymentRef: "pi_1",
	})
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentUserMismatch)
	dbtest.AssertCount(t, stack.DB, `SELECT COUNT(*) FROM credit_transactions`, 0)
}

func TestConfirmPaymentRejectsDifferentReference(t *testing.T) {
	stack := paymenttest.NewStack(t)
	intent := createIntent(t, stack)

	_, err := stack.Payments.ConfirmPayment(context.Background(), paymentdomain.ConfirmPaymentRequest{
		UserID:             "user-1",
		IdempotencyKey:     intent.IdempotencyKey,
		ExternalPaymentRef: "pi_other",
	})
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentRefMismatch)
	stack.Provider.AssertNotCalled(t, "GetPaymentIntent", mock.Anything, mock.Anything)
}

func TestConfirmPaymentDerivesCreditsFromAmountReceived(t *testing.T) {
	stack := paymenttest.NewStack(t)
	ctx := context.Background()

	verified := succeededIntent("pi_9", "user-1", "", 0, 4500)
	stack.Provider.On("GetPaymentIntent", mock.Anything, "pi_9").Return(verified, nil).Once()

	res, err := stack.Payments.ConfirmPayment(ctx, paymentdomain.ConfirmPaymentRequest{
		UserID:             "user-1",
		ExternalPaymentRef: "pi_9",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(2500), res.Credits)
	require.NotNil(t, res.NewBalance)
	assert.Equal(t, int64(2500), *res.NewBalance)
}

func TestConfirmPaymentProviderFailureIsRetryable(t *testing.T) {
	stack := paymenttest.NewStack(t)
	ctx := context.Background()
	intent := createIntent(t, stack)

	stack.Provider.On("GetPaymentIntent", mock.Anything, "pi_1").Return(nil, errors.New("connection reset")).Once()
	req := paymentdomain.ConfirmPaymentRequest{UserID: "user-1", IdempotencyKey: intent.IdempotencyKey, ExternalPaymentRef: "pi_1"}

	_, err := stack.Payments.ConfirmPayment(ctx, req)
	require.Error(t, err)
	record, err := stack.Idempotency.Get(ctx, intent.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, idempotencydomain.StatusFailed, record.Status)

	stack.Provider.On("GetPaymentIntent", mock.Anything, "pi_1").
		Return(succeededIntent("pi_1", "user-1", intent.IdempotencyKey, 1000, 2000), nil).Once()
	res, err := stack.Payments.ConfirmPayment(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Duplicate)
	dbtest.AssertCount(t, stack.DB, `SELECT COUNT(*) FROM credit_transactions`, 1)
}

func TestSettlePaymentIntentThenConfirmReplays(t *testing.T) {
	stack := paymenttest.NewStack(t)
	ctx := context.Background()
	intent := createIntent(t, stack)

	verified := succeededIntent("pi_1", "user-1", intent.IdempotencyKey, 1000, 2000)
	settled, err := stack.Payments.SettlePaymentIntent(ctx, stack.Provider, "user-1", verified)
	require.NoError(t, err)
	assert.True(t, settled.Success)

	// A second delivery finds the key completed.
	again, err := stack.Payments.SettlePaymentIntent(ctx, stack.Provider, "user-1", verified)
	require.NoError(t, err)
	assert.False(t, again.Success)

	res, err := stack.Payments.ConfirmPayment(ctx, paymentdomain.ConfirmPaymentRequest{
		UserID:             "user-1",
		IdempotencyKey:     intent.IdempotencyKey,
		ExternalPaymentRef: "pi_1",
	})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	require.NotNil(t, res.NewBalance)
	assert.Equal(t, int64(1000), *res.NewBalance)

	stack.Provider.AssertNotCalled(t, "GetPaymentIntent", mock.Anything, mock.Anything)
	dbtest.AssertCount(t, stack.DB, `SELECT COUNT(*) FROM credit_transactions`, 1)
	dbtest.AssertCount(t, stack.DB, `SELECT COUNT(*) FROM payment_records`, 1)
}

func TestCreateCheckoutSession(t *testing.T) {
	stack := paymenttest.NewStack(t)
	ctx := context.Background()
	stack.Provider.On("CreateCustomer", mock.Anything, "user-1").Return("cus_1", nil).Once()

	stack.Provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(p paymentdomain.CheckoutSessionParams) bool {
		return p.Mode == paymentdomain.CheckoutModeSubscription &&
			p.PriceRef == "price_premium" &&
			p.Metadata.UserID == "user-1" &&
			p.Extra["campaign"] == "spring"
	})).Return(&paymentdomain.CheckoutSession{ID: "cs_sub", URL: "https://checkout.test/cs_sub"}, nil).Once()

	req := paymentdomain.CreateCheckoutSessionRequest{
		UserID:   "user-1",
		PriceRef: "price_premium",
		Metadata: map[string]string{"campaign": "spring"},
	}
	res, err := stack.Payments.CreateCheckoutSession(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "cs_sub", res.SessionID)
	assert.Equal(t, "subscription", res.Mode)
	assert.False(t, res.Duplicate)

	again, err := stack.Payments.CreateCheckoutSession(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, "https://checkout.test/cs_sub", again.URL)

	stack.Provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(p paymentdomain.CheckoutSessionParams) bool {
		return p.Mode == paymentdomain.CheckoutModePayment &&
			p.Package != nil && p.Package.Amount == 1000 &&
			p.Metadata.Credits == 500 &&
			p.Metadata.IdempotencyKey != ""
	})).Return(&paymentdomain.CheckoutSession{ID: "cs_pay", URL: "https://checkout.test/cs_pay"}, nil).Once()

	pay, err := stack.Payments.CreateCheckoutSession(ctx, paymentdomain.CreateCheckoutSessionRequest{
		UserID:   "user-1",
		PriceRef: "credits_500",
	})
	require.NoError(t, err)
	assert.Equal(t, "payment", pay.Mode)
	dbtest.AssertCount(t, stack.DB,
		`SELECT COUNT(*) FROM idempotency_records WHERE operation = ? AND status = ?`, 1,
		string(idempotencydomain.OperationPurchaseCredits), string(idempotencydomain.StatusPending))

	stack.Provider.AssertNumberOfCalls(t, "CreateCustomer", 1)
	stack.Provider.AssertExpectations(t)
}
