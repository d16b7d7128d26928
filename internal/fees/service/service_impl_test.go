package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/paysync/internal/config"
	feedomain "github.com/smallbiznis/paysync/internal/fees/domain"
	feerepository "github.com/smallbiznis/paysync/internal/fees/repository"
	feeservice "github.com/smallbiznis/paysync/internal/fees/service"
	idempotencydomain "github.com/smallbiznis/paysync/internal/idempotency/domain"
	idempotencyrepository "github.com/smallbiznis/paysync/internal/idempotency/repository"
	idempotencyservice "github.com/smallbiznis/paysync/internal/idempotency/service"
	ledgerdomain "github.com/smallbiznis/paysync/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/paysync/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/paysync/internal/ledger/service"
	"github.com/smallbiznis/paysync/pkg/db/dbtest"
)

type fixture struct {
	db     *gorm.DB
	ledger ledgerdomain.Service
	fees   feedomain.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := dbtest.Open(t)
	node, err := snowflake.NewNode(10)
	require.NoError(t, err)

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  ledgerrepository.Provide(),
	})
	idem, err := idempotencyservice.NewService(idempotencyservice.Params{
		DB:   db,
		Log:  zap.NewNop(),
		Repo: idempotencyrepository.Provide(),
	})
	require.NoError(t, err)

	fees := feeservice.NewService(feeservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Repo:        feerepository.Provide(),
		LedgerSvc:   ledger,
		Catalog:     config.NewStaticCatalogHolder(config.DefaultCatalog()),
		Idempotency: idem,
	})
	return fixture{db: db, ledger: ledger, fees: fees}
}

func (f fixture) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), ledgerdomain.CreditRequest{
		UserID:      userID,
		Amount:      amount,
		Type:        ledgerdomain.TransactionTypePurchase,
		ExternalRef: "pi_seed_" + userID,
	})
	require.NoError(t, err)
}

func TestContactFeeChargedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "sponsor-1", 500)

	first, err := f.fees.ChargeContactFee(ctx, feedomain.ChargeRequest{PayerID: "sponsor-1", SubjectID: "maid-9"})
	require.NoError(t, err)
	assert.True(t, first.Charged)
	assert.False(t, first.AlreadyCharged)
	assert.Equal(t, int64(50), first.Amount)
	assert.Equal(t, int64(450), first.NewBalance)

	second, err := f.fees.ChargeContactFee(ctx, feedomain.ChargeRequest{PayerID: "sponsor-1", SubjectID: "maid-9"})
	require.NoError(t, err)
	assert.False(t, second.Charged)
	assert.True(t, second.AlreadyCharged)
	assert.Equal(t, int64(450), second.NewBalance)

	dbtest.AssertCount(t, f.db, "SELECT COUNT(1) FROM credit_transactions WHERE transaction_type = 'charge'", 1)
	dbtest.AssertCount(t, f.db, "SELECT COUNT(1) FROM fee_records", 1)

	paid, err := f.fees.HasPaid(ctx, "sponsor-1", "maid-9", feedomain.FeeTypeContact)
	require.NoError(t, err)
	assert.True(t, paid)
	paid, err = f.fees.HasPaid(ctx, "sponsor-1", "maid-9", feedomain.FeeTypePlacement)
	require.NoError(t, err)
	assert.False(t, paid)
}

func TestConcurrentFeeChargesDebitOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "sponsor-1", 1000)

	const workers = 5
	var wg sync.WaitGroup
	results := make(chan feedomain.ChargeResult, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.fees.ChargePlacementFee(ctx, feedomain.ChargeRequest{PayerID: "sponsor-1", SubjectID: "maid-1"})
			assert.NoError(t, err)
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	charged := 0
	for res := range results {
		if res.Charged {
			charged++
		} else {
			assert.True(t, res.AlreadyCharged)
		}
	}
	assert.Equal(t, 1, charged)

	balance, err := f.ledger.Balance(ctx, "sponsor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(800), balance)
	dbtest.AssertCount(t, f.db, "SELECT COUNT(1) FROM credit_transactions WHERE transaction_type = 'charge'", 1)
}

func TestFeeInsufficientFundsLeavesNoRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "sponsor-1", 30)

	res, err := f.fees.ChargeContactFee(ctx, feedomain.ChargeRequest{PayerID: "sponsor-1", SubjectID: "maid-2"})
	require.NoError(t, err)
	assert.True(t, res.InsufficientFunds)
	assert.False(t, res.Charged)
	assert.Equal(t, int64(30), res.NewBalance)

	dbtest.AssertCount(t, f.db, "SELECT COUNT(1) FROM fee_records", 0)
}

func TestFeeIdempotencyKeyReplaysFirstResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "sponsor-1", 40)

	req := feedomain.ChargeRequest{PayerID: "sponsor-1", SubjectID: "maid-3", IdempotencyKey: "fee-request-0001"}
	res, err := f.fees.ChargeContactFee(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.InsufficientFunds)

	// The failed key re-arms after a top-up.
	_, err = f.ledger.Credit(ctx, ledgerdomain.CreditRequest{UserID: "sponsor-1", Amount: 100, Type: ledgerdomain.TransactionTypePurchase, ExternalRef: "pi_topup"})
	require.NoError(t, err)

	res, err = f.fees.ChargeContactFee(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Charged)
	assert.Equal(t, int64(90), res.NewBalance)

	replay, err := f.fees.ChargeContactFee(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.True(t, replay.Charged)
	assert.Equal(t, res.FeeID, replay.FeeID)
	assert.Equal(t, int64(90), replay.NewBalance)

	dbtest.AssertCount(t, f.db, "SELECT COUNT(1) FROM fee_records", 1)
}

func TestFeeKeyFromAnotherFeeTypeConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "sponsor-1", 500)

	req := feedomain.ChargeRequest{PayerID: "sponsor-1", SubjectID: "maid-4", IdempotencyKey: "fee-request-0002"}
	res, err := f.fees.ChargeContactFee(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Charged)

	_, err = f.fees.ChargePlacementFee(ctx, req)
	assert.ErrorIs(t, err, idempotencydomain.ErrIdempotencyKeyConflict)

	balance, err := f.ledger.Balance(ctx, "sponsor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(450), balance)
	dbtest.AssertCount(t, f.db, "SELECT COUNT(1) FROM fee_records", 1)
}

func TestFeeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.fees.ChargeContactFee(ctx, feedomain.ChargeRequest{SubjectID: "maid-1"})
	assert.ErrorIs(t, err, feedomain.ErrInvalidPayer)
	_, err = f.fees.ChargeContactFee(ctx, feedomain.ChargeRequest{PayerID: "sponsor-1"})
	assert.ErrorIs(t, err, feedomain.ErrInvalidSubject)
	_, err = f.fees.ChargeContactFee(ctx, feedomain.ChargeRequest{PayerID: "sponsor-1", SubjectID: "sponsor-1"})
	assert.ErrorIs(t, err, feedomain.ErrInvalidSubject)
}
