package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paysync/internal/accountingmetrics"
	"github.com/smallbiznis/paysync/internal/clock"
	"github.com/smallbiznis/paysync/internal/config"
	feedomain "github.com/smallbiznis/paysync/internal/fees/domain"
	idempotencydomain "github.com/smallbiznis/paysync/internal/idempotency/domain"
	ledgerdomain "github.com/smallbiznis/paysync/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/paysync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Repo        feedomain.Repository
	LedgerSvc   ledgerdomain.Service
	Catalog     *config.CatalogHolder
	Idempotency idempotencydomain.Service  `optional:"true"`
	Clock       clock.Clock                `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics        `optional:"true"`
	Accounting  accountingmetrics.Recorder `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        feedomain.Repository
	ledgerSvc   ledgerdomain.Service
	catalog     *config.CatalogHolder
	idempotency idempotencydomain.Service
	clock       clock.Clock
	obsMetrics  *obsmetrics.Metrics
	accounting  accountingmetrics.Recorder
}

var (
	errAlreadyCharged    = errors.New("already_charged")
	errInsufficientFunds = errors.New("insufficient_funds")
)

func NewService(p Params) feedomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	accounting := p.Accounting
	if accounting == nil {
		accounting = accountingmetrics.Noop{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("fees.service"),
		genID:       p.GenID,
		repo:        p.Repo,
		ledgerSvc:   p.LedgerSvc,
		catalog:     p.Catalog,
		idempotency: p.Idempotency,
		clock:       clk,
		obsMetrics:  p.ObsMetrics,
		accounting:  accounting,
	}
}

func (s *Service) ChargeContactFee(ctx context.Context, req feedomain.ChargeRequest) (feedomain.ChargeResult, error) {
	return s.chargeWithKey(ctx, feedomain.FeeTypeContact, req)
}

func (s *Service) ChargePlacementFee(ctx context.Context, req feedomain.ChargeRequest) (feedomain.ChargeResult, error) {
	return s.chargeWithKey(ctx, feedomain.FeeTypePlacement, req)
}

func (s *Service) HasPaid(ctx context.Context, payerID, subjectID string, feeType feedomain.FeeType) (bool, error) {
	payerID = strings.TrimSpace(payerID)
	subjectID = strings.TrimSpace(subjectID)
	if payerID == "" {
		return false, feedomain.ErrInvalidPayer
	}
	if subjectID == "" {
		return false, feedomain.ErrInvalidSubject
	}
	return s.repo.Exists(ctx, s.db, payerID, subjectID, feeType)
}

func (s *Service) chargeWithKey(ctx context.Context, feeType feedomain.FeeType, req feedomain.ChargeRequest) (feedomain.ChargeResult, error) {
	payerID := strings.TrimSpace(req.PayerID)
	subjectID := strings.TrimSpace(req.SubjectID)
	if payerID == "" {
		return feedomain.ChargeResult{}, feedomain.ErrInvalidPayer
	}
	if subjectID == "" || subjectID == payerID {
		return feedomain.ChargeResult{}, feedomain.ErrInvalidSubject
	}
	amount, err := s.feeAmount(feeType)
	if err != nil {
		return feedomain.ChargeResult{}, err
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" || s.idempotency == nil {
		return s.charge(ctx, feeType, payerID, subjectID, amount)
	}

	ensured, err := s.idempotency.Ensure(ctx, idempotencydomain.EnsureRequest{
		UserID:    payerID,
		Operation: operationFor(feeType),
		Amount:    amount,
		Context:   subjectID,
		Key:       key,
	})
	if err != nil {
		return feedomain.ChargeResult{}, err
	}
	if ensured.IsDuplicate {
		var cached feedomain.ChargeResult
		if err := ensured.DecodeResult(&cached); err != nil {
			return feedomain.ChargeResult{}, fmt.Errorf("decode cached fee result: %w", err)
		}
		cached.Replayed = true
		return cached, nil
	}

	result, err := s.charge(ctx, feeType, payerID, subjectID, amount)
	switch {
	case err != nil:
		if _, failErr := s.idempotency.Fail(ctx, ensured.Key, err.Error()); failErr != nil {
			s.log.Warn("mark fee idempotency failed", zap.Error(failErr))
		}
		return feedomain.ChargeResult{}, err
	case result.InsufficientFunds:
		// Leave the key retryable once the payer tops up.
		if _, failErr := s.idempotency.Fail(ctx, ensured.Key, errInsufficientFunds.Error()); failErr != nil {
			s.log.Warn("mark fee idempotency failed", zap.Error(failErr))
		}
	default:
		if _, completeErr := s.idempotency.Complete(ctx, ensured.Key, result); completeErr != nil {
			s.log.Warn("complete fee idempotency failed", zap.Error(completeErr))
		}
	}
	return result, nil
}

// charge checks for an existing fee, then debits and records it in one
// transaction. Losing the insert race rolls the debit back.
func (s *Service) charge(ctx context.Context, feeType feedomain.FeeType, payerID, subjectID string, amount int64) (feedomain.ChargeResult, error) {
	exists, err := s.repo.Exists(ctx, s.db, payerID, subjectID, feeType)
	if err != nil {
		return feedomain.ChargeResult{}, err
	}
	if exists {
		return s.alreadyCharged(ctx, feeType, payerID, amount)
	}

	var result feedomain.ChargeResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		debit, err := s.ledgerSvc.DebitTx(ctx, tx, ledgerdomain.DebitRequest{
			UserID:      payerID,
			Amount:      amount,
			Type:        ledgerdomain.TransactionTypeCharge,
			Description: fmt.Sprintf("%s fee for %s", feeType, subjectID),
		})
		if err != nil {
			return err
		}
		if !debit.Success {
			result = feedomain.ChargeResult{InsufficientFunds: true, NewBalance: debit.NewBalance, Amount: amount}
			return errInsufficientFunds
		}

		record := &feedomain.Record{
			ID:                  s.genID.Generate(),
			FeeType:             feeType,
			PayerID:             payerID,
			SubjectID:           subjectID,
			Amount:              amount,
			CreditTransactionID: debit.TransactionID,
			CreatedAt:           s.clock.Now(),
		}
		inserted, err := s.repo.Insert(ctx, tx, record)
		if err != nil {
			return err
		}
		if !inserted {
			return errAlreadyCharged
		}
		result = feedomain.ChargeResult{
			Charged:    true,
			NewBalance: debit.NewBalance,
			Amount:     amount,
			FeeID:      record.ID.String(),
		}
		return nil
	})

	switch {
	case errors.Is(err, errInsufficientFunds):
		s.recordOutcome(ctx, feeType, "insufficient_funds")
		s.log.Info("fee rejected for insufficient funds",
			zap.String("fee_type", string(feeType)),
			zap.String("payer_id", payerID),
			zap.Int64("amount", amount),
		)
		return result, nil
	case errors.Is(err, errAlreadyCharged):
		return s.alreadyCharged(ctx, feeType, payerID, amount)
	case err != nil:
		return feedomain.ChargeResult{}, err
	}

	s.recordOutcome(ctx, feeType, "charged")
	s.accounting.RecordFeeCharged(string(feeType), amount)
	s.log.Info("fee charged",
		zap.String("fee_type", string(feeType)),
		zap.String("payer_id", payerID),
		zap.String("subject_id", subjectID),
		zap.Int64("amount", amount),
	)
	return result, nil
}

func (s *Service) alreadyCharged(ctx context.Context, feeType feedomain.FeeType, payerID string, amount int64) (feedomain.ChargeResult, error) {
	balance, err := s.ledgerSvc.Balance(ctx, payerID)
	if err != nil {
		return feedomain.ChargeResult{}, err
	}
	s.recordOutcome(ctx, feeType, "already_charged")
	return feedomain.ChargeResult{AlreadyCharged: true, NewBalance: balance, Amount: amount}, nil
}

func (s *Service) feeAmount(feeType feedomain.FeeType) (int64, error) {
	if s.catalog == nil {
		return 0, feedomain.ErrFeeNotConfigured
	}
	fees := s.catalog.Get().Fees
	var amount int64
	switch feeType {
	case feedomain.FeeTypeContact:
		amount = fees.ContactCredits
	case feedomain.FeeTypePlacement:
		amount = fees.PlacementCredits
	default:
		return 0, feedomain.ErrInvalidFeeType
	}
	if amount <= 0 {
		return 0, feedomain.ErrFeeNotConfigured
	}
	return amount, nil
}

func (s *Service) recordOutcome(ctx context.Context, feeType feedomain.FeeType, outcome string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordFeeCharge(ctx, string(feeType), outcome)
}

func operationFor(feeType feedomain.FeeType) idempotencydomain.Operation {
	if feeType == feedomain.FeeTypePlacement {
		return idempotencydomain.OperationChargePlacementFee
	}
	return idempotencydomain.OperationChargeContactFee
}
