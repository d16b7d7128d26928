package service

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paysync/internal/accountingmetrics"
	"github.com/smallbiznis/paysync/internal/clock"
	"github.com/smallbiznis/paysync/internal/events"
	ledgerdomain "github.com/smallbiznis/paysync/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/paysync/internal/observability/metrics"
	"github.com/smallbiznis/paysync/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       ledgerdomain.Repository
	Clock      clock.Clock                `optional:"true"`
	Outbox     *events.Outbox             `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
	Accounting accountingmetrics.Recorder `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       ledgerdomain.Repository
	clock      clock.Clock
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
	accounting accountingmetrics.Recorder
}

var errDuplicateDebit = errors.New("duplicate_debit")

func NewService(p Params) ledgerdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	accounting := p.Accounting
	if accounting == nil {
		accounting = accountingmetrics.Noop{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      clk,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
		accounting: accounting,
	}
}

func (s *Service) Credit(ctx context.Context, req ledgerdomain.CreditRequest) (ledgerdomain.CreditResult, error) {
	var result ledgerdomain.CreditResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.CreditTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return ledgerdomain.CreditResult{}, err
	}
	return result, nil
}

// CreditTx upserts the account, appends the transaction, and increments the
// balance only when the append inserted a row.
func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.CreditRequest) (ledgerdomain.CreditResult, error) {
	if tx == nil {
		return ledgerdomain.CreditResult{}, ledgerdomain.ErrMissingTransaction
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return ledgerdomain.CreditResult{}, ledgerdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return ledgerdomain.CreditResult{}, ledgerdomain.ErrInvalidAmount
	}
	switch req.Type {
	case ledgerdomain.TransactionTypePurchase, ledgerdomain.TransactionTypeRefund, ledgerdomain.TransactionTypeAdjustment:
	default:
		return ledgerdomain.CreditResult{}, ledgerdomain.ErrInvalidTransactionType
	}

	now := s.clock.Now()
	if err := s.repo.EnsureAccount(ctx, tx, userID, now); err != nil {
		return ledgerdomain.CreditResult{}, err
	}

	txn := &ledgerdomain.Transaction{
		ID:                 s.genID.Generate(),
		UserID:             userID,
		Amount:             req.Amount,
		TransactionType:    req.Type,
		Description:        strings.TrimSpace(req.Description),
		ExternalPaymentRef: optionalString(req.ExternalRef),
		CreatedAt:          now,
	}
	inserted, err := s.repo.InsertTransaction(ctx, tx, txn)
	if err != nil {
		return ledgerdomain.CreditResult{}, err
	}

	if inserted {
		if err := s.repo.Increment(ctx, tx, userID, req.Amount, now); err != nil {
			return ledgerdomain.CreditResult{}, err
		}
		if req.Type == ledgerdomain.TransactionTypePurchase && s.outbox != nil && txn.ExternalPaymentRef != nil {
			if err := s.publishPurchased(ctx, tx, txn, req); err != nil {
				return ledgerdomain.CreditResult{}, err
			}
		}
	}

	balance, _, err := s.repo.Balance(ctx, tx, userID)
	if err != nil {
		return ledgerdomain.CreditResult{}, err
	}

	if !inserted {
		s.log.Debug("credit replay ignored",
			zap.String("user_id", userID),
			zap.String("transaction_type", string(req.Type)),
			zap.String("external_payment_ref", req.ExternalRef),
		)
		return ledgerdomain.CreditResult{NewBalance: balance}, nil
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(req.Type))
	}
	s.accounting.RecordCreditsGranted(string(req.Type), req.Amount)
	s.log.Info("credits granted",
		zap.String("user_id", userID),
		zap.String("transaction_type", string(req.Type)),
		zap.Int64("amount", req.Amount),
		zap.Int64("new_balance", balance),
	)
	return ledgerdomain.CreditResult{NewBalance: balance, Applied: true, TransactionID: txn.ID}, nil
}

func (s *Service) publishPurchased(ctx context.Context, tx *gorm.DB, txn *ledgerdomain.Transaction, req ledgerdomain.CreditRequest) error {
	payload := events.CreditsPurchasedPayload{
		TransactionID:      txn.ID.String(),
		UserID:             txn.UserID,
		CoinsPurchased:     txn.Amount,
		Provider:           req.Provider,
		ProductID:          req.PackageID,
		ExternalPaymentRef: *txn.ExternalPaymentRef,
		OccurredAt:         txn.CreatedAt,
	}
	_, err := s.outbox.PublishTx(ctx, tx, events.Event{
		AggregateID: txn.UserID,
		Type:        events.EventCreditsPurchased,
		Payload:     payload.ToMap(),
		DedupeKey:   events.CreditsPurchasedDedupeKey(txn.UserID, *txn.ExternalPaymentRef),
	})
	return err
}

func (s *Service) Debit(ctx context.Context, req ledgerdomain.DebitRequest) (ledgerdomain.DebitResult, error) {
	var result ledgerdomain.DebitResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.DebitTx(ctx, tx, req)
		if err != nil {
			return err
		}
		if !result.Success {
			return errNoDebit
		}
		return nil
	})
	if errors.Is(err, errNoDebit) {
		return result, nil
	}
	if errors.Is(err, errDuplicateDebit) || db.IsDuplicateKeyErr(err) {
		return s.duplicateDebitResult(ctx, req.UserID)
	}
	if err != nil {
		return ledgerdomain.DebitResult{}, err
	}
	return result, nil
}

var errNoDebit = errors.New("no_debit")

// DebitTx runs the conditional decrement and appends the transaction row.
// An unsuccessful result leaves tx untouched so callers may commit or roll back.
func (s *Service) DebitTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.DebitRequest) (ledgerdomain.DebitResult, error) {
	if tx == nil {
		return ledgerdomain.DebitResult{}, ledgerdomain.ErrMissingTransaction
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return ledgerdomain.DebitResult{}, ledgerdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return ledgerdomain.DebitResult{}, ledgerdomain.ErrInvalidAmount
	}
	switch req.Type {
	case ledgerdomain.TransactionTypeCharge, ledgerdomain.TransactionTypeAdjustment:
	default:
		return ledgerdomain.DebitResult{}, ledgerdomain.ErrInvalidTransactionType
	}

	ref := strings.TrimSpace(req.ExternalRef)
	if ref != "" {
		exists, err := s.repo.TransactionExists(ctx, tx, userID, req.Type, ref)
		if err != nil {
			return ledgerdomain.DebitResult{}, err
		}
		if exists {
			balance, _, err := s.repo.Balance(ctx, tx, userID)
			if err != nil {
				return ledgerdomain.DebitResult{}, err
			}
			return ledgerdomain.DebitResult{NewBalance: balance, Duplicate: true}, nil
		}
	}

	now := s.clock.Now()
	ok, err := s.repo.DecrementIfSufficient(ctx, tx, userID, req.Amount, now)
	if err != nil {
		return ledgerdomain.DebitResult{}, err
	}
	if !ok {
		balance, _, err := s.repo.Balance(ctx, tx, userID)
		if err != nil {
			return ledgerdomain.DebitResult{}, err
		}
		s.log.Info("debit rejected",
			zap.String("user_id", userID),
			zap.Int64("amount", req.Amount),
			zap.Int64("balance", balance),
			zap.String("reason", ledgerdomain.ReasonInsufficientFunds),
		)
		return ledgerdomain.DebitResult{NewBalance: balance, Reason: ledgerdomain.ReasonInsufficientFunds}, nil
	}

	txn := &ledgerdomain.Transaction{
		ID:                 s.genID.Generate(),
		UserID:             userID,
		Amount:             -req.Amount,
		TransactionType:    req.Type,
		Description:        strings.TrimSpace(req.Description),
		ExternalPaymentRef: optionalString(ref),
		CreatedAt:          now,
	}
	inserted, err := s.repo.InsertTransaction(ctx, tx, txn)
	if err != nil {
		return ledgerdomain.DebitResult{}, err
	}
	if !inserted {
		// A concurrent debit with the same reference won; undo by rolling back.
		return ledgerdomain.DebitResult{}, errDuplicateDebit
	}

	balance, _, err := s.repo.Balance(ctx, tx, userID)
	if err != nil {
		return ledgerdomain.DebitResult{}, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(req.Type))
	}
	s.accounting.RecordCreditsDebited(string(req.Type), req.Amount)
	return ledgerdomain.DebitResult{Success: true, NewBalance: balance, TransactionID: txn.ID}, nil
}

func (s *Service) duplicateDebitResult(ctx context.Context, userID string) (ledgerdomain.DebitResult, error) {
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return ledgerdomain.DebitResult{}, err
	}
	return ledgerdomain.DebitResult{NewBalance: balance, Duplicate: true}, nil
}

func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, ledgerdomain.ErrInvalidUser
	}
	balance, _, err := s.repo.Balance(ctx, s.db, userID)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Adjust credits a positive amount or debits a negative one. Reference, when
// set, makes the adjustment safe to retry.
func (s *Service) Adjust(ctx context.Context, req ledgerdomain.AdjustRequest) (ledgerdomain.AdjustResult, error) {
	txType := req.Type
	if txType == "" {
		txType = ledgerdomain.TransactionTypeAdjustment
	}
	switch {
	case req.Amount == 0:
		return ledgerdomain.AdjustResult{}, ledgerdomain.ErrInvalidAmount
	case txType == ledgerdomain.TransactionTypeRefund && req.Amount < 0:
		return ledgerdomain.AdjustResult{}, ledgerdomain.ErrInvalidAmount
	case txType != ledgerdomain.TransactionTypeAdjustment && txType != ledgerdomain.TransactionTypeRefund:
		return ledgerdomain.AdjustResult{}, ledgerdomain.ErrInvalidTransactionType
	}

	if req.Amount > 0 {
		res, err := s.Credit(ctx, ledgerdomain.CreditRequest{
			UserID:      req.UserID,
			Amount:      req.Amount,
			Type:        txType,
			Description: req.Description,
			ExternalRef: req.Reference,
		})
		if err != nil {
			return ledgerdomain.AdjustResult{}, err
		}
		return ledgerdomain.AdjustResult{
			Applied:       res.Applied,
			NewBalance:    res.NewBalance,
			TransactionID: idString(res.TransactionID),
		}, nil
	}

	res, err := s.Debit(ctx, ledgerdomain.DebitRequest{
		UserID:      req.UserID,
		Amount:      -req.Amount,
		Type:        txType,
		Description: req.Description,
		ExternalRef: req.Reference,
	})
	if err != nil {
		return ledgerdomain.AdjustResult{}, err
	}
	return ledgerdomain.AdjustResult{
		Applied:           res.Success,
		NewBalance:        res.NewBalance,
		InsufficientFunds: res.Reason == ledgerdomain.ReasonInsufficientFunds,
		TransactionID:     idString(res.TransactionID),
	}, nil
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func idString(id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(int64(id), 10)
}
