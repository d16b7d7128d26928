package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/paysync/internal/accountingmetrics"
	"github.com/smallbiznis/paysync/internal/clock"
	subscriptiondomain "github.com/smallbiznis/paysync/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       subscriptiondomain.Repository
	Clock      clock.Clock                `optional:"true"`
	Accounting accountingmetrics.Recorder `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       subscriptiondomain.Repository
	clock      clock.Clock
	accounting accountingmetrics.Recorder
}

func NewService(p Params) subscriptiondomain.Service {
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
		log:        p.Log.Named("subscription.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      clk,
		accounting: accounting,
	}
}

// Reconcile converges the stored record onto fields. Concurrent calls for
// the same subscription resolve as last write wins.
func (s *Service) Reconcile(ctx context.Context, externalSubscriptionID, userID string, fields subscriptiondomain.Fields) (*subscriptiondomain.Record, error) {
	externalSubscriptionID = strings.TrimSpace(externalSubscriptionID)
	if externalSubscriptionID == "" {
		return nil, subscriptiondomain.ErrInvalidSubscriptionID
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	if !fields.Status.Valid() {
		return nil, subscriptiondomain.ErrInvalidStatus
	}
	if fields.Amount < 0 {
		return nil, subscriptiondomain.ErrInvalidAmount
	}

	planName := strings.TrimSpace(fields.PlanName)
	planType := strings.TrimSpace(fields.PlanType)
	if planType == "" {
		planType = planName
	}

	now := s.clock.Now()
	record := &subscriptiondomain.Record{
		ID:                     s.genID.Generate(),
		ExternalSubscriptionID: externalSubscriptionID,
		UserID:                 userID,
		ExternalCustomerID:     strings.TrimSpace(fields.ExternalCustomerID),
		Status:                 fields.Status,
		PlanName:               planName,
		PlanType:               slug.Make(planType),
		Amount:                 fields.Amount,
		Currency:               strings.ToLower(strings.TrimSpace(fields.Currency)),
		BillingPeriod:          strings.ToLower(strings.TrimSpace(fields.BillingPeriod)),
		StartDate:              calendarDate(fields.PeriodStart),
		EndDate:                calendarDate(fields.PeriodEnd),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.repo.Upsert(ctx, s.db, record); err != nil {
		return nil, err
	}

	stored, err := s.repo.FindByExternalID(ctx, s.db, externalSubscriptionID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if stored.UserID != userID {
		s.log.Warn("reconcile user differs from stored owner; owner kept",
			zap.String("external_subscription_id", externalSubscriptionID),
			zap.String("stored_user_id", stored.UserID),
			zap.String("incoming_user_id", userID),
		)
	}

	s.accounting.RecordSubscriptionReconciled(string(stored.Status))
	s.log.Info("subscription reconciled",
		zap.String("external_subscription_id", externalSubscriptionID),
		zap.String("status", string(stored.Status)),
		zap.String("plan_type", stored.PlanType),
	)
	return stored, nil
}

func (s *Service) MarkCanceled(ctx context.Context, externalSubscriptionID string) error {
	externalSubscriptionID = strings.TrimSpace(externalSubscriptionID)
	if externalSubscriptionID == "" {
		return subscriptiondomain.ErrInvalidSubscriptionID
	}
	updated, err := s.repo.UpdateStatus(ctx, s.db, externalSubscriptionID, subscriptiondomain.StatusCanceled, s.clock.Now())
	if err != nil {
		return err
	}
	if !updated {
		return subscriptiondomain.ErrSubscriptionNotFound
	}
	s.accounting.RecordSubscriptionReconciled(string(subscriptiondomain.StatusCanceled))
	s.log.Info("subscription canceled", zap.String("external_subscription_id", externalSubscriptionID))
	return nil
}

func (s *Service) Get(ctx context.Context, externalSubscriptionID string) (*subscriptiondomain.Record, error) {
	externalSubscriptionID = strings.TrimSpace(externalSubscriptionID)
	if externalSubscriptionID == "" {
		return nil, subscriptiondomain.ErrInvalidSubscriptionID
	}
	record, err := s.repo.FindByExternalID(ctx, s.db, externalSubscriptionID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return record, nil
}

func calendarDate(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	d := subscriptiondomain.CalendarDate(*t)
	return &d
}
