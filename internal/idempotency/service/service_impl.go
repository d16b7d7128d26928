package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/paysync/internal/clock"
	"github.com/smallbiznis/paysync/internal/config"
	"github.com/smallbiznis/paysync/internal/idempotency/domain"
	obsmetrics "github.com/smallbiznis/paysync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Repo       domain.Repository
	Clock      clock.Clock
	Cfg        config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	repo       domain.Repository
	clock      clock.Clock
	hasher     *keyHasher
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) (domain.Service, error) {
	hasher, err := newKeyHasher(p.Cfg.Idempotency.KeySecret)
	if err != nil {
		return nil, err
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("idempotency.service"),
		repo:       p.Repo,
		clock:      clk,
		hasher:     hasher,
		obsMetrics: p.ObsMetrics,
	}, nil
}

func (s *Service) DeriveKey(userID string, operation domain.Operation, amount int64, context string) string {
	return s.hasher.derive(strings.TrimSpace(userID), operation, amount, context)
}

func (s *Service) Ensure(ctx context.Context, req domain.EnsureRequest) (domain.EnsureResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return domain.EnsureResult{}, domain.ErrInvalidUser
	}
	if !req.Operation.Valid() {
		return domain.EnsureResult{}, domain.ErrInvalidOperation
	}
	if req.Amount < 0 {
		return domain.EnsureResult{}, domain.ErrInvalidAmount
	}

	key := strings.TrimSpace(req.Key)
	if key == "" {
		key = s.DeriveKey(userID, req.Operation, req.Amount, req.Context)
	} else if !validKey(key) {
		return domain.EnsureResult{}, domain.ErrInvalidKey
	}

	// A second pass covers a row swept between the conflicting insert and the read.
	for attempt := 0; attempt < 2; attempt++ {
		now := s.clock.Now()
		inserted, err := s.repo.Insert(ctx, s.db, &domain.Record{
			Key:       key,
			UserID:    userID,
			Operation: req.Operation,
			Amount:    req.Amount,
			Status:    domain.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return domain.EnsureResult{}, err
		}
		if inserted {
			s.record(ctx, req.Operation, "fresh")
			return domain.EnsureResult{Key: key}, nil
		}

		existing, err := s.repo.FindByKey(ctx, s.db, key)
		if err != nil {
			return domain.EnsureResult{}, err
		}
		if existing == nil {
			continue
		}
		return s.resolveExisting(ctx, userID, req.Operation, existing)
	}
	return domain.EnsureResult{}, domain.ErrRecordNotFound
}

func (s *Service) resolveExisting(ctx context.Context, userID string, operation domain.Operation, existing *domain.Record) (domain.EnsureResult, error) {
	if existing.UserID != userID {
		s.record(ctx, operation, "conflict")
		s.log.Info("idempotency key owned by another user",
			zap.String("operation", string(operation)),
			zap.String("user_id", userID),
		)
		return domain.EnsureResult{}, domain.ErrIdempotencyKeyConflict
	}
	if !existing.Operation.Resumes(operation) {
		s.record(ctx, operation, "conflict")
		s.log.Info("idempotency key reused for another operation",
			zap.String("operation", string(operation)),
			zap.String("recorded_operation", string(existing.Operation)),
			zap.String("user_id", userID),
		)
		return domain.EnsureResult{}, domain.ErrIdempotencyKeyConflict
	}

	switch existing.Status {
	case domain.StatusCompleted:
		s.record(ctx, operation, "duplicate")
		return domain.EnsureResult{
			Key:          existing.Key,
			IsDuplicate:  true,
			CachedResult: existing.Result,
			Record:       existing,
		}, nil
	case domain.StatusFailed:
		rearmed, err := s.repo.Rearm(ctx, s.db, existing.Key, s.clock.Now())
		if err != nil {
			return domain.EnsureResult{}, err
		}
		if rearmed {
			s.record(ctx, operation, "rearmed")
			s.log.Debug("idempotency record re-armed", zap.String("operation", string(operation)))
			existing.Status = domain.StatusPending
			existing.FailureReason = nil
			return domain.EnsureResult{Key: existing.Key, Rearmed: true, Record: existing}, nil
		}
		// Another caller moved the record first; classify its new state.
		current, err := s.repo.FindByKey(ctx, s.db, existing.Key)
		if err != nil {
			return domain.EnsureResult{}, err
		}
		if current == nil {
			return domain.EnsureResult{}, domain.ErrRecordNotFound
		}
		if current.Status == domain.StatusCompleted {
			s.record(ctx, operation, "duplicate")
			return domain.EnsureResult{Key: current.Key, IsDuplicate: true, CachedResult: current.Result, Record: current}, nil
		}
		s.record(ctx, operation, "in_flight")
		return domain.EnsureResult{Key: current.Key, InFlight: true, Record: current}, nil
	default:
		s.record(ctx, operation, "in_flight")
		return domain.EnsureResult{Key: existing.Key, InFlight: true, Record: existing}, nil
	}
}

func (s *Service) AttachExternalRef(ctx context.Context, key, ref string) error {
	key = strings.TrimSpace(key)
	ref = strings.TrimSpace(ref)
	if key == "" || ref == "" {
		return domain.ErrInvalidKey
	}
	applied, err := s.repo.AttachRef(ctx, s.db, key, ref, s.clock.Now())
	if err != nil {
		return err
	}
	if applied {
		return nil
	}
	existing, err := s.repo.FindByKey(ctx, s.db, key)
	if err != nil {
		return err
	}
	if existing == nil {
		return domain.ErrRecordNotFound
	}
	return domain.ErrRecordCompleted
}

func (s *Service) Complete(ctx context.Context, key string, result any) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, domain.ErrInvalidKey
	}
	payload, err := encodeResult(result)
	if err != nil {
		return false, err
	}
	applied, err := s.repo.Complete(ctx, s.db, key, payload, s.clock.Now())
	if err != nil {
		return false, err
	}
	if applied {
		return true, nil
	}
	existing, err := s.repo.FindByKey(ctx, s.db, key)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, domain.ErrRecordNotFound
	}
	return false, nil
}

func (s *Service) Fail(ctx context.Context, key, reason string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, domain.ErrInvalidKey
	}
	applied, err := s.repo.Fail(ctx, s.db, key, strings.TrimSpace(reason), s.clock.Now())
	if err != nil {
		return false, err
	}
	if applied {
		s.log.Debug("idempotency record failed", zap.String("reason", reason))
		return true, nil
	}
	existing, err := s.repo.FindByKey(ctx, s.db, key)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, domain.ErrRecordNotFound
	}
	return false, nil
}

func (s *Service) Get(ctx context.Context, key string) (*domain.Record, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, domain.ErrInvalidKey
	}
	record, err := s.repo.FindByKey(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrRecordNotFound
	}
	return record, nil
}

func (s *Service) Cleanup(ctx context.Context, req domain.CleanupRequest) (domain.CleanupResult, error) {
	maxAge := domain.DefaultMaxAgeHours
	if req.MaxAgeHours != nil {
		maxAge = *req.MaxAgeHours
	}
	if maxAge < domain.MinMaxAgeHours || maxAge > domain.MaxMaxAgeHours {
		return domain.CleanupResult{}, domain.ErrInvalidMaxAge
	}

	callerID := strings.TrimSpace(req.CallerID)
	target := strings.TrimSpace(req.TargetUserID)

	var scope string
	switch {
	case req.Privileged:
		scope = target
	case callerID == "":
		return domain.CleanupResult{}, domain.ErrInvalidUser
	case target == "" || target == callerID:
		scope = callerID
	default:
		return domain.CleanupResult{}, domain.ErrForbidden
	}

	cutoff := s.clock.Now().Add(-time.Duration(maxAge) * time.Hour)
	deleted, err := s.repo.DeleteOlderThan(ctx, s.db, scope, cutoff)
	if err != nil {
		return domain.CleanupResult{}, err
	}

	if scope == "" {
		scope = domain.CleanupScopeAll
	}
	s.log.Info("idempotency records cleaned up",
		zap.String("scope", scope),
		zap.Int("max_age_hours", maxAge),
		zap.Int64("deleted", deleted),
	)
	return domain.CleanupResult{Deleted: deleted, Cutoff: cutoff, Scope: scope}, nil
}

func (s *Service) record(ctx context.Context, operation domain.Operation, outcome string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordIdempotency(ctx, string(operation), outcome)
}

func encodeResult(result any) ([]byte, error) {
	switch v := result.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("invalid_result_json")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("invalid_result_json")
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}
