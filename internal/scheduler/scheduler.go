package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paysync/internal/clock"
	"github.com/smallbiznis/paysync/internal/events"
	idempotencydomain "github.com/smallbiznis/paysync/internal/idempotency/domain"
	obsmetrics "github.com/smallbiznis/paysync/internal/observability/metrics"
	"github.com/smallbiznis/paysync/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log         *zap.Logger
	GenID       *snowflake.Node
	Idempotency idempotencydomain.Service
	Relay       *events.Relay     `optional:"true"`
	Locker      *ratelimit.Locker `optional:"true"`
	Clock       clock.Clock       `optional:"true"`
	Config      Config            `optional:"true"`
}

type Scheduler struct {
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	idempotency idempotencydomain.Service
	relay       *events.Relay
	locker      jobLocker

	mu      sync.Mutex
	lastRun map[string]time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Idempotency == nil {
		return nil, ErrInvalidConfig
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	s := &Scheduler{
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       clk,
		idempotency: p.Idempotency,
		relay:       p.Relay,
		lastRun:     map[string]time.Time{},
	}
	if p.Locker != nil {
		s.locker = p.Locker
	}
	return s, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	schedMetrics := obsmetrics.Scheduler()
	release, acquired, err := s.acquire(ctx, name, timeout)
	if err != nil {
		schedMetrics.IncJobError(name, err)
		return fmt.Errorf("%s: lock: %w", name, err)
	}
	if !acquired {
		schedMetrics.IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.log.Debug("scheduler.job.skipped", zap.String("job", name), zap.String("reason", "lock_held"))
		return nil
	}
	defer release()

	ctx, run := s.startJobRun(ctx, name, batchSize)
	s.logJobStart(ctx, run)
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics.IncJobRun(name)

	err = fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job whose interval has elapsed.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name  string
		Every time.Duration
		Run   func(context.Context) error
	}{
		{JobOutboxRelay, s.cfg.RunInterval, func(ctx context.Context) error {
			return s.runJob(ctx, JobOutboxRelay, s.cfg.BatchSize, s.cfg.JobTimeout, s.OutboxRelayJob)
		}},
		{JobIdempotencyCleanup, s.cfg.SweepInterval, func(ctx context.Context) error {
			return s.runJob(ctx, JobIdempotencyCleanup, 0, s.cfg.JobTimeout, s.IdempotencyCleanupJob)
		}},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) || !s.due(job.Name, job.Every) {
			continue
		}
		err = errors.Join(err, job.Run(parent))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// IdempotencyCleanupJob deletes idempotency records past the retention window.
func (s *Scheduler) IdempotencyCleanupJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	retention := s.cfg.RetentionHours
	res, err := s.idempotency.Cleanup(ctx, idempotencydomain.CleanupRequest{
		CallerID:    "scheduler",
		Privileged:  true,
		MaxAgeHours: &retention,
	})
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.idempotency.cleanup.failed", JobIdempotencyCleanup, err)
		return err
	}
	run.AddProcessed(int(res.Deleted))
	obsmetrics.Scheduler().AddBatchProcessed(JobIdempotencyCleanup, obsmetrics.LockResourceIdempotencySweep, int(res.Deleted))
	return nil
}

// OutboxRelayJob drains pending outbox rows to the broker in batches.
func (s *Scheduler) OutboxRelayJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	if !s.relay.Enabled() {
		obsmetrics.Scheduler().IncBatchDeferred(JobOutboxRelay, "relay_disabled")
		return nil
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delivered, err := s.relay.RelayBatch(ctx, s.cfg.BatchSize)
		run.AddProcessed(delivered)
		obsmetrics.Scheduler().AddBatchProcessed(JobOutboxRelay, obsmetrics.LockResourceOutbox, delivered)
		if err != nil {
			err = fmt.Errorf("%w: %v", obsmetrics.ErrPublish, err)
			s.logSchedulerError(ctx, run, "scheduler.outbox.relay.failed", JobOutboxRelay, err)
			return err
		}
		if delivered < s.cfg.BatchSize {
			return nil
		}
	}
}

func (s *Scheduler) due(job string, every time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	last, ok := s.lastRun[job]
	if ok && now.Sub(last) < every {
		return false
	}
	s.lastRun[job] = now
	return true
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
