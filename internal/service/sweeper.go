package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/civic-notify/internal/observability"
	"github.com/kursadbilgin/civic-notify/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSweepInterval    = time.Minute
	defaultSweepBatchSize   = 10
	defaultSweepConcurrency = 4

	triggerPendingSweep = "pending_sweep"
)

// NotificationDispatcher processes a single queue row.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, id string) (Outcome, error)
}

// SweepSummary counts the outcomes of one pending sweep.
type SweepSummary struct {
	RunID     string `json:"runId"`
	Processed int    `json:"processed"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Pending   int    `json:"pending"`
	Skipped   int    `json:"skipped"`
	Deferred  int    `json:"deferred"`
	Errors    int    `json:"errors"`
}

func (s *SweepSummary) add(outcome Outcome) {
	s.Processed++
	switch outcome {
	case OutcomeSent:
		s.Sent++
	case OutcomeFailed:
		s.Failed++
	case OutcomePending:
		s.Pending++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeDeferred:
		s.Deferred++
	}
}

// Sweeper hands the oldest PENDING rows to the dispatcher in bounded batches.
type Sweeper struct {
	queue       repository.QueueRepository
	dispatcher  NotificationDispatcher
	logger      *zap.Logger
	metrics     *observability.Metrics
	interval    time.Duration
	batchSize   int
	concurrency int
	now         func() time.Time
}

func NewSweeper(
	queue repository.QueueRepository,
	dispatcher NotificationDispatcher,
	interval time.Duration,
	batchSize int,
	concurrency int,
	logger *zap.Logger,
) (*Sweeper, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue repository is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	if concurrency <= 0 {
		concurrency = defaultSweepConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sweeper{
		queue:       queue,
		dispatcher:  dispatcher,
		logger:      logger,
		interval:    interval,
		batchSize:   batchSize,
		concurrency: concurrency,
		now:         time.Now,
	}, nil
}

func (s *Sweeper) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *Sweeper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("pending sweep initial run failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("pending sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce dispatches up to one batch of PENDING rows, oldest first. Rows are
// dispatched concurrently; per-row exclusivity comes from the dispatcher's
// claim. Dispatch errors are joined into the result.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runID := uuid.NewString()
	ctx = observability.WithRunID(ctx, runID)
	logger := observability.WithContextLogger(s.logger, ctx)

	start := s.now()
	defer func() {
		s.metrics.ObserveTriggerRun(triggerPendingSweep, s.now().Sub(start))
	}()

	summary := SweepSummary{RunID: runID}
	now := s.now().UTC()

	abandoned, err := s.queue.FailAbandoned(ctx, now)
	if err != nil {
		return summary, fmt.Errorf("failed to close abandoned notifications: %w", err)
	}
	if abandoned > 0 {
		summary.Failed += int(abandoned)
		logger.Warn("closed notifications whose final attempt was abandoned", zap.Int64("count", abandoned))
	}

	rows, err := s.queue.ListPending(ctx, now, s.batchSize)
	if err != nil {
		return summary, fmt.Errorf("failed to list pending notifications: %w", err)
	}
	if len(rows) == 0 {
		return summary, nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i := range rows {
		id := rows[i].ID
		g.Go(func() error {
			outcome, err := s.dispatcher.Dispatch(groupCtx, id)

			mu.Lock()
			defer mu.Unlock()
			summary.add(outcome)
			if err != nil {
				summary.Errors++
				errs = append(errs, err)
				logger.Error("dispatch failed", zap.String("queueId", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("pending sweep finished",
		zap.Int("processed", summary.Processed),
		zap.Int("sent", summary.Sent),
		zap.Int("failed", summary.Failed),
		zap.Int("pending", summary.Pending),
		zap.Int("deferred", summary.Deferred),
	)

	return summary, errors.Join(errs...)
}
