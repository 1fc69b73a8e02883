package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/marketplace/internal/observability/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DispatchOrdersJob runs claimed EXECUTING orders through the engine on a
// bounded worker pool until no undispatched order is left to scan. Throttled
// CREATE orders are skipped for the rest of the run so younger orders behind
// them still get dispatched.
func (s *Scheduler) DispatchOrdersJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobDispatchOrders, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()

	var (
		jobErr error
		skip   []snowflake.ID
	)
	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}

		batch, err := s.claimOrders(ctx, s.cfg.BatchSize, skip)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.dispatch.claim_failed", JobDispatchOrders, err)
			return errors.Join(jobErr, err)
		}
		run.AddDeferred(batch.throttled)
		for i := 0; i < batch.throttled; i++ {
			schedMetrics.IncBatchDeferred(JobDispatchOrders, obsmetrics.SchedulerBatchDeferredReasonThrottled)
		}
		if batch.scanned == 0 {
			if len(skip) == 0 {
				schedMetrics.IncBatchDeferred(JobDispatchOrders, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
			}
			break
		}
		skip = append(skip, batch.deferred...)
		if len(batch.orders) == 0 {
			continue
		}

		processed, err := s.processBatch(ctx, run, batch.orders)
		run.AddProcessed(processed)
		schedMetrics.AddBatchProcessed(JobDispatchOrders, "orders", processed)
		jobErr = errors.Join(jobErr, err)
	}
	return jobErr
}

func (s *Scheduler) processBatch(ctx context.Context, run *jobRun, orders []claimedOrder) (int, error) {
	var (
		mu        sync.Mutex
		processed int
		batchErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, order := range orders {
		g.Go(func() error {
			s.logOrderClaimed(gctx, order)
			outcome, err := s.engine.ProcessOrder(gctx, order.ID, dispatchUser)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// One order failing must not cancel its siblings.
				batchErr = errors.Join(batchErr, err)
				s.logSchedulerError(ctx, run, "scheduler.order.process_failed", JobDispatchOrders, err,
					zap.String("order_id", idString(order.ID)),
					zap.String("order_type", string(order.Type)),
				)
				return nil
			}
			processed++
			s.logger(ctx).Debug("scheduler.order.processed",
				zap.String("order_id", idString(order.ID)),
				zap.String("outcome", string(outcome)),
			)
			return nil
		})
	}
	_ = g.Wait()
	return processed, batchErr
}
