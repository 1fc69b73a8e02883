package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketplace/internal/clock"
	"github.com/smallbiznis/marketplace/internal/config"
	obscontext "github.com/smallbiznis/marketplace/internal/observability/context"
	obsmetrics "github.com/smallbiznis/marketplace/internal/observability/metrics"
	offeringdomain "github.com/smallbiznis/marketplace/internal/offering/domain"
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	"github.com/smallbiznis/marketplace/internal/processing"
	"github.com/smallbiznis/marketplace/internal/reconcile"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobDispatchOrders    = "dispatch_orders"
	JobPullResources     = reconcile.JobPullResources
	JobExpireStaleOrders = reconcile.JobExpireStaleOrders
	JobImportOrphans     = reconcile.JobImportOrphans

	// dispatchUser is recorded as the actor of scheduler-driven processing.
	dispatchUser = "scheduler"
)

var ErrUnknownJob = errors.New("unknown_scheduler_job")

// Jobs lists every job in the order RunOnce runs them.
var Jobs = []string{JobDispatchOrders, JobPullResources, JobExpireStaleOrders, JobImportOrphans}

type orderProcessor interface {
	ProcessOrder(ctx context.Context, orderID snowflake.ID, user string) (processing.Outcome, error)
}

type reconciler interface {
	Run(ctx context.Context, job string) (reconcile.Result, error)
}

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Config       Config
	Provisioning *config.ProvisioningConfigHolder `optional:"true"`
	Engine       *processing.Engine
	Reconcile    *reconcile.Service
	Orders       orderdomain.Repository
	Offerings    offeringdomain.Repository
	Resources    resourcedomain.Repository
}

type Scheduler struct {
	db           *gorm.DB
	log          *zap.Logger
	cfg          Config
	genID        *snowflake.Node
	clock        clock.Clock
	provisioning *config.ProvisioningConfigHolder
	engine       orderProcessor
	reconcile    reconciler
	orders       orderdomain.Repository
	offerings    offeringdomain.Repository
	resources    resourcedomain.Repository
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Engine == nil || p.Reconcile == nil {
		return nil, ErrInvalidConfig
	}
	provisioning := p.Provisioning
	if provisioning == nil {
		provisioning = config.NewStaticProvisioningConfigHolder(config.DefaultProvisioningConfig())
	}
	return &Scheduler{
		db:           p.DB,
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		genID:        p.GenID,
		clock:        p.Clock,
		provisioning: provisioning,
		engine:       p.Engine,
		reconcile:    p.Reconcile,
		orders:       p.Orders,
		offerings:    p.Offerings,
		resources:    p.Resources,
	}, nil
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

	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout; the next tick picks up the rest.
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

// RunJob runs one job by name under the scheduler's timeout and logging.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	fn, ok := s.jobFunc(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.runJob(ctx, name, s.cfg.BatchSize, s.cfg.JobTimeout, fn)
}

func (s *Scheduler) jobFunc(name string) (func(context.Context) error, bool) {
	switch name {
	case JobDispatchOrders:
		return s.DispatchOrdersJob, true
	case JobPullResources, JobExpireStaleOrders, JobImportOrphans:
		return func(ctx context.Context) error {
			return s.reconcileJob(ctx, name)
		}, true
	default:
		return nil, false
	}
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, name := range Jobs {
		if !s.isJobEnabled(name) {
			continue
		}
		err = errors.Join(err, s.RunJob(parent, name))
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

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list enables every job.
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

func (s *Scheduler) reconcileJob(ctx context.Context, job string) error {
	run := jobRunFromContext(ctx)
	result, err := s.reconcile.Run(ctx, job)
	run.AddProcessed(result.Changed)
	for i := 0; i < result.Failed; i++ {
		run.IncError()
	}
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.reconcile.failed", job, err,
			zap.Int("processed", result.Processed),
			zap.Int("failed", result.Failed),
		)
		return err
	}
	return nil
}
