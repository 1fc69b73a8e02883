// Package reconcile keeps marketplace state in line with the backends:
// it pulls backend state, expires stuck orders and imports orphans.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/marketplace/internal/clock"
	"github.com/smallbiznis/marketplace/internal/config"
	"github.com/smallbiznis/marketplace/internal/events"
	"github.com/smallbiznis/marketplace/internal/lock"
	obscontext "github.com/smallbiznis/marketplace/internal/observability/context"
	obslogger "github.com/smallbiznis/marketplace/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/marketplace/internal/observability/metrics"
	offeringdomain "github.com/smallbiznis/marketplace/internal/offering/domain"
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"github.com/smallbiznis/marketplace/internal/scope"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	JobPullResources     = "pull_resources"
	JobExpireStaleOrders = "expire_stale_orders"
	JobImportOrphans     = "import_orphans"

	DefaultStaleOrderThreshold = 2 * time.Hour

	defaultBatchSize = 100
	lockTTL          = 10 * time.Minute

	resultUnchanged = "unchanged"
	resultChanged   = "changed"
	resultFailed    = "failed"
	resultSkipped   = "skipped"
)

var ErrUnknownJob = errors.New("unknown_reconcile_job")

// Jobs lists every reconciliation job in run order.
var Jobs = []string{JobPullResources, JobExpireStaleOrders, JobImportOrphans}

// Result summarizes one reconciliation pass.
type Result struct {
	Job       string `json:"job"`
	Skipped   bool   `json:"skipped"`
	Processed int    `json:"processed"`
	Changed   int    `json:"changed"`
	Failed    int    `json:"failed"`
}

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Config       config.Config
	Provisioning *config.ProvisioningConfigHolder `optional:"true"`
	Directory    *scope.Directory
	Bus          events.Bus
	Locker       *lock.Locker `optional:"true"`
	Resources    resourcedomain.Repository
	Orders       orderdomain.Repository
	Offerings    offeringdomain.Repository
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	cfg          config.SchedulerConfig
	provisioning *config.ProvisioningConfigHolder
	directory    *scope.Directory
	bus          events.Bus
	locker       *lock.Locker
	resources    resourcedomain.Repository
	orders       orderdomain.Repository
	offerings    offeringdomain.Repository
}

func NewService(p Params) *Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("reconcile"),
		genID:        p.GenID,
		clock:        p.Clock,
		cfg:          p.Config.Scheduler,
		provisioning: p.Provisioning,
		directory:    p.Directory,
		bus:          p.Bus,
		locker:       p.Locker,
		resources:    p.Resources,
		orders:       p.Orders,
		offerings:    p.Offerings,
	}
}

// Run executes one job by name.
func (s *Service) Run(ctx context.Context, job string) (Result, error) {
	switch strings.ToLower(strings.TrimSpace(job)) {
	case JobPullResources:
		return s.PullResources(ctx)
	case JobExpireStaleOrders:
		return s.ExpireStaleOrders(ctx)
	case JobImportOrphans:
		return s.ImportOrphans(ctx)
	default:
		return Result{Job: job}, fmt.Errorf("%w: %s", ErrUnknownJob, job)
	}
}

// exclusive runs fn unless another process holds the job lock.
func (s *Service) exclusive(ctx context.Context, job string, fn func(ctx context.Context, result *Result) error) (Result, error) {
	result := Result{Job: job}
	ctx = obscontext.WithActor(ctx, "system", "reconcile")

	ran, err := s.locker.WithLock(ctx, "reconcile:"+job, lockTTL, func(ctx context.Context) error {
		return fn(ctx, &result)
	})
	if err != nil {
		return result, err
	}
	if !ran {
		result.Skipped = true
		obsmetrics.Scheduler().IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.logger(ctx).Info("reconcile.skipped", zap.String("job", job), zap.String("reason", "lock_held"))
	}
	return result, nil
}

func (s *Service) batchSize() int {
	if s.cfg.BatchSize > 0 {
		return s.cfg.BatchSize
	}
	return defaultBatchSize
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

// PullResources refreshes every live resource's backend object and
// publishes the state changes it finds.
func (s *Service) PullResources(ctx context.Context) (Result, error) {
	return s.exclusive(ctx, JobPullResources, func(ctx context.Context, result *Result) error {
		var jobErr error
		var afterID snowflake.ID
		limit := s.batchSize()
		for {
			if err := ctx.Err(); err != nil {
				return errors.Join(jobErr, err)
			}
			batch, err := s.resources.ListWithScope(ctx, s.db, afterID, limit)
			if err != nil {
				return errors.Join(jobErr, err)
			}
			for i := range batch {
				resource := batch[i]
				afterID = resource.ID
				result.Processed++
				if err := s.pullResource(ctx, &resource, result); err != nil {
					if ctx.Err() != nil {
						return errors.Join(jobErr, err)
					}
					jobErr = errors.Join(jobErr, err)
				}
			}
			if len(batch) < limit {
				break
			}
		}
		obsmetrics.Scheduler().AddBatchProcessed(JobPullResources, "resources", result.Processed)
		return jobErr
	})
}

func (s *Service) pullResource(ctx context.Context, resource *resourcedomain.Resource, result *Result) error {
	kind := resource.Scope.Kind
	log := s.logger(ctx).With(
		zap.String("resource_id", resource.ID.String()),
		zap.String("scope", resource.Scope.String()),
	)

	puller, ok := s.directory.Puller(kind)
	if !ok {
		obsmetrics.Orders().IncReconciled(kind, resultSkipped)
		return nil
	}

	change, err := puller.Pull(ctx, s.db, resource.Scope.ID)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		result.Failed++
		obsmetrics.Orders().IncReconciled(kind, resultFailed)
		log.Warn("reconcile.pull.failed", zap.Error(err))

		change, err = s.directory.MarkErred(ctx, s.db, resource.Scope, err.Error())
		if err != nil {
			return fmt.Errorf("mark scope %s erred: %w", resource.Scope.String(), err)
		}
	}
	if change.Ref.IsZero() {
		change.Ref = resource.Scope
	}

	if !change.Current.Valid() {
		obsmetrics.Orders().IncReconciled(kind, resultSkipped)
		log.Debug("reconcile.pull.unknown_state", zap.String("current", string(change.Current)))
		return nil
	}
	if !change.Changed() {
		believed := believedBackendState(resource.State)
		if believed == change.Current.Normalize() {
			obsmetrics.Orders().IncReconciled(kind, resultUnchanged)
			return nil
		}
		// The scope row did not move but the resource lags behind it.
		change.Previous = believed
	}

	event := events.NewResourceBackendStateChanged(resource.ID, change, s.clock.Now())
	if err := s.bus.Publish(ctx, event); err != nil {
		return fmt.Errorf("publish %s: %w", event.ID, err)
	}
	result.Changed++
	obsmetrics.Orders().IncReconciled(kind, resultChanged)
	log.Info("reconcile.pull.changed",
		zap.String("event_id", event.ID),
		zap.String("previous", string(change.Previous)),
		zap.String("current", string(change.Current)),
	)
	return nil
}

// believedBackendState is the backend state a resource in state implies.
func believedBackendState(state resourcedomain.State) scope.BackendState {
	switch state {
	case resourcedomain.StateCreating:
		return scope.StateCreating
	case resourcedomain.StateUpdating:
		return scope.StateUpdating
	case resourcedomain.StateTerminating:
		return scope.StateDeleting
	case resourcedomain.StateTerminated:
		return scope.StateDeleted
	case resourcedomain.StateErred:
		return scope.StateErred
	default:
		return scope.StateOK
	}
}

// StaleOrderThreshold is how long a TERMINATE order may stay EXECUTING.
func (s *Service) StaleOrderThreshold() time.Duration {
	if s.provisioning != nil {
		if threshold := s.provisioning.Get().StaleOrderThreshold; threshold > 0 {
			return threshold
		}
	}
	if s.cfg.StaleOrderThreshold > 0 {
		return s.cfg.StaleOrderThreshold
	}
	return DefaultStaleOrderThreshold
}

// staleOrderTypes are the order types the stale sweep gives up on. CREATE
// orders are left alone: until the backend answers there may be nothing to
// mark erred.
var staleOrderTypes = []orderdomain.Type{orderdomain.TypeUpdate, orderdomain.TypeTerminate}

// ExpireStaleOrders cancels UPDATE and TERMINATE orders stuck in EXECUTING
// and marks their resource and backend object erred.
func (s *Service) ExpireStaleOrders(ctx context.Context) (Result, error) {
	return s.exclusive(ctx, JobExpireStaleOrders, func(ctx context.Context, result *Result) error {
		threshold := s.StaleOrderThreshold()
		limit := s.batchSize()
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			now := s.clock.Now()
			expired, err := s.expireBatch(ctx, now, now.Add(-threshold), threshold, limit)
			result.Processed += expired
			result.Changed += expired
			if err != nil {
				return err
			}
			if expired < limit {
				break
			}
		}
		obsmetrics.Orders().AddStaleExpired(result.Changed)
		obsmetrics.Scheduler().AddBatchProcessed(JobExpireStaleOrders, "orders", result.Processed)
		return nil
	})
}

func (s *Service) expireBatch(ctx context.Context, now, before time.Time, threshold time.Duration, limit int) (int, error) {
	expired := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lockStart := time.Now()
		stale, err := s.orders.ListStale(ctx, tx, staleOrderTypes, before, limit)
		obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceStaleOrders, time.Since(lockStart))
		if err != nil {
			return err
		}

		for i := range stale {
			order := stale[i]
			message := fmt.Sprintf("order timed out after %s in %s", threshold, order.State)
			if err := order.Transition(orderdomain.StateCanceled, now); err != nil {
				return err
			}
			order.TerminationComment = message
			if err := s.orders.Update(ctx, tx, &order); err != nil {
				return err
			}

			if order.ResourceID != nil {
				if err := s.failResource(ctx, tx, *order.ResourceID, message, now); err != nil {
					return err
				}
			}
			expired++
			s.logger(ctx).Warn("reconcile.stale_order.expired",
				zap.String("order_id", order.ID.String()),
				zap.String("order_type", string(order.Type)),
				zap.Stringp("resource_id", idPtrString(order.ResourceID)),
				zap.Duration("threshold", threshold),
			)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}

func (s *Service) failResource(ctx context.Context, tx *gorm.DB, resourceID snowflake.ID, message string, now time.Time) error {
	resource, err := s.resources.FindByIDForUpdate(ctx, tx, resourceID)
	if err != nil {
		return err
	}
	if resource == nil || resource.State == resourcedomain.StateTerminated {
		return nil
	}
	if err := resource.Fail(message, "", now); err != nil {
		return err
	}
	if err := s.resources.Update(ctx, tx, resource); err != nil {
		return err
	}
	_, err = s.directory.MarkErred(ctx, tx, resource.Scope, message)
	return err
}

// ImportOrphans creates resources for backend objects that no resource
// points at.
func (s *Service) ImportOrphans(ctx context.Context) (Result, error) {
	return s.exclusive(ctx, JobImportOrphans, func(ctx context.Context, result *Result) error {
		var jobErr error
		for _, importer := range s.directory.Importers() {
			if err := ctx.Err(); err != nil {
				return errors.Join(jobErr, err)
			}
			imported, err := s.importKind(ctx, importer, result)
			obsmetrics.Orders().AddOrphansImported(importer.Kind(), imported)
			if err != nil {
				result.Failed++
				jobErr = errors.Join(jobErr, fmt.Errorf("import %s: %w", importer.Kind(), err))
			}
		}
		return jobErr
	})
}

func (s *Service) importKind(ctx context.Context, importer scope.Importer, result *Result) (int, error) {
	log := s.logger(ctx).With(zap.String("scope_kind", importer.Kind()))

	offering, err := s.offerings.FindFirstOfferingByType(ctx, s.db, importer.OfferingType(), []offeringdomain.OfferingState{
		offeringdomain.OfferingStateActive,
		offeringdomain.OfferingStatePaused,
	})
	if err != nil {
		return 0, err
	}
	if offering == nil {
		log.Debug("reconcile.import.no_offering", zap.String("offering_type", importer.OfferingType()))
		return 0, nil
	}

	ids, err := s.resources.ListScopeIDs(ctx, s.db, importer.Kind())
	if err != nil {
		return 0, err
	}
	linked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		linked[id] = struct{}{}
	}

	orphans, err := importer.DiscoverOrphans(ctx, s.db, linked)
	if err != nil {
		return 0, err
	}

	imported := 0
	for _, orphan := range orphans {
		result.Processed++
		created, err := s.importOrphan(ctx, offering, orphan)
		if err != nil {
			return imported, err
		}
		if created != nil {
			imported++
			result.Changed++
			log.Info("reconcile.orphan.imported",
				zap.String("resource_id", created.ID.String()),
				zap.String("scope_id", orphan.Ref.ID),
				zap.String("offering_id", offering.ID.String()),
			)
		}
	}
	return imported, nil
}

func (s *Service) importOrphan(ctx context.Context, offering *offeringdomain.Offering, orphan scope.Object) (*resourcedomain.Resource, error) {
	var created *resourcedomain.Resource
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.resources.FindByScope(ctx, tx, orphan.Ref)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}

		now := s.clock.Now()
		name := strings.TrimSpace(orphan.Name)
		if name == "" {
			name = orphan.BackendID
		}
		projectID := orphan.ProjectID
		if projectID == 0 {
			projectID = offering.CustomerID
		}
		metadata := datatypes.JSONMap{}
		for k, v := range orphan.Metadata {
			metadata[k] = v
		}

		resource := &resourcedomain.Resource{
			ID:              s.genID.Generate(),
			Name:            name,
			OfferingID:      offering.ID,
			ProjectID:       projectID,
			State:           resourcedomain.StateOK,
			Scope:           orphan.Ref,
			BackendID:       orphan.BackendID,
			Attributes:      datatypes.JSONMap{"name": name},
			BackendMetadata: metadata,
			CurrentUsages:   datatypes.JSONMap{},
			Cost:            decimal.Zero,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		resource.SetLimits(nil)
		if orphan.State.Normalize() == scope.StateErred {
			resource.State = resourcedomain.StateErred
			resource.ErrorMessage = orphan.ErrorMessage
		}
		if err := s.resources.Insert(ctx, tx, resource); err != nil {
			return err
		}
		created = resource
		return nil
	})
	return created, err
}

func idPtrString(id *snowflake.ID) *string {
	if id == nil {
		return nil
	}
	value := id.String()
	return &value
}
