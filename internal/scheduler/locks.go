package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/marketplace/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// claimedOrder is an EXECUTING order this worker owns for one dispatch.
type claimedOrder struct {
	ID           snowflake.ID
	Type         orderdomain.Type
	OfferingType string
}

type claimBatch struct {
	orders    []claimedOrder
	deferred  []snowflake.ID
	throttled int
	lost      int
	scanned   int
}

// claimOrders locks undispatched EXECUTING orders and stamps dispatched_at
// on the ones it may run now. CREATE orders stay unclaimed while their
// offering type is at its provisioning limit; they are returned in
// deferred so the next claim can look past them.
func (s *Scheduler) claimOrders(ctx context.Context, limit int, skip []snowflake.ID) (claimBatch, error) {
	claimCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var batch claimBatch
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		batch = claimBatch{}

		schedMetrics := obsmetrics.Scheduler()
		lockStart := time.Now()
		candidates, err := s.orders.ListDispatchable(claimCtx, tx, limit, skip)
		schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceOrdersForDispatch, time.Since(lockStart))
		if err != nil {
			return err
		}
		batch.scanned = len(candidates)

		offeringTypes := map[snowflake.ID]string{}
		provisioning := map[string]int64{}
		cfg := s.provisioning.Get()
		now := s.clock.Now()

		for i := range candidates {
			order := candidates[i]
			offeringType, ok := offeringTypes[order.OfferingID]
			if !ok {
				offering, err := s.offerings.FindOfferingByID(claimCtx, tx, order.OfferingID)
				if err != nil {
					return err
				}
				if offering != nil {
					offeringType = offering.Type
				}
				offeringTypes[order.OfferingID] = offeringType
			}

			if order.Type == orderdomain.TypeCreate {
				inFlight, seen := provisioning[offeringType]
				if !seen {
					inFlight, err = s.resources.CountByOfferingTypeAndState(claimCtx, tx, offeringType, resourcedomain.StateCreating)
					if err != nil {
						return err
					}
				}
				if inFlight >= int64(cfg.LimitFor(offeringType)) {
					provisioning[offeringType] = inFlight
					batch.throttled++
					batch.deferred = append(batch.deferred, order.ID)
					continue
				}
				provisioning[offeringType] = inFlight + 1
			}

			claimed, err := s.orders.MarkDispatched(claimCtx, tx, order.ID, now)
			if err != nil {
				return err
			}
			if !claimed {
				batch.lost++
				continue
			}
			batch.orders = append(batch.orders, claimedOrder{
				ID:           order.ID,
				Type:         order.Type,
				OfferingType: offeringType,
			})
		}
		return nil
	})
	if err != nil {
		return claimBatch{}, err
	}

	if batch.throttled > 0 {
		s.logger(ctx).Debug("scheduler.dispatch.throttled", zap.Int("deferred", batch.throttled))
	}
	return batch, nil
}
