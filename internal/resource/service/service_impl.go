package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/marketplace/internal/clock"
	offeringdomain "github.com/smallbiznis/marketplace/internal/offering/domain"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"github.com/smallbiznis/marketplace/internal/scope"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         resourcedomain.Repository
	OfferingRepo offeringdomain.Repository
	Scopes       *scope.Directory `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	repo         resourcedomain.Repository
	offeringRepo offeringdomain.Repository
	scopes       *scope.Directory
	validate     *validator.Validate
}

func NewService(p Params) resourcedomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("resource.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		offeringRepo: p.OfferingRepo,
		scopes:       p.Scopes,
		validate:     validator.New(),
	}
}

func (s *Service) Get(ctx context.Context, id string) (resourcedomain.Resource, error) {
	resourceID, err := parseID(id)
	if err != nil {
		return resourcedomain.Resource{}, err
	}

	resource, err := s.repo.FindByID(ctx, s.db, resourceID)
	if err != nil {
		return resourcedomain.Resource{}, err
	}
	if resource == nil {
		return resourcedomain.Resource{}, resourcedomain.ErrResourceNotFound
	}
	return *resource, nil
}

// FindByScope follows a backend reference back to its resource. With a
// scope directory the backend row itself has to exist as well.
func (s *Service) FindByScope(ctx context.Context, ref resourcedomain.BackendRef) (resourcedomain.Resource, error) {
	ref = resourcedomain.BackendRef{Kind: strings.TrimSpace(ref.Kind), ID: strings.TrimSpace(ref.ID)}
	if ref.IsZero() {
		return resourcedomain.Resource{}, resourcedomain.ErrInvalidResource
	}

	if s.scopes != nil {
		object, err := s.scopes.Resolve(ctx, s.db, ref)
		if err != nil {
			return resourcedomain.Resource{}, err
		}
		if object == nil {
			return resourcedomain.Resource{}, scope.ErrScopeNotFound
		}
	}

	resource, err := s.repo.FindByScope(ctx, s.db, ref)
	if err != nil {
		return resourcedomain.Resource{}, err
	}
	if resource == nil {
		return resourcedomain.Resource{}, resourcedomain.ErrResourceNotFound
	}
	return *resource, nil
}

func (s *Service) ListPlanPeriods(ctx context.Context, id string) ([]resourcedomain.ResourcePlanPeriod, error) {
	resource, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.repo.ListPlanPeriods(ctx, s.db, resource.ID)
}

// ReportUsage records a metered quantity for a usage-billed component and
// keeps the resource's current_usages at the latest reported value.
func (s *Service) ReportUsage(ctx context.Context, req resourcedomain.ReportUsageRequest) (resourcedomain.ComponentUsage, error) {
	if err := s.validate.Struct(req); err != nil {
		return resourcedomain.ComponentUsage{}, resourcedomain.ErrInvalidUsage
	}
	resourceID, err := parseID(req.ResourceID)
	if err != nil {
		return resourcedomain.ComponentUsage{}, err
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Usage))
	if err != nil || amount.IsNegative() {
		return resourcedomain.ComponentUsage{}, resourcedomain.ErrInvalidUsage
	}

	now := s.clock.Now()
	date := now
	if req.Date != nil {
		date = req.Date.UTC()
	}

	var usage resourcedomain.ComponentUsage
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		resource, err := s.repo.FindByIDForUpdate(ctx, tx, resourceID)
		if err != nil {
			return err
		}
		if resource == nil {
			return resourcedomain.ErrResourceNotFound
		}
		if resource.State == resourcedomain.StateTerminated {
			return resourcedomain.ErrResourceTerminated
		}

		components, err := s.offeringRepo.ListComponents(ctx, tx, resource.OfferingID)
		if err != nil {
			return err
		}
		component, ok := offeringdomain.ComponentByType(components, req.ComponentType)
		if !ok || component.BillingType != offeringdomain.BillingTypeUsage {
			return resourcedomain.ErrInvalidComponent
		}

		usage = resourcedomain.ComponentUsage{
			ID:            s.genID.Generate(),
			ResourceID:    resource.ID,
			ComponentID:   component.ID,
			ComponentType: component.Type,
			Usage:         amount,
			Date:          date,
			BillingPeriod: billingPeriod(date),
			Description:   strings.TrimSpace(req.Description),
			CreatedAt:     now,
		}
		if err := s.repo.InsertUsage(ctx, tx, &usage); err != nil {
			return err
		}

		usages := datatypes.JSONMap{}
		for k, v := range resource.CurrentUsages {
			usages[k] = v
		}
		usages[component.Type] = amount.String()
		resource.CurrentUsages = usages
		resource.UpdatedAt = now
		return s.repo.Update(ctx, tx, resource)
	})
	if err != nil {
		return resourcedomain.ComponentUsage{}, err
	}

	s.log.Info("resource.usage.reported",
		zap.String("resource_id", usage.ResourceID.String()),
		zap.String("component_type", usage.ComponentType),
		zap.String("usage", usage.Usage.String()),
	)
	return usage, nil
}

func billingPeriod(at time.Time) time.Time {
	at = at.UTC()
	return time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, resourcedomain.ErrInvalidResource
	}
	return id, nil
}
