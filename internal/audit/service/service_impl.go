package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/marketplace/internal/audit/domain"
	"github.com/smallbiznis/marketplace/internal/clock"
	obscontext "github.com/smallbiznis/marketplace/internal/observability/context"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      auditdomain.Repository
	Resources resourcedomain.Repository
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      auditdomain.Repository
	resources resourcedomain.Repository
}

func NewService(p Params) *Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("audit.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		resources: p.Resources,
	}
}

func (s *Service) Record(ctx context.Context, entry auditdomain.Entry) error {
	action := strings.TrimSpace(entry.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}
	targetType := strings.TrimSpace(entry.TargetType)
	targetID := strings.TrimSpace(entry.TargetID)
	if targetType == "" || targetID == "" {
		return auditdomain.ErrInvalidTarget
	}

	actorType, actorID := obscontext.ActorFromContext(ctx)
	if actorType == "" {
		actorType = auditdomain.ActorTypeSystem
	}

	payload := make(map[string]any, len(entry.Metadata)+2)
	for key, value := range entry.Metadata {
		if key == "" {
			continue
		}
		payload[key] = value
	}
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}
	if correlationID := obscontext.CorrelationIDFromContext(ctx); correlationID != "" {
		payload["correlation_id"] = correlationID
	}

	log := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  actorType,
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		OrderID:    entry.OrderID,
		Metadata:   datatypes.JSONMap(payload),
		CreatedAt:  s.clock.Now(),
	}
	if err := s.repo.Insert(ctx, s.db, &log); err != nil {
		s.log.Warn("audit.write.failed", zap.String("action", action), zap.String("target_id", targetID), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) ListForResource(ctx context.Context, resourceID string) ([]auditdomain.AuditLog, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(resourceID))
	if err != nil || id == 0 {
		return nil, resourcedomain.ErrInvalidResource
	}
	resource, err := s.resources.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if resource == nil {
		return nil, resourcedomain.ErrResourceNotFound
	}
	return s.repo.ListByTarget(ctx, s.db, auditdomain.TargetTypeResource, id.String(), 0)
}
