package audit

import (
	auditdomain "github.com/smallbiznis/marketplace/internal/audit/domain"
	"github.com/smallbiznis/marketplace/internal/audit/repository"
	"github.com/smallbiznis/marketplace/internal/audit/service"
	"github.com/smallbiznis/marketplace/internal/callbacks"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) auditdomain.Service { return s }),
	fx.Provide(
		fx.Annotate(
			service.NewHook,
			fx.As(new(callbacks.Hook)),
			fx.ResultTags(`group:"resource_hooks"`),
		),
	),
)
