package callbacks

import (
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("callbacks",
	fx.Provide(NewService),
	fx.Provide(func(s *Service) orderdomain.StateSyncer { return s }),
	fx.Provide(
		fx.Annotate(
			NewLogHook,
			fx.As(new(Hook)),
			fx.ResultTags(`group:"resource_hooks"`),
		),
	),
)
