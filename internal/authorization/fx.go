package authorization

import (
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("authorization",
	fx.Provide(NewEnforcer),
	fx.Provide(NewService),
	fx.Provide(func(s *ServiceImpl) Service { return s }),
	fx.Provide(func(s *ServiceImpl) orderdomain.Approver { return s }),
)
