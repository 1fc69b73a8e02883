package resource

import (
	"github.com/smallbiznis/marketplace/internal/resource/repository"
	"github.com/smallbiznis/marketplace/internal/resource/service"
	"go.uber.org/fx"
)

var Module = fx.Module("resource.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
