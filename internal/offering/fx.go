package offering

import (
	"github.com/smallbiznis/marketplace/internal/offering/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("offering.repository",
	fx.Provide(repository.Provide),
)
