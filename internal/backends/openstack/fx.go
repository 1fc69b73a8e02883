package openstack

import (
	"github.com/smallbiznis/marketplace/internal/config"
	offeringdomain "github.com/smallbiznis/marketplace/internal/offering/domain"
	"github.com/smallbiznis/marketplace/internal/plugin"
	"github.com/smallbiznis/marketplace/internal/processing"
	"github.com/smallbiznis/marketplace/internal/scope"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("backends.openstack",
	fx.Provide(Provide),
)

type Params struct {
	fx.In

	Config    config.Config
	Log       *zap.Logger
	Toolkit   *processing.Toolkit
	Offerings offeringdomain.Repository
}

type Result struct {
	fx.Out

	Registrations []plugin.Registration `group:"plugin_registrations,flatten"`
	Stores        []scope.Store         `group:"scope_stores,flatten"`
	Pullers       []scope.Puller        `group:"scope_pullers,flatten"`
	Importers     []scope.Importer      `group:"scope_importers,flatten"`
}

// Provide registers the backend when OpenStack is configured. The scope
// store is always registered so existing rows stay resolvable.
func Provide(p Params) (Result, error) {
	store := NewStore(p.Toolkit.Clock())
	if !p.Config.OpenStack.Enabled {
		p.Log.Named("backends.openstack").Info("backends.openstack.disabled")
		return Result{Stores: []scope.Store{store}}, nil
	}

	compute, err := NewComputeClient(p.Config.OpenStack)
	if err != nil {
		return Result{}, err
	}
	backend := NewBackend(compute, p.Toolkit, p.Offerings, p.Log)
	return Result{
		Registrations: []plugin.Registration{backend.Registration()},
		Stores:        []scope.Store{backend},
		Pullers:       []scope.Puller{backend},
		Importers:     []scope.Importer{backend},
	}, nil
}
