// Package basic serves Marketplace.Basic offerings: services the provider
// delivers by hand, with nothing to call on order processing.
package basic

import (
	"context"

	"github.com/smallbiznis/marketplace/internal/plugin"
	"github.com/smallbiznis/marketplace/internal/processing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const OfferingType = "Marketplace.Basic"

// Backend completes every operation synchronously. Provider review stands
// in for the backend call.
type Backend struct {
	log *zap.Logger
}

func NewBackend(log *zap.Logger) *Backend {
	return &Backend{log: log.Named("backends.basic")}
}

func (b *Backend) Provision(_ context.Context, req processing.CreateRequest) (processing.Provisioned, error) {
	b.log.Debug("backends.basic.provisioned", zap.String("resource_id", req.Resource.ID.String()))
	return processing.Provisioned{Completed: true}, nil
}

func (b *Backend) Update(_ context.Context, req processing.UpdateRequest) (bool, error) {
	b.log.Debug("backends.basic.updated", zap.String("resource_id", req.Resource.ID.String()))
	return true, nil
}

func (b *Backend) UpdateLimits(_ context.Context, req processing.UpdateRequest) (bool, error) {
	b.log.Debug("backends.basic.limits_updated",
		zap.String("resource_id", req.Resource.ID.String()),
		zap.Any("limits", req.Limits),
	)
	return true, nil
}

func (b *Backend) Deprovision(_ context.Context, req processing.DeleteRequest) (bool, error) {
	b.log.Debug("backends.basic.deprovisioned", zap.String("resource_id", req.Resource.ID.String()))
	return true, nil
}

func Registration(tk *processing.Toolkit, backend *Backend) plugin.Registration {
	return plugin.Registration{
		OfferingType: OfferingType,
		Set: plugin.ProcessorSet{
			Create:                 processing.NewCreateProcessor(tk, backend),
			Update:                 processing.NewUpdateProcessor(tk, backend),
			Delete:                 processing.NewDeleteProcessor(tk, backend),
			CanUpdateLimits:        true,
			ProviderReviewRequired: true,
		},
	}
}

type registrationOut struct {
	fx.Out

	Registration plugin.Registration `group:"plugin_registrations"`
}

func provideRegistration(tk *processing.Toolkit, log *zap.Logger) registrationOut {
	return registrationOut{Registration: Registration(tk, NewBackend(log))}
}

var Module = fx.Module("backends.basic",
	fx.Provide(provideRegistration),
)
