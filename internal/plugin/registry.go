package plugin

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrAlreadyRegistered    = errors.New("offering_type_already_registered")
	ErrInvalidRegistration  = errors.New("invalid_plugin_registration")
	ErrUnknownOfferingType  = errors.New("unknown_offering_type")
	ErrUnsupportedOperation = errors.New("unsupported_operation")
	ErrRegistryFrozen       = errors.New("plugin_registry_frozen")
)

// Builder collects registrations before the registry is frozen.
type Builder struct {
	sets map[string]ProcessorSet
}

func NewBuilder() *Builder {
	return &Builder{sets: make(map[string]ProcessorSet)}
}

// Register adds an offering type. Registering the same type twice fails.
func (b *Builder) Register(offeringType string, set ProcessorSet) error {
	if b.sets == nil {
		return ErrRegistryFrozen
	}
	offeringType = strings.TrimSpace(offeringType)
	if offeringType == "" || set.Create == nil {
		return ErrInvalidRegistration
	}
	if _, exists := b.sets[offeringType]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, offeringType)
	}
	set.Components = append([]ComponentInfo(nil), set.Components...)
	b.sets[offeringType] = set
	return nil
}

// Build freezes the collected registrations; later Register calls fail.
func (b *Builder) Build() *Registry {
	sets := b.sets
	b.sets = nil
	return &Registry{sets: sets}
}

// Registry is immutable once built and safe for concurrent reads.
type Registry struct {
	sets map[string]ProcessorSet
}

// Lookup returns the processor set for an offering type.
func (r *Registry) Lookup(offeringType string) (ProcessorSet, error) {
	set, ok := r.sets[offeringType]
	if !ok {
		return ProcessorSet{}, fmt.Errorf("%w: %s", ErrUnknownOfferingType, offeringType)
	}
	return set, nil
}

// Processor returns the processor for an offering type and order type.
func (r *Registry) Processor(offeringType string, orderType orderdomain.Type) (Processor, error) {
	set, err := r.Lookup(offeringType)
	if err != nil {
		return nil, err
	}
	processor := set.Processor(orderType)
	if processor == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrUnsupportedOperation, offeringType, orderType)
	}
	return processor, nil
}

// Supports reports whether orders of orderType can be processed for the type.
func (r *Registry) Supports(offeringType string, orderType orderdomain.Type) bool {
	_, err := r.Processor(offeringType, orderType)
	return err == nil
}

// Types lists registered offering types in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.sets))
	for offeringType := range r.sets {
		types = append(types, offeringType)
	}
	sort.Strings(types)
	return types
}

type RegistryParams struct {
	fx.In

	Log           *zap.Logger
	Registrations []Registration `group:"plugin_registrations"`
}

func NewRegistry(p RegistryParams) (*Registry, error) {
	builder := NewBuilder()
	for _, registration := range p.Registrations {
		if err := builder.Register(registration.OfferingType, registration.Set); err != nil {
			return nil, err
		}
	}
	registry := builder.Build()
	p.Log.Named("plugin").Info("plugin.registry.built", zap.Strings("offering_types", registry.Types()))
	return registry, nil
}

var Module = fx.Module("plugin",
	fx.Provide(NewRegistry),
)
