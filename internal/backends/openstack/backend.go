package openstack

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/gosimple/slug"
	offeringdomain "github.com/smallbiznis/marketplace/internal/offering/domain"
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	"github.com/smallbiznis/marketplace/internal/plugin"
	"github.com/smallbiznis/marketplace/internal/processing"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"github.com/smallbiznis/marketplace/internal/scope"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrMissingImage    = errors.New("openstack_image_required")
	ErrMissingFlavor   = errors.New("openstack_flavor_required")
	ErrInvalidNetworks = errors.New("openstack_networks_invalid")
)

// Backend drives Nova for OpenStack.Instance orders. It provisions through
// the processing templates and reports back through pulls.
type Backend struct {
	*Store

	compute   *gophercloud.ServiceClient
	db        *gorm.DB
	genID     *snowflake.Node
	log       *zap.Logger
	offerings offeringdomain.Repository
	toolkit   *processing.Toolkit
}

func NewBackend(compute *gophercloud.ServiceClient, tk *processing.Toolkit, offerings offeringdomain.Repository, log *zap.Logger) *Backend {
	return &Backend{
		Store:     NewStore(tk.Clock()),
		compute:   compute,
		db:        tk.DB(),
		genID:     tk.GenID(),
		log:       log.Named("backends.openstack"),
		offerings: offerings,
		toolkit:   tk,
	}
}

// Registration wires the template processors for OpenStack.Instance.
func (b *Backend) Registration() plugin.Registration {
	return plugin.Registration{
		OfferingType: OfferingType,
		Set: plugin.ProcessorSet{
			Create: processing.NewCreateProcessor(b.toolkit, b),
			Update: processing.NewUpdateProcessor(b.toolkit, b),
			Delete: processing.NewDeleteProcessor(b.toolkit, b),
			Components: []plugin.ComponentInfo{
				{Type: "cores", Name: "Cores", MeasuredUnit: "cores", BillingType: offeringdomain.BillingTypeFixed},
				{Type: "ram", Name: "RAM", MeasuredUnit: "GB", BillingType: offeringdomain.BillingTypeFixed, Factor: 1024},
				{Type: "disk", Name: "Disk", MeasuredUnit: "GB", BillingType: offeringdomain.BillingTypeFixed, Factor: 1024},
			},
			ScopeKind: Kind,
		},
	}
}

func (b *Backend) OfferingType() string { return OfferingType }

func (b *Backend) ValidateOrder(ctx context.Context, req plugin.Request) error {
	switch req.Order.Type {
	case orderdomain.TypeCreate:
		if attributeString(req.Order.Attributes, "image_id") == "" {
			return processing.Invalid(ErrMissingImage, "image_id attribute is required")
		}
		if _, err := networksAttribute(req.Order.Attributes); err != nil {
			return processing.Invalid(ErrInvalidNetworks, "%s", err.Error())
		}
		return b.validateFlavor(ctx, req.Order.PlanID)
	case orderdomain.TypeUpdate:
		return b.validateFlavor(ctx, req.Order.PlanID)
	default:
		return nil
	}
}

func (b *Backend) validateFlavor(ctx context.Context, planID *snowflake.ID) error {
	if planID == nil {
		return processing.Invalid(ErrMissingFlavor, "a plan mapped to a flavor is required")
	}
	plan, err := b.offerings.FindPlanByID(ctx, b.db, *planID)
	if err != nil {
		return err
	}
	if plan == nil || strings.TrimSpace(plan.BackendID) == "" {
		return processing.Invalid(ErrMissingFlavor, "plan %s is not mapped to a flavor", planID.String())
	}
	return nil
}

func (b *Backend) Provision(ctx context.Context, req processing.CreateRequest) (processing.Provisioned, error) {
	if req.Plan == nil || strings.TrimSpace(req.Plan.BackendID) == "" {
		return processing.Provisioned{}, ErrMissingFlavor
	}
	networks, err := networksAttribute(req.Resource.Attributes)
	if err != nil {
		return processing.Provisioned{}, err
	}

	now := b.clock.Now()
	projectID := req.Resource.ProjectID
	instance := &Instance{
		ID:        b.genID.Generate(),
		Name:      serverName(req.Resource),
		FlavorID:  strings.TrimSpace(req.Plan.BackendID),
		ImageID:   attributeString(req.Resource.Attributes, "image_id"),
		State:     scope.StateCreationScheduled,
		Metadata:  datatypes.JSONMap{},
		ProjectID: &projectID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.repo.insert(ctx, b.db, instance); err != nil {
		return processing.Provisioned{}, err
	}

	opts := servers.CreateOpts{
		Name:      instance.Name,
		FlavorRef: instance.FlavorID,
		ImageRef:  instance.ImageID,
		Metadata:  map[string]string{"marketplace_resource_id": req.Resource.ID.String()},
	}
	if len(networks) > 0 {
		opts.Networks = networks
	}
	server, err := servers.Create(b.compute, opts).Extract()
	if err != nil {
		b.markErred(ctx, instance, err.Error())
		return processing.Provisioned{}, fmt.Errorf("create server: %w", err)
	}

	instance.BackendID = server.ID
	instance.State = scope.StateCreating
	instance.RuntimeState = server.Status
	instance.UpdatedAt = b.clock.Now()
	if err := b.repo.update(ctx, b.db, instance); err != nil {
		return processing.Provisioned{}, err
	}

	b.log.Info("backends.openstack.server.created",
		zap.String("resource_id", req.Resource.ID.String()),
		zap.String("instance_id", instance.ID.String()),
		zap.String("server_id", server.ID),
		zap.String("flavor_id", instance.FlavorID),
	)
	return processing.Provisioned{
		Scope:     instance.ref(),
		BackendID: server.ID,
		BackendMetadata: map[string]any{
			"flavor_id": instance.FlavorID,
			"image_id":  instance.ImageID,
		},
	}, nil
}

// Update resizes the server when the plan changes. Limit-only changes have
// nothing to do on Nova and complete at once.
func (b *Backend) Update(ctx context.Context, req processing.UpdateRequest) (bool, error) {
	if req.Plan == nil {
		return true, nil
	}
	flavor := strings.TrimSpace(req.Plan.BackendID)
	if flavor == "" {
		return false, ErrMissingFlavor
	}
	instance, err := b.instanceFor(ctx, req.Resource)
	if err != nil {
		return false, err
	}
	if instance.FlavorID == flavor {
		return true, nil
	}

	if err := servers.Resize(b.compute, instance.BackendID, servers.ResizeOpts{FlavorRef: flavor}).ExtractErr(); err != nil {
		return false, fmt.Errorf("resize server %s: %w", instance.BackendID, err)
	}
	instance.FlavorID = flavor
	instance.State = scope.StateUpdating
	instance.UpdatedAt = b.clock.Now()
	if err := b.repo.update(ctx, b.db, instance); err != nil {
		return false, err
	}
	b.log.Info("backends.openstack.server.resizing",
		zap.String("resource_id", req.Resource.ID.String()),
		zap.String("server_id", instance.BackendID),
		zap.String("flavor_id", flavor),
	)
	return false, nil
}

func (b *Backend) Deprovision(ctx context.Context, req processing.DeleteRequest) (bool, error) {
	instance, err := b.repo.findByID(ctx, b.db, req.Resource.Scope.ID)
	if err != nil {
		return false, err
	}
	if instance == nil {
		return false, processing.ErrBackendObjectGone
	}
	if instance.BackendID == "" {
		return false, b.gone(ctx, instance)
	}

	err = servers.Delete(b.compute, instance.BackendID).ExtractErr()
	if isNotFound(err) {
		return false, b.gone(ctx, instance)
	}
	if err != nil {
		return false, fmt.Errorf("delete server %s: %w", instance.BackendID, err)
	}

	instance.State = scope.StateDeleting
	instance.UpdatedAt = b.clock.Now()
	if err := b.repo.update(ctx, b.db, instance); err != nil {
		return false, err
	}
	b.log.Info("backends.openstack.server.deleting",
		zap.String("resource_id", req.Resource.ID.String()),
		zap.String("server_id", instance.BackendID),
	)
	return false, nil
}

// Pull reads the server from Nova and folds its status into the scope row.
// A server in VERIFY_RESIZE is confirmed on the way.
func (b *Backend) Pull(ctx context.Context, db *gorm.DB, id string) (scope.Change, error) {
	instance, err := b.repo.findByID(ctx, db, id)
	if err != nil {
		return scope.Change{}, err
	}
	if instance == nil {
		return scope.Change{}, fmt.Errorf("%w: %s:%s", scope.ErrScopeNotFound, Kind, id)
	}
	change := scope.Change{Ref: instance.ref(), Previous: instance.State, Current: instance.State}
	if instance.BackendID == "" {
		return change, nil
	}

	server, err := servers.Get(b.compute, instance.BackendID).Extract()
	switch {
	case isNotFound(err):
		instance.State = scope.StateDeleted
		instance.RuntimeState = "DELETED"
	case err != nil:
		return scope.Change{}, fmt.Errorf("get server %s: %w", instance.BackendID, err)
	default:
		observed := backendState(server.Status)
		if observed == "" {
			change.Current = ""
			return change, nil
		}
		if strings.EqualFold(server.Status, "VERIFY_RESIZE") {
			if err := servers.ConfirmResize(b.compute, server.ID).ExtractErr(); err != nil {
				return scope.Change{}, fmt.Errorf("confirm resize %s: %w", server.ID, err)
			}
		}
		instance.State = settle(instance.State, observed, flavorID(server) == instance.FlavorID)
		instance.RuntimeState = server.Status
		instance.Name = server.Name
		instance.ErrorMessage = ""
		if observed == scope.StateErred {
			instance.ErrorMessage = server.Fault.Message
		}
	}

	instance.UpdatedAt = b.clock.Now()
	if err := b.repo.update(ctx, db, instance); err != nil {
		return scope.Change{}, err
	}
	change.Current = instance.State
	change.ErrorMessage = instance.ErrorMessage
	return change, nil
}

// DiscoverOrphans lists servers visible to the project and returns those no
// resource is linked to, recording rows for servers seen the first time.
func (b *Backend) DiscoverOrphans(ctx context.Context, db *gorm.DB, linked map[string]struct{}) ([]scope.Object, error) {
	pages, err := servers.List(b.compute, servers.ListOpts{}).AllPages()
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	list, err := servers.ExtractServers(pages)
	if err != nil {
		return nil, fmt.Errorf("extract servers: %w", err)
	}

	var orphans []scope.Object
	for i := range list {
		server := list[i]
		state := backendState(server.Status)
		if state == scope.StateDeleted {
			continue
		}
		if state == "" {
			state = scope.StateOK
		}

		instance, err := b.repo.findByBackendID(ctx, db, server.ID)
		if err != nil {
			return nil, err
		}
		if instance == nil {
			now := b.clock.Now()
			instance = &Instance{
				ID:           b.genID.Generate(),
				BackendID:    server.ID,
				Name:         server.Name,
				FlavorID:     flavorID(&server),
				ImageID:      imageID(&server),
				State:        state,
				RuntimeState: server.Status,
				Metadata:     datatypes.JSONMap{},
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if state == scope.StateErred {
				instance.ErrorMessage = server.Fault.Message
			}
			if err := b.repo.insert(ctx, db, instance); err != nil {
				return nil, err
			}
		}
		if _, ok := linked[instance.ID.String()]; ok {
			continue
		}
		orphans = append(orphans, *instance.object())
	}
	return orphans, nil
}

func (b *Backend) instanceFor(ctx context.Context, resource *resourcedomain.Resource) (*Instance, error) {
	instance, err := b.repo.findByID(ctx, b.db, resource.Scope.ID)
	if err != nil {
		return nil, err
	}
	if instance == nil || instance.BackendID == "" {
		return nil, fmt.Errorf("%w: %s", scope.ErrScopeNotFound, resource.Scope.String())
	}
	return instance, nil
}

func (b *Backend) gone(ctx context.Context, instance *Instance) error {
	instance.State = scope.StateDeleted
	instance.UpdatedAt = b.clock.Now()
	if err := b.repo.update(ctx, b.db, instance); err != nil {
		return err
	}
	return processing.ErrBackendObjectGone
}

func (b *Backend) markErred(ctx context.Context, instance *Instance, message string) {
	instance.State = scope.StateErred
	instance.ErrorMessage = message
	instance.UpdatedAt = b.clock.Now()
	if err := b.repo.update(context.WithoutCancel(ctx), b.db, instance); err != nil {
		b.log.Warn("backends.openstack.instance.mark_erred_failed",
			zap.String("instance_id", instance.ID.String()),
			zap.Error(err),
		)
	}
}

func serverName(resource *resourcedomain.Resource) string {
	if name := slug.Make(resource.Name); name != "" {
		return name
	}
	return "resource-" + resource.ID.String()
}

func attributeString(attrs datatypes.JSONMap, key string) string {
	value, _ := attrs[key].(string)
	return strings.TrimSpace(value)
}

// networksAttribute accepts a single network id or a list of them.
func networksAttribute(attrs datatypes.JSONMap) ([]servers.Network, error) {
	raw, ok := attrs["networks"]
	if !ok || raw == nil {
		return nil, nil
	}
	var ids []string
	switch value := raw.(type) {
	case string:
		ids = []string{value}
	case []string:
		ids = value
	case []any:
		for _, item := range value {
			id, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: networks must be a list of ids", ErrInvalidNetworks)
			}
			ids = append(ids, id)
		}
	default:
		return nil, fmt.Errorf("%w: networks must be a list of ids", ErrInvalidNetworks)
	}

	networks := make([]servers.Network, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			networks = append(networks, servers.Network{UUID: id})
		}
	}
	return networks, nil
}

func flavorID(server *servers.Server) string {
	id, _ := server.Flavor["id"].(string)
	return id
}

func imageID(server *servers.Server) string {
	id, _ := server.Image["id"].(string)
	return id
}
