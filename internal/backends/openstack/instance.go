package openstack

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"github.com/smallbiznis/marketplace/internal/scope"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	// Kind is the scope kind instance rows are referenced by.
	Kind = "openstack.instance"
	// OfferingType is the marketplace offering type served by this backend.
	OfferingType = "OpenStack.Instance"
)

// Instance mirrors one Nova server.
type Instance struct {
	ID           snowflake.ID       `gorm:"primaryKey"`
	BackendID    string             `gorm:"type:text;not null;default:'';index"`
	Name         string             `gorm:"type:text;not null"`
	FlavorID     string             `gorm:"type:text"`
	ImageID      string             `gorm:"type:text"`
	State        scope.BackendState `gorm:"type:text;not null"`
	RuntimeState string             `gorm:"type:text"`
	ErrorMessage string             `gorm:"type:text"`
	Metadata     datatypes.JSONMap  `gorm:"type:jsonb"`
	ProjectID    *snowflake.ID      `gorm:""`
	CreatedAt    time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Instance) TableName() string { return "openstack_instances" }

func (i *Instance) ref() resourcedomain.BackendRef {
	return resourcedomain.BackendRef{Kind: Kind, ID: i.ID.String()}
}

func (i *Instance) object() *scope.Object {
	obj := &scope.Object{
		Ref:          i.ref(),
		BackendID:    i.BackendID,
		Name:         i.Name,
		State:        i.State,
		RuntimeState: i.RuntimeState,
		ErrorMessage: i.ErrorMessage,
		Metadata:     map[string]any(i.Metadata),
	}
	if i.ProjectID != nil {
		obj.ProjectID = *i.ProjectID
	}
	return obj
}

type instanceRepo struct{}

func (instanceRepo) findByID(ctx context.Context, db *gorm.DB, id string) (*Instance, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return nil, nil
	}
	var instance Instance
	err = db.WithContext(ctx).Raw(
		`SELECT id, backend_id, name, flavor_id, image_id, state, runtime_state, error_message,
			metadata, project_id, created_at, updated_at
		FROM openstack_instances
		WHERE id = ?`,
		parsed,
	).Scan(&instance).Error
	if err != nil {
		return nil, err
	}
	if instance.ID == 0 {
		return nil, nil
	}
	return &instance, nil
}

func (instanceRepo) findByBackendID(ctx context.Context, db *gorm.DB, backendID string) (*Instance, error) {
	var instance Instance
	err := db.WithContext(ctx).Raw(
		`SELECT id, backend_id, name, flavor_id, image_id, state, runtime_state, error_message,
			metadata, project_id, created_at, updated_at
		FROM openstack_instances
		WHERE backend_id = ?
		ORDER BY id ASC
		LIMIT 1`,
		backendID,
	).Scan(&instance).Error
	if err != nil {
		return nil, err
	}
	if instance.ID == 0 {
		return nil, nil
	}
	return &instance, nil
}

func (instanceRepo) insert(ctx context.Context, db *gorm.DB, instance *Instance) error {
	return db.WithContext(ctx).Create(instance).Error
}

func (instanceRepo) update(ctx context.Context, db *gorm.DB, instance *Instance) error {
	return db.WithContext(ctx).Exec(
		`UPDATE openstack_instances
		SET backend_id = ?, name = ?, flavor_id = ?, image_id = ?, state = ?, runtime_state = ?,
			error_message = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		instance.BackendID,
		instance.Name,
		instance.FlavorID,
		instance.ImageID,
		instance.State,
		instance.RuntimeState,
		instance.ErrorMessage,
		instance.Metadata,
		instance.UpdatedAt,
		instance.ID,
	).Error
}
