package authorization

import (
	"context"
	_ "embed"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) *ServiceImpl {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

// ProjectDomain is the casbin domain of a consumer project.
func ProjectDomain(projectID snowflake.ID) string {
	return "project:" + projectID.String()
}

// CustomerDomain is the casbin domain of a provider organization.
func CustomerDomain(customerID snowflake.ID) string {
	return "customer:" + customerID.String()
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, domain string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return ErrInvalidDomain
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}
	if actor == SystemActor {
		return nil
	}

	allowed, err := s.enforcer.Enforce(subject(actor), domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Debug("authorization.denied",
			zap.String("actor", actor),
			zap.String("domain", domain),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) Grant(ctx context.Context, actor string, role string, domain string) error {
	actor, role, domain, err := normalizeGrant(actor, role, domain)
	if err != nil {
		return err
	}
	has, err := s.enforcer.HasGroupingPolicy(subject(actor), role, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	if _, err := s.enforcer.AddGroupingPolicy(subject(actor), role, domain); err != nil {
		return err
	}
	s.log.Info("authorization.role.granted",
		zap.String("actor", actor),
		zap.String("role", role),
		zap.String("domain", domain),
	)
	return nil
}

func (s *ServiceImpl) Revoke(ctx context.Context, actor string, role string, domain string) error {
	actor, role, domain, err := normalizeGrant(actor, role, domain)
	if err != nil {
		return err
	}
	_, err = s.enforcer.RemoveGroupingPolicy(subject(actor), role, domain)
	return err
}

// CanApproveAsConsumer reports whether the user may approve orders of a project.
func (s *ServiceImpl) CanApproveAsConsumer(ctx context.Context, user string, projectID snowflake.ID) (bool, error) {
	return s.allowed(ctx, user, ProjectDomain(projectID), ActionOrderApproveConsumer)
}

// CanApproveAsProvider reports whether the user may approve orders for a
// provider organization's offerings.
func (s *ServiceImpl) CanApproveAsProvider(ctx context.Context, user string, customerID snowflake.ID) (bool, error) {
	return s.allowed(ctx, user, CustomerDomain(customerID), ActionOrderApproveProvider)
}

func (s *ServiceImpl) allowed(ctx context.Context, user string, domain string, action string) (bool, error) {
	err := s.Authorize(ctx, user, domain, ObjectOrder, action)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrForbidden):
		return false, nil
	default:
		return false, err
	}
}

func normalizeGrant(actor, role, domain string) (string, string, string, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" || actor == SystemActor {
		return "", "", "", ErrInvalidActor
	}
	role = strings.TrimSpace(role)
	if !strings.HasPrefix(role, "role:") {
		return "", "", "", ErrInvalidRole
	}
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return "", "", "", ErrInvalidDomain
	}
	return actor, role, domain, nil
}

func subject(actor string) string {
	if strings.HasPrefix(actor, "user:") {
		return actor
	}
	return "user:" + actor
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{RoleProjectAdmin, ObjectOrder, ActionOrderApproveConsumer},
		{RoleProjectManager, ObjectOrder, ActionOrderApproveConsumer},

		{RoleCustomerOwner, ObjectOrder, ActionOrderApproveProvider},
		{RoleServiceManager, ObjectOrder, ActionOrderApproveProvider},

		{RoleStaff, ObjectOrder, ActionOrderApproveConsumer},
		{RoleStaff, ObjectOrder, ActionOrderApproveProvider},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
