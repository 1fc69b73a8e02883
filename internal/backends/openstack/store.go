package openstack

import (
	"context"
	"fmt"

	"github.com/smallbiznis/marketplace/internal/clock"
	"github.com/smallbiznis/marketplace/internal/scope"
	"gorm.io/gorm"
)

// Store resolves openstack.instance scope refs. It needs no compute client,
// so it stays registered when the backend itself is disabled.
type Store struct {
	clock clock.Clock
	repo  instanceRepo
}

func NewStore(clk clock.Clock) *Store {
	return &Store{clock: clk}
}

func (s *Store) Kind() string { return Kind }

func (s *Store) Get(ctx context.Context, db *gorm.DB, id string) (*scope.Object, error) {
	instance, err := s.repo.findByID(ctx, db, id)
	if err != nil || instance == nil {
		return nil, err
	}
	return instance.object(), nil
}

func (s *Store) SetErred(ctx context.Context, db *gorm.DB, id string, message string) (scope.BackendState, error) {
	instance, err := s.repo.findByID(ctx, db, id)
	if err != nil {
		return "", err
	}
	if instance == nil {
		return "", fmt.Errorf("%w: %s:%s", scope.ErrScopeNotFound, Kind, id)
	}
	previous := instance.State
	instance.State = scope.StateErred
	instance.ErrorMessage = message
	instance.UpdatedAt = s.clock.Now()
	if err := s.repo.update(ctx, db, instance); err != nil {
		return "", err
	}
	return previous, nil
}
