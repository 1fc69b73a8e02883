package domain

import (
	"context"
	"errors"
	"time"
)

type ReportUsageRequest struct {
	ResourceID    string     `json:"resource_id" validate:"required"`
	ComponentType string     `json:"type" validate:"required"`
	Usage         string     `json:"amount" validate:"required"`
	Date          *time.Time `json:"date,omitempty"`
	Description   string     `json:"description,omitempty"`
}

type Service interface {
	Get(ctx context.Context, id string) (Resource, error)
	// FindByScope returns the resource whose scope is ref.
	FindByScope(ctx context.Context, ref BackendRef) (Resource, error)
	ListPlanPeriods(ctx context.Context, id string) ([]ResourcePlanPeriod, error)
	ReportUsage(ctx context.Context, req ReportUsageRequest) (ComponentUsage, error)
}

var (
	ErrInvalidResource    = errors.New("invalid_resource")
	ErrResourceNotFound   = errors.New("resource_not_found")
	ErrResourceTerminated = errors.New("resource_terminated")
	ErrInvalidTransition  = errors.New("invalid_resource_transition")
	ErrInvalidComponent   = errors.New("invalid_component")
	ErrInvalidUsage       = errors.New("invalid_usage")
)
