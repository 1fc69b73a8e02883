package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/marketplace/internal/audit/domain"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
)

type resourceResponse struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	State           string                `json:"state"`
	OfferingID      string                `json:"offering_id"`
	PlanID          *string               `json:"plan_id"`
	ProjectID       string                `json:"project_id"`
	ParentID        *string               `json:"parent_id,omitempty"`
	ScopeKind       string                `json:"scope_kind,omitempty"`
	ScopeID         string                `json:"scope_id,omitempty"`
	BackendID       string                `json:"backend_id,omitempty"`
	Limits          resourcedomain.Limits `json:"limits"`
	Attributes      map[string]any        `json:"attributes"`
	BackendMetadata map[string]any        `json:"backend_metadata"`
	CurrentUsages   map[string]any        `json:"current_usages"`
	Cost            string                `json:"cost"`
	ErrorMessage    string                `json:"error_message,omitempty"`
	EndDate         *time.Time            `json:"end_date,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

func newResourceResponse(resource resourcedomain.Resource) resourceResponse {
	return resourceResponse{
		ID:              resource.ID.String(),
		Name:            resource.Name,
		State:           string(resource.State),
		OfferingID:      resource.OfferingID.String(),
		PlanID:          idString(resource.PlanID),
		ProjectID:       resource.ProjectID.String(),
		ParentID:        idString(resource.ParentID),
		ScopeKind:       resource.Scope.Kind,
		ScopeID:         resource.Scope.ID,
		BackendID:       resource.BackendID,
		Limits:          resource.CurrentLimits(),
		Attributes:      map[string]any(resource.Attributes),
		BackendMetadata: map[string]any(resource.BackendMetadata),
		CurrentUsages:   map[string]any(resource.CurrentUsages),
		Cost:            resource.Cost.String(),
		ErrorMessage:    resource.ErrorMessage,
		EndDate:         resource.EndDate,
		CreatedAt:       resource.CreatedAt,
		UpdatedAt:       resource.UpdatedAt,
	}
}

type planPeriodResponse struct {
	ID      string     `json:"id"`
	PlanID  string     `json:"plan_id"`
	StartAt time.Time  `json:"start"`
	EndAt   *time.Time `json:"end"`
}

type reportUsageRequest struct {
	Type        string     `json:"type"`
	Amount      string     `json:"amount"`
	Date        *time.Time `json:"date"`
	Description string     `json:"description"`
}

type usageResponse struct {
	ID            string    `json:"id"`
	ResourceID    string    `json:"resource_id"`
	ComponentType string    `json:"type"`
	Usage         string    `json:"usage"`
	Date          time.Time `json:"date"`
	BillingPeriod time.Time `json:"billing_period"`
	Description   string    `json:"description,omitempty"`
}

func (s *Server) GetResource(c *gin.Context) {
	resource, err := s.resourceSvc.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newResourceResponse(resource)})
}

func (s *Server) ListResourceOrders(c *gin.Context) {
	orders, err := s.orderSvc.ListByResource(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newOrderResponses(orders)})
}

func (s *Server) ListResourcePlanPeriods(c *gin.Context) {
	periods, err := s.resourceSvc.ListPlanPeriods(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]planPeriodResponse, 0, len(periods))
	for _, period := range periods {
		out = append(out, planPeriodResponse{
			ID:      period.ID.String(),
			PlanID:  period.PlanID.String(),
			StartAt: period.StartAt,
			EndAt:   period.EndAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (s *Server) ReportResourceUsage(c *gin.Context) {
	var req reportUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	usage, err := s.resourceSvc.ReportUsage(c.Request.Context(), resourcedomain.ReportUsageRequest{
		ResourceID:    strings.TrimSpace(c.Param("id")),
		ComponentType: strings.TrimSpace(req.Type),
		Usage:         strings.TrimSpace(req.Amount),
		Date:          req.Date,
		Description:   strings.TrimSpace(req.Description),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": usageResponse{
		ID:            usage.ID.String(),
		ResourceID:    usage.ResourceID.String(),
		ComponentType: usage.ComponentType,
		Usage:         usage.Usage.String(),
		Date:          usage.Date,
		BillingPeriod: usage.BillingPeriod,
		Description:   usage.Description,
	}})
}

type auditLogResponse struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	ActorType string         `json:"actor_type"`
	ActorID   string         `json:"actor_id,omitempty"`
	OrderID   *string        `json:"order_id,omitempty"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

func newAuditLogResponses(logs []auditdomain.AuditLog) []auditLogResponse {
	out := make([]auditLogResponse, 0, len(logs))
	for _, entry := range logs {
		out = append(out, auditLogResponse{
			ID:        entry.ID.String(),
			Action:    entry.Action,
			ActorType: entry.ActorType,
			ActorID:   entry.ActorID,
			OrderID:   idString(entry.OrderID),
			Metadata:  map[string]any(entry.Metadata),
			CreatedAt: entry.CreatedAt,
		})
	}
	return out
}

func (s *Server) ListResourceAuditLogs(c *gin.Context) {
	if s.auditSvc == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	logs, err := s.auditSvc.ListForResource(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newAuditLogResponses(logs)})
}
