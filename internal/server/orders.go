package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
)

type createOrderRequest struct {
	Type       string           `json:"type"`
	OfferingID string           `json:"offering_id"`
	ProjectID  string           `json:"project_id"`
	ResourceID string           `json:"resource_id"`
	PlanID     string           `json:"plan_id"`
	Limits     map[string]int64 `json:"limits"`
	Attributes map[string]any   `json:"attributes"`
}

type reviewOrderRequest struct {
	Comment string `json:"comment"`
}

type setOrderStateRequest struct {
	ErrorMessage string `json:"error_message"`
}

type orderResponse struct {
	ID                 string                `json:"id"`
	Type               string                `json:"type"`
	State              string                `json:"state"`
	ResourceID         *string               `json:"resource_id"`
	OfferingID         string                `json:"offering_id"`
	PlanID             *string               `json:"plan_id"`
	OldPlanID          *string               `json:"old_plan_id"`
	ProjectID          string                `json:"project_id"`
	Limits             resourcedomain.Limits `json:"limits"`
	Attributes         map[string]any        `json:"attributes"`
	Cost               string                `json:"cost"`
	CreatedBy          string                `json:"created_by"`
	ConsumerReviewedBy string                `json:"consumer_reviewed_by,omitempty"`
	ConsumerReviewedAt *time.Time            `json:"consumer_reviewed_at,omitempty"`
	ProviderReviewedBy string                `json:"provider_reviewed_by,omitempty"`
	ProviderReviewedAt *time.Time            `json:"provider_reviewed_at,omitempty"`
	ErrorMessage       string                `json:"error_message,omitempty"`
	TerminationComment string                `json:"termination_comment,omitempty"`
	ActivatedAt        *time.Time            `json:"activated_at,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

func newOrderResponse(order orderdomain.Order) orderResponse {
	return orderResponse{
		ID:                 order.ID.String(),
		Type:               string(order.Type),
		State:              string(order.State),
		ResourceID:         idString(order.ResourceID),
		OfferingID:         order.OfferingID.String(),
		PlanID:             idString(order.PlanID),
		OldPlanID:          idString(order.OldPlanID),
		ProjectID:          order.ProjectID.String(),
		Limits:             order.RequestedLimits(),
		Attributes:         map[string]any(order.Attributes),
		Cost:               order.Cost.String(),
		CreatedBy:          order.CreatedBy,
		ConsumerReviewedBy: order.ConsumerReviewedBy,
		ConsumerReviewedAt: order.ConsumerReviewedAt,
		ProviderReviewedBy: order.ProviderReviewedBy,
		ProviderReviewedAt: order.ProviderReviewedAt,
		ErrorMessage:       order.ErrorMessage,
		TerminationComment: order.TerminationComment,
		ActivatedAt:        order.ActivatedAt,
		CreatedAt:          order.CreatedAt,
		UpdatedAt:          order.UpdatedAt,
	}
}

func newOrderResponses(orders []orderdomain.Order) []orderResponse {
	out := make([]orderResponse, 0, len(orders))
	for _, order := range orders {
		out = append(out, newOrderResponse(order))
	}
	return out
}

func (s *Server) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	order, err := s.orderSvc.CreateOrder(c.Request.Context(), orderdomain.CreateOrderRequest{
		Type:       orderdomain.Type(strings.ToUpper(strings.TrimSpace(req.Type))),
		OfferingID: strings.TrimSpace(req.OfferingID),
		ProjectID:  strings.TrimSpace(req.ProjectID),
		ResourceID: strings.TrimSpace(req.ResourceID),
		PlanID:     strings.TrimSpace(req.PlanID),
		Limits:     req.Limits,
		Attributes: req.Attributes,
		User:       currentUser(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": newOrderResponse(order)})
}

func (s *Server) GetOrder(c *gin.Context) {
	order, err := s.orderSvc.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newOrderResponse(order)})
}

func (s *Server) ApproveOrderByConsumer(c *gin.Context) {
	s.reviewOrder(c, s.orderSvc.ApproveByConsumer)
}

func (s *Server) ApproveOrderByProvider(c *gin.Context) {
	s.reviewOrder(c, s.orderSvc.ApproveByProvider)
}

func (s *Server) RejectOrder(c *gin.Context) {
	s.reviewOrder(c, s.orderSvc.Reject)
}

func (s *Server) CancelOrder(c *gin.Context) {
	s.reviewOrder(c, s.orderSvc.Cancel)
}

func (s *Server) SetOrderStateDone(c *gin.Context) {
	s.setOrderState(c, orderdomain.StateDone)
}

func (s *Server) SetOrderStateErred(c *gin.Context) {
	s.setOrderState(c, orderdomain.StateErred)
}

func (s *Server) setOrderState(c *gin.Context, state orderdomain.State) {
	var req setOrderStateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	if state != orderdomain.StateErred {
		req.ErrorMessage = ""
	}

	order, err := s.orderSvc.SetState(c.Request.Context(), orderdomain.SetStateRequest{
		OrderID:      strings.TrimSpace(c.Param("id")),
		User:         currentUser(c),
		State:        state,
		ErrorMessage: strings.TrimSpace(req.ErrorMessage),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newOrderResponse(order)})
}

func (s *Server) reviewOrder(c *gin.Context, review func(context.Context, orderdomain.ReviewOrderRequest) (orderdomain.Order, error)) {
	var req reviewOrderRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	order, err := review(c.Request.Context(), orderdomain.ReviewOrderRequest{
		OrderID: strings.TrimSpace(c.Param("id")),
		User:    currentUser(c),
		Comment: strings.TrimSpace(req.Comment),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newOrderResponse(order)})
}

func idString(id *snowflake.ID) *string {
	if id == nil {
		return nil
	}
	value := id.String()
	return &value
}
