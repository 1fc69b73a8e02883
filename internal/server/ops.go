package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/marketplace/internal/events"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"github.com/smallbiznis/marketplace/internal/scope"
)

type backendEventRequest struct {
	ResourceID           string `json:"resource_id"`
	ScopeKind            string `json:"scope_kind"`
	ScopeID              string `json:"scope_id"`
	PreviousBackendState string `json:"previous_backend_state" binding:"required"`
	NewBackendState      string `json:"new_backend_state" binding:"required"`
	ErrorMessage         string `json:"error_message"`
}

// PublishBackendEvent is the entry point for backends that signal state
// changes instead of being pulled. A signal carrying a scope is matched to
// its resource through the scope back-reference; resource_id is then only
// a cross-check.
func (s *Server) PublishBackendEvent(c *gin.Context) {
	var req backendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var resourceID snowflake.ID
	if raw := strings.TrimSpace(req.ResourceID); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil || id == 0 {
			AbortWithError(c, newValidationError("resource_id", "invalid_resource_id", "invalid resource_id"))
			return
		}
		resourceID = id
	}
	previous := scope.BackendState(strings.ToUpper(strings.TrimSpace(req.PreviousBackendState)))
	current := scope.BackendState(strings.ToUpper(strings.TrimSpace(req.NewBackendState)))
	if !previous.Valid() || !current.Valid() {
		AbortWithError(c, newValidationError("new_backend_state", "invalid_backend_state", "invalid backend state"))
		return
	}

	ref := resourcedomain.BackendRef{
		Kind: strings.TrimSpace(req.ScopeKind),
		ID:   strings.TrimSpace(req.ScopeID),
	}
	switch {
	case !ref.IsZero():
		resource, err := s.resourceSvc.FindByScope(c.Request.Context(), ref)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if resourceID != 0 && resource.ID != resourceID {
			AbortWithError(c, ErrScopeMismatch)
			return
		}
		resourceID = resource.ID
	case ref.Kind != "" || ref.ID != "":
		AbortWithError(c, newValidationError("scope_id", "invalid_scope", "scope_kind and scope_id go together"))
		return
	case resourceID == 0:
		AbortWithError(c, newValidationError("resource_id", "required", "resource_id or scope is required"))
		return
	}

	event := events.NewResourceBackendStateChanged(resourceID, scope.Change{
		Ref:          ref,
		Previous:     previous,
		Current:      current,
		ErrorMessage: strings.TrimSpace(req.ErrorMessage),
	}, s.clock.Now())
	if err := s.bus.Publish(c.Request.Context(), event); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": gin.H{"id": event.ID, "resource_id": resourceID.String()}})
}

func (s *Server) RunReconcileJob(c *gin.Context) {
	if s.jobs == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	job := strings.TrimSpace(c.Param("job"))
	if err := s.jobs.RunJob(c.Request.Context(), job); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"job": strings.ToLower(job), "status": "completed"}})
}
