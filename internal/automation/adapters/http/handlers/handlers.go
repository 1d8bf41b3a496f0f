package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/reachflow-go/internal/automation/app/service"
	"github.com/reachflow-go/internal/automation/app/trigger"
	"github.com/reachflow-go/internal/automation/ports"
	"github.com/reachflow-go/internal/domain/automation"
	"github.com/reachflow-go/pkg/logger"
)

const (
	TenantHeader = "X-Tenant-ID"
	tenantKey    = "tenantID"
)

type AutomationHandlers struct {
	service *service.WorkflowService
	matcher *trigger.Matcher
	logger  logger.Logger
}

func NewAutomationHandlers(svc *service.WorkflowService, matcher *trigger.Matcher, log logger.Logger) *AutomationHandlers {
	return &AutomationHandlers{
		service: svc,
		matcher: matcher,
		logger:  log,
	}
}

type TriggerRequest struct {
	ContactID string                 `json:"contactId"`
	Context   map[string]interface{} `json:"context"`
}

// RequireTenant rejects requests without a tenant header.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader(TenantHeader)
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "tenant ID required"})
			return
		}
		c.Set(tenantKey, tenantID)
		c.Next()
	}
}

func (h *AutomationHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *AutomationHandlers) Ready(c *gin.Context) {
	if err := h.service.CheckReady(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Workflows

func (h *AutomationHandlers) ListWorkflows(c *gin.Context) {
	opts := ports.ListWorkflowsOptions{
		TriggerType: automation.TriggerType(c.Query("triggerType")),
	}
	opts.Page, opts.Limit = pagination(c)
	if raw := c.Query("published"); raw != "" {
		published, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "published must be a boolean"})
			return
		}
		opts.Published = &published
	}

	workflows, total, err := h.service.ListWorkflows(c.Request.Context(), tenant(c), opts)
	if err != nil {
		h.respondError(c, "Failed to list workflows", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workflows": workflows,
		"total":     total,
		"page":      opts.Page,
		"limit":     opts.Limit,
	})
}

func (h *AutomationHandlers) CreateWorkflow(c *gin.Context) {
	var req service.CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wf, err := h.service.CreateWorkflow(c.Request.Context(), tenant(c), req)
	if err != nil {
		h.respondError(c, "Failed to create workflow", err)
		return
	}

	c.JSON(http.StatusCreated, wf)
}

func (h *AutomationHandlers) GetWorkflow(c *gin.Context) {
	wf, err := h.service.GetWorkflow(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to get workflow", err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (h *AutomationHandlers) UpdateWorkflow(c *gin.Context) {
	var req service.UpdateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wf, err := h.service.UpdateWorkflow(c.Request.Context(), tenant(c), c.Param("id"), req)
	if err != nil {
		h.respondError(c, "Failed to update workflow", err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (h *AutomationHandlers) DeleteWorkflow(c *gin.Context) {
	if err := h.service.DeleteWorkflow(c.Request.Context(), tenant(c), c.Param("id")); err != nil {
		h.respondError(c, "Failed to delete workflow", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AutomationHandlers) ValidateWorkflow(c *gin.Context) {
	result, err := h.service.ValidateWorkflow(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to validate workflow", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *AutomationHandlers) PublishWorkflow(c *gin.Context) {
	wf, result, err := h.service.PublishWorkflow(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to publish workflow", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"workflow": wf, "validation": result})
}

func (h *AutomationHandlers) UnpublishWorkflow(c *gin.Context) {
	wf, err := h.service.UnpublishWorkflow(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to unpublish workflow", err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

// TriggerWorkflow starts a published workflow for one contact. A contact
// with an active run gets 409 and the existing run id.
func (h *AutomationHandlers) TriggerWorkflow(c *gin.Context) {
	var req TriggerRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	result, err := h.matcher.TriggerManually(c.Request.Context(), tenant(c), c.Param("id"), req.ContactID, req.Context)
	if err != nil {
		h.respondError(c, "Failed to trigger workflow", err)
		return
	}
	if !result.Triggered {
		c.JSON(http.StatusConflict, result)
		return
	}

	c.JSON(http.StatusOK, result)
}

// Runs

func (h *AutomationHandlers) ListRuns(c *gin.Context) {
	opts := ports.ListRunsOptions{
		WorkflowID: c.Query("workflowId"),
		ContactID:  c.Query("contactId"),
		Status:     automation.RunStatus(c.Query("status")),
	}
	opts.Page, opts.Limit = pagination(c)

	runs, total, err := h.service.ListRuns(c.Request.Context(), tenant(c), opts)
	if err != nil {
		h.respondError(c, "Failed to list runs", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"total": total,
		"page":  opts.Page,
		"limit": opts.Limit,
	})
}

func (h *AutomationHandlers) GetRun(c *gin.Context) {
	run, err := h.service.GetRun(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to get run", err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *AutomationHandlers) ListNodeRuns(c *gin.Context) {
	nodeRuns, err := h.service.ListNodeRuns(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to list node runs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodeRuns})
}

func (h *AutomationHandlers) CancelRun(c *gin.Context) {
	run, err := h.service.CancelRun(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to cancel run", err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// Signals

func (h *AutomationHandlers) IncomingMessage(c *gin.Context) {
	var msg trigger.IncomingMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg.Channel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel is required"})
		return
	}
	msg.TenantID = tenant(c)

	results, err := h.matcher.HandleIncomingMessage(c.Request.Context(), msg)
	if err != nil {
		h.respondError(c, "Failed to handle incoming message", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": nonNil(results)})
}

func (h *AutomationHandlers) DomainEvent(c *gin.Context) {
	var event trigger.DomainEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if event.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
		return
	}
	event.TenantID = tenant(c)

	results, err := h.matcher.HandleEvent(c.Request.Context(), event)
	if err != nil {
		h.respondError(c, "Failed to handle event", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": nonNil(results)})
}

func (h *AutomationHandlers) respondError(c *gin.Context, msg string, err error) {
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      service.ErrInvalidGraph.Error(),
			"validation": verr.Result,
		})
		return
	}

	switch {
	case errors.Is(err, service.ErrWorkflowNotFound), errors.Is(err, service.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrWorkflowPublished),
		errors.Is(err, service.ErrDuplicateName),
		errors.Is(err, service.ErrRunNotCancellable),
		errors.Is(err, trigger.ErrWorkflowNotPublished):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidGraph):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error(msg, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func tenant(c *gin.Context) string {
	return c.GetString(tenantKey)
}

func pagination(c *gin.Context) (page, limit int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}

func nonNil(results []trigger.TriggerResult) []trigger.TriggerResult {
	if results == nil {
		return []trigger.TriggerResult{}
	}
	return results
}
