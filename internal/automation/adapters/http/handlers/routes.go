package handlers

import "github.com/gin-gonic/gin"

// Register mounts the automation API on router. triggerLimit guards the
// endpoints that start runs and may be nil.
func Register(router gin.IRouter, h *AutomationHandlers, triggerLimit gin.HandlerFunc) {
	if triggerLimit == nil {
		triggerLimit = func(c *gin.Context) { c.Next() }
	}

	v1 := router.Group("/api/v1/automation", RequireTenant())
	{
		workflows := v1.Group("/workflows")
		workflows.GET("", h.ListWorkflows)
		workflows.POST("", h.CreateWorkflow)
		workflows.GET("/:id", h.GetWorkflow)
		workflows.PUT("/:id", h.UpdateWorkflow)
		workflows.DELETE("/:id", h.DeleteWorkflow)
		workflows.POST("/:id/validate", h.ValidateWorkflow)
		workflows.POST("/:id/publish", h.PublishWorkflow)
		workflows.POST("/:id/unpublish", h.UnpublishWorkflow)
		workflows.POST("/:id/trigger", triggerLimit, h.TriggerWorkflow)

		runs := v1.Group("/runs")
		runs.GET("", h.ListRuns)
		runs.GET("/:id", h.GetRun)
		runs.GET("/:id/nodes", h.ListNodeRuns)
		runs.POST("/:id/cancel", h.CancelRun)

		signals := v1.Group("/signals", triggerLimit)
		signals.POST("/messages", h.IncomingMessage)
		signals.POST("/events", h.DomainEvent)
	}
}
