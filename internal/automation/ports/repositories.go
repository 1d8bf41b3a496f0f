package ports

import (
	"context"
	"time"

	"github.com/reachflow-go/internal/domain/automation"
)

type ListWorkflowsOptions struct {
	TriggerType automation.TriggerType
	Published   *bool
	Page        int
	Limit       int
}

type ListRunsOptions struct {
	WorkflowID string
	ContactID  string
	Status     automation.RunStatus
	Page       int
	Limit      int
}

type WorkflowRepository interface {
	Ping(ctx context.Context) error

	Create(ctx context.Context, w *automation.Workflow) error
	Get(ctx context.Context, tenantID, workflowID string) (*automation.Workflow, error)
	Update(ctx context.Context, w *automation.Workflow) error
	Delete(ctx context.Context, tenantID, workflowID string) error
	List(ctx context.Context, tenantID string, opts ListWorkflowsOptions) ([]*automation.Workflow, int64, error)
	ExistsByName(ctx context.Context, tenantID, name, excludeID string) (bool, error)

	ListPublishedByTrigger(ctx context.Context, tenantID string, triggerType automation.TriggerType) ([]*automation.Workflow, error)
	// ListPublishedByTriggerAllTenants is used by background scans that are not tenant scoped
	ListPublishedByTriggerAllTenants(ctx context.Context, triggerType automation.TriggerType) ([]*automation.Workflow, error)

	IncrementStats(ctx context.Context, tenantID, workflowID string, field automation.StatField) error
	MarkTriggered(ctx context.Context, tenantID, workflowID string, at time.Time) error
}

type RunRepository interface {
	Create(ctx context.Context, run *automation.WorkflowRun) error
	Get(ctx context.Context, tenantID, runID string) (*automation.WorkflowRun, error)
	List(ctx context.Context, tenantID string, opts ListRunsOptions) ([]*automation.WorkflowRun, int64, error)

	// Save writes every mutable column of the run, but only while its stored
	// status is one of expect. It reports whether a row was updated. With no
	// expected statuses the write is unconditional.
	Save(ctx context.Context, run *automation.WorkflowRun, expect ...automation.RunStatus) (bool, error)

	// FindDueRuns returns WAITING runs whose next execution time is at or before now, oldest first
	FindDueRuns(ctx context.Context, now time.Time, limit int) ([]*automation.WorkflowRun, error)
	FindActiveRuns(ctx context.Context, tenantID, workflowID, contactID string) ([]*automation.WorkflowRun, error)
	// CreateExclusive creates run only if its contact has no active run of the
	// workflow. When one exists it is returned and run is not written.
	CreateExclusive(ctx context.Context, run *automation.WorkflowRun) (*automation.WorkflowRun, error)
}

type NodeRunRepository interface {
	Create(ctx context.Context, nodeRun *automation.WorkflowNodeRun) error
	// Complete is the single write allowed after creation
	Complete(ctx context.Context, nodeRun *automation.WorkflowNodeRun) error
	ListByRun(ctx context.Context, tenantID, runID string) ([]*automation.WorkflowNodeRun, error)
}
