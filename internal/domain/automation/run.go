package automation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunWaiting   RunStatus = "waiting"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// ActiveStatuses are the non-terminal run statuses.
var ActiveStatuses = []RunStatus{RunPending, RunRunning, RunWaiting}

// Terminal reports whether no further transition is allowed from s.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

var runTransitions = map[RunStatus][]RunStatus{
	RunPending: {RunRunning, RunCancelled},
	RunRunning: {RunWaiting, RunCompleted, RunFailed, RunCancelled},
	RunWaiting: {RunRunning, RunCancelled},
}

// CanTransition reports whether the run state machine allows from -> to.
func CanTransition(from, to RunStatus) bool {
	for _, s := range runTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type TriggerSnapshot struct {
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

type MessageSnapshot struct {
	Channel  string                 `json:"channel"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type RunError struct {
	NodeID    string    `json:"nodeId"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// RunContext is everything a run needs to resume after a restart.
type RunContext struct {
	Trigger        TriggerSnapshot        `json:"trigger"`
	Contact        map[string]interface{} `json:"contact,omitempty"`
	Message        *MessageSnapshot       `json:"message,omitempty"`
	Variables      map[string]interface{} `json:"variables,omitempty"`
	LastNodeID     string                 `json:"lastNodeId,omitempty"`
	LastNodeResult map[string]interface{} `json:"lastNodeResult,omitempty"`
	Errors         []RunError             `json:"errors,omitempty"`
}

// AsMap renders the context as a generic map for dot-path lookups.
func (c RunContext) AsMap() map[string]interface{} {
	out := map[string]interface{}{}
	data, err := json.Marshal(c)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}

type WorkflowRun struct {
	ID              string     `json:"id" gorm:"primaryKey"`
	TenantID        string     `json:"tenantId" gorm:"not null;index"`
	WorkflowID      string     `json:"workflowId" gorm:"not null;index:idx_run_workflow_contact"`
	ContactID       string     `json:"contactId,omitempty" gorm:"index:idx_run_workflow_contact"`
	Status          RunStatus  `json:"status" gorm:"not null;index:idx_run_due"`
	CurrentNodeID   string     `json:"currentNodeId,omitempty"`
	Context         RunContext `json:"context" gorm:"serializer:json"`
	NextExecutionAt *time.Time `json:"nextExecutionAt,omitempty" gorm:"index:idx_run_due"`
	CorrelationID   string     `json:"correlationId" gorm:"index"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// NewRun creates a pending run for a workflow.
func NewRun(wf *Workflow, contactID string, ctx RunContext) *WorkflowRun {
	now := time.Now().UTC()
	if ctx.Variables == nil {
		ctx.Variables = map[string]interface{}{}
	}
	return &WorkflowRun{
		ID:            uuid.New().String(),
		TenantID:      wf.TenantID,
		WorkflowID:    wf.ID,
		ContactID:     contactID,
		Status:        RunPending,
		Context:       ctx,
		CorrelationID: uuid.New().String(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

type NodeRunStatus string

const (
	NodeRunPending   NodeRunStatus = "pending"
	NodeRunExecuting NodeRunStatus = "executing"
	NodeRunCompleted NodeRunStatus = "completed"
	NodeRunFailed    NodeRunStatus = "failed"
	NodeRunSkipped   NodeRunStatus = "skipped"
)

// ResultMetadata carries suspension instructions from a node to the engine.
type ResultMetadata struct {
	WaitUntil *time.Time `json:"waitUntil,omitempty"`
}

type NodeRunResult struct {
	Success    bool                   `json:"success"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	NextNodeID string                 `json:"nextNodeId,omitempty"`
	Metadata   *ResultMetadata        `json:"metadata,omitempty"`
}

// Suspends reports whether the result asks the engine to wait.
func (r NodeRunResult) Suspends() bool {
	return r.Metadata != nil && r.Metadata.WaitUntil != nil
}

// WorkflowNodeRun is the append-only audit record of one node execution.
type WorkflowNodeRun struct {
	ID           string                 `json:"id" gorm:"primaryKey"`
	TenantID     string                 `json:"tenantId" gorm:"not null;index"`
	RunID        string                 `json:"runId" gorm:"not null;index"`
	NodeID       string                 `json:"nodeId" gorm:"not null"`
	NodeType     NodeType               `json:"nodeType"`
	Status       NodeRunStatus          `json:"status"`
	Input        map[string]interface{} `json:"input" gorm:"serializer:json"`
	Result       *NodeRunResult         `json:"result,omitempty" gorm:"serializer:json"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	DurationMs   int64                  `json:"durationMs"`
	ExecutedAt   time.Time              `json:"executedAt" gorm:"index"`
	CreatedAt    time.Time              `json:"createdAt"`
}
