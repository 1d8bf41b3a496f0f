package automation

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrRunNotFound      = errors.New("workflow run not found")
)

type TriggerType string

const (
	TriggerIncomingMessage TriggerType = "incoming_message"
	TriggerEventBased      TriggerType = "event_based"
	TriggerTimeBased       TriggerType = "time_based"
)

// Valid reports whether t is one of the known trigger types.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerIncomingMessage, TriggerEventBased, TriggerTimeBased:
		return true
	}
	return false
}

// Keyword match types for incoming_message triggers
const (
	KeywordMatchAny   = "any"
	KeywordMatchAll   = "all"
	KeywordMatchExact = "exact"
)

// TriggerConfig holds the filters of every trigger type. Only the fields
// relevant to the workflow's TriggerType are read.
type TriggerConfig struct {
	// incoming_message
	Channels  []string `json:"channels,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
	MatchType string   `json:"matchType,omitempty"`

	// event_based
	EventTypes []string        `json:"eventTypes,omitempty"`
	Conditions []ConditionRule `json:"conditions,omitempty"`

	// time_based
	Cron      string `json:"cron,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
	SegmentID string `json:"segmentId,omitempty"`
}

// ConditionRule is a single field/operator/value predicate. NextNodeID is
// only meaningful inside CONDITION nodes.
type ConditionRule struct {
	Field      string      `json:"field"`
	Operator   string      `json:"operator"`
	Value      interface{} `json:"value"`
	NextNodeID string      `json:"nextNodeId,omitempty"`
}

type Workflow struct {
	ID              string         `json:"id" gorm:"primaryKey"`
	TenantID        string         `json:"tenantId" gorm:"not null;index:idx_workflow_tenant_name"`
	Name            string         `json:"name" gorm:"not null;index:idx_workflow_tenant_name"`
	Description     string         `json:"description"`
	TriggerType     TriggerType    `json:"triggerType" gorm:"not null;index"`
	TriggerConfig   TriggerConfig  `json:"triggerConfig" gorm:"serializer:json"`
	Graph           Graph          `json:"graph" gorm:"serializer:json"`
	IsPublished     bool           `json:"isPublished" gorm:"default:false;index"`
	PublishedAt     *time.Time     `json:"publishedAt"`
	LastTriggeredAt *time.Time     `json:"lastTriggeredAt"`
	TotalRuns       int64          `json:"totalRuns" gorm:"default:0"`
	SuccessfulRuns  int64          `json:"successfulRuns" gorm:"default:0"`
	FailedRuns      int64          `json:"failedRuns" gorm:"default:0"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	DeletedAt       gorm.DeletedAt `json:"-" gorm:"index"`
}

// StatField names one of the cumulative run counters on a workflow.
type StatField string

const (
	StatTotalRuns      StatField = "total_runs"
	StatSuccessfulRuns StatField = "successful_runs"
	StatFailedRuns     StatField = "failed_runs"
)

// NewWorkflow creates a draft workflow
func NewWorkflow(tenantID, name string, triggerType TriggerType) *Workflow {
	now := time.Now().UTC()
	return &Workflow{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Name:        name,
		TriggerType: triggerType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Publish marks the workflow as eligible for execution. Callers must have
// validated the graph first.
func (w *Workflow) Publish(at time.Time) {
	w.IsPublished = true
	w.PublishedAt = &at
	w.UpdatedAt = at
}

// Unpublish returns the workflow to an editable draft.
func (w *Workflow) Unpublish(at time.Time) {
	w.IsPublished = false
	w.UpdatedAt = at
}
