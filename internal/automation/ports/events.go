package ports

import "context"

// Outbound subjects
const (
	SubjectRunStarted   = "workflow.run.started"
	SubjectRunCompleted = "workflow.run.completed"
	SubjectRunFailed    = "workflow.run.failed"
	SubjectRunWaiting   = "workflow.run.waiting"
	SubjectRunResumed   = "workflow.run.resumed"
	SubjectRunCancelled = "workflow.run.cancelled"

	SubjectNodeCompleted = "workflow.node.completed"
	SubjectNodeFailed    = "workflow.node.failed"

	SubjectTriggerMatched = "workflow.trigger.matched"

	SubjectWorkflowPublished   = "workflow.published"
	SubjectWorkflowUnpublished = "workflow.unpublished"

	// Intents for external collaborators
	SubjectSendMessage     = "workflow.send_message"
	SubjectAssignAgent     = "workflow.assign_agent"
	SubjectUpdateAttribute = "workflow.update_attribute"
	SubjectSegmentExpand   = "workflow.segment.expand"
)

type PublishOptions struct {
	TenantID      string
	CorrelationID string
	AggregateID   string
}

// EventPublisher is the outbound event sink. Callers treat publishing as
// fire-and-forget and only log returned errors.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload map[string]interface{}, opts PublishOptions) error
}
