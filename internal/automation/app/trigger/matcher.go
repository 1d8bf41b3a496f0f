// Package trigger turns inbound signals into workflow runs.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/reachflow-go/internal/automation/app/condition"
	"github.com/reachflow-go/internal/automation/app/engine"
	"github.com/reachflow-go/internal/automation/ports"
	"github.com/reachflow-go/internal/domain/automation"
	"github.com/reachflow-go/pkg/logger"
	"github.com/reachflow-go/pkg/metrics"
)

const (
	SourceManual    = "manual"
	SourceScheduled = "scheduled"
)

var ErrWorkflowNotPublished = errors.New("workflow is not published")

// RunExecutor starts a freshly created run.
type RunExecutor interface {
	ExecuteRun(ctx context.Context, tenantID, runID string) (*engine.RunResult, error)
}

type TriggerResult struct {
	Triggered  bool                 `json:"triggered"`
	WorkflowID string               `json:"workflowId"`
	RunID      string               `json:"runId,omitempty"`
	Status     automation.RunStatus `json:"status,omitempty"`
	Reason     string               `json:"reason,omitempty"`
}

// IncomingMessage is a message received on one of the tenant's channels.
type IncomingMessage struct {
	TenantID  string                 `json:"tenantId"`
	ContactID string                 `json:"contactId"`
	Channel   string                 `json:"channel"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// DomainEvent is a CRM event such as contact.created or deal.won.
type DomainEvent struct {
	TenantID  string                 `json:"tenantId"`
	Type      string                 `json:"type"`
	ContactID string                 `json:"contactId,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

type Matcher struct {
	workflows ports.WorkflowRepository
	runs      ports.RunRepository
	executor  RunExecutor
	evaluator *condition.Evaluator
	publisher ports.EventPublisher
	logger    logger.Logger
	now       func() time.Time
}

func NewMatcher(
	workflows ports.WorkflowRepository,
	runs ports.RunRepository,
	executor RunExecutor,
	evaluator *condition.Evaluator,
	publisher ports.EventPublisher,
	log logger.Logger,
) *Matcher {
	return &Matcher{
		workflows: workflows,
		runs:      runs,
		executor:  executor,
		evaluator: evaluator,
		publisher: publisher,
		logger:    log.With("component", "trigger_matcher"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Matcher) WithClock(now func() time.Time) *Matcher {
	m.now = now
	return m
}

// HandleIncomingMessage starts every published message workflow of the
// tenant whose channel and keyword filters accept the message.
func (m *Matcher) HandleIncomingMessage(ctx context.Context, msg IncomingMessage) ([]TriggerResult, error) {
	workflows, err := m.workflows.ListPublishedByTrigger(ctx, msg.TenantID, automation.TriggerIncomingMessage)
	if err != nil {
		return nil, fmt.Errorf("load message workflows: %w", err)
	}

	var results []TriggerResult
	for _, wf := range workflows {
		if !channelAllowed(wf.TriggerConfig.Channels, msg.Channel) {
			metrics.RecordTriggerSkipped(string(wf.TriggerType), "channel")
			continue
		}
		if !KeywordsMatch(wf.TriggerConfig.Keywords, wf.TriggerConfig.MatchType, msg.Content) {
			metrics.RecordTriggerSkipped(string(wf.TriggerType), "keywords")
			continue
		}

		payload := map[string]interface{}{
			"channel": msg.Channel,
			"content": msg.Content,
		}
		runCtx := automation.RunContext{
			Trigger: automation.TriggerSnapshot{
				Type:      string(automation.TriggerIncomingMessage),
				Payload:   payload,
				Timestamp: m.now(),
			},
			Message: &automation.MessageSnapshot{
				Channel:  msg.Channel,
				Content:  msg.Content,
				Metadata: msg.Metadata,
			},
		}
		results = append(results, m.start(ctx, wf, msg.ContactID, runCtx))
	}

	return results, nil
}

// HandleEvent starts every published event workflow of the tenant that lists
// the event type and whose extra conditions all hold.
func (m *Matcher) HandleEvent(ctx context.Context, event DomainEvent) ([]TriggerResult, error) {
	workflows, err := m.workflows.ListPublishedByTrigger(ctx, event.TenantID, automation.TriggerEventBased)
	if err != nil {
		return nil, fmt.Errorf("load event workflows: %w", err)
	}

	evalCtx := eventContext(event)

	var results []TriggerResult
	for _, wf := range workflows {
		if !containsString(wf.TriggerConfig.EventTypes, event.Type) {
			continue
		}
		if len(wf.TriggerConfig.Conditions) > 0 {
			if ok, _ := m.evaluator.EvaluateConditions(wf.TriggerConfig.Conditions, evalCtx, automation.MatchAll); !ok {
				metrics.RecordTriggerSkipped(string(wf.TriggerType), "conditions")
				continue
			}
		}

		runCtx := automation.RunContext{
			Trigger: automation.TriggerSnapshot{
				Type:      event.Type,
				Payload:   event.Payload,
				Timestamp: m.now(),
			},
		}
		results = append(results, m.start(ctx, wf, event.ContactID, runCtx))
	}

	return results, nil
}

// TriggerManually starts a published workflow for a contact. A contact may
// hold at most one active run per workflow; a second trigger is rejected
// without creating a run.
func (m *Matcher) TriggerManually(ctx context.Context, tenantID, workflowID, contactID string, variables map[string]interface{}) (TriggerResult, error) {
	result := TriggerResult{WorkflowID: workflowID}

	wf, err := m.workflows.Get(ctx, tenantID, workflowID)
	if err != nil {
		return result, err
	}
	if !wf.IsPublished {
		return result, ErrWorkflowNotPublished
	}

	vars := make(map[string]interface{}, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	runCtx := automation.RunContext{
		Trigger: automation.TriggerSnapshot{
			Type:      SourceManual,
			Payload:   variables,
			Timestamp: m.now(),
		},
		Variables: vars,
	}
	if contactID == "" {
		return m.start(ctx, wf, contactID, runCtx), nil
	}

	run := automation.NewRun(wf, contactID, runCtx)
	active, err := m.runs.CreateExclusive(ctx, run)
	if err != nil {
		return result, fmt.Errorf("create run: %w", err)
	}
	if active != nil {
		metrics.RecordTriggerSkipped(SourceManual, "active_run")
		result.RunID = active.ID
		result.Status = active.Status
		result.Reason = "contact already has an active run for this workflow"
		return result, nil
	}
	return m.launch(ctx, wf, run), nil
}

// HandleScheduled starts one contact-less run of a time based workflow for
// the occurrence at scheduledAt.
func (m *Matcher) HandleScheduled(ctx context.Context, wf *automation.Workflow, scheduledAt time.Time) TriggerResult {
	payload := map[string]interface{}{
		"scheduledAt": scheduledAt.UTC().Format(time.RFC3339),
	}
	if wf.TriggerConfig.SegmentID != "" {
		payload["segmentId"] = wf.TriggerConfig.SegmentID
	}

	runCtx := automation.RunContext{
		Trigger: automation.TriggerSnapshot{
			Type:      SourceScheduled,
			Payload:   payload,
			Timestamp: m.now(),
		},
	}
	return m.start(ctx, wf, "", runCtx)
}

// start creates the run and launches it.
func (m *Matcher) start(ctx context.Context, wf *automation.Workflow, contactID string, runCtx automation.RunContext) TriggerResult {
	run := automation.NewRun(wf, contactID, runCtx)
	if err := m.runs.Create(ctx, run); err != nil {
		m.logger.Error("Failed to create run", "workflowId", wf.ID, "contactId", contactID, "error", err)
		return TriggerResult{
			WorkflowID: wf.ID,
			Reason:     fmt.Sprintf("failed to create run: %v", err),
		}
	}
	return m.launch(ctx, wf, run)
}

// launch records the match of a stored run and executes it in the caller's
// goroutine.
func (m *Matcher) launch(ctx context.Context, wf *automation.Workflow, run *automation.WorkflowRun) TriggerResult {
	result := TriggerResult{
		Triggered:  true,
		WorkflowID: wf.ID,
		RunID:      run.ID,
		Status:     run.Status,
	}
	contactID := run.ContactID
	runCtx := run.Context

	if err := m.workflows.IncrementStats(ctx, wf.TenantID, wf.ID, automation.StatTotalRuns); err != nil {
		m.logger.Error("Failed to increment workflow stats", "workflowId", wf.ID, "field", automation.StatTotalRuns, "error", err)
	}

	metrics.RecordTriggerMatched(string(wf.TriggerType))
	err := m.publisher.Publish(ctx, ports.SubjectTriggerMatched, map[string]interface{}{
		"tenantId":    wf.TenantID,
		"workflowId":  wf.ID,
		"runId":       run.ID,
		"contactId":   contactID,
		"triggerType": runCtx.Trigger.Type,
	}, ports.PublishOptions{
		TenantID:      wf.TenantID,
		CorrelationID: run.CorrelationID,
		AggregateID:   run.ID,
	})
	if err != nil {
		m.logger.Warn("Failed to publish trigger event", "workflowId", wf.ID, "runId", run.ID, "error", err)
	}

	m.logger.Info("Workflow triggered", "workflowId", wf.ID, "runId", run.ID, "contactId", contactID, "trigger", runCtx.Trigger.Type)

	exec, err := m.executor.ExecuteRun(ctx, wf.TenantID, run.ID)
	if err != nil {
		m.logger.Error("Run execution failed", "runId", run.ID, "error", err)
		result.Reason = err.Error()
	}
	if exec != nil {
		result.Status = exec.Status
	}
	return result
}

// KeywordsMatch applies an incoming_message keyword filter to content. An
// empty keyword list accepts everything; comparison ignores case.
func KeywordsMatch(keywords []string, matchType, content string) bool {
	var wanted []string
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			wanted = append(wanted, k)
		}
	}
	if len(wanted) == 0 {
		return true
	}

	text := strings.ToLower(strings.TrimSpace(content))
	switch matchType {
	case automation.KeywordMatchAll:
		for _, k := range wanted {
			if !strings.Contains(text, k) {
				return false
			}
		}
		return true
	case automation.KeywordMatchExact:
		for _, k := range wanted {
			if text == k {
				return true
			}
		}
		return false
	default:
		for _, k := range wanted {
			if strings.Contains(text, k) {
				return true
			}
		}
		return false
	}
}

func channelAllowed(channels []string, channel string) bool {
	if len(channels) == 0 {
		return true
	}
	for _, c := range channels {
		if strings.EqualFold(c, channel) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// eventContext exposes payload keys at the top level and under event.payload.
func eventContext(event DomainEvent) map[string]interface{} {
	ctx := make(map[string]interface{}, len(event.Payload)+2)
	for k, v := range event.Payload {
		ctx[k] = v
	}
	ctx["event"] = map[string]interface{}{
		"type":    event.Type,
		"payload": event.Payload,
	}
	if event.ContactID != "" {
		ctx["contactId"] = event.ContactID
	}
	return ctx
}
