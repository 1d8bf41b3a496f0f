// Package nodes executes a single workflow step. Side effects on external
// systems are requested through intent events; the executor never waits for
// them to be carried out.
package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/reachflow-go/internal/automation/app/condition"
	"github.com/reachflow-go/internal/automation/ports"
	"github.com/reachflow-go/internal/domain/automation"
	"github.com/reachflow-go/pkg/logger"
)

// Condition branch kinds reported in the node output
const (
	BranchCondition = "condition"
	BranchDefault   = "default"
	BranchEdge      = "edge"
	BranchNone      = "none"
)

type Executor struct {
	evaluator *condition.Evaluator
	publisher ports.EventPublisher
	logger    logger.Logger
	now       func() time.Time
}

func NewExecutor(evaluator *condition.Evaluator, publisher ports.EventPublisher, log logger.Logger) *Executor {
	return &Executor{
		evaluator: evaluator,
		publisher: publisher,
		logger:    log.With("component", "node_executor"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock used to compute delay deadlines.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Execute runs one node. It never panics and never returns an error: every
// failure is reported as an unsuccessful result.
func (e *Executor) Execute(ctx context.Context, node *automation.Node, run *automation.WorkflowRun, graph *automation.Graph) (result automation.NodeRunResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Node execution panicked", "nodeId", node.ID, "runId", run.ID, "panic", r)
			result = failure("node execution panicked: %v", r)
		}
	}()

	if !node.Type.Known() {
		return failure("Unknown node type: %s", node.Type)
	}

	cfg, err := node.Config()
	if err != nil {
		return failure("%v", err)
	}

	switch cfg := cfg.(type) {
	case automation.StartConfig:
		return e.executeStart(node, graph)
	case automation.SendMessageConfig:
		return e.executeSendMessage(ctx, node, run, cfg)
	case automation.ConditionConfig:
		return e.executeCondition(node, run, graph, cfg)
	case automation.DelayConfig:
		return e.executeDelay(cfg)
	case automation.UpdateAttributeConfig:
		return e.executeUpdateAttribute(ctx, node, run, cfg)
	case automation.AssignAgentConfig:
		return e.executeAssignAgent(ctx, node, run, cfg)
	case automation.EndConfig:
		return automation.NodeRunResult{Success: true, Output: map[string]interface{}{"completed": true}}
	default:
		return failure("Unknown node type: %s", node.Type)
	}
}

func (e *Executor) executeStart(node *automation.Node, graph *automation.Graph) automation.NodeRunResult {
	result := automation.NodeRunResult{Success: true}
	if targets := graph.Adjacency()[node.ID]; len(targets) > 0 {
		result.NextNodeID = targets[0]
	}
	return result
}

func (e *Executor) executeSendMessage(ctx context.Context, node *automation.Node, run *automation.WorkflowRun, cfg automation.SendMessageConfig) automation.NodeRunResult {
	if cfg.Channel == "" || cfg.TemplateID == "" {
		return failure("Send message node %s requires a channel and a template", node.ID)
	}
	if run.ContactID == "" {
		return failure("Contact ID is required to send a message")
	}

	variables := make(map[string]interface{}, len(run.Context.Variables)+len(cfg.Variables))
	for k, v := range run.Context.Variables {
		variables[k] = v
	}
	for k, v := range cfg.Variables {
		variables[k] = v
	}

	queued := e.emitIntent(ctx, ports.SubjectSendMessage, run, node, map[string]interface{}{
		"channel":    cfg.Channel,
		"templateId": cfg.TemplateID,
		"variables":  variables,
	})

	return automation.NodeRunResult{
		Success: true,
		Output: map[string]interface{}{
			"channel":      cfg.Channel,
			"templateId":   cfg.TemplateID,
			"intentQueued": queued,
		},
	}
}

func (e *Executor) executeCondition(node *automation.Node, run *automation.WorkflowRun, graph *automation.Graph, cfg automation.ConditionConfig) automation.NodeRunResult {
	evalCtx := run.Context.AsMap()
	evalCtx["contactId"] = run.ContactID

	output := map[string]interface{}{"matched": false, "matchedIndex": -1}
	for i, rule := range cfg.Conditions {
		res := e.evaluator.Evaluate(rule.Field, rule.Operator, rule.Value, evalCtx)
		if res.Matched {
			output["matched"] = true
			output["matchedIndex"] = i
			output["branch"] = BranchCondition
			output["evaluatedValue"] = res.EvaluatedValue
			return automation.NodeRunResult{Success: true, Output: output, NextNodeID: rule.NextNodeID}
		}
	}

	if cfg.DefaultNextNodeID != "" {
		output["branch"] = BranchDefault
		return automation.NodeRunResult{Success: true, Output: output, NextNodeID: cfg.DefaultNextNodeID}
	}

	if target, ok := graph.DefaultEdgeTarget(node.ID); ok {
		output["branch"] = BranchEdge
		return automation.NodeRunResult{Success: true, Output: output, NextNodeID: target}
	}

	// No branch to follow; the run path ends here
	output["branch"] = BranchNone
	return automation.NodeRunResult{Success: true, Output: output}
}

func (e *Executor) executeDelay(cfg automation.DelayConfig) automation.NodeRunResult {
	wait, err := cfg.Wait()
	if err != nil {
		return failure("%v", err)
	}

	waitUntil := e.now().Add(wait)
	return automation.NodeRunResult{
		Success: true,
		Output: map[string]interface{}{
			"duration":  cfg.Duration,
			"unit":      cfg.Unit,
			"waitUntil": waitUntil.Format(time.RFC3339Nano),
		},
		Metadata: &automation.ResultMetadata{WaitUntil: &waitUntil},
	}
}

func (e *Executor) executeUpdateAttribute(ctx context.Context, node *automation.Node, run *automation.WorkflowRun, cfg automation.UpdateAttributeConfig) automation.NodeRunResult {
	if cfg.AttributeName == "" || !cfg.HasValue {
		return failure("Update attribute node %s requires an attribute name and value", node.ID)
	}
	if run.ContactID == "" {
		return failure("Contact ID is required to update an attribute")
	}

	queued := e.emitIntent(ctx, ports.SubjectUpdateAttribute, run, node, map[string]interface{}{
		"attributeName":  cfg.AttributeName,
		"attributeValue": cfg.AttributeValue,
	})

	return automation.NodeRunResult{
		Success: true,
		Output: map[string]interface{}{
			"attributeName":  cfg.AttributeName,
			"attributeValue": cfg.AttributeValue,
			"pendingIntent":  true,
			"intentQueued":   queued,
		},
	}
}

func (e *Executor) executeAssignAgent(ctx context.Context, node *automation.Node, run *automation.WorkflowRun, cfg automation.AssignAgentConfig) automation.NodeRunResult {
	if run.ContactID == "" {
		return failure("Contact ID is required to assign an agent")
	}
	if !automation.ValidStrategy(cfg.Strategy) {
		return failure("Unknown assignment strategy: %s", cfg.Strategy)
	}

	strategy := cfg.Strategy
	if strategy == "" && cfg.AgentID == "" {
		strategy = automation.StrategyRoundRobin
	}

	queued := e.emitIntent(ctx, ports.SubjectAssignAgent, run, node, map[string]interface{}{
		"agentId":  cfg.AgentID,
		"teamId":   cfg.TeamID,
		"strategy": strategy,
	})

	return automation.NodeRunResult{
		Success: true,
		Output: map[string]interface{}{
			"agentId":      cfg.AgentID,
			"teamId":       cfg.TeamID,
			"strategy":     strategy,
			"intentQueued": queued,
		},
	}
}

// emitIntent publishes an intent event and reports whether it was accepted.
// Publish failures are logged, never returned.
func (e *Executor) emitIntent(ctx context.Context, subject string, run *automation.WorkflowRun, node *automation.Node, fields map[string]interface{}) bool {
	payload := map[string]interface{}{
		"tenantId":   run.TenantID,
		"workflowId": run.WorkflowID,
		"runId":      run.ID,
		"contactId":  run.ContactID,
		"nodeId":     node.ID,
	}
	for k, v := range fields {
		payload[k] = v
	}

	err := e.publisher.Publish(ctx, subject, payload, ports.PublishOptions{
		TenantID:      run.TenantID,
		CorrelationID: run.CorrelationID,
		AggregateID:   run.ID,
	})
	if err != nil {
		e.logger.Warn("Failed to publish intent", "subject", subject, "runId", run.ID, "nodeId", node.ID, "error", err)
		return false
	}
	return true
}

func failure(format string, args ...interface{}) automation.NodeRunResult {
	return automation.NodeRunResult{Success: false, Error: fmt.Sprintf(format, args...)}
}
