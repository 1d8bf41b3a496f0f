// Package engine drives workflow runs from their cursor until they complete,
// fail, or suspend on a delay. All state needed to resume lives in the
// persisted run row.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/reachflow-go/internal/automation/ports"
	"github.com/reachflow-go/internal/domain/automation"
	"github.com/reachflow-go/pkg/logger"
	"github.com/reachflow-go/pkg/metrics"
	"github.com/reachflow-go/pkg/telemetry"
)

const DefaultMaxSteps = 500

// NodeExecutor runs a single node and reports the outcome.
type NodeExecutor interface {
	Execute(ctx context.Context, node *automation.Node, run *automation.WorkflowRun, graph *automation.Graph) automation.NodeRunResult
}

type RunResult struct {
	RunID          string               `json:"runId"`
	Status         automation.RunStatus `json:"status"`
	CompletedNodes int                  `json:"completedNodes"`
	FailedNodes    int                  `json:"failedNodes"`
	Error          string               `json:"error,omitempty"`
}

type Engine struct {
	workflows ports.WorkflowRepository
	runs      ports.RunRepository
	nodeRuns  ports.NodeRunRepository
	executor  NodeExecutor
	publisher ports.EventPublisher
	logger    logger.Logger
	tracer    trace.Tracer
	maxSteps  int
	now       func() time.Time
}

type Option func(*Engine)

// WithMaxSteps bounds the number of nodes a single invocation may execute.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

func New(
	workflows ports.WorkflowRepository,
	runs ports.RunRepository,
	nodeRuns ports.NodeRunRepository,
	executor NodeExecutor,
	publisher ports.EventPublisher,
	log logger.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		workflows: workflows,
		runs:      runs,
		nodeRuns:  nodeRuns,
		executor:  executor,
		publisher: publisher,
		logger:    log.With("component", "run_executor"),
		tracer:    otel.Tracer("automation.engine"),
		maxSteps:  DefaultMaxSteps,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteRun starts a pending run from the START node of its workflow. The
// returned error is reserved for persistence failures; run-level failures are
// reported through RunResult.
func (e *Engine) ExecuteRun(ctx context.Context, tenantID, runID string) (*RunResult, error) {
	result := &RunResult{RunID: runID}

	run, err := e.runs.Get(ctx, tenantID, runID)
	if err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("load run: %w", err)
	}
	result.Status = run.Status

	if run.Status != automation.RunPending {
		result.Error = fmt.Sprintf("run is %s, only pending runs can be executed", run.Status)
		return result, nil
	}

	now := e.now()
	run.Status = automation.RunRunning
	run.StartedAt = &now
	ok, err := e.runs.Save(ctx, run, automation.RunPending)
	if err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("mark run running: %w", err)
	}
	if !ok {
		return e.lostRace(ctx, run, result), nil
	}
	result.Status = automation.RunRunning

	wf, start, failure := e.loadGraph(ctx, run)
	if failure != "" {
		return e.failRun(ctx, wf, run, result, "", failure)
	}

	e.publish(ctx, ports.SubjectRunStarted, run, map[string]interface{}{
		"startNodeId": start.ID,
	})

	return e.drive(ctx, wf, run, start.ID, result)
}

// ResumeRun continues a waiting run from its persisted cursor. The run is
// claimed with a compare-and-set on its status first, so concurrent resumes
// of the same run execute it at most once.
func (e *Engine) ResumeRun(ctx context.Context, tenantID, runID string) (*RunResult, error) {
	result := &RunResult{RunID: runID}

	run, err := e.runs.Get(ctx, tenantID, runID)
	if err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("load run: %w", err)
	}
	result.Status = run.Status

	if run.Status != automation.RunWaiting {
		result.Error = fmt.Sprintf("run is %s, only waiting runs can be resumed", run.Status)
		return result, nil
	}

	run.Status = automation.RunRunning
	run.NextExecutionAt = nil
	ok, err := e.runs.Save(ctx, run, automation.RunWaiting)
	if err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("claim run: %w", err)
	}
	if !ok {
		return e.lostRace(ctx, run, result), nil
	}
	result.Status = automation.RunRunning

	wf, _, failure := e.loadGraph(ctx, run)
	if failure != "" {
		return e.failRun(ctx, wf, run, result, run.CurrentNodeID, failure)
	}

	e.publish(ctx, ports.SubjectRunResumed, run, map[string]interface{}{
		"resumeNodeId": run.CurrentNodeID,
	})

	return e.drive(ctx, wf, run, run.CurrentNodeID, result)
}

func (e *Engine) loadGraph(ctx context.Context, run *automation.WorkflowRun) (*automation.Workflow, *automation.Node, string) {
	wf, err := e.workflows.Get(ctx, run.TenantID, run.WorkflowID)
	if err != nil {
		if errors.Is(err, automation.ErrWorkflowNotFound) {
			return nil, nil, "workflow not found"
		}
		return nil, nil, fmt.Sprintf("load workflow: %v", err)
	}

	start, ok := wf.Graph.StartNode()
	if !ok {
		return wf, nil, "workflow has no START node"
	}
	return wf, start, ""
}

// drive is the single loop shared by execute and resume.
func (e *Engine) drive(ctx context.Context, wf *automation.Workflow, run *automation.WorkflowRun, cursor string, result *RunResult) (*RunResult, error) {
	ctx, span := e.tracer.Start(ctx, "automation.run.drive", trace.WithAttributes(
		telemetry.TenantIDAttribute(run.TenantID),
		telemetry.WorkflowIDAttribute(run.WorkflowID),
		telemetry.RunIDAttribute(run.ID),
	))
	started := time.Now()
	defer func() {
		metrics.RecordRun(string(result.Status), time.Since(started).Seconds())
		if result.Status == automation.RunFailed {
			span.SetStatus(codes.Error, result.Error)
		}
		span.End()
	}()

	graph := &wf.Graph
	adjacency := graph.Adjacency()
	steps := 0

	for cursor != "" {
		node, ok := graph.NodeByID(cursor)
		if !ok {
			return e.failRun(ctx, wf, run, result, cursor, fmt.Sprintf("node %q not found in workflow graph", cursor))
		}

		steps++
		if steps > e.maxSteps {
			return e.failRun(ctx, wf, run, result, node.ID, fmt.Sprintf("step limit of %d exceeded", e.maxSteps))
		}

		if node.Type == automation.NodeTypeStart {
			cursor = firstTarget(adjacency, node.ID)
			continue
		}

		exec, err := e.executeNode(ctx, node, run, graph)
		if err != nil {
			return e.abortRun(ctx, wf, run, result, node.ID, err)
		}
		if !exec.Success {
			result.FailedNodes++
			return e.failRun(ctx, wf, run, result, node.ID, exec.Error)
		}
		result.CompletedNodes++

		run.Context.LastNodeID = node.ID
		run.Context.LastNodeResult = resultMap(exec)
		next := nextNode(node, exec, adjacency)

		if exec.Suspends() {
			return e.suspendRun(ctx, wf, run, result, next, *exec.Metadata.WaitUntil)
		}

		if node.Type == automation.NodeTypeEnd {
			break
		}

		run.CurrentNodeID = next
		ok, err = e.runs.Save(ctx, run, automation.RunRunning)
		if err != nil {
			return e.abortRun(ctx, wf, run, result, node.ID, fmt.Errorf("persist run progress: %w", err))
		}
		if !ok {
			return e.lostRace(ctx, run, result), nil
		}

		cursor = next
	}

	return e.completeRun(ctx, wf, run, result)
}

// executeNode writes the audit record around one node execution. The node is
// not executed when its record cannot be created, and a record that cannot be
// completed is returned as an error.
func (e *Engine) executeNode(ctx context.Context, node *automation.Node, run *automation.WorkflowRun, graph *automation.Graph) (automation.NodeRunResult, error) {
	ctx, span := e.tracer.Start(ctx, "automation.node.execute", trace.WithAttributes(
		telemetry.NodeIDAttribute(node.ID),
		telemetry.NodeTypeAttribute(string(node.Type)),
	))
	defer span.End()

	started := e.now()
	nodeRun := &automation.WorkflowNodeRun{
		ID:         uuid.New().String(),
		TenantID:   run.TenantID,
		RunID:      run.ID,
		NodeID:     node.ID,
		NodeType:   node.Type,
		Status:     automation.NodeRunExecuting,
		Input:      nodeInput(node, run),
		ExecutedAt: started,
	}
	if err := e.nodeRuns.Create(ctx, nodeRun); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return automation.NodeRunResult{}, fmt.Errorf("record node execution: %w", err)
	}

	begin := time.Now()
	exec := e.executor.Execute(ctx, node, run, graph)
	elapsed := time.Since(begin)

	nodeRun.DurationMs = elapsed.Milliseconds()
	nodeRun.Result = &exec
	subject := ports.SubjectNodeCompleted
	if exec.Success {
		nodeRun.Status = automation.NodeRunCompleted
	} else {
		nodeRun.Status = automation.NodeRunFailed
		nodeRun.ErrorMessage = exec.Error
		subject = ports.SubjectNodeFailed
		span.SetStatus(codes.Error, exec.Error)
	}
	metrics.RecordNodeExecution(string(node.Type), string(nodeRun.Status), elapsed.Seconds())
	if err := e.nodeRuns.Complete(ctx, nodeRun); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return exec, fmt.Errorf("complete node execution record: %w", err)
	}

	e.publish(ctx, subject, run, map[string]interface{}{
		"nodeId":     node.ID,
		"nodeType":   string(node.Type),
		"durationMs": nodeRun.DurationMs,
		"error":      exec.Error,
	})

	return exec, nil
}

func (e *Engine) suspendRun(ctx context.Context, wf *automation.Workflow, run *automation.WorkflowRun, result *RunResult, next string, waitUntil time.Time) (*RunResult, error) {
	nodeID := run.Context.LastNodeID
	waitUntil = waitUntil.UTC()
	run.Status = automation.RunWaiting
	run.CurrentNodeID = next
	run.NextExecutionAt = &waitUntil

	ok, err := e.runs.Save(ctx, run, automation.RunRunning)
	if err != nil {
		return e.abortRun(ctx, wf, run, result, nodeID, fmt.Errorf("suspend run: %w", err))
	}
	if !ok {
		return e.lostRace(ctx, run, result), nil
	}

	result.Status = automation.RunWaiting
	e.publish(ctx, ports.SubjectRunWaiting, run, map[string]interface{}{
		"nextNodeId":      next,
		"nextExecutionAt": waitUntil.Format(time.RFC3339Nano),
	})
	e.logger.Debug("Run suspended", "runId", run.ID, "nextNodeId", next, "until", waitUntil)
	return result, nil
}

func (e *Engine) completeRun(ctx context.Context, wf *automation.Workflow, run *automation.WorkflowRun, result *RunResult) (*RunResult, error) {
	nodeID := run.Context.LastNodeID
	now := e.now()
	run.Status = automation.RunCompleted
	run.CurrentNodeID = ""
	run.NextExecutionAt = nil
	run.CompletedAt = &now

	ok, err := e.runs.Save(ctx, run, automation.RunRunning)
	if err != nil {
		return e.abortRun(ctx, wf, run, result, nodeID, fmt.Errorf("complete run: %w", err))
	}
	if !ok {
		return e.lostRace(ctx, run, result), nil
	}

	result.Status = automation.RunCompleted
	if err := e.workflows.IncrementStats(ctx, run.TenantID, run.WorkflowID, automation.StatSuccessfulRuns); err != nil {
		e.logger.Error("Failed to increment workflow stats", "workflowId", run.WorkflowID, "field", automation.StatSuccessfulRuns, "error", err)
	}

	e.publish(ctx, ports.SubjectRunCompleted, run, map[string]interface{}{
		"completedNodes": result.CompletedNodes,
	})
	e.logger.Info("Run completed", "runId", run.ID, "workflowId", run.WorkflowID, "completedNodes", result.CompletedNodes)
	return result, nil
}

// failRun records a terminal failure. A failed node is never retried.
func (e *Engine) failRun(ctx context.Context, wf *automation.Workflow, run *automation.WorkflowRun, result *RunResult, nodeID, message string) (*RunResult, error) {
	now := e.now()
	run.Status = automation.RunFailed
	run.ErrorMessage = message
	run.NextExecutionAt = nil
	run.CompletedAt = &now
	run.Context.Errors = append(run.Context.Errors, automation.RunError{
		NodeID:    nodeID,
		Error:     message,
		Timestamp: now,
	})

	result.Error = message
	ok, err := e.runs.Save(ctx, run, automation.RunRunning)
	if err != nil {
		result.Status = automation.RunFailed
		return result, fmt.Errorf("fail run: %w", err)
	}
	if !ok {
		return e.lostRace(ctx, run, result), nil
	}

	result.Status = automation.RunFailed
	if wf != nil {
		if err := e.workflows.IncrementStats(ctx, run.TenantID, run.WorkflowID, automation.StatFailedRuns); err != nil {
			e.logger.Error("Failed to increment workflow stats", "workflowId", run.WorkflowID, "field", automation.StatFailedRuns, "error", err)
		}
	}

	e.publish(ctx, ports.SubjectRunFailed, run, map[string]interface{}{
		"nodeId": nodeID,
		"error":  message,
	})
	e.logger.Warn("Run failed", "runId", run.ID, "workflowId", run.WorkflowID, "nodeId", nodeID, "error", message)
	return result, nil
}

// abortRun handles a write of run state that failed outright. One attempt is
// made to record the failure so the run does not stay RUNNING, and cause is
// returned either way.
func (e *Engine) abortRun(ctx context.Context, wf *automation.Workflow, run *automation.WorkflowRun, result *RunResult, nodeID string, cause error) (*RunResult, error) {
	e.logger.Error("Failed to persist run state", "runId", run.ID, "nodeId", nodeID, "error", cause)
	if _, err := e.failRun(ctx, wf, run, result, nodeID, cause.Error()); err != nil {
		e.logger.Error("Failed to record run failure", "runId", run.ID, "error", err)
	}
	return result, cause
}

// lostRace is reached when a guarded write matched no row: another actor
// changed the run status first, most often an external cancel.
func (e *Engine) lostRace(ctx context.Context, run *automation.WorkflowRun, result *RunResult) *RunResult {
	result.Status = automation.RunCancelled
	current, err := e.runs.Get(ctx, run.TenantID, run.ID)
	if err == nil {
		result.Status = current.Status
	}
	if result.Error == "" {
		result.Error = fmt.Sprintf("run status changed concurrently to %s", result.Status)
	}
	e.logger.Info("Run write skipped, status changed concurrently", "runId", run.ID, "status", result.Status)
	return result
}

func (e *Engine) publish(ctx context.Context, subject string, run *automation.WorkflowRun, fields map[string]interface{}) {
	payload := map[string]interface{}{
		"tenantId":   run.TenantID,
		"workflowId": run.WorkflowID,
		"runId":      run.ID,
		"contactId":  run.ContactID,
		"status":     string(run.Status),
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
		e.logger.Warn("Failed to publish run event", "subject", subject, "runId", run.ID, "error", err)
	}
}

// nextNode resolves where the run goes after a successful node. A CONDITION
// with no matching branch ends the path.
func nextNode(node *automation.Node, exec automation.NodeRunResult, adjacency map[string][]string) string {
	if exec.NextNodeID != "" {
		return exec.NextNodeID
	}
	if node.Type == automation.NodeTypeCondition {
		return ""
	}
	return firstTarget(adjacency, node.ID)
}

func firstTarget(adjacency map[string][]string, nodeID string) string {
	if targets := adjacency[nodeID]; len(targets) > 0 {
		return targets[0]
	}
	return ""
}

func nodeInput(node *automation.Node, run *automation.WorkflowRun) map[string]interface{} {
	input := map[string]interface{}{
		"contactId": run.ContactID,
		"variables": run.Context.Variables,
	}
	if len(node.Data) > 0 {
		var cfg interface{}
		if err := json.Unmarshal(node.Data, &cfg); err == nil {
			input["config"] = cfg
		}
	}
	return input
}

func resultMap(exec automation.NodeRunResult) map[string]interface{} {
	out := map[string]interface{}{"success": exec.Success}
	if exec.Output != nil {
		out["output"] = exec.Output
	}
	if exec.NextNodeID != "" {
		out["nextNodeId"] = exec.NextNodeID
	}
	if exec.Error != "" {
		out["error"] = exec.Error
	}
	return out
}
