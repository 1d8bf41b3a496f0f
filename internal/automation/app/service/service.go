package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/reachflow-go/internal/automation/app/validator"
	"github.com/reachflow-go/internal/automation/ports"
	"github.com/reachflow-go/internal/domain/automation"
	"github.com/reachflow-go/pkg/cache"
	"github.com/reachflow-go/pkg/logger"
)

var (
	ErrWorkflowNotFound  = automation.ErrWorkflowNotFound
	ErrRunNotFound       = automation.ErrRunNotFound
	ErrWorkflowPublished = errors.New("workflow is published, unpublish it before editing the graph")
	ErrInvalidGraph      = errors.New("workflow graph is invalid")
	ErrDuplicateName     = errors.New("a workflow with this name already exists")
	ErrRunNotCancellable = errors.New("run is already finished")
	ErrInvalidInput      = errors.New("invalid input")
)

// ValidationError carries the validation result that blocked a publish.
type ValidationError struct {
	Result validator.Result
}

func (e *ValidationError) Error() string {
	codes := make([]string, 0, len(e.Result.Errors))
	for _, issue := range e.Result.Errors {
		codes = append(codes, issue.Code)
	}
	return fmt.Sprintf("%s: %s", ErrInvalidGraph, strings.Join(codes, ", "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidGraph }

type CreateWorkflowRequest struct {
	Name          string                   `json:"name" binding:"required"`
	Description   string                   `json:"description"`
	TriggerType   automation.TriggerType   `json:"triggerType" binding:"required"`
	TriggerConfig automation.TriggerConfig `json:"triggerConfig"`
	Graph         automation.Graph         `json:"graph"`
}

// UpdateWorkflowRequest is a partial update. Nil fields are left unchanged.
type UpdateWorkflowRequest struct {
	Name          *string                   `json:"name"`
	Description   *string                   `json:"description"`
	TriggerType   *automation.TriggerType   `json:"triggerType"`
	TriggerConfig *automation.TriggerConfig `json:"triggerConfig"`
	Graph         *automation.Graph         `json:"graph"`
}

type WorkflowService struct {
	workflows ports.WorkflowRepository
	runs      ports.RunRepository
	nodeRuns  ports.NodeRunRepository
	validator *validator.Validator
	publisher ports.EventPublisher
	cache     cache.Cache
	keys      *cache.KeyBuilder
	logger    logger.Logger
	now       func() time.Time
}

// NewWorkflowService creates the lifecycle service. Validation results are
// cached in c; pass cache.NopCache{} to disable caching.
func NewWorkflowService(
	workflows ports.WorkflowRepository,
	runs ports.RunRepository,
	nodeRuns ports.NodeRunRepository,
	v *validator.Validator,
	publisher ports.EventPublisher,
	c cache.Cache,
	log logger.Logger,
) *WorkflowService {
	if c == nil {
		c = cache.NopCache{}
	}
	return &WorkflowService{
		workflows: workflows,
		runs:      runs,
		nodeRuns:  nodeRuns,
		validator: v,
		publisher: publisher,
		cache:     c,
		keys:      cache.NewKeyBuilder("validation"),
		logger:    log.With("component", "workflow_service"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *WorkflowService) CheckReady(ctx context.Context) error {
	if err := s.workflows.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := s.cache.Ping(ctx); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

func (s *WorkflowService) CreateWorkflow(ctx context.Context, tenantID string, req CreateWorkflowRequest) (*automation.Workflow, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if !req.TriggerType.Valid() {
		return nil, fmt.Errorf("%w: unknown trigger type %q", ErrInvalidInput, req.TriggerType)
	}
	if err := s.ensureUniqueName(ctx, tenantID, name, ""); err != nil {
		return nil, err
	}

	wf := automation.NewWorkflow(tenantID, name, req.TriggerType)
	wf.Description = req.Description
	wf.TriggerConfig = req.TriggerConfig
	wf.Graph = req.Graph

	if err := s.workflows.Create(ctx, wf); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}

	s.logger.Info("Workflow created", "tenantId", tenantID, "workflowId", wf.ID, "name", wf.Name)
	return wf, nil
}

func (s *WorkflowService) GetWorkflow(ctx context.Context, tenantID, workflowID string) (*automation.Workflow, error) {
	return s.workflows.Get(ctx, tenantID, workflowID)
}

func (s *WorkflowService) ListWorkflows(ctx context.Context, tenantID string, opts ports.ListWorkflowsOptions) ([]*automation.Workflow, int64, error) {
	return s.workflows.List(ctx, tenantID, opts)
}

// UpdateWorkflow applies a partial update. Name, description and trigger
// settings stay editable while published; the graph does not. Trigger changes
// to a published workflow must pass trigger validation.
func (s *WorkflowService) UpdateWorkflow(ctx context.Context, tenantID, workflowID string, req UpdateWorkflowRequest) (*automation.Workflow, error) {
	wf, err := s.workflows.Get(ctx, tenantID, workflowID)
	if err != nil {
		return nil, err
	}

	if req.Graph != nil && wf.IsPublished {
		return nil, ErrWorkflowPublished
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
		}
		if name != wf.Name {
			if err := s.ensureUniqueName(ctx, tenantID, name, wf.ID); err != nil {
				return nil, err
			}
		}
		wf.Name = name
	}
	if req.Description != nil {
		wf.Description = *req.Description
	}
	if req.TriggerType != nil {
		if !req.TriggerType.Valid() {
			return nil, fmt.Errorf("%w: unknown trigger type %q", ErrInvalidInput, *req.TriggerType)
		}
		wf.TriggerType = *req.TriggerType
	}
	if req.TriggerConfig != nil {
		wf.TriggerConfig = *req.TriggerConfig
	}
	if req.Graph != nil {
		wf.Graph = *req.Graph
	}
	if wf.IsPublished && (req.TriggerType != nil || req.TriggerConfig != nil) {
		if result := s.validator.ValidateTrigger(wf.TriggerType, wf.TriggerConfig); !result.IsValid {
			return nil, &ValidationError{Result: result}
		}
	}

	previous := wf.UpdatedAt
	wf.UpdatedAt = s.now()
	if err := s.workflows.Update(ctx, wf); err != nil {
		return nil, err
	}
	s.dropValidation(ctx, wf.ID, previous)

	s.logger.Info("Workflow updated", "workflowId", wf.ID)
	return wf, nil
}

func (s *WorkflowService) DeleteWorkflow(ctx context.Context, tenantID, workflowID string) error {
	if err := s.workflows.Delete(ctx, tenantID, workflowID); err != nil {
		return err
	}
	if err := s.cache.Invalidate(ctx, s.keys.Pattern(workflowID)); err != nil {
		s.logger.Warn("Failed to invalidate validation cache", "workflowId", workflowID, "error", err)
	}
	s.logger.Info("Workflow deleted", "workflowId", workflowID)
	return nil
}

// ValidateWorkflow checks the graph and trigger configuration. Results are
// cached per workflow version, so unchanged workflows are not revalidated.
func (s *WorkflowService) ValidateWorkflow(ctx context.Context, tenantID, workflowID string) (validator.Result, error) {
	wf, err := s.workflows.Get(ctx, tenantID, workflowID)
	if err != nil {
		return validator.Result{}, err
	}
	return s.validate(ctx, wf), nil
}

func (s *WorkflowService) validate(ctx context.Context, wf *automation.Workflow) validator.Result {
	key := s.validationKey(wf.ID, wf.UpdatedAt)

	var cached validator.Result
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("Failed to read validation cache", "workflowId", wf.ID, "error", err)
	}

	result := s.validator.ValidateWorkflow(wf)
	if err := s.cache.Set(ctx, key, result, 0); err != nil {
		s.logger.Warn("Failed to cache validation result", "workflowId", wf.ID, "error", err)
	}
	return result
}

// PublishWorkflow makes the workflow eligible for triggers. A graph with any
// validation error is rejected with a *ValidationError.
func (s *WorkflowService) PublishWorkflow(ctx context.Context, tenantID, workflowID string) (*automation.Workflow, validator.Result, error) {
	wf, err := s.workflows.Get(ctx, tenantID, workflowID)
	if err != nil {
		return nil, validator.Result{}, err
	}

	result := s.validate(ctx, wf)
	if !result.IsValid {
		return wf, result, &ValidationError{Result: result}
	}
	if wf.IsPublished {
		return wf, result, nil
	}

	wf.Publish(s.now())
	if err := s.workflows.Update(ctx, wf); err != nil {
		return nil, result, err
	}

	s.emit(ctx, ports.SubjectWorkflowPublished, wf)
	s.logger.Info("Workflow published", "workflowId", wf.ID, "warnings", len(result.Warnings))
	return wf, result, nil
}

func (s *WorkflowService) UnpublishWorkflow(ctx context.Context, tenantID, workflowID string) (*automation.Workflow, error) {
	wf, err := s.workflows.Get(ctx, tenantID, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.IsPublished {
		return wf, nil
	}

	wf.Unpublish(s.now())
	if err := s.workflows.Update(ctx, wf); err != nil {
		return nil, err
	}

	s.emit(ctx, ports.SubjectWorkflowUnpublished, wf)
	s.logger.Info("Workflow unpublished", "workflowId", wf.ID)
	return wf, nil
}

func (s *WorkflowService) GetRun(ctx context.Context, tenantID, runID string) (*automation.WorkflowRun, error) {
	return s.runs.Get(ctx, tenantID, runID)
}

func (s *WorkflowService) ListRuns(ctx context.Context, tenantID string, opts ports.ListRunsOptions) ([]*automation.WorkflowRun, int64, error) {
	return s.runs.List(ctx, tenantID, opts)
}

// ListNodeRuns returns the audit trail of a run in execution order.
func (s *WorkflowService) ListNodeRuns(ctx context.Context, tenantID, runID string) ([]*automation.WorkflowNodeRun, error) {
	if _, err := s.runs.Get(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	return s.nodeRuns.ListByRun(ctx, tenantID, runID)
}

// CancelRun stops an active run. The write is guarded by the status that was
// read, so a run that finishes concurrently is reported as not cancellable.
func (s *WorkflowService) CancelRun(ctx context.Context, tenantID, runID string) (*automation.WorkflowRun, error) {
	run, err := s.runs.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, ErrRunNotCancellable
	}

	from := run.Status
	now := s.now()
	run.Status = automation.RunCancelled
	run.NextExecutionAt = nil
	run.CompletedAt = &now

	ok, err := s.runs.Save(ctx, run, from)
	if err != nil {
		return nil, fmt.Errorf("cancel run: %w", err)
	}
	if !ok {
		current, err := s.runs.Get(ctx, tenantID, runID)
		if err != nil {
			return nil, err
		}
		if current.Status.Terminal() {
			return current, ErrRunNotCancellable
		}
		// Moved between active states, try once more from the new one
		return s.CancelRun(ctx, tenantID, runID)
	}

	err = s.publisher.Publish(ctx, ports.SubjectRunCancelled, map[string]interface{}{
		"tenantId":   run.TenantID,
		"workflowId": run.WorkflowID,
		"runId":      run.ID,
		"contactId":  run.ContactID,
		"status":     string(run.Status),
		"from":       string(from),
	}, ports.PublishOptions{
		TenantID:      run.TenantID,
		CorrelationID: run.CorrelationID,
		AggregateID:   run.ID,
	})
	if err != nil {
		s.logger.Warn("Failed to publish run cancelled event", "runId", run.ID, "error", err)
	}

	s.logger.Info("Run cancelled", "runId", run.ID, "from", from)
	return run, nil
}

func (s *WorkflowService) ensureUniqueName(ctx context.Context, tenantID, name, excludeID string) error {
	exists, err := s.workflows.ExistsByName(ctx, tenantID, name, excludeID)
	if err != nil {
		return fmt.Errorf("check workflow name: %w", err)
	}
	if exists {
		return ErrDuplicateName
	}
	return nil
}

func (s *WorkflowService) emit(ctx context.Context, subject string, wf *automation.Workflow) {
	err := s.publisher.Publish(ctx, subject, map[string]interface{}{
		"tenantId":    wf.TenantID,
		"workflowId":  wf.ID,
		"name":        wf.Name,
		"triggerType": string(wf.TriggerType),
	}, ports.PublishOptions{
		TenantID:    wf.TenantID,
		AggregateID: wf.ID,
	})
	if err != nil {
		s.logger.Warn("Failed to publish workflow event", "subject", subject, "workflowId", wf.ID, "error", err)
	}
}

func (s *WorkflowService) validationKey(workflowID string, version time.Time) string {
	return s.keys.Build(workflowID, fmt.Sprintf("%d", version.UnixNano()))
}

func (s *WorkflowService) dropValidation(ctx context.Context, workflowID string, version time.Time) {
	if err := s.cache.Delete(ctx, s.validationKey(workflowID, version)); err != nil {
		s.logger.Warn("Failed to drop cached validation", "workflowId", workflowID, "error", err)
	}
}
