package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/reachflow-go/internal/automation/ports"
	"github.com/reachflow-go/internal/domain/automation"
	"github.com/reachflow-go/pkg/database"
)

type WorkflowRepository struct {
	db *database.DB
}

func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

func (r *WorkflowRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *WorkflowRepository) Create(ctx context.Context, w *automation.Workflow) error {
	return r.db.WithContext(ctx).Create(w).Error
}

func (r *WorkflowRepository) Get(ctx context.Context, tenantID, workflowID string) (*automation.Workflow, error) {
	var w automation.Workflow
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, workflowID).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, automation.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *WorkflowRepository) Update(ctx context.Context, w *automation.Workflow) error {
	w.UpdatedAt = time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(w).
		Where("tenant_id = ?", w.TenantID).
		Select("name", "description", "trigger_type", "trigger_config", "graph",
			"is_published", "published_at", "updated_at").
		Updates(w)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return automation.ErrWorkflowNotFound
	}
	return nil
}

// Delete soft deletes the workflow; its runs keep referencing it.
func (r *WorkflowRepository) Delete(ctx context.Context, tenantID, workflowID string) error {
	result := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, workflowID).
		Delete(&automation.Workflow{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return automation.ErrWorkflowNotFound
	}
	return nil
}

func (r *WorkflowRepository) List(ctx context.Context, tenantID string, opts ports.ListWorkflowsOptions) ([]*automation.Workflow, int64, error) {
	query := r.db.WithContext(ctx).Model(&automation.Workflow{}).Where("tenant_id = ?", tenantID)
	if opts.TriggerType != "" {
		query = query.Where("trigger_type = ?", opts.TriggerType)
	}
	if opts.Published != nil {
		query = query.Where("is_published = ?", *opts.Published)
	}

	var workflows []*automation.Workflow
	pagination := &database.Pagination{Limit: opts.Limit, Page: opts.Page, Sort: "created_at DESC"}
	if err := r.db.Paginate(query, &workflows, pagination); err != nil {
		return nil, 0, err
	}
	return workflows, pagination.Total, nil
}

func (r *WorkflowRepository) ExistsByName(ctx context.Context, tenantID, name, excludeID string) (bool, error) {
	query := r.db.WithContext(ctx).Model(&automation.Workflow{}).
		Where("tenant_id = ? AND name = ?", tenantID, name)
	if excludeID != "" {
		query = query.Where("id <> ?", excludeID)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *WorkflowRepository) ListPublishedByTrigger(ctx context.Context, tenantID string, triggerType automation.TriggerType) ([]*automation.Workflow, error) {
	var workflows []*automation.Workflow
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND trigger_type = ? AND is_published = ?", tenantID, triggerType, true).
		Order("created_at ASC").
		Find(&workflows).Error
	return workflows, err
}

func (r *WorkflowRepository) ListPublishedByTriggerAllTenants(ctx context.Context, triggerType automation.TriggerType) ([]*automation.Workflow, error) {
	var workflows []*automation.Workflow
	err := r.db.WithContext(ctx).
		Where("trigger_type = ? AND is_published = ?", triggerType, true).
		Order("created_at ASC").
		Find(&workflows).Error
	return workflows, err
}

// IncrementStats atomically bumps one run counter.
func (r *WorkflowRepository) IncrementStats(ctx context.Context, tenantID, workflowID string, field automation.StatField) error {
	switch field {
	case automation.StatTotalRuns, automation.StatSuccessfulRuns, automation.StatFailedRuns:
	default:
		return fmt.Errorf("unknown stat field %q", field)
	}

	return r.db.WithContext(ctx).
		Model(&automation.Workflow{}).
		Where("tenant_id = ? AND id = ?", tenantID, workflowID).
		UpdateColumn(string(field), gorm.Expr(string(field)+" + ?", 1)).Error
}

func (r *WorkflowRepository) MarkTriggered(ctx context.Context, tenantID, workflowID string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&automation.Workflow{}).
		Where("tenant_id = ? AND id = ?", tenantID, workflowID).
		UpdateColumn("last_triggered_at", at.UTC()).Error
}
