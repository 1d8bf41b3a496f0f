package repository

import (
	"context"

	"github.com/reachflow-go/internal/domain/automation"
	"github.com/reachflow-go/pkg/database"
)

type NodeRunRepository struct {
	db *database.DB
}

func NewNodeRunRepository(db *database.DB) *NodeRunRepository {
	return &NodeRunRepository{db: db}
}

func (r *NodeRunRepository) Create(ctx context.Context, nodeRun *automation.WorkflowNodeRun) error {
	return r.db.WithContext(ctx).Create(nodeRun).Error
}

func (r *NodeRunRepository) Complete(ctx context.Context, nodeRun *automation.WorkflowNodeRun) error {
	return r.db.WithContext(ctx).
		Model(nodeRun).
		Select("status", "result", "error_message", "duration_ms").
		Updates(nodeRun).Error
}

func (r *NodeRunRepository) ListByRun(ctx context.Context, tenantID, runID string) ([]*automation.WorkflowNodeRun, error) {
	var nodeRuns []*automation.WorkflowNodeRun
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND run_id = ?", tenantID, runID).
		Order("executed_at ASC").
		Order("created_at ASC").
		Find(&nodeRuns).Error
	return nodeRuns, err
}
