package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/reachflow-go/internal/automation/ports"
	"github.com/reachflow-go/internal/domain/automation"
	"github.com/reachflow-go/pkg/database"
)

// runColumns are the columns rewritten by Save
var runColumns = []string{
	"status", "current_node_id", "context", "next_execution_at",
	"started_at", "completed_at", "error_message", "updated_at",
}

type RunRepository struct {
	db *database.DB
}

func NewRunRepository(db *database.DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) Create(ctx context.Context, run *automation.WorkflowRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *RunRepository) Get(ctx context.Context, tenantID, runID string) (*automation.WorkflowRun, error) {
	var run automation.WorkflowRun
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, runID).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, automation.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *RunRepository) List(ctx context.Context, tenantID string, opts ports.ListRunsOptions) ([]*automation.WorkflowRun, int64, error) {
	query := r.db.WithContext(ctx).Model(&automation.WorkflowRun{}).Where("tenant_id = ?", tenantID)
	if opts.WorkflowID != "" {
		query = query.Where("workflow_id = ?", opts.WorkflowID)
	}
	if opts.ContactID != "" {
		query = query.Where("contact_id = ?", opts.ContactID)
	}
	if opts.Status != "" {
		query = query.Where("status = ?", opts.Status)
	}

	var runs []*automation.WorkflowRun
	pagination := &database.Pagination{Limit: opts.Limit, Page: opts.Page, Sort: "created_at DESC"}
	if err := r.db.Paginate(query, &runs, pagination); err != nil {
		return nil, 0, err
	}
	return runs, pagination.Total, nil
}

// Save is a compare-and-set on the run status: the update only applies while
// the stored status is one of expect.
func (r *RunRepository) Save(ctx context.Context, run *automation.WorkflowRun, expect ...automation.RunStatus) (bool, error) {
	run.UpdatedAt = time.Now().UTC()

	query := r.db.WithContext(ctx).
		Model(run).
		Where("tenant_id = ?", run.TenantID)
	if len(expect) > 0 {
		query = query.Where("status IN ?", expect)
	}

	result := query.Select(runColumns).Updates(run)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *RunRepository) FindDueRuns(ctx context.Context, now time.Time, limit int) ([]*automation.WorkflowRun, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? AND next_execution_at IS NOT NULL AND next_execution_at <= ?", automation.RunWaiting, now.UTC()).
		Order("next_execution_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var runs []*automation.WorkflowRun
	err := query.Find(&runs).Error
	return runs, err
}

func (r *RunRepository) FindActiveRuns(ctx context.Context, tenantID, workflowID, contactID string) ([]*automation.WorkflowRun, error) {
	return activeRuns(r.db.WithContext(ctx), tenantID, workflowID, contactID)
}

// CreateExclusive inserts run unless its contact already holds an active run
// of the same workflow, in which case the oldest such run is returned and
// nothing is written. The workflow row stays locked until the insert commits,
// so concurrent calls for one workflow serialize.
func (r *RunRepository) CreateExclusive(ctx context.Context, run *automation.WorkflowRun) (*automation.WorkflowRun, error) {
	var existing *automation.WorkflowRun
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var wf automation.Workflow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").
			Where("tenant_id = ? AND id = ?", run.TenantID, run.WorkflowID).
			First(&wf).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return automation.ErrWorkflowNotFound
			}
			return err
		}

		active, err := activeRuns(tx, run.TenantID, run.WorkflowID, run.ContactID)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			existing = active[0]
			return nil
		}
		return tx.Create(run).Error
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

func activeRuns(db *gorm.DB, tenantID, workflowID, contactID string) ([]*automation.WorkflowRun, error) {
	var runs []*automation.WorkflowRun
	err := db.
		Where("tenant_id = ? AND workflow_id = ? AND contact_id = ? AND status IN ?",
			tenantID, workflowID, contactID, automation.ActiveStatuses).
		Order("created_at ASC").
		Find(&runs).Error
	return runs, err
}
