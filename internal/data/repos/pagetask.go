package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	domain "github.com/buildtrace/core/internal/domain"
	"github.com/buildtrace/core/internal/platform/dbctx"
)

type PageTaskRepo interface {
	Create(dbc dbctx.Context, tasks []*domain.PageTask) ([]*domain.PageTask, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.PageTask, error)
	ListByJobAndStage(dbc dbctx.Context, jobID uuid.UUID, kind domain.StageKind) ([]*domain.PageTask, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// UpdateFieldsUnlessStatus performs a conditional update keyed by
	// (page_task_id, current_status), the mechanism that makes duplicate
	// completion delivery idempotent: only the first completion for
	// a task still in a non-terminal status commits.
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []domain.PageTaskStatus, updates map[string]interface{}) (bool, error)
	// ListOverdue returns dispatched tasks whose deadline has elapsed, for
	// the orchestrator's wall-clock budget enforcement.
	ListOverdue(dbc dbctx.Context, now time.Time) ([]*domain.PageTask, error)
	// ListDueRetry returns pending tasks whose backoff has elapsed and are
	// ready for redispatch.
	ListDueRetry(dbc dbctx.Context, now time.Time) ([]*domain.PageTask, error)
}

type pageTaskRepo struct{ db *gorm.DB }

func NewPageTaskRepo(db *gorm.DB) PageTaskRepo { return &pageTaskRepo{db: db} }

func (r *pageTaskRepo) Create(dbc dbctx.Context, tasks []*domain.PageTask) ([]*domain.PageTask, error) {
	tx := txOr(dbc, r.db)
	if len(tasks) == 0 {
		return tasks, nil
	}
	if err := tx.WithContext(dbc.Ctx).Create(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *pageTaskRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.PageTask, error) {
	tx := txOr(dbc, r.db)
	var t domain.PageTask
	if err := tx.WithContext(dbc.Ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *pageTaskRepo) ListByJobAndStage(dbc dbctx.Context, jobID uuid.UUID, kind domain.StageKind) ([]*domain.PageTask, error) {
	tx := txOr(dbc, r.db)
	var out []*domain.PageTask
	if err := tx.WithContext(dbc.Ctx).
		Where("job_id = ? AND stage_kind = ?", jobID, kind).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pageTaskRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	tx := txOr(dbc, r.db)
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return tx.WithContext(dbc.Ctx).Model(&domain.PageTask{}).Where("id = ?", id).Updates(updates).Error
}

func (r *pageTaskRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []domain.PageTaskStatus, updates map[string]interface{}) (bool, error) {
	tx := txOr(dbc, r.db)
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	q := tx.WithContext(dbc.Ctx).Model(&domain.PageTask{}).Where("id = ?", id)
	if len(disallowed) == 1 {
		q = q.Where("status <> ?", disallowed[0])
	} else if len(disallowed) > 1 {
		q = q.Where("status NOT IN ?", disallowed)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *pageTaskRepo) ListOverdue(dbc dbctx.Context, now time.Time) ([]*domain.PageTask, error) {
	tx := txOr(dbc, r.db)
	var out []*domain.PageTask
	if err := tx.WithContext(dbc.Ctx).
		Where("status = ? AND deadline IS NOT NULL AND deadline < ?", domain.PageTaskDispatched, now).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pageTaskRepo) ListDueRetry(dbc dbctx.Context, now time.Time) ([]*domain.PageTask, error) {
	tx := txOr(dbc, r.db)
	var out []*domain.PageTask
	if err := tx.WithContext(dbc.Ctx).
		Where("status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", domain.PageTaskPending, now).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
