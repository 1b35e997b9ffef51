package repos

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/buildtrace/core/internal/domain"
	"github.com/buildtrace/core/internal/platform/dbctx"
)

type JobRepo interface {
	Create(dbc dbctx.Context, j *domain.Job) (*domain.Job, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error)
	ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*domain.Job, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []domain.JobStatus, updates map[string]interface{}) (bool, error)
	// ClaimNextActive locks and returns the next Job that still needs an
	// orchestrator tick (queued, running or cancelling, not touched recently), for
	// the DB-poll tick loop. SKIP LOCKED keeps multiple orchestrator
	// processes from double-ticking the same job.
	ClaimNextActive(dbc dbctx.Context, staleTick time.Duration) (*domain.Job, error)
}

type jobRepo struct{ db *gorm.DB }

func NewJobRepo(db *gorm.DB) JobRepo { return &jobRepo{db: db} }

func (r *jobRepo) Create(dbc dbctx.Context, j *domain.Job) (*domain.Job, error) {
	tx := txOr(dbc, r.db)
	if err := tx.WithContext(dbc.Ctx).Create(j).Error; err != nil {
		return nil, err
	}
	return j, nil
}

func (r *jobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	tx := txOr(dbc, r.db)
	var j domain.Job
	if err := tx.WithContext(dbc.Ctx).Where("id = ?", id).First(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *jobRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*domain.Job, error) {
	tx := txOr(dbc, r.db)
	var out []*domain.Job
	if err := tx.WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	tx := txOr(dbc, r.db)
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return tx.WithContext(dbc.Ctx).Model(&domain.Job{}).Where("id = ?", id).Updates(updates).Error
}

func (r *jobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []domain.JobStatus, updates map[string]interface{}) (bool, error) {
	tx := txOr(dbc, r.db)
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	q := tx.WithContext(dbc.Ctx).Model(&domain.Job{}).Where("id = ?", id)
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

func (r *jobRepo) ClaimNextActive(dbc dbctx.Context, staleTick time.Duration) (*domain.Job, error) {
	tx := txOr(dbc, r.db)
	now := time.Now()
	staleCutoff := now.Add(-staleTick)

	var claimed *domain.Job
	err := tx.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var j domain.Job
		qErr := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status IN ? AND (updated_at IS NULL OR updated_at < ?)",
				[]domain.JobStatus{domain.JobQueued, domain.JobRunning, domain.JobCancelling}, staleCutoff).
			Order("created_at ASC").
			First(&j).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		if err := txx.Model(&domain.Job{}).Where("id = ?", j.ID).
			Updates(map[string]interface{}{"updated_at": now}).Error; err != nil {
			return err
		}
		claimed = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}
