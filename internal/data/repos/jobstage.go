package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	domain "github.com/buildtrace/core/internal/domain"
	"github.com/buildtrace/core/internal/platform/dbctx"
)

type JobStageRepo interface {
	Create(dbc dbctx.Context, s *domain.JobStage) (*domain.JobStage, error)
	GetByJobAndKind(dbc dbctx.Context, jobID uuid.UUID, kind domain.StageKind) (*domain.JobStage, error)
	ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.JobStage, error)
	SetExpected(dbc dbctx.Context, id uuid.UUID, expected int) error
	SetStatus(dbc dbctx.Context, id uuid.UUID, status domain.StageStatus) error
	MarkStarted(dbc dbctx.Context, id uuid.UUID) error
	// IncrementCounter performs a compare-and-swap style increment on one of
	// completed_count/failed_count/skipped_count/expected_count.
	// Returns the row's state after the update.
	IncrementCounter(dbc dbctx.Context, id uuid.UUID, column string, delta int) (*domain.JobStage, error)
	// TryTransition performs a conditional status change, committing only if
	// the row is still in `from`. Used to ensure exactly one of two
	// concurrently-completing sibling OCR stages triggers pairing.
	TryTransition(dbc dbctx.Context, id uuid.UUID, from, to domain.StageStatus) (bool, error)
}

type jobStageRepo struct{ db *gorm.DB }

func NewJobStageRepo(db *gorm.DB) JobStageRepo { return &jobStageRepo{db: db} }

func (r *jobStageRepo) Create(dbc dbctx.Context, s *domain.JobStage) (*domain.JobStage, error) {
	tx := txOr(dbc, r.db)
	if err := tx.WithContext(dbc.Ctx).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

func (r *jobStageRepo) GetByJobAndKind(dbc dbctx.Context, jobID uuid.UUID, kind domain.StageKind) (*domain.JobStage, error) {
	tx := txOr(dbc, r.db)
	var s domain.JobStage
	if err := tx.WithContext(dbc.Ctx).
		Where("job_id = ? AND kind = ?", jobID, kind).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *jobStageRepo) ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.JobStage, error) {
	tx := txOr(dbc, r.db)
	var out []*domain.JobStage
	if err := tx.WithContext(dbc.Ctx).Where("job_id = ?", jobID).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobStageRepo) SetExpected(dbc dbctx.Context, id uuid.UUID, expected int) error {
	tx := txOr(dbc, r.db)
	return tx.WithContext(dbc.Ctx).Model(&domain.JobStage{}).Where("id = ?", id).
		Updates(map[string]interface{}{"expected_count": expected, "updated_at": time.Now()}).Error
}

func (r *jobStageRepo) SetStatus(dbc dbctx.Context, id uuid.UUID, status domain.StageStatus) error {
	tx := txOr(dbc, r.db)
	updates := map[string]interface{}{"status": status, "updated_at": time.Now()}
	if status.Terminal() {
		now := time.Now()
		updates["finished_at"] = now
	}
	return tx.WithContext(dbc.Ctx).Model(&domain.JobStage{}).Where("id = ?", id).Updates(updates).Error
}

func (r *jobStageRepo) MarkStarted(dbc dbctx.Context, id uuid.UUID) error {
	tx := txOr(dbc, r.db)
	now := time.Now()
	return tx.WithContext(dbc.Ctx).Model(&domain.JobStage{}).
		Where("id = ? AND started_at IS NULL", id).
		Updates(map[string]interface{}{"started_at": now, "status": domain.StageRunning, "updated_at": now}).Error
}

var counterColumns = map[string]bool{
	"completed_count": true,
	"failed_count":    true,
	"skipped_count":   true,
	"expected_count":  true,
}

func (r *jobStageRepo) IncrementCounter(dbc dbctx.Context, id uuid.UUID, column string, delta int) (*domain.JobStage, error) {
	tx := txOr(dbc, r.db)
	if !counterColumns[column] {
		return nil, gorm.ErrInvalidField
	}
	var out *domain.JobStage
	err := tx.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Model(&domain.JobStage{}).Where("id = ?", id).
			Updates(map[string]interface{}{
				column:       gorm.Expr(column + " + ?", delta),
				"updated_at": time.Now(),
			}).Error; err != nil {
			return err
		}
		var s domain.JobStage
		if err := txx.Where("id = ?", id).First(&s).Error; err != nil {
			return err
		}
		out = &s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobStageRepo) TryTransition(dbc dbctx.Context, id uuid.UUID, from, to domain.StageStatus) (bool, error) {
	tx := txOr(dbc, r.db)
	updates := map[string]interface{}{"status": to, "updated_at": time.Now()}
	if to == domain.StageRunning {
		updates["started_at"] = time.Now()
	}
	res := tx.WithContext(dbc.Ctx).Model(&domain.JobStage{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
