package repos

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/buildtrace/core/internal/domain"
	"github.com/buildtrace/core/internal/platform/dbctx"
)

type PageResultRepo interface {
	// Upsert writes the OCR result for (drawing_version_id, page_index),
	// overwriting on retry — the same overwrite-on-retry convention the
	// object storage layout follows.
	Upsert(dbc dbctx.Context, pr *domain.PageResult) (*domain.PageResult, error)
	ListByDrawingVersion(dbc dbctx.Context, drawingVersionID uuid.UUID) ([]*domain.PageResult, error)
	GetByVersionAndPage(dbc dbctx.Context, drawingVersionID uuid.UUID, pageIndex int) (*domain.PageResult, error)
}

type pageResultRepo struct{ db *gorm.DB }

func NewPageResultRepo(db *gorm.DB) PageResultRepo { return &pageResultRepo{db: db} }

func (r *pageResultRepo) Upsert(dbc dbctx.Context, pr *domain.PageResult) (*domain.PageResult, error) {
	tx := txOr(dbc, r.db)
	err := tx.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "drawing_version_id"}, {Name: "page_index"}},
			DoUpdates: clause.AssignmentColumns([]string{"image_ref", "drawing_name", "text", "metadata"}),
		}).
		Create(pr).Error
	if err != nil {
		return nil, err
	}
	return pr, nil
}

func (r *pageResultRepo) ListByDrawingVersion(dbc dbctx.Context, drawingVersionID uuid.UUID) ([]*domain.PageResult, error) {
	tx := txOr(dbc, r.db)
	var out []*domain.PageResult
	if err := tx.WithContext(dbc.Ctx).
		Where("drawing_version_id = ?", drawingVersionID).
		Order("page_index ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pageResultRepo) GetByVersionAndPage(dbc dbctx.Context, drawingVersionID uuid.UUID, pageIndex int) (*domain.PageResult, error) {
	tx := txOr(dbc, r.db)
	var pr domain.PageResult
	if err := tx.WithContext(dbc.Ctx).
		Where("drawing_version_id = ? AND page_index = ?", drawingVersionID, pageIndex).
		First(&pr).Error; err != nil {
		return nil, err
	}
	return &pr, nil
}

type DiffResultRepo interface {
	Upsert(dbc dbctx.Context, d *domain.DiffResult) (*domain.DiffResult, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.DiffResult, error)
	GetByJobAndName(dbc dbctx.Context, jobID uuid.UUID, drawingName string) (*domain.DiffResult, error)
	ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.DiffResult, error)
}

type diffResultRepo struct{ db *gorm.DB }

func NewDiffResultRepo(db *gorm.DB) DiffResultRepo { return &diffResultRepo{db: db} }

func (r *diffResultRepo) Upsert(dbc dbctx.Context, d *domain.DiffResult) (*domain.DiffResult, error) {
	tx := txOr(dbc, r.db)
	err := tx.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "job_id"}, {Name: "drawing_name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"baseline_image_ref", "revised_image_ref", "overlay_image_ref",
				"alignment_score", "change_detected", "change_count",
			}),
		}).
		Create(d).Error
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *diffResultRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.DiffResult, error) {
	tx := txOr(dbc, r.db)
	var d domain.DiffResult
	if err := tx.WithContext(dbc.Ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *diffResultRepo) GetByJobAndName(dbc dbctx.Context, jobID uuid.UUID, drawingName string) (*domain.DiffResult, error) {
	tx := txOr(dbc, r.db)
	var d domain.DiffResult
	if err := tx.WithContext(dbc.Ctx).
		Where("job_id = ? AND drawing_name = ?", jobID, drawingName).
		First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *diffResultRepo) ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.DiffResult, error) {
	tx := txOr(dbc, r.db)
	var out []*domain.DiffResult
	if err := tx.WithContext(dbc.Ctx).Where("job_id = ?", jobID).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

type ChangeSummaryRepo interface {
	Upsert(dbc dbctx.Context, cs *domain.ChangeSummary) (*domain.ChangeSummary, error)
	GetByDiffResult(dbc dbctx.Context, diffResultID uuid.UUID) (*domain.ChangeSummary, error)
	ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.ChangeSummary, error)
}

type changeSummaryRepo struct{ db *gorm.DB }

func NewChangeSummaryRepo(db *gorm.DB) ChangeSummaryRepo { return &changeSummaryRepo{db: db} }

func (r *changeSummaryRepo) Upsert(dbc dbctx.Context, cs *domain.ChangeSummary) (*domain.ChangeSummary, error) {
	tx := txOr(dbc, r.db)
	err := tx.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "diff_result_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"overall_summary", "changes", "critical_change", "recommendations",
				"total_changes", "free_text", "model_version", "source",
			}),
		}).
		Create(cs).Error
	if err != nil {
		return nil, err
	}
	return cs, nil
}

func (r *changeSummaryRepo) GetByDiffResult(dbc dbctx.Context, diffResultID uuid.UUID) (*domain.ChangeSummary, error) {
	tx := txOr(dbc, r.db)
	var cs domain.ChangeSummary
	if err := tx.WithContext(dbc.Ctx).Where("diff_result_id = ?", diffResultID).First(&cs).Error; err != nil {
		return nil, err
	}
	return &cs, nil
}

func (r *changeSummaryRepo) ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.ChangeSummary, error) {
	tx := txOr(dbc, r.db)
	var out []*domain.ChangeSummary
	if err := tx.WithContext(dbc.Ctx).
		Joins("JOIN diff_result ON diff_result.id = change_summary.diff_result_id").
		Where("diff_result.job_id = ?", jobID).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

type ManualOverlayRepo interface {
	Create(dbc dbctx.Context, m *domain.ManualOverlay) (*domain.ManualOverlay, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.ManualOverlay, error)
}

type manualOverlayRepo struct{ db *gorm.DB }

func NewManualOverlayRepo(db *gorm.DB) ManualOverlayRepo { return &manualOverlayRepo{db: db} }

func (r *manualOverlayRepo) Create(dbc dbctx.Context, m *domain.ManualOverlay) (*domain.ManualOverlay, error) {
	tx := txOr(dbc, r.db)
	if err := tx.WithContext(dbc.Ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

func (r *manualOverlayRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.ManualOverlay, error) {
	tx := txOr(dbc, r.db)
	var m domain.ManualOverlay
	if err := tx.WithContext(dbc.Ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

type JobEventRepo interface {
	Append(dbc dbctx.Context, e *domain.JobEvent) error
	ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.JobEvent, error)
}

type jobEventRepo struct{ db *gorm.DB }

func NewJobEventRepo(db *gorm.DB) JobEventRepo { return &jobEventRepo{db: db} }

func (r *jobEventRepo) Append(dbc dbctx.Context, e *domain.JobEvent) error {
	tx := txOr(dbc, r.db)
	return tx.WithContext(dbc.Ctx).Create(e).Error
}

func (r *jobEventRepo) ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.JobEvent, error) {
	tx := txOr(dbc, r.db)
	var out []*domain.JobEvent
	if err := tx.WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
