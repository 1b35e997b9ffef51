package repos

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	domain "github.com/buildtrace/core/internal/domain"
	"github.com/buildtrace/core/internal/platform/dbctx"
)

type ProjectRepo interface {
	Create(dbc dbctx.Context, p *domain.Project) (*domain.Project, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Project, error)
}

type DrawingVersionRepo interface {
	Create(dbc dbctx.Context, v *domain.DrawingVersion) (*domain.DrawingVersion, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.DrawingVersion, error)
}

type projectRepo struct{ db *gorm.DB }

func NewProjectRepo(db *gorm.DB) ProjectRepo { return &projectRepo{db: db} }

func (r *projectRepo) Create(dbc dbctx.Context, p *domain.Project) (*domain.Project, error) {
	tx := txOr(dbc, r.db)
	if err := tx.WithContext(dbc.Ctx).Create(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

func (r *projectRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Project, error) {
	tx := txOr(dbc, r.db)
	var p domain.Project
	if err := tx.WithContext(dbc.Ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

type drawingVersionRepo struct{ db *gorm.DB }

func NewDrawingVersionRepo(db *gorm.DB) DrawingVersionRepo { return &drawingVersionRepo{db: db} }

func (r *drawingVersionRepo) Create(dbc dbctx.Context, v *domain.DrawingVersion) (*domain.DrawingVersion, error) {
	tx := txOr(dbc, r.db)
	if err := tx.WithContext(dbc.Ctx).Create(v).Error; err != nil {
		return nil, err
	}
	return v, nil
}

func (r *drawingVersionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.DrawingVersion, error) {
	tx := txOr(dbc, r.db)
	var v domain.DrawingVersion
	if err := tx.WithContext(dbc.Ctx).Where("id = ?", id).First(&v).Error; err != nil {
		return nil, err
	}
	return &v, nil
}
