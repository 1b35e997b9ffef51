package app

import (
	"gorm.io/gorm"

	"github.com/buildtrace/core/internal/data/repos"
)

// Repos bundles every repository the Engine and progress.Reader depend on.
type Repos struct {
	Projects        repos.ProjectRepo
	DrawingVersions repos.DrawingVersionRepo
	Jobs            repos.JobRepo
	Stages          repos.JobStageRepo
	Tasks           repos.PageTaskRepo
	PageResults     repos.PageResultRepo
	DiffResults     repos.DiffResultRepo
	Summaries       repos.ChangeSummaryRepo
	Overlays        repos.ManualOverlayRepo
	Events          repos.JobEventRepo
}

func wireRepos(db *gorm.DB) Repos {
	return Repos{
		Projects:        repos.NewProjectRepo(db),
		DrawingVersions: repos.NewDrawingVersionRepo(db),
		Jobs:            repos.NewJobRepo(db),
		Stages:          repos.NewJobStageRepo(db),
		Tasks:           repos.NewPageTaskRepo(db),
		PageResults:     repos.NewPageResultRepo(db),
		DiffResults:     repos.NewDiffResultRepo(db),
		Summaries:       repos.NewChangeSummaryRepo(db),
		Overlays:        repos.NewManualOverlayRepo(db),
		Events:          repos.NewJobEventRepo(db),
	}
}
