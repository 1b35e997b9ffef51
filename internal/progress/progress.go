// Package progress implements the read-only projections over the job model:
// per-job progress and the per-job streaming event feed. It never mutates
// state; it only folds Job/JobStage/PageTask/DiffResult/ChangeSummary rows
// into the shapes the API layer exposes to clients.
package progress

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	domain "github.com/buildtrace/core/internal/domain"
	"github.com/buildtrace/core/internal/data/repos"
	"github.com/buildtrace/core/internal/platform/dbctx"
	apperrors "github.com/buildtrace/core/internal/platform/errors"
)

// StageCounts mirrors one entry of get_job_progress's per_stage map.
type StageCounts struct {
	Expected  int `json:"expected"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// PageProgress is one row of get_job_progress's pages array, keyed by
// drawing_name across the diff/summary stages.
type PageProgress struct {
	DrawingName   string `json:"drawing_name"`
	OCRStatus     string `json:"ocr_status"`
	DiffStatus    string `json:"diff_status"`
	SummaryStatus string `json:"summary_status"`
	OverlayRef    string `json:"overlay_ref,omitempty"`
	SummaryRef    string `json:"summary_ref,omitempty"`
}

// JobProgress is the full shape returned by get_job_progress(job_id).
type JobProgress struct {
	Status   domain.JobStatus             `json:"status"`
	PerStage map[domain.StageKind]StageCounts `json:"per_stage"`
	Pages    []PageProgress               `json:"pages"`
}

// Reader answers read-only queries over job state.
type Reader struct {
	Jobs        repos.JobRepo
	Stages      repos.JobStageRepo
	Tasks       repos.PageTaskRepo
	DiffResults repos.DiffResultRepo
	Summaries   repos.ChangeSummaryRepo
}

func NewReader(jobs repos.JobRepo, stages repos.JobStageRepo, tasks repos.PageTaskRepo, diffs repos.DiffResultRepo, summaries repos.ChangeSummaryRepo) *Reader {
	return &Reader{Jobs: jobs, Stages: stages, Tasks: tasks, DiffResults: diffs, Summaries: summaries}
}

// GetJobProgress folds a job's stages, tasks, and results into one
// client-facing snapshot.
func (r *Reader) GetJobProgress(ctx context.Context, jobID uuid.UUID) (*JobProgress, error) {
	dbc := dbctx.Context{Ctx: ctx}

	job, err := r.Jobs.GetByID(dbc, jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("progress: job %s: %w", jobID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("progress: load job: %w", err)
	}

	stages, err := r.Stages.ListByJob(dbc, jobID)
	if err != nil {
		return nil, fmt.Errorf("progress: list stages: %w", err)
	}
	perStage := make(map[domain.StageKind]StageCounts, len(stages))
	for _, s := range stages {
		perStage[s.Kind] = StageCounts{
			Expected:  s.ExpectedCount,
			Completed: s.CompletedCount,
			Failed:    s.FailedCount,
		}
	}

	diffs, err := r.DiffResults.ListByJob(dbc, jobID)
	if err != nil {
		return nil, fmt.Errorf("progress: list diff results: %w", err)
	}
	summaries, err := r.Summaries.ListByJob(dbc, jobID)
	if err != nil {
		return nil, fmt.Errorf("progress: list summaries: %w", err)
	}
	summaryByDiffResult := make(map[uuid.UUID]*domain.ChangeSummary, len(summaries))
	for _, cs := range summaries {
		summaryByDiffResult[cs.DiffResultID] = cs
	}

	diffTasks, err := r.Tasks.ListByJobAndStage(dbc, jobID, domain.StageDiff)
	if err != nil {
		return nil, fmt.Errorf("progress: list diff tasks: %w", err)
	}
	diffStatusByName := make(map[string]domain.PageTaskStatus, len(diffTasks))
	for _, t := range diffTasks {
		diffStatusByName[t.DrawingName] = t.Status
	}

	summaryTasks, err := r.Tasks.ListByJobAndStage(dbc, jobID, domain.StageSummary)
	if err != nil {
		return nil, fmt.Errorf("progress: list summary tasks: %w", err)
	}
	summaryStatusByDiffResult := make(map[uuid.UUID]domain.PageTaskStatus, len(summaryTasks))
	for _, t := range summaryTasks {
		if t.DiffResultID != nil {
			summaryStatusByDiffResult[*t.DiffResultID] = t.Status
		}
	}

	pages := make([]PageProgress, 0, len(diffs))
	for _, d := range diffs {
		pp := PageProgress{
			DrawingName: d.DrawingName,
			OCRStatus:   string(domain.PageTaskSucceeded),
			DiffStatus:  string(diffStatusByName[d.DrawingName]),
			OverlayRef:  d.OverlayImageRef,
		}
		if cs, ok := summaryByDiffResult[d.ID]; ok {
			pp.SummaryStatus = string(domain.PageTaskSucceeded)
			pp.SummaryRef = cs.ID.String()
		} else if st, ok := summaryStatusByDiffResult[d.ID]; ok {
			pp.SummaryStatus = string(st)
		}
		pages = append(pages, pp)
	}

	return &JobProgress{
		Status:   job.Status,
		PerStage: perStage,
		Pages:    pages,
	}, nil
}
