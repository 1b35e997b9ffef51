package progress_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/buildtrace/core/internal/data/repos"
	"github.com/buildtrace/core/internal/data/repos/testutil"
	domain "github.com/buildtrace/core/internal/domain"
	"github.com/buildtrace/core/internal/platform/dbctx"
	apperrors "github.com/buildtrace/core/internal/platform/errors"
	"github.com/buildtrace/core/internal/progress"
)

func TestGetJobProgress_FoldsStageAndPageState(t *testing.T) {
	db := testutil.DB(t)
	dbc := dbctx.Context{Ctx: context.Background()}

	jobs := repos.NewJobRepo(db)
	stages := repos.NewJobStageRepo(db)
	tasks := repos.NewPageTaskRepo(db)
	diffs := repos.NewDiffResultRepo(db)
	summaries := repos.NewChangeSummaryRepo(db)

	job, err := jobs.Create(dbc, &domain.Job{
		ProjectID:    uuid.New(),
		OldVersionID: uuid.New(),
		NewVersionID: uuid.New(),
		CreatedByID:  uuid.New(),
		Status:       domain.JobRunning,
	})
	require.NoError(t, err)

	_, err = stages.Create(dbc, &domain.JobStage{JobID: job.ID, Kind: domain.StageDiff, Status: domain.StageRunning, ExpectedCount: 1})
	require.NoError(t, err)
	_, err = stages.Create(dbc, &domain.JobStage{JobID: job.ID, Kind: domain.StageSummary, Status: domain.StagePending, ExpectedCount: 1})
	require.NoError(t, err)

	dr, err := diffs.Upsert(dbc, &domain.DiffResult{JobID: job.ID, DrawingName: "A-101", OverlayImageRef: "overlay/a-101.png"})
	require.NoError(t, err)

	_, err = tasks.Create(dbc, []*domain.PageTask{{
		JobID: job.ID, StageKind: domain.StageDiff, Status: domain.PageTaskSucceeded, DrawingName: "A-101",
	}})
	require.NoError(t, err)

	_, err = summaries.Upsert(dbc, &domain.ChangeSummary{DiffResultID: dr.ID, OverallSummary: "3 changes found"})
	require.NoError(t, err)

	reader := progress.NewReader(jobs, stages, tasks, diffs, summaries)
	got, err := reader.GetJobProgress(context.Background(), job.ID)
	require.NoError(t, err)

	require.Equal(t, domain.JobRunning, got.Status)
	require.Equal(t, 1, got.PerStage[domain.StageDiff].Expected)
	require.Equal(t, 1, got.PerStage[domain.StageSummary].Expected)
	require.Len(t, got.Pages, 1)
	require.Equal(t, "A-101", got.Pages[0].DrawingName)
	require.Equal(t, string(domain.PageTaskSucceeded), got.Pages[0].DiffStatus)
	require.Equal(t, string(domain.PageTaskSucceeded), got.Pages[0].SummaryStatus)
	require.Equal(t, "overlay/a-101.png", got.Pages[0].OverlayRef)
}

func TestGetJobProgress_UnknownJobReturnsError(t *testing.T) {
	db := testutil.DB(t)
	jobs := repos.NewJobRepo(db)
	stages := repos.NewJobStageRepo(db)
	tasks := repos.NewPageTaskRepo(db)
	diffs := repos.NewDiffResultRepo(db)
	summaries := repos.NewChangeSummaryRepo(db)

	reader := progress.NewReader(jobs, stages, tasks, diffs, summaries)
	_, err := reader.GetJobProgress(context.Background(), uuid.New())
	require.Error(t, err)
	require.True(t, errors.Is(err, apperrors.ErrNotFound))
}
