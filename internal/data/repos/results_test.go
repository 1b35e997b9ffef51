package repos_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/buildtrace/core/internal/data/repos"
	"github.com/buildtrace/core/internal/data/repos/testutil"
	domain "github.com/buildtrace/core/internal/domain"
	"github.com/buildtrace/core/internal/platform/dbctx"
)

func TestPageResultRepo_Upsert_OverwritesOnConflict(t *testing.T) {
	db := testutil.DB(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	r := repos.NewPageResultRepo(db)

	versionID := uuid.New()
	name1 := "A-101"
	_, err := r.Upsert(dbc, &domain.PageResult{
		DrawingVersionID: versionID,
		PageIndex:        0,
		ImageRef:         "gs://bucket/v1/page-0.png",
		DrawingName:      &name1,
		Text:             "first attempt",
	})
	require.NoError(t, err)

	name2 := "A-101"
	_, err = r.Upsert(dbc, &domain.PageResult{
		DrawingVersionID: versionID,
		PageIndex:        0,
		ImageRef:         "gs://bucket/v1/page-0.png",
		DrawingName:      &name2,
		Text:             "retried attempt",
	})
	require.NoError(t, err)

	got, err := r.GetByVersionAndPage(dbc, versionID, 0)
	require.NoError(t, err)
	require.Equal(t, "retried attempt", got.Text, "retry should overwrite the prior row, not duplicate it")

	all, err := r.ListByDrawingVersion(dbc, versionID)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestDiffResultRepo_Upsert_OverwritesByJobAndDrawingName(t *testing.T) {
	db := testutil.DB(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	r := repos.NewDiffResultRepo(db)

	jobID := uuid.New()
	one, five := 1, 5
	_, err := r.Upsert(dbc, &domain.DiffResult{JobID: jobID, DrawingName: "A-101", ChangeCount: &one})
	require.NoError(t, err)
	_, err = r.Upsert(dbc, &domain.DiffResult{JobID: jobID, DrawingName: "A-101", ChangeCount: &five})
	require.NoError(t, err)

	got, err := r.GetByJobAndName(dbc, jobID, "A-101")
	require.NoError(t, err)
	require.NotNil(t, got.ChangeCount)
	require.Equal(t, 5, *got.ChangeCount)

	all, err := r.ListByJob(dbc, jobID)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestChangeSummaryRepo_ListByJob_JoinsThroughDiffResult(t *testing.T) {
	db := testutil.DB(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	diffs := repos.NewDiffResultRepo(db)
	summaries := repos.NewChangeSummaryRepo(db)

	jobID := uuid.New()
	dr, err := diffs.Upsert(dbc, &domain.DiffResult{JobID: jobID, DrawingName: "A-101"})
	require.NoError(t, err)

	_, err = summaries.Upsert(dbc, &domain.ChangeSummary{
		DiffResultID:   dr.ID,
		OverallSummary: "no major changes",
		Changes:        datatypes.JSON([]byte(`[]`)),
		TotalChanges:   0,
	})
	require.NoError(t, err)

	got, err := summaries.ListByJob(dbc, jobID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "no major changes", got[0].OverallSummary)
}
