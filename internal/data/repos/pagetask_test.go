package repos_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/buildtrace/core/internal/data/repos"
	"github.com/buildtrace/core/internal/data/repos/testutil"
	domain "github.com/buildtrace/core/internal/domain"
	"github.com/buildtrace/core/internal/platform/dbctx"
)

func TestPageTaskRepo_UpdateFieldsUnlessStatus_OnlyFirstTransitionWins(t *testing.T) {
	db := testutil.DB(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	r := repos.NewPageTaskRepo(db)

	jobID := uuid.New()
	created, err := r.Create(dbc, []*domain.PageTask{{JobID: jobID, StageKind: domain.StageOCROld, Status: domain.PageTaskDispatched}})
	require.NoError(t, err)
	task := created[0]

	disallowed := []domain.PageTaskStatus{domain.PageTaskSucceeded, domain.PageTaskFailed}

	ok1, err := r.UpdateFieldsUnlessStatus(dbc, task.ID, disallowed, map[string]interface{}{"status": domain.PageTaskSucceeded})
	require.NoError(t, err)
	require.True(t, ok1, "first completion should commit")

	ok2, err := r.UpdateFieldsUnlessStatus(dbc, task.ID, disallowed, map[string]interface{}{"status": domain.PageTaskFailed})
	require.NoError(t, err)
	require.False(t, ok2, "duplicate completion for an already-terminal task must not commit")

	final, err := r.GetByID(dbc, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PageTaskSucceeded, final.Status)
}

func TestJobStageRepo_TryTransition_OnlyOneWinnerOnConcurrentAttempts(t *testing.T) {
	db := testutil.DB(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	stages := repos.NewJobStageRepo(db)

	jobID := uuid.New()
	stage, err := stages.Create(dbc, &domain.JobStage{JobID: jobID, Kind: domain.StageDiff, Status: domain.StagePending})
	require.NoError(t, err)

	won1, err := stages.TryTransition(dbc, stage.ID, domain.StagePending, domain.StageRunning)
	require.NoError(t, err)
	require.True(t, won1)

	won2, err := stages.TryTransition(dbc, stage.ID, domain.StagePending, domain.StageRunning)
	require.NoError(t, err)
	require.False(t, won2, "second transition attempt from the now-stale `from` state must not win")
}

func TestJobStageRepo_IncrementCounter_AccumulatesAcrossCalls(t *testing.T) {
	db := testutil.DB(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	stages := repos.NewJobStageRepo(db)

	jobID := uuid.New()
	stage, err := stages.Create(dbc, &domain.JobStage{JobID: jobID, Kind: domain.StageOCROld, Status: domain.StageRunning, ExpectedCount: 3})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := stages.IncrementCounter(dbc, stage.ID, "completed_count", 1)
		require.NoError(t, err)
	}

	updated, err := stages.GetByJobAndKind(dbc, jobID, domain.StageOCROld)
	require.NoError(t, err)
	require.Equal(t, 3, updated.CompletedCount)
}
