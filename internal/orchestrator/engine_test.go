package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	busx "github.com/buildtrace/core/internal/bus"
	"github.com/buildtrace/core/internal/data/repos"
	"github.com/buildtrace/core/internal/data/repos/testutil"
	domain "github.com/buildtrace/core/internal/domain"
	"github.com/buildtrace/core/internal/platform/dbctx"
)

// harness bundles one Engine plus the repos/bus needed to drive and inspect
// it from test code.
type harness struct {
	t      *testing.T
	db     *gorm.DB
	dbc    dbctx.Context
	bus    *busx.FakeBus
	engine *Engine

	projects repos.ProjectRepo
	versions repos.DrawingVersionRepo
	jobs     repos.JobRepo
	stages   repos.JobStageRepo
	tasks    repos.PageTaskRepo
	pages    repos.PageResultRepo
	diffs    repos.DiffResultRepo
	summarys repos.ChangeSummaryRepo
	overlays repos.ManualOverlayRepo
	events   repos.JobEventRepo
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.DB(t)
	ctx := context.Background()

	h := &harness{
		t:        t,
		db:       db,
		dbc:      dbctx.Context{Ctx: ctx},
		bus:      busx.NewFakeBus(),
		projects: repos.NewProjectRepo(db),
		versions: repos.NewDrawingVersionRepo(db),
		jobs:     repos.NewJobRepo(db),
		stages:   repos.NewJobStageRepo(db),
		tasks:    repos.NewPageTaskRepo(db),
		pages:    repos.NewPageResultRepo(db),
		diffs:    repos.NewDiffResultRepo(db),
		summarys: repos.NewChangeSummaryRepo(db),
		overlays: repos.NewManualOverlayRepo(db),
		events:   repos.NewJobEventRepo(db),
	}
	h.engine = New(Deps{
		DB:              db,
		Projects:        h.projects,
		DrawingVersions: h.versions,
		Jobs:            h.jobs,
		Stages:          h.stages,
		Tasks:           h.tasks,
		PageResults:     h.pages,
		DiffResults:     h.diffs,
		Summaries:       h.summarys,
		Overlays:        h.overlays,
		Events:          h.events,
		Bus:             h.bus,
		Log:             testutil.Logger(t),
	})
	return h
}

// newJob creates a Project, two DrawingVersions with the given page counts,
// and a queued Job comparing them, returning the Job id.
func (h *harness) newJob(oldPages, newPages int) uuid.UUID {
	h.t.Helper()
	proj, err := h.projects.Create(h.dbc, &domain.Project{OwnerUserID: uuid.New(), Name: "test project"})
	require.NoError(h.t, err)

	oldVer, err := h.versions.Create(h.dbc, &domain.DrawingVersion{ProjectID: proj.ID, StorageRef: "drawings/old/raw.pdf", PageCount: oldPages})
	require.NoError(h.t, err)
	newVer, err := h.versions.Create(h.dbc, &domain.DrawingVersion{ProjectID: proj.ID, StorageRef: "drawings/new/raw.pdf", PageCount: newPages})
	require.NoError(h.t, err)

	job, err := h.jobs.Create(h.dbc, &domain.Job{
		ProjectID:    proj.ID,
		OldVersionID: oldVer.ID,
		NewVersionID: newVer.ID,
		CreatedByID:  uuid.New(),
		Status:       domain.JobQueued,
	})
	require.NoError(h.t, err)
	return job.ID
}

func (h *harness) job(id uuid.UUID) *domain.Job {
	h.t.Helper()
	j, err := h.jobs.GetByID(h.dbc, id)
	require.NoError(h.t, err)
	return j
}

func (h *harness) stage(jobID uuid.UUID, kind domain.StageKind) *domain.JobStage {
	h.t.Helper()
	s, err := h.stages.GetByJobAndKind(h.dbc, jobID, kind)
	require.NoError(h.t, err)
	return s
}

func (h *harness) tasksFor(jobID uuid.UUID, kind domain.StageKind) []*domain.PageTask {
	h.t.Helper()
	ts, err := h.tasks.ListByJobAndStage(h.dbc, jobID, kind)
	require.NoError(h.t, err)
	return ts
}

// completeOCR drives OnCompletion for one OCR PageTask, simulating the OCR
// Worker's completion event without running the real worker.
func (h *harness) completeOCR(t *domain.PageTask, drawingName string, failErr domain.ErrorKind) {
	h.t.Helper()
	outputs := map[string]any{}
	status := domain.PageTaskSucceeded
	if failErr != "" {
		status = domain.PageTaskFailed
	} else {
		outputs["image_ref"] = "pages/" + drawingName + ".png"
		if drawingName != "" {
			outputs["drawing_name"] = drawingName
		}
	}
	payload := busx.CompletionPayload{Status: status, ErrorKind: failErr, Outputs: outputs}
	raw, err := json.Marshal(payload)
	require.NoError(h.t, err)
	env := busx.Envelope{PageTaskID: t.ID, JobID: t.JobID, Kind: busx.KindOCR, Payload: raw}
	require.NoError(h.t, h.engine.OnCompletion(context.Background(), env))
}

func (h *harness) completeDiff(t *domain.PageTask, overlayRef string, changeCount int, failErr domain.ErrorKind) {
	h.t.Helper()
	status := domain.PageTaskSucceeded
	outputs := map[string]any{}
	if failErr != "" {
		status = domain.PageTaskFailed
	} else {
		outputs["overlay_ref"] = overlayRef
		outputs["alignment_score"] = 0.92
		outputs["change_detected"] = changeCount > 0
		outputs["change_count"] = float64(changeCount)
	}
	payload := busx.CompletionPayload{Status: status, ErrorKind: failErr, Outputs: outputs}
	raw, err := json.Marshal(payload)
	require.NoError(h.t, err)
	env := busx.Envelope{PageTaskID: t.ID, JobID: t.JobID, Kind: busx.KindDiff, Payload: raw}
	require.NoError(h.t, h.engine.OnCompletion(context.Background(), env))
}

func (h *harness) completeSummary(t *domain.PageTask, failErr domain.ErrorKind) {
	h.t.Helper()
	status := domain.PageTaskSucceeded
	outputs := map[string]any{}
	if failErr != "" {
		status = domain.PageTaskFailed
	} else {
		outputs["overall_summary"] = "some changes"
		outputs["total_changes"] = float64(1)
		outputs["changes"] = []any{map[string]any{"id": "1", "title": "t", "description": "d", "change_type": "modified"}}
	}
	payload := busx.CompletionPayload{Status: status, ErrorKind: failErr, Outputs: outputs}
	raw, err := json.Marshal(payload)
	require.NoError(h.t, err)
	env := busx.Envelope{PageTaskID: t.ID, JobID: t.JobID, Kind: busx.KindSummary, Payload: raw}
	require.NoError(h.t, h.engine.OnCompletion(context.Background(), env))
}

// completeOCRSide drives every ocr_old/ocr_new task for one job,
// matching drawing names up by page order.
func (h *harness) completeOCRSide(jobID uuid.UUID, kind domain.StageKind, names []string) {
	h.t.Helper()
	tasks := h.tasksFor(jobID, kind)
	require.Len(h.t, tasks, len(names))
	for _, t := range tasks {
		idx := 0
		if t.PageIndex != nil {
			idx = *t.PageIndex
		}
		h.completeOCR(t, names[idx], "")
	}
}

func TestStartJob_CreatesStagesTasksAndDispatches(t *testing.T) {
	h := newHarness(t)
	jobID := h.newJob(2, 1)

	require.NoError(t, h.engine.StartJob(context.Background(), jobID))

	job := h.job(jobID)
	require.Equal(t, domain.JobRunning, job.Status)
	require.NotNil(t, job.StartedAt)

	for _, kind := range []domain.StageKind{domain.StageOCROld, domain.StageOCRNew, domain.StageDiff, domain.StageSummary} {
		_ = h.stage(jobID, kind)
	}
	oldStage := h.stage(jobID, domain.StageOCROld)
	require.Equal(t, 2, oldStage.ExpectedCount)
	require.Equal(t, domain.StageRunning, oldStage.Status)

	newStage := h.stage(jobID, domain.StageOCRNew)
	require.Equal(t, 1, newStage.ExpectedCount)

	diffStage := h.stage(jobID, domain.StageDiff)
	require.Equal(t, 0, diffStage.ExpectedCount)
	require.Equal(t, domain.StagePending, diffStage.Status)

	require.Len(t, h.bus.Published, 3)
	for _, msg := range h.bus.Published {
		require.Equal(t, busx.SubjectOCRTask, msg.Subject)
	}
}

func TestStartJob_IdempotentOnSecondCall(t *testing.T) {
	h := newHarness(t)
	jobID := h.newJob(1, 1)

	require.NoError(t, h.engine.StartJob(context.Background(), jobID))
	require.NoError(t, h.engine.StartJob(context.Background(), jobID))

	tasks := h.tasksFor(jobID, domain.StageOCROld)
	require.Len(t, tasks, 1)
	require.Len(t, h.bus.Published, 2) // one ocr_old + one ocr_new, not duplicated
}

func TestStartJob_ZeroPageVersionFailsPrecondition(t *testing.T) {
	h := newHarness(t)
	jobID := h.newJob(0, 1)

	require.NoError(t, h.engine.StartJob(context.Background(), jobID))

	job := h.job(jobID)
	require.Equal(t, domain.JobFailed, job.Status)
	require.Empty(t, h.bus.Published)
}

// Single-page, fully matched.
func TestEngine_SinglePageFullyMatched(t *testing.T) {
	h := newHarness(t)
	jobID := h.newJob(1, 1)
	require.NoError(t, h.engine.StartJob(context.Background(), jobID))

	h.completeOCRSide(jobID, domain.StageOCROld, []string{"A-101"})
	h.completeOCRSide(jobID, domain.StageOCRNew, []string{"A-101"})

	diffTasks := h.tasksFor(jobID, domain.StageDiff)
	require.Len(t, diffTasks, 1)
	require.Equal(t, "A-101", diffTasks[0].DrawingName)

	diffStage := h.stage(jobID, domain.StageDiff)
	require.Equal(t, 1, diffStage.ExpectedCount)

	h.completeDiff(diffTasks[0], "jobs/x/overlays/A-101.png", 3, "")

	summaryTasks := h.tasksFor(jobID, domain.StageSummary)
	require.Len(t, summaryTasks, 1)
	h.completeSummary(summaryTasks[0], "")

	job := h.job(jobID)
	require.Equal(t, domain.JobCompleted, job.Status)

	diffStage = h.stage(jobID, domain.StageDiff)
	require.Equal(t, 1, diffStage.ExpectedCount)
	require.Equal(t, 1, diffStage.CompletedCount)

	drs, err := h.diffs.ListByJob(h.dbc, jobID)
	require.NoError(t, err)
	require.Len(t, drs, 1)
	summaries, err := h.summarys.ListByJob(h.dbc, jobID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
}

// Ten-page multi-sheet, fully matched.
func TestEngine_TenPageMultiSheetFullyMatched(t *testing.T) {
	h := newHarness(t)
	jobID := h.newJob(10, 10)
	require.NoError(t, h.engine.StartJob(context.Background(), jobID))

	names := make([]string, 10)
	for i := range names {
		names[i] = sheetName(i)
	}
	h.completeOCRSide(jobID, domain.StageOCROld, names)
	h.completeOCRSide(jobID, domain.StageOCRNew, names)

	diffTasks := h.tasksFor(jobID, domain.StageDiff)
	require.Len(t, diffTasks, 10)
	for _, dt := range diffTasks {
		h.completeDiff(dt, "jobs/x/overlays/"+dt.DrawingName+".png", 1, "")
	}

	summaryTasks := h.tasksFor(jobID, domain.StageSummary)
	require.Len(t, summaryTasks, 10)
	for _, st := range summaryTasks {
		h.completeSummary(st, "")
	}

	job := h.job(jobID)
	require.Equal(t, domain.JobCompleted, job.Status)

	evs, err := h.events.ListByJob(h.dbc, jobID)
	require.NoError(t, err)
	diffEvents, summaryEvents := 0, 0
	for _, e := range evs {
		switch e.Kind {
		case "pair_diff_complete":
			diffEvents++
		case "summary_complete":
			summaryEvents++
		}
	}
	require.Equal(t, 10, diffEvents)
	require.Equal(t, 10, summaryEvents)
}

func sheetName(i int) string {
	return fmt.Sprintf("A-1%02d", i+1)
}

// Partial mismatch — one matched pair, rest unmatched and
// recorded in job output metadata without failing the job.
func TestEngine_PartialMismatch(t *testing.T) {
	h := newHarness(t)
	jobID := h.newJob(3, 2)
	require.NoError(t, h.engine.StartJob(context.Background(), jobID))

	h.completeOCRSide(jobID, domain.StageOCROld, []string{"A-101", "A-102", "A-103"})
	h.completeOCRSide(jobID, domain.StageOCRNew, []string{"A-101", "A-104"})

	diffTasks := h.tasksFor(jobID, domain.StageDiff)
	require.Len(t, diffTasks, 1)
	require.Equal(t, "A-101", diffTasks[0].DrawingName)

	h.completeDiff(diffTasks[0], "overlay.png", 0, "")
	summaryTasks := h.tasksFor(jobID, domain.StageSummary)
	require.Len(t, summaryTasks, 1)
	h.completeSummary(summaryTasks[0], "")

	job := h.job(jobID)
	require.Equal(t, domain.JobCompleted, job.Status)
	require.Contains(t, string(job.Meta), "A-102")
	require.Contains(t, string(job.Meta), "A-103")
	require.Contains(t, string(job.Meta), "A-104")
}

// Zero matches — diff stage skipped, job fails with
// no_matched_pages.
func TestEngine_ZeroMatches(t *testing.T) {
	h := newHarness(t)
	jobID := h.newJob(1, 1)
	require.NoError(t, h.engine.StartJob(context.Background(), jobID))

	h.completeOCRSide(jobID, domain.StageOCROld, []string{"X-1"})
	h.completeOCRSide(jobID, domain.StageOCRNew, []string{"Y-1"})

	diffStage := h.stage(jobID, domain.StageDiff)
	require.Equal(t, domain.StageSkipped, diffStage.Status)

	summaryStage := h.stage(jobID, domain.StageSummary)
	require.Equal(t, domain.StageSkipped, summaryStage.Status)

	job := h.job(jobID)
	require.Equal(t, domain.JobFailed, job.Status)
	require.Equal(t, "no_matched_pages", job.FailureReason)
}

// Summary failure on one of three matched pairs leaves the
// job partially_failed with two persisted ChangeSummaries.
func TestEngine_SummaryFailureOnOnePage(t *testing.T) {
	h := newHarness(t)
	jobID := h.newJob(3, 3)
	require.NoError(t, h.engine.StartJob(context.Background(), jobID))

	names := []string{"A-101", "A-102", "A-103"}
	h.completeOCRSide(jobID, domain.StageOCROld, names)
	h.completeOCRSide(jobID, domain.StageOCRNew, names)

	diffTasks := h.tasksFor(jobID, domain.StageDiff)
	require.Len(t, diffTasks, 3)
	for _, dt := range diffTasks {
		h.completeDiff(dt, "overlay-"+dt.DrawingName+".png", 1, "")
	}

	summaryTasks := h.tasksFor(jobID, domain.StageSummary)
	require.Len(t, summaryTasks, 3)

	// force schema_parse_error on one task; the retry policy treats it as
	// terminal (not retryable) so it commits failed immediately.
	h.completeSummary(summaryTasks[0], domain.ErrorKindSchemaParse)
	h.completeSummary(summaryTasks[1], "")
	h.completeSummary(summaryTasks[2], "")

	job := h.job(jobID)
	require.Equal(t, domain.JobPartiallyFailed, job.Status)

	summaries, err := h.summarys.ListByJob(h.dbc, jobID)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	failedTask, err := h.tasks.GetByID(h.dbc, summaryTasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, domain.PageTaskFailed, failedTask.Status)
	require.Equal(t, domain.ErrorKindSchemaParse, failedTask.ErrorKind)

	evs, err := h.events.ListByJob(h.dbc, jobID)
	require.NoError(t, err)
	summaryEvents := 0
	for _, e := range evs {
		if e.Kind == "summary_complete" {
			summaryEvents++
		}
	}
	require.Equal(t, 3, summaryEvents) // 2 success + 1 failure, one event each
}

// Duplicate completion delivery for the same PageTask
// is idempotent — DiffResult written once, exactly one Summary task created,
// no double increment of the diff stage's completed_count.
func TestEngine_DuplicateCompletionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	jobID := h.newJob(1, 1)
	require.NoError(t, h.engine.StartJob(context.Background(), jobID))

	h.completeOCRSide(jobID, domain.StageOCROld, []string{"A-101"})
	h.completeOCRSide(jobID, domain.StageOCRNew, []string{"A-101"})

	diffTasks := h.tasksFor(jobID, domain.StageDiff)
	require.Len(t, diffTasks, 1)

	h.completeDiff(diffTasks[0], "overlay.png", 2, "")
	h.completeDiff(diffTasks[0], "overlay.png", 2, "") // duplicate delivery

	diffStage := h.stage(jobID, domain.StageDiff)
	require.Equal(t, 1, diffStage.CompletedCount)

	drs, err := h.diffs.ListByJob(h.dbc, jobID)
	require.NoError(t, err)
	require.Len(t, drs, 1)

	summaryTasks := h.tasksFor(jobID, domain.StageSummary)
	require.Len(t, summaryTasks, 1)
}

// One page fails in Diff, another succeeds; Summary still completes
// for the surviving page and the job finishes partially_failed.
func TestProperty_PartialDiffFailureStillCompletesSurvivingSummary(t *testing.T) {
	h := newHarness(t)
	jobID := h.newJob(2, 2)
	require.NoError(t, h.engine.StartJob(context.Background(), jobID))

	names := []string{"A-101", "A-102"}
	h.completeOCRSide(jobID, domain.StageOCROld, names)
	h.completeOCRSide(jobID, domain.StageOCRNew, names)

	diffTasks := h.tasksFor(jobID, domain.StageDiff)
	require.Len(t, diffTasks, 2)

	var failing, surviving *domain.PageTask
	for _, dt := range diffTasks {
		if dt.DrawingName == "A-101" {
			failing = dt
		} else {
			surviving = dt
		}
	}
	require.NotNil(t, failing)
	require.NotNil(t, surviving)

	h.completeDiff(failing, "", 0, domain.ErrorKindAlignmentFailed) // terminal, no retry
	h.completeDiff(surviving, "overlay-A-102.png", 1, "")

	summaryTasks := h.tasksFor(jobID, domain.StageSummary)
	require.Len(t, summaryTasks, 1)
	require.Equal(t, "A-102", summaryTasks[0].DrawingName)
	h.completeSummary(summaryTasks[0], "")

	job := h.job(jobID)
	require.Equal(t, domain.JobPartiallyFailed, job.Status)

	diffStage := h.stage(jobID, domain.StageDiff)
	require.Equal(t, 1, diffStage.CompletedCount)
	require.Equal(t, 1, diffStage.FailedCount)
}

// A summary can round-trip faster than the remaining diffs. The summary
// stage must stay open until the diff stage is terminal (its expected_count
// is still growing), so a late summary failure still flips the job to
// partially_failed instead of being swallowed by an early-closed stage.
func TestEngine_SummaryCompletesBeforeLastDiff(t *testing.T) {
	h := newHarness(t)
	jobID := h.newJob(2, 2)
	require.NoError(t, h.engine.StartJob(context.Background(), jobID))

	names := []string{"A-101", "A-102"}
	h.completeOCRSide(jobID, domain.StageOCROld, names)
	h.completeOCRSide(jobID, domain.StageOCRNew, names)

	diffTasks := h.tasksFor(jobID, domain.StageDiff)
	require.Len(t, diffTasks, 2)

	h.completeDiff(diffTasks[0], "overlay-"+diffTasks[0].DrawingName+".png", 1, "")

	// the first pair's summary finishes while the second diff is in flight
	summaryTasks := h.tasksFor(jobID, domain.StageSummary)
	require.Len(t, summaryTasks, 1)
	h.completeSummary(summaryTasks[0], "")

	summaryStage := h.stage(jobID, domain.StageSummary)
	require.False(t, summaryStage.Status.Terminal())
	require.Equal(t, domain.JobRunning, h.job(jobID).Status)

	h.completeDiff(diffTasks[1], "overlay-"+diffTasks[1].DrawingName+".png", 1, "")

	summaryTasks = h.tasksFor(jobID, domain.StageSummary)
	require.Len(t, summaryTasks, 2)
	require.Equal(t, domain.JobRunning, h.job(jobID).Status)

	var second *domain.PageTask
	for _, st := range summaryTasks {
		if st.Status != domain.PageTaskSucceeded {
			second = st
		}
	}
	require.NotNil(t, second)
	h.completeSummary(second, domain.ErrorKindSchemaParse)

	summaryStage = h.stage(jobID, domain.StageSummary)
	require.True(t, summaryStage.Status.Terminal())
	require.Equal(t, 2, summaryStage.ExpectedCount)
	require.Equal(t, domain.JobPartiallyFailed, h.job(jobID).Status)
}

// The mirror interleaving: every summary the job will ever get lands before
// the final diff completion (the last diff fails, so it adds no summary
// task). The diff stage's terminal transition must then close the summary
// stage itself — no further summary completion will arrive to do it.
func TestEngine_DiffTerminalClosesFullyCountedSummaryStage(t *testing.T) {
	h := newHarness(t)
	jobID := h.newJob(2, 2)
	require.NoError(t, h.engine.StartJob(context.Background(), jobID))

	names := []string{"A-101", "A-102"}
	h.completeOCRSide(jobID, domain.StageOCROld, names)
	h.completeOCRSide(jobID, domain.StageOCRNew, names)

	diffTasks := h.tasksFor(jobID, domain.StageDiff)
	require.Len(t, diffTasks, 2)

	h.completeDiff(diffTasks[0], "overlay-"+diffTasks[0].DrawingName+".png", 1, "")
	summaryTasks := h.tasksFor(jobID, domain.StageSummary)
	require.Len(t, summaryTasks, 1)
	h.completeSummary(summaryTasks[0], "")

	summaryStage := h.stage(jobID, domain.StageSummary)
	require.False(t, summaryStage.Status.Terminal())

	h.completeDiff(diffTasks[1], "", 0, domain.ErrorKindAlignmentFailed)

	summaryStage = h.stage(jobID, domain.StageSummary)
	require.Equal(t, domain.StageCompleted, summaryStage.Status)
	require.Equal(t, 1, summaryStage.ExpectedCount)
	require.Equal(t, domain.JobPartiallyFailed, h.job(jobID).Status)
}

func TestRegenerateSummary_ReopensSummaryStageAndJob(t *testing.T) {
	h := newHarness(t)
	jobID := h.newJob(1, 1)
	require.NoError(t, h.engine.StartJob(context.Background(), jobID))

	h.completeOCRSide(jobID, domain.StageOCROld, []string{"A-101"})
	h.completeOCRSide(jobID, domain.StageOCRNew, []string{"A-101"})

	diffTasks := h.tasksFor(jobID, domain.StageDiff)
	h.completeDiff(diffTasks[0], "overlay.png", 1, "")
	summaryTasks := h.tasksFor(jobID, domain.StageSummary)
	h.completeSummary(summaryTasks[0], "")

	job := h.job(jobID)
	require.Equal(t, domain.JobCompleted, job.Status)

	drs, err := h.diffs.ListByJob(h.dbc, jobID)
	require.NoError(t, err)
	require.Len(t, drs, 1)

	require.NoError(t, h.engine.RegenerateSummary(context.Background(), drs[0].ID, "manual-overlay.png", uuid.New()))

	job = h.job(jobID)
	require.Equal(t, domain.JobRunning, job.Status)

	summaryStage := h.stage(jobID, domain.StageSummary)
	require.Equal(t, 2, summaryStage.ExpectedCount)

	newSummaryTasks := h.tasksFor(jobID, domain.StageSummary)
	require.Len(t, newSummaryTasks, 2)

	var pending *domain.PageTask
	for _, t2 := range newSummaryTasks {
		if t2.ID != summaryTasks[0].ID {
			pending = t2
		}
	}
	require.NotNil(t, pending)
	h.completeSummary(pending, "")

	job = h.job(jobID)
	require.Equal(t, domain.JobCompleted, job.Status)
}

func TestCancelJob_MarksCancellingAndDiscardsLateCompletions(t *testing.T) {
	h := newHarness(t)
	jobID := h.newJob(1, 1)
	require.NoError(t, h.engine.StartJob(context.Background(), jobID))

	require.NoError(t, h.engine.CancelJob(context.Background(), jobID))

	job := h.job(jobID)
	require.Equal(t, domain.JobCancelling, job.Status)

	oldTasks := h.tasksFor(jobID, domain.StageOCROld)
	h.completeOCR(oldTasks[0], "A-101", "")

	task, err := h.tasks.GetByID(h.dbc, oldTasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, domain.PageTaskFailed, task.Status)
	require.Equal(t, domain.ErrorKindCancelled, task.ErrorKind)
}
