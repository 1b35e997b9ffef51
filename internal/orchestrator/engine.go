// Package orchestrator implements the sole owner of Job and JobStage
// transitions: it starts jobs, consumes worker completion events, runs the
// Pairing Resolver once both OCR stages terminate, and finalizes jobs. It
// has no knowledge of image processing or LLM internals — those live in
// internal/workers.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	busx "github.com/buildtrace/core/internal/bus"
	domain "github.com/buildtrace/core/internal/domain"
	"github.com/buildtrace/core/internal/data/repos"
	"github.com/buildtrace/core/internal/observability"
	"github.com/buildtrace/core/internal/platform/dbctx"
	"github.com/buildtrace/core/internal/platform/logger"
	"github.com/buildtrace/core/internal/platform/pointers"
	"github.com/buildtrace/core/internal/progress"
)

// StageBudgets are the wall-clock deadlines workers are given per PageTask,
// from dispatch to required completion.
type StageBudgets struct {
	OCR     time.Duration
	Diff    time.Duration
	Summary time.Duration
}

func DefaultStageBudgets() StageBudgets {
	return StageBudgets{
		OCR:     10 * time.Minute,
		Diff:    10 * time.Minute,
		Summary: 5 * time.Minute,
	}
}

func (b StageBudgets) forStage(kind domain.StageKind) time.Duration {
	switch kind {
	case domain.StageOCROld, domain.StageOCRNew:
		return b.OCR
	case domain.StageDiff:
		return b.Diff
	case domain.StageSummary:
		return b.Summary
	default:
		return 10 * time.Minute
	}
}

// Deps are the Engine's collaborators: repositories, the bus, and policy.
type Deps struct {
	DB *gorm.DB

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

	Bus     busx.Bus
	// Progress is optional: when set, every JobEvent appended is also
	// fanned out for the streaming feed. A nil Progress just skips
	// the fan-out (e.g. in tests using FakeBus).
	Progress progress.Bus
	Retry    RetryPolicy
	Budgets  StageBudgets
	Log      *logger.Logger

	// DispatchConcurrency bounds how many PageTask dispatches (bus publish +
	// status update) run concurrently when a single stage transition fans
	// out many of them at once (StartJob's OCR tasks, the Pairing
	// Resolver's Diff tasks). Each dispatch is an independent row, so
	// bounded fan-out is safe; the bound just keeps one job from opening
	// hundreds of simultaneous bus/DB round trips.
	DispatchConcurrency int
}

// appendEvent is the single place JobEvents are written: it persists the
// row and, when a progress.Bus is wired, fans it out for the streaming
// feed ({page_ocr_complete, pair_diff_complete, summary_complete,
// job_complete}).
func (e *Engine) appendEvent(dbc dbctx.Context, ev *domain.JobEvent) {
	if err := e.d.Events.Append(dbc, ev); err != nil {
		e.d.Log.Warn("append job event failed", "job_id", ev.JobID, "kind", ev.Kind, "error", err)
		return
	}
	if e.d.Progress == nil {
		return
	}
	if err := e.d.Progress.Publish(dbc.Ctx, progress.EventFromJobEvent(ev)); err != nil {
		e.d.Log.Warn("publish progress event failed", "job_id", ev.JobID, "kind", ev.Kind, "error", err)
	}
}

// Engine is the Orchestrator.
type Engine struct{ d Deps }

func New(d Deps) *Engine {
	if d.Retry == (RetryPolicy{}) {
		d.Retry = DefaultRetryPolicy()
	}
	if d.Budgets == (StageBudgets{}) {
		d.Budgets = DefaultStageBudgets()
	}
	if d.DispatchConcurrency <= 0 {
		// 1 keeps dispatch strictly sequential by default (the safe choice
		// against SQLite-backed test fixtures, which serialize concurrent
		// writers); production wiring raises this via Config against
		// Postgres, which handles it fine (see app.wireEngine).
		d.DispatchConcurrency = 1
	}
	return &Engine{d: d}
}

func (e *Engine) dbc(ctx context.Context) dbctx.Context { return dbctx.Context{Ctx: ctx} }

// StartJob creates the four JobStages and the OCR PageTasks for both
// DrawingVersions, publishes the OCR task messages, and sets the Job to
// running. Idempotent: re-invocation with a job that already has PageTasks
// is a no-op.
func (e *Engine) StartJob(ctx context.Context, jobID uuid.UUID) (err error) {
	ctx, span := observability.StartStageSpan(ctx, "orchestrator.start_job", jobID.String(), "job", "")
	defer func() { observability.EndSpan(span, err) }()

	dbc := e.dbc(ctx)

	job, err := e.d.Jobs.GetByID(dbc, jobID)
	if err != nil {
		return fmt.Errorf("orchestrator: load job: %w", err)
	}

	existing, err := e.d.Stages.ListByJob(dbc, jobID)
	if err != nil {
		return fmt.Errorf("orchestrator: list stages: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	oldVer, err := e.d.DrawingVersions.GetByID(dbc, job.OldVersionID)
	if err != nil || oldVer.PageCount == 0 {
		return e.failJobPrecondition(ctx, jobID, "old drawing version missing or has zero pages")
	}
	newVer, err := e.d.DrawingVersions.GetByID(dbc, job.NewVersionID)
	if err != nil || newVer.PageCount == 0 {
		return e.failJobPrecondition(ctx, jobID, "new drawing version missing or has zero pages")
	}

	var stageOld, stageNew, stageDiff, stageSummary *domain.JobStage
	err = e.d.DB.Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}
		var err error
		if stageOld, err = e.d.Stages.Create(txc, &domain.JobStage{JobID: jobID, Kind: domain.StageOCROld, Status: domain.StagePending, ExpectedCount: oldVer.PageCount}); err != nil {
			return err
		}
		if stageNew, err = e.d.Stages.Create(txc, &domain.JobStage{JobID: jobID, Kind: domain.StageOCRNew, Status: domain.StagePending, ExpectedCount: newVer.PageCount}); err != nil {
			return err
		}
		if stageDiff, err = e.d.Stages.Create(txc, &domain.JobStage{JobID: jobID, Kind: domain.StageDiff, Status: domain.StagePending, ExpectedCount: 0}); err != nil {
			return err
		}
		if stageSummary, err = e.d.Stages.Create(txc, &domain.JobStage{JobID: jobID, Kind: domain.StageSummary, Status: domain.StagePending, ExpectedCount: 0}); err != nil {
			return err
		}

		oldTasks := make([]*domain.PageTask, oldVer.PageCount)
		for i := 0; i < oldVer.PageCount; i++ {
			oldTasks[i] = &domain.PageTask{JobID: jobID, StageKind: domain.StageOCROld, Status: domain.PageTaskPending, DrawingVersionID: &job.OldVersionID, PageIndex: pointers.Int(i)}
		}
		newTasks := make([]*domain.PageTask, newVer.PageCount)
		for i := 0; i < newVer.PageCount; i++ {
			newTasks[i] = &domain.PageTask{JobID: jobID, StageKind: domain.StageOCRNew, Status: domain.PageTaskPending, DrawingVersionID: &job.NewVersionID, PageIndex: pointers.Int(i)}
		}
		if _, err = e.d.Tasks.Create(txc, oldTasks); err != nil {
			return err
		}
		if _, err = e.d.Tasks.Create(txc, newTasks); err != nil {
			return err
		}

		if err = e.d.Jobs.UpdateFields(txc, jobID, map[string]interface{}{
			"status":     domain.JobRunning,
			"started_at": ptrNow(),
		}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("orchestrator: start_job create: %w", err)
	}

	if err := e.d.Stages.MarkStarted(dbc, stageOld.ID); err != nil {
		e.d.Log.Warn("orchestrator: mark stage started failed", "stage", stageOld.ID, "error", err)
	}
	if err := e.d.Stages.MarkStarted(dbc, stageNew.ID); err != nil {
		e.d.Log.Warn("orchestrator: mark stage started failed", "stage", stageNew.ID, "error", err)
	}
	_ = stageDiff
	_ = stageSummary

	tasks, err := e.d.Tasks.ListByJobAndStage(dbc, jobID, domain.StageOCROld)
	if err != nil {
		return err
	}
	moreTasks, err := e.d.Tasks.ListByJobAndStage(dbc, jobID, domain.StageOCRNew)
	if err != nil {
		return err
	}
	tasks = append(tasks, moreTasks...)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.d.DispatchConcurrency)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			e.dispatchOCRTask(gctx, t)
			return nil
		})
	}
	_ = g.Wait()

	e.appendEvent(dbc, &domain.JobEvent{JobID: jobID, Kind: "job_started", Message: "job started"})
	return nil
}

func (e *Engine) dispatchOCRTask(ctx context.Context, t *domain.PageTask) {
	dbc := e.dbc(ctx)
	verID := uuid.Nil
	if t.DrawingVersionID != nil {
		verID = *t.DrawingVersionID
	}
	ver, err := e.d.DrawingVersions.GetByID(dbc, verID)
	if err != nil {
		e.d.Log.Error("orchestrator: load drawing version for dispatch", "page_task_id", t.ID, "error", err)
		return
	}

	payload, _ := json.Marshal(busx.OCRTaskPayload{
		DrawingVersionID: verID,
		PageIndex:        derefInt(t.PageIndex),
		StorageRef:       ver.StorageRef,
	})
	env := busx.Envelope{
		Version:    busx.EnvelopeVersion,
		MessageID:  uuid.New(),
		PageTaskID: t.ID,
		JobID:      t.JobID,
		Kind:       busx.KindOCR,
		Payload:    payload,
	}
	if err := e.d.Bus.Publish(ctx, busx.SubjectOCRTask, env); err != nil {
		e.d.Log.Warn("orchestrator: publish ocr task failed, leaving pending for redispatch", "page_task_id", t.ID, "error", err)
		return
	}

	now := time.Now()
	deadline := now.Add(e.d.Budgets.forStage(t.StageKind))
	_ = e.d.Tasks.UpdateFields(dbc, t.ID, map[string]interface{}{
		"status":        domain.PageTaskDispatched,
		"dispatched_at": now,
		"deadline":      deadline,
	})
}

func (e *Engine) failJobPrecondition(ctx context.Context, jobID uuid.UUID, reason string) error {
	dbc := e.dbc(ctx)
	now := time.Now()
	err := e.d.Jobs.UpdateFields(dbc, jobID, map[string]interface{}{
		"status":         domain.JobFailed,
		"failure_reason": reason,
		"completed_at":   now,
	})
	if err != nil {
		return err
	}
	e.appendEvent(dbc, &domain.JobEvent{JobID: jobID, Kind: "job_complete", Message: reason})
	return nil
}

// CancelJob marks a job as cancelling: no further task messages are
// published, but in-flight workers are not interrupted.
func (e *Engine) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	dbc := e.dbc(ctx)
	ok, err := e.d.Jobs.UpdateFieldsUnlessStatus(dbc, jobID,
		[]domain.JobStatus{domain.JobCompleted, domain.JobPartiallyFailed, domain.JobFailed, domain.JobCancelled},
		map[string]interface{}{"status": domain.JobCancelling})
	if err != nil {
		return err
	}
	if ok {
		e.appendEvent(dbc, &domain.JobEvent{JobID: jobID, Kind: "job_cancelling", Message: "cancellation requested"})
	}
	return nil
}

// OnCompletion consumes a completion event from any worker. It is
// idempotent at the PageTask level: a duplicate completion for a PageTask
// already in a terminal state is acknowledged and discarded.
func (e *Engine) OnCompletion(ctx context.Context, env busx.Envelope) (err error) {
	ctx, span := observability.StartStageSpan(ctx, "orchestrator.on_completion", env.JobID.String(), string(env.Kind), "")
	defer func() { observability.EndSpan(span, err) }()

	dbc := e.dbc(ctx)

	task, err := e.d.Tasks.GetByID(dbc, env.PageTaskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = nil
			return nil
		}
		return fmt.Errorf("orchestrator: load page task: %w", err)
	}

	job, err := e.d.Jobs.GetByID(dbc, env.JobID)
	if err != nil {
		return fmt.Errorf("orchestrator: load job: %w", err)
	}

	var payload busx.CompletionPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("orchestrator: decode completion payload: %w", err)
	}

	cancelling := job.Status == domain.JobCancelling || job.Status == domain.JobCancelled
	if cancelling {
		payload.Status = domain.PageTaskFailed
		payload.ErrorKind = domain.ErrorKindCancelled
	}

	switch task.StageKind {
	case domain.StageOCROld, domain.StageOCRNew:
		return e.handleOCRCompletion(ctx, job, task, payload)
	case domain.StageDiff:
		return e.handleDiffCompletion(ctx, job, task, payload)
	case domain.StageSummary:
		return e.handleSummaryCompletion(ctx, job, task, payload)
	default:
		return fmt.Errorf("orchestrator: unknown stage kind %q", task.StageKind)
	}
}

// commitTerminal performs the idempotent PageTask transition shared by all
// three completion handlers: conditional update keyed by (page_task_id,
// current_status) so only the first completion for a still-active task
// commits.
func (e *Engine) commitTerminal(ctx context.Context, task *domain.PageTask, status domain.PageTaskStatus, payload busx.CompletionPayload) (bool, error) {
	dbc := e.dbc(ctx)
	now := time.Now()
	updates := map[string]interface{}{
		"status":      status,
		"finished_at": now,
	}
	if payload.ErrorKind != "" {
		updates["error_kind"] = payload.ErrorKind
		updates["error_message"] = payload.ErrorMessage
	}
	return e.d.Tasks.UpdateFieldsUnlessStatus(dbc, task.ID,
		[]domain.PageTaskStatus{domain.PageTaskSucceeded, domain.PageTaskFailed}, updates)
}

// handleOCRCompletion persists the OCR result (or error) and advances the
// owning ocr_old/ocr_new stage.
func (e *Engine) handleOCRCompletion(ctx context.Context, job *domain.Job, task *domain.PageTask, payload busx.CompletionPayload) error {
	dbc := e.dbc(ctx)

	if payload.Status == domain.PageTaskFailed {
		retried, err := e.scheduleRetryOrTerminal(ctx, task, payload)
		if err != nil {
			return err
		}
		if retried {
			return nil
		}
		committed, err := e.commitTerminal(ctx, task, domain.PageTaskFailed, payload)
		if err != nil || !committed {
			return err
		}
		e.appendEvent(dbc, &domain.JobEvent{JobID: job.ID, Kind: "page_ocr_complete", Message: "ocr failed", Data: toJSON(payload)})
		return e.bumpStageAndMaybeFinish(ctx, job, task.StageKind, "failed_count")
	}

	committed, err := e.commitTerminal(ctx, task, domain.PageTaskSucceeded, payload)
	if err != nil {
		return err
	}
	if !committed {
		return nil
	}

	var drawingName *string
	if v, ok := payload.Outputs["drawing_name"].(string); ok && v != "" {
		drawingName = &v
	}
	imageRef, _ := payload.Outputs["image_ref"].(string)
	text, _ := payload.Outputs["text"].(string)

	pr := &domain.PageResult{
		DrawingVersionID: *task.DrawingVersionID,
		PageIndex:        derefInt(task.PageIndex),
		ImageRef:         imageRef,
		DrawingName:      drawingName,
		Text:             text,
		Metadata:         toJSON(payload.Outputs["metadata"]),
	}
	if _, err := e.d.PageResults.Upsert(dbc, pr); err != nil {
		return fmt.Errorf("orchestrator: upsert page result: %w", err)
	}

	e.appendEvent(dbc, &domain.JobEvent{JobID: job.ID, Kind: "page_ocr_complete", Data: toJSON(payload)})
	return e.bumpStageAndMaybeFinish(ctx, job, task.StageKind, "completed_count")
}

// handleDiffCompletion persists the DiffResult (or error), fans out the 1:1
// Summary task on success, and advances the diff stage.
func (e *Engine) handleDiffCompletion(ctx context.Context, job *domain.Job, task *domain.PageTask, payload busx.CompletionPayload) error {
	dbc := e.dbc(ctx)

	if payload.Status == domain.PageTaskFailed {
		retried, err := e.scheduleRetryOrTerminal(ctx, task, payload)
		if err != nil {
			return err
		}
		if retried {
			return nil
		}
		committed, err := e.commitTerminal(ctx, task, domain.PageTaskFailed, payload)
		if err != nil || !committed {
			return err
		}
		e.appendEvent(dbc, &domain.JobEvent{JobID: job.ID, Kind: "pair_diff_complete", Message: "diff failed", Data: toJSON(payload)})
		return e.bumpStageAndMaybeFinish(ctx, job, domain.StageDiff, "failed_count")
	}

	committed, err := e.commitTerminal(ctx, task, domain.PageTaskSucceeded, payload)
	if err != nil {
		return err
	}
	if !committed {
		return nil
	}

	oldPR, err := e.d.PageResults.GetByVersionAndPage(dbc, job.OldVersionID, derefInt(task.OldPageIndex))
	if err != nil {
		return fmt.Errorf("orchestrator: load baseline page result: %w", err)
	}
	newPR, err := e.d.PageResults.GetByVersionAndPage(dbc, job.NewVersionID, derefInt(task.NewPageIndex))
	if err != nil {
		return fmt.Errorf("orchestrator: load revised page result: %w", err)
	}

	overlayRef, _ := payload.Outputs["overlay_ref"].(string)
	alignment, _ := payload.Outputs["alignment_score"].(float64)
	changeDetected, _ := payload.Outputs["change_detected"].(bool)
	var changeCount *int
	if v, ok := payload.Outputs["change_count"].(float64); ok {
		n := int(v)
		changeCount = &n
	}

	dr := &domain.DiffResult{
		JobID:            job.ID,
		DrawingName:      task.DrawingName,
		BaselineImageRef: oldPR.ImageRef,
		RevisedImageRef:  newPR.ImageRef,
		OverlayImageRef:  overlayRef,
		AlignmentScore:   alignment,
		ChangeDetected:   changeDetected,
		ChangeCount:      changeCount,
	}
	dr, err = e.d.DiffResults.Upsert(dbc, dr)
	if err != nil {
		return fmt.Errorf("orchestrator: upsert diff result: %w", err)
	}
	e.appendEvent(dbc, &domain.JobEvent{JobID: job.ID, Kind: "pair_diff_complete", Data: toJSON(payload)})

	summaryStage, err := e.d.Stages.GetByJobAndKind(dbc, job.ID, domain.StageSummary)
	if err != nil {
		return fmt.Errorf("orchestrator: load summary stage: %w", err)
	}
	sTask := &domain.PageTask{
		JobID:        job.ID,
		StageKind:    domain.StageSummary,
		Status:       domain.PageTaskPending,
		DrawingName:  task.DrawingName,
		DiffResultID: &dr.ID,
	}
	created, err := e.d.Tasks.Create(dbc, []*domain.PageTask{sTask})
	if err != nil {
		return fmt.Errorf("orchestrator: create summary task: %w", err)
	}
	if _, err := e.d.Stages.IncrementCounter(dbc, summaryStage.ID, "expected_count", 1); err != nil {
		return fmt.Errorf("orchestrator: increment summary expected: %w", err)
	}
	if err := e.d.Stages.MarkStarted(dbc, summaryStage.ID); err != nil {
		e.d.Log.Warn("orchestrator: mark summary stage started failed", "stage", summaryStage.ID, "error", err)
	}
	e.dispatchSummaryTask(ctx, created[0], dr)

	return e.bumpStageAndMaybeFinish(ctx, job, domain.StageDiff, "completed_count")
}

// handleSummaryCompletion persists the ChangeSummary (or error) and advances
// the summary stage.
func (e *Engine) handleSummaryCompletion(ctx context.Context, job *domain.Job, task *domain.PageTask, payload busx.CompletionPayload) error {
	dbc := e.dbc(ctx)

	if payload.Status == domain.PageTaskFailed {
		retried, err := e.scheduleRetryOrTerminal(ctx, task, payload)
		if err != nil {
			return err
		}
		if retried {
			return nil
		}
		committed, err := e.commitTerminal(ctx, task, domain.PageTaskFailed, payload)
		if err != nil || !committed {
			return err
		}
		e.appendEvent(dbc, &domain.JobEvent{JobID: job.ID, Kind: "summary_complete", Message: "summary failed", Data: toJSON(payload)})
		return e.bumpStageAndMaybeFinish(ctx, job, domain.StageSummary, "failed_count")
	}

	committed, err := e.commitTerminal(ctx, task, domain.PageTaskSucceeded, payload)
	if err != nil {
		return err
	}
	if !committed {
		return nil
	}
	if task.DiffResultID == nil {
		return fmt.Errorf("orchestrator: summary completion missing diff_result_id")
	}

	overall, _ := payload.Outputs["overall_summary"].(string)
	critical, _ := payload.Outputs["critical_change"].(string)
	recs, _ := payload.Outputs["recommendations"].(string)
	freeText, _ := payload.Outputs["free_text"].(string)
	modelVersion, _ := payload.Outputs["model_version"].(string)
	total := 0
	if v, ok := payload.Outputs["total_changes"].(float64); ok {
		total = int(v)
	}

	cs := &domain.ChangeSummary{
		DiffResultID:    *task.DiffResultID,
		OverallSummary:  overall,
		Changes:         toJSON(payload.Outputs["changes"]),
		CriticalChange:  critical,
		Recommendations: recs,
		TotalChanges:    total,
		FreeText:        freeText,
		ModelVersion:    modelVersion,
		Source:          domain.ChangeSummaryMachine,
	}
	if _, err := e.d.Summaries.Upsert(dbc, cs); err != nil {
		return fmt.Errorf("orchestrator: upsert change summary: %w", err)
	}
	e.appendEvent(dbc, &domain.JobEvent{JobID: job.ID, Kind: "summary_complete", Data: toJSON(payload)})

	return e.bumpStageAndMaybeFinish(ctx, job, domain.StageSummary, "completed_count")
}

// scheduleRetryOrTerminal decides, for a failed completion, whether the
// PageTask still has retry budget. It returns
// true when the task was rescheduled (status reset to pending with a
// next_run_at) rather than committed terminal.
func (e *Engine) scheduleRetryOrTerminal(ctx context.Context, task *domain.PageTask, payload busx.CompletionPayload) (bool, error) {
	dbc := e.dbc(ctx)
	attemptsAfter := task.Attempts + 1
	if !e.d.Retry.ShouldRetry(payload.ErrorKind, attemptsAfter) {
		return false, nil
	}
	now := time.Now()
	ok, err := e.d.Tasks.UpdateFieldsUnlessStatus(dbc, task.ID,
		[]domain.PageTaskStatus{domain.PageTaskSucceeded, domain.PageTaskFailed},
		map[string]interface{}{
			"status":        domain.PageTaskPending,
			"attempts":      attemptsAfter,
			"next_run_at":   e.d.Retry.NextRunAt(now, task.Attempts),
			"error_kind":    payload.ErrorKind,
			"error_message": payload.ErrorMessage,
			"dispatched_at": nil,
		})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// bumpStageAndMaybeFinish increments the named counter column on the
// PageTask's owning stage and, once the stage has reached its expected
// count, terminalizes it and runs whatever the stage's terminal transition
// triggers next.
func (e *Engine) bumpStageAndMaybeFinish(ctx context.Context, job *domain.Job, kind domain.StageKind, column string) error {
	dbc := e.dbc(ctx)
	stage, err := e.d.Stages.GetByJobAndKind(dbc, job.ID, kind)
	if err != nil {
		return fmt.Errorf("orchestrator: load stage %s: %w", kind, err)
	}
	updated, err := e.d.Stages.IncrementCounter(dbc, stage.ID, column, 1)
	if err != nil {
		return fmt.Errorf("orchestrator: increment stage counter: %w", err)
	}
	if updated.Status.Terminal() {
		return nil
	}
	// The summary stage's expected_count grows while the diff stage is
	// still producing tasks; its count is only final once the diff stage
	// is terminal. Until then a full summary count must not close the
	// stage — onStageTerminal(StageDiff) re-checks it.
	if kind == domain.StageSummary {
		diffStage, err := e.d.Stages.GetByJobAndKind(dbc, job.ID, domain.StageDiff)
		if err != nil {
			return fmt.Errorf("orchestrator: load diff stage: %w", err)
		}
		if !diffStage.Status.Terminal() {
			return nil
		}
	}
	return e.finishStageIfComplete(ctx, job, kind, updated)
}

// finishStageIfComplete terminalizes a stage whose counters have reached its
// expected_count, then runs that stage's terminal transition. Callers must
// already have established that expected_count is final for the stage.
func (e *Engine) finishStageIfComplete(ctx context.Context, job *domain.Job, kind domain.StageKind, stage *domain.JobStage) error {
	done := stage.CompletedCount + stage.FailedCount + stage.SkippedCount
	if stage.ExpectedCount <= 0 || done < stage.ExpectedCount {
		return nil
	}

	newStatus := domain.StageCompleted
	switch {
	case stage.FailedCount == stage.ExpectedCount:
		newStatus = domain.StageFailed
	case stage.FailedCount > 0:
		newStatus = domain.StagePartiallyCompleted
	}

	won, err := e.d.Stages.TryTransition(e.dbc(ctx), stage.ID, domain.StageRunning, newStatus)
	if err != nil {
		return fmt.Errorf("orchestrator: transition stage terminal: %w", err)
	}
	if !won {
		return nil
	}
	return e.onStageTerminal(ctx, job, kind)
}

// onStageTerminal runs whatever the stage-gating algorithm says happens the
// instant a stage becomes terminal.
func (e *Engine) onStageTerminal(ctx context.Context, job *domain.Job, kind domain.StageKind) error {
	switch kind {
	case domain.StageOCROld, domain.StageOCRNew:
		return e.maybeRunPairing(ctx, job)
	case domain.StageDiff:
		if err := e.skipSummaryIfNoDiffSuccesses(ctx, job); err != nil {
			return err
		}
		// Summary completions that arrived before the last diff did were
		// held open above; expected_count is final now, so re-check.
		summaryStage, err := e.d.Stages.GetByJobAndKind(e.dbc(ctx), job.ID, domain.StageSummary)
		if err != nil {
			return err
		}
		if !summaryStage.Status.Terminal() {
			if err := e.finishStageIfComplete(ctx, job, domain.StageSummary, summaryStage); err != nil {
				return err
			}
		}
		return e.maybeFinalizeJob(ctx, job)
	case domain.StageSummary:
		return e.maybeFinalizeJob(ctx, job)
	default:
		return nil
	}
}

// maybeRunPairing checks whether both OCR stages are now terminal and, if
// so, resolves pairs and fans out Diff tasks exactly once.
// The diff stage's pending->running transition is the single-winner
// gate: concurrently completing OCR stages race here, but only one commits.
func (e *Engine) maybeRunPairing(ctx context.Context, job *domain.Job) error {
	dbc := e.dbc(ctx)

	oldStage, err := e.d.Stages.GetByJobAndKind(dbc, job.ID, domain.StageOCROld)
	if err != nil {
		return err
	}
	newStage, err := e.d.Stages.GetByJobAndKind(dbc, job.ID, domain.StageOCRNew)
	if err != nil {
		return err
	}
	if !oldStage.Status.Terminal() || !newStage.Status.Terminal() {
		return nil
	}

	diffStage, err := e.d.Stages.GetByJobAndKind(dbc, job.ID, domain.StageDiff)
	if err != nil {
		return err
	}
	won, err := e.d.Stages.TryTransition(dbc, diffStage.ID, domain.StagePending, domain.StageRunning)
	if err != nil {
		return fmt.Errorf("orchestrator: claim pairing: %w", err)
	}
	if !won {
		return nil
	}

	oldResults, err := e.d.PageResults.ListByDrawingVersion(dbc, job.OldVersionID)
	if err != nil {
		return err
	}
	newResults, err := e.d.PageResults.ListByDrawingVersion(dbc, job.NewVersionID)
	if err != nil {
		return err
	}

	pairing := ResolvePairs(oldResults, newResults, e.d.Log)

	meta, _ := json.Marshal(map[string]interface{}{
		"unmatched_old_pages": unmatchedNames(oldResults, pairing.UnmatchedOld),
		"unmatched_new_pages": unmatchedNames(newResults, pairing.UnmatchedNew),
	})
	_ = e.d.Jobs.UpdateFields(dbc, job.ID, map[string]interface{}{"meta": datatypes.JSON(meta)})

	if len(pairing.Matched) == 0 {
		summaryStage, err := e.d.Stages.GetByJobAndKind(dbc, job.ID, domain.StageSummary)
		if err != nil {
			return err
		}
		if _, err := e.d.Stages.TryTransition(dbc, diffStage.ID, domain.StageRunning, domain.StageSkipped); err != nil {
			return err
		}
		if _, err := e.d.Stages.TryTransition(dbc, summaryStage.ID, domain.StagePending, domain.StageSkipped); err != nil {
			return err
		}
		return e.failJobPrecondition(ctx, job.ID, "no_matched_pages")
	}

	oldByIdx := make(map[int]*domain.PageResult, len(oldResults))
	for _, r := range oldResults {
		oldByIdx[r.PageIndex] = r
	}
	newByIdx := make(map[int]*domain.PageResult, len(newResults))
	for _, r := range newResults {
		newByIdx[r.PageIndex] = r
	}

	tasks := make([]*domain.PageTask, 0, len(pairing.Matched))
	for _, m := range pairing.Matched {
		tasks = append(tasks, &domain.PageTask{
			JobID:        job.ID,
			StageKind:    domain.StageDiff,
			Status:       domain.PageTaskPending,
			OldPageIndex: pointers.Int(m.OldPageIndex),
			NewPageIndex: pointers.Int(m.NewPageIndex),
			DrawingName:  m.DrawingName,
		})
	}
	created, err := e.d.Tasks.Create(dbc, tasks)
	if err != nil {
		return fmt.Errorf("orchestrator: create diff tasks: %w", err)
	}
	if err := e.d.Stages.SetExpected(dbc, diffStage.ID, len(created)); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.d.DispatchConcurrency)
	for i, t := range created {
		t := t
		oldPR := oldByIdx[pairing.Matched[i].OldPageIndex]
		newPR := newByIdx[pairing.Matched[i].NewPageIndex]
		g.Go(func() error {
			e.dispatchDiffTask(gctx, t, oldPR, newPR)
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// skipSummaryIfNoDiffSuccesses closes out the summary stage vacuously when
// the diff stage terminated with zero successful pairs (so the job can
// still reach a terminal status).
func (e *Engine) skipSummaryIfNoDiffSuccesses(ctx context.Context, job *domain.Job) error {
	dbc := e.dbc(ctx)
	summaryStage, err := e.d.Stages.GetByJobAndKind(dbc, job.ID, domain.StageSummary)
	if err != nil {
		return err
	}
	if summaryStage.Status != domain.StagePending || summaryStage.ExpectedCount > 0 {
		return nil
	}
	_, err = e.d.Stages.TryTransition(dbc, summaryStage.ID, domain.StagePending, domain.StageSkipped)
	return err
}

// maybeFinalizeJob closes out the job: it reaches completed/partially_failed/
// failed only once all four stages are terminal.
func (e *Engine) maybeFinalizeJob(ctx context.Context, job *domain.Job) error {
	dbc := e.dbc(ctx)
	if job.Status.Terminal() {
		return nil
	}
	stages, err := e.d.Stages.ListByJob(dbc, job.ID)
	if err != nil {
		return err
	}
	if len(stages) < 4 {
		return nil
	}
	for _, s := range stages {
		if !s.Status.Terminal() {
			return nil
		}
	}

	diffResults, err := e.d.DiffResults.ListByJob(dbc, job.ID)
	if err != nil {
		return err
	}
	summaries, err := e.d.Summaries.ListByJob(dbc, job.ID)
	if err != nil {
		return err
	}

	anyFailures := false
	for _, s := range stages {
		if s.FailedCount > 0 {
			anyFailures = true
			break
		}
	}

	var newStatus domain.JobStatus
	switch {
	case len(diffResults) == 0 || len(summaries) == 0:
		newStatus = domain.JobFailed
	case anyFailures:
		newStatus = domain.JobPartiallyFailed
	default:
		newStatus = domain.JobCompleted
	}

	now := time.Now()
	ok, err := e.d.Jobs.UpdateFieldsUnlessStatus(dbc, job.ID,
		[]domain.JobStatus{domain.JobCompleted, domain.JobPartiallyFailed, domain.JobFailed, domain.JobCancelled},
		map[string]interface{}{"status": newStatus, "completed_at": now})
	if err != nil {
		return err
	}
	if ok {
		e.appendEvent(dbc, &domain.JobEvent{JobID: job.ID, Kind: "job_complete", Message: string(newStatus)})
	}
	return nil
}

func (e *Engine) dispatchDiffTask(ctx context.Context, t *domain.PageTask, oldPR, newPR *domain.PageResult) {
	dbc := e.dbc(ctx)
	payload, _ := json.Marshal(busx.DiffTaskPayload{
		DrawingName:      t.DrawingName,
		OldPageResultRef: oldPR.ImageRef,
		NewPageResultRef: newPR.ImageRef,
	})
	e.publishTask(ctx, busx.SubjectDiffTask, busx.KindDiff, t, payload)
	now := time.Now()
	deadline := now.Add(e.d.Budgets.forStage(t.StageKind))
	_ = e.d.Tasks.UpdateFields(dbc, t.ID, map[string]interface{}{
		"status": domain.PageTaskDispatched, "dispatched_at": now, "deadline": deadline,
	})
}

func (e *Engine) dispatchSummaryTask(ctx context.Context, t *domain.PageTask, dr *domain.DiffResult) {
	dbc := e.dbc(ctx)
	payload, _ := json.Marshal(busx.SummaryTaskPayload{
		DiffResultID:     dr.ID,
		DrawingName:      dr.DrawingName,
		BaselineImageRef: dr.BaselineImageRef,
		RevisedImageRef:  dr.RevisedImageRef,
		OverlayImageRef:  dr.OverlayImageRef,
	})
	e.publishTask(ctx, busx.SubjectSummaryTask, busx.KindSummary, t, payload)
	now := time.Now()
	deadline := now.Add(e.d.Budgets.forStage(t.StageKind))
	_ = e.d.Tasks.UpdateFields(dbc, t.ID, map[string]interface{}{
		"status": domain.PageTaskDispatched, "dispatched_at": now, "deadline": deadline,
	})
}

func (e *Engine) publishTask(ctx context.Context, subject string, kind busx.Kind, t *domain.PageTask, payload []byte) {
	env := busx.Envelope{
		Version:    busx.EnvelopeVersion,
		MessageID:  uuid.New(),
		PageTaskID: t.ID,
		JobID:      t.JobID,
		Kind:       kind,
		Payload:    payload,
	}
	if err := e.d.Bus.Publish(ctx, subject, env); err != nil {
		e.d.Log.Warn("orchestrator: publish task failed, leaving pending for redispatch", "page_task_id", t.ID, "subject", subject, "error", err)
	}
}

// dispatchTask redispatches one task by stage kind, used by Tick for
// retry-due tasks.
func (e *Engine) dispatchTask(ctx context.Context, t *domain.PageTask) error {
	switch t.StageKind {
	case domain.StageOCROld, domain.StageOCRNew:
		e.dispatchOCRTask(ctx, t)
		return nil
	case domain.StageDiff:
		return e.redispatchDiff(ctx, t)
	case domain.StageSummary:
		if t.DiffResultID == nil {
			return fmt.Errorf("orchestrator: summary retry task missing diff_result_id")
		}
		dr, err := e.d.DiffResults.GetByID(e.dbc(ctx), *t.DiffResultID)
		if err != nil {
			return fmt.Errorf("orchestrator: load diff result for summary retry: %w", err)
		}
		e.dispatchSummaryTask(ctx, t, dr)
		return nil
	default:
		return fmt.Errorf("orchestrator: dispatchTask: unknown stage kind %q", t.StageKind)
	}
}

func (e *Engine) redispatchDiff(ctx context.Context, t *domain.PageTask) error {
	dbc := e.dbc(ctx)
	job, err := e.d.Jobs.GetByID(dbc, t.JobID)
	if err != nil {
		return err
	}
	oldPR, err := e.d.PageResults.GetByVersionAndPage(dbc, job.OldVersionID, derefInt(t.OldPageIndex))
	if err != nil {
		return err
	}
	newPR, err := e.d.PageResults.GetByVersionAndPage(dbc, job.NewVersionID, derefInt(t.NewPageIndex))
	if err != nil {
		return err
	}
	e.dispatchDiffTask(ctx, t, oldPR, newPR)
	return nil
}

// Tick enforces stage wall-clock budgets and redispatches tasks whose
// retry backoff has elapsed. It is safe to call
// concurrently and repeatedly: orchestrator.Worker's tick loop calls it on
// every interval.
func (e *Engine) Tick(ctx context.Context) error {
	dbc := e.dbc(ctx)
	now := time.Now()

	overdue, err := e.d.Tasks.ListOverdue(dbc, now)
	if err != nil {
		return fmt.Errorf("orchestrator: list overdue: %w", err)
	}
	for _, t := range overdue {
		payload := busx.CompletionPayload{
			Status:       domain.PageTaskFailed,
			ErrorKind:    domain.ErrorKindPreconditionMissing,
			ErrorMessage: "stage wall-clock budget exceeded",
		}
		raw, _ := json.Marshal(payload)
		env := busx.Envelope{PageTaskID: t.ID, JobID: t.JobID, Payload: raw}
		if err := e.OnCompletion(ctx, env); err != nil {
			e.d.Log.Error("orchestrator: tick deadline completion failed", "page_task_id", t.ID, "error", err)
		}
	}

	dueRetry, err := e.d.Tasks.ListDueRetry(dbc, now)
	if err != nil {
		return fmt.Errorf("orchestrator: list due retry: %w", err)
	}
	for _, t := range dueRetry {
		if err := e.dispatchTask(ctx, t); err != nil {
			e.d.Log.Error("orchestrator: tick redispatch failed", "page_task_id", t.ID, "error", err)
		}
	}
	return nil
}

// RegenerateSummary implements the manual-overlay hook: attaching a
// ManualOverlay to a DiffResult appends one new Summary PageTask to a
// reopened summary stage, and the job returns to running until it completes.
func (e *Engine) RegenerateSummary(ctx context.Context, diffResultID uuid.UUID, overlayRef string, createdBy uuid.UUID) error {
	dbc := e.dbc(ctx)

	dr, err := e.d.DiffResults.GetByID(dbc, diffResultID)
	if err != nil {
		return fmt.Errorf("orchestrator: load diff result: %w", err)
	}
	if _, err := e.d.Overlays.Create(dbc, &domain.ManualOverlay{
		DiffResultID: diffResultID,
		OverlayRef:   overlayRef,
		CreatedByID:  createdBy,
	}); err != nil {
		return fmt.Errorf("orchestrator: create manual overlay: %w", err)
	}
	e.d.Log.Info("orchestrator: manual overlay attached", "diff_result_id", diffResultID, "created_by", createdBy.String())

	summaryStage, err := e.d.Stages.GetByJobAndKind(dbc, dr.JobID, domain.StageSummary)
	if err != nil {
		return fmt.Errorf("orchestrator: load summary stage: %w", err)
	}
	if _, err := e.d.Stages.IncrementCounter(dbc, summaryStage.ID, "expected_count", 1); err != nil {
		return err
	}
	if err := e.d.Stages.SetStatus(dbc, summaryStage.ID, domain.StageRunning); err != nil {
		return err
	}

	task := &domain.PageTask{
		JobID:        dr.JobID,
		StageKind:    domain.StageSummary,
		Status:       domain.PageTaskPending,
		DrawingName:  dr.DrawingName,
		DiffResultID: &dr.ID,
	}
	created, err := e.d.Tasks.Create(dbc, []*domain.PageTask{task})
	if err != nil {
		return fmt.Errorf("orchestrator: create regenerate summary task: %w", err)
	}

	if _, err := e.d.Jobs.UpdateFieldsUnlessStatus(dbc, dr.JobID,
		[]domain.JobStatus{domain.JobCancelled}, map[string]interface{}{
			"status":       domain.JobRunning,
			"completed_at": nil,
		}); err != nil {
		return err
	}

	e.dispatchSummaryTask(ctx, created[0], dr)
	return nil
}

func ptrNow() *time.Time {
	now := time.Now()
	return &now
}

// unmatchedNames resolves page indices left over from pairing back to their
// drawing names for the job's output metadata: unmatched pages are
// reported by drawing name, not by raw page position. A page OCR gave no
// name is listed as page_<index>; pages whose OCR failed have no PageResult
// and are not listed at all.
func unmatchedNames(results []*domain.PageResult, indices []int) []string {
	if len(indices) == 0 {
		return nil
	}
	byIdx := make(map[int]string, len(results))
	for _, r := range results {
		if r.DrawingName != nil && *r.DrawingName != "" {
			byIdx[r.PageIndex] = *r.DrawingName
		}
	}
	out := make([]string, 0, len(indices))
	for _, idx := range indices {
		if name, ok := byIdx[idx]; ok {
			out = append(out, name)
		} else {
			out = append(out, fmt.Sprintf("page_%d", idx))
		}
	}
	return out
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func toJSON(v interface{}) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
