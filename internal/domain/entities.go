package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Project is the container owned by a user. Immutable once created except
// for metadata; it owns DrawingVersions.
type Project struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerUserID uuid.UUID      `gorm:"type:uuid;not null;index" json:"owner_user_id"`
	Name        string         `gorm:"column:name;not null" json:"name"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Project) TableName() string { return "project" }

// DrawingVersion is one uploaded PDF with N pages. Immutable once created.
type DrawingVersion struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	StorageRef string         `gorm:"column:storage_ref;not null" json:"storage_ref"`
	PageCount  int            `gorm:"column:page_count;not null" json:"page_count"`
	CreatedAt  time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (DrawingVersion) TableName() string { return "drawing_version" }

// JobStatus is the closed set of terminal/non-terminal Job states.
type JobStatus string

const (
	JobQueued          JobStatus = "queued"
	JobRunning         JobStatus = "running"
	JobCompleted       JobStatus = "completed"
	JobPartiallyFailed JobStatus = "partially_failed"
	JobFailed          JobStatus = "failed"
	JobCancelling      JobStatus = "cancelling"
	JobCancelled       JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobPartiallyFailed, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Job is a comparison between two DrawingVersions. Created by the API;
// mutated exclusively by the Orchestrator.
type Job struct {
	ID            uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID     uuid.UUID      `gorm:"type:uuid;not null;index:idx_job_project_created,priority:1" json:"project_id"`
	OldVersionID  uuid.UUID      `gorm:"type:uuid;not null" json:"old_version_id"`
	NewVersionID  uuid.UUID      `gorm:"type:uuid;not null" json:"new_version_id"`
	CreatedByID   uuid.UUID      `gorm:"type:uuid;not null" json:"created_by_id"`
	Status        JobStatus      `gorm:"column:status;type:text;not null;index" json:"status"`
	FailureReason string         `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	Meta          datatypes.JSON `gorm:"column:meta;type:jsonb" json:"meta,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;default:now();index:idx_job_project_created,priority:2" json:"created_at"`
	StartedAt     *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	UpdatedAt     time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Job) TableName() string { return "job" }

// StageKind is the closed set of logical phases a Job passes through.
type StageKind string

const (
	StageOCROld  StageKind = "ocr_old"
	StageOCRNew  StageKind = "ocr_new"
	StageDiff    StageKind = "diff"
	StageSummary StageKind = "summary"
)

// StageStatus is the lifecycle of one JobStage. Transitions are total: once
// terminal, a stage never re-enters running, even on a late completion.
type StageStatus string

const (
	StagePending            StageStatus = "pending"
	StageRunning            StageStatus = "running"
	StageCompleted          StageStatus = "completed"
	StagePartiallyCompleted StageStatus = "partially_completed"
	StageFailed             StageStatus = "failed"
	StageSkipped            StageStatus = "skipped"
)

func (s StageStatus) Terminal() bool {
	switch s {
	case StageCompleted, StagePartiallyCompleted, StageFailed, StageSkipped:
		return true
	default:
		return false
	}
}

// JobStage is one logical phase of a Job. Terminal when
// completed_count + failed_count + skipped_count = expected_count.
type JobStage struct {
	ID             uuid.UUID   `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID          uuid.UUID   `gorm:"type:uuid;not null;index:idx_jobstage_job_kind,priority:1" json:"job_id"`
	Kind           StageKind   `gorm:"column:kind;type:text;not null;index:idx_jobstage_job_kind,priority:2" json:"kind"`
	Status         StageStatus `gorm:"column:status;type:text;not null;index" json:"status"`
	ExpectedCount  int         `gorm:"column:expected_count;not null;default:0" json:"expected_count"`
	CompletedCount int         `gorm:"column:completed_count;not null;default:0" json:"completed_count"`
	FailedCount    int         `gorm:"column:failed_count;not null;default:0" json:"failed_count"`
	SkippedCount   int         `gorm:"column:skipped_count;not null;default:0" json:"skipped_count"`
	CreatedAt      time.Time   `gorm:"not null;default:now()" json:"created_at"`
	StartedAt      *time.Time  `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt     *time.Time  `gorm:"column:finished_at" json:"finished_at,omitempty"`
	UpdatedAt      time.Time   `gorm:"not null;default:now()" json:"updated_at"`
}

func (JobStage) TableName() string { return "job_stage" }

// PageTaskStatus is the lifecycle of one PageTask, the unit of durable,
// retryable, idempotent work carried by one bus message.
type PageTaskStatus string

const (
	PageTaskPending    PageTaskStatus = "pending"
	PageTaskDispatched PageTaskStatus = "dispatched"
	PageTaskSucceeded  PageTaskStatus = "succeeded"
	PageTaskFailed     PageTaskStatus = "failed"
)

// PageTask is a unit of per-page (or per-pair) work. For ocr_old/ocr_new,
// DrawingVersionID and PageIndex identify the page. For diff/summary,
// OldPageIndex/NewPageIndex/DrawingName identify the matched pair, and for
// summary, DiffResultID identifies the upstream DiffResult.
type PageTask struct {
	ID               uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID            uuid.UUID      `gorm:"type:uuid;not null;index:idx_pagetask_job_stage,priority:1" json:"job_id"`
	StageKind        StageKind      `gorm:"column:stage_kind;type:text;not null;index:idx_pagetask_job_stage,priority:2" json:"stage_kind"`
	Status           PageTaskStatus `gorm:"column:status;type:text;not null;index" json:"status"`
	DrawingVersionID *uuid.UUID     `gorm:"type:uuid;column:drawing_version_id" json:"drawing_version_id,omitempty"`
	PageIndex        *int           `gorm:"column:page_index" json:"page_index,omitempty"`
	OldPageIndex     *int           `gorm:"column:old_page_index" json:"old_page_index,omitempty"`
	NewPageIndex     *int           `gorm:"column:new_page_index" json:"new_page_index,omitempty"`
	DrawingName      string         `gorm:"column:drawing_name;index" json:"drawing_name,omitempty"`
	DiffResultID     *uuid.UUID     `gorm:"type:uuid;column:diff_result_id" json:"diff_result_id,omitempty"`
	Attempts         int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	ErrorKind        ErrorKind      `gorm:"column:error_kind;type:text" json:"error_kind,omitempty"`
	ErrorMessage     string         `gorm:"column:error_message" json:"error_message,omitempty"`
	NextRunAt        *time.Time     `gorm:"column:next_run_at;index" json:"next_run_at,omitempty"`
	DispatchedAt     *time.Time     `gorm:"column:dispatched_at" json:"dispatched_at,omitempty"`
	Deadline         *time.Time     `gorm:"column:deadline" json:"deadline,omitempty"`
	FinishedAt       *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	CreatedAt        time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (PageTask) TableName() string { return "page_task" }

// PageResult is the per-page OCR output, keyed by (drawing_version_id, page_index).
type PageResult struct {
	ID               uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	DrawingVersionID uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_pageresult_version_page,priority:1" json:"drawing_version_id"`
	PageIndex        int            `gorm:"column:page_index;not null;uniqueIndex:idx_pageresult_version_page,priority:2" json:"page_index"`
	ImageRef         string         `gorm:"column:image_ref;not null" json:"image_ref"`
	DrawingName      *string        `gorm:"column:drawing_name;index" json:"drawing_name,omitempty"`
	Text             string         `gorm:"column:text;type:text" json:"text,omitempty"`
	Metadata         datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt        time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (PageResult) TableName() string { return "page_result" }

// DiffResult is the per-matched-page output, keyed by (job_id, drawing_name).
type DiffResult struct {
	ID               uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID            uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_diffresult_job_name,priority:1" json:"job_id"`
	DrawingName      string    `gorm:"column:drawing_name;not null;uniqueIndex:idx_diffresult_job_name,priority:2" json:"drawing_name"`
	BaselineImageRef string    `gorm:"column:baseline_image_ref;not null" json:"baseline_image_ref"`
	RevisedImageRef  string    `gorm:"column:revised_image_ref;not null" json:"revised_image_ref"`
	OverlayImageRef  string    `gorm:"column:overlay_image_ref" json:"overlay_image_ref,omitempty"`
	AlignmentScore   float64   `gorm:"column:alignment_score" json:"alignment_score"`
	ChangeDetected   bool      `gorm:"column:change_detected;not null" json:"change_detected"`
	ChangeCount      *int      `gorm:"column:change_count" json:"change_count,omitempty"`
	CreatedAt        time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (DiffResult) TableName() string { return "diff_result" }

// ChangeSummarySource distinguishes machine-produced summaries from ones a
// human corrected after the fact.
type ChangeSummarySource string

const (
	ChangeSummaryMachine        ChangeSummarySource = "machine"
	ChangeSummaryHumanCorrected ChangeSummarySource = "human_corrected"
)

// ChangeItem is one entry in a ChangeSummary's structured change list.
type ChangeItem struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ChangeType  string `json:"change_type"` // added | modified | removed
	Location    string `json:"location,omitempty"`
	Impact      string `json:"impact,omitempty"`
	Trade       string `json:"trade,omitempty"`
}

// ChangeSummary is the per-DiffResult structured+free-text output of the
// Summary Worker.
type ChangeSummary struct {
	ID              uuid.UUID           `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	DiffResultID    uuid.UUID           `gorm:"type:uuid;not null;uniqueIndex" json:"diff_result_id"`
	OverallSummary  string              `gorm:"column:overall_summary;type:text" json:"overall_summary"`
	Changes         datatypes.JSON      `gorm:"column:changes;type:jsonb" json:"changes"`
	CriticalChange  string              `gorm:"column:critical_change;type:text" json:"critical_change,omitempty"`
	Recommendations string              `gorm:"column:recommendations;type:text" json:"recommendations,omitempty"`
	TotalChanges    int                 `gorm:"column:total_changes;not null;default:0" json:"total_changes"`
	FreeText        string              `gorm:"column:free_text;type:text" json:"free_text"`
	ModelVersion    string              `gorm:"column:model_version" json:"model_version"`
	Source          ChangeSummarySource `gorm:"column:source;type:text;not null;default:machine" json:"source"`
	CreatedAt       time.Time           `gorm:"not null;default:now()" json:"created_at"`
}

func (ChangeSummary) TableName() string { return "change_summary" }

// ManualOverlay is a user-supplied override overlay attached to a
// DiffResult. Its presence triggers a new Summary task for that pair.
type ManualOverlay struct {
	ID           uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	DiffResultID uuid.UUID `gorm:"type:uuid;not null;index" json:"diff_result_id"`
	OverlayRef   string    `gorm:"column:overlay_ref;not null" json:"overlay_ref"`
	CreatedByID  uuid.UUID `gorm:"type:uuid;not null" json:"created_by_id"`
	CreatedAt    time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (ManualOverlay) TableName() string { return "manual_overlay" }

// JobEvent is an append-only ledger of per-job state transitions, the
// canonical source for the streaming progress feed.
type JobEvent struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	Kind      string         `gorm:"column:kind;not null" json:"kind"` // page_ocr_complete | pair_diff_complete | summary_complete | job_complete
	Message   string         `gorm:"column:message;type:text" json:"message,omitempty"`
	Data      datatypes.JSON `gorm:"column:data;type:jsonb" json:"data,omitempty"`
	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (JobEvent) TableName() string { return "job_event" }
