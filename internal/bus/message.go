package bus

import (
	"encoding/json"

	"github.com/google/uuid"

	domain "github.com/buildtrace/core/internal/domain"
)

// Kind is the tagged-variant discriminant for a task/completion message.
// Dispatch on it is exhaustive; there are no duck-typed payloads.
type Kind string

const (
	KindOCR     Kind = "ocr"
	KindDiff    Kind = "diff"
	KindSummary Kind = "summary"
)

// Envelope is the wire schema shared by every bus message: version,
// message_id, page_task_id, job_id, kind, payload.
type Envelope struct {
	Version    int             `json:"version"`
	MessageID  uuid.UUID       `json:"message_id"`
	PageTaskID uuid.UUID       `json:"page_task_id"`
	JobID      uuid.UUID       `json:"job_id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
}

// OCRTaskPayload is the task payload consumed by the OCR Worker.
type OCRTaskPayload struct {
	DrawingVersionID uuid.UUID `json:"drawing_version_id"`
	PageIndex        int       `json:"page_index"`
	StorageRef       string    `json:"storage_ref"`
}

// DiffTaskPayload is the task payload consumed by the Diff Worker.
// old_page_result_ref/new_page_result_ref are the object storage keys of the
// rasterized pages (not database ids): workers never touch the relational
// store directly, so the Orchestrator resolves PageResult rows to their
// image_ref before dispatch.
type DiffTaskPayload struct {
	DrawingName      string `json:"drawing_name"`
	OldPageResultRef string `json:"old_page_result_ref"`
	NewPageResultRef string `json:"new_page_result_ref"`
}

// SummaryTaskPayload is the task payload consumed by the Summary Worker
//. Carries the three image refs directly alongside diff_result_id so
// the worker never needs to read the relational store.
type SummaryTaskPayload struct {
	DiffResultID     uuid.UUID `json:"diff_result_id"`
	DrawingName      string    `json:"drawing_name"`
	BaselineImageRef string    `json:"baseline_image_ref"`
	RevisedImageRef  string    `json:"revised_image_ref"`
	OverlayImageRef  string    `json:"overlay_image_ref"`
}

// CompletionPayload is the shape carried by every completion event,
// regardless of kind: {status, error_kind?, error_message?, outputs}.
type CompletionPayload struct {
	Status       domain.PageTaskStatus `json:"status"`
	ErrorKind    domain.ErrorKind      `json:"error_kind,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
	Outputs      map[string]any        `json:"outputs,omitempty"`
}

const EnvelopeVersion = 1

func encodeEnvelope(env Envelope) ([]byte, error) {
	if env.Version == 0 {
		env.Version = EnvelopeVersion
	}
	return json.Marshal(env)
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
