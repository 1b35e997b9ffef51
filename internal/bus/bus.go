package bus

import "context"

// Handler processes one delivered envelope. Returning nil acks the message;
// returning an error nacks it for redelivery (subject to the subscription's
// max-deliver, after which it is dead-lettered).
type Handler func(ctx context.Context, env Envelope) error

// Bus is the durable at-least-once publish/subscribe contract the
// Orchestrator and workers depend on. Implementations own ack
// deadlines, redelivery, and per-subscription dead-lettering; callers only
// see envelopes and handler errors.
type Bus interface {
	// Publish is fire-and-forget from the caller's perspective: a
	// publish failure is recorded as a retryable fault, never a blocking call.
	Publish(ctx context.Context, subject string, env Envelope) error
	// Subscribe durably consumes subject until ctx is cancelled, dispatching
	// each envelope to handler. queue groups competing consumers so each
	// message goes to exactly one consumer per delivery attempt.
	Subscribe(ctx context.Context, subject, queue string, handler Handler) error
	Close() error
}

// Subjects used by the processing core. One subject per task kind, one
// shared subject for completions (the Orchestrator is the sole consumer).
const (
	SubjectOCRTask     = "buildtrace.tasks.ocr"
	SubjectDiffTask    = "buildtrace.tasks.diff"
	SubjectSummaryTask = "buildtrace.tasks.summary"
	SubjectCompletion  = "buildtrace.completions"
)

func SubjectForKind(k Kind) string {
	switch k {
	case KindOCR:
		return SubjectOCRTask
	case KindDiff:
		return SubjectDiffTask
	case KindSummary:
		return SubjectSummaryTask
	default:
		return ""
	}
}
