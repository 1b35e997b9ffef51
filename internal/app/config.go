package app

import (
	"time"

	"github.com/buildtrace/core/internal/platform/envutil"
)

// Config collects every env-driven knob the process needs to boot. Field
// names mirror the env vars they read so wiring stays a straight
// pass-through.
type Config struct {
	LogMode string

	PostgresDSN string
	NATSURL     string

	OpenAIAPIKey string

	EnableProgressBus bool

	OCRQueueGroup     string
	OCRDPI            float64
	OCRRetryAttempts  uint
	DiffQueueGroup    string
	DiffLegendFont    string
	SummaryQueueGroup string
	SummaryModel      string

	WorkerPollInterval time.Duration
	WorkerTickInterval time.Duration

	DispatchConcurrency int
}

func LoadConfig() Config {
	return Config{
		LogMode: envutil.String("BUILDTRACE_LOG_MODE", "development"),

		PostgresDSN: envutil.String("BUILDTRACE_POSTGRES_DSN", ""),
		NATSURL:     envutil.String("BUILDTRACE_NATS_URL", "nats://127.0.0.1:4222"),

		OpenAIAPIKey: envutil.String("OPENAI_API_KEY", ""),

		EnableProgressBus: envutil.Bool("BUILDTRACE_ENABLE_PROGRESS_BUS", false),

		OCRQueueGroup:     envutil.String("BUILDTRACE_OCR_QUEUE_GROUP", "ocr-worker"),
		OCRDPI:            float64(envutil.Int("BUILDTRACE_OCR_DPI", 300)),
		OCRRetryAttempts:  uint(envutil.Int("BUILDTRACE_OCR_RETRY_ATTEMPTS", 3)),
		DiffQueueGroup:    envutil.String("BUILDTRACE_DIFF_QUEUE_GROUP", "diff-worker"),
		DiffLegendFont:    envutil.String("BUILDTRACE_DIFF_LEGEND_FONT", ""),
		SummaryQueueGroup: envutil.String("BUILDTRACE_SUMMARY_QUEUE_GROUP", "summary-worker"),
		SummaryModel:      envutil.String("BUILDTRACE_SUMMARY_MODEL", "gpt-4o"),

		WorkerPollInterval: time.Duration(envutil.Int("BUILDTRACE_WORKER_POLL_MS", 2000)) * time.Millisecond,
		WorkerTickInterval: time.Duration(envutil.Int("BUILDTRACE_WORKER_TICK_MS", 15000)) * time.Millisecond,

		DispatchConcurrency: envutil.Int("BUILDTRACE_DISPATCH_CONCURRENCY", 4),
	}
}
