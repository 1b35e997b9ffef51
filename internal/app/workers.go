package app

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/buildtrace/core/internal/orchestrator"
	"github.com/buildtrace/core/internal/platform/logger"
	"github.com/buildtrace/core/internal/workers/diffw"
	"github.com/buildtrace/core/internal/workers/ocr"
	"github.com/buildtrace/core/internal/workers/summary"
)

// Workers bundles the three stage workers. Each is a pure
// bus consumer: no relational-store access, no knowledge of Job/JobStage.
type Workers struct {
	OCR     *ocr.Worker
	Diff    *diffw.Worker
	Summary *summary.Worker
}

func wireWorkers(cfg Config, clients Clients, log *logger.Logger) (Workers, error) {
	ocrCfg := ocr.DefaultConfig()
	ocrCfg.QueueGroup = cfg.OCRQueueGroup
	ocrCfg.DPI = cfg.OCRDPI
	ocrCfg.RetryAttempts = cfg.OCRRetryAttempts
	ocrWorker := ocr.New(clients.Store, clients.Vision, clients.Bus, log, ocrCfg)

	diffCfg := diffw.DefaultConfig()
	diffCfg.QueueGroup = cfg.DiffQueueGroup
	if cfg.DiffLegendFont != "" {
		diffCfg.Legend.FontPath = cfg.DiffLegendFont
	}
	diffWorker := diffw.New(clients.Store, clients.Bus, log, diffCfg)

	if cfg.OpenAIAPIKey == "" {
		return Workers{}, fmt.Errorf("app: missing env var OPENAI_API_KEY (required by summary worker)")
	}
	summaryCfg := summary.DefaultConfig()
	summaryCfg.QueueGroup = cfg.SummaryQueueGroup
	summaryCfg.Model = cfg.SummaryModel
	summaryWorker, err := summary.New(clients.Store, clients.Bus, cfg.OpenAIAPIKey, log, summaryCfg)
	if err != nil {
		return Workers{}, fmt.Errorf("app: wire summary worker: %w", err)
	}

	return Workers{OCR: ocrWorker, Diff: diffWorker, Summary: summaryWorker}, nil
}

func wireEngine(db *gorm.DB, r Repos, clients Clients, log *logger.Logger, cfg Config) *orchestrator.Engine {
	return orchestrator.New(orchestrator.Deps{
		DB:                  db,
		Projects:            r.Projects,
		DrawingVersions:     r.DrawingVersions,
		Jobs:                r.Jobs,
		Stages:              r.Stages,
		Tasks:               r.Tasks,
		PageResults:         r.PageResults,
		DiffResults:         r.DiffResults,
		Summaries:           r.Summaries,
		Overlays:            r.Overlays,
		Events:              r.Events,
		Bus:                 clients.Bus,
		Progress:            clients.Progress,
		Log:                 log,
		DispatchConcurrency: cfg.DispatchConcurrency,
	})
}

func wireOrchestratorWorker(engine *orchestrator.Engine, cfg Config) *orchestrator.Worker {
	wcfg := orchestrator.DefaultWorkerConfig()
	if cfg.WorkerPollInterval > 0 {
		wcfg.PollInterval = cfg.WorkerPollInterval
	}
	if cfg.WorkerTickInterval > 0 {
		wcfg.TickInterval = cfg.WorkerTickInterval
	}
	return orchestrator.NewWorker(engine, wcfg)
}
