// Package app wires together the processing core:
// the relational store, the durable bus, object storage, the OCR/Diff/Summary
// workers, the Orchestrator, and the read-only progress projection. There is
// no HTTP surface here; BuildTrace is a worker/orchestrator process that
// upstream systems drive entirely through the bus and the relational store
// (job creation happens out of process, via whatever enqueues a Job row and
// publishes its first OCR tasks — see cmd/buildtracectl for the operator
// path). Wiring order is
// logger -> config -> DB -> clients -> repos -> engine/workers, with a
// Start()/Close() lifecycle.
package app

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/buildtrace/core/internal/observability"
	"github.com/buildtrace/core/internal/orchestrator"
	"github.com/buildtrace/core/internal/platform/logger"
	"github.com/buildtrace/core/internal/progress"
	"github.com/buildtrace/core/internal/store"
)

// App owns every long-lived collaborator the process needs and the
// goroutines that drive them.
type App struct {
	Log     *logger.Logger
	Cfg     Config
	DB      *gorm.DB
	Repos   Repos
	Clients Clients
	Workers Workers

	Engine     *orchestrator.Engine
	OrchWorker *orchestrator.Worker
	Progress   *progress.Reader

	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

// New wires the full dependency graph but starts nothing.
func New() (*App, error) {
	cfg := LoadConfig()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("app: build logger: %w", err)
	}

	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "buildtrace",
		Environment: cfg.LogMode,
	})

	db, err := store.Open(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	r := wireRepos(db)

	clients, err := wireClients(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	workers, err := wireWorkers(cfg, clients, log)
	if err != nil {
		return nil, err
	}

	engine := wireEngine(db, r, clients, log, cfg)
	orchWorker := wireOrchestratorWorker(engine, cfg)

	reader := progress.NewReader(r.Jobs, r.Stages, r.Tasks, r.DiffResults, r.Summaries)

	return &App{
		Log:          log,
		Cfg:          cfg,
		DB:           db,
		Repos:        r,
		Clients:      clients,
		Workers:      workers,
		Engine:       engine,
		OrchWorker:   orchWorker,
		Progress:     reader,
		otelShutdown: otelShutdown,
	}, nil
}

// Start launches the Orchestrator's claim/tick/completion loops and all
// three stage workers as background goroutines. It returns once every
// goroutine has been launched; it does not block (that is Close's caller's
// job, typically a signal-wait in cmd/main.go).
func (a *App) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	go a.runGuarded(ctx, "orchestrator", a.OrchWorker.Run)
	go a.runGuarded(ctx, "ocr-worker", a.Workers.OCR.Run)
	go a.runGuarded(ctx, "diff-worker", a.Workers.Diff.Run)
	go a.runGuarded(ctx, "summary-worker", a.Workers.Summary.Run)
}

// runGuarded recovers a panic in any one loop so the rest of the process
// keeps running, matching the Orchestrator Worker's own safeGo pattern
//.
func (a *App) runGuarded(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			a.Log.Error("app: goroutine panicked", "component", name, "panic", r)
		}
	}()
	if err := fn(ctx); err != nil {
		a.Log.Error("app: goroutine exited with error", "component", name, "error", err)
	}
}

// Close cancels every background goroutine and releases external clients.
func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.Clients.Bus != nil {
		_ = a.Clients.Bus.Close()
	}
	if a.Clients.Vision != nil {
		_ = a.Clients.Vision.Close()
	}
	if a.Clients.Progress != nil {
		_ = a.Clients.Progress.Close()
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
	a.Log.Sync()
}
