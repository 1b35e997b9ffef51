package orchestrator

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	busx "github.com/buildtrace/core/internal/bus"
	domain "github.com/buildtrace/core/internal/domain"
	"github.com/buildtrace/core/internal/platform/dbctx"
)

// WorkerConfig tunes the DB-poll loop that starts queued Jobs and the sweep
// loop that enforces retry backoff and stage deadlines.
type WorkerConfig struct {
	PollInterval  time.Duration
	TickInterval  time.Duration
	StaleTick     time.Duration
	CompletionsQG string
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:  2 * time.Second,
		TickInterval:  15 * time.Second,
		StaleTick:     30 * time.Second,
		CompletionsQG: "orchestrator",
	}
}

// Worker drives the Engine from the DB-poll loop, the deadline/retry sweep,
// and the completion-event subscription. It owns no state of its own beyond
// the Engine it wraps.
type Worker struct {
	engine *Engine
	cfg    WorkerConfig
}

func NewWorker(engine *Engine, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg = DefaultWorkerConfig()
	}
	return &Worker{engine: engine, cfg: cfg}
}

// Run blocks until ctx is cancelled, driving the claim loop, the tick
// sweep, and the completion subscription concurrently. Panics inside any
// one of the three are recovered and logged so the others keep running
//.
func (w *Worker) Run(ctx context.Context) error {
	errCh := make(chan error, 3)

	go w.safeGo(ctx, errCh, w.runClaimLoop)
	go w.safeGo(ctx, errCh, w.runTickLoop)
	go w.safeGo(ctx, errCh, w.runCompletionSubscriber)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (w *Worker) safeGo(ctx context.Context, errCh chan<- error, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			w.engine.d.Log.Error("orchestrator: worker goroutine panicked", "panic", r)
		}
	}()
	if err := fn(ctx); err != nil {
		errCh <- err
	}
}

// runClaimLoop repeatedly claims the next runnable Job and starts it if it
// is still queued. Running/cancelling jobs are claimed only to refresh
// their heartbeat; all of their forward progress is driven by completion
// events and the tick sweep.
func (w *Worker) runClaimLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.claimOnce(ctx)
		}
	}
}

func (w *Worker) claimOnce(ctx context.Context) {
	dbc := dbctx.Context{Ctx: ctx}
	job, err := w.engine.d.Jobs.ClaimNextActive(dbc, w.cfg.StaleTick)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			w.engine.d.Log.Error("orchestrator: claim next active job failed", "error", err)
		}
		return
	}
	if job == nil {
		return
	}
	if job.Status == domain.JobQueued {
		if err := w.engine.StartJob(ctx, job.ID); err != nil {
			w.engine.d.Log.Error("orchestrator: start job failed", "job_id", job.ID, "error", err)
		}
	}
}

func (w *Worker) runTickLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.engine.Tick(ctx); err != nil {
				w.engine.d.Log.Error("orchestrator: tick failed", "error", err)
			}
		}
	}
}

// runCompletionSubscriber durably subscribes to the shared completion
// subject; handler errors cause redelivery via the bus's own retry/DLQ
// policy, separate from PageTask-level retry.
func (w *Worker) runCompletionSubscriber(ctx context.Context) error {
	return w.engine.d.Bus.Subscribe(ctx, busx.SubjectCompletion, w.cfg.CompletionsQG, func(ctx context.Context, env busx.Envelope) error {
		return w.engine.OnCompletion(ctx, env)
	})
}
