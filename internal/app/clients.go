package app

import (
	"context"
	"fmt"

	busx "github.com/buildtrace/core/internal/bus"
	"github.com/buildtrace/core/internal/clients/gcp"
	"github.com/buildtrace/core/internal/platform/logger"
	"github.com/buildtrace/core/internal/progress"
	"github.com/buildtrace/core/internal/storage"
)

// Clients bundles every external collaborator the workers and Engine talk
// to: the durable bus, object storage, and the OCR provider.
type Clients struct {
	Bus    busx.Bus
	Store  storage.Store
	Vision gcp.Vision

	// Progress is optional: nil when BUILDTRACE_ENABLE_PROGRESS_BUS is unset,
	// in which case the streaming feed is simply not fanned out.
	Progress progress.Bus
}

func wireClients(ctx context.Context, cfg Config, log *logger.Logger) (Clients, error) {
	bus, err := busx.NewNATSBus(ctx, busx.NATSConfig{URL: cfg.NATSURL}, log)
	if err != nil {
		return Clients{}, fmt.Errorf("app: wire bus: %w", err)
	}

	store, err := storage.NewGCSStore(log)
	if err != nil {
		return Clients{}, fmt.Errorf("app: wire storage: %w", err)
	}

	vision, err := gcp.NewVision(log)
	if err != nil {
		return Clients{}, fmt.Errorf("app: wire vision: %w", err)
	}

	var prog progress.Bus
	if cfg.EnableProgressBus {
		prog, err = progress.NewRedisBus(log)
		if err != nil {
			return Clients{}, fmt.Errorf("app: wire progress bus: %w", err)
		}
	}

	return Clients{Bus: bus, Store: store, Vision: vision, Progress: prog}, nil
}
