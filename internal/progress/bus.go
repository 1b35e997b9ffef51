package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	domain "github.com/buildtrace/core/internal/domain"
	"github.com/buildtrace/core/internal/platform/logger"
)

// Event is what the streaming feed fans out to clients: one entry per
// JobEvent row, emitted exactly once per underlying state transition.
type Event struct {
	JobID     string          `json:"job_id"`
	Kind      string          `json:"kind"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func EventFromJobEvent(e *domain.JobEvent) Event {
	return Event{
		JobID:     e.JobID.String(),
		Kind:      e.Kind,
		Message:   e.Message,
		Data:      json.RawMessage(e.Data),
		CreatedAt: e.CreatedAt,
	}
}

// Bus fans out progress Events to whatever is forwarding them to clients
//.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	StartForwarder(ctx context.Context, onEvent func(ev Event)) error
	Close() error
}

type redisBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisBus opens the Redis-backed feed: one pub/sub channel shared by
// all jobs (each Event carries its job_id), JSON-encoded payloads, and a
// background forwarder goroutine started by StartForwarder.
func NewRedisBus(log *logger.Logger) (Bus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("BUILDTRACE_REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing env var BUILDTRACE_REDIS_ADDR")
	}
	channel := strings.TrimSpace(os.Getenv("BUILDTRACE_PROGRESS_CHANNEL"))
	if channel == "" {
		channel = "buildtrace.progress"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("progress bus: redis ping: %w", err)
	}

	return &redisBus{
		log:     log.With("service", "progress.Bus"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (b *redisBus) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *redisBus) StartForwarder(ctx context.Context, onEvent func(ev Event)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("progress bus: subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("bad progress payload", "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()

	return nil
}

func (b *redisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
