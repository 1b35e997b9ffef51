package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/buildtrace/core/internal/platform/logger"
)

// streamName is the single JetStream stream backing every subject this
// package publishes to. One stream keeps retention and dead-lettering
// policy uniform across task kinds instead of per-subject configuration.
const streamName = "BUILDTRACE"

// dlqSubjectPrefix namespaces the dead-letter subject every subscription
// gets. A message that
// exhausts MaxDeliver is copied here, with the handler's last error
// attached, instead of simply falling out of the working set once
// JetStream stops redelivering it.
const dlqSubjectPrefix = "buildtrace.dlq"

func dlqSubject(subject, queue string) string {
	return dlqSubjectPrefix + "." + queue + "." + subject
}

// DeadLetter is what gets published to a subscription's dead-letter subject
// once a message's delivery count reaches MaxDeliver.
type DeadLetter struct {
	Subject      string   `json:"subject"`
	Queue        string   `json:"queue"`
	NumDelivered uint64   `json:"num_delivered"`
	LastError    string   `json:"last_error"`
	Envelope     Envelope `json:"envelope"`
}

// NATSConfig controls ack/redelivery behavior for a JetStream-backed Bus.
type NATSConfig struct {
	URL string

	// AckWait bounds how long JetStream waits for an ack before redelivering.
	// Subscribe callers should keep handler latency comfortably under this.
	AckWait time.Duration

	// MaxDeliver caps redelivery attempts before a message is forwarded to
	// its dead-letter subject (dlqSubject) and removed from the working set.
	// The Orchestrator's own deadline/retry bookkeeping in Postgres is the
	// source of truth for PageTask retries, so dead-lettering here is about
	// not losing visibility into a poison message, not re-driving the task.
	MaxDeliver int
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.AckWait <= 0 {
		c.AckWait = 2 * time.Minute
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 8
	}
	return c
}

// NATSBus is the durable Bus Adapter backed by NATS JetStream. It
// gives at-least-once delivery, per-message redelivery on handler error, and
// bounded max-deliver so a permanently failing handler cannot wedge the
// stream.
type NATSBus struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	cfg NATSConfig
	log *logger.Logger
}

// NewNATSBus connects to NATS, provisions the shared stream if absent, and
// returns a ready-to-use Bus.
func NewNATSBus(ctx context.Context, cfg NATSConfig, log *logger.Logger) (*NATSBus, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("buildtrace"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: jetstream: %w", err)
	}

	if err := ensureStream(ctx, js); err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: ensure stream: %w", err)
	}

	return &NATSBus{nc: nc, js: js, cfg: cfg, log: log}, nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name: streamName,
		Subjects: []string{
			SubjectOCRTask, SubjectDiffTask, SubjectSummaryTask, SubjectCompletion,
		},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		return err
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName + "_DLQ",
		Subjects:  []string{dlqSubjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    30 * 24 * time.Hour,
	})
	return err
}

func (b *NATSBus) Publish(ctx context.Context, subject string, env Envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("bus: encode envelope: %w", err)
	}
	_, err = b.js.Publish(ctx, subject, data, jetstream.WithMsgID(env.MessageID.String()))
	if err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, subject, queue string, handler Handler) error {
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       queue,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    b.cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("bus: consumer %s/%s: %w", subject, queue, err)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		env, decodeErr := decodeEnvelope(msg.Data())
		if decodeErr != nil {
			b.log.Error("bus: dropping undecodable message", "subject", subject, "error", decodeErr)
			_ = msg.Term()
			return
		}

		hctx, cancel := context.WithTimeout(ctx, b.cfg.AckWait)
		defer cancel()

		if err := handler(hctx, env); err != nil {
			meta, metaErr := msg.Metadata()
			if metaErr == nil && meta.NumDelivered >= uint64(b.cfg.MaxDeliver) {
				b.deadLetter(ctx, subject, queue, env, meta.NumDelivered, err)
				_ = msg.Term()
				return
			}
			b.log.Warn("bus: handler failed, nacking for redelivery",
				"subject", subject, "message_id", env.MessageID, "error", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, jetstream.PullMaxMessages(32))
	if err != nil {
		return fmt.Errorf("bus: consume %s/%s: %w", subject, queue, err)
	}

	<-ctx.Done()
	consumeCtx.Stop()
	return ctx.Err()
}

// deadLetter publishes an exhausted message to its subscription's
// dead-letter subject. Failure to do so is only logged: the message is
// already being Term'd either way, and a DLQ-write failure must not turn
// into an infinite redelivery loop for a message that has already used up
// its MaxDeliver budget.
func (b *NATSBus) deadLetter(ctx context.Context, subject, queue string, env Envelope, numDelivered uint64, lastErr error) {
	dl := DeadLetter{
		Subject:      subject,
		Queue:        queue,
		NumDelivered: numDelivered,
		LastError:    lastErr.Error(),
		Envelope:     env,
	}
	data, err := json.Marshal(dl)
	if err != nil {
		b.log.Error("bus: encode dead letter failed", "subject", subject, "queue", queue, "error", err)
		return
	}
	if _, err := b.js.Publish(ctx, dlqSubject(subject, queue), data); err != nil {
		b.log.Error("bus: publish to dead-letter subject failed",
			"subject", subject, "queue", queue, "message_id", env.MessageID, "error", err)
		return
	}
	b.log.Warn("bus: message dead-lettered after exhausting max-deliver",
		"subject", subject, "queue", queue, "message_id", env.MessageID, "num_delivered", numDelivered)
}

func (b *NATSBus) Close() error {
	if b.nc == nil {
		return nil
	}
	return b.nc.Drain()
}
