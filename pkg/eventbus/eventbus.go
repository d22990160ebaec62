// Package eventbus implements the Event Bus Adapter (C1): typed
// publish/consume over NATS JetStream, with the `orchestration`,
// `worker-<pod_id>`, and `dlq-<origin>` logical topics from spec.md §4.3.
//
// Grounded on adred-codev-ws_poc/go-server/pkg/nats/client.go's connection
// option set and typed connection-event handlers, generalized from core
// NATS pub/sub to JetStream so consumers get manual-ack-after-side-effects
// and redelivery-with-DLQ-routing, which spec.md §4.3 requires and plain
// core NATS (what that example wraps) does not provide.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/config"
	"github.com/nats-io/nats.go"
)

// Topics.
const (
	TopicOrchestration = "orchestration"
	dlqPrefix          = "dlq-"
)

// WorkerTopic returns the per-pod delivery topic name for podID.
func WorkerTopic(podID string) string {
	return "worker-" + podID
}

// DLQTopic returns the dead-letter topic name for a given origin topic.
func DLQTopic(origin string) string {
	return dlqPrefix + origin
}

// Bus wraps a NATS JetStream connection and context.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// Connect dials NATS with the reconnect/backoff options the teacher's
// client.go configures, then ensures a single JetStream stream backing all
// of Pulse's subjects exists.
func Connect(cfg config.EventBusConfig) (*Bus, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ConnectHandler(func(c *nats.Conn) {
			slog.Info("eventbus: connected", "url", c.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			slog.Warn("eventbus: disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("eventbus: reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			slog.Error("eventbus: async error", "subject", subjectOf(s), "error", err)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("eventbus: jetstream context: %w", err)
	}

	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     "PULSE",
		Subjects: []string{"orchestration", "worker-*", "dlq-*"},
		Storage:  nats.FileStorage,
	}); err != nil && err != nats.ErrStreamNameAlreadyInUse {
		conn.Close()
		return nil, fmt.Errorf("eventbus: add stream: %w", err)
	}

	return &Bus{conn: conn, js: js}, nil
}

func subjectOf(s *nats.Subscription) string {
	if s == nil {
		return ""
	}
	return s.Subject
}

// Close drains and closes the underlying connection.
func (b *Bus) Close() {
	_ = b.conn.Drain()
}

// Publish marshals payload to JSON and publishes it to subject with
// idempotent, acks=all delivery guarantees (JetStream's default publish
// behavior once a stream owns the subject).
func (b *Bus) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: marshal: %w", err)
	}
	return b.PublishBytes(ctx, subject, data)
}

// PublishBytes publishes an already-encoded payload verbatim, with no
// further JSON marshaling. Used for DLQ routing, where msg.Data is already
// the original message's encoded bytes and re-marshaling it through
// Publish would base64-wrap it as a JSON string.
func (b *Bus) PublishBytes(ctx context.Context, subject string, data []byte) error {
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("eventbus: publish %s: %w", subject, err)
	}
	return nil
}

// Handler processes one message's raw JSON payload. Returning a non-nil
// error other than ErrPoison triggers redelivery (nak); ErrPoison sends the
// message directly to DLQ with no retry, matching spec.md §4.3's
// "deserialization failures are NOT retried" rule.
type Handler func(ctx context.Context, data []byte) error

// ErrPoison marks a message as non-retryable (decode failure); wrap it with
// fmt.Errorf("%w: ...", ErrPoison, ...) from a Handler to force immediate
// DLQ routing instead of redelivery.
var ErrPoison = poisonError{}

type poisonError struct{}

func (poisonError) Error() string { return "eventbus: poison message" }

// Subscribe creates a durable pull consumer on subject and dispatches each
// message to handler with manual ack after the handler succeeds. After
// maxRedeliver redeliveries (maxRedeliver+1 handler attempts in all;
// immediately, for ErrPoison), the message is
// published to the subject's DLQ topic and acked so it does not redeliver
// forever.
func (b *Bus) Subscribe(ctx context.Context, subject, durableName string, maxRedeliver int, handler Handler) error {
	sub, err := b.js.PullSubscribe(subject, durableName, nats.AckExplicit(), nats.MaxDeliver(maxRedeliver+1))
	if err != nil {
		return fmt.Errorf("eventbus: pull subscribe %s: %w", subject, err)
	}

	go b.consumeLoop(ctx, subject, sub, maxRedeliver, handler)
	return nil
}

func (b *Bus) consumeLoop(ctx context.Context, subject string, sub *nats.Subscription, maxRedeliver int, handler Handler) {
	log := slog.With("subject", subject)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := sub.Fetch(10, nats.MaxWait(2*time.Second))
		if err != nil {
			if err == nats.ErrTimeout || err == context.DeadlineExceeded {
				continue
			}
			log.Error("eventbus: fetch failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			b.dispatch(ctx, log, msg, maxRedeliver, handler)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, log *slog.Logger, msg *nats.Msg, maxRedeliver int, handler Handler) {
	err := handler(ctx, msg.Data)
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			log.Warn("eventbus: ack failed", "error", ackErr)
		}
		return
	}

	deliveries := 1
	if meta, metaErr := msg.Metadata(); metaErr == nil {
		deliveries = int(meta.NumDelivered)
	}

	if errIsPoison(err) || deliveries > maxRedeliver {
		dlqSubject := DLQTopic(msg.Subject)
		if pubErr := b.PublishBytes(ctx, dlqSubject, msg.Data); pubErr != nil {
			log.Error("eventbus: failed to route to DLQ", "error", pubErr)
			_ = msg.Nak()
			return
		}
		log.Warn("eventbus: routed to DLQ", "error", err, "dlq_subject", dlqSubject)
		_ = msg.Ack()
		return
	}

	log.Warn("eventbus: handler failed, will redeliver", "error", err, "delivery_count", deliveries)
	_ = msg.Nak()
}

func errIsPoison(err error) bool {
	for err != nil {
		if _, ok := err.(poisonError); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
