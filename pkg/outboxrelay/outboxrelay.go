// Package outboxrelay implements the Outbox Relay (C2): a single-leader
// polling loop that publishes outbox_events rows to the event bus and
// deletes them only after broker confirmation, grounded on the teacher's
// pkg/queue/worker.go poll loop (ticker + jitter + stop channel) and
// pkg/store/locks.go's transactional skip-locked claim.
package outboxrelay

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/config"
	"github.com/codeready-toolchain/pulse/pkg/eventbus"
	"github.com/codeready-toolchain/pulse/pkg/leaderlock"
	"github.com/codeready-toolchain/pulse/pkg/model"
	"github.com/codeready-toolchain/pulse/pkg/store"
)

// Relay is the C2 Outbox Relay: leader-elected, polls store.ProcessOutbox
// and publishes each claimed row to the bus, relying on store to delete
// only rows that were successfully published.
type Relay struct {
	store  *store.Store
	bus    *eventbus.Bus
	lock   *leaderlock.Lock
	cfg    config.QueueConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs an Outbox Relay. lock must be acquired/released around
// every tick so only one pod in the cluster drains the outbox at a time.
func New(st *store.Store, bus *eventbus.Bus, lock *leaderlock.Lock, cfg config.QueueConfig) *Relay {
	return &Relay{
		store:  st,
		bus:    bus,
		lock:   lock,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start begins the polling loop in a goroutine.
func (r *Relay) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop signals the loop to stop and waits for it to exit.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()

	log := slog.With("component", "outbox_relay")
	log.Info("outbox relay started")

	for {
		select {
		case <-r.stopCh:
			log.Info("outbox relay shutting down")
			return
		case <-ctx.Done():
			return
		default:
			n, err := r.tick(ctx)
			if err != nil {
				log.Error("outbox relay tick failed", "error", err)
				r.sleep(time.Second)
				continue
			}
			if n == 0 {
				r.sleep(r.pollInterval())
			}
			// A non-empty batch means more rows may be waiting; loop
			// immediately instead of sleeping.
		}
	}
}

func (r *Relay) sleep(d time.Duration) {
	select {
	case <-r.stopCh:
	case <-time.After(d):
	}
}

// tick acquires the leader lock, processes one batch of outbox rows, and
// releases the lock. Returns the number of rows processed (0 if not
// leader or the outbox was empty).
func (r *Relay) tick(ctx context.Context) (int, error) {
	var processed int
	err := r.lock.RunIfLeader(ctx, func(ctx context.Context) error {
		n, err := r.store.ProcessOutbox(ctx, r.cfg.OutboxBatchSize, func(row *model.OutboxRow) error {
			return r.publish(ctx, row)
		})
		processed = n
		return err
	})
	return processed, err
}

// publish routes an outbox row to its destination subject. Topic is set at
// write time by the writer (Store), so the relay itself makes no routing
// decisions beyond forwarding. row.Payload is already-encoded JSON, so it
// goes through PublishBytes verbatim rather than Publish, which would
// base64-wrap the []byte as a JSON string.
func (r *Relay) publish(ctx context.Context, row *model.OutboxRow) error {
	if err := r.bus.PublishBytes(ctx, row.Topic, row.Payload); err != nil {
		return err
	}
	slog.Debug("outbox row published", "id", row.ID, "topic", row.Topic, "event_type", row.EventType)
	return nil
}

// pollInterval returns the configured poll interval with +/-20% jitter, the
// same jitter-around-base shape the teacher's queue worker uses to avoid
// synchronized polling across pods.
func (r *Relay) pollInterval() time.Duration {
	base := r.cfg.OutboxPollInterval
	jitter := base / 5
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}
