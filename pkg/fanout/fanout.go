// Package fanout implements the Fan-out Orchestrator (C5): a leader-elected
// consumer of the `orchestration` topic that resolves a broadcast's target
// set via the Targeting Service (C4), locates each recipient's owning
// pod(s) via the Connection Registry (C3), and produces one
// MessageDeliveryEvent per live connection (or a pending-buffer entry for
// offline recipients) onto the appropriate `worker-<pod_id>` topic.
//
// Grounded on the teacher's pkg/queue/worker.go poll/claim loop shape for
// the leader-gated processing cadence, and pkg/events/publisher.go for the
// one-event-per-destination fan-out pattern.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/eventbus"
	"github.com/codeready-toolchain/pulse/pkg/leaderlock"
	"github.com/codeready-toolchain/pulse/pkg/model"
	"github.com/codeready-toolchain/pulse/pkg/registry"
	"github.com/codeready-toolchain/pulse/pkg/store"
	"github.com/codeready-toolchain/pulse/pkg/targeting"
	"github.com/google/uuid"
)

// Orchestrator is the C5 Fan-out Orchestrator.
type Orchestrator struct {
	store        *store.Store
	bus          *eventbus.Bus
	targeting    *targeting.Service
	registry     registry.Registry
	lock         *leaderlock.Lock
	maxRedeliver int
}

// New constructs a Fan-out Orchestrator. maxRedeliver is the JetStream
// redelivery ceiling before a poison orchestration event routes to the DLQ
// (spec.md §4.3).
func New(st *store.Store, bus *eventbus.Bus, tgt *targeting.Service, reg registry.Registry, lock *leaderlock.Lock, maxRedeliver int) *Orchestrator {
	return &Orchestrator{store: st, bus: bus, targeting: tgt, registry: reg, lock: lock, maxRedeliver: maxRedeliver}
}

// Start subscribes to the orchestration topic. All instances subscribe (so
// the consumer group shares load at the NATS level), but only the current
// leader actually performs work — other pods' handler invocations are
// no-ops via RunIfLeader, keeping at most one pod fanning out a given
// broadcast at a time.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.bus.Subscribe(ctx, eventbus.TopicOrchestration, "fanout-orchestrator", o.maxRedeliver, o.handle)
}

func (o *Orchestrator) handle(ctx context.Context, data []byte) error {
	var evt model.OrchestrationEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("%w: decode orchestration event: %v", eventbus.ErrPoison, err)
	}

	return o.lock.RunIfLeader(ctx, func(ctx context.Context) error {
		switch evt.Type {
		case model.OrchestrationScheduledNow:
			return o.fanOut(ctx, evt.BroadcastID)
		case model.OrchestrationCancel, model.OrchestrationExpireNow:
			return o.retract(ctx, evt.BroadcastID, evt.Type)
		case model.OrchestrationRedriveRequested:
			return o.fanOut(ctx, evt.BroadcastID)
		default:
			return fmt.Errorf("%w: unknown orchestration event type %q", eventbus.ErrPoison, evt.Type)
		}
	})
}

// fanOut resolves the broadcast's target set, locates each recipient, and
// produces a CREATED delivery event per live connection or a pending-buffer
// entry for offline recipients.
func (o *Orchestrator) fanOut(ctx context.Context, broadcastID int64) error {
	b, err := o.store.GetBroadcast(ctx, broadcastID)
	if err != nil {
		return fmt.Errorf("fanout: load broadcast %d: %w", broadcastID, err)
	}

	userIDs, degraded, err := o.targeting.Expand(ctx, b.Target)
	if err != nil {
		return fmt.Errorf("fanout: expand targets for broadcast %d: %w", broadcastID, err)
	}
	if degraded {
		slog.Warn("fanout: serving degraded (cached) target set", "broadcast_id", broadcastID)
	}

	// Stable per-broadcast ordering (spec.md §4.5): sort the resolved user
	// ids so re-runs (redrive) produce events in the same relative order.
	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })

	if b.Target.Kind != model.TargetSelected && len(userIDs) > 0 {
		if err := o.store.InsertUserRows(ctx, broadcastID, userIDs); err != nil {
			return fmt.Errorf("fanout: insert user rows for broadcast %d: %w", broadcastID, err)
		}
	}

	if err := o.store.Activate(ctx, broadcastID); err != nil {
		return fmt.Errorf("fanout: activate broadcast %d: %w", broadcastID, err)
	}

	for _, userID := range userIDs {
		if err := o.deliverToUser(ctx, b, userID); err != nil {
			return fmt.Errorf("fanout: deliver broadcast %d to user %d: %w", broadcastID, userID, err)
		}
	}
	return nil
}

// deliverToUser publishes one delivery event per live connection owned by
// userID, or enqueues a pending entry if the user has no live connection
// anywhere in the cluster.
func (o *Orchestrator) deliverToUser(ctx context.Context, b *model.Broadcast, userID int64) error {
	locations, err := o.registry.Locate(ctx, userID)
	if err != nil {
		return fmt.Errorf("locate user %d: %w", userID, err)
	}

	if len(locations) == 0 {
		return o.registry.EnqueuePending(ctx, model.PendingEvent{
			UserID:      userID,
			BroadcastID: b.ID,
			Event: model.MessageDeliveryEvent{
				EventID:     uuid.NewString(),
				BroadcastID: b.ID,
				UserID:      userID,
				EventType:   model.EventCreated,
				Timestamp:   time.Now().UTC(),
				Message:     b,
			},
			EnqueuedAt: time.Now().UTC(),
		})
	}

	// Tie-break: a user with multiple live connections on different pods
	// gets one event per connection (spec.md §4.5).
	for _, loc := range locations {
		evt := model.MessageDeliveryEvent{
			EventID:     uuid.NewString(),
			BroadcastID: b.ID,
			UserID:      userID,
			EventType:   model.EventCreated,
			PodID:       loc.PodID,
			Timestamp:   time.Now().UTC(),
			Message:     b,
		}
		if err := o.bus.Publish(ctx, eventbus.WorkerTopic(loc.PodID), evt); err != nil {
			return fmt.Errorf("publish to %s: %w", eventbus.WorkerTopic(loc.PodID), err)
		}
	}
	return nil
}

// retract publishes a CANCELLED or EXPIRED delivery event to every
// currently-online recipient and acks (removes) any still-pending entries
// for offline recipients, so neither sees a stale message after reconnect.
func (o *Orchestrator) retract(ctx context.Context, broadcastID int64, orchType model.OrchestrationEventType) error {
	deliveries, err := o.store.ListDeliveries(ctx, broadcastID)
	if err != nil {
		return fmt.Errorf("fanout: list deliveries for broadcast %d: %w", broadcastID, err)
	}

	eventType := model.EventCancelled
	if orchType == model.OrchestrationExpireNow {
		eventType = model.EventExpired
	}

	for _, row := range deliveries {
		locations, err := o.registry.Locate(ctx, row.UserID)
		if err != nil {
			return fmt.Errorf("fanout: locate user %d: %w", row.UserID, err)
		}
		if len(locations) == 0 {
			if err := o.registry.AckPending(ctx, row.UserID, broadcastID); err != nil {
				return fmt.Errorf("fanout: ack pending for user %d: %w", row.UserID, err)
			}
			continue
		}
		for _, loc := range locations {
			evt := model.MessageDeliveryEvent{
				EventID:     uuid.NewString(),
				BroadcastID: broadcastID,
				UserID:      row.UserID,
				EventType:   eventType,
				PodID:       loc.PodID,
				Timestamp:   time.Now().UTC(),
			}
			if err := o.bus.Publish(ctx, eventbus.WorkerTopic(loc.PodID), evt); err != nil {
				return fmt.Errorf("fanout: publish retraction to %s: %w", eventbus.WorkerTopic(loc.PodID), err)
			}
		}
	}
	return nil
}
