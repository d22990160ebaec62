// Package delivery implements the Delivery Worker (C6): a per-pod consumer
// of `worker-<this_pod>` that hands each delivery event to the Push Stream
// Manager (C7) and transactionally marks the corresponding
// UserBroadcastRow DELIVERED only after a successful enqueue.
//
// Grounded on the teacher's pkg/queue/worker.go claim/execute/commit shape,
// generalized from a DB-polling loop to an event-bus push consumer.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/eventbus"
	"github.com/codeready-toolchain/pulse/pkg/model"
	"github.com/codeready-toolchain/pulse/pkg/push"
	"github.com/codeready-toolchain/pulse/pkg/registry"
	"github.com/codeready-toolchain/pulse/pkg/store"
)

// Worker is the C6 Delivery Worker for one pod.
type Worker struct {
	podID                 string
	store                 *store.Store
	bus                   *eventbus.Bus
	registry              registry.Registry
	push                  *push.Manager
	maxRedeliver          int
	forceLogoffDenyWindow time.Duration
}

// New constructs a Delivery Worker bound to podID. maxRedeliver is the
// JetStream redelivery ceiling before a poison event routes to the DLQ
// (spec.md §4.3); forceLogoffDenyWindow is how long a user is refused
// reconnection after a Force Logoff MESSAGE (spec.md §4.7).
func New(podID string, st *store.Store, bus *eventbus.Bus, reg registry.Registry, pushMgr *push.Manager, maxRedeliver int, forceLogoffDenyWindow time.Duration) *Worker {
	return &Worker{
		podID:                 podID,
		store:                 st,
		bus:                   bus,
		registry:              reg,
		push:                  pushMgr,
		maxRedeliver:          maxRedeliver,
		forceLogoffDenyWindow: forceLogoffDenyWindow,
	}
}

// Start subscribes to this pod's worker topic.
func (w *Worker) Start(ctx context.Context) error {
	subject := eventbus.WorkerTopic(w.podID)
	return w.bus.Subscribe(ctx, subject, "delivery-worker-"+w.podID, w.maxRedeliver, w.handle)
}

func (w *Worker) handle(ctx context.Context, data []byte) error {
	var evt model.MessageDeliveryEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("%w: decode delivery event: %v", eventbus.ErrPoison, err)
	}

	locations, err := w.registry.Locate(ctx, evt.UserID)
	if err != nil {
		return fmt.Errorf("delivery: locate user %d: %w", evt.UserID, err)
	}

	var onThisPod []registry.Located
	for _, loc := range locations {
		if loc.PodID == w.podID {
			onThisPod = append(onThisPod, loc)
		}
	}

	if len(onThisPod) == 0 {
		// Race: the user moved pods or disconnected between fan-out and
		// delivery. Re-route to wherever they are now, or buffer if
		// nowhere.
		return w.reroute(ctx, evt, locations)
	}

	for _, loc := range onThisPod {
		if err := w.pushToConnection(ctx, evt, loc.ConnectionID); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) pushToConnection(ctx context.Context, evt model.MessageDeliveryEvent, connectionID string) error {
	frame := frameFor(evt)
	urgent := evt.Message != nil && evt.Message.Priority == model.PriorityUrgent
	if err := w.push.Enqueue(connectionID, frame, urgent); err != nil {
		return fmt.Errorf("delivery: enqueue to connection %s: %w", connectionID, err)
	}

	if evt.EventType != model.EventCreated {
		return nil
	}
	if err := w.store.MarkDelivered(ctx, evt.BroadcastID, evt.UserID); err != nil {
		return fmt.Errorf("delivery: mark delivered broadcast=%d user=%d: %w", evt.BroadcastID, evt.UserID, err)
	}

	if evt.Message != nil && evt.Message.IsForceLogoff() {
		if err := w.forceLogoff(ctx, evt.UserID, connectionID); err != nil {
			return err
		}
	}
	return nil
}

// forceLogoff closes connectionID right after its Force Logoff MESSAGE has
// been enqueued and denies the user reconnection for a short window
// (spec.md §4.7, §8 scenario 6): enqueuing FORCE_LOGOFF urgent guarantees it
// is written to the stream only after the MESSAGE frame ahead of it in the
// same FIFO channel, at which point Serve forces the connection closed.
func (w *Worker) forceLogoff(ctx context.Context, userID int64, connectionID string) error {
	if err := w.registry.DenyReconnect(ctx, userID, w.forceLogoffDenyWindow); err != nil {
		return fmt.Errorf("delivery: deny reconnect for user %d: %w", userID, err)
	}
	if err := w.push.Enqueue(connectionID, model.PushFrame{Type: model.PushForceLogoff}, true); err != nil {
		return fmt.Errorf("delivery: enqueue force-logoff to connection %s: %w", connectionID, err)
	}
	return nil
}

// reroute handles the race where the target connection moved pods or
// disconnected between Fan-out resolving locations and this worker
// processing the event: forward to the user's current pod(s), or buffer
// as pending if they are now offline everywhere.
func (w *Worker) reroute(ctx context.Context, evt model.MessageDeliveryEvent, currentLocations []registry.Located) error {
	if len(currentLocations) == 0 {
		slog.Info("delivery: recipient offline, buffering", "user_id", evt.UserID, "broadcast_id", evt.BroadcastID)
		return w.registry.EnqueuePending(ctx, model.PendingEvent{
			UserID:      evt.UserID,
			BroadcastID: evt.BroadcastID,
			Event:       evt,
		})
	}
	for _, loc := range currentLocations {
		rerouted := evt
		rerouted.PodID = loc.PodID
		if err := w.bus.Publish(ctx, eventbus.WorkerTopic(loc.PodID), rerouted); err != nil {
			return fmt.Errorf("delivery: reroute publish to %s: %w", eventbus.WorkerTopic(loc.PodID), err)
		}
	}
	return nil
}

func frameFor(evt model.MessageDeliveryEvent) model.PushFrame {
	switch evt.EventType {
	case model.EventCreated:
		return model.PushFrame{Type: model.PushMessage, Data: evt.Message}
	case model.EventCancelled, model.EventExpired:
		return model.PushFrame{Type: model.PushMessageRemoved, Data: map[string]int64{"broadcastId": evt.BroadcastID}}
	case model.EventRead:
		return model.PushFrame{Type: model.PushReadReceipt, Data: map[string]int64{"broadcastId": evt.BroadcastID}}
	default:
		return model.PushFrame{Type: model.PushMessage, Data: evt.Message}
	}
}
