package model

import "time"

// DeliveryEventType discriminates MessageDeliveryEvent payloads.
type DeliveryEventType string

// Delivery event types. CREATED carries the message itself; CANCELLED and
// EXPIRED instruct a connected client to remove it from view; READ confirms
// a read receipt back to other live connections of the same user.
const (
	EventCreated   DeliveryEventType = "CREATED"
	EventCancelled DeliveryEventType = "CANCELLED"
	EventExpired   DeliveryEventType = "EXPIRED"
	EventRead      DeliveryEventType = "READ"
)

// MessageDeliveryEvent is the event published for each per-user delivery.
// It is the payload that flows through the Event Bus Adapter (C1), from the
// Fan-out Orchestrator (C5) to per-pod topics and onward to the Delivery
// Worker (C6).
type MessageDeliveryEvent struct {
	EventID     string            `json:"eventId"`
	BroadcastID int64             `json:"broadcastId"`
	UserID      int64             `json:"userId"`
	EventType   DeliveryEventType `json:"eventType"`
	PodID       string            `json:"podId"`
	Timestamp   time.Time         `json:"timestamp"`
	Message     *Broadcast        `json:"message,omitempty"`
}

// OrchestrationEventType discriminates control events on the `orchestration`
// topic.
type OrchestrationEventType string

// Orchestration event types.
const (
	OrchestrationScheduledNow     OrchestrationEventType = "scheduled-now"
	OrchestrationExpireNow        OrchestrationEventType = "expire-now"
	OrchestrationCancel           OrchestrationEventType = "cancel"
	OrchestrationRedriveRequested OrchestrationEventType = "redrive-requested"
)

// OrchestrationEvent is a control event consumed by the Fan-out Orchestrator
// (C5); partition key is BroadcastID.
type OrchestrationEvent struct {
	Type        OrchestrationEventType `json:"type"`
	BroadcastID int64                  `json:"broadcastId"`
	Timestamp   time.Time              `json:"timestamp"`
}

// OutboxRow is the durable staging row for a to-be-published event,
// persisted in the same transaction as the state change it describes.
type OutboxRow struct {
	ID          string    `json:"id"`
	AggregateID int64     `json:"aggregateId"`
	EventType   string    `json:"eventType"`
	Topic       string    `json:"topic"`
	Payload     []byte    `json:"payload"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PushEventType enumerates the frames a Push Stream Manager (C7) writes to
// a connected client's SSE stream.
type PushEventType string

// Push event types.
const (
	PushConnected             PushEventType = "CONNECTED"
	PushMessage               PushEventType = "MESSAGE"
	PushReadReceipt           PushEventType = "READ_RECEIPT"
	PushMessageRemoved        PushEventType = "MESSAGE_REMOVED"
	PushHeartbeat             PushEventType = "HEARTBEAT"
	PushConnectionLimitReach  PushEventType = "CONNECTION_LIMIT_REACHED"
	PushForceLogoff           PushEventType = "FORCE_LOGOFF"
)

// PushFrame is a single server-sent event frame.
type PushFrame struct {
	Type PushEventType `json:"-"`
	Data any           `json:"data"`
}
