// Package model defines the domain types shared by every Pulse component:
// broadcasts, per-user delivery rows, outbox rows, connections, pending
// events, and dead-letter entries.
package model

import "time"

// BroadcastStatus is the lifecycle state of a Broadcast.
type BroadcastStatus string

// Broadcast lifecycle states. Transitions are monotonic except READY→ACTIVE;
// CANCELLED and EXPIRED are terminal.
const (
	BroadcastScheduled BroadcastStatus = "SCHEDULED"
	BroadcastReady     BroadcastStatus = "READY"
	BroadcastActive    BroadcastStatus = "ACTIVE"
	BroadcastExpired   BroadcastStatus = "EXPIRED"
	BroadcastCancelled BroadcastStatus = "CANCELLED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s BroadcastStatus) IsTerminal() bool {
	return s == BroadcastExpired || s == BroadcastCancelled
}

// Priority is the urgency of a broadcast, used by the Push Stream Manager's
// backpressure policy.
type Priority string

// Priority levels, lowest to highest.
const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// TargetKind selects how a Broadcast's recipients are resolved.
type TargetKind string

// Target kinds.
const (
	TargetAll      TargetKind = "ALL"
	TargetSelected TargetKind = "SELECTED"
	TargetRole     TargetKind = "ROLE"
	TargetProduct  TargetKind = "PRODUCT"
)

// CategoryForceLogoff is the reserved category that forces connection
// closure and denies reconnection for a short window after delivery.
const CategoryForceLogoff = "Force Logoff"

// TargetSpec describes the recipients of a Broadcast.
type TargetSpec struct {
	Kind TargetKind `json:"kind"`
	IDs  []int64    `json:"ids,omitempty"`
}

// Broadcast is the canonical admin-authored message, the aggregate root.
type Broadcast struct {
	ID             int64           `json:"id"`
	SenderID       int64           `json:"senderId"`
	SenderName     string          `json:"senderName"`
	Content        string          `json:"content"`
	Target         TargetSpec      `json:"target"`
	Priority       Priority        `json:"priority"`
	Category       string          `json:"category"`
	ScheduledAt    *time.Time      `json:"scheduledAt,omitempty"`
	ExpiresAt      *time.Time      `json:"expiresAt,omitempty"`
	FireAndForget  bool            `json:"fireAndForget"`
	Status         BroadcastStatus `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// IsForceLogoff reports whether this broadcast's category triggers the
// server-initiated close path in the Push Stream Manager.
func (b *Broadcast) IsForceLogoff() bool {
	return b.Category == CategoryForceLogoff
}

// DeliveryStatus is the per-recipient delivery state of a UserBroadcastRow.
type DeliveryStatus string

// Delivery states.
const (
	DeliveryPending    DeliveryStatus = "PENDING"
	DeliveryDelivered  DeliveryStatus = "DELIVERED"
	DeliveryFailed     DeliveryStatus = "FAILED"
	DeliverySuperseded DeliveryStatus = "SUPERSEDED"
)

// ReadStatus is whether a recipient has acknowledged a message.
type ReadStatus string

// Read states.
const (
	ReadUnread ReadStatus = "UNREAD"
	ReadRead   ReadStatus = "READ"
)

// UserBroadcastRow is the per-recipient delivery state for one (broadcast,
// user) pair.
type UserBroadcastRow struct {
	BroadcastID    int64          `json:"broadcastId"`
	UserID         int64          `json:"userId"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus"`
	ReadStatus     ReadStatus     `json:"readStatus"`
	DeliveredAt    *time.Time     `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time     `json:"readAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// BroadcastStats is the denormalized per-broadcast delivery statistics row.
type BroadcastStats struct {
	BroadcastID    int64   `json:"broadcastId"`
	TotalTargeted  int64   `json:"totalTargeted"`
	TotalDelivered int64   `json:"totalDelivered"`
	TotalRead      int64   `json:"totalRead"`
}

// DeliveryRate returns TotalDelivered/TotalTargeted, or 0 when there are no
// targets yet.
func (s BroadcastStats) DeliveryRate() float64 {
	if s.TotalTargeted == 0 {
		return 0
	}
	return float64(s.TotalDelivered) / float64(s.TotalTargeted)
}

// ReadRate returns TotalRead/TotalTargeted, or 0 when there are no targets
// yet.
func (s BroadcastStats) ReadRate() float64 {
	if s.TotalTargeted == 0 {
		return 0
	}
	return float64(s.TotalRead) / float64(s.TotalTargeted)
}
