package model

import (
	"strconv"
	"time"
)

// Connection is a live client stream: a single user may have N≥0
// connections, each belonging to exactly one pod.
type Connection struct {
	ConnectionID    string    `json:"connectionId"`
	UserID          int64     `json:"userId"`
	PodID           string    `json:"podId"`
	ClusterID       string    `json:"clusterId"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// IsStale reports whether the connection's last heartbeat is older than
// staleThreshold relative to now.
func (c Connection) IsStale(now time.Time, staleThreshold time.Duration) bool {
	return now.Sub(c.LastHeartbeatAt) > staleThreshold
}

// PendingEvent is a buffered delivery for a user with no live connection.
// Deduplicated by (UserID, BroadcastID); drained FIFO by EnqueuedAt on the
// user's next successful connect, before any live events.
type PendingEvent struct {
	UserID      int64     `json:"userId"`
	BroadcastID int64     `json:"broadcastId"`
	Event       MessageDeliveryEvent `json:"event"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// DltEntry is a failed event captured for operator action.
type DltEntry struct {
	ID              string    `json:"id"`
	OriginalTopic   string    `json:"originalTopic"`
	Partition       int32     `json:"partition"`
	Offset          int64     `json:"offset"`
	Key             string    `json:"key"`
	Payload         []byte    `json:"payload"`
	ExceptionSummary string   `json:"exceptionSummary"`
	Stacktrace      string    `json:"stacktrace,omitempty"`
	FailedAt        time.Time `json:"failedAt"`
}

// Title returns the friendly operator-facing title for a DltEntry, parsed
// from the dead-lettered MessageDeliveryEvent when possible.
func (d DltEntry) Title(evt *MessageDeliveryEvent) string {
	if evt == nil {
		return d.ExceptionSummary
	}
	return "event" + string(evt.EventType) + " for user" + strconv.FormatInt(evt.UserID, 10) +
		" (broadcast: " + strconv.FormatInt(evt.BroadcastID, 10) + ")"
}
