// Package registry implements the Connection Registry (C3): a cluster-wide
// map of user → live connection(s) → pod, with heartbeat-based liveness and
// a per-user pending-event buffer for offline recipients.
//
// Per spec.md §9's design note ("a single ConnectionRegistry capability
// with two implementations; selection at startup from configuration"),
// this package exposes one Registry interface with an in-memory
// implementation (grounded on the teacher's pkg/events/manager.go
// ConnectionManager map+mutex shape) and a Redis-backed implementation
// (grounded on jordigilh-kubernaut's redis/go-redis/v9 dependency and its
// Redis TTL-dedup integration test) for real multi-pod clusters.
package registry

import (
	"context"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/model"
)

// Located is one (connection, pod) pair returned by Locate.
type Located struct {
	ConnectionID string
	PodID        string
}

// Registry is the Connection Registry's (C3) capability surface.
type Registry interface {
	// Register atomically writes conn:{id}, adds to heartbeat_zset and
	// pod_conns:{pod}.
	Register(ctx context.Context, conn model.Connection) error

	// Heartbeat bulk-updates heartbeat_zset scores and refreshes conn:{id}
	// TTLs for the given connection ids, all owned by pod.
	Heartbeat(ctx context.Context, pod string, connIDs []string) error

	// StaleBefore returns connection ids whose last heartbeat is older than
	// threshold (a range query on heartbeat_zset).
	StaleBefore(ctx context.Context, threshold time.Time) ([]string, error)

	// Remove bulk-cleans a set of connection ids from every index.
	// Returns the removed Connections (for UserDisconnected dispatch).
	Remove(ctx context.Context, connIDs []string) ([]model.Connection, error)

	// Locate returns every live connection for a user, for fan-out
	// routing.
	Locate(ctx context.Context, userID int64) ([]Located, error)

	// EnqueuePending appends a PendingEvent to a user's pending buffer,
	// deduplicated by (user, broadcast) and bounded per user.
	EnqueuePending(ctx context.Context, evt model.PendingEvent) error

	// DrainPending returns and removes a user's full pending buffer, FIFO
	// by EnqueuedAt.
	DrainPending(ctx context.Context, userID int64) ([]model.PendingEvent, error)

	// AckPending removes a single pending entry for (user, broadcast)
	// without draining the rest — used when a broadcast is
	// cancelled/expired while a recipient is still offline (spec.md §9's
	// MESSAGE_REMOVED-for-pending resolution).
	AckPending(ctx context.Context, userID, broadcastID int64) error

	// DenyReconnect marks a user as temporarily denied reconnection (Force
	// Logoff grace window).
	DenyReconnect(ctx context.Context, userID int64, window time.Duration) error

	// IsReconnectDenied reports whether the user is currently inside a
	// deny-reconnect window.
	IsReconnectDenied(ctx context.Context, userID int64) (bool, error)

	// Close releases any held resources.
	Close() error
}

// ErrPendingBufferFull is a soft signal — callers may choose to drop the
// oldest pending entry instead of failing outright; both implementations
// enforce the per-user bound internally rather than returning this, but it
// is kept for callers that want to detect backpressure explicitly.
type ErrPendingBufferFull struct{ UserID int64 }

func (e ErrPendingBufferFull) Error() string {
	return "registry: pending buffer full for user"
}
