package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/model"
)

// MemoryRegistry is the single-pod Connection Registry implementation,
// grounded on the teacher's pkg/events/manager.go ConnectionManager: a
// connections map guarded by a single RWMutex, with a secondary
// user→connection-id index, used in development or single-pod deployments
// where a shared Redis is not available.
type MemoryRegistry struct {
	mu sync.RWMutex

	conns       map[string]model.Connection // connection_id -> Connection
	byUser      map[int64]map[string]struct{} // user_id -> set(connection_id)
	byPod       map[string]map[string]struct{} // pod_id -> set(connection_id)
	pending     map[int64][]model.PendingEvent // user_id -> FIFO buffer
	deniedUntil map[int64]time.Time

	pendingLimit int
}

// NewMemoryRegistry constructs an in-process Registry.
func NewMemoryRegistry(pendingLimit int) *MemoryRegistry {
	return &MemoryRegistry{
		conns:        make(map[string]model.Connection),
		byUser:       make(map[int64]map[string]struct{}),
		byPod:        make(map[string]map[string]struct{}),
		pending:      make(map[int64][]model.PendingEvent),
		deniedUntil:  make(map[int64]time.Time),
		pendingLimit: pendingLimit,
	}
}

func (r *MemoryRegistry) Register(_ context.Context, conn model.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[conn.ConnectionID] = conn
	if r.byUser[conn.UserID] == nil {
		r.byUser[conn.UserID] = make(map[string]struct{})
	}
	r.byUser[conn.UserID][conn.ConnectionID] = struct{}{}
	if r.byPod[conn.PodID] == nil {
		r.byPod[conn.PodID] = make(map[string]struct{})
	}
	r.byPod[conn.PodID][conn.ConnectionID] = struct{}{}
	return nil
}

func (r *MemoryRegistry) Heartbeat(_ context.Context, pod string, connIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	for _, id := range connIDs {
		if c, ok := r.conns[id]; ok && c.PodID == pod {
			c.LastHeartbeatAt = now
			r.conns[id] = c
		}
	}
	return nil
}

func (r *MemoryRegistry) StaleBefore(_ context.Context, threshold time.Time) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []string
	for id, c := range r.conns {
		if c.LastHeartbeatAt.Before(threshold) {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale, nil
}

func (r *MemoryRegistry) Remove(_ context.Context, connIDs []string) ([]model.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []model.Connection
	for _, id := range connIDs {
		c, ok := r.conns[id]
		if !ok {
			continue
		}
		delete(r.conns, id)
		if set, ok := r.byUser[c.UserID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byUser, c.UserID)
			}
		}
		if set, ok := r.byPod[c.PodID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byPod, c.PodID)
			}
		}
		removed = append(removed, c)
	}
	return removed, nil
}

func (r *MemoryRegistry) Locate(_ context.Context, userID int64) ([]Located, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Located
	for id := range r.byUser[userID] {
		if c, ok := r.conns[id]; ok {
			out = append(out, Located{ConnectionID: c.ConnectionID, PodID: c.PodID})
		}
	}
	return out, nil
}

func (r *MemoryRegistry) EnqueuePending(_ context.Context, evt model.PendingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := r.pending[evt.UserID]
	for i, existing := range buf {
		if existing.BroadcastID == evt.BroadcastID {
			buf[i] = evt // dedup by (user, broadcast): replace in place
			return nil
		}
	}
	buf = append(buf, evt)
	if len(buf) > r.pendingLimit {
		buf = buf[len(buf)-r.pendingLimit:]
	}
	r.pending[evt.UserID] = buf
	return nil
}

func (r *MemoryRegistry) DrainPending(_ context.Context, userID int64) ([]model.PendingEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := r.pending[userID]
	delete(r.pending, userID)
	sort.Slice(buf, func(i, j int) bool { return buf[i].EnqueuedAt.Before(buf[j].EnqueuedAt) })
	return buf, nil
}

func (r *MemoryRegistry) AckPending(_ context.Context, userID, broadcastID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := r.pending[userID]
	out := buf[:0]
	for _, evt := range buf {
		if evt.BroadcastID != broadcastID {
			out = append(out, evt)
		}
	}
	r.pending[userID] = out
	return nil
}

func (r *MemoryRegistry) DenyReconnect(_ context.Context, userID int64, window time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deniedUntil[userID] = time.Now().UTC().Add(window)
	return nil
}

func (r *MemoryRegistry) IsReconnectDenied(_ context.Context, userID int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	until, ok := r.deniedUntil[userID]
	if !ok {
		return false, nil
	}
	return time.Now().UTC().Before(until), nil
}

func (r *MemoryRegistry) Close() error { return nil }
