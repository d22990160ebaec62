package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/model"
	"github.com/redis/go-redis/v9"
)

// RedisRegistry is the multi-pod Connection Registry implementation,
// grounded on jordigilh-kubernaut's redis/go-redis/v9 dependency and its
// Redis TTL-based deduplication integration test
// (test/integration/gateway/redis_deduplication_test.go), implementing the
// exact key layout spec.md §4.4 names:
//
//	conn:{connection_id}     -> JSON Connection, TTL = connectionTTL
//	heartbeat_zset           -> sorted set, score = last heartbeat epoch
//	pod_conns:{pod_id}       -> set(connection_id)
//	pending:{user_id}        -> list(PendingEvent JSON), capped length
//	deny_reconnect:{user_id} -> presence-as-TTL marker for Force Logoff
type RedisRegistry struct {
	client       *redis.Client
	connTTL      time.Duration
	pendingLimit int
}

// NewRedisRegistry constructs a Registry backed by an existing go-redis
// client (a *redis.Client from a live server, or one from miniredis in
// tests).
func NewRedisRegistry(client *redis.Client, connTTL time.Duration, pendingLimit int) *RedisRegistry {
	return &RedisRegistry{client: client, connTTL: connTTL, pendingLimit: pendingLimit}
}

func connKey(id string) string        { return "conn:" + id }
func podConnsKey(pod string) string    { return "pod_conns:" + pod }
func pendingKey(user int64) string     { return fmt.Sprintf("pending:%d", user) }
func denyKey(user int64) string        { return fmt.Sprintf("deny_reconnect:%d", user) }

const heartbeatZSetKey = "heartbeat_zset"

// Register atomically writes conn:{id}, adds to heartbeat_zset and
// pod_conns:{pod} using a pipeline so the three indexes land together.
func (r *RedisRegistry) Register(ctx context.Context, conn model.Connection) error {
	data, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("registry: marshal connection: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, connKey(conn.ConnectionID), data, r.connTTL)
		pipe.ZAdd(ctx, heartbeatZSetKey, redis.Z{
			Score:  float64(conn.LastHeartbeatAt.Unix()),
			Member: conn.ConnectionID,
		})
		pipe.SAdd(ctx, podConnsKey(conn.PodID), conn.ConnectionID)
		pipe.SAdd(ctx, userConnsKey(conn.UserID), conn.ConnectionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry: register: %w", err)
	}
	return nil
}

// Heartbeat bulk-updates zset scores and refreshes conn:{id} TTLs.
func (r *RedisRegistry) Heartbeat(ctx context.Context, pod string, connIDs []string) error {
	if len(connIDs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range connIDs {
			pipe.ZAdd(ctx, heartbeatZSetKey, redis.Z{Score: float64(now.Unix()), Member: id})
			pipe.Expire(ctx, connKey(id), r.connTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry: heartbeat: %w", err)
	}
	return nil
}

// StaleBefore range-queries heartbeat_zset for members scored before
// threshold.
func (r *RedisRegistry) StaleBefore(ctx context.Context, threshold time.Time) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, heartbeatZSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", threshold.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: stale_before: %w", err)
	}
	return ids, nil
}

// Remove bulk-cleans a set of connection ids from every index. The GC is
// the sole writer permitted to observe temporary disagreement between
// conn:*, heartbeat_zset, and pod_conns:* (spec.md §4.4); it repairs all
// three here regardless of whether conn:{id} had already TTL-expired.
func (r *RedisRegistry) Remove(ctx context.Context, connIDs []string) ([]model.Connection, error) {
	if len(connIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(connIDs))
	for i, id := range connIDs {
		keys[i] = connKey(id)
	}
	raws, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: remove mget: %w", err)
	}

	var removed []model.Connection
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range connIDs {
			var c model.Connection
			if raws[i] != nil {
				if s, ok := raws[i].(string); ok {
					if jerr := json.Unmarshal([]byte(s), &c); jerr == nil {
						removed = append(removed, c)
						pipe.SRem(ctx, podConnsKey(c.PodID), id)
						pipe.SRem(ctx, userConnsKey(c.UserID), id)
					}
				}
			}
			pipe.Del(ctx, connKey(id))
			pipe.ZRem(ctx, heartbeatZSetKey, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("registry: remove: %w", err)
	}
	return removed, nil
}

// Locate looks up every live connection for userID via the user_conns:{id}
// secondary set maintained alongside Register/Remove, avoiding a full scan
// over pod_conns:* or conn:*.
func (r *RedisRegistry) Locate(ctx context.Context, userID int64) ([]Located, error) {
	ids, err := r.client.SMembers(ctx, userConnsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: locate: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = connKey(id)
	}
	raws, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: locate mget: %w", err)
	}

	var out []Located
	for i, raw := range raws {
		if raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var c model.Connection
		if err := json.Unmarshal([]byte(s), &c); err != nil {
			continue
		}
		out = append(out, Located{ConnectionID: c.ConnectionID, PodID: c.PodID})
	}
	return out, nil
}

func userConnsKey(userID int64) string { return fmt.Sprintf("user_conns:%d", userID) }

// EnqueuePending appends (deduplicated, length-capped) to pending:{user}.
func (r *RedisRegistry) EnqueuePending(ctx context.Context, evt model.PendingEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("registry: marshal pending event: %w", err)
	}

	existing, err := r.client.LRange(ctx, pendingKey(evt.UserID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("registry: read pending buffer: %w", err)
	}
	for i, raw := range existing {
		var e model.PendingEvent
		if json.Unmarshal([]byte(raw), &e) == nil && e.BroadcastID == evt.BroadcastID {
			return r.client.LSet(ctx, pendingKey(evt.UserID), int64(i), data).Err()
		}
	}

	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, pendingKey(evt.UserID), data)
	pipe.LTrim(ctx, pendingKey(evt.UserID), int64(-r.pendingLimit), -1)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("registry: enqueue pending: %w", err)
	}
	return nil
}

// DrainPending returns and removes a user's full pending buffer, FIFO.
func (r *RedisRegistry) DrainPending(ctx context.Context, userID int64) ([]model.PendingEvent, error) {
	key := pendingKey(userID)
	raws, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: drain pending: %w", err)
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("registry: delete pending buffer: %w", err)
	}

	out := make([]model.PendingEvent, 0, len(raws))
	for _, raw := range raws {
		var e model.PendingEvent
		if err := json.Unmarshal([]byte(raw), &e); err == nil {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

// AckPending removes the single pending entry for (user, broadcast).
func (r *RedisRegistry) AckPending(ctx context.Context, userID, broadcastID int64) error {
	key := pendingKey(userID)
	raws, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("registry: ack pending read: %w", err)
	}
	for _, raw := range raws {
		var e model.PendingEvent
		if json.Unmarshal([]byte(raw), &e) == nil && e.BroadcastID == broadcastID {
			if err := r.client.LRem(ctx, key, 1, raw).Err(); err != nil {
				return fmt.Errorf("registry: ack pending remove: %w", err)
			}
			return nil
		}
	}
	return nil
}

// DenyReconnect sets a presence marker with TTL=window.
func (r *RedisRegistry) DenyReconnect(ctx context.Context, userID int64, window time.Duration) error {
	if err := r.client.Set(ctx, denyKey(userID), "1", window).Err(); err != nil {
		return fmt.Errorf("registry: deny reconnect: %w", err)
	}
	return nil
}

// IsReconnectDenied reports whether the deny marker is still present.
func (r *RedisRegistry) IsReconnectDenied(ctx context.Context, userID int64) (bool, error) {
	_, err := r.client.Get(ctx, denyKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("registry: is reconnect denied: %w", err)
	}
	return true, nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
