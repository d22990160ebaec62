// Package push implements the Push Stream Manager (C7): one bounded event
// queue and writer task per live connection, serializing frames as
// Server-Sent Events.
//
// Grounded on the teacher's pkg/events/manager.go ConnectionManager
// (connections map + per-connection struct + registration/broadcast
// shape), adapted from WebSocket framing to SSE framing via
// github.com/gin-contrib/sse (the encoder gin itself uses for its own
// Context.SSEvent, already a transitive dependency through gin-gonic/gin).
package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/model"
	"github.com/gin-contrib/sse"
)

// ErrConnectionLimitReached is returned when a user has reached the
// configured maximum live connections; the caller should emit
// CONNECTION_LIMIT_REACHED and refuse the new stream.
var ErrConnectionLimitReached = errors.New("push: connection limit reached")

// stream is one connection's bounded outbound queue and writer state.
type stream struct {
	connectionID string
	userID       int64
	frames       chan model.PushFrame
	closeOnce    sync.Once
	done         chan struct{}
}

// Manager owns every live connection's outbound stream for this pod.
// Delivery Worker (C6) hands events to Enqueue; the HTTP handler in pkg/api
// calls Serve to drain a stream onto the response writer for the lifetime
// of the SSE connection.
type Manager struct {
	mu      sync.RWMutex
	streams map[string]*stream

	channelCapacity int
	heartbeatEvery  time.Duration
	urgentTimeout   time.Duration
}

// Config bundles the Push Stream Manager's tunables (spec.md §4.7).
type Config struct {
	ChannelCapacity int
	HeartbeatEvery  time.Duration
	UrgentTimeout   time.Duration
}

// NewManager constructs a push Manager.
func NewManager(cfg Config) *Manager {
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = 256
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 30 * time.Second
	}
	if cfg.UrgentTimeout <= 0 {
		cfg.UrgentTimeout = time.Second
	}
	return &Manager{
		streams:         make(map[string]*stream),
		channelCapacity: cfg.ChannelCapacity,
		heartbeatEvery:  cfg.HeartbeatEvery,
		urgentTimeout:   cfg.UrgentTimeout,
	}
}

// Register creates a new bounded stream for connectionID and immediately
// enqueues a CONNECTED frame.
func (m *Manager) Register(connectionID string, userID int64) {
	m.mu.Lock()
	s := &stream{
		connectionID: connectionID,
		userID:       userID,
		frames:       make(chan model.PushFrame, m.channelCapacity),
		done:         make(chan struct{}),
	}
	m.streams[connectionID] = s
	m.mu.Unlock()

	s.frames <- model.PushFrame{Type: model.PushConnected, Data: map[string]string{"connectionId": connectionID}}
}

// Unregister closes and forgets a connection's stream.
func (m *Manager) Unregister(connectionID string) {
	m.mu.Lock()
	s, ok := m.streams[connectionID]
	delete(m.streams, connectionID)
	m.mu.Unlock()
	if ok {
		s.closeOnce.Do(func() { close(s.done) })
	}
}

// Has reports whether connectionID currently has a registered stream.
func (m *Manager) Has(connectionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.streams[connectionID]
	return ok
}

// Enqueue hands frame to connectionID's outbound queue, applying the
// backpressure rules spec.md §4.7 requires: for a non-urgent frame, a full
// channel drops the oldest queued frame, whatever its kind, to make room (an
// urgent or terminal frame already queued is not spared); for URGENT frames (including the
// terminal CONNECTION_LIMIT_REACHED and FORCE_LOGOFF frames) the manager
// instead blocks briefly and, if the queue is still full, forces the
// connection closed.
func (m *Manager) Enqueue(connectionID string, frame model.PushFrame, urgent bool) error {
	m.mu.RLock()
	s, ok := m.streams[connectionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("push: no stream for connection %s", connectionID)
	}

	select {
	case s.frames <- frame:
		return nil
	default:
	}

	if !urgent {
		m.dropOldest(s)
		select {
		case s.frames <- frame:
		default:
			slog.Warn("push: channel still full after dropping oldest", "connection_id", connectionID)
		}
		return nil
	}

	select {
	case s.frames <- frame:
		return nil
	case <-time.After(m.urgentTimeout):
		slog.Warn("push: urgent frame timed out, forcing connection closed", "connection_id", connectionID)
		m.Unregister(connectionID)
		return fmt.Errorf("push: urgent frame undeliverable, connection %s closed", connectionID)
	}
}

func (m *Manager) dropOldest(s *stream) {
	select {
	case <-s.frames:
		slog.Warn("push: dropped oldest frame under backpressure", "connection_id", s.connectionID)
	default:
	}
}

// Serve drains connectionID's stream onto w as Server-Sent Events until the
// stream is closed, the client disconnects (ctx.Done), or a terminal frame
// (CONNECTION_LIMIT_REACHED, FORCE_LOGOFF) is written — both of those
// unregister the connection immediately after the frame reaches the client,
// forcing the stream closed. A heartbeat tick writes a HEARTBEAT frame and
// does not end Serve. Blocks for the
// connection's lifetime; call from the HTTP handler goroutine that owns w.
// onHeartbeat, if non-nil, runs on every tick alongside the wire heartbeat
// frame — the caller uses it to refresh the connection's liveness in the
// Connection Registry, since Serve owns the only clock that knows the
// stream is still alive.
func (m *Manager) Serve(ctx context.Context, connectionID string, w io.Writer, flush func(), onHeartbeat func()) error {
	m.mu.RLock()
	s, ok := m.streams[connectionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("push: no stream for connection %s", connectionID)
	}

	ticker := time.NewTicker(m.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-ticker.C:
			if onHeartbeat != nil {
				onHeartbeat()
			}
			if err := writeFrame(w, model.PushFrame{Type: model.PushHeartbeat, Data: time.Now().UTC()}); err != nil {
				return err
			}
			flush()
		case frame, ok := <-s.frames:
			if !ok {
				return nil
			}
			if err := writeFrame(w, frame); err != nil {
				return err
			}
			flush()
			if frame.Type == model.PushConnectionLimitReach || frame.Type == model.PushForceLogoff {
				m.Unregister(connectionID)
				return nil
			}
		}
	}
}

func writeFrame(w io.Writer, frame model.PushFrame) error {
	event := sse.Event{Event: string(frame.Type), Data: frame.Data}
	return sse.Encode(w, event)
}
