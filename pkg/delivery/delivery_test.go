package delivery_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/config"
	"github.com/codeready-toolchain/pulse/pkg/delivery"
	"github.com/codeready-toolchain/pulse/pkg/eventbus"
	"github.com/codeready-toolchain/pulse/pkg/model"
	"github.com/codeready-toolchain/pulse/pkg/push"
	"github.com/codeready-toolchain/pulse/pkg/registry"
	"github.com/codeready-toolchain/pulse/pkg/store"
	"github.com/codeready-toolchain/pulse/test/util"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	opts := &natsserver.Options{Port: -1, JetStream: true, StoreDir: t.TempDir()}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go srv.Start()
	require.True(t, srv.ReadyForConnections(5*time.Second))
	t.Cleanup(srv.Shutdown)

	bus, err := eventbus.Connect(config.EventBusConfig{
		URL:           srv.ClientURL(),
		MaxReconnects: 1,
		ReconnectWait: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	return bus
}

func createBroadcast(t *testing.T, s *store.Store, target model.TargetSpec) *model.Broadcast {
	t.Helper()
	return createCategorizedBroadcast(t, s, target, "General")
}

func createCategorizedBroadcast(t *testing.T, s *store.Store, target model.TargetSpec, category string) *model.Broadcast {
	t.Helper()
	b, err := s.CreateBroadcast(context.Background(), store.CreateRequest{
		SenderID:   1,
		SenderName: "admin",
		Content:    "hello",
		Target:     target,
		Priority:   model.PriorityNormal,
		Category:   category,
	})
	require.NoError(t, err)
	return b
}

func TestHandle_CreatedEventOnThisPodEnqueuesAndMarksDelivered(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	st := store.New(pool, 0)
	bus := connectTestBus(t)
	reg := registry.NewMemoryRegistry(50)
	pushMgr := push.NewManager(push.Config{ChannelCapacity: 10, HeartbeatEvery: time.Minute, UrgentTimeout: time.Second})

	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, model.Connection{
		ConnectionID:    "conn-1",
		UserID:          10,
		PodID:           "pod-a",
		ConnectedAt:     time.Now().UTC(),
		LastHeartbeatAt: time.Now().UTC(),
	}))
	pushMgr.Register("conn-1", 10)

	b := createBroadcast(t, st, model.TargetSpec{Kind: model.TargetSelected, IDs: []int64{10}})

	w := delivery.New("pod-a", st, bus, reg, pushMgr, 5, 30*time.Millisecond)
	require.NoError(t, w.Start(ctx))

	require.NoError(t, bus.Publish(ctx, eventbus.WorkerTopic("pod-a"), model.MessageDeliveryEvent{
		EventID:     "evt-1",
		BroadcastID: b.ID,
		UserID:      10,
		EventType:   model.EventCreated,
		PodID:       "pod-a",
		Timestamp:   time.Now().UTC(),
		Message:     b,
	}))

	require.Eventually(t, func() bool {
		rows, err := st.ListDeliveries(ctx, b.ID)
		return err == nil && len(rows) == 1 && rows[0].DeliveryStatus == model.DeliveryDelivered
	}, 5*time.Second, 20*time.Millisecond, "delivery row should be marked DELIVERED after enqueue succeeds")
}

func TestHandle_UserMovedPodsReroutesToCurrentLocation(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	st := store.New(pool, 0)
	bus := connectTestBus(t)
	reg := registry.NewMemoryRegistry(50)

	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, model.Connection{
		ConnectionID:    "conn-2",
		UserID:          10,
		PodID:           "pod-b",
		ConnectedAt:     time.Now().UTC(),
		LastHeartbeatAt: time.Now().UTC(),
	}))

	b := createBroadcast(t, st, model.TargetSpec{Kind: model.TargetSelected, IDs: []int64{10}})

	received := make(chan string, 1)
	require.NoError(t, bus.Subscribe(ctx, eventbus.WorkerTopic("pod-b"), "watch-reroute", 0, func(ctx context.Context, data []byte) error {
		received <- string(data)
		return nil
	}))

	pushMgr := push.NewManager(push.Config{ChannelCapacity: 10, HeartbeatEvery: time.Minute, UrgentTimeout: time.Second})
	w := delivery.New("pod-a", st, bus, reg, pushMgr, 5, 30*time.Millisecond)
	require.NoError(t, w.Start(ctx))

	require.NoError(t, bus.Publish(ctx, eventbus.WorkerTopic("pod-a"), model.MessageDeliveryEvent{
		EventID:     "evt-2",
		BroadcastID: b.ID,
		UserID:      10,
		EventType:   model.EventCreated,
		PodID:       "pod-a",
		Timestamp:   time.Now().UTC(),
		Message:     b,
	}))

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("event was never rerouted to the user's current pod")
	}
}

func TestHandle_UserOfflineEverywhereBuffersAsPending(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	st := store.New(pool, 0)
	bus := connectTestBus(t)
	reg := registry.NewMemoryRegistry(50)
	pushMgr := push.NewManager(push.Config{ChannelCapacity: 10, HeartbeatEvery: time.Minute, UrgentTimeout: time.Second})
	ctx := context.Background()

	b := createBroadcast(t, st, model.TargetSpec{Kind: model.TargetSelected, IDs: []int64{77}})
	w := delivery.New("pod-a", st, bus, reg, pushMgr, 5, 30*time.Millisecond)
	require.NoError(t, w.Start(ctx))

	require.NoError(t, bus.Publish(ctx, eventbus.WorkerTopic("pod-a"), model.MessageDeliveryEvent{
		EventID:     "evt-3",
		BroadcastID: b.ID,
		UserID:      77,
		EventType:   model.EventCreated,
		PodID:       "pod-a",
		Timestamp:   time.Now().UTC(),
		Message:     b,
	}))

	require.Eventually(t, func() bool {
		pending, err := reg.DrainPending(ctx, 77)
		return err == nil && len(pending) == 1
	}, 5*time.Second, 20*time.Millisecond, "a fully-offline recipient should be buffered as pending")
}

func TestHandle_ReadEventDoesNotTouchDeliveryStatus(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	st := store.New(pool, 0)
	bus := connectTestBus(t)
	reg := registry.NewMemoryRegistry(50)
	pushMgr := push.NewManager(push.Config{ChannelCapacity: 10, HeartbeatEvery: time.Minute, UrgentTimeout: time.Second})
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, model.Connection{
		ConnectionID:    "conn-3",
		UserID:          10,
		PodID:           "pod-a",
		ConnectedAt:     time.Now().UTC(),
		LastHeartbeatAt: time.Now().UTC(),
	}))
	pushMgr.Register("conn-3", 10)

	b := createBroadcast(t, st, model.TargetSpec{Kind: model.TargetSelected, IDs: []int64{10}})
	require.NoError(t, st.MarkDelivered(ctx, b.ID, 10))
	require.NoError(t, st.MarkRead(ctx, b.ID, 10))

	w := delivery.New("pod-a", st, bus, reg, pushMgr, 5, 30*time.Millisecond)
	require.NoError(t, w.Start(ctx))

	require.NoError(t, bus.Publish(ctx, eventbus.WorkerTopic("pod-a"), model.MessageDeliveryEvent{
		EventID:     "evt-4",
		BroadcastID: b.ID,
		UserID:      10,
		EventType:   model.EventRead,
		PodID:       "pod-a",
		Timestamp:   time.Now().UTC(),
	}))

	require.Eventually(t, func() bool {
		return pushMgr.Has("conn-3")
	}, 2*time.Second, 10*time.Millisecond)

	rows, err := st.ListDeliveries(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.ReadRead, rows[0].ReadStatus)
	assert.Equal(t, model.DeliveryDelivered, rows[0].DeliveryStatus)
}

func TestHandle_ForceLogoffMessageClosesConnectionAndDeniesReconnect(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	st := store.New(pool, 0)
	bus := connectTestBus(t)
	reg := registry.NewMemoryRegistry(50)
	pushMgr := push.NewManager(push.Config{ChannelCapacity: 10, HeartbeatEvery: time.Minute, UrgentTimeout: time.Second})
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, model.Connection{
		ConnectionID:    "conn-logoff",
		UserID:          10,
		PodID:           "pod-a",
		ConnectedAt:     time.Now().UTC(),
		LastHeartbeatAt: time.Now().UTC(),
	}))
	pushMgr.Register("conn-logoff", 10)

	var buf bytes.Buffer
	serveCtx, serveCancel := context.WithCancel(context.Background())
	defer serveCancel()
	done := make(chan error, 1)
	go func() { done <- pushMgr.Serve(serveCtx, "conn-logoff", &buf, func() {}, nil) }()

	b := createCategorizedBroadcast(t, st, model.TargetSpec{Kind: model.TargetSelected, IDs: []int64{10}}, model.CategoryForceLogoff)

	denyWindow := 50 * time.Millisecond
	w := delivery.New("pod-a", st, bus, reg, pushMgr, 5, denyWindow)
	require.NoError(t, w.Start(ctx))

	require.NoError(t, bus.Publish(ctx, eventbus.WorkerTopic("pod-a"), model.MessageDeliveryEvent{
		EventID:     "evt-logoff",
		BroadcastID: b.ID,
		UserID:      10,
		EventType:   model.EventCreated,
		PodID:       "pod-a",
		Timestamp:   time.Now().UTC(),
		Message:     b,
	}))

	require.Eventually(t, func() bool {
		return !pushMgr.Has("conn-logoff")
	}, 2*time.Second, 10*time.Millisecond, "Force Logoff must close the connection's stream after its MESSAGE frame")
	require.NoError(t, <-done)
	assert.Contains(t, buf.String(), "event:MESSAGE")
	assert.Contains(t, buf.String(), "event:FORCE_LOGOFF")

	denied, err := reg.IsReconnectDenied(ctx, 10)
	require.NoError(t, err)
	assert.True(t, denied, "a Force-Logoffed user must be refused reconnection for the deny window")
}
