package outboxrelay

import (
	"context"
	"testing"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/config"
	"github.com/codeready-toolchain/pulse/pkg/eventbus"
	"github.com/codeready-toolchain/pulse/pkg/leaderlock"
	"github.com/codeready-toolchain/pulse/pkg/model"
	"github.com/codeready-toolchain/pulse/pkg/store"
	"github.com/codeready-toolchain/pulse/test/util"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		OutboxBatchSize:    100,
		OutboxPollInterval: time.Second,
		LockAtLeastFor:     0,
		LockAtMostFor:      time.Minute,
	}
}

func TestPollInterval_StaysWithinJitterBand(t *testing.T) {
	cfg := testQueueConfig()
	cfg.OutboxPollInterval = time.Second
	r := New(nil, nil, nil, cfg)

	for i := 0; i < 100; i++ {
		d := r.pollInterval()
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestPollInterval_ZeroJitterIsExact(t *testing.T) {
	cfg := testQueueConfig()
	cfg.OutboxPollInterval = 5 * time.Millisecond
	r := New(nil, nil, nil, cfg)

	for i := 0; i < 10; i++ {
		assert.Equal(t, 5*time.Millisecond, r.pollInterval())
	}
}

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

func TestTick_PublishesClaimedOutboxRowsAndDrainsThem(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	st := store.New(pool, 0)
	bus := connectTestBus(t)
	lock := leaderlock.New(pool, "outbox-relay", "pod-a", 0, time.Minute)

	ctx := context.Background()
	bc, err := st.CreateBroadcast(ctx, store.CreateRequest{
		SenderID:   1,
		SenderName: "admin",
		Content:    "v2 is out",
		Category:   "General",
		Priority:   model.PriorityNormal,
		Target:     model.TargetSpec{Kind: model.TargetSelected, IDs: []int64{1}},
	})
	require.NoError(t, err)
	require.NotZero(t, bc.ID)

	received := make(chan []byte, 4)
	require.NoError(t, bus.Subscribe(ctx, eventbus.TopicOrchestration, "relay-test-consumer", 0, func(ctx context.Context, data []byte) error {
		received <- data
		return nil
	}))

	r := New(st, bus, lock, testQueueConfig())
	n, err := r.tick(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1, "should have processed at least the broadcast-created outbox row")

	select {
	case data := <-received:
		assert.NotEmpty(t, data)
	case <-time.After(5 * time.Second):
		t.Fatal("outbox row was never published to the bus")
	}

	// Draining again should find nothing left to process.
	n, err = r.tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTick_NotLeaderProcessesNothing(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	st := store.New(pool, 0)
	bus := connectTestBus(t)
	ctx := context.Background()

	holder := leaderlock.New(pool, "outbox-relay", "pod-holder", time.Second, time.Minute)
	acquired, err := holder.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	other := leaderlock.New(pool, "outbox-relay", "pod-other", time.Second, time.Minute)
	r := New(st, bus, other, testQueueConfig())

	n, err := r.tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a non-leader relay must not process any outbox rows")
}

func TestStartStop_IsIdempotentAndStopsCleanly(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	st := store.New(pool, 0)
	bus := connectTestBus(t)
	lock := leaderlock.New(pool, "outbox-relay", "pod-a", 0, time.Minute)

	cfg := testQueueConfig()
	cfg.OutboxPollInterval = 5 * time.Millisecond
	r := New(st, bus, lock, cfg)

	r.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.NotPanics(t, r.Stop)
}
