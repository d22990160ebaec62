package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestServer runs an embedded NATS server with JetStream enabled, the
// same in-process server the rest of the example pack's NATS-dependent
// repos use for tests instead of a real cluster.
func startTestServer(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats test server did not become ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

func connectTestBus(t *testing.T) *Bus {
	t.Helper()
	url := startTestServer(t)
	bus, err := Connect(config.EventBusConfig{
		URL:           url,
		MaxReconnects: 1,
		ReconnectWait: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	return bus
}

func TestWorkerTopic_AndDLQTopic(t *testing.T) {
	assert.Equal(t, "worker-pod-a", WorkerTopic("pod-a"))
	assert.Equal(t, "dlq-orchestration", DLQTopic("orchestration"))
}

func TestPublishAndSubscribe_HandlerReceivesPayload(t *testing.T) {
	bus := connectTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type payload struct {
		BroadcastID int64 `json:"broadcastId"`
	}

	received := make(chan payload, 1)
	err := bus.Subscribe(ctx, TopicOrchestration, "test-consumer", 2, func(ctx context.Context, data []byte) error {
		var p payload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		received <- p
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, TopicOrchestration, payload{BroadcastID: 42}))

	select {
	case p := <-received:
		assert.Equal(t, int64(42), p.BroadcastID)
	case <-time.After(5 * time.Second):
		t.Fatal("handler never received the published message")
	}
}

func TestSubscribe_HandlerErrorRedeliversUpToMaxThenRoutesToDLQ(t *testing.T) {
	bus := connectTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int
	dlqReceived := make(chan []byte, 1)

	require.NoError(t, bus.Subscribe(ctx, DLQTopic(TopicOrchestration), "dlq-consumer", 0, func(ctx context.Context, data []byte) error {
		dlqReceived <- data
		return nil
	}))

	require.NoError(t, bus.Subscribe(ctx, TopicOrchestration, "failing-consumer", 1, func(ctx context.Context, data []byte) error {
		attempts++
		return fmt.Errorf("always fails")
	}))

	require.NoError(t, bus.Publish(ctx, TopicOrchestration, map[string]int{"n": 1}))

	select {
	case <-dlqReceived:
		assert.GreaterOrEqual(t, attempts, 2, "message should be redelivered before exhausting maxRedeliver")
	case <-time.After(10 * time.Second):
		t.Fatal("message was never routed to DLQ after exhausting redelivery attempts")
	}
}

func TestSubscribe_PoisonErrorSkipsRedeliveryAndGoesStraightToDLQ(t *testing.T) {
	bus := connectTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int
	dlqReceived := make(chan []byte, 1)

	require.NoError(t, bus.Subscribe(ctx, DLQTopic(TopicOrchestration), "dlq-consumer-2", 0, func(ctx context.Context, data []byte) error {
		dlqReceived <- data
		return nil
	}))

	require.NoError(t, bus.Subscribe(ctx, TopicOrchestration, "poison-consumer", 5, func(ctx context.Context, data []byte) error {
		attempts++
		return fmt.Errorf("%w: bad payload", ErrPoison)
	}))

	require.NoError(t, bus.Publish(ctx, TopicOrchestration, map[string]int{"n": 1}))

	select {
	case <-dlqReceived:
		assert.Equal(t, 1, attempts, "a poison message must be dead-lettered on the first delivery, never redelivered")
	case <-time.After(10 * time.Second):
		t.Fatal("poison message was never routed to DLQ")
	}
}

func TestPublishBytes_PassesDataThroughUnmarshaled(t *testing.T) {
	bus := connectTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	raw := []byte(`{"already":"encoded"}`)
	received := make(chan []byte, 1)
	require.NoError(t, bus.Subscribe(ctx, TopicOrchestration, "raw-consumer", 0, func(ctx context.Context, data []byte) error {
		received <- data
		return nil
	}))

	require.NoError(t, bus.PublishBytes(ctx, TopicOrchestration, raw))

	select {
	case data := <-received:
		assert.JSONEq(t, string(raw), string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("handler never received the published bytes")
	}
}
