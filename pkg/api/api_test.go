package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/config"
	"github.com/codeready-toolchain/pulse/pkg/dlq"
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

func newTestServer(t *testing.T) *Server {
	t.Helper()
	pool := util.SetupTestDatabase(t)
	dbClient := util.NewTestDatabaseClient(t)
	st := store.New(pool, 0)
	bus := connectTestBus(t)
	dlqHandler := dlq.New(pool, st, bus, 3)
	pushMgr := push.NewManager(push.Config{ChannelCapacity: 16, HeartbeatEvery: time.Minute, UrgentTimeout: time.Second})
	reg := registry.NewMemoryRegistry(50)

	cfg := &config.Config{PodName: "pod-a", ClusterID: "cluster-a"}
	return NewServer(cfg, dbClient, st, dlqHandler, pushMgr, reg)
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)
	return rec
}

func TestHealthHandler_ReportsHealthyWhenDBReachable(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestCreateBroadcast_ValidPayloadReturns201(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/broadcasts", map[string]any{
		"senderId":   1,
		"senderName": "admin",
		"content":    "hello world",
		"targetType": "SELECTED",
		"targetIds":  []int64{10},
		"priority":   "NORMAL",
		"category":   "General",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var got model.Broadcast
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.NotZero(t, got.ID)
	assert.Equal(t, model.BroadcastActive, got.Status)
}

func TestCreateBroadcast_InvalidBodyReturns400(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/broadcasts", bytes.NewBufferString("not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBroadcast_EmptyContentReturns400(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/broadcasts", map[string]any{
		"senderId":   1,
		"senderName": "admin",
		"targetType": "SELECTED",
		"targetIds":  []int64{10},
		"category":   "General",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetStatsAndCancel_RoundTrip(t *testing.T) {
	srv := newTestServer(t)
	created := doRequest(t, srv, http.MethodPost, "/broadcasts", map[string]any{
		"senderId": 1, "senderName": "admin", "content": "hi",
		"targetType": "SELECTED", "targetIds": []int64{10},
		"priority": "NORMAL", "category": "General",
	})
	require.Equal(t, http.StatusCreated, created.Code)
	var b model.Broadcast
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &b))

	stats := doRequest(t, srv, http.MethodGet, fmt.Sprintf("/broadcasts/%d/stats", b.ID), nil)
	assert.Equal(t, http.StatusOK, stats.Code)
	assert.Contains(t, stats.Body.String(), "totalTargeted")

	cancel := doRequest(t, srv, http.MethodDelete, fmt.Sprintf("/broadcasts/%d", b.ID), nil)
	assert.Equal(t, http.StatusNoContent, cancel.Code)

	// A second cancel on an already-terminal broadcast must conflict.
	again := doRequest(t, srv, http.MethodDelete, fmt.Sprintf("/broadcasts/%d", b.ID), nil)
	assert.Equal(t, http.StatusConflict, again.Code)
}

func TestGetStats_UnknownBroadcastReturns404(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/broadcasts/999999/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMarkReadAndListMessages(t *testing.T) {
	srv := newTestServer(t)
	created := doRequest(t, srv, http.MethodPost, "/broadcasts", map[string]any{
		"senderId": 1, "senderName": "admin", "content": "hi",
		"targetType": "SELECTED", "targetIds": []int64{42},
		"priority": "NORMAL", "category": "General",
	})
	require.Equal(t, http.StatusCreated, created.Code)
	var b model.Broadcast
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &b))

	listed := doRequest(t, srv, http.MethodGet, "/messages?userId=42", nil)
	assert.Equal(t, http.StatusOK, listed.Code)
	assert.Contains(t, listed.Body.String(), fmt.Sprintf(`"id":%d`, b.ID))

	read := doRequest(t, srv, http.MethodPost, "/messages/read", map[string]any{
		"userId": 42, "broadcastId": b.ID,
	})
	assert.Equal(t, http.StatusNoContent, read.Code)

	listedAfter := doRequest(t, srv, http.MethodGet, "/messages?userId=42", nil)
	assert.Equal(t, http.StatusOK, listedAfter.Code)
	assert.NotContains(t, listedAfter.Body.String(), fmt.Sprintf(`"id":%d`, b.ID), "a read broadcast must drop out of the unread list")
}

func TestSSEDisconnect_UnregistersConnection(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/sse/disconnect?connectionId=conn-x", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSSEDisconnect_MissingConnectionIDReturns400(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/sse/disconnect", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDLTHandlers_ListRedriveAllAndPurgeAll(t *testing.T) {
	srv := newTestServer(t)

	listed := doRequest(t, srv, http.MethodGet, "/dlt/messages", nil)
	assert.Equal(t, http.StatusOK, listed.Code)
	assert.Equal(t, "null", listed.Body.String())

	redriveAll := doRequest(t, srv, http.MethodPost, "/dlt/redrive-all", nil)
	assert.Equal(t, http.StatusOK, redriveAll.Code)
	assert.Contains(t, redriveAll.Body.String(), `"total":0`)

	purgeAll := doRequest(t, srv, http.MethodDelete, "/dlt/purge-all", nil)
	assert.Equal(t, http.StatusOK, purgeAll.Code)
	assert.Contains(t, purgeAll.Body.String(), `"purged":0`)
}

func TestRedriveDLT_UnknownIDReturns404(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/dlt/redrive/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
