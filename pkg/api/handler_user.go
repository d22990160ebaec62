package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/model"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// sseConnectHandler handles GET /sse/connect?userId&connectionId. Upgrades
// to a Server-Sent Event stream, registers the connection in the Registry
// and the Push Stream Manager, drains any pending buffer for the user, then
// blocks serving live frames for the connection's lifetime.
func (s *Server) sseConnectHandler(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}

	ctx := c.Request.Context()
	denied, err := s.registry.IsReconnectDenied(ctx, userID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if denied {
		c.JSON(http.StatusForbidden, gin.H{"error": "reconnect temporarily denied"})
		return
	}

	connectionID := c.Query("connectionId")
	if connectionID == "" {
		connectionID = uuid.NewString()
	}

	now := time.Now().UTC()
	conn := model.Connection{
		ConnectionID:    connectionID,
		UserID:          userID,
		PodID:           s.cfg.PodName,
		ClusterID:       s.cfg.ClusterID,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
	}
	if err := s.registry.Register(ctx, conn); err != nil {
		writeServiceError(c, err)
		return
	}
	s.push.Register(connectionID, userID)
	defer func() {
		_, _ = s.registry.Remove(context.Background(), []string{connectionID})
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	s.drainPending(ctx, userID, connectionID)

	flush := func() { c.Writer.Flush() }
	onHeartbeat := func() {
		if err := s.registry.Heartbeat(context.Background(), s.cfg.PodName, []string{connectionID}); err != nil {
			slog.Warn("failed to refresh connection heartbeat", "connection_id", connectionID, "error", err)
		}
	}
	if err := s.push.Serve(ctx, connectionID, c.Writer, flush, onHeartbeat); err != nil {
		c.Error(err)
	}
}

// drainPending writes the user's pending buffer onto the connection's
// stream, oldest first, before any live events (spec.md §4.7).
func (s *Server) drainPending(ctx context.Context, userID int64, connectionID string) {
	events, err := s.registry.DrainPending(ctx, userID)
	if err != nil {
		return
	}
	for _, pe := range events {
		frame := model.PushFrame{Type: model.PushMessage, Data: pe.Event.Message}
		_ = s.push.Enqueue(connectionID, frame, false)
	}
}

// sseDisconnectHandler handles POST /sse/disconnect?userId&connectionId, a
// beacon-friendly client-initiated disconnect signal.
func (s *Server) sseDisconnectHandler(c *gin.Context) {
	connectionID := c.Query("connectionId")
	if connectionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "connectionId is required"})
		return
	}
	s.push.Unregister(connectionID)
	if _, err := s.registry.Remove(c.Request.Context(), []string{connectionID}); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// markReadHandler handles POST /messages/read body {userId, broadcastId}.
func (s *Server) markReadHandler(c *gin.Context) {
	var req struct {
		UserID      int64 `json:"userId"`
		BroadcastID int64 `json:"broadcastId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := s.store.MarkRead(c.Request.Context(), req.BroadcastID, req.UserID); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listMessagesHandler handles GET /messages?userId.
func (s *Server) listMessagesHandler(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	messages, err := s.store.ListUnreadMessages(c.Request.Context(), userID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}
