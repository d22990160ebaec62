package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/model"
	"github.com/codeready-toolchain/pulse/pkg/store"
	"github.com/gin-gonic/gin"
)

// createBroadcastRequest is the admin-authored POST /broadcasts body
// (spec.md §6).
type createBroadcastRequest struct {
	SenderID      int64            `json:"senderId"`
	SenderName    string           `json:"senderName"`
	Content       string           `json:"content"`
	TargetType    model.TargetKind `json:"targetType"`
	TargetIDs     []int64          `json:"targetIds"`
	Priority      model.Priority   `json:"priority"`
	Category      string           `json:"category"`
	ScheduledAt   *time.Time       `json:"scheduledAt"`
	ExpiresAt     *time.Time       `json:"expiresAt"`
	FireAndForget bool             `json:"fireAndForget"`
}

// createBroadcastHandler handles POST /broadcasts.
func (s *Server) createBroadcastHandler(c *gin.Context) {
	var req createBroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	b, err := s.store.CreateBroadcast(c.Request.Context(), store.CreateRequest{
		SenderID:      req.SenderID,
		SenderName:    req.SenderName,
		Content:       req.Content,
		Target:        model.TargetSpec{Kind: req.TargetType, IDs: req.TargetIDs},
		Priority:      req.Priority,
		Category:      req.Category,
		ScheduledAt:   req.ScheduledAt,
		ExpiresAt:     req.ExpiresAt,
		FireAndForget: req.FireAndForget,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

// listBroadcastsHandler handles GET /broadcasts?filter={all|active|scheduled}.
func (s *Server) listBroadcastsHandler(c *gin.Context) {
	filter := c.DefaultQuery("filter", "all")
	broadcasts, err := s.store.ListBroadcasts(c.Request.Context(), filter)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, broadcasts)
}

// getStatsHandler handles GET /broadcasts/:id/stats.
func (s *Server) getStatsHandler(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		return
	}
	stats, err := s.store.GetStats(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"totalTargeted":  stats.TotalTargeted,
		"totalDelivered": stats.TotalDelivered,
		"totalRead":      stats.TotalRead,
		"deliveryRate":   stats.DeliveryRate(),
		"readRate":       stats.ReadRate(),
	})
}

// getDeliveriesHandler handles GET /broadcasts/:id/deliveries.
func (s *Server) getDeliveriesHandler(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		return
	}
	rows, err := s.store.ListDeliveries(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

// cancelBroadcastHandler handles DELETE /broadcasts/:id.
func (s *Server) cancelBroadcastHandler(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		return
	}
	if err := s.store.Cancel(c.Request.Context(), id); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func parseID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, err
	}
	return id, nil
}
