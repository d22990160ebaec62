package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// listDLTHandler handles GET /dlt/messages.
func (s *Server) listDLTHandler(c *gin.Context) {
	entries, err := s.dlq.List(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// redriveDLTHandler handles POST /dlt/redrive/:id.
func (s *Server) redriveDLTHandler(c *gin.Context) {
	id := c.Param("id")
	if err := s.dlq.Redrive(c.Request.Context(), id); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// redriveAllDLTHandler handles POST /dlt/redrive-all.
func (s *Server) redriveAllDLTHandler(c *gin.Context) {
	result, err := s.dlq.RedriveAll(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// purgeDLTHandler handles DELETE /dlt/purge/:id.
func (s *Server) purgeDLTHandler(c *gin.Context) {
	id := c.Param("id")
	if err := s.dlq.Purge(c.Request.Context(), id); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// purgeAllDLTHandler handles DELETE /dlt/purge-all.
func (s *Server) purgeAllDLTHandler(c *gin.Context) {
	count, err := s.dlq.PurgeAll(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": count})
}
