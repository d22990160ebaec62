// Package api exposes the admin and user HTTP surfaces (spec.md §6) over
// gin, grounded on the teacher's pkg/api/server.go route-registration
// shape (adapted from Echo v5 to gin, since gin is the HTTP framework
// actually present in the teacher's go.mod).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/config"
	"github.com/codeready-toolchain/pulse/pkg/database"
	"github.com/codeready-toolchain/pulse/pkg/dlq"
	"github.com/codeready-toolchain/pulse/pkg/push"
	"github.com/codeready-toolchain/pulse/pkg/registry"
	"github.com/codeready-toolchain/pulse/pkg/store"
	"github.com/codeready-toolchain/pulse/pkg/version"
	"github.com/gin-gonic/gin"
)

// Server is the admin + user HTTP surface.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	cfg        *config.Config
	dbClient   *database.Client
	store      *store.Store
	dlq        *dlq.Handler
	push       *push.Manager
	registry   registry.Registry
}

// NewServer constructs a Server and registers every route.
func NewServer(cfg *config.Config, dbClient *database.Client, st *store.Store, dlqHandler *dlq.Handler, pushMgr *push.Manager, reg registry.Registry) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:   engine,
		cfg:      cfg,
		dbClient: dbClient,
		store:    st,
		dlq:      dlqHandler,
		push:     pushMgr,
		registry: reg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.healthHandler)

	admin := s.engine.Group("/")
	admin.POST("/broadcasts", s.createBroadcastHandler)
	admin.GET("/broadcasts", s.listBroadcastsHandler)
	admin.GET("/broadcasts/:id/stats", s.getStatsHandler)
	admin.GET("/broadcasts/:id/deliveries", s.getDeliveriesHandler)
	admin.DELETE("/broadcasts/:id", s.cancelBroadcastHandler)

	admin.GET("/dlt/messages", s.listDLTHandler)
	admin.POST("/dlt/redrive/:id", s.redriveDLTHandler)
	admin.POST("/dlt/redrive-all", s.redriveAllDLTHandler)
	admin.DELETE("/dlt/purge/:id", s.purgeDLTHandler)
	admin.DELETE("/dlt/purge-all", s.purgeAllDLTHandler)

	user := s.engine.Group("/")
	user.GET("/sse/connect", s.sseConnectHandler)
	user.POST("/sse/disconnect", s.sseDisconnectHandler)
	user.POST("/messages/read", s.markReadHandler)
	user.GET("/messages", s.listMessagesHandler)
}

// Start begins serving on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts the HTTP server down.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(reqCtx, s.dbClient.DB())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": dbHealth})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"version":  version.Full(),
		"database": dbHealth,
		"podName":  s.cfg.PodName,
	})
}
