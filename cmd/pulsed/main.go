// pulsed is the broadcast platform's single binary: every pod runs the
// full set of components (Event Bus Adapter, Outbox Relay, Fan-out
// Orchestrator, Delivery Worker, Lifecycle Scheduler, DLQ Handler, HTTP
// API), with leader election deciding which pod actually executes the
// singleton tasks at any moment (spec.md §5).
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/config"
	"github.com/codeready-toolchain/pulse/pkg/database"
	"github.com/codeready-toolchain/pulse/pkg/delivery"
	"github.com/codeready-toolchain/pulse/pkg/dlq"
	"github.com/codeready-toolchain/pulse/pkg/eventbus"
	"github.com/codeready-toolchain/pulse/pkg/fanout"
	"github.com/codeready-toolchain/pulse/pkg/leaderlock"
	"github.com/codeready-toolchain/pulse/pkg/outboxrelay"
	"github.com/codeready-toolchain/pulse/pkg/push"
	"github.com/codeready-toolchain/pulse/pkg/registry"
	"github.com/codeready-toolchain/pulse/pkg/scheduler"
	"github.com/codeready-toolchain/pulse/pkg/store"
	"github.com/codeready-toolchain/pulse/pkg/targeting"

	"github.com/codeready-toolchain/pulse/pkg/api"
	"github.com/gin-gonic/gin"
)

func main() {
	cfg := config.Load()
	gin.SetMode(getGinMode(cfg.Mode))

	log.Printf("Starting Pulse")
	log.Printf("Pod: %s  Cluster: %s  HTTP Port: %s", cfg.PodName, cfg.ClusterID, cfg.HTTPPort)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	dbClient, err := database.NewClient(ctx, cfg.Database)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("Error closing database client: %v", err)
		}
	}()
	log.Println("✓ Connected to PostgreSQL database, migrations applied")

	st := store.New(dbClient.Pool, cfg.Scheduler.FireAndForgetTTL)

	bus, err := eventbus.Connect(cfg.EventBus)
	if err != nil {
		log.Fatalf("Failed to connect to event bus: %v", err)
	}
	defer bus.Close()
	log.Println("✓ Connected to NATS JetStream")

	reg, err := registry.New(cfg.Registry)
	if err != nil {
		log.Fatalf("Failed to build connection registry: %v", err)
	}
	log.Printf("✓ Connection registry ready (backend=%s)", cfg.Registry.Backend)

	directory := targeting.NewHTTPDirectoryClient(cfg.Directory)
	targetingSvc := targeting.NewService(directory)

	outboxLock := leaderlock.New(dbClient.Pool, "outbox-relay", cfg.PodName, cfg.Queue.LockAtLeastFor, cfg.Queue.LockAtMostFor)
	relay := outboxrelay.New(st, bus, outboxLock, cfg.Queue)

	fanoutLock := leaderlock.New(dbClient.Pool, "fanout-orchestrator", cfg.PodName, cfg.Queue.LockAtLeastFor, cfg.Queue.LockAtMostFor)
	orchestrator := fanout.New(st, bus, targetingSvc, reg, fanoutLock, cfg.EventBus.MaxRedeliver)

	pushMgr := push.NewManager(push.Config{
		ChannelCapacity: cfg.Push.ChannelCapacity,
		HeartbeatEvery:  cfg.Push.HeartbeatInterval,
		UrgentTimeout:   cfg.Push.UrgentSendTimeout,
	})

	worker := delivery.New(cfg.PodName, st, bus, reg, pushMgr, cfg.EventBus.MaxRedeliver, cfg.Push.ForceLogoffDenyWindow)

	lifecycle := scheduler.New(st, bus, reg, dbClient.Pool, cfg.PodName, cfg.Scheduler)

	dlqHandler := dlq.New(dbClient.Pool, st, bus, cfg.EventBus.MaxRedeliver)

	ctx, cancelAll := context.WithCancel(context.Background())
	defer cancelAll()

	relay.Start(ctx)
	log.Println("✓ Outbox relay started")

	if err := orchestrator.Start(ctx); err != nil {
		log.Fatalf("Failed to start fan-out orchestrator: %v", err)
	}
	log.Println("✓ Fan-out orchestrator started")

	if err := worker.Start(ctx); err != nil {
		log.Fatalf("Failed to start delivery worker: %v", err)
	}
	log.Println("✓ Delivery worker started")

	lifecycle.Start(ctx)
	log.Println("✓ Lifecycle scheduler started")

	if err := dlqHandler.Subscribe(ctx, []string{eventbus.TopicOrchestration, eventbus.WorkerTopic(cfg.PodName)}); err != nil {
		log.Fatalf("Failed to subscribe DLQ handler: %v", err)
	}
	log.Println("✓ DLQ handler subscribed")

	server := api.NewServer(cfg, dbClient, st, dlqHandler, pushMgr, reg)
	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on :%s", cfg.HTTPPort)
		if err := server.Start(":" + cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Println("Shutting down...")
	case err := <-errCh:
		log.Printf("HTTP server error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}

	cancelAll()
	lifecycle.Stop()
	relay.Stop()

	log.Println("✓ Shutdown complete")
}

func getGinMode(mode string) string {
	if mode == "production" {
		return gin.ReleaseMode
	}
	return gin.DebugMode
}
