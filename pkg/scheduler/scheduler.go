// Package scheduler implements the Lifecycle Scheduler (C8): three
// independent leader-gated periodic tasks — Activator, Expirer, and Stale
// Connection GC — each with its own ticker and its own named distributed
// lock.
//
// Grounded on the teacher's pkg/cleanup/service.go ticker/run-loop shape
// (runAll immediately, then tick on an interval, context-cancellable).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/config"
	"github.com/codeready-toolchain/pulse/pkg/eventbus"
	"github.com/codeready-toolchain/pulse/pkg/leaderlock"
	"github.com/codeready-toolchain/pulse/pkg/model"
	"github.com/codeready-toolchain/pulse/pkg/registry"
	"github.com/codeready-toolchain/pulse/pkg/store"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Scheduler owns the three periodic tasks.
type Scheduler struct {
	store    *store.Store
	bus      *eventbus.Bus
	registry registry.Registry
	cfg      config.SchedulerConfig

	activatorLock *leaderlock.Lock
	expirerLock   *leaderlock.Lock
	staleGCLock   *leaderlock.Lock

	cancel context.CancelFunc
}

// New constructs a Scheduler. podName identifies this pod as a lock
// holder.
func New(st *store.Store, bus *eventbus.Bus, reg registry.Registry, pool *pgxpool.Pool, podName string, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:         st,
		bus:           bus,
		registry:      reg,
		cfg:           cfg,
		activatorLock: leaderlock.New(pool, "activator", podName, cfg.ActivatorInterval, cfg.ActivatorInterval*3),
		expirerLock:   leaderlock.New(pool, "expirer", podName, cfg.ExpirerInterval, cfg.ExpirerInterval*3),
		staleGCLock:   leaderlock.New(pool, "stale-gc", podName, cfg.StaleGCInterval, cfg.StaleGCInterval*3),
	}
}

// Start launches the three periodic loops.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	go s.loop(ctx, "activator", s.cfg.ActivatorInterval, s.runActivator)
	go s.loop(ctx, "expirer", s.cfg.ExpirerInterval, s.runExpirer)
	go s.loop(ctx, "stale_gc", s.cfg.StaleGCInterval, s.runStaleGC)
}

// Stop cancels all three loops.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	log := slog.With("task", name)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				log.Error("lifecycle task failed", "error", err)
			}
		}
	}
}

// runActivator claims due SCHEDULED broadcasts (transitioning them to
// READY and queuing their orchestration event) via store.LockDueScheduled,
// gated by the activator's named lock.
func (s *Scheduler) runActivator(ctx context.Context) error {
	return s.activatorLock.RunIfLeader(ctx, func(ctx context.Context) error {
		due, err := s.store.LockDueScheduled(ctx, time.Now().UTC(), s.cfg.ActivatorBatchSize)
		if err != nil {
			return fmt.Errorf("scheduler: lock due scheduled: %w", err)
		}
		if len(due) > 0 {
			slog.Info("scheduler: activated broadcasts", "count", len(due))
		}
		return nil
	})
}

// runExpirer transitions ACTIVE broadcasts past expires_at to EXPIRED,
// supersedes their non-terminal user rows, and fans an EXPIRED retraction
// out to any currently-connected recipients.
func (s *Scheduler) runExpirer(ctx context.Context) error {
	return s.expirerLock.RunIfLeader(ctx, func(ctx context.Context) error {
		expiring, err := s.store.LockExpiring(ctx, time.Now().UTC(), 100)
		if err != nil {
			return fmt.Errorf("scheduler: lock expiring: %w", err)
		}
		for _, b := range expiring {
			if err := s.store.Expire(ctx, b.ID); err != nil {
				slog.Error("scheduler: expire broadcast failed", "broadcast_id", b.ID, "error", err)
			}
		}
		if len(expiring) > 0 {
			slog.Info("scheduler: expired broadcasts", "count", len(expiring))
		}
		return nil
	})
}

// runStaleGC removes connections whose last heartbeat is older than
// ConnectionStaleAfter, then checks whether any fire-and-forget broadcast
// those users were targeted by now has zero connected recipients anywhere
// and, if so, expires it early (spec.md §4.8's fire-and-forget rule).
func (s *Scheduler) runStaleGC(ctx context.Context) error {
	return s.staleGCLock.RunIfLeader(ctx, func(ctx context.Context) error {
		threshold := time.Now().UTC().Add(-s.cfg.ConnectionStaleAfter)
		staleIDs, err := s.registry.StaleBefore(ctx, threshold)
		if err != nil {
			return fmt.Errorf("scheduler: stale_before: %w", err)
		}
		if len(staleIDs) == 0 {
			return nil
		}

		removed, err := s.registry.Remove(ctx, staleIDs)
		if err != nil {
			return fmt.Errorf("scheduler: remove stale connections: %w", err)
		}
		slog.Info("scheduler: removed stale connections", "count", len(removed))

		checked := make(map[int64]bool)
		for _, conn := range removed {
			if checked[conn.UserID] {
				continue
			}
			checked[conn.UserID] = true
			if err := s.checkFireAndForget(ctx, conn.UserID); err != nil {
				slog.Error("scheduler: fire-and-forget check failed", "user_id", conn.UserID, "error", err)
			}
		}
		return nil
	})
}

// checkFireAndForget expires any fire-and-forget broadcast userID was
// targeted by once no connected recipient remains anywhere in the cluster.
func (s *Scheduler) checkFireAndForget(ctx context.Context, userID int64) error {
	locations, err := s.registry.Locate(ctx, userID)
	if err != nil {
		return err
	}
	if len(locations) > 0 {
		return nil
	}

	broadcasts, err := s.store.ListUnreadMessages(ctx, userID)
	if err != nil {
		return err
	}
	for _, b := range broadcasts {
		if !b.FireAndForget {
			continue
		}
		rows, err := s.store.ListDeliveries(ctx, b.ID)
		if err != nil {
			slog.Error("scheduler: list fire-and-forget recipients failed", "broadcast_id", b.ID, "error", err)
			continue
		}
		stillConnected := false
		for _, r := range rows {
			if locs, err := s.registry.Locate(ctx, r.UserID); err != nil || len(locs) > 0 {
				stillConnected = true
				break
			}
		}
		if stillConnected {
			continue
		}
		if err := s.store.SupersedeForFireAndForget(ctx, b.ID); err != nil {
			slog.Error("scheduler: supersede fire-and-forget broadcast failed", "broadcast_id", b.ID, "error", err)
			continue
		}
		evt := model.OrchestrationEvent{Type: model.OrchestrationExpireNow, BroadcastID: b.ID, Timestamp: time.Now().UTC()}
		if err := s.bus.Publish(ctx, eventbus.TopicOrchestration, evt); err != nil {
			slog.Error("scheduler: publish fire-and-forget expiry failed", "broadcast_id", b.ID, "error", err)
		}
	}
	return nil
}
