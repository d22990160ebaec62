// Package targeting implements the Targeting Service (C4): expanding a
// Broadcast's TargetSpec into a concrete user-id set, sourced from an
// external user directory and wrapped in a circuit breaker so directory
// outages degrade to a cached snapshot instead of blocking fan-out.
//
// Grounded on jordigilh-kubernaut's github.com/sony/gobreaker dependency
// for the breaker shape (NewCircuitBreaker + Execute), applied here per
// spec.md §4.10/§7 ("MUST be wrapped in a circuit breaker; on open
// circuit, fall back to a cached snapshot").
package targeting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/model"
	"github.com/sony/gobreaker"
)

// DirectoryClient is the external user-directory dependency. ROLE and
// PRODUCT expansion are mocked in the source this spec was distilled from
// (spec.md §9); this interface leaves both as a pluggable capability so a
// real directory integration can be swapped in without touching the
// Fan-out Orchestrator.
type DirectoryClient interface {
	AllUserIDs(ctx context.Context) ([]int64, error)
	UsersByRole(ctx context.Context, role string) ([]int64, error)
	UsersByProduct(ctx context.Context, product string) ([]int64, error)
}

// Service expands target specs with circuit-breaker protection and a
// last-known-good cache.
type Service struct {
	directory DirectoryClient
	breaker   *gobreaker.CircuitBreaker

	mu     sync.RWMutex
	cache  map[string][]int64
	degraded bool
}

// NewService builds a targeting Service around directory.
func NewService(directory DirectoryClient) *Service {
	settings := gobreaker.Settings{
		Name:        "user-directory",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("targeting: circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	}
	return &Service{
		directory: directory,
		breaker:   gobreaker.NewCircuitBreaker(settings),
		cache:     make(map[string][]int64),
	}
}

// Expand resolves spec into a concrete user-id slice. For ALL/ROLE/PRODUCT
// it calls through the breaker-guarded directory client; for SELECTED it
// returns the literal id list with no external call. On an open circuit it
// serves the last cached snapshot for the same cache key and marks the
// result Degraded.
func (s *Service) Expand(ctx context.Context, spec model.TargetSpec) (ids []int64, degraded bool, err error) {
	if spec.Kind == model.TargetSelected {
		return spec.IDs, false, nil
	}

	key := cacheKey(spec)
	result, breakerErr := s.breaker.Execute(func() (any, error) {
		return s.callDirectory(ctx, spec)
	})
	if breakerErr == nil {
		resolved := result.([]int64)
		s.mu.Lock()
		s.cache[key] = resolved
		s.degraded = false
		s.mu.Unlock()
		return resolved, false, nil
	}

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		slog.Warn("targeting: directory unavailable, serving cached snapshot", "error", breakerErr, "key", key)
		return cached, true, nil
	}
	return nil, true, fmt.Errorf("targeting: directory unavailable and no cached snapshot for %s: %w", key, breakerErr)
}

func (s *Service) callDirectory(ctx context.Context, spec model.TargetSpec) ([]int64, error) {
	switch spec.Kind {
	case model.TargetAll:
		return s.directory.AllUserIDs(ctx)
	case model.TargetRole:
		if len(spec.IDs) == 0 {
			return nil, fmt.Errorf("targeting: ROLE spec missing role identifier")
		}
		return s.directory.UsersByRole(ctx, fmt.Sprintf("%d", spec.IDs[0]))
	case model.TargetProduct:
		if len(spec.IDs) == 0 {
			return nil, fmt.Errorf("targeting: PRODUCT spec missing product identifier")
		}
		return s.directory.UsersByProduct(ctx, fmt.Sprintf("%d", spec.IDs[0]))
	default:
		return nil, fmt.Errorf("targeting: unsupported target kind %q", spec.Kind)
	}
}

func cacheKey(spec model.TargetSpec) string {
	if len(spec.IDs) == 0 {
		return string(spec.Kind)
	}
	return fmt.Sprintf("%s:%d", spec.Kind, spec.IDs[0])
}
