package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"donation-api/pkg/logging"
)

// ErrFlowInProgress is returned when a donation for the same nickname is still running
var ErrFlowInProgress = errors.New("a donation for this nickname is already in progress")

// FlowGuard allows one in-flight donation flow per nickname
type FlowGuard interface {
	Acquire(ctx context.Context, nickname string) (release func(), err error)
}

func guardKey(nickname string) string {
	return strings.ToLower(strings.TrimSpace(nickname))
}

// MemoryFlowGuard keeps in-flight nicknames in process memory. Entries older than ttl are
// considered abandoned and removed by a cleanup routine.
type MemoryFlowGuard struct {
	inFlight        map[string]time.Time
	mutex           sync.Mutex
	ttl             time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewMemoryFlowGuard creates a guard and starts its cleanup routine
func NewMemoryFlowGuard(ttl time.Duration) *MemoryFlowGuard {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	g := &MemoryFlowGuard{
		inFlight:        make(map[string]time.Time),
		ttl:             ttl,
		cleanupInterval: ttl,
		now:             time.Now,
		stopCleanup:     make(chan struct{}),
	}
	go g.startCleanupRoutine()
	return g
}

func (g *MemoryFlowGuard) Acquire(ctx context.Context, nickname string) (func(), error) {
	key := guardKey(nickname)

	g.mutex.Lock()
	defer g.mutex.Unlock()

	if started, exists := g.inFlight[key]; exists && g.now().Sub(started) < g.ttl {
		return nil, ErrFlowInProgress
	}
	started := g.now()
	g.inFlight[key] = started

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mutex.Lock()
			defer g.mutex.Unlock()
			// a newer holder may have replaced an expired entry
			if g.inFlight[key] == started {
				delete(g.inFlight, key)
			}
		})
	}, nil
}

// InFlight returns the number of held entries
func (g *MemoryFlowGuard) InFlight() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return len(g.inFlight)
}

func (g *MemoryFlowGuard) startCleanupRoutine() {
	ticker := time.NewTicker(g.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.cleanup()
		case <-g.stopCleanup:
			return
		}
	}
}

func (g *MemoryFlowGuard) cleanup() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	now := g.now()
	removed := 0
	for key, started := range g.inFlight {
		if now.Sub(started) >= g.ttl {
			delete(g.inFlight, key)
			removed++
		}
	}
	if removed > 0 {
		logging.Warnf("Flow guard cleanup: removed %d abandoned entries, remaining: %d", removed, len(g.inFlight))
	}
}

// Stop ends the cleanup routine
func (g *MemoryFlowGuard) Stop() {
	g.stopOnce.Do(func() { close(g.stopCleanup) })
}

// RedisFlowGuard holds the per-nickname lock in Redis so it spans instances
type RedisFlowGuard struct {
	redis *RedisService
	ttl   time.Duration
}

func NewRedisFlowGuard(redis *RedisService, ttl time.Duration) *RedisFlowGuard {
	return &RedisFlowGuard{redis: redis, ttl: ttl}
}

func (g *RedisFlowGuard) Acquire(ctx context.Context, nickname string) (func(), error) {
	key := "donation_flow:" + guardKey(nickname)
	token, ok, err := g.redis.AcquireLock(ctx, key, g.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire flow lock: %w", err)
	}
	if !ok {
		return nil, ErrFlowInProgress
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := g.redis.ReleaseLock(rctx, key, token); err != nil {
				logging.Errorf("Failed to release flow lock %s: %v", key, err)
			}
		})
	}, nil
}
