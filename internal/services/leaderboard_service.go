package services

import (
	"context"
	"fmt"
	"time"

	"donation-api/internal/models"
	"donation-api/pkg/logging"
)

const leaderboardCachePrefix = "leaderboard:"

// LeaderboardStore is the read side of the donation store
type LeaderboardStore interface {
	GetUserAggregate(ctx context.Context, nickname string) (*models.User, error)
	Leaderboard(ctx context.Context, limit, offset int) ([]models.LeaderboardEntry, error)
	TopRankers(ctx context.Context, limit int) ([]models.LeaderboardEntry, error)
	UserRank(ctx context.Context, nickname string) (*models.LeaderboardEntry, error)
	RankingsAround(ctx context.Context, nickname string, rangeSize int) ([]models.LeaderboardEntry, error)
	Stats(ctx context.Context) (*models.LeaderboardStats, error)
	RecentDonations(ctx context.Context, limit int) ([]models.RecentDonation, error)
	UserDonations(ctx context.Context, nickname string, limit int) ([]models.Donation, error)
	IsNicknameAvailable(ctx context.Context, nickname string) (bool, error)
}

// LeaderboardService serves the leaderboard, optionally through a Redis cache
type LeaderboardService struct {
	store LeaderboardStore
	cache *RedisService
	ttl   time.Duration
}

// NewLeaderboardService creates the service. cache may be nil.
func NewLeaderboardService(store LeaderboardStore, cache *RedisService, ttl time.Duration) *LeaderboardService {
	return &LeaderboardService{store: store, cache: cache, ttl: ttl}
}

func clamp(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// cached loads key from Redis or calls load and stores the result. Cache errors only log.
func cached[T any](ctx context.Context, s *LeaderboardService, key string, load func() (T, error)) (T, error) {
	if s.cache != nil && s.ttl > 0 {
		var hit T
		ok, err := s.cache.GetJSON(ctx, key, &hit)
		if err != nil {
			logging.Warnf("Leaderboard cache read failed for %s: %v", key, err)
		} else if ok {
			return hit, nil
		}
	}

	value, err := load()
	if err != nil {
		return value, err
	}

	if s.cache != nil && s.ttl > 0 {
		if err := s.cache.SetJSON(ctx, key, value, s.ttl); err != nil {
			logging.Warnf("Leaderboard cache write failed for %s: %v", key, err)
		}
	}
	return value, nil
}

func (s *LeaderboardService) TopRankers(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	limit = clamp(limit, 10, 100)
	return cached(ctx, s, fmt.Sprintf("%stop:%d", leaderboardCachePrefix, limit), func() ([]models.LeaderboardEntry, error) {
		return s.store.TopRankers(ctx, limit)
	})
}

func (s *LeaderboardService) Leaderboard(ctx context.Context, limit, offset int) ([]models.LeaderboardEntry, error) {
	limit = clamp(limit, 100, 100)
	if offset < 0 {
		offset = 0
	}
	return cached(ctx, s, fmt.Sprintf("%spage:%d:%d", leaderboardCachePrefix, limit, offset), func() ([]models.LeaderboardEntry, error) {
		return s.store.Leaderboard(ctx, limit, offset)
	})
}

func (s *LeaderboardService) Stats(ctx context.Context) (*models.LeaderboardStats, error) {
	return cached(ctx, s, leaderboardCachePrefix+"stats", func() (*models.LeaderboardStats, error) {
		return s.store.Stats(ctx)
	})
}

func (s *LeaderboardService) RecentDonations(ctx context.Context, limit int) ([]models.RecentDonation, error) {
	limit = clamp(limit, 10, 50)
	return cached(ctx, s, fmt.Sprintf("%srecent:%d", leaderboardCachePrefix, limit), func() ([]models.RecentDonation, error) {
		return s.store.RecentDonations(ctx, limit)
	})
}

// UserRank is not cached; it backs the post-donation screen and must be fresh
func (s *LeaderboardService) UserRank(ctx context.Context, nickname string) (*models.LeaderboardEntry, error) {
	return s.store.UserRank(ctx, nickname)
}

func (s *LeaderboardService) RankingsAround(ctx context.Context, nickname string, rangeSize int) ([]models.LeaderboardEntry, error) {
	return s.store.RankingsAround(ctx, nickname, clamp(rangeSize, 5, 50))
}

// Invalidate drops every cached leaderboard view
func (s *LeaderboardService) Invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeletePrefix(ctx, leaderboardCachePrefix); err != nil {
		logging.Warnf("Failed to invalidate leaderboard cache: %v", err)
	}
}

// OnDonation is a SuccessHook that invalidates the cache
func (s *LeaderboardService) OnDonation(ctx context.Context, _ *DonationResult) {
	s.Invalidate(ctx)
}
