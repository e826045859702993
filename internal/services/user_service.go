package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"donation-api/internal/models"
)

const (
	MinNicknameLength = 2
	MaxNicknameLength = 12
)

var ErrInvalidNickname = fmt.Errorf("nickname must be %d to %d characters", MinNicknameLength, MaxNicknameLength)

// NormalizeNickname trims nickname and checks its length in characters
func NormalizeNickname(nickname string) (string, error) {
	nickname = strings.TrimSpace(nickname)
	n := utf8.RuneCountInString(nickname)
	if n < MinNicknameLength || n > MaxNicknameLength {
		return "", ErrInvalidNickname
	}
	return nickname, nil
}

// UserProfile is a user's aggregate together with its leaderboard position
type UserProfile struct {
	User *models.User             `json:"user"`
	Rank *models.LeaderboardEntry `json:"rank,omitempty"`
}

// UserService handles nickname checks and per-user views
type UserService struct {
	store LeaderboardStore
}

func NewUserService(store LeaderboardStore) *UserService {
	return &UserService{store: store}
}

// CheckNicknameAvailable validates nickname and looks it up
func (s *UserService) CheckNicknameAvailable(ctx context.Context, nickname string) (bool, error) {
	nickname, err := NormalizeNickname(nickname)
	if err != nil {
		return false, err
	}
	return s.store.IsNicknameAvailable(ctx, nickname)
}

// GetProfile returns models.ErrNotFound when no aggregate exists
func (s *UserService) GetProfile(ctx context.Context, nickname string) (*UserProfile, error) {
	user, err := s.store.GetUserAggregate(ctx, nickname)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, models.ErrNotFound
	}

	profile := &UserProfile{User: user}
	rank, err := s.store.UserRank(ctx, nickname)
	switch {
	case err == nil:
		profile.Rank = rank
	case errors.Is(err, models.ErrNotFound):
		// registered but not ranked yet
	default:
		return nil, err
	}
	return profile, nil
}

// Donations returns the user's donation history, newest first
func (s *UserService) Donations(ctx context.Context, nickname string, limit int) ([]models.Donation, error) {
	return s.store.UserDonations(ctx, nickname, clamp(limit, 50, 100))
}
