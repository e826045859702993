package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"donation-api/internal/models"
	"donation-api/pkg/logging"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DonationStore is the gorm-backed donation ledger, user aggregates and leaderboard queries
type DonationStore struct {
	db *gorm.DB
}

// NewDonationStore creates a store on an open connection
func NewDonationStore(db *gorm.DB) *DonationStore {
	return &DonationStore{db: db}
}

// FindByReceiptToken returns the donation recorded for token, or nil
func (s *DonationStore) FindByReceiptToken(ctx context.Context, token string) (*models.Donation, error) {
	var donation models.Donation
	err := s.db.WithContext(ctx).Where("receipt_token = ?", token).First(&donation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &donation, nil
}

// GetUserAggregate returns the aggregate for nickname, or nil
func (s *DonationStore) GetUserAggregate(ctx context.Context, nickname string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("nickname = ?", nickname).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// RecordDonation appends the ledger row and adds delta to the user aggregate in one
// transaction, so the aggregate always equals the sum of the ledger. A second row for the
// same token fails with models.ErrDuplicateReceipt and changes nothing.
func (s *DonationStore) RecordDonation(ctx context.Context, donation *models.Donation, delta models.AggregateDelta) (*models.Donation, *models.User, error) {
	var row *models.Donation
	var user *models.User
	var err error

	// A concurrent first donation may create the user row between our UPDATE and INSERT;
	// the whole transaction is rolled back and the second pass takes the UPDATE path.
	for attempt := 0; attempt < 2; attempt++ {
		row, user, err = s.recordDonation(ctx, donation, delta)
		if err == nil || errors.Is(err, models.ErrDuplicateReceipt) || !isDuplicateKeyError(err) {
			break
		}
		logging.Warnf("User aggregate for %s created concurrently, retrying donation", donation.Nickname)
	}
	if err != nil {
		if errors.Is(err, models.ErrDuplicateReceipt) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("failed to record donation: %w", err)
	}
	return row, user, nil
}

func (s *DonationStore) recordDonation(ctx context.Context, donation *models.Donation, delta models.AggregateDelta) (*models.Donation, *models.User, error) {
	row := *donation
	row.ID = 0
	var user models.User

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			if isDuplicateKeyError(err) {
				return models.ErrDuplicateReceipt
			}
			return fmt.Errorf("failed to insert donation: %w", err)
		}

		updates := map[string]interface{}{
			"total_donated":    gorm.Expr("total_donated + ?", delta.Amount),
			"last_donation_at": delta.DonatedAt,
		}
		if delta.FirstDonation {
			updates["first_donation_at"] = gorm.Expr("COALESCE(first_donation_at, ?)", delta.DonatedAt)
			updates["badge_earned"] = true
		}

		result := tx.Model(&models.User{}).Where("nickname = ?", row.Nickname).Updates(updates)
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 {
			at := delta.DonatedAt
			created := models.User{
				Nickname:        row.Nickname,
				TotalDonated:    delta.Amount,
				FirstDonationAt: &at,
				LastDonationAt:  &at,
				BadgeEarned:     delta.FirstDonation,
			}
			if err := tx.Create(&created).Error; err != nil {
				return err
			}
		}

		return tx.Where("nickname = ?", row.Nickname).First(&user).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return &row, &user, nil
}

// rankedUser is a users row joined with its donation count
type rankedUser struct {
	ID              uint
	Nickname        string
	TotalDonated    int64
	DonationCount   int64
	BadgeEarned     bool
	FirstDonationAt *time.Time
	LastDonationAt  *time.Time
}

const rankedUserColumns = "users.id, users.nickname, users.total_donated, users.badge_earned, " +
	"users.first_donation_at, users.last_donation_at, " +
	"(SELECT COUNT(*) FROM donations WHERE donations.nickname = users.nickname) AS donation_count"

func (s *DonationStore) rankedUsers(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Model(&models.User{}).
		Select(rankedUserColumns).
		Where("users.total_donated > 0").
		Order("users.total_donated DESC, users.id ASC")
}

func toEntries(rows []rankedUser, firstRank int) []models.LeaderboardEntry {
	entries := make([]models.LeaderboardEntry, 0, len(rows))
	for i, r := range rows {
		entries = append(entries, models.LeaderboardEntry{
			Rank:            firstRank + i,
			Nickname:        r.Nickname,
			TotalDonated:    r.TotalDonated,
			DonationCount:   r.DonationCount,
			BadgeEarned:     r.BadgeEarned,
			FirstDonationAt: r.FirstDonationAt,
			LastDonationAt:  r.LastDonationAt,
		})
	}
	return entries
}

// Leaderboard returns ranked users ordered by lifetime total
func (s *DonationStore) Leaderboard(ctx context.Context, limit, offset int) ([]models.LeaderboardEntry, error) {
	var rows []rankedUser
	if err := s.rankedUsers(ctx).Limit(limit).Offset(offset).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load leaderboard: %w", err)
	}
	return toEntries(rows, offset+1), nil
}

// TopRankers returns the first limit users
func (s *DonationStore) TopRankers(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	return s.Leaderboard(ctx, limit, 0)
}

// UserRank returns the leaderboard entry of nickname, models.ErrNotFound when the user has
// not donated
func (s *DonationStore) UserRank(ctx context.Context, nickname string) (*models.LeaderboardEntry, error) {
	var row rankedUser
	err := s.rankedUsers(ctx).Where("users.nickname = ?", nickname).Limit(1).Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load user rank: %w", err)
	}
	if row.Nickname == "" {
		return nil, models.ErrNotFound
	}

	var ahead int64
	err = s.db.WithContext(ctx).Model(&models.User{}).
		Where("total_donated > ? OR (total_donated = ? AND id < ?)", row.TotalDonated, row.TotalDonated, row.ID).
		Count(&ahead).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count users ahead: %w", err)
	}

	entry := toEntries([]rankedUser{row}, int(ahead)+1)[0]
	return &entry, nil
}

// RankingsAround returns up to rangeSize users above and below nickname
func (s *DonationStore) RankingsAround(ctx context.Context, nickname string, rangeSize int) ([]models.LeaderboardEntry, error) {
	me, err := s.UserRank(ctx, nickname)
	if err != nil {
		return nil, err
	}
	offset := me.Rank - 1 - rangeSize
	if offset < 0 {
		offset = 0
	}
	return s.Leaderboard(ctx, me.Rank-offset+rangeSize, offset)
}

// Stats returns global leaderboard totals
func (s *DonationStore) Stats(ctx context.Context) (*models.LeaderboardStats, error) {
	stats := &models.LeaderboardStats{}
	db := s.db.WithContext(ctx)

	if err := db.Model(&models.User{}).Where("total_donated > 0").Count(&stats.TotalUsers).Error; err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}

	var totals struct {
		Count int64
		Total int64
	}
	if err := db.Model(&models.Donation{}).
		Select("COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total").
		Scan(&totals).Error; err != nil {
		return nil, fmt.Errorf("failed to sum donations: %w", err)
	}

	stats.TotalDonationsCount = totals.Count
	stats.TotalAmountDonated = totals.Total
	stats.AverageDonation = models.AverageDonation(totals.Total, totals.Count)
	return stats, nil
}

// RecentDonations returns the latest donations, newest first
func (s *DonationStore) RecentDonations(ctx context.Context, limit int) ([]models.RecentDonation, error) {
	var rows []models.RecentDonation
	err := s.db.WithContext(ctx).Model(&models.Donation{}).
		Select("nickname, amount, platform, created_at").
		Order("created_at DESC, id DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load recent donations: %w", err)
	}
	return rows, nil
}

// UserDonations returns the donations of nickname, newest first
func (s *DonationStore) UserDonations(ctx context.Context, nickname string, limit int) ([]models.Donation, error) {
	var donations []models.Donation
	err := s.db.WithContext(ctx).
		Where("nickname = ?", nickname).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&donations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load user donations: %w", err)
	}
	return donations, nil
}

// IsNicknameAvailable reports whether no user holds nickname, ignoring case
func (s *DonationStore) IsNicknameAvailable(ctx context.Context, nickname string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("LOWER(nickname) = LOWER(?)", nickname).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check nickname: %w", err)
	}
	return count == 0, nil
}

// RecordPendingFinalization stores a purchase whose finalize failed. Repeated failures for the
// same receipt bump the attempt counter.
func (s *DonationStore) RecordPendingFinalization(ctx context.Context, pending *models.PendingFinalization) error {
	if pending.ReceiptToken == "" {
		return fmt.Errorf("purchase has neither token nor transaction id")
	}

	row := *pending
	row.ID = 0
	if row.Attempts < 1 {
		row.Attempts = 1
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "receipt_token"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"attempts":     gorm.Expr("pending_finalizations.attempts + 1"),
			"last_error":   row.LastError,
			"finalized_at": nil,
		}),
	}).Create(&row).Error
}

// ListPendingFinalizations returns unfinalized purchases with fewer than maxAttempts failed
// attempts, oldest first
func (s *DonationStore) ListPendingFinalizations(ctx context.Context, limit, maxAttempts int) ([]models.PendingFinalization, error) {
	var rows []models.PendingFinalization
	err := s.db.WithContext(ctx).
		Where("finalized_at IS NULL AND attempts < ?", maxAttempts).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// MarkFinalized closes a pending finalization
func (s *DonationStore) MarkFinalized(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&models.PendingFinalization{}).
		Where("id = ?", id).
		Update("finalized_at", time.Now()).Error
}

// MarkFinalizeFailed records another failed attempt
func (s *DonationStore) MarkFinalizeFailed(ctx context.Context, id uint, cause error) error {
	return s.db.WithContext(ctx).Model(&models.PendingFinalization{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": cause.Error(),
		}).Error
}

func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed")
}
