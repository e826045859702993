package supabase

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"donation-api/internal/models"
)

// Tables, views and functions of the Supabase schema
const (
	tableDonations            = "donations"
	tableUsers                = "users"
	tablePendingFinalizations = "pending_finalizations"
	viewLeaderboard           = "leaderboard"

	rpcRecordDonation            = "record_donation"
	rpcTopRankers                = "get_top_rankers"
	rpcLeaderboardStats          = "get_leaderboard_stats"
	rpcRecentDonations           = "get_recent_donations"
	rpcCheckNicknameAvailable    = "check_nickname_available"
	rpcRecordPendingFinalization = "record_pending_finalization"
	rpcBumpPendingFinalization   = "bump_pending_finalization"
)

// DonationRepository stores donations and user aggregates in Supabase
type DonationRepository struct {
	client *Client
	now    func() time.Time
}

// NewDonationRepository creates a repository on client
func NewDonationRepository(client *Client) *DonationRepository {
	return &DonationRepository{client: client, now: time.Now}
}

// recordedDonation is the result of record_donation: the ledger row and the updated aggregate
type recordedDonation struct {
	Donation models.Donation `json:"donation"`
	User     models.User     `json:"user"`
}

// FindByReceiptToken returns the donation recorded for token, or nil
func (r *DonationRepository) FindByReceiptToken(ctx context.Context, token string) (*models.Donation, error) {
	var rows []models.Donation
	q := NewQuery().Select("*").Eq("receipt_token", token).Limit(1)
	if err := r.client.Select(ctx, tableDonations, q, &rows); err != nil {
		return nil, fmt.Errorf("failed to look up donation: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// GetUserAggregate returns the aggregate for nickname, or nil
func (r *DonationRepository) GetUserAggregate(ctx context.Context, nickname string) (*models.User, error) {
	var rows []models.User
	q := NewQuery().Select("*").Eq("nickname", nickname).Limit(1)
	if err := r.client.Select(ctx, tableUsers, q, &rows); err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// RecordDonation inserts the ledger row and increments the aggregate inside one Postgres
// function, so both commit or neither does. A unique violation on the receipt token becomes
// models.ErrDuplicateReceipt.
func (r *DonationRepository) RecordDonation(ctx context.Context, donation *models.Donation, delta models.AggregateDelta) (*models.Donation, *models.User, error) {
	createdAt := donation.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	donatedAt := delta.DonatedAt
	if donatedAt.IsZero() {
		donatedAt = createdAt
	}

	var out recordedDonation
	err := r.client.RPC(ctx, rpcRecordDonation, map[string]interface{}{
		"p_nickname":       donation.Nickname,
		"p_amount":         donation.Amount,
		"p_receipt_token":  donation.ReceiptToken,
		"p_transaction_id": donation.TransactionID,
		"p_product_id":     donation.ProductID,
		"p_platform":       donation.Platform,
		"p_created_at":     createdAt,
		"p_donated_at":     donatedAt,
		"p_first_donation": delta.FirstDonation,
	}, &out)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, nil, models.ErrDuplicateReceipt
		}
		return nil, nil, fmt.Errorf("failed to record donation: %w", err)
	}
	if out.Donation.ID == 0 {
		return nil, nil, fmt.Errorf("record_donation returned no donation")
	}
	return &out.Donation, &out.User, nil
}

// Leaderboard reads a page of the leaderboard view
func (r *DonationRepository) Leaderboard(ctx context.Context, limit, offset int) ([]models.LeaderboardEntry, error) {
	var rows []models.LeaderboardEntry
	q := NewQuery().Select("*").Order("rank", true).Limit(limit).Offset(offset)
	if err := r.client.Select(ctx, viewLeaderboard, q, &rows); err != nil {
		return nil, fmt.Errorf("failed to load leaderboard: %w", err)
	}
	return rows, nil
}

func (r *DonationRepository) TopRankers(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	var rows []models.LeaderboardEntry
	if err := r.client.RPC(ctx, rpcTopRankers, map[string]interface{}{"p_limit": limit}, &rows); err != nil {
		return nil, fmt.Errorf("failed to load top rankers: %w", err)
	}
	return rows, nil
}

// UserRank returns models.ErrNotFound when nickname is not on the leaderboard
func (r *DonationRepository) UserRank(ctx context.Context, nickname string) (*models.LeaderboardEntry, error) {
	var rows []models.LeaderboardEntry
	q := NewQuery().Select("*").Eq("nickname", nickname).Limit(1)
	if err := r.client.Select(ctx, viewLeaderboard, q, &rows); err != nil {
		return nil, fmt.Errorf("failed to load user rank: %w", err)
	}
	if len(rows) == 0 {
		return nil, models.ErrNotFound
	}
	return &rows[0], nil
}

func (r *DonationRepository) RankingsAround(ctx context.Context, nickname string, rangeSize int) ([]models.LeaderboardEntry, error) {
	me, err := r.UserRank(ctx, nickname)
	if err != nil {
		return nil, err
	}
	start := me.Rank - rangeSize
	if start < 1 {
		start = 1
	}

	var rows []models.LeaderboardEntry
	q := NewQuery().Select("*").Gte("rank", start).Lte("rank", me.Rank+rangeSize).Order("rank", true)
	if err := r.client.Select(ctx, viewLeaderboard, q, &rows); err != nil {
		return nil, fmt.Errorf("failed to load rankings: %w", err)
	}
	return rows, nil
}

func (r *DonationRepository) Stats(ctx context.Context) (*models.LeaderboardStats, error) {
	var rows []models.LeaderboardStats
	if err := r.client.RPC(ctx, rpcLeaderboardStats, nil, &rows); err != nil {
		return nil, fmt.Errorf("failed to load leaderboard stats: %w", err)
	}
	if len(rows) == 0 {
		return &models.LeaderboardStats{}, nil
	}
	return &rows[0], nil
}

func (r *DonationRepository) RecentDonations(ctx context.Context, limit int) ([]models.RecentDonation, error) {
	var rows []models.RecentDonation
	if err := r.client.RPC(ctx, rpcRecentDonations, map[string]interface{}{"p_limit": limit}, &rows); err != nil {
		return nil, fmt.Errorf("failed to load recent donations: %w", err)
	}
	return rows, nil
}

func (r *DonationRepository) UserDonations(ctx context.Context, nickname string, limit int) ([]models.Donation, error) {
	var rows []models.Donation
	q := NewQuery().Select("*").Eq("nickname", nickname).Order("created_at", false).Limit(limit)
	if err := r.client.Select(ctx, tableDonations, q, &rows); err != nil {
		return nil, fmt.Errorf("failed to load user donations: %w", err)
	}
	return rows, nil
}

func (r *DonationRepository) IsNicknameAvailable(ctx context.Context, nickname string) (bool, error) {
	var available bool
	err := r.client.RPC(ctx, rpcCheckNicknameAvailable, map[string]interface{}{"p_nickname": nickname}, &available)
	if err != nil {
		return false, fmt.Errorf("failed to check nickname: %w", err)
	}
	return available, nil
}

// RecordPendingFinalization upserts the purchase and bumps its attempt counter
func (r *DonationRepository) RecordPendingFinalization(ctx context.Context, pending *models.PendingFinalization) error {
	if pending.ReceiptToken == "" {
		return fmt.Errorf("purchase has neither token nor transaction id")
	}
	return r.client.RPC(ctx, rpcRecordPendingFinalization, map[string]interface{}{
		"p_receipt_token":  pending.ReceiptToken,
		"p_product_id":     pending.ProductID,
		"p_transaction_id": pending.TransactionID,
		"p_purchase_token": pending.PurchaseToken,
		"p_receipt":        pending.Receipt,
		"p_platform":       pending.Platform,
		"p_error":          pending.LastError,
	}, nil)
}

// ListPendingFinalizations returns unfinalized rows below maxAttempts, oldest first
func (r *DonationRepository) ListPendingFinalizations(ctx context.Context, limit, maxAttempts int) ([]models.PendingFinalization, error) {
	var rows []models.PendingFinalization
	q := NewQuery().Select("*").IsNull("finalized_at").Lt("attempts", maxAttempts).Order("id", true).Limit(limit)
	if err := r.client.Select(ctx, tablePendingFinalizations, q, &rows); err != nil {
		return nil, fmt.Errorf("failed to list pending finalizations: %w", err)
	}
	return rows, nil
}

func (r *DonationRepository) MarkFinalized(ctx context.Context, id uint) error {
	q := NewQuery().Eq("id", strconv.FormatUint(uint64(id), 10))
	return r.client.Update(ctx, tablePendingFinalizations, q, map[string]interface{}{
		"finalized_at": r.now().UTC(),
	})
}

func (r *DonationRepository) MarkFinalizeFailed(ctx context.Context, id uint, cause error) error {
	return r.client.RPC(ctx, rpcBumpPendingFinalization, map[string]interface{}{
		"p_id":    id,
		"p_error": cause.Error(),
	}, nil)
}
