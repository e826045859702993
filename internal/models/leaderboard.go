package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LeaderboardEntry is one ranked user
type LeaderboardEntry struct {
	Rank            int        `json:"rank"`
	Nickname        string     `json:"nickname"`
	TotalDonated    int64      `json:"total_donated"`
	DonationCount   int64      `json:"donation_count"`
	BadgeEarned     bool       `json:"badge_earned"`
	FirstDonationAt *time.Time `json:"first_donation_at,omitempty"`
	LastDonationAt  *time.Time `json:"last_donation_at,omitempty"`
}

// LeaderboardStats are the global totals shown above the leaderboard
type LeaderboardStats struct {
	TotalUsers          int64           `json:"total_users"`
	TotalDonationsCount int64           `json:"total_donations_count"`
	TotalAmountDonated  int64           `json:"total_amount_donated"`
	AverageDonation     decimal.Decimal `json:"average_donation"`
}

// RecentDonation is a donation row as shown in the live feed
type RecentDonation struct {
	Nickname  string    `json:"nickname"`
	Amount    int64     `json:"amount"`
	Platform  string    `json:"platform"`
	CreatedAt time.Time `json:"created_at"`
}

// AverageDonation divides total by count, rounded to two places
func AverageDonation(total, count int64) decimal.Decimal {
	if count == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(total).DivRound(decimal.NewFromInt(count), 2)
}
