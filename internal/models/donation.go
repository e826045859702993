package models

import (
	"errors"
	"time"
)

var (
	// ErrDuplicateReceipt is returned by stores when a donation with the same receipt token exists
	ErrDuplicateReceipt = errors.New("donation with this receipt token already exists")
	ErrNotFound         = errors.New("not found")
)

// Donation is one ledger row. Rows are only ever inserted.
type Donation struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	Nickname      string    `json:"nickname" gorm:"not null;size:32;index"`
	Amount        int64     `json:"amount" gorm:"not null"`
	ReceiptToken  string    `json:"receipt_token" gorm:"not null;size:512;uniqueIndex"`
	TransactionID string    `json:"transaction_id" gorm:"size:128"`
	ProductID     string    `json:"product_id" gorm:"size:128"`
	Platform      string    `json:"platform" gorm:"size:20;index"` // google_play or app_store
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime;index"`
}

func (Donation) TableName() string {
	return "donations"
}

// User is the per-nickname aggregate derived from the donation ledger
type User struct {
	BaseModel
	Nickname        string     `json:"nickname" gorm:"not null;size:32;uniqueIndex"`
	TotalDonated    int64      `json:"total_donated" gorm:"not null;default:0;index"`
	FirstDonationAt *time.Time `json:"first_donation_at"`
	LastDonationAt  *time.Time `json:"last_donation_at"`
	BadgeEarned     bool       `json:"badge_earned" gorm:"not null;default:false"`
}

func (User) TableName() string {
	return "users"
}

// AggregateDelta describes one donation's effect on a user aggregate
type AggregateDelta struct {
	Amount        int64
	DonatedAt     time.Time
	FirstDonation bool
}

// PendingFinalization records a purchase whose store finalize call failed
type PendingFinalization struct {
	BaseModel
	ReceiptToken  string     `json:"receipt_token" gorm:"not null;size:512;uniqueIndex"`
	ProductID     string     `json:"product_id" gorm:"size:128"`
	TransactionID string     `json:"transaction_id" gorm:"size:128"`
	PurchaseToken string     `json:"purchase_token" gorm:"size:512"`
	Receipt       string     `json:"receipt" gorm:"type:text"`
	Platform      string     `json:"platform" gorm:"size:20"`
	Attempts      int        `json:"attempts" gorm:"not null;default:0"`
	LastError     string     `json:"last_error" gorm:"type:text"`
	FinalizedAt   *time.Time `json:"finalized_at" gorm:"index"`
}

func (PendingFinalization) TableName() string {
	return "pending_finalizations"
}

// NewPendingFinalization keys the purchase by its receipt token, the same key the donation
// ledger uses, falling back to the transaction id. An Android purchase submitted without a
// purchase token keeps the token resolved from its receipt so it can be consumed later.
func NewPendingFinalization(purchase *Purchase, receiptToken string, cause error) *PendingFinalization {
	key := receiptToken
	if key == "" {
		key = purchase.TransactionID
	}
	playToken := purchase.PurchaseToken
	if playToken == "" && purchase.Platform == PlatformAndroid {
		playToken = receiptToken
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &PendingFinalization{
		ReceiptToken:  key,
		ProductID:     purchase.ProductID,
		TransactionID: purchase.TransactionID,
		PurchaseToken: playToken,
		Receipt:       purchase.Receipt,
		Platform:      purchase.Platform,
		Attempts:      1,
		LastError:     msg,
	}
}

// Purchase rebuilds the store purchase so it can be finalized again
func (p *PendingFinalization) Purchase() *Purchase {
	return &Purchase{
		ProductID:     p.ProductID,
		TransactionID: p.TransactionID,
		Receipt:       p.Receipt,
		PurchaseToken: p.PurchaseToken,
		Platform:      p.Platform,
	}
}
