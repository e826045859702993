package models

import "time"

const (
	PlatformAndroid = "android"
	PlatformIOS     = "ios"

	// Platform tags as stored on donation rows
	StoreGooglePlay = "google_play"
	StoreAppStore   = "app_store"
)

// Purchase is a completed store checkout handed over by a billing client.
// It lives for one flow execution.
type Purchase struct {
	ProductID       string    `json:"product_id"`
	TransactionID   string    `json:"transaction_id"`
	TransactionDate time.Time `json:"transaction_date"`
	Receipt         string    `json:"receipt"`                  // opaque store payload
	PurchaseToken   string    `json:"purchase_token,omitempty"` // Android only
	Platform        string    `json:"platform"`
}

// ReceiptInfo is the validated view of a Purchase. Token is the idempotency key.
type ReceiptInfo struct {
	Token         string    `json:"token"`
	ProductID     string    `json:"product_id"`
	TransactionID string    `json:"transaction_id"`
	PurchaseTime  time.Time `json:"purchase_time"`
	Platform      string    `json:"platform"`
	RawData       string    `json:"-"`
}

// Product is a store listing for the donation item
type Product struct {
	ProductID   string `json:"product_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       string `json:"price"`
	Currency    string `json:"currency"`
	PriceMicros int64  `json:"price_micros"`
}

// StoreTag maps a device platform to the tag persisted with donations
func StoreTag(platform string) string {
	if platform == PlatformIOS {
		return StoreAppStore
	}
	return StoreGooglePlay
}
