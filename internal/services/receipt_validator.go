package services

import (
	"encoding/json"
	"fmt"
	"strings"

	"donation-api/internal/models"
)

// ReceiptValidation is the outcome of ValidateReceipt. Receipt is set only when IsValid.
type ReceiptValidation struct {
	IsValid bool
	Receipt *models.ReceiptInfo
	Error   string
}

// androidReceipt is the subset of the Play purchase JSON we read
type androidReceipt struct {
	PurchaseToken string `json:"purchaseToken"`
	OrderID       string `json:"orderId"`
	ProductID     string `json:"productId"`
}

// ValidateReceipt checks that a purchase carries what the flow needs and derives its
// deduplication token. It does no I/O and does not verify store signatures.
func ValidateReceipt(p *models.Purchase) ReceiptValidation {
	if p == nil {
		return invalidReceipt("purchase is missing")
	}
	if strings.TrimSpace(p.Receipt) == "" {
		return invalidReceipt("receipt payload is empty")
	}

	var token string
	switch p.Platform {
	case models.PlatformAndroid:
		token = extractAndroidToken(p)
	case models.PlatformIOS:
		if p.TransactionID == "" {
			return invalidReceipt("transaction id is missing")
		}
		token = p.Receipt
	default:
		return invalidReceipt(fmt.Sprintf("unsupported platform %q", p.Platform))
	}

	return ReceiptValidation{
		IsValid: true,
		Receipt: &models.ReceiptInfo{
			Token:         token,
			ProductID:     p.ProductID,
			TransactionID: p.TransactionID,
			PurchaseTime:  p.TransactionDate,
			Platform:      p.Platform,
			RawData:       p.Receipt,
		},
	}
}

// extractAndroidToken prefers purchaseToken from the receipt JSON, then the purchase's own
// token field. A payload with neither is treated as opaque and used verbatim.
func extractAndroidToken(p *models.Purchase) string {
	var parsed androidReceipt
	if err := json.Unmarshal([]byte(p.Receipt), &parsed); err == nil && parsed.PurchaseToken != "" {
		return parsed.PurchaseToken
	}
	if p.PurchaseToken != "" {
		return p.PurchaseToken
	}
	return p.Receipt
}

// ValidateProductID rejects receipts issued for a product other than expected
func ValidateProductID(info *models.ReceiptInfo, expected string) error {
	if expected == "" || info.ProductID == "" {
		return nil
	}
	if info.ProductID != expected {
		return fmt.Errorf("receipt is for product %q, expected %q", info.ProductID, expected)
	}
	return nil
}

func invalidReceipt(msg string) ReceiptValidation {
	return ReceiptValidation{IsValid: false, Error: msg}
}
