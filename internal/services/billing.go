package services

import (
	"context"
	"fmt"

	"donation-api/internal/config"
	"donation-api/internal/models"
)

// BillingClient is the store billing surface the donation flow drives.
// Implementations must make InitConnection idempotent.
type BillingClient interface {
	InitConnection(ctx context.Context) error
	GetProducts(ctx context.Context, productIDs []string) ([]models.Product, error)
	// RequestPurchase blocks until the purchase completes or fails
	RequestPurchase(ctx context.Context, productID string) (*models.Purchase, error)
	FinishTransaction(ctx context.Context, purchase *models.Purchase, consumable bool) error
	EndConnection() error
}

// PurchaseSubmitter is implemented by billing clients whose purchases are completed on the
// device and handed to the server afterwards.
type PurchaseSubmitter interface {
	WithSubmittedPurchase(purchase *models.Purchase) BillingClient
}

// NewBillingClient selects the billing variant for the configured mode
func NewBillingClient(ctx context.Context, cfg *config.Config) (BillingClient, error) {
	switch cfg.BillingMode {
	case config.BillingModeSimulated:
		return NewSimulatedBillingClient(cfg.SimulatedPlatform, cfg.SimulatedDelay()), nil
	case config.BillingModeStore:
		client, err := NewStoreBillingClient(ctx, StoreBillingConfig{
			PackageName:        cfg.GooglePlayPackageName,
			ServiceAccountJSON: []byte(cfg.GoogleServiceAccountJSON),
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.BillingModeUnsupported:
		return NewUnsupportedBillingClient(), nil
	}
	return nil, fmt.Errorf("unknown billing mode %q", cfg.BillingMode)
}
