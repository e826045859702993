package services

import (
	"context"
	"errors"

	"donation-api/internal/models"
)

var errBillingUnsupported = errors.New("in-app purchases are not supported on this platform")

// UnsupportedBillingClient is used where no store exists; every call fails with init_failed
type UnsupportedBillingClient struct{}

func NewUnsupportedBillingClient() *UnsupportedBillingClient {
	return &UnsupportedBillingClient{}
}

func (UnsupportedBillingClient) InitConnection(ctx context.Context) error {
	return NewPaymentError(CodeInitFailed, errBillingUnsupported)
}

func (UnsupportedBillingClient) GetProducts(ctx context.Context, productIDs []string) ([]models.Product, error) {
	return nil, NewPaymentError(CodeInitFailed, errBillingUnsupported)
}

func (UnsupportedBillingClient) RequestPurchase(ctx context.Context, productID string) (*models.Purchase, error) {
	return nil, NewPaymentError(CodeInitFailed, errBillingUnsupported)
}

func (UnsupportedBillingClient) FinishTransaction(ctx context.Context, purchase *models.Purchase, consumable bool) error {
	return NewPaymentError(CodeInitFailed, errBillingUnsupported)
}

func (UnsupportedBillingClient) EndConnection() error {
	return nil
}
