package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"donation-api/internal/models"
	"donation-api/pkg/logging"

	"github.com/google/uuid"
)

// SimulatedBillingClient fabricates purchases for development without a store listing
type SimulatedBillingClient struct {
	platform string
	delay    time.Duration
	now      func() time.Time

	mu          sync.Mutex
	initialized bool
	finished    []*models.Purchase
}

// NewSimulatedBillingClient creates a simulated client. delay mimics the store purchase sheet.
func NewSimulatedBillingClient(platform string, delay time.Duration) *SimulatedBillingClient {
	return &SimulatedBillingClient{
		platform: platform,
		delay:    delay,
		now:      time.Now,
	}
}

func (c *SimulatedBillingClient) InitConnection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		logging.Infof("Simulated billing connection initialized - platform: %s", c.platform)
		c.initialized = true
	}
	return nil
}

func (c *SimulatedBillingClient) GetProducts(ctx context.Context, productIDs []string) ([]models.Product, error) {
	products := make([]models.Product, 0, len(productIDs))
	for _, id := range productIDs {
		products = append(products, models.Product{
			ProductID:   id,
			Title:       "Donate 1,000 won",
			Description: "Throw away 1,000 won",
			Price:       "₩1,000",
			Currency:    "KRW",
			PriceMicros: 1000 * 1_000_000,
		})
	}
	return products, nil
}

func (c *SimulatedBillingClient) RequestPurchase(ctx context.Context, productID string) (*models.Purchase, error) {
	if c.delay > 0 {
		timer := time.NewTimer(c.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	now := c.now()
	ts := now.UnixMilli()
	token := fmt.Sprintf("mock_token_%d_%s", ts, uuid.NewString())

	purchase := &models.Purchase{
		ProductID:       productID,
		TransactionID:   fmt.Sprintf("mock_txn_%d", ts),
		TransactionDate: now,
		Platform:        c.platform,
	}

	if c.platform == models.PlatformAndroid {
		receipt, err := json.Marshal(map[string]interface{}{
			"orderId":       fmt.Sprintf("mock_order_%d", ts),
			"productId":     productID,
			"purchaseToken": token,
			"purchaseTime":  ts,
		})
		if err != nil {
			return nil, err
		}
		purchase.Receipt = string(receipt)
		purchase.PurchaseToken = token
	} else {
		// iOS receipts are opaque, the token itself keeps them unique
		purchase.Receipt = token
	}

	logging.Infof("Simulated purchase created - product: %s, transaction: %s", productID, purchase.TransactionID)
	return purchase, nil
}

func (c *SimulatedBillingClient) FinishTransaction(ctx context.Context, purchase *models.Purchase, consumable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.finished = append(c.finished, purchase)
	logging.Infof("Simulated transaction finished - transaction: %s, consumable: %t", purchase.TransactionID, consumable)
	return nil
}

func (c *SimulatedBillingClient) EndConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.initialized = false
	return nil
}

// Finished returns the purchases finalized so far
func (c *SimulatedBillingClient) Finished() []*models.Purchase {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*models.Purchase, len(c.finished))
	copy(out, c.finished)
	return out
}
