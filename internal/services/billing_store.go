package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"donation-api/internal/models"
	"donation-api/pkg/logging"

	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Play purchase states as reported by purchases.products.get
const (
	playPurchaseStatePurchased = 0
	playPurchaseStateCancelled = 1
	playPurchaseStatePending   = 2
)

var errNoSubmittedPurchase = errors.New("no purchase was submitted by the device")

// StoreBillingConfig configures the real store client
type StoreBillingConfig struct {
	PackageName        string
	ServiceAccountJSON []byte
}

// playPublisher is the part of the Play Developer API the store client uses
type playPublisher interface {
	GetProduct(ctx context.Context, packageName, sku string) (*androidpublisher.InAppProduct, error)
	GetPurchase(ctx context.Context, packageName, productID, token string) (*androidpublisher.ProductPurchase, error)
	Consume(ctx context.Context, packageName, productID, token string) error
	Acknowledge(ctx context.Context, packageName, productID, token string) error
}

// StoreBillingClient finalizes purchases that were completed on the device. Android purchases
// are checked and consumed through the Google Play Developer API; iOS consumables are finished
// by StoreKit on the device, so finalize only logs.
type StoreBillingClient struct {
	cfg        StoreBillingConfig
	newService func(ctx context.Context) (playPublisher, error)

	mu        sync.Mutex
	publisher playPublisher
}

// NewStoreBillingClient creates the client. The Play service is created on InitConnection.
func NewStoreBillingClient(ctx context.Context, cfg StoreBillingConfig) (*StoreBillingClient, error) {
	if cfg.PackageName == "" {
		return nil, fmt.Errorf("GOOGLE_PLAY_PACKAGE_NAME is required for store billing")
	}
	c := &StoreBillingClient{cfg: cfg}
	c.newService = c.defaultService
	return c, nil
}

func (c *StoreBillingClient) defaultService(ctx context.Context) (playPublisher, error) {
	opts := []option.ClientOption{option.WithScopes(androidpublisher.AndroidpublisherScope)}
	if len(c.cfg.ServiceAccountJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(c.cfg.ServiceAccountJSON))
	}
	svc, err := androidpublisher.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &androidPublisher{svc: svc}, nil
}

func (c *StoreBillingClient) InitConnection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.publisher != nil {
		return nil
	}
	pub, err := c.newService(ctx)
	if err != nil {
		return NewPaymentError(CodeInitFailed, fmt.Errorf("failed to create Play Developer API client: %w", err))
	}
	c.publisher = pub
	logging.Infof("Store billing connection initialized - package: %s", c.cfg.PackageName)
	return nil
}

func (c *StoreBillingClient) getPublisher(ctx context.Context) (playPublisher, error) {
	if err := c.InitConnection(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publisher, nil
}

func (c *StoreBillingClient) GetProducts(ctx context.Context, productIDs []string) ([]models.Product, error) {
	pub, err := c.getPublisher(ctx)
	if err != nil {
		return nil, err
	}

	products := make([]models.Product, 0, len(productIDs))
	for _, id := range productIDs {
		p, err := pub.GetProduct(ctx, c.cfg.PackageName, id)
		if err != nil {
			if isGoogleAPIStatus(err, http.StatusNotFound) {
				continue
			}
			return nil, mapPlayError(err)
		}
		products = append(products, productFromPlay(p))
	}
	return products, nil
}

// RequestPurchase cannot open a purchase sheet from the server
func (c *StoreBillingClient) RequestPurchase(ctx context.Context, productID string) (*models.Purchase, error) {
	return nil, NewPaymentError(CodePurchaseFailed, errNoSubmittedPurchase)
}

func (c *StoreBillingClient) FinishTransaction(ctx context.Context, purchase *models.Purchase, consumable bool) error {
	if purchase.Platform != models.PlatformAndroid {
		logging.Infof("Store finalize skipped for %s purchase - transaction: %s", purchase.Platform, purchase.TransactionID)
		return nil
	}

	pub, err := c.getPublisher(ctx)
	if err != nil {
		return err
	}

	token := playToken(purchase)
	if consumable {
		err = pub.Consume(ctx, c.cfg.PackageName, purchase.ProductID, token)
	} else {
		err = pub.Acknowledge(ctx, c.cfg.PackageName, purchase.ProductID, token)
	}
	if err != nil {
		return mapPlayError(err)
	}

	logging.Infof("Play purchase finalized - product: %s, order: %s, consumable: %t",
		purchase.ProductID, purchase.TransactionID, consumable)
	return nil
}

func (c *StoreBillingClient) EndConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.publisher = nil
	return nil
}

// WithSubmittedPurchase binds a device-completed purchase to one flow execution
func (c *StoreBillingClient) WithSubmittedPurchase(purchase *models.Purchase) BillingClient {
	return &submittedPurchaseClient{StoreBillingClient: c, purchase: purchase}
}

// submittedPurchaseClient returns the device purchase from RequestPurchase after checking its
// state with the store
type submittedPurchaseClient struct {
	*StoreBillingClient
	purchase *models.Purchase
}

func (s *submittedPurchaseClient) RequestPurchase(ctx context.Context, productID string) (*models.Purchase, error) {
	if s.purchase == nil {
		return nil, NewPaymentError(CodePurchaseFailed, errNoSubmittedPurchase)
	}
	if s.purchase.ProductID != "" && s.purchase.ProductID != productID {
		return nil, NewPaymentError(CodeProductNotFound,
			fmt.Errorf("submitted purchase is for %q, expected %q", s.purchase.ProductID, productID))
	}
	if s.purchase.Platform != models.PlatformAndroid {
		return s.purchase, nil
	}

	pub, err := s.getPublisher(ctx)
	if err != nil {
		return nil, err
	}
	state, err := pub.GetPurchase(ctx, s.cfg.PackageName, productID, playToken(s.purchase))
	if err != nil {
		return nil, mapPlayError(err)
	}

	switch state.PurchaseState {
	case playPurchaseStatePurchased:
		return s.purchase, nil
	case playPurchaseStateCancelled:
		return nil, NewPaymentError(CodeUserCancelled, fmt.Errorf("play reports purchase %s as cancelled", state.OrderId))
	case playPurchaseStatePending:
		return nil, NewPaymentError(CodePurchaseFailed, fmt.Errorf("play reports purchase %s as pending", state.OrderId))
	}
	return nil, NewPaymentError(CodePurchaseFailed, fmt.Errorf("unexpected play purchase state %d", state.PurchaseState))
}

func playToken(p *models.Purchase) string {
	if p.PurchaseToken != "" {
		return p.PurchaseToken
	}
	return extractAndroidToken(p)
}

func productFromPlay(p *androidpublisher.InAppProduct) models.Product {
	product := models.Product{ProductID: p.Sku}
	if listing, ok := p.Listings[p.DefaultLanguage]; ok {
		product.Title = listing.Title
		product.Description = listing.Description
	}
	if p.DefaultPrice != nil {
		product.Currency = p.DefaultPrice.Currency
		if micros, err := strconv.ParseInt(p.DefaultPrice.PriceMicros, 10, 64); err == nil {
			product.PriceMicros = micros
			product.Price = fmt.Sprintf("%d %s", micros/1_000_000, p.DefaultPrice.Currency)
		}
	}
	return product
}

func isGoogleAPIStatus(err error, status int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == status
}

// mapPlayError maps Play Developer API failures onto the payment taxonomy
func mapPlayError(err error) *PaymentError {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound:
			return NewPaymentError(CodeProductNotFound, err)
		case gerr.Code == http.StatusUnauthorized, gerr.Code == http.StatusForbidden:
			return NewPaymentError(CodeInitFailed, err)
		case gerr.Code == http.StatusTooManyRequests, gerr.Code >= 500:
			return NewPaymentError(CodeNetworkError, err)
		}
		return NewPaymentError(CodePurchaseFailed, err)
	}
	return MapBillingError(err)
}

// androidPublisher adapts the generated Play Developer API client
type androidPublisher struct {
	svc *androidpublisher.Service
}

func (a *androidPublisher) GetProduct(ctx context.Context, packageName, sku string) (*androidpublisher.InAppProduct, error) {
	return a.svc.Inappproducts.Get(packageName, sku).Context(ctx).Do()
}

func (a *androidPublisher) GetPurchase(ctx context.Context, packageName, productID, token string) (*androidpublisher.ProductPurchase, error) {
	return a.svc.Purchases.Products.Get(packageName, productID, token).Context(ctx).Do()
}

func (a *androidPublisher) Consume(ctx context.Context, packageName, productID, token string) error {
	return a.svc.Purchases.Products.Consume(packageName, productID, token).Context(ctx).Do()
}

func (a *androidPublisher) Acknowledge(ctx context.Context, packageName, productID, token string) error {
	req := &androidpublisher.ProductPurchasesAcknowledgeRequest{}
	return a.svc.Purchases.Products.Acknowledge(packageName, productID, token, req).Context(ctx).Do()
}
