package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"donation-api/internal/models"
	"donation-api/internal/response"
	"donation-api/internal/services"
	"donation-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// DonationRequest is the body of POST /api/donations. Purchase is the checkout completed on the
// device; it is required when the server runs against the real store.
type DonationRequest struct {
	Nickname string           `json:"nickname" binding:"required"`
	Purchase *PurchasePayload `json:"purchase,omitempty"`
}

// PurchasePayload mirrors the purchase object returned by the device billing library
type PurchasePayload struct {
	ProductID          string `json:"product_id" binding:"required"`
	TransactionID      string `json:"transaction_id"`
	TransactionDate    int64  `json:"transaction_date"` // unix milliseconds
	TransactionReceipt string `json:"transaction_receipt"`
	PurchaseToken      string `json:"purchase_token"`
	Platform           string `json:"platform" binding:"required,oneof=android ios"`
}

func (p *PurchasePayload) toPurchase() *models.Purchase {
	purchase := &models.Purchase{
		ProductID:     p.ProductID,
		TransactionID: p.TransactionID,
		Receipt:       p.TransactionReceipt,
		PurchaseToken: p.PurchaseToken,
		Platform:      p.Platform,
	}
	if p.TransactionDate > 0 {
		purchase.TransactionDate = time.UnixMilli(p.TransactionDate)
	}
	return purchase
}

// StatusForPaymentError maps a payment error code to an HTTP status
func StatusForPaymentError(code services.ErrorCode) int {
	switch code {
	case services.CodeUserCancelled:
		return http.StatusBadRequest
	case services.CodeReceiptValidationFailed:
		return http.StatusUnprocessableEntity
	case services.CodeDuplicatePayment:
		return http.StatusConflict
	case services.CodeInitFailed:
		return http.StatusServiceUnavailable
	case services.CodeProductNotFound:
		return http.StatusNotFound
	case services.CodePurchaseFailed:
		return http.StatusPaymentRequired
	case services.CodeNetworkError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func paymentFailureJSON(c *gin.Context, err error) {
	pe := services.AsPaymentError(err)
	response.JSON(c, StatusForPaymentError(pe.Code), response.PaymentFailure{
		Success:   false,
		Message:   pe.Message,
		Code:      string(pe.Code),
		Retryable: pe.Retryable(),
		Feedback:  pe.Feedback(),
	})
}

// CreateDonation runs the donation flow for one nickname
func (h *Handler) CreateDonation(c *gin.Context) {
	var req DonationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	nickname, err := services.NormalizeNickname(req.Nickname)
	if err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	release, err := h.guard.Acquire(ctx, nickname)
	if err != nil {
		if errors.Is(err, services.ErrFlowInProgress) {
			response.ErrorJSON(c, http.StatusTooManyRequests, "A donation for this nickname is already in progress")
			return
		}
		logging.Errorf("Failed to acquire flow guard for %s: %v", nickname, err)
		response.ErrorJSON(c, http.StatusServiceUnavailable, "Service unavailable")
		return
	}
	defer release()

	var purchase *models.Purchase
	if req.Purchase != nil {
		purchase = req.Purchase.toPurchase()
	}

	log := logging.WithFields(logging.Fields{"nickname": nickname})
	flow := h.flow.ForPurchase(purchase).Observe(func(status services.FlowStatus, pe *services.PaymentError) {
		if pe != nil {
			log.Debugf("Donation flow status: %s (%s)", status, pe.Code)
			return
		}
		log.Debugf("Donation flow status: %s", status)
	})

	result, err := flow.PurchaseWithRetry(ctx, nickname)
	if err != nil {
		paymentFailureJSON(c, err)
		return
	}

	response.CreatedJSON(c, result)
}

// GetProducts returns the donation product for ?platform= (default android)
func (h *Handler) GetProducts(c *gin.Context) {
	platform := strings.ToLower(c.DefaultQuery("platform", models.PlatformAndroid))
	if platform != models.PlatformAndroid && platform != models.PlatformIOS {
		response.ErrorJSON(c, http.StatusBadRequest, "platform must be android or ios")
		return
	}

	ctx := c.Request.Context()
	billing := h.flow.Billing()
	if err := billing.InitConnection(ctx); err != nil {
		var pe *services.PaymentError
		if !errors.As(err, &pe) {
			pe = services.NewPaymentError(services.CodeInitFailed, err)
		}
		paymentFailureJSON(c, pe)
		return
	}

	productID := h.flow.ProductIDFor(platform)
	products, err := billing.GetProducts(ctx, []string{productID})
	if err != nil {
		paymentFailureJSON(c, services.MapBillingError(err))
		return
	}
	if len(products) == 0 {
		paymentFailureJSON(c, services.NewPaymentError(services.CodeProductNotFound, nil))
		return
	}

	response.SuccessJSON(c, products)
}
