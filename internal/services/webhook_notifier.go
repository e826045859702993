package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"donation-api/pkg/logging"
)

const (
	EventDonationCreated = "donation.created"
	SignatureHeader      = "X-Donation-Signature"
)

// NotificationMetrics receives delivery results per channel
type NotificationMetrics interface {
	NotificationSent(channel string, ok bool)
}

// WebhookNotifier posts signed donation events to a configured callback
type WebhookNotifier struct {
	callbackURL string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
	metrics     NotificationMetrics
}

// NewWebhookNotifier creates a notifier. Retry schedule: 1s, 5s, 30s.
func NewWebhookNotifier(callbackURL, secret string, metrics NotificationMetrics) *WebhookNotifier {
	return &WebhookNotifier{
		callbackURL: callbackURL,
		secret:      secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
		metrics:     metrics,
	}
}

// WebhookPayload is the body of a donation.created event
type WebhookPayload struct {
	Event           string `json:"event"`
	DonationID      uint   `json:"donation_id"`
	Nickname        string `json:"nickname"`
	Amount          int64  `json:"amount"`
	ProductID       string `json:"product_id"`
	TransactionID   string `json:"transaction_id"`
	Platform        string `json:"platform"` // google_play or app_store
	IsFirstDonation bool   `json:"is_first_donation"`
	CreatedAt       string `json:"created_at"` // RFC 3339
	Timestamp       string `json:"timestamp"`
}

// OnDonation is a SuccessHook; delivery runs in the background
func (wn *WebhookNotifier) OnDonation(ctx context.Context, result *DonationResult) {
	if wn.callbackURL == "" || result == nil || result.Donation == nil {
		return
	}
	go wn.Notify(context.WithoutCancel(ctx), result)
}

// Notify sends the event with retries and reports whether it was delivered
func (wn *WebhookNotifier) Notify(ctx context.Context, result *DonationResult) bool {
	d := result.Donation
	payload := WebhookPayload{
		Event:           EventDonationCreated,
		DonationID:      d.ID,
		Nickname:        d.Nickname,
		Amount:          d.Amount,
		ProductID:       d.ProductID,
		TransactionID:   d.TransactionID,
		Platform:        d.Platform,
		IsFirstDonation: result.IsFirstDonation,
		CreatedAt:       d.CreatedAt.UTC().Format(time.RFC3339),
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}

	ok := wn.sendWithRetry(ctx, payload)
	if wn.metrics != nil {
		wn.metrics.NotificationSent("webhook", ok)
	}
	return ok
}

func (wn *WebhookNotifier) sendWithRetry(ctx context.Context, payload WebhookPayload) bool {
	maxRetries := len(wn.retryDelays)

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := wn.sendWebhook(ctx, payload)
		if err == nil {
			logging.Infof("Webhook notification sent - donation: %d, attempt: %d", payload.DonationID, attempt+1)
			return true
		}

		logging.Errorf("Webhook notification failed - donation: %d, attempt: %d, error: %v",
			payload.DonationID, attempt+1, err)

		if attempt < maxRetries-1 {
			select {
			case <-time.After(wn.retryDelays[attempt]):
			case <-ctx.Done():
				return false
			}
		}
	}

	logging.Errorf("Webhook notification failed after %d attempts - donation: %d", maxRetries, payload.DonationID)
	return false
}

func (wn *WebhookNotifier) sendWebhook(ctx context.Context, payload WebhookPayload) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wn.callbackURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Donation-Webhook/1.0")
	if wn.secret != "" {
		req.Header.Set(SignatureHeader, SignPayload(jsonData, wn.secret))
	}

	resp, err := wn.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// SignPayload returns the hex HMAC-SHA256 of payload
func SignPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
