package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"donation-api/internal/models"
	"donation-api/pkg/logging"
)

// FlowStatus is the state of one donation flow execution
type FlowStatus string

const (
	StatusIdle         FlowStatus = "idle"
	StatusInitializing FlowStatus = "initializing"
	StatusPurchasing   FlowStatus = "purchasing"
	StatusValidating   FlowStatus = "validating"
	StatusSaving       FlowStatus = "saving"
	StatusSuccess      FlowStatus = "success"
	StatusError        FlowStatus = "error"
)

const finalizeTimeout = 15 * time.Second

// DonationRepository is the storage the flow needs. Lookups return nil, nil when nothing
// matches.
type DonationRepository interface {
	FindByReceiptToken(ctx context.Context, token string) (*models.Donation, error)
	GetUserAggregate(ctx context.Context, nickname string) (*models.User, error)
	// RecordDonation inserts the ledger row and applies delta to the user aggregate as one
	// unit: either both are stored or neither is. It returns models.ErrDuplicateReceipt
	// when the token already exists.
	RecordDonation(ctx context.Context, donation *models.Donation, delta models.AggregateDelta) (*models.Donation, *models.User, error)
}

// FinalizationRecorder keeps purchases whose finalize call failed so they can be retried later
type FinalizationRecorder interface {
	RecordPendingFinalization(ctx context.Context, pending *models.PendingFinalization) error
}

// ErrNicknameRequired is the cause of the error returned for a blank nickname
var ErrNicknameRequired = errors.New("nickname is required")

// FlowMetrics receives flow outcomes. outcome is "success" or an ErrorCode.
type FlowMetrics interface {
	FlowCompleted(outcome string, duration time.Duration)
	AttemptFailed(code string)
}

// StatusListener is called on every status transition. err is set only for StatusError.
type StatusListener func(status FlowStatus, err *PaymentError)

// SuccessHook runs after a donation was recorded and finalized
type SuccessHook func(ctx context.Context, result *DonationResult)

// DonationResult is returned on success
type DonationResult struct {
	Donation        *models.Donation `json:"donation"`
	IsFirstDonation bool             `json:"is_first_donation"`
}

// DonationFlowService drives purchase, validation, persistence and finalize for one donation.
// Build it once at startup; ForPurchase and Observe return per-execution copies.
type DonationFlowService struct {
	billing           BillingClient
	repo              DonationRepository
	amount            int64
	platform          string
	productIDs        map[string]string
	retry             RetryPolicy
	validationTimeout time.Duration
	recorder          FinalizationRecorder
	metrics           FlowMetrics
	hooks             []SuccessHook
	listeners         []StatusListener
	now               func() time.Time

	state *flowState
}

type flowState struct {
	mu     sync.Mutex
	status FlowStatus
}

// FlowOption configures a DonationFlowService
type FlowOption func(*DonationFlowService)

func WithDonationAmount(amount int64) FlowOption {
	return func(s *DonationFlowService) { s.amount = amount }
}

// WithProductIDs sets the store product id per platform
func WithProductIDs(android, ios string) FlowOption {
	return func(s *DonationFlowService) {
		s.productIDs = map[string]string{
			models.PlatformAndroid: android,
			models.PlatformIOS:     ios,
		}
	}
}

// WithPlatform sets the platform used when no purchase was submitted
func WithPlatform(platform string) FlowOption {
	return func(s *DonationFlowService) { s.platform = platform }
}

func WithRetryPolicy(policy RetryPolicy) FlowOption {
	return func(s *DonationFlowService) { s.retry = policy }
}

// WithValidationTimeout bounds the backend work that follows receipt validation
func WithValidationTimeout(d time.Duration) FlowOption {
	return func(s *DonationFlowService) { s.validationTimeout = d }
}

func WithFinalizationRecorder(r FinalizationRecorder) FlowOption {
	return func(s *DonationFlowService) { s.recorder = r }
}

func WithFlowMetrics(m FlowMetrics) FlowOption {
	return func(s *DonationFlowService) { s.metrics = m }
}

func WithSuccessHook(h SuccessHook) FlowOption {
	return func(s *DonationFlowService) { s.hooks = append(s.hooks, h) }
}

func WithStatusListener(l StatusListener) FlowOption {
	return func(s *DonationFlowService) { s.listeners = append(s.listeners, l) }
}

// NewDonationFlowService creates the flow service
func NewDonationFlowService(billing BillingClient, repo DonationRepository, opts ...FlowOption) *DonationFlowService {
	s := &DonationFlowService{
		billing:  billing,
		repo:     repo,
		amount:   1000,
		platform: models.PlatformAndroid,
		productIDs: map[string]string{
			models.PlatformAndroid: "donate_1000won",
			models.PlatformIOS:     "com.yourcompany.burnabuck.donate_1000won",
		},
		retry:             DefaultRetryPolicy(),
		validationTimeout: 10 * time.Second,
		now:               time.Now,
		state:             &flowState{status: StatusIdle},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *DonationFlowService) clone() *DonationFlowService {
	c := *s
	c.hooks = append([]SuccessHook(nil), s.hooks...)
	c.listeners = append([]StatusListener(nil), s.listeners...)
	c.state = &flowState{status: StatusIdle}
	return &c
}

// ForPurchase returns a flow bound to a purchase completed on the device. Billing clients
// that cannot take submissions ignore the purchase.
func (s *DonationFlowService) ForPurchase(purchase *models.Purchase) *DonationFlowService {
	c := s.clone()
	if purchase == nil {
		return c
	}
	if submitter, ok := s.billing.(PurchaseSubmitter); ok {
		c.billing = submitter.WithSubmittedPurchase(purchase)
		if purchase.Platform != "" {
			c.platform = purchase.Platform
		}
	}
	return c
}

// Observe returns a copy that also reports status changes to l
func (s *DonationFlowService) Observe(l StatusListener) *DonationFlowService {
	c := s.clone()
	c.listeners = append(c.listeners, l)
	return c
}

// Status returns the latest status of this flow instance
func (s *DonationFlowService) Status() FlowStatus {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.status
}

// ProductID is the store product requested by this flow
func (s *DonationFlowService) ProductID() string {
	return s.productIDs[s.platform]
}

// ProductIDFor is the store product configured for platform
func (s *DonationFlowService) ProductIDFor(platform string) string {
	return s.productIDs[platform]
}

// Billing exposes the billing client, used for product lookups
func (s *DonationFlowService) Billing() BillingClient {
	return s.billing
}

func (s *DonationFlowService) setStatus(status FlowStatus, pe *PaymentError) {
	s.state.mu.Lock()
	s.state.status = status
	s.state.mu.Unlock()

	for _, l := range s.listeners {
		l(status, pe)
	}
}

// PurchaseWithRetry runs the whole flow under the retry policy
func (s *DonationFlowService) PurchaseWithRetry(ctx context.Context, nickname string) (*DonationResult, error) {
	start := s.now()
	// A blank nickname fails the same way on every attempt.
	if strings.TrimSpace(nickname) == "" {
		pe := NewPaymentError(CodeUnknownError, ErrNicknameRequired)
		if s.metrics != nil {
			s.metrics.AttemptFailed(string(pe.Code))
			s.metrics.FlowCompleted(string(pe.Code), s.now().Sub(start))
		}
		return nil, pe
	}
	result, err := Retry(ctx, s.retry, func(ctx context.Context, attempt int) (*DonationResult, error) {
		res, err := s.PurchaseDonation(ctx, nickname)
		if err != nil && s.metrics != nil {
			s.metrics.AttemptFailed(string(AsPaymentError(err).Code))
		}
		return res, err
	})

	if s.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = string(AsPaymentError(err).Code)
		}
		s.metrics.FlowCompleted(outcome, s.now().Sub(start))
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PurchaseDonation runs one donation flow. Every returned error is a *PaymentError.
func (s *DonationFlowService) PurchaseDonation(ctx context.Context, nickname string) (result *DonationResult, err error) {
	log := logging.WithFields(logging.Fields{"nickname": nickname, "platform": s.platform})

	defer func() {
		if err != nil {
			pe := AsPaymentError(err)
			s.setStatus(StatusError, pe)
			if pe.Code == CodeUserCancelled {
				log.Infof("Donation flow cancelled by user")
			} else {
				log.Errorf("Donation flow failed: %v", pe)
			}
			err = pe
		}
	}()

	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return nil, NewPaymentError(CodeUnknownError, ErrNicknameRequired)
	}

	s.setStatus(StatusInitializing, nil)
	if err := s.billing.InitConnection(ctx); err != nil {
		var pe *PaymentError
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, NewPaymentError(CodeInitFailed, err)
	}

	s.setStatus(StatusPurchasing, nil)
	productID := s.ProductID()
	purchase, err := s.billing.RequestPurchase(ctx, productID)
	if err != nil {
		return nil, MapBillingError(err)
	}
	if purchase == nil {
		return nil, NewPaymentError(CodePurchaseFailed, errors.New("billing client returned no purchase"))
	}

	// From here on the store holds a purchase that must not be left pending.
	finalizeAttempted := false
	defer func() {
		if err != nil && !finalizeAttempted {
			s.finalizeBestEffort(ctx, purchase, err)
		}
	}()

	s.setStatus(StatusValidating, nil)
	validation := ValidateReceipt(purchase)
	if !validation.IsValid {
		return nil, NewPaymentError(CodeReceiptValidationFailed, errors.New(validation.Error))
	}
	receipt := validation.Receipt
	if err := ValidateProductID(receipt, productID); err != nil {
		return nil, NewPaymentError(CodeReceiptValidationFailed, err)
	}
	log = log.WithField("token", tokenPrefix(receipt.Token))

	s.setStatus(StatusSaving, nil)
	saveCtx, cancel := context.WithTimeout(ctx, s.validationTimeout)
	defer cancel()

	existing, err := s.repo.FindByReceiptToken(saveCtx, receipt.Token)
	if err != nil {
		return nil, NewPaymentError(CodeNetworkError, fmt.Errorf("duplicate check failed: %w", err))
	}
	if existing != nil {
		finalizeAttempted = true
		s.finalizeBestEffort(ctx, purchase, nil)
		log.Warnf("Receipt already recorded as donation %d", existing.ID)
		return nil, NewPaymentError(CodeDuplicatePayment, nil)
	}

	user, err := s.repo.GetUserAggregate(saveCtx, nickname)
	if err != nil {
		return nil, NewPaymentError(CodeNetworkError, fmt.Errorf("failed to load user aggregate: %w", err))
	}
	isFirst := user == nil || user.TotalDonated == 0

	donatedAt := s.now()
	donation, _, err := s.repo.RecordDonation(saveCtx, &models.Donation{
		Nickname:      nickname,
		Amount:        s.amount,
		ReceiptToken:  receipt.Token,
		TransactionID: receipt.TransactionID,
		ProductID:     receipt.ProductID,
		Platform:      models.StoreTag(receipt.Platform),
		CreatedAt:     donatedAt,
	}, models.AggregateDelta{
		Amount:        s.amount,
		DonatedAt:     donatedAt,
		FirstDonation: isFirst,
	})
	if err != nil {
		if errors.Is(err, models.ErrDuplicateReceipt) {
			finalizeAttempted = true
			s.finalizeBestEffort(ctx, purchase, nil)
			log.Warnf("Donation insert rejected as duplicate by the store")
			return nil, NewPaymentError(CodeDuplicatePayment, err)
		}
		return nil, NewPaymentError(CodeNetworkError, fmt.Errorf("failed to record donation: %w", err))
	}

	// The donation is durable; a finalize failure now is retried once and then handed to the
	// reconciler instead of failing the flow.
	finalizeAttempted = true
	if ferr := s.finalize(ctx, purchase); ferr != nil {
		log.Warnf("Finalize failed after donation was recorded, retrying once: %v", ferr)
		s.finalizeBestEffort(ctx, purchase, ferr)
	}

	result = &DonationResult{Donation: donation, IsFirstDonation: isFirst}
	s.setStatus(StatusSuccess, nil)
	log.Infof("Donation recorded - id: %d, amount: %d, first: %t", donation.ID, donation.Amount, isFirst)

	for _, hook := range s.hooks {
		hook(ctx, result)
	}
	return result, nil
}

func (s *DonationFlowService) finalize(ctx context.Context, purchase *models.Purchase) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	return s.billing.FinishTransaction(fctx, purchase, true)
}

// finalizeBestEffort finalizes and only logs on failure; cause is the error being handled, if any
func (s *DonationFlowService) finalizeBestEffort(ctx context.Context, purchase *models.Purchase, cause error) {
	err := s.finalize(ctx, purchase)
	if err == nil {
		return
	}

	if cause != nil {
		logging.Errorf("Finalize failed while handling %v - transaction: %s, error: %v", cause, purchase.TransactionID, err)
	} else {
		logging.Errorf("Finalize failed - transaction: %s, error: %v", purchase.TransactionID, err)
	}

	if s.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	token := ""
	if v := ValidateReceipt(purchase); v.IsValid {
		token = v.Receipt.Token
	}
	if rerr := s.recorder.RecordPendingFinalization(rctx, models.NewPendingFinalization(purchase, token, err)); rerr != nil {
		logging.Errorf("Failed to record pending finalization - transaction: %s, error: %v", purchase.TransactionID, rerr)
	}
}

func tokenPrefix(token string) string {
	if len(token) > 12 {
		return token[:12] + "..."
	}
	return token
}
