package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"donation-api/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBilling hands out a fixed purchase (or one per call) and counts finalize calls
type fakeBilling struct {
	initFunc     func(ctx context.Context) error
	purchaseFunc func(ctx context.Context, productID string) (*models.Purchase, error)
	finishFunc   func(ctx context.Context, p *models.Purchase) error

	mu       sync.Mutex
	finished []*models.Purchase
}

func (f *fakeBilling) InitConnection(ctx context.Context) error {
	if f.initFunc != nil {
		return f.initFunc(ctx)
	}
	return nil
}

func (f *fakeBilling) GetProducts(ctx context.Context, ids []string) ([]models.Product, error) {
	return nil, nil
}

func (f *fakeBilling) RequestPurchase(ctx context.Context, productID string) (*models.Purchase, error) {
	return f.purchaseFunc(ctx, productID)
}

func (f *fakeBilling) FinishTransaction(ctx context.Context, p *models.Purchase, consumable bool) error {
	f.mu.Lock()
	f.finished = append(f.finished, p)
	f.mu.Unlock()
	if f.finishFunc != nil {
		return f.finishFunc(ctx, p)
	}
	return nil
}

func (f *fakeBilling) EndConnection() error { return nil }

func (f *fakeBilling) finishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.finished)
}

// memoryRepo is an in-memory DonationRepository with failure injection
type memoryRepo struct {
	mu        sync.Mutex
	donations map[string]*models.Donation
	users     map[string]*models.User
	nextID    uint

	findErr   error
	recordErr func() error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		donations: make(map[string]*models.Donation),
		users:     make(map[string]*models.User),
	}
}

func (r *memoryRepo) FindByReceiptToken(ctx context.Context, token string) (*models.Donation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	return r.donations[token], nil
}

func (r *memoryRepo) GetUserAggregate(ctx context.Context, nickname string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[nickname]
	if !ok {
		return nil, nil
	}
	copied := *u
	return &copied, nil
}

// RecordDonation fails before touching either map so an injected error leaves nothing behind
func (r *memoryRepo) RecordDonation(ctx context.Context, d *models.Donation, delta models.AggregateDelta) (*models.Donation, *models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recordErr != nil {
		if err := r.recordErr(); err != nil {
			return nil, nil, err
		}
	}
	if _, ok := r.donations[d.ReceiptToken]; ok {
		return nil, nil, models.ErrDuplicateReceipt
	}
	r.nextID++
	stored := *d
	stored.ID = r.nextID
	r.donations[d.ReceiptToken] = &stored

	u, ok := r.users[d.Nickname]
	if !ok {
		u = &models.User{Nickname: d.Nickname}
		r.users[d.Nickname] = u
	}
	u.TotalDonated += delta.Amount
	at := delta.DonatedAt
	u.LastDonationAt = &at
	if delta.FirstDonation {
		u.BadgeEarned = true
		if u.FirstDonationAt == nil {
			u.FirstDonationAt = &at
		}
	}
	copiedDonation := stored
	copiedUser := *u
	return &copiedDonation, &copiedUser, nil
}

func (r *memoryRepo) donationCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.donations)
}

type recordingRecorder struct {
	mu      sync.Mutex
	pending []*models.PendingFinalization
}

func (r *recordingRecorder) RecordPendingFinalization(ctx context.Context, p *models.PendingFinalization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, p)
	return nil
}

func androidPurchase(token string) *models.Purchase {
	return &models.Purchase{
		ProductID:       "donate_1000won",
		TransactionID:   "GPA." + token,
		TransactionDate: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Receipt:         `{"purchaseToken":"` + token + `"}`,
		PurchaseToken:   token,
		Platform:        models.PlatformAndroid,
	}
}

func fixedPurchase(p *models.Purchase) func(ctx context.Context, productID string) (*models.Purchase, error) {
	return func(ctx context.Context, productID string) (*models.Purchase, error) {
		return p, nil
	}
}

func newTestFlow(billing BillingClient, repo DonationRepository, opts ...FlowOption) *DonationFlowService {
	rec := &sleepRecorder{}
	policy := DefaultRetryPolicy()
	policy.Sleep = rec.sleep
	opts = append([]FlowOption{WithRetryPolicy(policy)}, opts...)
	return NewDonationFlowService(billing, repo, opts...)
}

func TestDonationFlowService_FirstDonation(t *testing.T) {
	billing := &fakeBilling{purchaseFunc: fixedPurchase(androidPurchase("tok-1"))}
	repo := newMemoryRepo()
	flow := newTestFlow(billing, repo)

	var statuses []FlowStatus
	observed := flow.Observe(func(status FlowStatus, err *PaymentError) {
		statuses = append(statuses, status)
	})

	res, err := observed.PurchaseDonation(context.Background(), "nick1")
	require.NoError(t, err)

	assert.True(t, res.IsFirstDonation)
	assert.Equal(t, int64(1000), res.Donation.Amount)
	assert.Equal(t, "nick1", res.Donation.Nickname)
	assert.Equal(t, "tok-1", res.Donation.ReceiptToken)
	assert.Equal(t, models.StoreGooglePlay, res.Donation.Platform)

	user, _ := repo.GetUserAggregate(context.Background(), "nick1")
	require.NotNil(t, user)
	assert.Equal(t, int64(1000), user.TotalDonated)
	assert.True(t, user.BadgeEarned)
	assert.NotNil(t, user.FirstDonationAt)

	assert.Equal(t, 1, billing.finishCount())
	assert.Equal(t, []FlowStatus{StatusInitializing, StatusPurchasing, StatusValidating, StatusSaving, StatusSuccess}, statuses)
	assert.Equal(t, StatusSuccess, observed.Status())
	assert.Equal(t, StatusIdle, flow.Status())
}

func TestDonationFlowService_SecondDonationIsNotFirst(t *testing.T) {
	tokens := []string{"tok-a", "tok-b"}
	call := 0
	billing := &fakeBilling{purchaseFunc: func(ctx context.Context, productID string) (*models.Purchase, error) {
		p := androidPurchase(tokens[call])
		call++
		return p, nil
	}}
	repo := newMemoryRepo()
	flow := newTestFlow(billing, repo)

	_, err := flow.PurchaseDonation(context.Background(), "nick1")
	require.NoError(t, err)
	firstAt := *repo.users["nick1"].FirstDonationAt

	res, err := flow.PurchaseDonation(context.Background(), "nick1")
	require.NoError(t, err)
	assert.False(t, res.IsFirstDonation)

	user, _ := repo.GetUserAggregate(context.Background(), "nick1")
	assert.Equal(t, int64(2000), user.TotalDonated)
	assert.True(t, user.BadgeEarned)
	assert.Equal(t, firstAt, *user.FirstDonationAt)
}

func TestDonationFlowService_AggregateEqualsDonationCount(t *testing.T) {
	n := 0
	billing := &fakeBilling{purchaseFunc: func(ctx context.Context, productID string) (*models.Purchase, error) {
		n++
		return androidPurchase("tok-" + string(rune('a'+n))), nil
	}}
	repo := newMemoryRepo()
	flow := newTestFlow(billing, repo, WithDonationAmount(1000))

	for i := 0; i < 7; i++ {
		_, err := flow.PurchaseDonation(context.Background(), "nick1")
		require.NoError(t, err)
	}

	user, _ := repo.GetUserAggregate(context.Background(), "nick1")
	assert.Equal(t, int64(7*1000), user.TotalDonated)
	assert.Equal(t, 7, repo.donationCount())
}

func TestDonationFlowService_DuplicateReceipt(t *testing.T) {
	purchase := androidPurchase("tok-dup")
	billing := &fakeBilling{purchaseFunc: fixedPurchase(purchase)}
	repo := newMemoryRepo()
	flow := newTestFlow(billing, repo)

	_, err := flow.PurchaseDonation(context.Background(), "nick1")
	require.NoError(t, err)

	res, err := flow.PurchaseDonation(context.Background(), "nick1")
	assert.Nil(t, res)
	assert.Equal(t, CodeDuplicatePayment, AsPaymentError(err).Code)

	assert.Equal(t, 1, repo.donationCount())
	user, _ := repo.GetUserAggregate(context.Background(), "nick1")
	assert.Equal(t, int64(1000), user.TotalDonated)
	// one finalize per platform call
	assert.Equal(t, 2, billing.finishCount())
}

func TestDonationFlowService_DuplicateViaRetryIsNotRetried(t *testing.T) {
	purchase := androidPurchase("tok-dup")
	calls := 0
	billing := &fakeBilling{purchaseFunc: func(ctx context.Context, productID string) (*models.Purchase, error) {
		calls++
		return purchase, nil
	}}
	repo := newMemoryRepo()
	flow := newTestFlow(billing, repo)

	_, err := flow.PurchaseWithRetry(context.Background(), "nick1")
	require.NoError(t, err)

	_, err = flow.PurchaseWithRetry(context.Background(), "nick1")
	assert.ErrorIs(t, err, ErrDuplicatePayment)
	assert.Equal(t, 2, calls)
}

func TestDonationFlowService_RacingInsertTreatedAsDuplicate(t *testing.T) {
	billing := &fakeBilling{purchaseFunc: fixedPurchase(androidPurchase("tok-race"))}
	repo := newMemoryRepo()
	repo.recordErr = func() error { return models.ErrDuplicateReceipt }
	flow := newTestFlow(billing, repo)

	_, err := flow.PurchaseDonation(context.Background(), "nick1")
	assert.Equal(t, CodeDuplicatePayment, AsPaymentError(err).Code)
	assert.Equal(t, 1, billing.finishCount())
	assert.Empty(t, repo.users)
}

func TestDonationFlowService_InsertFailureStillFinalizes(t *testing.T) {
	finalizeErr := errors.New("store unreachable")
	billing := &fakeBilling{
		purchaseFunc: fixedPurchase(androidPurchase("tok-1")),
		finishFunc:   func(ctx context.Context, p *models.Purchase) error { return finalizeErr },
	}
	repo := newMemoryRepo()
	insertErr := errors.New("connection refused")
	repo.recordErr = func() error { return insertErr }
	recorder := &recordingRecorder{}
	flow := newTestFlow(billing, repo, WithFinalizationRecorder(recorder))

	_, err := flow.PurchaseDonation(context.Background(), "nick1")

	pe := AsPaymentError(err)
	assert.Equal(t, CodeNetworkError, pe.Code)
	assert.ErrorIs(t, err, insertErr)
	assert.NotErrorIs(t, err, finalizeErr)
	assert.Equal(t, 1, billing.finishCount())
	assert.Len(t, recorder.pending, 1)
}

func TestDonationFlowService_UserCancelledSkipsSaveAndFinalize(t *testing.T) {
	billing := &fakeBilling{purchaseFunc: func(ctx context.Context, productID string) (*models.Purchase, error) {
		return nil, &BillingError{Code: "E_USER_CANCELLED"}
	}}
	repo := newMemoryRepo()
	flow := newTestFlow(billing, repo)

	var lastErr *PaymentError
	observed := flow.Observe(func(status FlowStatus, err *PaymentError) {
		if status == StatusError {
			lastErr = err
		}
	})

	_, err := observed.PurchaseWithRetry(context.Background(), "nick1")
	assert.ErrorIs(t, err, ErrUserCancelled)
	assert.Equal(t, 0, billing.finishCount())
	assert.Equal(t, 0, repo.donationCount())
	require.NotNil(t, lastErr)
	assert.Equal(t, CodeUserCancelled, lastErr.Code)
	assert.Equal(t, StatusError, observed.Status())
}

func TestDonationFlowService_InitFailure(t *testing.T) {
	billing := &fakeBilling{
		initFunc:     func(ctx context.Context) error { return errors.New("billing service disconnected") },
		purchaseFunc: fixedPurchase(androidPurchase("tok")),
	}
	flow := newTestFlow(billing, newMemoryRepo())

	_, err := flow.PurchaseDonation(context.Background(), "nick1")
	assert.Equal(t, CodeInitFailed, AsPaymentError(err).Code)
}

func TestDonationFlowService_InvalidReceipt(t *testing.T) {
	bad := &models.Purchase{ProductID: "donate_1000won", Platform: models.PlatformAndroid}
	billing := &fakeBilling{purchaseFunc: fixedPurchase(bad)}
	repo := newMemoryRepo()
	flow := newTestFlow(billing, repo)

	_, err := flow.PurchaseDonation(context.Background(), "nick1")
	assert.Equal(t, CodeReceiptValidationFailed, AsPaymentError(err).Code)
	assert.Equal(t, 1, billing.finishCount(), "purchase is finalized best-effort")
	assert.Equal(t, 0, repo.donationCount())
}

func TestDonationFlowService_WrongProductRejected(t *testing.T) {
	p := androidPurchase("tok")
	p.ProductID = "donate_5000won"
	billing := &fakeBilling{purchaseFunc: fixedPurchase(p)}
	flow := newTestFlow(billing, newMemoryRepo())

	_, err := flow.PurchaseDonation(context.Background(), "nick1")
	assert.Equal(t, CodeReceiptValidationFailed, AsPaymentError(err).Code)
}

func TestDonationFlowService_BackendErrorsAreNetworkErrors(t *testing.T) {
	billing := &fakeBilling{purchaseFunc: fixedPurchase(androidPurchase("tok"))}
	repo := newMemoryRepo()
	repo.findErr = errors.New("timeout")
	flow := newTestFlow(billing, repo)

	_, err := flow.PurchaseDonation(context.Background(), "nick1")
	assert.Equal(t, CodeNetworkError, AsPaymentError(err).Code)

	repo.findErr = nil
	repo.recordErr = func() error { return errors.New("deadlock") }
	_, err = flow.PurchaseDonation(context.Background(), "nick2")
	assert.Equal(t, CodeNetworkError, AsPaymentError(err).Code)
}

func TestDonationFlowService_FinalizeFailureAfterPersistRecordsPending(t *testing.T) {
	billing := &fakeBilling{
		purchaseFunc: fixedPurchase(androidPurchase("tok-1")),
		finishFunc:   func(ctx context.Context, p *models.Purchase) error { return errors.New("play unavailable") },
	}
	repo := newMemoryRepo()
	recorder := &recordingRecorder{}
	flow := newTestFlow(billing, repo, WithFinalizationRecorder(recorder))

	res, err := flow.PurchaseDonation(context.Background(), "nick1")
	require.NoError(t, err)
	assert.True(t, res.IsFirstDonation)
	assert.Equal(t, 2, billing.finishCount())
	assert.Len(t, recorder.pending, 1)
}

func TestDonationFlowService_RetryRecoversFromNetworkErrors(t *testing.T) {
	n := 0
	billing := &fakeBilling{purchaseFunc: func(ctx context.Context, productID string) (*models.Purchase, error) {
		n++
		return androidPurchase("tok-attempt-" + string(rune('0'+n))), nil
	}}
	repo := newMemoryRepo()
	failures := 0
	repo.recordErr = func() error {
		if failures < 2 {
			failures++
			return errors.New("network unreachable")
		}
		return nil
	}

	rec := &sleepRecorder{}
	policy := DefaultRetryPolicy()
	policy.Sleep = rec.sleep
	flow := NewDonationFlowService(billing, repo, WithRetryPolicy(policy))

	res, err := flow.PurchaseWithRetry(context.Background(), "nick1")
	require.NoError(t, err)
	assert.True(t, res.IsFirstDonation)
	assert.Equal(t, 3, n)

	require.Len(t, rec.delays, 2)
	assert.Equal(t, 2*rec.delays[0], rec.delays[1])

	user, _ := repo.GetUserAggregate(context.Background(), "nick1")
	assert.Equal(t, int64(1000), user.TotalDonated)
}

func TestDonationFlowService_SuccessHooks(t *testing.T) {
	billing := &fakeBilling{purchaseFunc: fixedPurchase(androidPurchase("tok"))}
	var got *DonationResult
	flow := newTestFlow(billing, newMemoryRepo(), WithSuccessHook(func(ctx context.Context, r *DonationResult) {
		got = r
	}))

	res, err := flow.PurchaseDonation(context.Background(), "nick1")
	require.NoError(t, err)
	assert.Same(t, res, got)
}

func TestDonationFlowService_EmptyNickname(t *testing.T) {
	billing := &fakeBilling{purchaseFunc: fixedPurchase(androidPurchase("tok"))}
	flow := newTestFlow(billing, newMemoryRepo())

	_, err := flow.PurchaseDonation(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrNicknameRequired)
	assert.Equal(t, 0, billing.finishCount())
}

func TestDonationFlowService_EmptyNicknameIsNotRetried(t *testing.T) {
	inits := 0
	billing := &fakeBilling{
		initFunc:     func(ctx context.Context) error { inits++; return nil },
		purchaseFunc: fixedPurchase(androidPurchase("tok")),
	}
	rec := &sleepRecorder{}
	policy := DefaultRetryPolicy()
	policy.Sleep = rec.sleep
	m := &fakeMetrics{}
	flow := NewDonationFlowService(billing, newMemoryRepo(), WithRetryPolicy(policy), WithFlowMetrics(m))

	_, err := flow.PurchaseWithRetry(context.Background(), " ")
	assert.ErrorIs(t, err, ErrNicknameRequired)
	assert.Equal(t, CodeUnknownError, AsPaymentError(err).Code)
	assert.Empty(t, rec.delays)
	assert.Equal(t, 0, inits)
	assert.Equal(t, []string{string(CodeUnknownError)}, m.outcomes)
	assert.Equal(t, []string{string(CodeUnknownError)}, m.failures)
}

func TestDonationFlowService_FailedRecordLeavesNoPartialDonation(t *testing.T) {
	billing := &fakeBilling{purchaseFunc: fixedPurchase(androidPurchase("tok-flaky"))}
	repo := newMemoryRepo()
	calls := 0
	repo.recordErr = func() error {
		calls++
		if calls <= 2 {
			return errors.New("aggregate update failed")
		}
		return nil
	}
	flow := newTestFlow(billing, repo)

	res, err := flow.PurchaseWithRetry(context.Background(), "nick1")
	require.NoError(t, err)
	assert.True(t, res.IsFirstDonation)
	assert.Equal(t, 3, calls)

	user, err := repo.GetUserAggregate(context.Background(), "nick1")
	require.NoError(t, err)
	require.NotNil(t, user)
	rows := repo.donationCount()
	assert.Equal(t, 1, rows)
	assert.Equal(t, int64(rows)*res.Donation.Amount, user.TotalDonated)
}

func TestDonationFlowService_PendingFinalizationKeyedByReceiptToken(t *testing.T) {
	receipt := `{"orderId":"GPA.9","productId":"donate_1000won","purchaseToken":"real-play-token"}`
	billing := &fakeBilling{
		purchaseFunc: fixedPurchase(&models.Purchase{
			ProductID:     "donate_1000won",
			TransactionID: "GPA.9",
			Receipt:       receipt,
			Platform:      models.PlatformAndroid,
		}),
		finishFunc: func(ctx context.Context, p *models.Purchase) error { return errors.New("play unavailable") },
	}
	repo := newMemoryRepo()
	recorder := &recordingRecorder{}
	flow := newTestFlow(billing, repo, WithFinalizationRecorder(recorder))

	_, err := flow.PurchaseDonation(context.Background(), "nick1")
	require.NoError(t, err)

	require.Len(t, recorder.pending, 1)
	pending := recorder.pending[0]
	assert.Equal(t, "real-play-token", pending.ReceiptToken)
	assert.Equal(t, "real-play-token", pending.PurchaseToken)
	assert.Equal(t, receipt, pending.Receipt)
	assert.Equal(t, "GPA.9", pending.TransactionID)
	assert.Equal(t, "play unavailable", pending.LastError)

	rebuilt := pending.Purchase()
	assert.Equal(t, "real-play-token", playToken(rebuilt))
}

type fakeMetrics struct {
	outcomes []string
	failures []string
}

func (m *fakeMetrics) FlowCompleted(outcome string, d time.Duration) { m.outcomes = append(m.outcomes, outcome) }
func (m *fakeMetrics) AttemptFailed(code string)                     { m.failures = append(m.failures, code) }

func TestDonationFlowService_Metrics(t *testing.T) {
	billing := &fakeBilling{purchaseFunc: func(ctx context.Context, productID string) (*models.Purchase, error) {
		return nil, &BillingError{Code: "E_NETWORK_ERROR"}
	}}
	m := &fakeMetrics{}
	flow := newTestFlow(billing, newMemoryRepo(), WithFlowMetrics(m))

	_, err := flow.PurchaseWithRetry(context.Background(), "nick1")
	assert.Equal(t, CodeNetworkError, AsPaymentError(err).Code)
	assert.Equal(t, []string{"network_error", "network_error", "network_error"}, m.failures)
	assert.Equal(t, []string{"network_error"}, m.outcomes)
}

type submittingBilling struct {
	fakeBilling
}

func (s *submittingBilling) WithSubmittedPurchase(p *models.Purchase) BillingClient {
	return &fakeBilling{purchaseFunc: fixedPurchase(p)}
}

func TestDonationFlowService_ForPurchase(t *testing.T) {
	base := &submittingBilling{}
	flow := newTestFlow(base, newMemoryRepo(), WithProductIDs("donate_1000won", "ios.donate"))

	iosPurchase := &models.Purchase{
		ProductID:     "ios.donate",
		TransactionID: "2000001",
		Receipt:       "receipt-blob",
		Platform:      models.PlatformIOS,
	}
	bound := flow.ForPurchase(iosPurchase)
	assert.Equal(t, "ios.donate", bound.ProductID())
	assert.Equal(t, "donate_1000won", flow.ProductID())

	res, err := bound.PurchaseDonation(context.Background(), "nick1")
	require.NoError(t, err)
	assert.Equal(t, models.StoreAppStore, res.Donation.Platform)
	assert.Equal(t, "receipt-blob", res.Donation.ReceiptToken)
}

func TestDonationFlowService_ForPurchaseIgnoredWithoutSubmitter(t *testing.T) {
	billing := &fakeBilling{purchaseFunc: fixedPurchase(androidPurchase("tok"))}
	flow := newTestFlow(billing, newMemoryRepo())

	bound := flow.ForPurchase(&models.Purchase{Platform: models.PlatformIOS})
	assert.Same(t, flow.Billing(), bound.Billing())
	assert.Equal(t, flow.ProductID(), bound.ProductID())
}
