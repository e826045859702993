package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"donation-api/internal/models"
	"donation-api/pkg/logging"

	"github.com/robfig/cron/v3"
)

// PendingFinalizationStore lists and closes purchases whose finalize call failed. Rows that
// reached maxAttempts are left out of the listing.
type PendingFinalizationStore interface {
	ListPendingFinalizations(ctx context.Context, limit, maxAttempts int) ([]models.PendingFinalization, error)
	MarkFinalized(ctx context.Context, id uint) error
	MarkFinalizeFailed(ctx context.Context, id uint, cause error) error
}

// ReconcilerMetrics receives per-purchase reconcile results
type ReconcilerMetrics interface {
	FinalizationReconciled(result string)
}

// FinalizationReconciler retries finalize for recorded purchases on a cron schedule
type FinalizationReconciler struct {
	store       PendingFinalizationStore
	billing     BillingClient
	schedule    string
	batchSize   int
	maxAttempts int
	runTimeout  time.Duration
	metrics     ReconcilerMetrics

	mu   sync.Mutex
	cron *cron.Cron
}

// NewFinalizationReconciler creates a reconciler. schedule uses cron syntax, including
// descriptors such as "@every 5m".
func NewFinalizationReconciler(store PendingFinalizationStore, billing BillingClient, schedule string, metrics ReconcilerMetrics) *FinalizationReconciler {
	return &FinalizationReconciler{
		store:       store,
		billing:     billing,
		schedule:    schedule,
		batchSize:   50,
		maxAttempts: 20,
		runTimeout:  2 * time.Minute,
		metrics:     metrics,
	}
}

// ReconcileResult summarizes one run
type ReconcileResult struct {
	Finalized int
	Failed    int
	// Abandoned counts rows that failed for the last allowed time
	Abandoned int
}

// RunOnce finalizes one batch of pending purchases
func (r *FinalizationReconciler) RunOnce(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	pending, err := r.store.ListPendingFinalizations(ctx, r.batchSize, r.maxAttempts)
	if err != nil {
		return result, fmt.Errorf("failed to list pending finalizations: %w", err)
	}
	if len(pending) == 0 {
		return result, nil
	}

	if err := r.billing.InitConnection(ctx); err != nil {
		return result, fmt.Errorf("failed to init billing: %w", err)
	}

	for i := range pending {
		p := &pending[i]
		if err := r.billing.FinishTransaction(ctx, p.Purchase(), true); err != nil {
			result.Failed++
			r.record("failed")
			if p.Attempts+1 >= r.maxAttempts {
				result.Abandoned++
				logging.Errorf("Giving up on finalize - transaction: %s, token: %s, attempts: %d, error: %v",
					p.TransactionID, tokenPrefix(p.ReceiptToken), p.Attempts+1, err)
			} else {
				logging.Warnf("Reconcile finalize failed - transaction: %s, attempts: %d, error: %v", p.TransactionID, p.Attempts+1, err)
			}
			if merr := r.store.MarkFinalizeFailed(ctx, p.ID, err); merr != nil {
				logging.Errorf("Failed to record reconcile failure for %d: %v", p.ID, merr)
			}
			continue
		}

		if err := r.store.MarkFinalized(ctx, p.ID); err != nil {
			logging.Errorf("Finalized transaction %s but failed to mark it: %v", p.TransactionID, err)
		}
		result.Finalized++
		r.record("finalized")
	}

	logging.Infof("Finalization reconcile run - finalized: %d, failed: %d, abandoned: %d",
		result.Finalized, result.Failed, result.Abandoned)
	return result, nil
}

func (r *FinalizationReconciler) record(result string) {
	if r.metrics != nil {
		r.metrics.FinalizationReconciled(result)
	}
}

// Start schedules RunOnce. Overlapping runs are skipped.
func (r *FinalizationReconciler) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}

	logger := cron.PrintfLogger(logging.Logger)
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(r.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.runTimeout)
		defer cancel()
		if _, err := r.RunOnce(ctx); err != nil {
			logging.Errorf("Finalization reconcile failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", r.schedule, err)
	}

	c.Start()
	r.cron = c
	logging.Infof("Finalization reconciler started - schedule: %s", r.schedule)
	return nil
}

// Stop waits for a running reconcile to finish
func (r *FinalizationReconciler) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
