package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/codexlong/ChatForge/app/models"
	"github.com/codexlong/ChatForge/internal/pkg/payment/storage"
)

// pendingMatchWindow bounds the user/amount/currency fallback match so an old
// abandoned order can never be upgraded by an unrelated settlement.
const pendingMatchWindow = 5 * time.Minute

// defaultEntitlementDays applies when an event carries no days and none could
// be recovered from order metadata or pricing.
const defaultEntitlementDays = 30

// entitlementDaysOf is the days actually applied to the ledger for an event.
func entitlementDaysOf(ev *PaymentEvent) int {
	if ev.EntitlementDays > 0 {
		return ev.EntitlementDays
	}
	return defaultEntitlementDays
}

// Reconciler applies canonical payment events to the ledger exactly once.
// It is the only writer of payment status transitions and subscription
// periods; both ingress channels funnel through it.
type Reconciler struct {
	store storage.Store

	// now is swappable for deterministic tests.
	now func() time.Time
}

// NewReconciler creates a reconciler over the injected store.
func NewReconciler(store storage.Store) *Reconciler {
	return &Reconciler{store: store, now: time.Now}
}

// Store exposes the underlying store for read-only collaborators.
func (r *Reconciler) Store() storage.Store { return r.store }

// Settle takes a canonical event and drives it to the durable end state:
// exactly one completed payment and exactly one entitlement extension per
// economic transaction, no matter how many times or through which channel the
// event arrives.
func (r *Reconciler) Settle(ctx context.Context, ev *PaymentEvent) (*SettleResult, error) {
	if ev == nil || ev.UserID == "" || len(ev.TransactionIDs) == 0 {
		return nil, fmt.Errorf("%w: missing user or transaction identity", ErrMalformedEvent)
	}

	// Step 1: alias-aware completed lookup. This is the exactly-once gate;
	// a hit means the ledger already settled and at most the derived cache
	// still needs repair.
	completed, err := r.store.FindCompletedPaymentByAnyID(ctx, ev.TransactionIDs)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: completed lookup: %v", ErrLedgerWrite, err)
	}
	if completed != nil {
		return r.settleAlreadyRecorded(ctx, ev, completed)
	}

	// Step 2: upgrade a pending record. Probe every alias first, then fall
	// back to the owner/amount/currency/method match inside the recency
	// window for providers that settle under a fresh identifier.
	pay, err := r.store.FindPendingPaymentByAnyID(ctx, ev.TransactionIDs)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: pending lookup: %v", ErrLedgerWrite, err)
	}
	if pay == nil && ev.Amount > 0 {
		pay, err = r.store.FindRecentPendingPayment(ctx, ev.UserID, ev.Amount, ev.Currency, ev.Provider, r.now().Add(-pendingMatchWindow))
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: recent pending lookup: %v", ErrLedgerWrite, err)
		}
	}

	amount := ev.Amount
	currency := ev.Currency
	if pay != nil {
		// Backfill from the pending record when the provider notice carried
		// no usable amount.
		if amount <= 0 && pay.Amount > 0 {
			amount = pay.Amount
		}
		if currency == "" && pay.Currency != "" {
			currency = pay.Currency
		}
	}
	if amount <= 0 {
		log.Printf("[payment] data-quality: no recoverable amount for txn=%s provider=%s user=%s",
			ev.PrimaryTransactionID(), ev.Provider, ev.UserID)
		return nil, fmt.Errorf("%w: txn %s", ErrAmountRecoveryExhausted, ev.PrimaryTransactionID())
	}

	if pay != nil {
		pay.Status = models.PaymentStatusCompleted
		pay.TransactionID = ev.PrimaryTransactionID()
		pay.Amount = amount
		pay.Currency = currency
		if err := r.store.UpdatePayment(ctx, pay); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return r.settleLostRace(ctx, ev)
			}
			return nil, fmt.Errorf("%w: upgrade pending payment: %v", ErrLedgerWrite, err)
		}
	} else {
		// Step 3: fallback creation; the webhook beat the pending write.
		// Re-run the completed gate first: a concurrent settle for the same
		// transaction may have won since step 1.
		completed, err = r.store.FindCompletedPaymentByAnyID(ctx, ev.TransactionIDs)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: completed re-check: %v", ErrLedgerWrite, err)
		}
		if completed != nil {
			return r.settleAlreadyRecorded(ctx, ev, completed)
		}
		pay = &models.Payment{
			ID:            uuid.NewString(),
			UserID:        ev.UserID,
			Amount:        amount,
			Currency:      currency,
			Status:        models.PaymentStatusCompleted,
			PaymentMethod: ev.Provider,
			TransactionID: ev.PrimaryTransactionID(),
		}
		if err := r.store.CreatePayment(ctx, pay); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				// Lost the race after the re-check; the winner's row is the
				// settlement of record.
				return r.settleLostRace(ctx, ev)
			}
			return nil, fmt.Errorf("%w: create payment: %v", ErrLedgerWrite, err)
		}
	}

	// Step 4: extend the subscription ledger.
	sub, err := r.extendEntitlement(ctx, ev)
	if err != nil {
		return nil, err
	}
	if pay.SubscriptionID == "" {
		pay.SubscriptionID = sub.ID
		if err := r.store.UpdatePayment(ctx, pay); err != nil {
			log.Printf("[payment] link payment %s to subscription %s failed: %v", pay.ID, sub.ID, err)
		}
	}

	result := &SettleResult{
		TransactionID: ev.PrimaryTransactionID(),
		Amount:        amount,
		Currency:      currency,
		DaysAdded:     entitlementDaysOf(ev),
		PeriodEnd:     sub.CurrentPeriodEnd,
	}

	// Step 5: derived cache sync, strictly after the ledger write. A failure
	// here is reported up so the caller retries; the retry takes the
	// already-settled path and repairs only the cache.
	if err := r.syncSnapshotFromSubscription(ctx, ev.UserID, sub); err != nil {
		return result, fmt.Errorf("%w: %v", ErrCacheSync, err)
	}
	return result, nil
}

// settleLostRace resolves a duplicate-key rejection from the ledger: another
// settle for the same transaction committed first, so this call replays
// against the winner's row.
func (r *Reconciler) settleLostRace(ctx context.Context, ev *PaymentEvent) (*SettleResult, error) {
	completed, err := r.store.FindCompletedPaymentByAnyID(ctx, ev.TransactionIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: lost-race lookup: %v", ErrLedgerWrite, err)
	}
	return r.settleAlreadyRecorded(ctx, ev, completed)
}

// settleAlreadyRecorded handles replays of a transaction whose payment row is
// already completed. The ledger must never be extended again for the same
// transaction, but two recoverable gaps are still closed here: a crash after
// the payment write but before the extension, and a crash after the
// extension but before the cache sync.
func (r *Reconciler) settleAlreadyRecorded(ctx context.Context, ev *PaymentEvent, pay *models.Payment) (*SettleResult, error) {
	sub, err := r.store.FindSubscriptionByAnyTransactionID(ctx, ev.TransactionIDs)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: subscription lookup: %v", ErrLedgerWrite, err)
	}

	if sub == nil {
		// Payment recorded but entitlement never granted: re-run only the
		// extension step.
		log.Printf("[payment] repairing missing extension for settled txn=%s user=%s", pay.TransactionID, ev.UserID)
		sub, err = r.extendEntitlement(ctx, ev)
		if err != nil {
			return nil, err
		}
	}

	result := &SettleResult{
		AlreadySettled: true,
		TransactionID:  pay.TransactionID,
		Amount:         pay.Amount,
		Currency:       pay.Currency,
		PeriodEnd:      sub.CurrentPeriodEnd,
	}
	if err := r.syncSnapshotFromSubscription(ctx, ev.UserID, sub); err != nil {
		return result, fmt.Errorf("%w: %v", ErrCacheSync, err)
	}
	return result, nil
}

// extendEntitlement applies the core date-math invariant: the new period end
// is entitlementDays past the later of now and the current period end, so an
// early renewal keeps its unused time and never gains more than the days
// purchased.
func (r *Reconciler) extendEntitlement(ctx context.Context, ev *PaymentEvent) (*models.Subscription, error) {
	now := r.now()
	days := entitlementDaysOf(ev)

	sub, err := r.store.FindActiveSubscription(ctx, ev.UserID, models.PlanPro)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: active subscription lookup: %v", ErrLedgerWrite, err)
	}

	if sub != nil {
		// A subscription already settled under one of this event's aliases
		// means this transaction produced the extension; never apply it twice.
		for _, alias := range ev.TransactionIDs {
			if alias != "" && (sub.TransactionID == alias || sub.ProviderSubscriptionID == alias) {
				return sub, nil
			}
		}
		base := now
		if sub.CurrentPeriodEnd.After(now) {
			base = sub.CurrentPeriodEnd
		}
		sub.CurrentPeriodEnd = base.AddDate(0, 0, days)
		sub.TransactionID = ev.PrimaryTransactionID()
		sub.Status = models.SubscriptionStatusActive
		if err := r.store.UpdateSubscription(ctx, sub); err != nil {
			return nil, fmt.Errorf("%w: update subscription: %v", ErrLedgerWrite, err)
		}
		return sub, nil
	}

	// No active subscription. Re-check the aliases once more right before
	// creating: a concurrent settle for the same transaction may have created
	// the subscription after our active lookup.
	if existing, err := r.store.FindSubscriptionByAnyTransactionID(ctx, ev.TransactionIDs); err == nil {
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: subscription re-check: %v", ErrLedgerWrite, err)
	}

	sub = &models.Subscription{
		ID:                 uuid.NewString(),
		UserID:             ev.UserID,
		PlanID:             models.PlanPro,
		Status:             models.SubscriptionStatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 0, days),
		TransactionID:      ev.PrimaryTransactionID(),
	}
	if err := r.store.CreateSubscription(ctx, sub); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// A concurrent settle created it between the re-check and our
			// insert; theirs is the extension of record.
			if existing, lookupErr := r.store.FindSubscriptionByAnyTransactionID(ctx, ev.TransactionIDs); lookupErr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("%w: create subscription: %v", ErrLedgerWrite, err)
	}
	return sub, nil
}

// HandleLifecycle applies provider-side subscription state changes
// (cancellation, suspension). The entitlement period itself is left intact;
// only the status and the derived snapshot move.
func (r *Reconciler) HandleLifecycle(ctx context.Context, ev *PaymentEvent) error {
	if ev == nil || len(ev.TransactionIDs) == 0 {
		return fmt.Errorf("%w: missing subscription identity", ErrMalformedEvent)
	}

	sub, err := r.store.FindSubscriptionByAnyTransactionID(ctx, ev.TransactionIDs)
	if errors.Is(err, storage.ErrNotFound) && ev.UserID != "" {
		sub, err = r.store.FindActiveSubscription(ctx, ev.UserID, models.PlanPro)
	}
	if errors.Is(err, storage.ErrNotFound) {
		// Nothing local mirrors this provider subscription; acknowledge so
		// the provider stops retrying.
		log.Printf("[payment] lifecycle %s for unknown subscription %v ignored", ev.Classification, ev.TransactionIDs)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: lifecycle lookup: %v", ErrLedgerWrite, err)
	}

	switch ev.Classification {
	case ClassificationCancelled:
		sub.Status = models.SubscriptionStatusCancelled
	case ClassificationSuspended:
		sub.Status = models.SubscriptionStatusSuspended
	default:
		return nil
	}
	if err := r.store.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("%w: lifecycle update: %v", ErrLedgerWrite, err)
	}
	if err := r.syncSnapshotFromSubscription(ctx, sub.UserID, sub); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheSync, err)
	}
	return nil
}

// syncSnapshotFromSubscription re-derives the profile snapshot as a pure
// function of the subscription row.
func (r *Reconciler) syncSnapshotFromSubscription(ctx context.Context, userID string, sub *models.Subscription) error {
	end := sub.CurrentPeriodEnd
	return r.store.SyncSnapshot(ctx, userID, storage.Snapshot{
		Pro:                 sub.IsCurrent(r.now()),
		MembershipExpiresAt: &end,
	})
}

// StoreMetadataSource adapts the store into the lookup adapters use to
// recover entitlement days recorded at order creation.
type StoreMetadataSource struct {
	Store storage.Store
}

func (s StoreMetadataSource) PendingOrderMetadata(ctx context.Context, aliases []string) (*models.PaymentMetadata, error) {
	pay, err := s.Store.FindPendingPaymentByAnyID(ctx, aliases)
	if err != nil {
		return nil, err
	}
	if pay.Metadata == nil {
		return nil, storage.ErrNotFound
	}
	return pay.Metadata, nil
}
