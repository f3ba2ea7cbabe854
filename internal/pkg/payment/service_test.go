package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codexlong/ChatForge/app/models"
	"github.com/codexlong/ChatForge/internal/pkg/payment/storage"
)

// fakeStore is an in-memory Store with the same observable semantics as the
// durable backends, plus per-method failure injection.
type fakeStore struct {
	mu sync.Mutex

	payments      map[string]*models.Payment
	subscriptions map[string]*models.Subscription
	profiles      map[string]*models.UserProfile
	webhooks      map[string]*models.WebhookEvent

	failSyncSnapshot bool
	syncCalls        int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		payments:      map[string]*models.Payment{},
		subscriptions: map[string]*models.Subscription{},
		profiles:      map[string]*models.UserProfile{},
		webhooks:      map[string]*models.WebhookEvent{},
	}
}

func copyPayment(p *models.Payment) *models.Payment {
	cp := *p
	if p.Metadata != nil {
		m := *p.Metadata
		cp.Metadata = &m
	}
	return &cp
}

func copySubscription(s *models.Subscription) *models.Subscription {
	cp := *s
	return &cp
}

func (f *fakeStore) findPayment(aliases []string, status string) (*models.Payment, error) {
	for _, alias := range aliases {
		if alias == "" {
			continue
		}
		for _, p := range f.payments {
			if p.TransactionID == alias && p.Status == status {
				return copyPayment(p), nil
			}
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) FindCompletedPaymentByAnyID(_ context.Context, aliases []string) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findPayment(aliases, models.PaymentStatusCompleted)
}

func (f *fakeStore) FindPendingPaymentByAnyID(_ context.Context, aliases []string) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findPayment(aliases, models.PaymentStatusPending)
}

func (f *fakeStore) FindRecentPendingPayment(_ context.Context, userID string, amount float64, currency, method string, since time.Time) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *models.Payment
	for _, p := range f.payments {
		if p.Status != models.PaymentStatusPending || p.UserID != userID {
			continue
		}
		if p.Amount != amount || p.Currency != currency || p.PaymentMethod != method {
			continue
		}
		if p.CreatedAt.Before(since) {
			continue
		}
		if best == nil || p.CreatedAt.After(best.CreatedAt) {
			best = p
		}
	}
	if best == nil {
		return nil, storage.ErrNotFound
	}
	return copyPayment(best), nil
}

// checkPaymentUnique mirrors the unique (transaction_id, status) index on the
// payments table. Callers must hold f.mu.
func (f *fakeStore) checkPaymentUnique(p *models.Payment) error {
	if p.TransactionID == "" {
		return nil
	}
	for _, existing := range f.payments {
		if existing.ID != p.ID && existing.TransactionID == p.TransactionID && existing.Status == p.Status {
			return fmt.Errorf("%w: payment for txn %s", storage.ErrDuplicate, p.TransactionID)
		}
	}
	return nil
}

func (f *fakeStore) CreatePayment(_ context.Context, p *models.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkPaymentUnique(p); err != nil {
		return err
	}
	f.payments[p.ID] = copyPayment(p)
	return nil
}

func (f *fakeStore) UpdatePayment(_ context.Context, p *models.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.payments[p.ID]; !ok {
		return storage.ErrNotFound
	}
	if err := f.checkPaymentUnique(p); err != nil {
		return err
	}
	f.payments[p.ID] = copyPayment(p)
	return nil
}

func (f *fakeStore) FindActiveSubscription(_ context.Context, userID, planID string) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subscriptions {
		if s.UserID == userID && s.PlanID == planID && s.Status == models.SubscriptionStatusActive {
			return copySubscription(s), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) FindSubscriptionByAnyTransactionID(_ context.Context, aliases []string) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, alias := range aliases {
		if alias == "" {
			continue
		}
		for _, s := range f.subscriptions {
			if s.TransactionID == alias || (s.ProviderSubscriptionID != "" && s.ProviderSubscriptionID == alias) {
				return copySubscription(s), nil
			}
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) CreateSubscription(_ context.Context, s *models.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Mirrors the unique index on the settling transaction id.
	for _, existing := range f.subscriptions {
		if s.TransactionID != "" && existing.TransactionID == s.TransactionID {
			return fmt.Errorf("%w: subscription for txn %s", storage.ErrDuplicate, s.TransactionID)
		}
	}
	f.subscriptions[s.ID] = copySubscription(s)
	return nil
}

func (f *fakeStore) UpdateSubscription(_ context.Context, s *models.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscriptions[s.ID]; !ok {
		return storage.ErrNotFound
	}
	f.subscriptions[s.ID] = copySubscription(s)
	return nil
}

func (f *fakeStore) SyncSnapshot(_ context.Context, userID string, snap storage.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls++
	if f.failSyncSnapshot {
		return fmt.Errorf("injected snapshot failure")
	}
	f.profiles[userID] = &models.UserProfile{
		ID:                  userID,
		Pro:                 snap.Pro,
		MembershipExpiresAt: snap.MembershipExpiresAt,
		UpdatedAt:           time.Now(),
	}
	return nil
}

func (f *fakeStore) GetProfile(_ context.Context, userID string) (*models.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) CreateWebhookEventIfNotExists(_ context.Context, ev *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stored, ok := f.webhooks[ev.ID]; ok {
		cp := *stored
		return false, &cp, nil
	}
	cp := *ev
	cp.CreatedAt = time.Now()
	f.webhooks[ev.ID] = &cp
	out := cp
	return true, &out, nil
}

func (f *fakeStore) MarkWebhookProcessed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.webhooks[id]
	if !ok {
		return storage.ErrNotFound
	}
	now := time.Now()
	ev.Processed = true
	ev.ProcessedAt = &now
	return nil
}

func (f *fakeStore) completedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.payments {
		if p.Status == models.PaymentStatusCompleted {
			n++
		}
	}
	return n
}

func (f *fakeStore) subscriptionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscriptions)
}

func (f *fakeStore) onlySubscription() *models.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subscriptions {
		return copySubscription(s)
	}
	return nil
}

func pendingFixture(id, userID, txn string, now time.Time) *models.Payment {
	return &models.Payment{
		ID:            id,
		UserID:        userID,
		Amount:        9.99,
		Currency:      "USD",
		Status:        models.PaymentStatusPending,
		PaymentMethod: models.PaymentMethodStripe,
		TransactionID: txn,
		CreatedAt:     now.Add(-time.Minute),
	}
}

func newTestReconciler(store storage.Store, now time.Time) *Reconciler {
	r := NewReconciler(store)
	r.now = func() time.Time { return now }
	return r
}
