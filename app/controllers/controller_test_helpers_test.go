package controllers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codexlong/ChatForge/app/models"
	"github.com/codexlong/ChatForge/internal/pkg/payment"
	"github.com/codexlong/ChatForge/internal/pkg/payment/storage"
)

// memStore is a minimal in-memory Store for handler tests.
type memStore struct {
	mu            sync.Mutex
	payments      map[string]*models.Payment
	subscriptions map[string]*models.Subscription
	profiles      map[string]*models.UserProfile
	webhooks      map[string]*models.WebhookEvent

	failSyncSnapshot bool
}

func newMemStore() *memStore {
	return &memStore{
		payments:      map[string]*models.Payment{},
		subscriptions: map[string]*models.Subscription{},
		profiles:      map[string]*models.UserProfile{},
		webhooks:      map[string]*models.WebhookEvent{},
	}
}

func (m *memStore) findPayment(aliases []string, status string) (*models.Payment, error) {
	for _, alias := range aliases {
		if alias == "" {
			continue
		}
		for _, p := range m.payments {
			if p.TransactionID == alias && p.Status == status {
				cp := *p
				return &cp, nil
			}
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) FindCompletedPaymentByAnyID(_ context.Context, aliases []string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findPayment(aliases, models.PaymentStatusCompleted)
}

func (m *memStore) FindPendingPaymentByAnyID(_ context.Context, aliases []string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findPayment(aliases, models.PaymentStatusPending)
}

func (m *memStore) FindRecentPendingPayment(_ context.Context, userID string, amount float64, currency, method string, since time.Time) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.Status == models.PaymentStatusPending && p.UserID == userID &&
			p.Amount == amount && p.Currency == currency && p.PaymentMethod == method &&
			!p.CreatedAt.Before(since) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) CreatePayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *memStore) UpdatePayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *memStore) FindActiveSubscription(_ context.Context, userID, planID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subscriptions {
		if s.UserID == userID && s.PlanID == planID && s.Status == models.SubscriptionStatusActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) FindSubscriptionByAnyTransactionID(_ context.Context, aliases []string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, alias := range aliases {
		if alias == "" {
			continue
		}
		for _, s := range m.subscriptions {
			if s.TransactionID == alias || (s.ProviderSubscriptionID != "" && s.ProviderSubscriptionID == alias) {
				cp := *s
				return &cp, nil
			}
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) CreateSubscription(_ context.Context, s *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.subscriptions[s.ID] = &cp
	return nil
}

func (m *memStore) UpdateSubscription(_ context.Context, s *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.subscriptions[s.ID] = &cp
	return nil
}

func (m *memStore) SyncSnapshot(_ context.Context, userID string, snap storage.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSyncSnapshot {
		return fmt.Errorf("injected snapshot failure")
	}
	m.profiles[userID] = &models.UserProfile{
		ID:                  userID,
		Pro:                 snap.Pro,
		MembershipExpiresAt: snap.MembershipExpiresAt,
		UpdatedAt:           time.Now(),
	}
	return nil
}

func (m *memStore) GetProfile(_ context.Context, userID string) (*models.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) CreateWebhookEventIfNotExists(_ context.Context, ev *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.webhooks[ev.ID]; ok {
		cp := *stored
		return false, &cp, nil
	}
	cp := *ev
	m.webhooks[ev.ID] = &cp
	out := cp
	return true, &out, nil
}

func (m *memStore) MarkWebhookProcessed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.webhooks[id]; ok {
		now := time.Now()
		ev.Processed = true
		ev.ProcessedAt = &now
	}
	return nil
}

// stubAdapter is a scriptable provider adapter for handler tests.
type stubAdapter struct {
	name       string
	verifyErr  error
	notice     *payment.Notice
	parseErr   error
	confirm    *payment.Notice
	confirmErr error
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) VerifyNotice(context.Context, payment.RawNotice) error { return s.verifyErr }

func (s *stubAdapter) ParseNotice(context.Context, payment.RawNotice) (*payment.Notice, error) {
	return s.notice, s.parseErr
}

func (s *stubAdapter) ConfirmOrder(context.Context, string, string) (*payment.Notice, error) {
	return s.confirm, s.confirmErr
}
