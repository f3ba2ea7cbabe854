package storage

import (
	"context"
	"errors"
	"time"

	"github.com/codexlong/ChatForge/app/models"
)

// ErrNotFound is returned by every backend for a missing row so callers can
// use errors.Is without knowing which store serves the deployment.
var ErrNotFound = errors.New("storage: record not found")

// ErrDuplicate is returned when a create would violate a uniqueness guarantee
// (one completed payment per transaction id, one subscription per settling
// transaction id). Callers treat it as a lost race, not a hard failure.
var ErrDuplicate = errors.New("storage: duplicate record")

// Snapshot is the derived entitlement state synced onto the user profile.
type Snapshot struct {
	Pro                 bool
	MembershipExpiresAt *time.Time
}

// Store is the single seam between the reconciliation engine and the durable
// backend. Both implementations must expose identical observable semantics,
// in particular identical idempotency behavior for alias lookups and the
// dedup log.
type Store interface {
	// FindCompletedPaymentByAnyID returns the completed payment whose
	// transaction id matches any of the aliases, or ErrNotFound.
	FindCompletedPaymentByAnyID(ctx context.Context, aliases []string) (*models.Payment, error)
	// FindPendingPaymentByAnyID returns a pending payment matching any alias.
	FindPendingPaymentByAnyID(ctx context.Context, aliases []string) (*models.Payment, error)
	// FindRecentPendingPayment matches a pending payment by owner, amount,
	// currency and method created at or after since. Covers providers whose
	// pending record was created under one alias and settles under another.
	FindRecentPendingPayment(ctx context.Context, userID string, amount float64, currency, method string, since time.Time) (*models.Payment, error)
	CreatePayment(ctx context.Context, p *models.Payment) error
	UpdatePayment(ctx context.Context, p *models.Payment) error

	// FindActiveSubscription returns the active subscription for (user, plan).
	FindActiveSubscription(ctx context.Context, userID, planID string) (*models.Subscription, error)
	// FindSubscriptionByAnyTransactionID returns a subscription whose settling
	// transaction id or provider subscription id matches any alias.
	FindSubscriptionByAnyTransactionID(ctx context.Context, aliases []string) (*models.Subscription, error)
	CreateSubscription(ctx context.Context, s *models.Subscription) error
	UpdateSubscription(ctx context.Context, s *models.Subscription) error

	// SyncSnapshot writes the derived entitlement snapshot for a user,
	// creating the profile row when absent.
	SyncSnapshot(ctx context.Context, userID string, snap Snapshot) error
	GetProfile(ctx context.Context, userID string) (*models.UserProfile, error)

	// CreateWebhookEventIfNotExists inserts the delivery record when its key
	// is unseen. It returns created=false and the stored record when the key
	// already exists.
	CreateWebhookEventIfNotExists(ctx context.Context, ev *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id string) error
}
