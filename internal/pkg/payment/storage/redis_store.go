package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codexlong/ChatForge/app/models"
)

// redisStore keeps every record as a JSON document under a typed key plus a
// small set of secondary index keys, mirroring the document-store deployment.
// The externally observable semantics match the SQL backend exactly.
type redisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates the document store backend.
func NewRedisStore(rdb *redis.Client) Store {
	return &redisStore{rdb: rdb}
}

func paymentKey(id string) string        { return "payment:" + id }
func paymentTxnKey(alias string) string  { return "payment:txn:" + alias }
func paymentUserKey(userID string) string { return "payment:user:" + userID }

// paymentCompletedKey claims the completed slot for a transaction id, the
// document-store equivalent of the SQL unique (transaction_id, status) index.
func paymentCompletedKey(alias string) string { return "payment:completed:" + alias }

func subscriptionKey(id string) string       { return "subscription:" + id }
func subscriptionTxnKey(alias string) string { return "subscription:txn:" + alias }
func subscriptionActiveKey(userID, planID string) string {
	return fmt.Sprintf("subscription:active:%s:%s", userID, planID)
}

func profileKey(userID string) string { return "profile:" + userID }
func webhookKey(id string) string     { return "webhook:" + id }

func (s *redisStore) FindCompletedPaymentByAnyID(ctx context.Context, aliases []string) (*models.Payment, error) {
	return s.findPaymentByStatus(ctx, aliases, models.PaymentStatusCompleted)
}

func (s *redisStore) FindPendingPaymentByAnyID(ctx context.Context, aliases []string) (*models.Payment, error) {
	return s.findPaymentByStatus(ctx, aliases, models.PaymentStatusPending)
}

func (s *redisStore) findPaymentByStatus(ctx context.Context, aliases []string, status string) (*models.Payment, error) {
	for _, alias := range nonEmpty(aliases) {
		id, err := s.rdb.Get(ctx, paymentTxnKey(alias)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		p, err := s.loadPayment(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if p.Status == status {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (s *redisStore) FindRecentPendingPayment(ctx context.Context, userID string, amount float64, currency, method string, since time.Time) (*models.Payment, error) {
	ids, err := s.rdb.ZRevRangeByScore(ctx, paymentUserKey(userID), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since.Unix()),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for _, id := range ids {
		p, err := s.loadPayment(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if p.Status == models.PaymentStatusPending &&
			p.Amount == amount && p.Currency == currency && p.PaymentMethod == method {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (s *redisStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return s.writePayment(ctx, p)
}

func (s *redisStore) UpdatePayment(ctx context.Context, p *models.Payment) error {
	p.UpdatedAt = time.Now()
	return s.writePayment(ctx, p)
}

// claimCompleted reserves the completed slot for the payment's transaction id
// via SetNX. A slot already owned by another payment row means a concurrent
// settle won the race.
func (s *redisStore) claimCompleted(ctx context.Context, p *models.Payment) error {
	if p.Status != models.PaymentStatusCompleted || p.TransactionID == "" {
		return nil
	}
	claimed, err := s.rdb.SetNX(ctx, paymentCompletedKey(p.TransactionID), p.ID, 0).Result()
	if err != nil {
		return err
	}
	if claimed {
		return nil
	}
	owner, err := s.rdb.Get(ctx, paymentCompletedKey(p.TransactionID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if owner != p.ID {
		return fmt.Errorf("%w: completed payment for txn %s", ErrDuplicate, p.TransactionID)
	}
	return nil
}

func (s *redisStore) writePayment(ctx context.Context, p *models.Payment) error {
	if err := s.claimCompleted(ctx, p); err != nil {
		return err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, paymentKey(p.ID), raw, 0)
	if p.TransactionID != "" {
		// Index keys for superseded aliases are kept; lookups resolve whichever
		// alias the caller probes with.
		pipe.Set(ctx, paymentTxnKey(p.TransactionID), p.ID, 0)
	}
	pipe.ZAdd(ctx, paymentUserKey(p.UserID), redis.Z{Score: float64(p.CreatedAt.Unix()), Member: p.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) loadPayment(ctx context.Context, id string) (*models.Payment, error) {
	raw, err := s.rdb.Get(ctx, paymentKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var p models.Payment
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *redisStore) FindActiveSubscription(ctx context.Context, userID, planID string) (*models.Subscription, error) {
	id, err := s.rdb.Get(ctx, subscriptionActiveKey(userID, planID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sub, err := s.loadSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != models.SubscriptionStatusActive {
		return nil, ErrNotFound
	}
	return sub, nil
}

func (s *redisStore) FindSubscriptionByAnyTransactionID(ctx context.Context, aliases []string) (*models.Subscription, error) {
	for _, alias := range nonEmpty(aliases) {
		id, err := s.rdb.Get(ctx, subscriptionTxnKey(alias)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sub, err := s.loadSubscription(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return sub, nil
	}
	return nil, ErrNotFound
}

func (s *redisStore) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	// One subscription per settling transaction id, matching the SQL unique
	// index.
	if sub.TransactionID != "" {
		claimed, err := s.rdb.SetNX(ctx, subscriptionTxnKey(sub.TransactionID), sub.ID, 0).Result()
		if err != nil {
			return err
		}
		if !claimed {
			owner, err := s.rdb.Get(ctx, subscriptionTxnKey(sub.TransactionID)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if owner != sub.ID {
				return fmt.Errorf("%w: subscription for txn %s", ErrDuplicate, sub.TransactionID)
			}
		}
	}
	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	return s.writeSubscription(ctx, sub)
}

func (s *redisStore) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	sub.UpdatedAt = time.Now()
	return s.writeSubscription(ctx, sub)
}

func (s *redisStore) writeSubscription(ctx context.Context, sub *models.Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, subscriptionKey(sub.ID), raw, 0)
	active := subscriptionActiveKey(sub.UserID, sub.PlanID)
	if sub.Status == models.SubscriptionStatusActive {
		pipe.Set(ctx, active, sub.ID, 0)
	} else {
		pipe.Del(ctx, active)
	}
	if sub.TransactionID != "" {
		pipe.Set(ctx, subscriptionTxnKey(sub.TransactionID), sub.ID, 0)
	}
	if sub.ProviderSubscriptionID != "" {
		pipe.Set(ctx, subscriptionTxnKey(sub.ProviderSubscriptionID), sub.ID, 0)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) loadSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	raw, err := s.rdb.Get(ctx, subscriptionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sub models.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *redisStore) SyncSnapshot(ctx context.Context, userID string, snap Snapshot) error {
	profile := models.UserProfile{
		ID:                  userID,
		Pro:                 snap.Pro,
		MembershipExpiresAt: snap.MembershipExpiresAt,
		UpdatedAt:           time.Now(),
	}
	raw, err := json.Marshal(&profile)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, profileKey(userID), raw, 0).Err()
}

func (s *redisStore) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	raw, err := s.rdb.Get(ctx, profileKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var profile models.UserProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (s *redisStore) CreateWebhookEventIfNotExists(ctx context.Context, ev *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return false, nil, err
	}
	created, err := s.rdb.SetNX(ctx, webhookKey(ev.ID), raw, 0).Result()
	if err != nil {
		return false, nil, err
	}
	if created {
		return true, ev, nil
	}
	stored, err := s.loadWebhookEvent(ctx, ev.ID)
	if err != nil {
		return false, nil, err
	}
	return false, stored, nil
}

func (s *redisStore) MarkWebhookProcessed(ctx context.Context, id string) error {
	ev, err := s.loadWebhookEvent(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	ev.Processed = true
	ev.ProcessedAt = &now
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, webhookKey(id), raw, 0).Err()
}

func (s *redisStore) loadWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	raw, err := s.rdb.Get(ctx, webhookKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var ev models.WebhookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
