package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/codexlong/ChatForge/app/models"
)

type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates the SQL store backend.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) FindCompletedPaymentByAnyID(ctx context.Context, aliases []string) (*models.Payment, error) {
	return s.findPaymentByStatus(ctx, aliases, models.PaymentStatusCompleted)
}

func (s *gormStore) FindPendingPaymentByAnyID(ctx context.Context, aliases []string) (*models.Payment, error) {
	return s.findPaymentByStatus(ctx, aliases, models.PaymentStatusPending)
}

func (s *gormStore) findPaymentByStatus(ctx context.Context, aliases []string, status string) (*models.Payment, error) {
	aliases = nonEmpty(aliases)
	if len(aliases) == 0 {
		return nil, ErrNotFound
	}
	var p models.Payment
	err := s.db.WithContext(ctx).
		Where("transaction_id IN ? AND status = ?", aliases, status).
		Order("created_at DESC").
		First(&p).Error
	if err != nil {
		return nil, mapGormErr(err)
	}
	return &p, nil
}

func (s *gormStore) FindRecentPendingPayment(ctx context.Context, userID string, amount float64, currency, method string, since time.Time) (*models.Payment, error) {
	var p models.Payment
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND amount = ? AND currency = ? AND payment_method = ? AND status = ? AND created_at >= ?",
			userID, amount, currency, method, models.PaymentStatusPending, since).
		Order("created_at DESC").
		First(&p).Error
	if err != nil {
		return nil, mapGormErr(err)
	}
	return &p, nil
}

func (s *gormStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	return mapGormErr(s.db.WithContext(ctx).Create(p).Error)
}

func (s *gormStore) UpdatePayment(ctx context.Context, p *models.Payment) error {
	return mapGormErr(s.db.WithContext(ctx).Save(p).Error)
}

func (s *gormStore) FindActiveSubscription(ctx context.Context, userID, planID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND plan_id = ? AND status = ?", userID, planID, models.SubscriptionStatusActive).
		First(&sub).Error
	if err != nil {
		return nil, mapGormErr(err)
	}
	return &sub, nil
}

func (s *gormStore) FindSubscriptionByAnyTransactionID(ctx context.Context, aliases []string) (*models.Subscription, error) {
	aliases = nonEmpty(aliases)
	if len(aliases) == 0 {
		return nil, ErrNotFound
	}
	var sub models.Subscription
	err := s.db.WithContext(ctx).
		Where("transaction_id IN ? OR provider_subscription_id IN ?", aliases, aliases).
		Order("updated_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, mapGormErr(err)
	}
	return &sub, nil
}

func (s *gormStore) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	return mapGormErr(s.db.WithContext(ctx).Create(sub).Error)
}

func (s *gormStore) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	return mapGormErr(s.db.WithContext(ctx).Save(sub).Error)
}

func (s *gormStore) SyncSnapshot(ctx context.Context, userID string, snap Snapshot) error {
	profile := &models.UserProfile{
		ID:                  userID,
		Pro:                 snap.Pro,
		MembershipExpiresAt: snap.MembershipExpiresAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"pro", "membership_expires_at", "updated_at"}),
	}).Create(profile).Error
}

func (s *gormStore) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	var profile models.UserProfile
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&profile).Error
	if err != nil {
		return nil, mapGormErr(err)
	}
	return &profile, nil
}

func (s *gormStore) CreateWebhookEventIfNotExists(ctx context.Context, ev *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(ev)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := s.db.WithContext(ctx).Where("id = ?", ev.ID).First(&stored).Error; err != nil {
		return false, nil, mapGormErr(err)
	}
	return created, &stored, nil
}

func (s *gormStore) MarkWebhookProcessed(ctx context.Context, id string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

func mapGormErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	// Requires TranslateError on the gorm config so the driver's duplicate-key
	// errors surface as gorm.ErrDuplicatedKey.
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

func nonEmpty(aliases []string) []string {
	out := aliases[:0:0]
	for _, a := range aliases {
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}
