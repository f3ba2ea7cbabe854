package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"

	"github.com/codexlong/ChatForge/app/models"
)

// DeliveryOutcome tells the ingress layer how to acknowledge the provider.
type DeliveryOutcome struct {
	// Duplicate is true when the delivery key was already processed and the
	// ledger was not consulted again.
	Duplicate bool
	Result    *SettleResult
}

// DedupKey computes the delivery-dedup key for a notice. A provider-issued
// delivery id wins over the event's own id, since providers may redeliver an
// identical event under a new delivery id after a slow acknowledgment; when
// neither exists the key is derived from the payload content.
func DedupKey(provider string, n *Notice, payload []byte) string {
	id := n.DeliveryID
	if id == "" && n.Event != nil {
		id = n.Event.EventID
	}
	if id == "" {
		sum := sha256.Sum256(payload)
		id = "hash:" + hex.EncodeToString(sum[:])
	}
	return provider + "_" + id
}

// ProcessDelivery runs the shared webhook pipeline for one verified,
// normalized notice: dedup-log check, reconciliation, processed flip. On
// failure the log entry stays unprocessed so the provider's redelivery (or an
// operator replay) completes it later.
func (r *Reconciler) ProcessDelivery(ctx context.Context, provider string, n *Notice, payload []byte) (*DeliveryOutcome, error) {
	key := DedupKey(provider, n, payload)

	created, stored, err := r.store.CreateWebhookEventIfNotExists(ctx, &models.WebhookEvent{
		ID:        key,
		Provider:  provider,
		EventType: n.EventType,
		Payload:   string(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dedup log write: %v", ErrLedgerWrite, err)
	}
	if !created && stored.Processed {
		return &DeliveryOutcome{Duplicate: true}, nil
	}

	outcome := &DeliveryOutcome{}
	switch n.Classification {
	case ClassificationPayment:
		res, err := r.Settle(ctx, n.Event)
		if err != nil {
			return nil, err
		}
		outcome.Result = res
	case ClassificationCancelled, ClassificationSuspended:
		if err := r.HandleLifecycle(ctx, n.Event); err != nil {
			return nil, err
		}
	default:
		// Authentic but irrelevant event types are acknowledged so the
		// provider stops retrying them.
		log.Printf("[payment] ignoring %s event %s", provider, n.EventType)
	}

	if err := r.store.MarkWebhookProcessed(ctx, key); err != nil {
		// The economic effect is durable; a stale unprocessed flag only means
		// a redelivery will take the idempotent path.
		log.Printf("[payment] mark processed failed for %s: %v", key, err)
	}
	return outcome, nil
}
