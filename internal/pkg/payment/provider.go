package payment

import (
	"context"
	"fmt"
	"sort"

	"github.com/codexlong/ChatForge/app/models"
)

// OrderMetadataSource lets adapters recover entitlement days from the
// metadata stored when the order was created. Amount-based inference is only
// consulted when this lookup finds nothing.
type OrderMetadataSource interface {
	PendingOrderMetadata(ctx context.Context, aliases []string) (*models.PaymentMetadata, error)
}

// Adapter normalizes one payment network's notices into canonical events.
// Adapters never write durable state; their only side effect is the optional
// metadata lookup read.
type Adapter interface {
	Name() string

	// VerifyNotice proves the notice authentic for this provider. It fails
	// closed: any verification problem is an error and the caller must
	// reject with an authentication failure and perform no writes. Providers
	// whose scheme requires an outbound verification call bound it by ctx.
	VerifyNotice(ctx context.Context, n RawNotice) error

	// ParseNotice normalizes an already-verified notice.
	ParseNotice(ctx context.Context, n RawNotice) (*Notice, error)

	// ConfirmOrder actively queries the provider for the state of an order,
	// used by the confirm endpoint where no pre-verified push exists. The
	// call is bounded; timeouts surface as ErrProviderUnavailable.
	ConfirmOrder(ctx context.Context, orderID, userID string) (*Notice, error)
}

// Registry is an explicitly constructed adapter lookup passed by dependency
// injection. No process-wide provider state exists.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get resolves an adapter by provider tag.
func (r *Registry) Get(provider string) (Adapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("payment: unknown provider %q", provider)
	}
	return a, nil
}

// Names lists registered provider tags in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
