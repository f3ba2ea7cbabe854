package payment

import "errors"

var (
	// ErrAuthenticationFailed means the notice could not be proven authentic.
	// Callers must reject without any state change or log entry.
	ErrAuthenticationFailed = errors.New("payment: notice authentication failed")

	// ErrMalformedEvent means required fields (user identity, transaction id)
	// are missing from an otherwise authentic notice.
	ErrMalformedEvent = errors.New("payment: malformed event")

	// ErrAmountRecoveryExhausted means no amount could be obtained from the
	// event, a pending record, or fallback inference. The event is logged as
	// a data-quality issue and never fabricates a ledger row.
	ErrAmountRecoveryExhausted = errors.New("payment: no recoverable amount")

	// ErrLedgerWrite wraps store failures during the payment/subscription
	// transition. The operation aborted before the derived cache was touched.
	ErrLedgerWrite = errors.New("payment: ledger write failed")

	// ErrCacheSync wraps store failures while syncing the derived snapshot
	// after the ledger already committed. Retrying the same entry point
	// repairs the cache without re-extending.
	ErrCacheSync = errors.New("payment: entitlement cache sync failed")

	// ErrProviderUnavailable is returned when an outbound provider query
	// times out or the provider cannot be reached.
	ErrProviderUnavailable = errors.New("payment: provider unavailable")
)
