package payment

import "time"

// EventKind is the internal, provider-agnostic billing event vocabulary.
// Provider adapters are the only place where provider event types are
// translated into these kinds.
type EventKind string

const (
	EventOneTimePaid               EventKind = "one_time_paid"
	EventOneTimeFailed             EventKind = "one_time_failed"
	EventSubscriptionActivated     EventKind = "subscription_activated"
	EventSubscriptionRenewed       EventKind = "subscription_renewed"
	EventSubscriptionPaymentFailed EventKind = "subscription_payment_failed"
	EventSubscriptionCancelled     EventKind = "subscription_cancelled"
	EventSubscriptionExpired       EventKind = "subscription_expired"
	EventRefunded                  EventKind = "refunded"
	// EventIgnored is recorded for audit but produces no transition. Unknown
	// provider event types normalize to it so provider API evolution never
	// loses data silently.
	EventIgnored EventKind = "ignored"
	// EventPeriodElapsed is synthetic; only the sweep produces it.
	EventPeriodElapsed EventKind = "period_elapsed"
)

// NormalizedEvent is the provider-agnostic representation of a billing fact.
// Immutable once constructed by an adapter.
type NormalizedEvent struct {
	Provider        string
	ProviderEventID string
	Kind            EventKind
	// EventType keeps the provider-native type string for audit.
	EventType string

	// UserID is zero when the provider payload carries no user reference
	// (Apple); the ingestion service resolves it via linked provider
	// accounts.
	UserID uint
	// SubjectID is the payment or subscription id at the provider. For
	// refunds it references the original charge.
	SubjectID string
	// ProviderChargeID identifies the individual charge backing a ledger
	// entry; it becomes Transaction.provider_transaction_id.
	ProviderChargeID string
	// ProviderAccountID is the provider-side identity used for linked
	// account lookup (Apple original_transaction_id, Stripe customer id).
	ProviderAccountID string
	// ProviderPlanRef is the provider's plan/product reference (Stripe price
	// id, Apple product id), resolved through the plan mapping table.
	ProviderPlanRef string

	AmountCents int64
	Currency    string
	// Credits carries pack credits resolved directly from the payload
	// (Stripe metadata); zero means "resolve via plan mapping".
	Credits int64

	Trial       bool
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	OccurredAt  time.Time
}

// ProviderAdapter translates one provider's webhook payloads. Adapters are
// constructed once at process start and injected into the ingestion service;
// adding a provider means adding an adapter, not touching the state machine.
type ProviderAdapter interface {
	Provider() string
	// VerifySignature authenticates the raw body before anything is
	// persisted. The signature argument is the provider's signature header
	// and may be empty for providers that embed the secret in the body.
	VerifySignature(body []byte, signature string) error
	Normalize(body []byte) (*NormalizedEvent, error)
}

// Mailer is the external collaborator used for transactional notices.
// Failures are logged, never propagated into webhook processing.
type Mailer interface {
	Send(to, subject, body string) error
}
