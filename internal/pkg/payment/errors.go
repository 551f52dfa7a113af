package payment

import "errors"

var (
	// ErrInvalidSignature rejects a webhook before anything is persisted.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedPayload rejects a body that cannot be normalized.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrUnknownProvider means no adapter is registered for the provider id.
	ErrUnknownProvider = errors.New("unknown payment provider")
	// ErrTransitionNotAllowed marks an event arriving in a state the
	// transition table does not list. Logged and dropped; the sweep
	// reconciles from period dates, so out-of-order delivery self-heals.
	ErrTransitionNotAllowed = errors.New("subscription transition not allowed")
	// ErrNoLinkedAccount means the provider identity resolves to no local
	// user. The event is recorded and acknowledged as ignored.
	ErrNoLinkedAccount = errors.New("no linked local account for provider identity")
	// ErrNoPlanMapping means the provider plan/product reference has no
	// active row in the plan mapping table.
	ErrNoPlanMapping = errors.New("no active plan mapping for provider plan ref")
)
