package payment

import (
	"time"

	"github.com/rafflrhq/rafflr/app/models"
)

// GraceWindow is how long a lapsed subscription stays in grace_period before
// the sweep expires it.
const GraceWindow = 3 * 24 * time.Hour

// Transition is the computed outcome of applying one event to one
// subscription. Decide is pure; the service applies the effects.
type Transition struct {
	NextStatus           string
	GrantCredits         bool
	SetCancelAtPeriodEnd bool
	NewPeriodStart       *time.Time
	NewPeriodEnd         *time.Time
}

// allowedStates lists, per event kind, the current states an existing
// subscription may be in for the event to apply. Events for states not
// listed are dropped with ErrTransitionNotAllowed.
var allowedStates = map[EventKind][]string{
	EventSubscriptionActivated:     {models.SubscriptionStatusTrialing},
	EventSubscriptionRenewed:       {models.SubscriptionStatusActive, models.SubscriptionStatusPastDue, models.SubscriptionStatusGracePeriod},
	EventSubscriptionPaymentFailed: {models.SubscriptionStatusActive},
	EventSubscriptionCancelled: {
		models.SubscriptionStatusTrialing, models.SubscriptionStatusActive,
		models.SubscriptionStatusPastDue, models.SubscriptionStatusGracePeriod,
	},
	EventSubscriptionExpired: {
		models.SubscriptionStatusTrialing, models.SubscriptionStatusActive,
		models.SubscriptionStatusPastDue, models.SubscriptionStatusGracePeriod,
	},
}

func stateAllowed(kind EventKind, status string) bool {
	for _, s := range allowedStates[kind] {
		if s == status {
			return true
		}
	}
	return false
}

// Decide computes the transition for an event against an existing
// subscription. It returns (nil, nil) when there is legitimately nothing to
// do (period-elapsed before the period actually lapsed) and
// ErrTransitionNotAllowed when the event is illegal in the current state.
func Decide(sub *models.Subscription, ev *NormalizedEvent, now time.Time) (*Transition, error) {
	if sub.IsTerminal() {
		if ev.Kind == EventPeriodElapsed {
			// Re-running the sweep against a terminal row is a no-op by
			// construction.
			return nil, nil
		}
		return nil, ErrTransitionNotAllowed
	}

	switch ev.Kind {
	case EventSubscriptionActivated:
		if !stateAllowed(ev.Kind, sub.Status) {
			return nil, ErrTransitionNotAllowed
		}
		return &Transition{
			NextStatus:     models.SubscriptionStatusActive,
			GrantCredits:   true,
			NewPeriodStart: ev.PeriodStart,
			NewPeriodEnd:   ev.PeriodEnd,
		}, nil

	case EventSubscriptionRenewed:
		if !stateAllowed(ev.Kind, sub.Status) {
			return nil, ErrTransitionNotAllowed
		}
		return &Transition{
			NextStatus:     models.SubscriptionStatusActive,
			GrantCredits:   true,
			NewPeriodStart: ev.PeriodStart,
			NewPeriodEnd:   ev.PeriodEnd,
		}, nil

	case EventSubscriptionPaymentFailed:
		if !stateAllowed(ev.Kind, sub.Status) {
			return nil, ErrTransitionNotAllowed
		}
		return &Transition{NextStatus: models.SubscriptionStatusPastDue}, nil

	case EventSubscriptionCancelled:
		if !stateAllowed(ev.Kind, sub.Status) {
			return nil, ErrTransitionNotAllowed
		}
		// No immediate state change; the sweep expires the subscription at
		// period end unless a renewal arrives first.
		return &Transition{NextStatus: sub.Status, SetCancelAtPeriodEnd: true}, nil

	case EventSubscriptionExpired:
		if !stateAllowed(ev.Kind, sub.Status) {
			return nil, ErrTransitionNotAllowed
		}
		return &Transition{NextStatus: models.SubscriptionStatusExpired}, nil

	case EventPeriodElapsed:
		return decidePeriodElapsed(sub, now), nil
	}

	return nil, ErrTransitionNotAllowed
}

func decidePeriodElapsed(sub *models.Subscription, now time.Time) *Transition {
	if sub.CurrentPeriodEnd == nil || !now.After(*sub.CurrentPeriodEnd) {
		return nil
	}

	switch sub.Status {
	case models.SubscriptionStatusGracePeriod:
		if now.After(sub.CurrentPeriodEnd.Add(GraceWindow)) {
			return &Transition{NextStatus: models.SubscriptionStatusExpired}
		}
		return nil
	case models.SubscriptionStatusActive, models.SubscriptionStatusPastDue, models.SubscriptionStatusTrialing:
		if sub.CancelAtPeriodEnd {
			return &Transition{NextStatus: models.SubscriptionStatusExpired}
		}
		return &Transition{NextStatus: models.SubscriptionStatusGracePeriod}
	}
	return nil
}
