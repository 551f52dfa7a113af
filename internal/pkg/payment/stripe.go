package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rafflrhq/rafflr/app/models"
	"github.com/rafflrhq/rafflr/internal/pkg/env"
	"github.com/stripe/stripe-go/v83"
)

// StripeAdapter translates Stripe webhook events. Signature verification runs
// over the raw bytes via the SDK's constructor; payload fields the v83 SDK
// structs no longer expose directly are read from Data.Raw with local types.
type StripeAdapter struct {
	webhookSecret string
}

func NewStripeAdapter(webhookSecret string) *StripeAdapter {
	return &StripeAdapter{webhookSecret: strings.TrimSpace(webhookSecret)}
}

func NewStripeAdapterFromEnv() *StripeAdapter {
	return NewStripeAdapter(env.GetEnv("STRIPE_WEBHOOK_SECRET", ""))
}

func (a *StripeAdapter) Provider() string {
	return models.ProviderStripe
}

func (a *StripeAdapter) VerifySignature(body []byte, signature string) error {
	if a.webhookSecret == "" {
		return errors.New("STRIPE_WEBHOOK_SECRET is not configured")
	}
	if _, err := stripe.ConstructEvent(body, signature, a.webhookSecret); err != nil {
		return err
	}
	return nil
}

// idRef accepts the two shapes Stripe uses for object references in webhook
// payloads: a bare id string or an expanded object.
type idRef struct {
	ID string
}

func (r *idRef) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &r.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	r.ID = obj.ID
	return nil
}

type stripePaymentIntent struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Customer idRef             `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Customer           idRef             `json:"customer"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	LatestInvoice      idRef             `json:"latest_invoice"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	ID            string `json:"id"`
	BillingReason string `json:"billing_reason"`
	AmountPaid    int64  `json:"amount_paid"`
	Currency      string `json:"currency"`
	Customer      idRef  `json:"customer"`
	Subscription  idRef  `json:"subscription"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription idRef             `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

type stripeCharge struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Customer       idRef             `json:"customer"`
	PaymentIntent  idRef             `json:"payment_intent"`
	Invoice        idRef             `json:"invoice"`
	Refunds        struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	} `json:"refunds"`
	Metadata map[string]string `json:"metadata"`
}

func (a *StripeAdapter) Normalize(body []byte) (*NormalizedEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, err
	}
	if event.ID == "" {
		return nil, errors.New("stripe event is missing an id")
	}

	ev := &NormalizedEvent{
		Provider:        models.ProviderStripe,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		Kind:            EventIgnored,
		OccurredAt:      time.Unix(event.Created, 0),
	}

	switch string(event.Type) {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripePaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("unmarshalling payment intent: %w", err)
		}
		ev.Kind = EventOneTimePaid
		if string(event.Type) == "payment_intent.payment_failed" {
			ev.Kind = EventOneTimeFailed
		}
		ev.SubjectID = pi.ID
		ev.ProviderChargeID = pi.ID
		ev.ProviderAccountID = pi.Customer.ID
		ev.AmountCents = pi.Amount
		ev.Currency = pi.Currency
		ev.UserID = userIDFromMetadata(pi.Metadata)
		ev.Credits = creditsFromMetadata(pi.Metadata)
		ev.ProviderPlanRef = pi.Metadata["pack"]

	case "customer.subscription.created":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("unmarshalling subscription: %w", err)
		}
		ev.Kind = EventSubscriptionActivated
		ev.SubjectID = sub.ID
		ev.ProviderAccountID = sub.Customer.ID
		ev.UserID = userIDFromMetadata(sub.Metadata)
		ev.Trial = sub.Status == "trialing"
		ev.ProviderPlanRef = firstPriceID(&sub)
		ev.PeriodStart, ev.PeriodEnd = subscriptionPeriod(&sub)
		ev.ProviderChargeID = sub.LatestInvoice.ID
		if ev.ProviderChargeID == "" {
			ev.ProviderChargeID = sub.ID + ":initial"
		}

	case "customer.subscription.updated":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("unmarshalling subscription: %w", err)
		}
		if !sub.CancelAtPeriodEnd {
			// Plan switches and metadata edits carry no lifecycle meaning
			// here; renewals arrive as invoice events.
			break
		}
		ev.Kind = EventSubscriptionCancelled
		ev.SubjectID = sub.ID
		ev.ProviderAccountID = sub.Customer.ID
		ev.UserID = userIDFromMetadata(sub.Metadata)

	case "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("unmarshalling subscription: %w", err)
		}
		ev.Kind = EventSubscriptionExpired
		ev.SubjectID = sub.ID
		ev.ProviderAccountID = sub.Customer.ID
		ev.UserID = userIDFromMetadata(sub.Metadata)

	case "invoice.payment_succeeded", "invoice.payment_failed":
		var inv stripeInvoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("unmarshalling invoice: %w", err)
		}
		subID := inv.Subscription.ID
		if subID == "" {
			subID = inv.Parent.SubscriptionDetails.Subscription.ID
		}
		if subID == "" {
			// Not a subscription invoice.
			break
		}
		ev.SubjectID = subID
		ev.ProviderChargeID = inv.ID
		ev.ProviderAccountID = inv.Customer.ID
		ev.AmountCents = inv.AmountPaid
		ev.Currency = inv.Currency
		ev.UserID = userIDFromMetadata(inv.Parent.SubscriptionDetails.Metadata)
		if len(inv.Lines.Data) > 0 {
			p := inv.Lines.Data[0].Period
			ev.PeriodStart, ev.PeriodEnd = unixPtr(p.Start), unixPtr(p.End)
		}
		if string(event.Type) == "invoice.payment_failed" {
			ev.Kind = EventSubscriptionPaymentFailed
			break
		}
		switch inv.BillingReason {
		case "subscription_create":
			ev.Kind = EventSubscriptionActivated
		case "subscription_cycle":
			ev.Kind = EventSubscriptionRenewed
		}

	case "charge.refunded":
		var ch stripeCharge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("unmarshalling charge: %w", err)
		}
		ev.Kind = EventRefunded
		// Reference the ledger row: subscription charges were recorded under
		// the invoice id, one-time purchases under the payment intent id.
		ev.SubjectID = ch.Invoice.ID
		if ev.SubjectID == "" {
			ev.SubjectID = ch.PaymentIntent.ID
		}
		if ev.SubjectID == "" {
			ev.SubjectID = ch.ID
		}
		ev.ProviderChargeID = ch.ID + ":refund"
		if len(ch.Refunds.Data) > 0 {
			ev.ProviderChargeID = ch.Refunds.Data[0].ID
		}
		ev.ProviderAccountID = ch.Customer.ID
		ev.AmountCents = ch.AmountRefunded
		ev.Currency = ch.Currency
		ev.UserID = userIDFromMetadata(ch.Metadata)
	}

	return ev, nil
}

func userIDFromMetadata(md map[string]string) uint {
	if md == nil {
		return 0
	}
	id, err := strconv.ParseUint(strings.TrimSpace(md["user_id"]), 10, 32)
	if err != nil {
		return 0
	}
	return uint(id)
}

func creditsFromMetadata(md map[string]string) int64 {
	if md == nil {
		return 0
	}
	credits, err := strconv.ParseInt(strings.TrimSpace(md["credits"]), 10, 64)
	if err != nil || credits < 0 {
		return 0
	}
	return credits
}

func firstPriceID(sub *stripeSubscription) string {
	if len(sub.Items.Data) == 0 {
		return ""
	}
	return sub.Items.Data[0].Price.ID
}

// subscriptionPeriod prefers the legacy top-level period fields and falls
// back to the per-item fields newer API versions use.
func subscriptionPeriod(sub *stripeSubscription) (*time.Time, *time.Time) {
	start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	if (start == 0 || end == 0) && len(sub.Items.Data) > 0 {
		start, end = sub.Items.Data[0].CurrentPeriodStart, sub.Items.Data[0].CurrentPeriodEnd
	}
	return unixPtr(start), unixPtr(end)
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0)
	return &t
}
