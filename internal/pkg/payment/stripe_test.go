package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/rafflrhq/rafflr/app/models"
)

func stripeSignatureHeader(body []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeVerifySignature(t *testing.T) {
	secret := "whsec_test"
	adapter := NewStripeAdapter(secret)
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)

	if err := adapter.VerifySignature(body, stripeSignatureHeader(body, secret)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := adapter.VerifySignature(body, stripeSignatureHeader(body, "whsec_wrong")); err == nil {
		t.Fatalf("expected signature from wrong secret to fail")
	}
	if err := adapter.VerifySignature(body, ""); err == nil {
		t.Fatalf("expected missing signature to fail")
	}
}

func TestStripeNormalizeOneTimePayment(t *testing.T) {
	adapter := NewStripeAdapter("whsec_test")
	body := []byte(`{
		"id": "evt_pi",
		"type": "payment_intent.succeeded",
		"created": 1767225600,
		"data": {"object": {
			"id": "pi_123",
			"amount": 499,
			"currency": "eur",
			"customer": "cus_9",
			"metadata": {"user_id": "42", "credits": "100", "pack": "pack_small"}
		}}
	}`)

	ev, err := adapter.Normalize(body)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if ev.Kind != EventOneTimePaid {
		t.Fatalf("kind = %q, want one_time_paid", ev.Kind)
	}
	if ev.ProviderEventID != "evt_pi" || ev.Provider != models.ProviderStripe {
		t.Fatalf("event identity wrong: %+v", ev)
	}
	if ev.UserID != 42 || ev.Credits != 100 {
		t.Fatalf("metadata not resolved: user=%d credits=%d", ev.UserID, ev.Credits)
	}
	if ev.ProviderChargeID != "pi_123" || ev.AmountCents != 499 {
		t.Fatalf("charge fields wrong: %+v", ev)
	}
	if ev.ProviderPlanRef != "pack_small" {
		t.Fatalf("pack ref = %q", ev.ProviderPlanRef)
	}
}

func TestStripeNormalizeSubscriptionCreated(t *testing.T) {
	adapter := NewStripeAdapter("whsec_test")
	body := []byte(`{
		"id": "evt_sub",
		"type": "customer.subscription.created",
		"data": {"object": {
			"id": "sub_1",
			"status": "trialing",
			"customer": {"id": "cus_9"},
			"latest_invoice": "in_1",
			"current_period_start": 1767225600,
			"current_period_end": 1769904000,
			"metadata": {"user_id": "7"},
			"items": {"data": [{"price": {"id": "price_starter"}}]}
		}}
	}`)

	ev, err := adapter.Normalize(body)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if ev.Kind != EventSubscriptionActivated {
		t.Fatalf("kind = %q", ev.Kind)
	}
	if !ev.Trial {
		t.Fatalf("trialing status must set Trial")
	}
	if ev.SubjectID != "sub_1" || ev.ProviderAccountID != "cus_9" {
		t.Fatalf("ids wrong: %+v", ev)
	}
	if ev.ProviderPlanRef != "price_starter" {
		t.Fatalf("plan ref = %q", ev.ProviderPlanRef)
	}
	if ev.ProviderChargeID != "in_1" {
		t.Fatalf("charge id = %q, want latest invoice", ev.ProviderChargeID)
	}
	if ev.PeriodStart == nil || ev.PeriodEnd == nil {
		t.Fatalf("period dates missing")
	}
}

func TestStripeNormalizeInvoiceEvents(t *testing.T) {
	adapter := NewStripeAdapter("whsec_test")
	invoice := func(billingReason, eventType string) []byte {
		return []byte(fmt.Sprintf(`{
			"id": "evt_in",
			"type": %q,
			"data": {"object": {
				"id": "in_2",
				"billing_reason": %q,
				"amount_paid": 999,
				"currency": "eur",
				"customer": "cus_9",
				"subscription": "sub_1",
				"lines": {"data": [{"period": {"start": 1767225600, "end": 1769904000}}]}
			}}
		}`, eventType, billingReason))
	}

	ev, err := adapter.Normalize(invoice("subscription_cycle", "invoice.payment_succeeded"))
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if ev.Kind != EventSubscriptionRenewed {
		t.Fatalf("subscription_cycle kind = %q, want renewed", ev.Kind)
	}
	if ev.SubjectID != "sub_1" || ev.ProviderChargeID != "in_2" {
		t.Fatalf("ids wrong: %+v", ev)
	}
	if ev.PeriodEnd == nil {
		t.Fatalf("period end missing")
	}

	ev, err = adapter.Normalize(invoice("subscription_create", "invoice.payment_succeeded"))
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if ev.Kind != EventSubscriptionActivated {
		t.Fatalf("subscription_create kind = %q, want activated", ev.Kind)
	}

	ev, err = adapter.Normalize(invoice("subscription_cycle", "invoice.payment_failed"))
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if ev.Kind != EventSubscriptionPaymentFailed {
		t.Fatalf("payment_failed kind = %q", ev.Kind)
	}
}

func TestStripeNormalizeNonSubscriptionInvoiceIgnored(t *testing.T) {
	adapter := NewStripeAdapter("whsec_test")
	body := []byte(`{
		"id": "evt_in_oneoff",
		"type": "invoice.payment_succeeded",
		"data": {"object": {"id": "in_3", "billing_reason": "manual"}}
	}`)

	ev, err := adapter.Normalize(body)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if ev.Kind != EventIgnored {
		t.Fatalf("kind = %q, want ignored", ev.Kind)
	}
}

func TestStripeNormalizeCancellationAndExpiry(t *testing.T) {
	adapter := NewStripeAdapter("whsec_test")

	updated := []byte(`{
		"id": "evt_upd",
		"type": "customer.subscription.updated",
		"data": {"object": {"id": "sub_1", "cancel_at_period_end": true, "customer": "cus_9"}}
	}`)
	ev, err := adapter.Normalize(updated)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if ev.Kind != EventSubscriptionCancelled {
		t.Fatalf("kind = %q, want cancelled", ev.Kind)
	}

	planSwitch := []byte(`{
		"id": "evt_upd2",
		"type": "customer.subscription.updated",
		"data": {"object": {"id": "sub_1", "cancel_at_period_end": false}}
	}`)
	ev, err = adapter.Normalize(planSwitch)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if ev.Kind != EventIgnored {
		t.Fatalf("update without cancel flag: kind = %q, want ignored", ev.Kind)
	}

	deleted := []byte(`{
		"id": "evt_del",
		"type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_1", "customer": "cus_9"}}
	}`)
	ev, err = adapter.Normalize(deleted)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if ev.Kind != EventSubscriptionExpired {
		t.Fatalf("kind = %q, want expired", ev.Kind)
	}
}

func TestStripeNormalizeRefund(t *testing.T) {
	adapter := NewStripeAdapter("whsec_test")
	body := []byte(`{
		"id": "evt_ref",
		"type": "charge.refunded",
		"data": {"object": {
			"id": "ch_1",
			"amount": 999,
			"amount_refunded": 999,
			"currency": "eur",
			"customer": "cus_9",
			"payment_intent": "pi_123",
			"invoice": "in_2",
			"refunds": {"data": [{"id": "re_1"}]}
		}}
	}`)

	ev, err := adapter.Normalize(body)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if ev.Kind != EventRefunded {
		t.Fatalf("kind = %q", ev.Kind)
	}
	// Subscription charges ledger under the invoice id.
	if ev.SubjectID != "in_2" {
		t.Fatalf("subject = %q, want invoice id", ev.SubjectID)
	}
	if ev.ProviderChargeID != "re_1" {
		t.Fatalf("refund tx id = %q, want refund object id", ev.ProviderChargeID)
	}

	noInvoice := []byte(`{
		"id": "evt_ref2",
		"type": "charge.refunded",
		"data": {"object": {"id": "ch_2", "payment_intent": "pi_456", "refunds": {"data": []}}}
	}`)
	ev, err = adapter.Normalize(noInvoice)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if ev.SubjectID != "pi_456" {
		t.Fatalf("subject = %q, want payment intent id", ev.SubjectID)
	}
	if ev.ProviderChargeID != "ch_2:refund" {
		t.Fatalf("refund tx id = %q", ev.ProviderChargeID)
	}
}

func TestStripeNormalizeUnknownTypeIgnored(t *testing.T) {
	adapter := NewStripeAdapter("whsec_test")
	ev, err := adapter.Normalize([]byte(`{"id": "evt_x", "type": "customer.created", "data": {"object": {}}}`))
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if ev.Kind != EventIgnored {
		t.Fatalf("kind = %q, want ignored", ev.Kind)
	}
	if ev.EventType != "customer.created" {
		t.Fatalf("event type not preserved: %q", ev.EventType)
	}
}
