package payment

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rafflrhq/rafflr/app/models"
	"github.com/rafflrhq/rafflr/internal/pkg/env"
)

// AppleAdapter translates App Store server-to-server notifications (v1
// format). Apple authenticates these with the app's shared secret embedded in
// the body instead of a detached signature header.
type AppleAdapter struct {
	sharedSecret string
}

func NewAppleAdapter(sharedSecret string) *AppleAdapter {
	return &AppleAdapter{sharedSecret: strings.TrimSpace(sharedSecret)}
}

func NewAppleAdapterFromEnv() *AppleAdapter {
	return NewAppleAdapter(env.GetEnv("APPLE_SHARED_SECRET", ""))
}

func (a *AppleAdapter) Provider() string {
	return models.ProviderApple
}

func (a *AppleAdapter) VerifySignature(body []byte, _ string) error {
	if a.sharedSecret == "" {
		return errors.New("APPLE_SHARED_SECRET is not configured")
	}
	var probe struct {
		Password string `json:"password"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(probe.Password), []byte(a.sharedSecret)) != 1 {
		return errors.New("shared secret mismatch")
	}
	return nil
}

type appleReceiptInfo struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	PurchaseDateMS        string `json:"purchase_date_ms"`
	ExpiresDateMS         string `json:"expires_date_ms"`
	IsTrialPeriod         string `json:"is_trial_period"`
	CancellationDateMS    string `json:"cancellation_date_ms"`
}

type appleNotification struct {
	NotificationType string `json:"notification_type"`
	AutoRenewStatus  string `json:"auto_renew_status"`
	UnifiedReceipt   struct {
		LatestReceiptInfo []appleReceiptInfo `json:"latest_receipt_info"`
	} `json:"unified_receipt"`
}

func (a *AppleAdapter) Normalize(body []byte) (*NormalizedEvent, error) {
	var note appleNotification
	if err := json.Unmarshal(body, &note); err != nil {
		return nil, err
	}
	if note.NotificationType == "" {
		return nil, errors.New("apple notification is missing notification_type")
	}

	receipt := latestReceipt(note.UnifiedReceipt.LatestReceiptInfo)

	ev := &NormalizedEvent{
		Provider:  models.ProviderApple,
		EventType: note.NotificationType,
		Kind:      EventIgnored,
	}

	switch note.NotificationType {
	case "INITIAL_BUY":
		ev.Kind = EventSubscriptionActivated
	case "DID_RENEW", "INTERACTIVE_RENEWAL":
		ev.Kind = EventSubscriptionRenewed
	case "DID_FAIL_TO_RENEW":
		ev.Kind = EventSubscriptionPaymentFailed
	case "DID_CHANGE_RENEWAL_STATUS":
		// auto_renew_status "false" means the user turned renewal off; the
		// subscription keeps running until the current period ends.
		// Re-enabling renewal needs no transition here.
		if note.AutoRenewStatus == "false" {
			ev.Kind = EventSubscriptionCancelled
		}
	case "CANCEL":
		// Apple support revoked the subscription and refunded it. The refund
		// reconciles through the ledger on the REFUND notification; this one
		// only changes lifecycle state.
		ev.Kind = EventSubscriptionCancelled
	case "REFUND":
		ev.Kind = EventRefunded
	}

	if receipt != nil {
		ev.SubjectID = receipt.OriginalTransactionID
		ev.ProviderChargeID = receipt.TransactionID
		ev.ProviderAccountID = receipt.OriginalTransactionID
		ev.ProviderPlanRef = receipt.ProductID
		ev.Trial = receipt.IsTrialPeriod == "true"
		ev.PeriodStart = msPtr(receipt.PurchaseDateMS)
		ev.PeriodEnd = msPtr(receipt.ExpiresDateMS)
		if t := msPtr(receipt.PurchaseDateMS); t != nil {
			ev.OccurredAt = *t
		}
		if ev.Kind == EventRefunded {
			// The ledger recorded the charge under its transaction id.
			ev.SubjectID = receipt.TransactionID
			ev.ProviderChargeID = receipt.TransactionID + ":refund"
		}
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	// Apple sends no event id; derive a stable one so redeliveries
	// deduplicate. Fall back to a payload hash when no receipt is attached.
	if receipt != nil && receipt.TransactionID != "" {
		ev.ProviderEventID = strings.ToLower(note.NotificationType) + ":" + receipt.TransactionID
	} else {
		ev.ProviderEventID = fmt.Sprintf("hash:%x", sha256.Sum256(body))
	}

	return ev, nil
}

// latestReceipt picks the entry with the newest purchase date; Apple sends
// the full transaction history in no guaranteed order.
func latestReceipt(infos []appleReceiptInfo) *appleReceiptInfo {
	var latest *appleReceiptInfo
	var latestMS int64 = -1
	for i := range infos {
		ms, err := strconv.ParseInt(infos[i].PurchaseDateMS, 10, 64)
		if err != nil {
			ms = 0
		}
		if ms > latestMS {
			latest = &infos[i]
			latestMS = ms
		}
	}
	return latest
}

func msPtr(ms string) *time.Time {
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil || v == 0 {
		return nil
	}
	t := time.UnixMilli(v)
	return &t
}
