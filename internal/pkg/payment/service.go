package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/rafflrhq/rafflr/app/models"
	"github.com/rafflrhq/rafflr/internal/pkg/ledger"
	"gorm.io/gorm"
)

// Ledger is the balance mutator the service drives for credit side effects.
// Satisfied by ledger.Service; substituted with fakes in tests.
type Ledger interface {
	Apply(entry ledger.Entry) (int64, error)
	Refund(originalProviderTxID, refundProviderTxID string, amountCents int64, description string) (int64, error)
}

// IngestResult reports how a webhook delivery was acknowledged.
type IngestResult struct {
	WebhookEventID uint
	Duplicate      bool
	Ignored        bool
}

// Service is the webhook ingestion and reconciliation engine: it
// authenticates deliveries, persists them exactly once, and drives the
// subscription state machine and the credit ledger.
type Service struct {
	repo     Repository
	ledger   Ledger
	adapters map[string]ProviderAdapter
	mailer   Mailer
	now      func() time.Time
}

// NewService creates the engine from injected collaborators. Adapters are
// registered once at process start.
func NewService(repo Repository, lg Ledger, mailer Mailer, adapters ...ProviderAdapter) *Service {
	s := &Service{
		repo:     repo,
		ledger:   lg,
		adapters: make(map[string]ProviderAdapter, len(adapters)),
		mailer:   mailer,
		now:      time.Now,
	}
	for _, a := range adapters {
		s.adapters[a.Provider()] = a
	}
	return s
}

// NewServiceFromDB wires the engine with GORM-backed repositories.
func NewServiceFromDB(db *gorm.DB, mailer Mailer, adapters ...ProviderAdapter) *Service {
	return NewService(NewRepository(db), ledger.NewServiceFromDB(db), mailer, adapters...)
}

// Ingest handles one webhook delivery end to end.
//
// Signature failures and malformed bodies are rejected without persisting
// anything. Once the event is recorded, the provider is always acknowledged:
// processing failures are stored on the record for replay instead of relying
// on provider retries of a poison event. Only failure to persist the record
// itself propagates, so the provider's retry is actually useful.
func (s *Service) Ingest(ctx context.Context, provider, signature string, rawBody []byte) (*IngestResult, error) {
	_ = ctx
	adapter, ok := s.adapters[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, ErrUnknownProvider
	}

	if err := adapter.VerifySignature(rawBody, signature); err != nil {
		return nil, ErrInvalidSignature
	}

	ev, err := adapter.Normalize(rawBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	created, stored, err := s.repo.CreateWebhookEventIfNotExists(&models.WebhookEvent{
		Provider:        adapter.Provider(),
		ProviderEventID: ev.ProviderEventID,
		EventType:       ev.EventType,
		PayloadJSON:     string(rawBody),
		Signature:       signature,
	})
	if err != nil {
		return nil, fmt.Errorf("persisting webhook event: %w", err)
	}
	if !created {
		// Either already handled or an in-flight delivery owns it; both ack.
		return &IngestResult{WebhookEventID: stored.ID, Duplicate: true}, nil
	}

	if ev.Kind == EventIgnored {
		if err := s.repo.MarkWebhookProcessed(stored.ID, ""); err != nil {
			log.Errorf("[Payment] marking ignored event %d processed: %v", stored.ID, err)
		}
		return &IngestResult{WebhookEventID: stored.ID, Ignored: true}, nil
	}

	procErr := s.processEvent(ev)
	switch {
	case procErr == nil:
		if err := s.repo.MarkWebhookProcessed(stored.ID, ""); err != nil {
			log.Errorf("[Payment] marking event %d processed: %v", stored.ID, err)
		}
		return &IngestResult{WebhookEventID: stored.ID}, nil

	case isBenignOutcome(procErr):
		// Recorded, logged, not retried. The sweep reconciles out-of-order
		// deliveries from period dates.
		log.Warnf("[Payment] event %s/%s dropped: %v", ev.Provider, ev.ProviderEventID, procErr)
		if err := s.repo.MarkWebhookProcessed(stored.ID, procErr.Error()); err != nil {
			log.Errorf("[Payment] marking event %d processed: %v", stored.ID, err)
		}
		return &IngestResult{WebhookEventID: stored.ID, Ignored: true}, nil

	default:
		log.Errorf("[Payment] event %s/%s failed: %v", ev.Provider, ev.ProviderEventID, procErr)
		if err := s.repo.RecordWebhookFailure(stored.ID, procErr.Error()); err != nil {
			log.Errorf("[Payment] recording failure for event %d: %v", stored.ID, err)
		}
		// Still acknowledged; operators replay manually.
		return &IngestResult{WebhookEventID: stored.ID}, nil
	}
}

// isBenignOutcome separates expected drop conditions from real failures.
// Benign events are marked processed so they are never replayed.
func isBenignOutcome(err error) bool {
	return errors.Is(err, ErrTransitionNotAllowed) ||
		errors.Is(err, ErrNoLinkedAccount) ||
		errors.Is(err, ledger.ErrDuplicateTransaction) ||
		errors.Is(err, ledger.ErrInsufficientBalance) ||
		errors.Is(err, ledger.ErrTransactionNotFound) ||
		errors.Is(err, ledger.ErrAlreadyRefunded)
}

// ReplayWebhookEvent re-runs a stored, unprocessed event. This is the manual
// operator path for events that failed after acknowledgement.
func (s *Service) ReplayWebhookEvent(ctx context.Context, id uint) error {
	_ = ctx
	stored, err := s.repo.GetWebhookEvent(id)
	if err != nil {
		return err
	}
	if stored.ProcessedAt != nil {
		return fmt.Errorf("webhook event %d is already processed", id)
	}
	adapter, ok := s.adapters[stored.Provider]
	if !ok {
		return ErrUnknownProvider
	}
	ev, err := adapter.Normalize([]byte(stored.PayloadJSON))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	procErr := s.processEvent(ev)
	if procErr != nil && !isBenignOutcome(procErr) {
		if err := s.repo.RecordWebhookFailure(stored.ID, procErr.Error()); err != nil {
			log.Errorf("[Payment] recording replay failure for event %d: %v", stored.ID, err)
		}
		return procErr
	}
	note := ""
	if procErr != nil {
		note = procErr.Error()
	}
	return s.repo.MarkWebhookProcessed(stored.ID, note)
}

// LinkProviderAccount binds a provider-side identity to a local user so
// webhook events without a user reference can be resolved.
func (s *Service) LinkProviderAccount(ctx context.Context, userID uint, provider, providerAccountID string) (*models.ProviderAccount, error) {
	_ = ctx
	p := strings.ToLower(strings.TrimSpace(provider))
	paID := strings.TrimSpace(providerAccountID)
	if userID == 0 || p == "" || paID == "" {
		return nil, errors.New("user_id, provider and provider_account_id are required")
	}

	account := &models.ProviderAccount{
		UserID:            userID,
		Provider:          p,
		ProviderAccountID: paID,
	}
	if err := s.repo.UpsertProviderAccount(account); err != nil {
		return nil, err
	}
	return account, nil
}

// ApplyPeriodElapsed feeds a synthetic period-elapsed event through the
// state machine. Used exclusively by the sweep. Returns true when the
// subscription changed state.
func (s *Service) ApplyPeriodElapsed(sub *models.Subscription, now time.Time) (bool, error) {
	ev := &NormalizedEvent{
		Provider:   sub.Provider,
		Kind:       EventPeriodElapsed,
		UserID:     sub.UserID,
		SubjectID:  sub.ProviderSubscriptionID,
		OccurredAt: now,
	}
	t, err := Decide(sub, ev, now)
	if err != nil || t == nil {
		return false, err
	}

	prev := sub.Status
	sub.Status = t.NextStatus
	if err := s.repo.SaveSubscription(sub); err != nil {
		return false, err
	}
	log.Infof("[Payment] subscription %d: %s -> %s (period elapsed)", sub.ID, prev, sub.Status)
	if sub.Status == models.SubscriptionStatusExpired {
		s.notify(sub.UserID, "Your subscription has expired",
			"Your subscription has ended. Renew any time to keep drawing.")
	}
	return true, nil
}

// Repo exposes the repository for collaborators that read engine state (the
// billing API, the sweep).
func (s *Service) Repo() Repository {
	return s.repo
}

func (s *Service) processEvent(ev *NormalizedEvent) error {
	switch ev.Kind {
	case EventOneTimePaid:
		userID, err := s.resolveUser(ev)
		if err != nil {
			return err
		}
		return s.handleOneTimePaid(userID, ev)
	case EventOneTimeFailed:
		log.Warnf("[Payment] one-time payment failed (%s/%s)", ev.Provider, ev.SubjectID)
		return nil
	case EventRefunded:
		// The original ledger row identifies the user; no resolution needed.
		return s.handleRefund(ev)
	default:
		return s.applySubscriptionEvent(ev)
	}
}

// resolveUser falls back to linked provider accounts when the payload
// carries no user reference (Apple receipts).
func (s *Service) resolveUser(ev *NormalizedEvent) (uint, error) {
	if ev.UserID != 0 {
		return ev.UserID, nil
	}
	if ev.ProviderAccountID == "" {
		return 0, ErrNoLinkedAccount
	}
	account, err := s.repo.GetProviderAccountByProviderAccountID(ev.Provider, ev.ProviderAccountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNoLinkedAccount
		}
		return 0, err
	}
	return account.UserID, nil
}

func (s *Service) handleOneTimePaid(userID uint, ev *NormalizedEvent) error {
	credits := ev.Credits
	if credits == 0 && ev.ProviderPlanRef != "" {
		mapping, err := s.repo.FindActivePlanMapping(ev.Provider, ev.ProviderPlanRef)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s/%s", ErrNoPlanMapping, ev.Provider, ev.ProviderPlanRef)
			}
			return err
		}
		credits = mapping.PackCredits
	}
	if credits <= 0 {
		return fmt.Errorf("one-time payment %s resolves to no credits", ev.ProviderChargeID)
	}

	_, err := s.ledger.Apply(ledger.Entry{
		UserID:                userID,
		Kind:                  models.TransactionKindPurchase,
		AmountCents:           ev.AmountCents,
		Currency:              ev.Currency,
		Credits:               credits,
		ProviderTransactionID: ev.ProviderChargeID,
		Description:           fmt.Sprintf("credit pack purchase (%s)", ev.Provider),
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		log.Infof("[Payment] charge %s already on ledger, skipping", ev.ProviderChargeID)
		return nil
	}
	return err
}

func (s *Service) handleRefund(ev *NormalizedEvent) error {
	_, err := s.ledger.Refund(ev.SubjectID, ev.ProviderChargeID, ev.AmountCents,
		fmt.Sprintf("refund of %s (%s)", ev.SubjectID, ev.Provider))
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		// Deliberate strengthening: never truncate a balance below zero.
		log.Warnf("[Payment] refund of %s would drive balance negative; flagged for manual reconciliation", ev.SubjectID)
		return err
	}
	if errors.Is(err, ledger.ErrAlreadyRefunded) || errors.Is(err, ledger.ErrDuplicateTransaction) {
		log.Infof("[Payment] refund of %s already applied, skipping", ev.SubjectID)
		return nil
	}
	return err
}

func (s *Service) applySubscriptionEvent(ev *NormalizedEvent) error {
	sub, err := s.repo.GetSubscriptionByProviderID(ev.Provider, ev.SubjectID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if ev.Kind == EventSubscriptionActivated {
			userID, uerr := s.resolveUser(ev)
			if uerr != nil {
				return uerr
			}
			return s.createSubscription(userID, ev)
		}
		// Out-of-order delivery: a renewal or cancellation before the
		// activation ever arrived. Dropped; the sweep reconciles from
		// period dates.
		return fmt.Errorf("%w: %s for unknown subscription %s", ErrTransitionNotAllowed, ev.Kind, ev.SubjectID)
	}

	userID := sub.UserID

	t, err := Decide(sub, ev, s.now())
	if err != nil {
		return fmt.Errorf("%w: %s while %s", err, ev.Kind, sub.Status)
	}
	if t == nil {
		return nil
	}

	prev := sub.Status
	sub.Status = t.NextStatus
	if t.SetCancelAtPeriodEnd {
		sub.CancelAtPeriodEnd = true
	}
	if t.NewPeriodStart != nil {
		sub.CurrentPeriodStart = t.NewPeriodStart
	}
	if t.NewPeriodEnd != nil {
		sub.CurrentPeriodEnd = t.NewPeriodEnd
	}
	if t.GrantCredits && (t.NewPeriodStart == nil || t.NewPeriodEnd == nil) {
		start, end := s.fallbackPeriod(sub, ev)
		sub.CurrentPeriodStart = &start
		sub.CurrentPeriodEnd = &end
	}
	if err := s.repo.SaveSubscription(sub); err != nil {
		return err
	}
	if prev != sub.Status {
		log.Infof("[Payment] subscription %d: %s -> %s (%s)", sub.ID, prev, sub.Status, ev.Kind)
	}

	if t.GrantCredits {
		if err := s.grantPeriodCredits(sub, ev); err != nil {
			return err
		}
	}

	switch ev.Kind {
	case EventSubscriptionPaymentFailed:
		s.notify(userID, "Payment failed",
			"We could not collect your latest subscription payment. Please update your payment method.")
	case EventSubscriptionExpired:
		s.notify(userID, "Your subscription has expired",
			"Your subscription has ended. Renew any time to keep drawing.")
	}
	return nil
}

// createSubscription handles first activation: resolve the provider plan ref
// to an internal plan, snapshot its entitlements onto the new row, and grant
// the first period's credits unless the provider starts with a trial.
func (s *Service) createSubscription(userID uint, ev *NormalizedEvent) error {
	mapping, err := s.repo.FindActivePlanMapping(ev.Provider, ev.ProviderPlanRef)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s/%s", ErrNoPlanMapping, ev.Provider, ev.ProviderPlanRef)
		}
		return err
	}
	plan, err := s.repo.GetPlanByCode(mapping.PlanCode)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: mapped plan %q missing", ErrNoPlanMapping, mapping.PlanCode)
		}
		return err
	}

	// One active subscription per user: an earlier one still running is
	// superseded and expires at its own period end.
	if existing, err := s.repo.GetActiveSubscriptionByUser(userID); err == nil && existing != nil {
		log.Warnf("[Payment] user %d already has active subscription %d; superseding at period end", userID, existing.ID)
		existing.CancelAtPeriodEnd = true
		if err := s.repo.SaveSubscription(existing); err != nil {
			return err
		}
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	status := models.SubscriptionStatusActive
	if ev.Trial {
		status = models.SubscriptionStatusTrialing
	}
	start, end := ev.PeriodStart, ev.PeriodEnd
	if start == nil || end == nil {
		from := ev.OccurredAt
		if from.IsZero() {
			from = s.now()
		}
		to := from.Add(time.Duration(plan.PeriodDays) * 24 * time.Hour)
		start, end = &from, &to
	}

	sub := &models.Subscription{
		UserID:                 userID,
		Plan:                   plan.Code,
		Status:                 status,
		Provider:               ev.Provider,
		ProviderSubscriptionID: strings.TrimSpace(ev.SubjectID),
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       end,
		CreditsPerPeriod:       plan.CreditsPerPeriod,
		ConnectedAccountsLimit: plan.ConnectedAccountsLimit,
	}
	if err := s.repo.CreateSubscription(sub); err != nil {
		return err
	}
	log.Infof("[Payment] subscription %d created for user %d (plan=%s, status=%s)", sub.ID, userID, sub.Plan, sub.Status)

	// Remember the provider identity so later events that carry no user
	// reference (invoices, refund notices, app-store receipts) resolve.
	if ev.ProviderAccountID != "" {
		if err := s.repo.UpsertProviderAccount(&models.ProviderAccount{
			UserID:            userID,
			Provider:          ev.Provider,
			ProviderAccountID: ev.ProviderAccountID,
		}); err != nil {
			log.Errorf("[Payment] linking provider account %s/%s: %v", ev.Provider, ev.ProviderAccountID, err)
		}
	}

	if status == models.SubscriptionStatusActive {
		if err := s.grantPeriodCredits(sub, ev); err != nil {
			return err
		}
	}
	s.notify(userID, "Subscription activated",
		fmt.Sprintf("Your %s subscription is now active.", plan.Name))
	return nil
}

func (s *Service) grantPeriodCredits(sub *models.Subscription, ev *NormalizedEvent) error {
	if sub.CreditsPerPeriod <= 0 {
		return nil
	}
	subID := sub.ID
	_, err := s.ledger.Apply(ledger.Entry{
		UserID:                sub.UserID,
		SubscriptionID:        &subID,
		Kind:                  models.TransactionKindSubscriptionCharge,
		AmountCents:           ev.AmountCents,
		Currency:              ev.Currency,
		Credits:               sub.CreditsPerPeriod,
		ProviderTransactionID: ev.ProviderChargeID,
		Description:           fmt.Sprintf("%s plan period credits (%s)", sub.Plan, ev.Provider),
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		log.Infof("[Payment] charge %s already on ledger, skipping grant", ev.ProviderChargeID)
		return nil
	}
	return err
}

// fallbackPeriod extends the billing period when the provider payload lacks
// explicit dates, using the plan's period length.
func (s *Service) fallbackPeriod(sub *models.Subscription, ev *NormalizedEvent) (time.Time, time.Time) {
	days := 30
	if plan, err := s.repo.GetPlanByCode(sub.Plan); err == nil {
		days = plan.PeriodDays
	}
	from := ev.OccurredAt
	if from.IsZero() {
		from = s.now()
	}
	return from, from.Add(time.Duration(days) * 24 * time.Hour)
}

func (s *Service) notify(userID uint, subject, body string) {
	if s.mailer == nil {
		return
	}
	user, err := s.repo.GetUserByID(userID)
	if err != nil {
		log.Errorf("[Payment] loading user %d for notification: %v", userID, err)
		return
	}
	if err := s.mailer.Send(user.Email, subject, body); err != nil {
		log.Errorf("[Payment] sending %q to user %d: %v", subject, userID, err)
	}
}
