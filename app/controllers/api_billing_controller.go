package controllers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/rafflrhq/rafflr/app/models"
	"github.com/rafflrhq/rafflr/internal/pkg/database"
	"github.com/rafflrhq/rafflr/internal/pkg/ledger"
	"github.com/rafflrhq/rafflr/internal/pkg/metrics/counter"
	"github.com/rafflrhq/rafflr/internal/pkg/middleware"
	"github.com/rafflrhq/rafflr/internal/pkg/payment"
)

// HandleGetBalance returns the authenticated user's credit balance.
func HandleGetBalance(c *fiber.Ctx) error {
	userID := middleware.AuthenticatedUserID(c)

	repo := ledger.NewRepository(database.GetDB())
	balance, err := repo.GetUserBalance(userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load balance"})
	}
	return c.JSON(fiber.Map{
		"user_id": userID,
		"credits": balance,
	})
}

// HandleListTransactions returns the authenticated user's ledger history,
// newest first.
func HandleListTransactions(c *fiber.Ctx) error {
	userID := middleware.AuthenticatedUserID(c)
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	repo := ledger.NewRepository(database.GetDB())
	txs, err := repo.ListTransactionsByUser(userID, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load transactions"})
	}

	items := make([]fiber.Map, 0, len(txs))
	for _, tx := range txs {
		items = append(items, fiber.Map{
			"id":                      tx.ID,
			"kind":                    tx.Kind,
			"credits":                 tx.Credits,
			"amount_cents":            tx.AmountCents,
			"currency":                tx.Currency,
			"provider_transaction_id": tx.ProviderTransactionID,
			"description":             tx.Description,
			"refunded_at":             formatTimePtr(tx.RefundedAt),
			"created_at":              tx.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return c.JSON(fiber.Map{"transactions": items})
}

// HandleGetSubscription returns the user's current (non-terminal)
// subscription, or 404 if none is running.
func HandleGetSubscription(c *fiber.Ctx) error {
	userID := middleware.AuthenticatedUserID(c)

	svc := newPaymentService()
	sub, err := svc.Repo().GetActiveSubscriptionByUser(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "No active subscription"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load subscription"})
	}

	return c.JSON(fiber.Map{
		"id":                       sub.ID,
		"plan":                     sub.Plan,
		"status":                   sub.Status,
		"provider":                 sub.Provider,
		"current_period_start":     formatTimePtr(sub.CurrentPeriodStart),
		"current_period_end":       formatTimePtr(sub.CurrentPeriodEnd),
		"cancel_at_period_end":     sub.CancelAtPeriodEnd,
		"credits_per_period":       sub.CreditsPerPeriod,
		"connected_accounts_limit": sub.ConnectedAccountsLimit,
	})
}

// HandleLinkAppleAccount binds the caller's App Store identity (the
// original_transaction_id from the first receipt) to their account so
// server-to-server notifications can be attributed.
func HandleLinkAppleAccount(c *fiber.Ctx) error {
	userID := middleware.AuthenticatedUserID(c)

	var req struct {
		OriginalTransactionID string `json:"original_transaction_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": "Invalid request body"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc := newPaymentService()
	account, err := svc.LinkProviderAccount(ctx, userID, models.ProviderApple, req.OriginalTransactionID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "link_failed", "message": err.Error()})
	}
	return c.JSON(fiber.Map{
		"provider":            account.Provider,
		"provider_account_id": account.ProviderAccountID,
		"linked":              true,
	})
}

// HandleReplayWebhookEvent re-runs a stored webhook event that failed after
// acknowledgement. Admin only.
func HandleReplayWebhookEvent(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil || id == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_id", "message": "Invalid webhook event id"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	svc := newPaymentService()
	if err := svc.ReplayWebhookEvent(ctx, uint(id)); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Webhook event not found"})
		}
		if errors.Is(err, payment.ErrMalformedPayload) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "invalid_payload", "message": err.Error()})
		}
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "replay_failed", "message": err.Error()})
	}
	return c.JSON(fiber.Map{"replayed": true})
}

// HandleWebhookStats returns the per-provider webhook counters. Admin only.
func HandleWebhookStats(c *fiber.Ctx) error {
	stats, err := counter.Snapshot()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load counters"})
	}
	return c.JSON(fiber.Map{"webhooks": stats})
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
