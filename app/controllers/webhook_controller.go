package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/rafflrhq/rafflr/app/models"
	"github.com/rafflrhq/rafflr/internal/pkg/database"
	"github.com/rafflrhq/rafflr/internal/pkg/mail"
	"github.com/rafflrhq/rafflr/internal/pkg/metrics/counter"
	"github.com/rafflrhq/rafflr/internal/pkg/payment"
)

func newPaymentService() *payment.Service {
	return payment.NewServiceFromDB(
		database.GetDB(),
		mail.NewSMTPMailer(),
		payment.NewStripeAdapterFromEnv(),
		payment.NewAppleAdapterFromEnv(),
	)
}

// HandleStripeWebhook receives Stripe event deliveries. Stripe signs the raw
// body with the Stripe-Signature header.
func HandleStripeWebhook(c *fiber.Ctx) error {
	return handleProviderWebhook(c, models.ProviderStripe, strings.TrimSpace(c.Get("Stripe-Signature")))
}

// HandleAppleWebhook receives App Store server-to-server notifications. Apple
// carries no signature header; the shared secret travels in the body.
func HandleAppleWebhook(c *fiber.Ctx) error {
	return handleProviderWebhook(c, models.ProviderApple, "")
}

func handleProviderWebhook(c *fiber.Ctx, provider, signature string) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)

	if err := counter.AddWebhookReceived(provider); err != nil {
		log.Warnf("[Webhook] counter increment failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	svc := newPaymentService()
	result, err := svc.Ingest(ctx, provider, signature, rawBody)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrInvalidSignature):
			_ = counter.AddWebhookRejected(provider)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
		case errors.Is(err, payment.ErrMalformedPayload):
			_ = counter.AddWebhookRejected(provider)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		case errors.Is(err, payment.ErrUnknownProvider):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_provider"})
		default:
			// Could not persist the delivery; a provider retry is useful here.
			_ = counter.AddWebhookFailed(provider)
			log.Errorf("[Webhook] %s ingest failed: %v", provider, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
		}
	}

	if result.Duplicate {
		_ = counter.AddWebhookDuplicate(provider)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"received":  true,
		"duplicate": result.Duplicate,
	})
}
