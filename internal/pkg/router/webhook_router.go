package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/rafflrhq/rafflr/app/controllers"
)

type WebhookRouter struct {
}

// InstallRouter registers the provider callback endpoints. Providers
// authenticate themselves per delivery (signature or shared secret), so no
// middleware runs in front.
func (h WebhookRouter) InstallRouter(app *fiber.App) {
	webhooks := app.Group("/webhooks")
	webhooks.Post("/stripe", controllers.HandleStripeWebhook)
	webhooks.Post("/apple", controllers.HandleAppleWebhook)
}

func NewWebhookRouter() *WebhookRouter {
	return &WebhookRouter{}
}
