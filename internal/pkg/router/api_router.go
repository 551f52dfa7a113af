package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/rafflrhq/rafflr/app/controllers"
	"github.com/rafflrhq/rafflr/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1", middleware.APIKeyAuthMiddleware())

	account := v1.Group("/account")
	account.Post("/api-key/rotate", controllers.HandleRotateAPIKey)

	billing := v1.Group("/billing")
	billing.Get("/balance", controllers.HandleGetBalance)
	billing.Get("/transactions", controllers.HandleListTransactions)
	billing.Get("/subscription", controllers.HandleGetSubscription)
	billing.Post("/apple/link", controllers.HandleLinkAppleAccount)
	billing.Get("/stats", middleware.AdminOnlyMiddleware(), controllers.HandleWebhookStats)
	billing.Post("/webhooks/:id/replay", middleware.AdminOnlyMiddleware(), controllers.HandleReplayWebhookEvent)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
