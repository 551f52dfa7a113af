package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/rafflrhq/rafflr/app/models"
	"github.com/rafflrhq/rafflr/internal/pkg/database"
	"github.com/rafflrhq/rafflr/internal/pkg/middleware"
)

// HandleRotateAPIKey replaces the caller's API key and returns the new
// plaintext once. The previous key stops working immediately.
func HandleRotateAPIKey(c *fiber.Ctx) error {
	userID := middleware.AuthenticatedUserID(c)

	apiKey := models.GenerateAPIKey()
	db := database.GetDB()
	if err := db.Model(&models.User{}).Where("id = ?", userID).
		Update("api_key_hash", models.HashAPIKey(apiKey)).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to rotate API key"})
	}

	return c.JSON(fiber.Map{"api_key": apiKey})
}
