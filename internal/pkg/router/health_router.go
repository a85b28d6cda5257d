package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/subflowhq/subflow/internal/pkg/database"
)

// HealthRouter installs the unauthenticated liveness and readiness probes.
type HealthRouter struct {
}

func NewHealthRouter() *HealthRouter {
	return &HealthRouter{}
}

func (h HealthRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	app.Get("/readyz", func(c *fiber.Ctx) error {
		db := database.GetDB()
		if db == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "no database"})
		}
		sqlDB, err := db.DB()
		if err != nil || sqlDB.Ping() != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "database unreachable"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})
}
