package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/subflowhq/subflow/internal/pkg/chaincfg"
)

// Router is implemented by each route group installer.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter attaches all route groups to the app.
func InstallRouter(app *fiber.App, chains []chaincfg.ChainConfig) {
	setup(app, NewHealthRouter(), NewApiRouter(chains))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
