package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	apiv1 "github.com/subflowhq/subflow/internal/api/v1"
	"github.com/subflowhq/subflow/internal/pkg/chaincfg"
	"github.com/subflowhq/subflow/internal/pkg/env"
	"github.com/subflowhq/subflow/internal/pkg/middleware"
)

// ApiRouter installs the operational read API under /api/v1. The group
// requires an API token when API_TOKEN is set and falls back to basic auth
// when API_BASIC_AUTH_USER is set; with neither it is open, which is only
// appropriate behind a private ingress.
type ApiRouter struct {
	chains []chaincfg.ChainConfig
}

func NewApiRouter(chains []chaincfg.ChainConfig) *ApiRouter {
	return &ApiRouter{chains: chains}
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())

	if token := env.GetEnv("API_TOKEN", ""); token != "" {
		api.Use(middleware.APIKeyAuthMiddleware(token))
	} else if user := env.GetEnv("API_BASIC_AUTH_USER", ""); user != "" {
		api.Use(basicauth.New(basicauth.Config{
			Users: map[string]string{
				user: env.GetEnv("API_BASIC_AUTH_PASSWORD", ""),
			},
		}))
	}

	v1 := api.Group("/v1")
	apiServer := apiv1.NewAPIServer(h.chains)
	apiv1.RegisterHandlers(v1, apiServer)
}
