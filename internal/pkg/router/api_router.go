package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/a7csw/ResumeBuilder-sub001/app/controllers"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/middleware"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/ratelimit"
)

type ApiRouter struct {
	billing      *controllers.BillingController
	gate         *controllers.GateController
	serviceToken string
	rateLimit    ratelimit.Config
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	// Provider webhooks authenticate by signature and are matched before the
	// limiter, so gate traffic can never push a delivery into a 429.
	app.Post("/api/v1/billing/webhook", h.billing.HandleWebhook)
	app.Post("/api/v1/billing/stripe/webhook", h.billing.HandleStripeWebhook)

	api := app.Group("/api", ratelimit.New(h.rateLimit))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")

	accounts := v1.Group("/accounts/:accountId", middleware.ServiceTokenMiddleware(h.serviceToken))
	accounts.Get("/capabilities", h.gate.HandleCapabilities)
	accounts.Get("/can/:action", h.gate.HandleCanDo)
	accounts.Post("/consume/:action", h.gate.HandleConsume)
	accounts.Get("/templates/:templateId", h.gate.HandleTemplateAccess)
	accounts.Get("/refund-eligibility", h.gate.HandleRefundEligibility)
}

func NewApiRouter(billing *controllers.BillingController, gate *controllers.GateController, serviceToken string, rateLimit ratelimit.Config) *ApiRouter {
	return &ApiRouter{
		billing:      billing,
		gate:         gate,
		serviceToken: serviceToken,
		rateLimit:    rateLimit,
	}
}
