package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/entitlements"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/gate"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/planstore"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/refund"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/usage"
)

// CapabilityGate is what the HTTP layer needs from the gate.
type CapabilityGate interface {
	Capabilities(ctx context.Context, accountID string) (entitlements.Capabilities, error)
	CanDo(ctx context.Context, accountID string, action gate.Action) (bool, error)
	Consume(ctx context.Context, accountID string, action gate.Action, idempotencyKey string) (usage.ConsumeResult, error)
	CanAccessTemplate(ctx context.Context, accountID, templateID string) (bool, error)
	RefundEligibility(ctx context.Context, accountID string) (refund.Status, error)
}

type GateController struct {
	gate CapabilityGate
}

func NewGateController(g CapabilityGate) *GateController {
	return &GateController{gate: g}
}

func accountParam(c *fiber.Ctx) (string, bool) {
	id := strings.TrimSpace(c.Params("accountId"))
	return id, id != "" && len(id) <= 191
}

func (gc *GateController) HandleCapabilities(c *fiber.Ctx) error {
	accountID, ok := accountParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_account"})
	}
	caps, err := gc.gate.Capabilities(c.UserContext(), accountID)
	if err != nil {
		return gateError(c, err)
	}
	return c.JSON(caps)
}

func (gc *GateController) HandleCanDo(c *fiber.Ctx) error {
	accountID, ok := accountParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_account"})
	}
	action, ok := gate.ParseAction(c.Params("action"))
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_action"})
	}
	allowed, err := gc.gate.CanDo(c.UserContext(), accountID, action)
	if err != nil {
		return gateError(c, err)
	}
	return c.JSON(fiber.Map{"account_id": accountID, "action": action, "allowed": allowed})
}

func (gc *GateController) HandleConsume(c *fiber.Ctx) error {
	accountID, ok := accountParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_account"})
	}
	action, ok := gate.ParseAction(c.Params("action"))
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_action"})
	}
	key := strings.TrimSpace(c.Get("Idempotency-Key"))
	if len(key) > 191 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_idempotency_key"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 10*time.Second)
	defer cancel()

	res, err := gc.gate.Consume(ctx, accountID, action, key)
	if err != nil {
		return gateError(c, err)
	}
	return c.JSON(res)
}

func (gc *GateController) HandleTemplateAccess(c *fiber.Ctx) error {
	accountID, ok := accountParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_account"})
	}
	templateID := strings.TrimSpace(c.Params("templateId"))
	allowed, err := gc.gate.CanAccessTemplate(c.UserContext(), accountID, templateID)
	if err != nil {
		return gateError(c, err)
	}
	return c.JSON(fiber.Map{"account_id": accountID, "template_id": templateID, "allowed": allowed})
}

func (gc *GateController) HandleRefundEligibility(c *fiber.Ctx) error {
	accountID, ok := accountParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_account"})
	}
	st, err := gc.gate.RefundEligibility(c.UserContext(), accountID)
	if err != nil {
		return gateError(c, err)
	}
	return c.JSON(st)
}

// gateError maps gate failures. Quota and plan errors are prompts for the
// user, never server errors.
func gateError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, usage.ErrQuotaExceeded):
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "quota_exceeded", "upgrade": true})
	case errors.Is(err, usage.ErrNoActivePlan):
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "no_active_plan", "subscribe": true})
	case errors.Is(err, usage.ErrUnknownCounter):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_action"})
	case errors.Is(err, planstore.ErrConcurrentModification):
		c.Set(fiber.HeaderRetryAfter, "1")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "try_again"})
	case errors.Is(err, planstore.ErrStorageUnavailable), errors.Is(err, context.DeadlineExceeded):
		log.Errorf("[Gate] %s %s failed: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "storage_unavailable"})
	default:
		log.Errorf("[Gate] %s %s failed: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
}
