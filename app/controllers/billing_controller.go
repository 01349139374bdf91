package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/billing"
)

// EventProcessor applies normalized billing events.
type EventProcessor interface {
	Process(ctx context.Context, env billing.Envelope) (billing.Outcome, error)
}

type BillingController struct {
	processor     EventProcessor
	webhookSecret string
	stripeSecret  string
}

func NewBillingController(processor EventProcessor, webhookSecret, stripeSecret string) *BillingController {
	return &BillingController{
		processor:     processor,
		webhookSecret: webhookSecret,
		stripeSecret:  stripeSecret,
	}
}

// HandleWebhook accepts a normalized envelope signed with BILLING_WEBHOOK_SECRET.
// Anything other than a processing failure is answered with 200 so the
// provider does not retry it.
func (bc *BillingController) HandleWebhook(c *fiber.Ctx) error {
	if bc.webhookSecret == "" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "webhook_not_configured"})
	}

	rawBody := append([]byte(nil), c.BodyRaw()...)
	if !billing.VerifyWebhookSignature(rawBody, c.Get("X-Webhook-Signature"), bc.webhookSecret) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}

	var env billing.Envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		log.Warnf("[Billing] Unparsable webhook payload: %v", err)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "status": billing.OutcomeRejected, "reason": billing.ErrUnparsableEvent.Error()})
	}
	env.Raw = string(rawBody)

	return bc.process(c, env)
}

// HandleStripeWebhook verifies the Stripe-Signature header and maps the event
// onto an envelope before processing.
func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	if bc.stripeSecret == "" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "stripe_not_configured"})
	}

	rawBody := append([]byte(nil), c.BodyRaw()...)
	env, err := billing.ParseStripeEvent(rawBody, c.Get("Stripe-Signature"), bc.stripeSecret)
	if err != nil {
		if errors.Is(err, billing.ErrUnparsableEvent) {
			log.Warnf("[Billing] Unparsable stripe event: %v", err)
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "status": billing.OutcomeRejected, "reason": billing.ErrUnparsableEvent.Error()})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	}

	return bc.process(c, env)
}

func (bc *BillingController) process(c *fiber.Ctx, env billing.Envelope) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 15*time.Second)
	defer cancel()

	outcome, err := bc.processor.Process(ctx, env)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_processing_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"ok":        true,
		"status":    outcome.Status,
		"duplicate": outcome.Status == billing.OutcomeDuplicate,
		"reason":    outcome.Reason,
	})
}
