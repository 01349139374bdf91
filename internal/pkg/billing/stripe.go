package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/a7csw/ResumeBuilder-sub001/app/models"
)

// Metadata keys set on Stripe checkout sessions, subscriptions and charges.
const (
	StripeMetaAccountID = "account_id"
	StripeMetaTier      = "tier"
)

// ParseStripeEvent verifies the Stripe-Signature header and normalizes the event.
func ParseStripeEvent(payload []byte, sigHeader, secret string) (Envelope, error) {
	// Accounts pinned to an older API version still deliver events we can map.
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Envelope{}, err
	}
	env, err := NormalizeStripeEvent(event)
	if err != nil {
		return Envelope{}, err
	}
	env.Raw = string(payload)
	return env, nil
}

// NormalizeStripeEvent maps a Stripe event onto an Envelope. Event types with
// no mapping keep their Stripe name and end up ignored by the processor.
func NormalizeStripeEvent(event stripe.Event) (Envelope, error) {
	env := Envelope{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
	}
	if event.Data == nil {
		return env, fmt.Errorf("%w: stripe event %s has no data", ErrUnparsableEvent, event.ID)
	}

	var err error
	switch string(event.Type) {
	case "checkout.session.completed":
		err = normalizeCheckoutSession(event.Data.Raw, &env)
	case "customer.subscription.created":
		err = normalizeSubscription(event.Data.Raw, &env, EventSubscriptionCreated)
	case "customer.subscription.updated":
		err = normalizeSubscription(event.Data.Raw, &env, EventSubscriptionUpdated)
	case "customer.subscription.deleted":
		err = normalizeSubscription(event.Data.Raw, &env, EventSubscriptionCancelled)
	case "charge.refunded":
		err = normalizeCharge(event.Data.Raw, &env)
	}
	return env, err
}

func decodeStripe(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty stripe object", ErrUnparsableEvent)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Join(ErrUnparsableEvent, err)
	}
	return nil
}

func amountOf(cents int64) *float64 {
	v := float64(cents) / 100
	return &v
}

func normalizeCheckoutSession(raw json.RawMessage, env *Envelope) error {
	var sess stripe.CheckoutSession
	if err := decodeStripe(raw, &sess); err != nil {
		return err
	}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid && sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
		return nil
	}

	env.EventType = string(EventOrderPaid)
	env.AccountRef = sess.ClientReferenceID
	if id := sess.Metadata[StripeMetaAccountID]; id != "" {
		env.AccountRef = id
	}
	env.TierHint = sess.Metadata[StripeMetaTier]
	env.Amount = amountOf(sess.AmountTotal)
	env.Currency = string(sess.Currency)
	env.OrderRef = sess.ID
	if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
		env.OrderRef = sess.PaymentIntent.ID
	}
	if sess.Customer != nil {
		env.CustomerRef = sess.Customer.ID
	}
	if sess.Subscription != nil {
		env.SubscriptionRef = sess.Subscription.ID
	}
	return nil
}

func normalizeSubscription(raw json.RawMessage, env *Envelope, evType EventType) error {
	var sub stripe.Subscription
	if err := decodeStripe(raw, &sub); err != nil {
		return err
	}

	switch sub.Status {
	case stripe.SubscriptionStatusCanceled:
		if evType == EventSubscriptionUpdated {
			evType = EventSubscriptionCancelled
		}
	case stripe.SubscriptionStatusIncompleteExpired:
		evType = EventSubscriptionExpired
	}
	env.EventType = string(evType)
	env.AccountRef = sub.Metadata[StripeMetaAccountID]
	env.TierHint = sub.Metadata[StripeMetaTier]
	if env.TierHint == "" && sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		env.TierHint = sub.Items.Data[0].Price.ID
	}
	env.SubscriptionRef = sub.ID
	if sub.Customer != nil {
		env.CustomerRef = sub.Customer.ID
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		env.PeriodEnd = &end
	}
	return nil
}

func normalizeCharge(raw json.RawMessage, env *Envelope) error {
	var ch stripe.Charge
	if err := decodeStripe(raw, &ch); err != nil {
		return err
	}

	// A partial refund keeps the Stripe type and is ignored; the plan stays.
	if ch.Refunded {
		env.EventType = string(EventOrderRefunded)
	}
	env.AccountRef = ch.Metadata[StripeMetaAccountID]
	env.Amount = amountOf(ch.AmountRefunded)
	env.Currency = string(ch.Currency)
	env.OrderRef = ch.ID
	if ch.PaymentIntent != nil && ch.PaymentIntent.ID != "" {
		env.OrderRef = ch.PaymentIntent.ID
	}
	if ch.Customer != nil {
		env.CustomerRef = ch.Customer.ID
	}
	return nil
}
