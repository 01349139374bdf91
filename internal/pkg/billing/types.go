package billing

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidEventType marks events whose type has no transition.
	ErrInvalidEventType = errors.New("invalid billing event type")
	// ErrUnparsableEvent marks payloads that cannot be decoded or validated.
	ErrUnparsableEvent = errors.New("unparsable billing event")
	// ErrUnknownTier marks a tier hint that maps to no plan tier.
	ErrUnknownTier = errors.New("unknown plan tier")
)

type EventType string

const (
	EventOrderPaid             EventType = "order_paid"
	EventSubscriptionCreated   EventType = "subscription_created"
	EventSubscriptionUpdated   EventType = "subscription_updated"
	EventSubscriptionCancelled EventType = "subscription_cancelled"
	EventSubscriptionExpired   EventType = "subscription_expired"
	EventOrderRefunded         EventType = "order_refunded"
)

var eventTypes = map[string]EventType{
	"orderpaid":             EventOrderPaid,
	"subscriptioncreated":   EventSubscriptionCreated,
	"subscriptionupdated":   EventSubscriptionUpdated,
	"subscriptioncancelled": EventSubscriptionCancelled,
	"subscriptioncanceled":  EventSubscriptionCancelled,
	"subscriptionexpired":   EventSubscriptionExpired,
	"orderrefunded":         EventOrderRefunded,
}

// ParseEventType accepts snake, dotted, kebab and camel spellings
// ("order_paid", "order.paid", "OrderPaid").
func ParseEventType(raw string) (EventType, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("_", "", ".", "", "-", "", " ", "").Replace(key)
	t, ok := eventTypes[key]
	return t, ok
}

// Envelope is the provider-neutral event handed to the processor. AccountRef
// may be omitted when OrderRef or SubscriptionRef identifies the record.
type Envelope struct {
	Provider        string     `json:"provider,omitempty" validate:"omitempty,max=20"`
	EventType       string     `json:"eventType" validate:"required,max=100"`
	ProviderEventID string     `json:"providerEventId" validate:"required,max=191"`
	AccountRef      string     `json:"accountRef" validate:"required_without_all=OrderRef SubscriptionRef,max=191"`
	TierHint        string     `json:"tierHint" validate:"max=100"`
	PeriodEnd       *time.Time `json:"periodEnd,omitempty"`
	Amount          *float64   `json:"amount,omitempty" validate:"omitempty,gte=0"`
	Currency        string     `json:"currency,omitempty" validate:"omitempty,max=8"`
	CustomerRef     string     `json:"customerRef,omitempty" validate:"max=191"`
	SubscriptionRef string     `json:"subscriptionRef,omitempty" validate:"max=191"`
	OrderRef        string     `json:"orderRef,omitempty" validate:"max=191"`

	Raw string `json:"-"`
}

var validate = validator.New()

// Validate checks the envelope shape. Failures wrap ErrUnparsableEvent.
func (e *Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return errors.Join(ErrUnparsableEvent, err)
	}
	return nil
}

// OutcomeStatus is the result class of processing one event.
type OutcomeStatus string

const (
	OutcomeApplied   OutcomeStatus = "applied"
	OutcomeDuplicate OutcomeStatus = "duplicate"
	OutcomeIgnored   OutcomeStatus = "ignored"
	OutcomeDeferred  OutcomeStatus = "deferred"
	OutcomeRejected  OutcomeStatus = "rejected"
)

// Outcome describes what the processor did with an event. Every outcome is
// acknowledged to the provider; only a returned error asks for redelivery.
type Outcome struct {
	Status       OutcomeStatus `json:"status"`
	EventID      uint          `json:"event_id,omitempty"`
	PlanRecordID string        `json:"plan_record_id,omitempty"`
	From         State         `json:"from,omitempty"`
	To           State         `json:"to,omitempty"`
	Reason       string        `json:"reason,omitempty"`
}
