package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/hostplane/pkg/store"
)

// Event types handled by the processor
const (
	EventCustomerCreated      = "customer.created"
	EventSubscriptionCreated  = "customer.subscription.created"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventInvoicePaid          = "invoice.paid"
)

// Envelope is the outer shape of a provider event
type Envelope struct {
	ID      string `json:"id" validate:"required"`
	Type    string `json:"type" validate:"required"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object" validate:"required"`
	} `json:"data"`
}

// ParseEnvelope decodes the id, type and object of an event body
func ParseEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to parse webhook: %w", err)
	}
	if err := validate.Struct(env); err != nil {
		return nil, fmt.Errorf("invalid webhook envelope: %w", err)
	}
	return &env, nil
}

// customerObject is the data.object of customer events
type customerObject struct {
	ID       string            `json:"id" validate:"required"`
	Email    string            `json:"email" validate:"omitempty,email"`
	Metadata map[string]string `json:"metadata"`
}

// subscriptionObject is the data.object of customer.subscription events
type subscriptionObject struct {
	ID                 string            `json:"id" validate:"required"`
	Customer           string            `json:"customer" validate:"required"`
	Status             string            `json:"status" validate:"required"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// invoiceObject is the data.object of invoice events
type invoiceObject struct {
	ID           string `json:"id" validate:"required"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
}

// decodeObject parses the envelope in payload and decodes its object into v
func decodeObject(payload []byte, v interface{}) error {
	env, err := ParseEnvelope(payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(env.Data.Object, v); err != nil {
		return fmt.Errorf("failed to parse %s object: %w", env.Type, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid %s object: %w", env.Type, err)
	}
	return nil
}

func (o *subscriptionObject) priceID() string {
	if len(o.Items.Data) == 0 {
		return ""
	}
	return o.Items.Data[0].Price.ID
}

func (o *subscriptionObject) period() (start, end *time.Time) {
	if o.CurrentPeriodStart > 0 {
		t := time.Unix(o.CurrentPeriodStart, 0).UTC()
		start = &t
	}
	if o.CurrentPeriodEnd > 0 {
		t := time.Unix(o.CurrentPeriodEnd, 0).UTC()
		end = &t
	}
	return start, end
}

// status maps a provider subscription status onto ours
func (o *subscriptionObject) status() store.SubscriptionStatus {
	switch o.Status {
	case "trialing":
		return store.SubscriptionTrialing
	case "past_due", "unpaid", "incomplete":
		return store.SubscriptionPastDue
	case "paused":
		return store.SubscriptionPaused
	case "canceled", "cancelled", "incomplete_expired":
		return store.SubscriptionCancelled
	default:
		return store.SubscriptionActive
	}
}
