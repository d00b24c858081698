package webhook

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	eventPrefixSubscription      = "subscription."
	eventTransactionCompleted    = "transaction.completed"
	customDataTypeCreditPurchase = "credit_purchase"
	defaultEventEnvironment      = "sandbox"
)

// Event is the billing provider's webhook envelope.
type Event struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	OccurredAt string    `json:"occurred_at"`
	Data       EventData `json:"data"`
}

// EventData carries the subscription or transaction the event refers to.
type EventData struct {
	ID                   string         `json:"id"`
	Status               string         `json:"status"`
	SubscriptionID       string         `json:"subscription_id"`
	Items                []EventItem    `json:"items"`
	CustomData           CustomData     `json:"custom_data"`
	CurrentBillingPeriod *BillingPeriod `json:"current_billing_period"`
}

// EventItem is one line item of a subscription or transaction.
type EventItem struct {
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
}

// CustomData is the metadata the checkout attached to the event.
type CustomData struct {
	UserID      string `json:"user_id"`
	Environment string `json:"environment"`
	PurchaseID  string `json:"purchase_id"`
	Type        string `json:"type"`
	Credits     int64  `json:"credits"`
}

// BillingPeriod is the subscription's current period.
type BillingPeriod struct {
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

// ParseEvent decodes a raw webhook body.
func ParseEvent(payload []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

func (event Event) environment() string {
	environment := strings.TrimSpace(event.Data.CustomData.Environment)
	if environment == "" {
		return defaultEventEnvironment
	}
	return environment
}

func (event Event) priceID() string {
	if len(event.Data.Items) == 0 {
		return ""
	}
	return event.Data.Items[0].Price.ID
}

func (event Event) isSubscriptionEvent() bool {
	return strings.HasPrefix(event.EventType, eventPrefixSubscription)
}
