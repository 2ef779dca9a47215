package domain

import (
	"encoding/json"
	"slices"
	"time"
)

type EventType string

const (
	EventBookingCreated     EventType = "booking.created"
	EventBookingCancelled   EventType = "booking.cancelled"
	EventBookingRescheduled EventType = "booking.rescheduled"
	EventBookingConfirmed   EventType = "booking.confirmed"
	EventBookingRejected    EventType = "booking.rejected"
)

// KnownEventTypes lists the triggers a webhook may subscribe to.
var KnownEventTypes = []EventType{
	EventBookingCreated,
	EventBookingCancelled,
	EventBookingRescheduled,
	EventBookingConfirmed,
	EventBookingRejected,
}

func (t EventType) Known() bool { return slices.Contains(KnownEventTypes, t) }

type Webhook struct {
	ID               string      `json:"id"`
	UserID           string      `json:"userId"`
	URL              string      `json:"url"`
	Secret           string      `json:"-"`
	EventTriggers    []EventType `json:"eventTriggers"`
	IsActive         bool        `json:"isActive"`
	FailureCount     int         `json:"failureCount"`
	LastTriggeredAt  time.Time   `json:"lastTriggeredAt,omitempty"`
	LastSuccessAt    time.Time   `json:"lastSuccessAt,omitempty"`
	LastFailureAt    time.Time   `json:"lastFailureAt,omitempty"`
	LastErrorMessage string      `json:"lastErrorMessage,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

func (w *Webhook) Subscribed(t EventType) bool { return slices.Contains(w.EventTriggers, t) }

// SetActive toggles the webhook. Re-activation starts a fresh failure budget.
func (w *Webhook) SetActive(active bool) {
	if active && !w.IsActive {
		w.FailureCount = 0
	}
	w.IsActive = active
}

type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliveryRetrying DeliveryStatus = "retrying"
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailed   DeliveryStatus = "failed"
)

func (s DeliveryStatus) Terminal() bool { return s == DeliverySuccess || s == DeliveryFailed }

// WebhookDelivery records one event sent to one webhook, across all of its attempts.
type WebhookDelivery struct {
	ID             string          `json:"id"`
	WebhookID      string          `json:"webhookId"`
	EventType      EventType       `json:"eventType"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	ResponseStatus int             `json:"responseStatus,omitempty"`
	ResponseTimeMs int64           `json:"responseTimeMs,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	NextRetryAt    time.Time       `json:"nextRetryAt,omitempty"`
	DeliveredAt    time.Time       `json:"deliveredAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}
