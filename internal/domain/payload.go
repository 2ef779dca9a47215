package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownJobType = errors.New("unknown job type")

// Payload is the closed set of job payloads. Each job type has exactly one
// payload struct; Validate runs once at enqueue and again when a worker decodes it.
type Payload interface {
	JobType() JobType
	Validate() error
	// DedupKey returns the default dedup key, or "" when the job must not be deduplicated.
	DedupKey() string
}

type SyncCalendar struct {
	CalendarID    string `json:"calendarId"`
	ForceFullSync bool   `json:"forceFullSync,omitempty"`
}

func (SyncCalendar) JobType() JobType { return JobSyncCalendar }
func (p SyncCalendar) Validate() error {
	return requireID("calendarId", p.CalendarID)
}
func (p SyncCalendar) DedupKey() string { return "sync:calendar:" + p.CalendarID }

type SyncUserCalendars struct {
	UserID string `json:"userId"`
}

func (SyncUserCalendars) JobType() JobType { return JobSyncUserCalendars }
func (p SyncUserCalendars) Validate() error {
	return requireID("userId", p.UserID)
}
func (p SyncUserCalendars) DedupKey() string { return "sync:user:" + p.UserID }

type CheckConflicts struct {
	BookingID string `json:"bookingId"`
}

func (CheckConflicts) JobType() JobType { return JobCheckConflicts }
func (p CheckConflicts) Validate() error {
	return requireID("bookingId", p.BookingID)
}
func (p CheckConflicts) DedupKey() string { return "conflicts:booking:" + p.BookingID }

type DeliverWebhook struct {
	DeliveryID string `json:"deliveryId"`
	Attempt    int    `json:"attempt"`
}

func (DeliverWebhook) JobType() JobType { return JobDeliverWebhook }
func (p DeliverWebhook) Validate() error {
	if err := requireID("deliveryId", p.DeliveryID); err != nil {
		return err
	}
	return requireAttempt(p.Attempt)
}
func (p DeliverWebhook) DedupKey() string { return DeliveryDedupKey(p.DeliveryID, p.Attempt) }

// RetryDelivery is a follow-up attempt, scheduled by the engine or requested manually.
type RetryDelivery struct {
	DeliveryID string `json:"deliveryId"`
	Attempt    int    `json:"attempt"`
	Manual     bool   `json:"manual,omitempty"`
}

func (RetryDelivery) JobType() JobType { return JobRetryDelivery }
func (p RetryDelivery) Validate() error {
	if err := requireID("deliveryId", p.DeliveryID); err != nil {
		return err
	}
	return requireAttempt(p.Attempt)
}
func (p RetryDelivery) DedupKey() string { return DeliveryDedupKey(p.DeliveryID, p.Attempt) }

type TestWebhook struct {
	WebhookID string `json:"webhookId"`
}

func (TestWebhook) JobType() JobType { return JobTestWebhook }
func (p TestWebhook) Validate() error {
	return requireID("webhookId", p.WebhookID)
}
func (TestWebhook) DedupKey() string { return "" }

// DeliveryDedupKey keys one attempt of one delivery, so the first attempt and the
// scheduled retry never collapse into each other.
func DeliveryDedupKey(deliveryID string, attempt int) string {
	return fmt.Sprintf("webhook-delivery:%s:%d", deliveryID, attempt)
}

// DecodePayload parses raw into the payload type registered for t and validates it.
func DecodePayload(t JobType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case JobSyncCalendar:
		var v SyncCalendar
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		p = v
	case JobSyncUserCalendars:
		var v SyncUserCalendars
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		p = v
	case JobCheckConflicts:
		var v CheckConflicts
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		p = v
	case JobDeliverWebhook:
		var v DeliverWebhook
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		p = v
	case JobRetryDelivery:
		var v RetryDelivery
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		p = v
	case JobTestWebhook:
		var v TestWebhook
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, t)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", t, err)
	}
	return p, nil
}

func requireID(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

func requireAttempt(n int) error {
	if n < 1 {
		return fmt.Errorf("attempt must be >= 1, got %d", n)
	}
	return nil
}
