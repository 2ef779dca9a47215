// Package webhook delivers signed booking events to user-registered endpoints,
// with per-delivery retry and automatic deactivation of failing endpoints.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"slotsync/internal/domain"
	"slotsync/internal/eventbus"
	"slotsync/internal/failure"
	"slotsync/internal/queue"
	"slotsync/internal/storage"
	logx "slotsync/pkg/logx"
)

// ErrRetryRejected is returned by Retry for deliveries that may not be retried.
var ErrRetryRejected = errors.New("webhook: retry rejected")

var errAttemptRecorded = errors.New("attempt already recorded")

// TestEventType marks synthetic payloads sent by Test.
const TestEventType domain.EventType = "webhook.test"

type Store interface {
	GetWebhook(ctx context.Context, id string) (domain.Webhook, error)
	UpdateWebhook(ctx context.Context, id string, fn func(*domain.Webhook) error) (domain.Webhook, error)
	ListWebhooksByUser(ctx context.Context, userID string) ([]domain.Webhook, error)
	CreateDelivery(ctx context.Context, d domain.WebhookDelivery) error
	GetDelivery(ctx context.Context, id string) (domain.WebhookDelivery, error)
	UpdateDelivery(ctx context.Context, id string, fn func(*domain.WebhookDelivery) error) (domain.WebhookDelivery, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, p domain.Payload, opts ...queue.Option) (queue.Result, error)
}

type Config struct {
	// MaxAttempts is stamped onto each new delivery.
	MaxAttempts int
	// FailureThreshold deactivates a webhook once this many deliveries failed in a row.
	FailureThreshold int
	Backoff          queue.Backoff
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 10
	}
	return c
}

// BookingEvent is a booking lifecycle change to fan out to webhooks.
type BookingEvent struct {
	UserID    string
	EventType domain.EventType
	Data      any
}

// Envelope is the JSON body receivers get.
type Envelope struct {
	EventType  domain.EventType `json:"eventType"`
	DeliveryID string           `json:"deliveryId"`
	Timestamp  time.Time        `json:"timestamp"`
	Data       json.RawMessage  `json:"data"`
}

// TestResult reports a synchronous test send.
type TestResult struct {
	Success      bool          `json:"success"`
	StatusCode   int           `json:"statusCode,omitempty"`
	ResponseTime time.Duration `json:"responseTime"`
	Error        string        `json:"error,omitempty"`
}

// DeliveryEvent is published for delivery outcomes.
type DeliveryEvent struct {
	DeliveryID string
	WebhookID  string
	Attempt    int
	Status     domain.DeliveryStatus
	StatusCode int
	Error      string
}

type Engine struct {
	store  Store
	sender Sender
	queue  Enqueuer
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	mu  sync.RWMutex
	cfg Config
}

func New(store Store, sender Sender, q Enqueuer, cfg Config, log logx.Logger, bus eventbus.Bus) *Engine {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Engine{
		store:  store,
		sender: sender,
		queue:  q,
		bus:    bus,
		log:    log.With(logx.String("comp", "webhook")),
		now:    time.Now,
		cfg:    cfg.withDefaults(),
	}
}

func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Dispatch records a delivery for every active webhook of the user subscribed to
// the event and enqueues the first attempt of each. It returns the delivery ids.
func (e *Engine) Dispatch(ctx context.Context, ev BookingEvent) ([]string, error) {
	if !ev.EventType.Known() {
		return nil, failure.Validation(fmt.Errorf("unknown event type %q", ev.EventType))
	}
	hooks, err := e.store.ListWebhooksByUser(ctx, ev.UserID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks of %s: %w", ev.UserID, err)
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, failure.Validation(fmt.Errorf("encode event data: %w", err))
	}
	cfg := e.config()

	var ids []string
	for _, w := range hooks {
		if !w.IsActive || !w.Subscribed(ev.EventType) {
			continue
		}
		now := e.now()
		d := domain.WebhookDelivery{
			ID:          uuid.NewString(),
			WebhookID:   w.ID,
			EventType:   ev.EventType,
			Payload:     data,
			Status:      domain.DeliveryPending,
			MaxAttempts: cfg.MaxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.store.CreateDelivery(ctx, d); err != nil {
			return ids, fmt.Errorf("create delivery for webhook %s: %w", w.ID, err)
		}
		if _, err := e.queue.Enqueue(ctx, domain.DeliverWebhook{DeliveryID: d.ID, Attempt: 1}); err != nil {
			return ids, fmt.Errorf("enqueue delivery %s: %w", d.ID, err)
		}
		ids = append(ids, d.ID)
	}
	e.log.Debug("booking event dispatched", logx.String("user_id", ev.UserID), logx.String("event", string(ev.EventType)), logx.Int("deliveries", len(ids)))
	return ids, nil
}

// Attempt performs attempt number n of a delivery. It is idempotent per attempt:
// a repeated call for an attempt already recorded only re-ensures the follow-up
// retry is queued. Receiver failures are handled here by scheduling the next
// attempt; the returned error covers storage and queue failures only.
func (e *Engine) Attempt(ctx context.Context, deliveryID string, n int) error {
	cfg := e.config()
	d, err := e.store.GetDelivery(ctx, deliveryID)
	if errors.Is(err, storage.ErrNotFound) {
		e.log.Warn("delivery gone, attempt dropped", logx.String("delivery_id", deliveryID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load delivery %s: %w", deliveryID, err)
	}
	log := e.log.With(logx.String("delivery_id", d.ID), logx.String("webhook_id", d.WebhookID), logx.Int("attempt", n))

	if d.Status.Terminal() {
		log.Debug("delivery already terminal", logx.String("status", string(d.Status)))
		return nil
	}
	if d.Attempts >= n {
		if d.Status == domain.DeliveryRetrying && d.Attempts == n {
			return e.scheduleNext(ctx, d)
		}
		return nil
	}
	if n > d.MaxAttempts {
		return nil
	}

	w, err := e.store.GetWebhook(ctx, d.WebhookID)
	if errors.Is(err, storage.ErrNotFound) {
		return e.abandon(ctx, d, "webhook deleted", log)
	}
	if err != nil {
		return fmt.Errorf("load webhook %s: %w", d.WebhookID, err)
	}
	if !w.IsActive {
		return e.abandon(ctx, d, "webhook inactive", log)
	}

	now := e.now()
	body, err := json.Marshal(Envelope{EventType: d.EventType, DeliveryID: d.ID, Timestamp: now.UTC(), Data: d.Payload})
	if err != nil {
		return failure.Validation(fmt.Errorf("encode envelope: %w", err))
	}
	if _, err := e.store.UpdateWebhook(ctx, w.ID, func(hw *domain.Webhook) error {
		hw.LastTriggeredAt = now
		return nil
	}); err != nil {
		log.Warn("touch webhook failed", logx.Err(err))
	}

	resp, sendErr := e.sender.Post(ctx, w.URL, body, e.headers(w.Secret, body, d.EventType, d.ID))
	return e.record(ctx, d, n, cfg, resp, sendErr, log)
}

func (e *Engine) headers(secret string, body []byte, et domain.EventType, deliveryID string) http.Header {
	h := http.Header{}
	h.Set(SignatureHeader, Sign(secret, body))
	h.Set("X-Webhook-Event", string(et))
	h.Set("X-Webhook-Delivery", deliveryID)
	return h
}

// record writes the outcome of attempt n and does the webhook failure accounting.
func (e *Engine) record(ctx context.Context, d domain.WebhookDelivery, n int, cfg Config, resp Response, sendErr error, log logx.Logger) error {
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	code := resp.StatusCode

	var msg string
	status := domain.DeliverySuccess
	switch {
	case sendErr != nil:
		msg = sendErr.Error()
		status = domain.DeliveryRetrying
	case code >= 200 && code < 300:
	case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusGone:
		// The receiver refuses us; more attempts will not change that.
		msg = "receiver rejected delivery: http " + strconv.Itoa(code)
		status = domain.DeliveryFailed
	default:
		msg = "http " + strconv.Itoa(code)
		status = domain.DeliveryRetrying
	}
	if status == domain.DeliveryRetrying && n >= d.MaxAttempts {
		status = domain.DeliveryFailed
	}

	var delay time.Duration
	if status == domain.DeliveryRetrying {
		delay = cfg.Backoff.Delay(n, resp.RetryAfter)
	}
	updated, err := e.store.UpdateDelivery(ctx, d.ID, func(cur *domain.WebhookDelivery) error {
		if cur.Status.Terminal() || cur.Attempts >= n {
			return errAttemptRecorded
		}
		cur.Attempts = n
		cur.Status = status
		cur.ResponseStatus = code
		cur.ResponseTimeMs = resp.Elapsed.Milliseconds()
		cur.ErrorMessage = msg
		cur.NextRetryAt = time.Time{}
		switch status {
		case domain.DeliverySuccess:
			cur.DeliveredAt = now
		case domain.DeliveryRetrying:
			cur.NextRetryAt = now.Add(delay)
		}
		cur.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errAttemptRecorded) {
		log.Debug("attempt raced with another writer")
		return nil
	}
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}

	ev := DeliveryEvent{DeliveryID: d.ID, WebhookID: d.WebhookID, Attempt: n, Status: status, StatusCode: code, Error: msg}
	switch status {
	case domain.DeliverySuccess:
		log.Debug("delivery succeeded", logx.Int("status", code), logx.Duration("elapsed", resp.Elapsed))
		if _, err := e.store.UpdateWebhook(ctx, d.WebhookID, func(w *domain.Webhook) error {
			w.FailureCount = 0
			w.LastSuccessAt = now
			w.UpdatedAt = now
			return nil
		}); err != nil {
			log.Warn("reset webhook failure count failed", logx.Err(err))
		}
		e.bus.Publish(eventbus.Event{Type: eventbus.DeliverySucceeded, Time: now, Data: ev})
		return nil
	case domain.DeliveryRetrying:
		log.Info("delivery attempt failed, retry scheduled", logx.String("error", msg), logx.Time("next_retry_at", updated.NextRetryAt))
		return e.scheduleNext(ctx, updated)
	default:
		log.Warn("delivery failed", logx.String("error", msg))
		e.bus.Publish(eventbus.Event{Type: eventbus.DeliveryFailed, Time: now, Data: ev})
		e.countFailure(ctx, d.WebhookID, msg, log)
		return nil
	}
}

func (e *Engine) scheduleNext(ctx context.Context, d domain.WebhookDelivery) error {
	_, err := e.queue.Enqueue(ctx, domain.RetryDelivery{DeliveryID: d.ID, Attempt: d.Attempts + 1}, queue.WithRunAt(d.NextRetryAt))
	if err != nil {
		return fmt.Errorf("enqueue retry of %s: %w", d.ID, err)
	}
	return nil
}

// countFailure charges one failed delivery to the webhook and deactivates it at
// the threshold.
func (e *Engine) countFailure(ctx context.Context, webhookID, msg string, log logx.Logger) {
	threshold := e.config().FailureThreshold
	now := e.now()
	deactivated := false
	w, err := e.store.UpdateWebhook(ctx, webhookID, func(w *domain.Webhook) error {
		w.FailureCount++
		w.LastFailureAt = now
		w.LastErrorMessage = msg
		w.UpdatedAt = now
		if w.IsActive && w.FailureCount >= threshold {
			w.IsActive = false
			deactivated = true
		}
		return nil
	})
	if err != nil {
		log.Warn("webhook failure accounting failed", logx.Err(err))
		return
	}
	if deactivated {
		log.Warn("webhook deactivated after repeated failures", logx.Int("failures", w.FailureCount))
		e.bus.Publish(eventbus.Event{Type: eventbus.WebhookDeactivated, Time: now, Data: w.ID})
	}
}

// abandon fails a delivery whose webhook can no longer receive it.
// The webhook's failure count is not charged.
func (e *Engine) abandon(ctx context.Context, d domain.WebhookDelivery, reason string, log logx.Logger) error {
	_, err := e.store.UpdateDelivery(context.WithoutCancel(ctx), d.ID, func(cur *domain.WebhookDelivery) error {
		if cur.Status.Terminal() {
			return errAttemptRecorded
		}
		cur.Status = domain.DeliveryFailed
		cur.ErrorMessage = reason
		cur.NextRetryAt = time.Time{}
		cur.UpdatedAt = e.now()
		return nil
	})
	if err != nil && !errors.Is(err, errAttemptRecorded) {
		return fmt.Errorf("abandon delivery %s: %w", d.ID, err)
	}
	log.Info("delivery skipped", logx.String("reason", reason))
	return nil
}

// Retry schedules the next attempt of a delivery right away, at the user's request.
// Delivered deliveries, inactive webhooks and exhausted deliveries are rejected
// with ErrRetryRejected. It returns the job id of the attempt.
func (e *Engine) Retry(ctx context.Context, deliveryID string) (string, error) {
	d, err := e.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return "", fmt.Errorf("load delivery %s: %w", deliveryID, err)
	}
	if d.Status == domain.DeliverySuccess {
		return "", fmt.Errorf("%w: delivery %s already succeeded", ErrRetryRejected, d.ID)
	}
	if d.Attempts >= d.MaxAttempts {
		return "", fmt.Errorf("%w: delivery %s used all %d attempts", ErrRetryRejected, d.ID, d.MaxAttempts)
	}
	w, err := e.store.GetWebhook(ctx, d.WebhookID)
	if err != nil {
		return "", fmt.Errorf("load webhook %s: %w", d.WebhookID, err)
	}
	if !w.IsActive {
		return "", fmt.Errorf("%w: webhook %s is inactive", ErrRetryRejected, w.ID)
	}

	now := e.now()
	d, err = e.store.UpdateDelivery(ctx, d.ID, func(cur *domain.WebhookDelivery) error {
		if cur.Status == domain.DeliverySuccess {
			return fmt.Errorf("%w: delivery %s already succeeded", ErrRetryRejected, cur.ID)
		}
		if cur.Status == domain.DeliveryFailed {
			cur.Status = domain.DeliveryRetrying
		}
		cur.NextRetryAt = now
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return "", err
	}
	res, err := e.queue.Enqueue(ctx, domain.RetryDelivery{DeliveryID: d.ID, Attempt: d.Attempts + 1, Manual: true}, queue.WithExpedite())
	if err != nil {
		return "", fmt.Errorf("enqueue retry of %s: %w", d.ID, err)
	}
	e.log.Info("manual delivery retry", logx.String("delivery_id", d.ID), logx.Int("attempt", d.Attempts+1), logx.Bool("expedited", res.Expedited))
	return res.JobID, nil
}

// Test sends a synthetic signed payload to the webhook and reports the answer.
// Nothing is recorded and the webhook's failure accounting is untouched.
func (e *Engine) Test(ctx context.Context, webhookID string) (TestResult, error) {
	w, err := e.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return TestResult{}, fmt.Errorf("load webhook %s: %w", webhookID, err)
	}
	now := e.now()
	data, _ := json.Marshal(map[string]any{
		"message":   "This is a test delivery.",
		"webhookId": w.ID,
	})
	id := "test-" + uuid.NewString()
	body, err := json.Marshal(Envelope{EventType: TestEventType, DeliveryID: id, Timestamp: now.UTC(), Data: data})
	if err != nil {
		return TestResult{}, err
	}

	resp, err := e.sender.Post(ctx, w.URL, body, e.headers(w.Secret, body, TestEventType, id))
	res := TestResult{StatusCode: resp.StatusCode, ResponseTime: resp.Elapsed}
	switch {
	case err != nil:
		res.Error = err.Error()
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res.Success = true
	default:
		res.Error = "http " + strconv.Itoa(resp.StatusCode)
	}
	e.log.Debug("webhook test", logx.String("webhook_id", w.ID), logx.Bool("success", res.Success), logx.Int("status", res.StatusCode))
	return res, nil
}
