package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"slotsync/internal/domain"
	"slotsync/internal/eventbus"
	"slotsync/internal/queue"
	"slotsync/internal/storage"
	logx "slotsync/pkg/logx"
)

type receiver struct {
	srv    *httptest.Server
	hits   atomic.Int32
	status atomic.Int32

	mu     sync.Mutex
	bodies []Envelope
	badSig int
}

func newReceiver(t *testing.T, secret string, status int) *receiver {
	t.Helper()
	r := &receiver{}
	r.status.Store(int32(status))
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.hits.Add(1)
		raw, _ := io.ReadAll(req.Body)
		var env Envelope
		_ = json.Unmarshal(raw, &env)
		r.mu.Lock()
		r.bodies = append(r.bodies, env)
		if !Verify(secret, raw, req.Header.Get(SignatureHeader)) {
			r.badSig++
		}
		r.mu.Unlock()
		w.WriteHeader(int(r.status.Load()))
	}))
	t.Cleanup(r.srv.Close)
	return r
}

type harness struct {
	e   *Engine
	st  storage.Store
	now time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st := storage.NewMemory()
	d := queue.NewDispatcher(st, queue.Config{}, logx.Nop(), nil)
	sender := NewHTTPSender(SenderConfig{Timeout: 2 * time.Second, HostRate: 1000, HostBurst: 100}, nil)
	h := &harness{st: st, now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	h.e = New(st, sender, d, cfg, logx.Nop(), eventbus.New())
	h.e.now = func() time.Time { return h.now }
	return h
}

func (h *harness) webhook(t *testing.T, id, url string, failures int) {
	t.Helper()
	err := h.st.PutWebhook(context.Background(), domain.Webhook{
		ID: id, UserID: "u1", URL: url, Secret: "s3cret", IsActive: true, FailureCount: failures,
		EventTriggers: []domain.EventType{domain.EventBookingCreated, domain.EventBookingCancelled},
	})
	if err != nil {
		t.Fatalf("put webhook: %v", err)
	}
}

func (h *harness) dispatch(t *testing.T) string {
	t.Helper()
	ids, err := h.e.Dispatch(context.Background(), BookingEvent{UserID: "u1", EventType: domain.EventBookingCreated, Data: map[string]string{"bookingId": "b1"}})
	if err != nil || len(ids) != 1 {
		t.Fatalf("Dispatch()=%v,%v", ids, err)
	}
	return ids[0]
}

func (h *harness) delivery(t *testing.T, id string) domain.WebhookDelivery {
	t.Helper()
	d, err := h.st.GetDelivery(context.Background(), id)
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	return d
}

func (h *harness) hook(t *testing.T, id string) domain.Webhook {
	t.Helper()
	w, err := h.st.GetWebhook(context.Background(), id)
	if err != nil {
		t.Fatalf("get webhook: %v", err)
	}
	return w
}

func TestDeliverySuccessIsSignedAndIdempotent(t *testing.T) {
	t.Parallel()

	rcv := newReceiver(t, "s3cret", http.StatusOK)
	h := newHarness(t, Config{})
	h.webhook(t, "w1", rcv.srv.URL, 3)
	id := h.dispatch(t)
	ctx := context.Background()

	if err := h.e.Attempt(ctx, id, 1); err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if err := h.e.Attempt(ctx, id, 1); err != nil {
		t.Fatalf("repeat Attempt: %v", err)
	}
	if n := rcv.hits.Load(); n != 1 {
		t.Fatalf("receiver hits=%d, want 1", n)
	}
	rcv.mu.Lock()
	env, bad := rcv.bodies[0], rcv.badSig
	rcv.mu.Unlock()
	if bad != 0 || env.DeliveryID != id || env.EventType != domain.EventBookingCreated || string(env.Data) != `{"bookingId":"b1"}` {
		t.Fatalf("envelope=%+v badSig=%d", env, bad)
	}

	d := h.delivery(t, id)
	if d.Status != domain.DeliverySuccess || d.Attempts != 1 || d.ResponseStatus != 200 || d.DeliveredAt.IsZero() {
		t.Fatalf("delivery=%+v", d)
	}
	if w := h.hook(t, "w1"); w.FailureCount != 0 || w.LastSuccessAt.IsZero() {
		t.Fatalf("webhook=%+v", w)
	}
}

// Three consecutive 500s with a budget of three attempts fail the delivery and
// charge the webhook once.
func TestDeliveryExhaustsAttempts(t *testing.T) {
	t.Parallel()

	rcv := newReceiver(t, "s3cret", http.StatusInternalServerError)
	h := newHarness(t, Config{MaxAttempts: 3, Backoff: queue.Backoff{Base: time.Second, Max: time.Minute}})
	h.webhook(t, "w1", rcv.srv.URL, 0)
	id := h.dispatch(t)
	ctx := context.Background()

	for n := 1; n <= 3; n++ {
		if err := h.e.Attempt(ctx, id, n); err != nil {
			t.Fatalf("Attempt %d: %v", n, err)
		}
		d := h.delivery(t, id)
		if d.Attempts != n {
			t.Fatalf("attempts=%d after attempt %d", d.Attempts, n)
		}
		if n < 3 {
			if d.Status != domain.DeliveryRetrying || !d.NextRetryAt.After(h.now) {
				t.Fatalf("after attempt %d: %+v", n, d)
			}
			jobs, _ := h.st.ListJobs(ctx, storage.JobFilter{Type: domain.JobRetryDelivery})
			found := false
			for _, j := range jobs {
				found = found || j.DedupKey == domain.DeliveryDedupKey(id, n+1)
			}
			if len(jobs) != n || !found {
				t.Fatalf("retry jobs after attempt %d: %+v", n, jobs)
			}
		}
	}
	d := h.delivery(t, id)
	if d.Status != domain.DeliveryFailed || d.Attempts != 3 || d.ResponseStatus != 500 {
		t.Fatalf("final delivery=%+v", d)
	}
	if w := h.hook(t, "w1"); w.FailureCount != 1 || !w.IsActive || w.LastErrorMessage == "" {
		t.Fatalf("webhook=%+v", w)
	}
	if err := h.e.Attempt(ctx, id, 4); err != nil || rcv.hits.Load() != 3 {
		t.Fatalf("attempt past the budget must be a no-op: err=%v hits=%d", err, rcv.hits.Load())
	}
}

// A throttling receiver's Retry-After pushes the next attempt past the backoff.
func TestDeliveryHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "3600")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)
	h := newHarness(t, Config{MaxAttempts: 3, Backoff: queue.Backoff{Base: time.Second, Max: time.Minute}})
	h.webhook(t, "w1", srv.URL, 0)
	id := h.dispatch(t)
	ctx := context.Background()

	if err := h.e.Attempt(ctx, id, 1); err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	d := h.delivery(t, id)
	if d.Status != domain.DeliveryRetrying || d.ResponseStatus != http.StatusTooManyRequests {
		t.Fatalf("delivery=%+v", d)
	}
	if wait := d.NextRetryAt.Sub(h.now); wait < time.Hour {
		t.Fatalf("next retry in %v, want at least 1h", wait)
	}
	jobs, _ := h.st.ListJobs(ctx, storage.JobFilter{Type: domain.JobRetryDelivery})
	if len(jobs) != 1 || jobs[0].NextRunAt.Before(h.now.Add(time.Hour)) {
		t.Fatalf("retry jobs=%+v", jobs)
	}
}

func TestWebhookAutoDeactivates(t *testing.T) {
	t.Parallel()

	rcv := newReceiver(t, "s3cret", http.StatusBadGateway)
	h := newHarness(t, Config{MaxAttempts: 1, FailureThreshold: 4})
	h.webhook(t, "w1", rcv.srv.URL, 3)
	ctx := context.Background()

	first := h.dispatch(t)
	second := h.dispatch(t)
	if err := h.e.Attempt(ctx, first, 1); err != nil {
		t.Fatal(err)
	}
	w := h.hook(t, "w1")
	if w.IsActive || w.FailureCount != 4 {
		t.Fatalf("webhook=%+v, want deactivated at threshold", w)
	}

	if err := h.e.Attempt(ctx, second, 1); err != nil {
		t.Fatal(err)
	}
	if n := rcv.hits.Load(); n != 1 {
		t.Fatalf("inactive webhook was called, hits=%d", n)
	}
	if d := h.delivery(t, second); d.Status != domain.DeliveryFailed || d.Attempts != 0 {
		t.Fatalf("skipped delivery=%+v", d)
	}
	if w := h.hook(t, "w1"); w.FailureCount != 4 {
		t.Fatalf("skipped delivery must not be charged, failures=%d", w.FailureCount)
	}
	if ids, err := h.e.Dispatch(ctx, BookingEvent{UserID: "u1", EventType: domain.EventBookingCreated}); err != nil || len(ids) != 0 {
		t.Fatalf("inactive webhook must not get new deliveries: %v %v", ids, err)
	}

	// Re-activation starts a fresh failure budget.
	w, _ = h.st.UpdateWebhook(ctx, "w1", func(w *domain.Webhook) error { w.SetActive(true); return nil })
	if !w.IsActive || w.FailureCount != 0 {
		t.Fatalf("reactivated webhook=%+v", w)
	}
}

func TestReceiverRejectionFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	rcv := newReceiver(t, "s3cret", http.StatusGone)
	h := newHarness(t, Config{MaxAttempts: 5})
	h.webhook(t, "w1", rcv.srv.URL, 0)
	id := h.dispatch(t)

	if err := h.e.Attempt(context.Background(), id, 1); err != nil {
		t.Fatal(err)
	}
	if d := h.delivery(t, id); d.Status != domain.DeliveryFailed || d.Attempts != 1 {
		t.Fatalf("delivery=%+v", d)
	}
	jobs, _ := h.st.ListJobs(context.Background(), storage.JobFilter{Type: domain.JobRetryDelivery})
	if len(jobs) != 0 {
		t.Fatalf("rejected delivery must not be retried: %+v", jobs)
	}
	if w := h.hook(t, "w1"); w.FailureCount != 1 {
		t.Fatalf("failures=%d", w.FailureCount)
	}
}

func TestManualRetry(t *testing.T) {
	t.Parallel()

	rcv := newReceiver(t, "s3cret", http.StatusOK)
	h := newHarness(t, Config{MaxAttempts: 3})
	h.webhook(t, "w1", rcv.srv.URL, 0)
	ctx := context.Background()

	t.Run("success is rejected", func(t *testing.T) {
		id := h.dispatch(t)
		if err := h.e.Attempt(ctx, id, 1); err != nil {
			t.Fatal(err)
		}
		before, _ := h.st.CountJobs(ctx)
		_, err := h.e.Retry(ctx, id)
		if !errors.Is(err, ErrRetryRejected) {
			t.Fatalf("Retry()=%v, want ErrRetryRejected", err)
		}
		after, _ := h.st.CountJobs(ctx)
		if before[domain.JobQueued] != after[domain.JobQueued] {
			t.Fatalf("rejected retry queued a job: %v -> %v", before, after)
		}
		if d := h.delivery(t, id); d.Attempts != 1 || d.Status != domain.DeliverySuccess {
			t.Fatalf("delivery changed: %+v", d)
		}
	})

	t.Run("failed delivery is retried", func(t *testing.T) {
		rcv.status.Store(http.StatusForbidden)
		id := h.dispatch(t)
		if err := h.e.Attempt(ctx, id, 1); err != nil {
			t.Fatal(err)
		}
		jobID, err := h.e.Retry(ctx, id)
		if err != nil || jobID == "" {
			t.Fatalf("Retry()=%q,%v", jobID, err)
		}
		if d := h.delivery(t, id); d.Status != domain.DeliveryRetrying {
			t.Fatalf("delivery=%+v", d)
		}
		rcv.status.Store(http.StatusOK)
		if err := h.e.Attempt(ctx, id, 2); err != nil {
			t.Fatal(err)
		}
		if d := h.delivery(t, id); d.Status != domain.DeliverySuccess || d.Attempts != 2 {
			t.Fatalf("delivery=%+v", d)
		}
	})

	t.Run("exhausted is rejected", func(t *testing.T) {
		id := h.dispatch(t)
		_, _ = h.st.UpdateDelivery(ctx, id, func(d *domain.WebhookDelivery) error {
			d.Attempts = 3
			d.Status = domain.DeliveryFailed
			return nil
		})
		if _, err := h.e.Retry(ctx, id); !errors.Is(err, ErrRetryRejected) {
			t.Fatalf("Retry()=%v", err)
		}
	})
}

func TestTestSendsWithoutAccounting(t *testing.T) {
	t.Parallel()

	rcv := newReceiver(t, "s3cret", http.StatusServiceUnavailable)
	h := newHarness(t, Config{})
	h.webhook(t, "w1", rcv.srv.URL, 2)

	res, err := h.e.Test(context.Background(), "w1")
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if res.Success || res.StatusCode != 503 || res.Error == "" {
		t.Fatalf("result=%+v", res)
	}
	if w := h.hook(t, "w1"); w.FailureCount != 2 {
		t.Fatalf("test send changed failure count: %d", w.FailureCount)
	}
	rcv.mu.Lock()
	env := rcv.bodies[0]
	rcv.mu.Unlock()
	if env.EventType != TestEventType {
		t.Fatalf("event type=%q", env.EventType)
	}
}

func TestDispatchFiltersSubscriptions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.webhook(t, "w1", "http://example.invalid/hook", 0)
	ctx := context.Background()

	ids, err := h.e.Dispatch(ctx, BookingEvent{UserID: "u1", EventType: domain.EventBookingRejected})
	if err != nil || len(ids) != 0 {
		t.Fatalf("unsubscribed event: %v %v", ids, err)
	}
	if _, err := h.e.Dispatch(ctx, BookingEvent{UserID: "u1", EventType: "booking.exploded"}); err == nil {
		t.Fatalf("unknown event type must be rejected")
	}
	ids, err = h.e.Dispatch(ctx, BookingEvent{UserID: "u1", EventType: domain.EventBookingCancelled})
	if err != nil || len(ids) != 1 {
		t.Fatalf("subscribed event: %v %v", ids, err)
	}
	d := h.delivery(t, ids[0])
	if d.Status != domain.DeliveryPending || d.MaxAttempts != 5 || d.Attempts != 0 {
		t.Fatalf("delivery=%+v", d)
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()

	body := []byte(`{"eventType":"booking.created"}`)
	sig := Sign("k", body)
	if !Verify("k", body, sig) {
		t.Fatalf("valid signature rejected")
	}
	if Verify("other", body, sig) || Verify("k", append(body, ' '), sig) || Verify("k", body, "zz") {
		t.Fatalf("invalid signature accepted")
	}
}
