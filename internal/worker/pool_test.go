package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"slotsync/internal/domain"
	"slotsync/internal/eventbus"
	"slotsync/internal/failure"
	"slotsync/internal/queue"
	"slotsync/internal/storage"
	logx "slotsync/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newPool(t *testing.T) (*Pool, storage.Store, *clock) {
	t.Helper()
	st := storage.NewMemory()
	clk := &clock{t: time.UnixMilli(1_760_000_000_000)}
	p := New(st, Config{
		Workers:        1,
		Lease:          time.Minute,
		DefaultTimeout: time.Second,
		Backoff:        queue.Backoff{Base: time.Second, Max: time.Minute},
	}, logx.Nop(), eventbus.New())
	p.now = clk.Now
	return p, st, clk
}

func put(t *testing.T, st storage.Store, id string, typ domain.JobType, payload any, maxAttempts int, at time.Time) {
	t.Helper()
	raw, _ := json.Marshal(payload)
	_, err := st.EnqueueJob(context.Background(), domain.Job{
		ID: id, Type: typ, Payload: raw, Status: domain.JobQueued, MaxAttempts: maxAttempts,
		NextRunAt: at, CreatedAt: at, UpdatedAt: at,
	}, false)
	if err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
}

func mustJob(t *testing.T, st storage.Store, id string) domain.Job {
	t.Helper()
	j, err := st.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return j
}

func runOnce(t *testing.T, p *Pool) bool {
	t.Helper()
	ran, err := p.RunOnce(context.Background(), "test-owner")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	return ran
}

func TestPoolRetryThenSuccess(t *testing.T) {
	t.Parallel()
	p, st, clk := newPool(t)

	var calls atomic.Int32
	p.Handle(domain.JobSyncCalendar, func(ctx context.Context, job domain.Job, payload domain.Payload) Result {
		if payload.(domain.SyncCalendar).CalendarID != "c1" {
			t.Errorf("unexpected payload %#v", payload)
		}
		if calls.Add(1) == 1 {
			return Retry(errors.New("503 from provider"))
		}
		return Done()
	}, HandlerOptions{})
	put(t, st, "j1", domain.JobSyncCalendar, domain.SyncCalendar{CalendarID: "c1"}, 3, clk.Now())

	if !runOnce(t, p) {
		t.Fatal("expected the due job to run")
	}
	j := mustJob(t, st, "j1")
	if j.Status != domain.JobQueued || j.Attempts != 1 || !j.NextRunAt.Equal(clk.Now().Add(time.Second)) || j.LastError == "" {
		t.Fatalf("after first failure: %+v", j)
	}
	if runOnce(t, p) {
		t.Fatal("job must wait for its backoff")
	}

	clk.Advance(time.Second)
	if !runOnce(t, p) {
		t.Fatal("expected the retry to run")
	}
	j = mustJob(t, st, "j1")
	if j.Status != domain.JobDone || j.Attempts != 2 {
		t.Fatalf("after success: %+v", j)
	}
}

func TestPoolExhaustionDeadLetters(t *testing.T) {
	t.Parallel()
	p, st, clk := newPool(t)

	var hooked []error
	p.Handle(domain.JobSyncCalendar, func(ctx context.Context, job domain.Job, payload domain.Payload) Result {
		return Classify(failure.Transient(errors.New("timeout talking to provider")))
	}, HandlerOptions{OnDeadLetter: func(ctx context.Context, job domain.Job, payload domain.Payload, cause error) {
		hooked = append(hooked, cause)
	}})
	put(t, st, "j1", domain.JobSyncCalendar, domain.SyncCalendar{CalendarID: "c1"}, 3, clk.Now())

	for i := 0; i < 3; i++ {
		if !runOnce(t, p) {
			t.Fatalf("run %d did not execute", i+1)
		}
		clk.Advance(time.Hour)
	}
	j := mustJob(t, st, "j1")
	if j.Status != domain.JobDeadLetter || j.Attempts != 3 {
		t.Fatalf("after exhaustion: %+v", j)
	}
	if len(hooked) != 1 {
		t.Fatalf("dead-letter hook calls=%d, want 1", len(hooked))
	}
	if runOnce(t, p) {
		t.Fatal("dead-lettered job must not run again")
	}
	if c := p.Counters(); c.Retried != 2 || c.DeadLettered != 1 {
		t.Fatalf("counters=%+v", c)
	}
}

func TestPoolPermanentSkipsRetries(t *testing.T) {
	t.Parallel()
	p, st, clk := newPool(t)

	hooked := 0
	p.Handle(domain.JobSyncCalendar, func(ctx context.Context, job domain.Job, payload domain.Payload) Result {
		return Classify(failure.Auth(errors.New("invalid_grant")))
	}, HandlerOptions{OnDeadLetter: func(context.Context, domain.Job, domain.Payload, error) { hooked++ }})
	put(t, st, "j1", domain.JobSyncCalendar, domain.SyncCalendar{CalendarID: "c1"}, 5, clk.Now())

	runOnce(t, p)
	j := mustJob(t, st, "j1")
	if j.Status != domain.JobDeadLetter || j.Attempts != 0 || hooked != 1 {
		t.Fatalf("permanent failure: job=%+v hooked=%d, want dead_letter with attempts 0", j, hooked)
	}
}

func TestPoolInvalidJobs(t *testing.T) {
	t.Parallel()
	p, st, clk := newPool(t)

	hooked := 0
	p.Handle(domain.JobCheckConflicts, func(context.Context, domain.Job, domain.Payload) Result {
		t.Error("handler must not run for a malformed payload")
		return Done()
	}, HandlerOptions{OnDeadLetter: func(context.Context, domain.Job, domain.Payload, error) { hooked++ }})
	put(t, st, "bad-payload", domain.JobCheckConflicts, map[string]string{"bookingId": ""}, 3, clk.Now())
	put(t, st, "no-handler", domain.JobTestWebhook, domain.TestWebhook{WebhookID: "w1"}, 3, clk.Now())

	runOnce(t, p)
	runOnce(t, p)
	for _, id := range []string{"bad-payload", "no-handler"} {
		if j := mustJob(t, st, id); j.Status != domain.JobFailed {
			t.Fatalf("%s: status=%s, want failed", id, j.Status)
		}
	}
	if hooked != 0 {
		t.Fatalf("invalid jobs must not reach the dead-letter hook")
	}
}

func TestPoolPanicAndRetryAfter(t *testing.T) {
	t.Parallel()
	p, st, clk := newPool(t)

	var calls atomic.Int32
	p.Handle(domain.JobSyncCalendar, func(context.Context, domain.Job, domain.Payload) Result {
		if calls.Add(1) == 1 {
			panic("nil calendar")
		}
		return Retry(failure.RateLimited(errors.New("429"), 10*time.Minute))
	}, HandlerOptions{})
	put(t, st, "j1", domain.JobSyncCalendar, domain.SyncCalendar{CalendarID: "c1"}, 5, clk.Now())

	runOnce(t, p)
	j := mustJob(t, st, "j1")
	if j.Status != domain.JobQueued || j.Attempts != 1 {
		t.Fatalf("panic must become a retry: %+v", j)
	}
	clk.Advance(time.Hour)
	runOnce(t, p)
	j = mustJob(t, st, "j1")
	if want := clk.Now().Add(10 * time.Minute); !j.NextRunAt.Equal(want) {
		t.Fatalf("retry-after hint ignored: nextRunAt=%v want %v", j.NextRunAt, want)
	}
}

func TestPoolTimeoutIsRetryable(t *testing.T) {
	t.Parallel()
	p, st, clk := newPool(t)

	p.Handle(domain.JobSyncCalendar, func(ctx context.Context, job domain.Job, payload domain.Payload) Result {
		<-ctx.Done()
		return Classify(ctx.Err())
	}, HandlerOptions{Timeout: 10 * time.Millisecond})
	put(t, st, "j1", domain.JobSyncCalendar, domain.SyncCalendar{CalendarID: "c1"}, 5, clk.Now())

	runOnce(t, p)
	if j := mustJob(t, st, "j1"); j.Status != domain.JobQueued || j.Attempts != 1 {
		t.Fatalf("deadline must be retryable: %+v", j)
	}
}

func TestPoolReclaimsExpiredLease(t *testing.T) {
	t.Parallel()
	p, st, clk := newPool(t)
	ctx := context.Background()

	var ran atomic.Int32
	p.Handle(domain.JobSyncCalendar, func(context.Context, domain.Job, domain.Payload) Result {
		ran.Add(1)
		return Done()
	}, HandlerOptions{})
	put(t, st, "j1", domain.JobSyncCalendar, domain.SyncCalendar{CalendarID: "c1"}, 2, clk.Now())

	// A worker on another node claims the job and dies.
	if _, err := st.ClaimJob(ctx, "dead-node/w0", clk.Now(), time.Minute); err != nil {
		t.Fatal(err)
	}
	if runOnce(t, p) {
		t.Fatal("job under a live lease must not be claimed")
	}

	clk.Advance(3 * time.Minute)
	if !runOnce(t, p) || ran.Load() != 1 {
		t.Fatal("expired lease must be reclaimed and executed")
	}
	if j := mustJob(t, st, "j1"); j.Status != domain.JobDone || j.Attempts != 2 {
		t.Fatalf("after reclaim: %+v", j)
	}
}

func TestPoolReclaimAfterLastAttemptDeadLetters(t *testing.T) {
	t.Parallel()
	p, st, clk := newPool(t)
	ctx := context.Background()

	hooked := 0
	p.Handle(domain.JobSyncCalendar, func(context.Context, domain.Job, domain.Payload) Result {
		t.Error("exhausted job must not run")
		return Done()
	}, HandlerOptions{OnDeadLetter: func(context.Context, domain.Job, domain.Payload, error) { hooked++ }})
	put(t, st, "j1", domain.JobSyncCalendar, domain.SyncCalendar{CalendarID: "c1"}, 1, clk.Now())

	if _, err := st.ClaimJob(ctx, "dead-node/w0", clk.Now(), time.Minute); err != nil {
		t.Fatal(err)
	}
	clk.Advance(3 * time.Minute)
	runOnce(t, p)
	j := mustJob(t, st, "j1")
	if j.Status != domain.JobDeadLetter || j.Attempts != 1 || hooked != 1 {
		t.Fatalf("job=%+v hooked=%d", j, hooked)
	}
}

func TestPoolStartWakeStop(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	p := New(st, Config{Workers: 2, PollInterval: time.Hour}, logx.Nop(), nil)

	done := make(chan string, 1)
	p.Handle(domain.JobCheckConflicts, func(ctx context.Context, job domain.Job, payload domain.Payload) Result {
		done <- payload.(domain.CheckConflicts).BookingID
		return Done()
	}, HandlerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(ctx); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Start err=%v", err)
	}

	put(t, st, "j1", domain.JobCheckConflicts, domain.CheckConflicts{BookingID: "b1"}, 3, time.Now())
	p.Wake()

	select {
	case id := <-done:
		if id != "b1" {
			t.Fatalf("ran booking %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("woken worker did not pick up the job")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.Snapshot().Running {
		t.Fatal("snapshot must report stopped pool")
	}
}
