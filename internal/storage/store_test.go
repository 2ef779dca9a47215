package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"slotsync/internal/domain"
	logx "slotsync/pkg/logx"
)

// base is millisecond-aligned so SQL round-trips compare equal.
var base = time.UnixMilli(1_760_000_000_000)

func stores(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "slotsync.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func newJob(id, key string, runAt time.Time) domain.Job {
	return domain.Job{
		ID:          id,
		Type:        domain.JobSyncCalendar,
		Payload:     []byte(`{"calendarId":"c1"}`),
		Status:      domain.JobQueued,
		MaxAttempts: 3,
		NextRunAt:   runAt,
		DedupKey:    key,
		CreatedAt:   base,
		UpdatedAt:   base,
	}
}

func TestStoreJobDedup(t *testing.T) {
	t.Parallel()
	for name, open := range stores(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := open(t)
			ctx := context.Background()

			r1, err := st.EnqueueJob(ctx, newJob("j1", "sync:calendar:c1", base.Add(time.Minute)), false)
			if err != nil || !r1.Created {
				t.Fatalf("first enqueue: res=%+v err=%v", r1, err)
			}
			r2, err := st.EnqueueJob(ctx, newJob("j2", "sync:calendar:c1", base), false)
			if err != nil {
				t.Fatalf("second enqueue: %v", err)
			}
			if r2.Created || r2.ID != "j1" || r2.Expedited {
				t.Fatalf("second enqueue should dedup to j1 without expediting, got %+v", r2)
			}

			r3, err := st.EnqueueJob(ctx, newJob("j3", "sync:calendar:c1", base), true)
			if err != nil || r3.ID != "j1" || !r3.Expedited {
				t.Fatalf("expedite: res=%+v err=%v", r3, err)
			}
			j, err := st.GetJob(ctx, "j1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !j.NextRunAt.Equal(base) {
				t.Fatalf("expedited nextRunAt=%v, want %v", j.NextRunAt, base)
			}

			// Finishing the job frees the key.
			claimed, err := st.ClaimJob(ctx, "w1", base, time.Minute)
			if err != nil || claimed.ID != "j1" {
				t.Fatalf("claim: job=%+v err=%v", claimed, err)
			}
			if err := st.CompleteJob(ctx, "j1", "w1", JobUpdate{Status: domain.JobDone, Attempts: 1}); err != nil {
				t.Fatalf("complete: %v", err)
			}
			r4, err := st.EnqueueJob(ctx, newJob("j4", "sync:calendar:c1", base), false)
			if err != nil || !r4.Created {
				t.Fatalf("enqueue after terminal: res=%+v err=%v", r4, err)
			}
		})
	}
}

func TestStoreConcurrentEnqueueSingleActive(t *testing.T) {
	t.Parallel()
	for name, open := range stores(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := open(t)
			ctx := context.Background()

			const n = 16
			ids := make([]string, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res, err := st.EnqueueJob(ctx, newJob(fmt.Sprintf("j%d", i), "sync:calendar:c9", base), false)
					if err != nil {
						t.Errorf("enqueue %d: %v", i, err)
						return
					}
					ids[i] = res.ID
				}(i)
			}
			wg.Wait()

			for _, id := range ids[1:] {
				if id != ids[0] {
					t.Fatalf("concurrent enqueues returned different ids: %v", ids)
				}
			}
			jobs, err := st.ListJobs(ctx, JobFilter{Status: domain.JobQueued})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(jobs) != 1 {
				t.Fatalf("queued jobs=%d, want 1", len(jobs))
			}
		})
	}
}

func TestStoreClaimLeaseAndFencing(t *testing.T) {
	t.Parallel()
	for name, open := range stores(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := open(t)
			ctx := context.Background()

			if _, err := st.EnqueueJob(ctx, newJob("later", "", base.Add(time.Hour)), false); err != nil {
				t.Fatal(err)
			}
			if _, err := st.ClaimJob(ctx, "w1", base, time.Minute); !errors.Is(err, ErrNoJob) {
				t.Fatalf("claim before due: err=%v, want ErrNoJob", err)
			}
			if _, err := st.EnqueueJob(ctx, newJob("due", "", base), false); err != nil {
				t.Fatal(err)
			}
			j, err := st.ClaimJob(ctx, "w1", base, time.Minute)
			if err != nil || j.ID != "due" || j.Attempts != 0 {
				t.Fatalf("claim: job=%+v err=%v", j, err)
			}

			// w1 crashes; after the lease passes, w2 reclaims and the attempt is counted.
			j2, err := st.ClaimJob(ctx, "w2", base.Add(2*time.Minute), time.Minute)
			if err != nil || j2.ID != "due" || j2.LeaseOwner != "w2" || j2.Attempts != 1 {
				t.Fatalf("reclaim: job=%+v err=%v", j2, err)
			}
			if err := st.CompleteJob(ctx, "due", "w1", JobUpdate{Status: domain.JobDone}); !errors.Is(err, ErrLeaseLost) {
				t.Fatalf("stale owner complete: err=%v, want ErrLeaseLost", err)
			}
			retryAt := base.Add(5 * time.Minute)
			if err := st.CompleteJob(ctx, "due", "w2", JobUpdate{Status: domain.JobQueued, Attempts: 2, NextRunAt: retryAt, LastError: "boom"}); err != nil {
				t.Fatalf("complete retry: %v", err)
			}
			got, _ := st.GetJob(ctx, "due")
			if got.Status != domain.JobQueued || got.Attempts != 2 || !got.NextRunAt.Equal(retryAt) || got.LastError != "boom" {
				t.Fatalf("after retry: %+v", got)
			}
			if got.LeaseOwner != "" {
				t.Fatalf("lease must be released, owner=%q", got.LeaseOwner)
			}
		})
	}
}

func TestStorePurgeJobs(t *testing.T) {
	t.Parallel()
	for name, open := range stores(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := open(t)
			ctx := context.Background()

			for _, id := range []string{"a", "b"} {
				if _, err := st.EnqueueJob(ctx, newJob(id, "", base), false); err != nil {
					t.Fatal(err)
				}
			}
			j, _ := st.ClaimJob(ctx, "w", base, time.Minute)
			if err := st.CompleteJob(ctx, j.ID, "w", JobUpdate{Status: domain.JobDone, Attempts: 1}); err != nil {
				t.Fatal(err)
			}
			n, err := st.PurgeJobs(ctx, time.Now().Add(time.Minute))
			if err != nil || n != 1 {
				t.Fatalf("purge: n=%d err=%v", n, err)
			}
			counts, _ := st.CountJobs(ctx)
			if counts[domain.JobQueued] != 1 || counts[domain.JobDone] != 0 {
				t.Fatalf("counts after purge: %v", counts)
			}
		})
	}
}

func seedCalendar(t *testing.T, st Store, id, credID string) {
	t.Helper()
	ctx := context.Background()
	if err := st.PutCredential(ctx, domain.CalendarCredential{ID: credID, Provider: "google", AccessToken: "a", RefreshToken: "r", Valid: true}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutCalendar(ctx, domain.Calendar{
		ID: id, UserID: "u1", Provider: "google", ExternalID: "ext-" + id, CredentialID: credID,
		IsEnabled: true, CheckForConflicts: true, SyncStatus: domain.SyncPending, CreatedAt: base, UpdatedAt: base,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestStoreSaveSyncResult(t *testing.T) {
	t.Parallel()
	for name, open := range stores(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := open(t)
			ctx := context.Background()
			seedCalendar(t, st, "c1", "cred1")

			ev := func(pid string, h int) domain.SyncedEvent {
				return domain.SyncedEvent{ProviderEventID: pid, Title: pid, Start: base.Add(time.Duration(h) * time.Hour), End: base.Add(time.Duration(h+1) * time.Hour)}
			}
			if err := st.SaveSyncResult(ctx, "c1", SyncResult{Full: true, Upserts: []domain.SyncedEvent{ev("e1", 1), ev("e2", 3)}, SyncToken: "t1", SyncedAt: base}); err != nil {
				t.Fatalf("full save: %v", err)
			}
			if err := st.SaveSyncResult(ctx, "c1", SyncResult{Upserts: []domain.SyncedEvent{ev("e3", 5), ev("e1", 2)}, Deleted: []string{"e2"}, SyncToken: "t2", SyncedAt: base}); err != nil {
				t.Fatalf("incremental save: %v", err)
			}
			evs, err := st.ListSyncedEvents(ctx, "c1", time.Time{}, time.Time{})
			if err != nil {
				t.Fatal(err)
			}
			if len(evs) != 2 || evs[0].ProviderEventID != "e1" || !evs[0].Start.Equal(base.Add(2*time.Hour)) || evs[1].ProviderEventID != "e3" {
				t.Fatalf("events after merge: %+v", evs)
			}
			window, _ := st.ListSyncedEvents(ctx, "c1", base.Add(3*time.Hour), base.Add(5*time.Hour))
			if len(window) != 0 {
				t.Fatalf("touching events must not be returned for a half-open window: %+v", window)
			}

			c, _ := st.GetCalendar(ctx, "c1")
			if c.SyncStatus != domain.SyncSynced || c.SyncToken != "t2" || c.LastSyncError != "" {
				t.Fatalf("calendar after sync: %+v", c)
			}

			// Full sync prunes everything not in the new set.
			if err := st.SaveSyncResult(ctx, "c1", SyncResult{Full: true, Upserts: []domain.SyncedEvent{ev("e9", 8)}, SyncedAt: base}); err != nil {
				t.Fatal(err)
			}
			evs, _ = st.ListSyncedEvents(ctx, "c1", time.Time{}, time.Time{})
			if len(evs) != 1 || evs[0].ProviderEventID != "e9" {
				t.Fatalf("events after full resync: %+v", evs)
			}

			// A calendar disabled mid-flight discards the result.
			if _, err := st.UpdateCalendar(ctx, "c1", func(c *domain.Calendar) error { c.IsEnabled = false; return nil }); err != nil {
				t.Fatal(err)
			}
			err = st.SaveSyncResult(ctx, "c1", SyncResult{Full: true, SyncedAt: base})
			if !errors.Is(err, ErrSyncDiscarded) {
				t.Fatalf("save on disabled calendar: err=%v, want ErrSyncDiscarded", err)
			}
			evs, _ = st.ListSyncedEvents(ctx, "c1", time.Time{}, time.Time{})
			if len(evs) != 1 {
				t.Fatalf("discarded sync must not touch events: %+v", evs)
			}
		})
	}
}

func TestStoreDeleteCalendarCredentialCascade(t *testing.T) {
	t.Parallel()
	for name, open := range stores(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := open(t)
			ctx := context.Background()
			seedCalendar(t, st, "c1", "shared")
			seedCalendar(t, st, "c2", "shared")

			deleted, err := st.DeleteCalendar(ctx, "c1")
			if err != nil || deleted {
				t.Fatalf("first delete: deleted=%v err=%v", deleted, err)
			}
			if _, err := st.GetCredential(ctx, "shared"); err != nil {
				t.Fatalf("credential must survive while referenced: %v", err)
			}
			deleted, err = st.DeleteCalendar(ctx, "c2")
			if err != nil || !deleted {
				t.Fatalf("last delete: deleted=%v err=%v", deleted, err)
			}
			if _, err := st.GetCredential(ctx, "shared"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("credential must be deleted with its last calendar, err=%v", err)
			}
		})
	}
}

func TestStoreWebhookAndDelivery(t *testing.T) {
	t.Parallel()
	for name, open := range stores(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := open(t)
			ctx := context.Background()

			w := domain.Webhook{ID: "w1", UserID: "u1", URL: "https://example.test/hook", Secret: "s",
				EventTriggers: []domain.EventType{domain.EventBookingCreated, domain.EventBookingCancelled}, IsActive: true, CreatedAt: base}
			if err := st.PutWebhook(ctx, w); err != nil {
				t.Fatal(err)
			}
			got, err := st.UpdateWebhook(ctx, "w1", func(w *domain.Webhook) error {
				w.FailureCount++
				return nil
			})
			if err != nil || got.FailureCount != 1 || len(got.EventTriggers) != 2 {
				t.Fatalf("update webhook: %+v err=%v", got, err)
			}
			boom := errors.New("abort")
			if _, err := st.UpdateWebhook(ctx, "w1", func(w *domain.Webhook) error { w.FailureCount = 99; return boom }); !errors.Is(err, boom) {
				t.Fatalf("aborted update err=%v", err)
			}
			reread, _ := st.GetWebhook(ctx, "w1")
			if reread.FailureCount != 1 {
				t.Fatalf("aborted update must not persist, failureCount=%d", reread.FailureCount)
			}

			d := domain.WebhookDelivery{ID: "d1", WebhookID: "w1", EventType: domain.EventBookingCreated,
				Payload: []byte(`{"id":"b1"}`), Status: domain.DeliveryPending, MaxAttempts: 5, CreatedAt: base}
			if err := st.CreateDelivery(ctx, d); err != nil {
				t.Fatal(err)
			}
			upd, err := st.UpdateDelivery(ctx, "d1", func(d *domain.WebhookDelivery) error {
				d.Attempts = 1
				d.Status = domain.DeliveryRetrying
				return nil
			})
			if err != nil || upd.Status != domain.DeliveryRetrying || string(upd.Payload) != `{"id":"b1"}` {
				t.Fatalf("update delivery: %+v err=%v", upd, err)
			}
			list, _ := st.ListDeliveries(ctx, "w1", 10)
			if len(list) != 1 {
				t.Fatalf("deliveries=%d", len(list))
			}
		})
	}
}

func TestStoreBookingsWindow(t *testing.T) {
	t.Parallel()
	for name, open := range stores(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := open(t)
			ctx := context.Background()

			mk := func(id string, h int, status domain.BookingStatus) domain.Booking {
				return domain.Booking{ID: id, UserID: "u1", Start: base.Add(time.Duration(h) * time.Hour),
					End: base.Add(time.Duration(h+1) * time.Hour), Status: status, CreatedAt: base}
			}
			if err := st.PutBookings(ctx, []domain.Booking{
				mk("past", -2, domain.BookingAccepted),
				mk("soon", 1, domain.BookingAccepted),
				mk("cancelled", 2, domain.BookingCancelled),
				mk("later", 48, domain.BookingPending),
			}); err != nil {
				t.Fatal(err)
			}
			got, err := st.ListBookingsByUser(ctx, "u1", base, base.Add(72*time.Hour))
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 || got[0].ID != "soon" || got[1].ID != "later" {
				t.Fatalf("upcoming bookings: %+v", got)
			}
		})
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()
	got := postgresDialect.rebind(`SELECT a FROM t WHERE x = ? AND y IN (?,?)`)
	want := `SELECT a FROM t WHERE x = $1 AND y IN ($2,$3)`
	if got != want {
		t.Fatalf("rebind=%q, want %q", got, want)
	}
	if sqliteDialect.rebind("?") != "?" {
		t.Fatalf("sqlite must keep ? placeholders")
	}
}
