package conflict

import (
	"context"
	"testing"
	"time"

	"slotsync/internal/domain"
	"slotsync/internal/failure"
	"slotsync/internal/storage"
)

var t1 = time.UnixMilli(1_760_000_000_000)

func seed(t *testing.T) storage.Store {
	t.Helper()
	st := storage.NewMemory()
	ctx := context.Background()

	cals := []domain.Calendar{
		{ID: "work", UserID: "u1", Name: "Work", Provider: "google", IsEnabled: true, CheckForConflicts: true, SyncStatus: domain.SyncSynced},
		{ID: "personal", UserID: "u1", Name: "Personal", Provider: "outlook", IsEnabled: true, CheckForConflicts: false, SyncStatus: domain.SyncSynced},
		{ID: "old", UserID: "u1", Name: "Old", Provider: "google", IsEnabled: false, CheckForConflicts: true, SyncStatus: domain.SyncSynced},
		{ID: "other-user", UserID: "u2", Name: "Theirs", Provider: "google", IsEnabled: true, CheckForConflicts: true, SyncStatus: domain.SyncSynced},
	}
	for _, c := range cals {
		if err := st.PutCalendar(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	ev := func(pid string, from, to time.Duration) domain.SyncedEvent {
		return domain.SyncedEvent{ProviderEventID: pid, Title: pid, Start: t1.Add(from), End: t1.Add(to)}
	}
	saves := map[string][]domain.SyncedEvent{
		"work":       {ev("standup", -30*time.Minute, 30*time.Minute), ev("lunch", 3*time.Hour, 4*time.Hour), ev("offsite", -48*time.Hour, 48*time.Hour)},
		"personal":   {ev("gym", 0, time.Hour)},
		"other-user": {ev("theirs", 0, time.Hour)},
	}
	for id, evs := range saves {
		if err := st.SaveSyncResult(ctx, id, storage.SyncResult{Full: true, Upserts: evs, SyncedAt: t1}); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func ids(r Result) map[string]bool {
	out := map[string]bool{}
	for _, c := range r.Conflicts {
		out[c.Event.ProviderEventID] = true
	}
	return out
}

func TestCheckFindsSpanningEvent(t *testing.T) {
	t.Parallel()
	d := New(seed(t))

	res, err := d.Check(context.Background(), Query{UserID: "u1", Start: t1, End: t1.Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	got := ids(res)
	if !res.HasConflict || !got["standup"] || !got["offsite"] || len(got) != 2 {
		t.Fatalf("conflicts=%v", got)
	}
	for _, c := range res.Conflicts {
		if c.CalendarID != "work" || c.CalendarName != "Work" || c.Provider != "google" {
			t.Fatalf("conflict not annotated with its calendar: %+v", c)
		}
	}
}

func TestCheckHalfOpenBoundaries(t *testing.T) {
	t.Parallel()
	d := New(seed(t))
	ctx := context.Background()

	cases := []struct {
		name       string
		start, end time.Duration
		want       []string
	}{
		{name: "ends where lunch starts", start: 2 * time.Hour, end: 3 * time.Hour, want: []string{"offsite"}},
		{name: "starts where lunch ends", start: 4 * time.Hour, end: 5 * time.Hour, want: []string{"offsite"}},
		{name: "inside lunch", start: 3*time.Hour + 15*time.Minute, end: 3*time.Hour + 30*time.Minute, want: []string{"lunch", "offsite"}},
		{name: "after everything", start: 72 * time.Hour, end: 73 * time.Hour, want: nil},
	}
	for _, tc := range cases {
		res, err := d.Check(ctx, Query{UserID: "u1", Start: t1.Add(tc.start), End: t1.Add(tc.end)})
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		got := ids(res)
		if len(got) != len(tc.want) || res.HasConflict != (len(tc.want) > 0) {
			t.Fatalf("%s: conflicts=%v, want %v", tc.name, got, tc.want)
		}
		for _, w := range tc.want {
			if !got[w] {
				t.Fatalf("%s: missing %s in %v", tc.name, w, got)
			}
		}
	}
}

func TestCheckExcludesOwnEvent(t *testing.T) {
	t.Parallel()
	d := New(seed(t))

	res, err := d.Check(context.Background(), Query{UserID: "u1", Start: t1, End: t1.Add(time.Hour), ExcludeEventIDs: []string{"standup", "offsite"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.HasConflict {
		t.Fatalf("excluded events reported: %v", ids(res))
	}
}

func TestCheckRejectsEmptyWindow(t *testing.T) {
	t.Parallel()
	d := New(seed(t))

	_, err := d.Check(context.Background(), Query{UserID: "u1", Start: t1, End: t1})
	if !failure.IsValidation(err) {
		t.Fatalf("err=%v, want validation error", err)
	}
}

func TestCheckSlots(t *testing.T) {
	t.Parallel()
	d := New(seed(t))

	res, err := d.CheckSlots(context.Background(), "u1", []Slot{
		{Start: t1.Add(3 * time.Hour), End: t1.Add(3*time.Hour + 30*time.Minute)},
		{Start: t1.Add(96 * time.Hour), End: t1.Add(97 * time.Hour)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 2 || !res[0].HasConflict || res[1].HasConflict {
		t.Fatalf("results=%+v", res)
	}
}
