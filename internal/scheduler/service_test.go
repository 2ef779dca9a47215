package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"slotsync/internal/eventbus"
	logx "slotsync/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		kind    SpecKind
		every   time.Duration
		cron    string
		wantErr bool
	}{
		{in: "*/15 * * * *", kind: SpecCron, cron: "*/15 * * * *"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "cron: 0 3 * * *", kind: SpecCron, cron: "0 3 * * *"},
		{in: "15m", kind: SpecInterval, every: 15 * time.Minute},
		{in: "00:15", kind: SpecInterval, every: 15 * time.Minute},
		{in: "every: 02:30", kind: SpecInterval, every: 150 * time.Minute},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "00:75", wantErr: true},
		{in: "0s", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Kind != tc.kind || got.Every != tc.every || got.Cron != tc.cron {
				t.Fatalf("got %+v", got)
			}
		})
	}
}

func TestSpreadIntervalDelaysFirstRun(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sch := spreadInterval(time.Minute, now, "calendar-sweep")
	first := sch.Next(now)
	if first.Before(now.Add(time.Minute)) || !first.Before(now.Add(time.Minute+maxStartupSpread)) {
		t.Fatalf("first run %v outside window", first)
	}
	if second := sch.Next(first); second.Sub(first) != time.Minute {
		t.Fatalf("second run gap = %v", second.Sub(first))
	}
}

func TestAddRemoveSnapshot(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Timezone: "UTC"}, logx.Nop(), nil)
	noop := func(context.Context) error { return nil }
	if err := s.Add("sweep", "5m", time.Second, noop); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add("purge", "0 3 * * *", time.Second, noop); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add("bad", "61 * * * *", time.Second, noop); err == nil {
		t.Fatalf("expected invalid cron to be rejected")
	}
	// Upsert by name.
	if err := s.Add("sweep", "10m", time.Second, noop); err != nil {
		t.Fatalf("re-add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	if len(snap.Schedules) != 2 || snap.Timezone != "UTC" {
		t.Fatalf("snapshot = %+v", snap)
	}
	for _, it := range snap.Schedules {
		if it.Next.IsZero() {
			t.Fatalf("%s has no next run", it.Name)
		}
		if it.Name == "sweep" && it.Spec != "@every 10m0s" {
			t.Fatalf("sweep spec = %s", it.Spec)
		}
	}

	if !s.Remove("purge") || s.Remove("purge") {
		t.Fatalf("remove should report existence once")
	}
	if n := len(s.Snapshot().Schedules); n != 1 {
		t.Fatalf("schedules after remove = %d", n)
	}
}

func TestRunNowSkipsOverlap(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{Enabled: true}, logx.Nop(), bus)
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	if err := s.Add("slow", "1h", 5*time.Second, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.RunNow("slow") }()
	<-started

	if err := s.RunNow("slow"); err != nil {
		t.Fatalf("overlapping run: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}

	select {
	case e := <-events:
		if e.Type != eventbus.ScheduleFailed {
			t.Fatalf("event = %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event published")
	}
	if le := s.Snapshot().Schedules[0].LastError; le != "boom" {
		t.Fatalf("last error = %q", le)
	}

	if err := s.RunNow("missing"); !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("err = %v", err)
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	_ = s.Add("x", "1m", time.Second, func(context.Context) error { return nil })
	s.Start(context.Background())
	if snap := s.Snapshot(); !snap.Schedules[0].Next.IsZero() {
		t.Fatalf("disabled scheduler should not plan runs")
	}
	s.Stop(context.Background())
}
