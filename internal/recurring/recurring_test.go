package recurring

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"slotsync/internal/domain"
	"slotsync/internal/failure"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 30, 0, 0, time.UTC)
}

func TestGenerateCounts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want int
	}{
		{in: -3, want: 2},
		{in: 0, want: 2},
		{in: 1, want: 2},
		{in: 2, want: 2},
		{in: 10, want: 10},
		{in: 24, want: 24},
		{in: 25, want: 24},
		{in: 1000, want: 24},
	}
	for _, tc := range cases {
		for _, f := range []domain.Frequency{domain.FrequencyWeekly, domain.FrequencyBiweekly, domain.FrequencyMonthly, domain.FrequencyCustom} {
			got, err := Generate(day(2025, 1, 1), f, tc.in, 3)
			if err != nil {
				t.Fatalf("%s count=%d: %v", f, tc.in, err)
			}
			if len(got) != tc.want {
				t.Fatalf("%s count=%d: len=%d, want %d", f, tc.in, len(got), tc.want)
			}
			if !got[0].Equal(day(2025, 1, 1)) {
				t.Fatalf("%s: index 0 must equal start, got %v", f, got[0])
			}
		}
	}
}

func TestGenerateSteps(t *testing.T) {
	t.Parallel()

	start := day(2025, 1, 6)
	cases := []struct {
		name     string
		freq     domain.Frequency
		interval int
		want     []time.Time
	}{
		{
			name: "weekly",
			freq: domain.FrequencyWeekly,
			want: []time.Time{day(2025, 1, 6), day(2025, 1, 13), day(2025, 1, 20), day(2025, 1, 27)},
		},
		{
			name: "biweekly",
			freq: domain.FrequencyBiweekly,
			want: []time.Time{day(2025, 1, 6), day(2025, 1, 20), day(2025, 2, 3)},
		},
		{
			name:     "custom",
			freq:     domain.FrequencyCustom,
			interval: 3,
			want:     []time.Time{day(2025, 1, 6), day(2025, 1, 9), day(2025, 1, 12)},
		},
		{
			name: "custom default interval",
			freq: domain.FrequencyCustom,
			want: []time.Time{day(2025, 1, 6), day(2025, 1, 13)},
		},
		{
			name: "monthly",
			freq: domain.FrequencyMonthly,
			want: []time.Time{day(2025, 1, 6), day(2025, 2, 6), day(2025, 3, 6)},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Generate(start, tc.freq, len(tc.want), tc.interval)
			if err != nil {
				t.Fatal(err)
			}
			for i := range tc.want {
				if !got[i].Equal(tc.want[i]) {
					t.Fatalf("occurrence %d = %v, want %v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestGenerateWeeklyFiveOccurrences(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	got, err := Generate(start, domain.FrequencyWeekly, 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"2025-03-03", "2025-03-10", "2025-03-17", "2025-03-24", "2025-03-31"}
	for i, w := range want {
		if got[i].Format("2006-01-02") != w || got[i].Hour() != 10 {
			t.Fatalf("occurrence %d = %v, want %s 10:00", i, got[i], w)
		}
	}
}

func TestGenerateMonthlyClampsToMonthEnd(t *testing.T) {
	t.Parallel()

	got, err := Generate(day(2024, 1, 31), domain.FrequencyMonthly, 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []time.Time{day(2024, 1, 31), day(2024, 2, 29), day(2024, 3, 31), day(2024, 4, 30)}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("occurrence %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestGenerateUnknownFrequency(t *testing.T) {
	t.Parallel()

	_, err := Generate(day(2025, 1, 1), "yearly", 3, 0)
	if !errors.Is(err, ErrUnknownFrequency) || !failure.IsValidation(err) {
		t.Fatalf("err=%v, want validation ErrUnknownFrequency", err)
	}
}

func TestStampKeepsContiguousIndices(t *testing.T) {
	t.Parallel()

	dates, _ := Generate(day(2025, 1, 6), domain.FrequencyWeekly, 4, 0)
	n := 0
	rows := Stamp("g1", Template{UserID: "u1", Title: "1:1", Duration: 30 * time.Minute, Status: domain.BookingAccepted},
		domain.FrequencyWeekly, 0, dates, func() string { n++; return "b" + strconv.Itoa(n) })
	for i, b := range rows {
		if b.RecurringIndex != i || b.RecurringCount != 4 || b.RecurringGroupID != "g1" {
			t.Fatalf("row %d = %+v", i, b)
		}
		if b.End.Sub(b.Start) != 30*time.Minute {
			t.Fatalf("row %d duration = %v", i, b.End.Sub(b.Start))
		}
	}
}
