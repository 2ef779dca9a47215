// Package recurring expands a recurrence rule into concrete occurrence start times.
package recurring

import (
	"errors"
	"fmt"
	"time"

	"slotsync/internal/domain"
	"slotsync/internal/failure"
)

const (
	MinCount = 2
	MaxCount = 24
	// DefaultInterval is the day step of a custom rule without an explicit interval.
	DefaultInterval = 7
)

var ErrUnknownFrequency = errors.New("unknown recurring frequency")

// Generate returns count occurrence starts beginning at start (index 0).
// count is clamped to [MinCount, MaxCount]. interval is only read for custom rules,
// where it is a day step.
//
// Monthly occurrences keep the day of month where it exists and otherwise land on
// the last day of the target month (Jan 31 -> Feb 28 -> Mar 31).
func Generate(start time.Time, freq domain.Frequency, count, interval int) ([]time.Time, error) {
	count = min(max(count, MinCount), MaxCount)

	var step func(i int) time.Time
	switch freq {
	case domain.FrequencyWeekly:
		step = func(i int) time.Time { return start.AddDate(0, 0, 7*i) }
	case domain.FrequencyBiweekly:
		step = func(i int) time.Time { return start.AddDate(0, 0, 14*i) }
	case domain.FrequencyMonthly:
		step = func(i int) time.Time { return addMonthsClamped(start, i) }
	case domain.FrequencyCustom:
		if interval <= 0 {
			interval = DefaultInterval
		}
		step = func(i int) time.Time { return start.AddDate(0, 0, interval*i) }
	default:
		return nil, failure.Validation(fmt.Errorf("%w: %q", ErrUnknownFrequency, freq))
	}

	out := make([]time.Time, count)
	for i := range out {
		out[i] = step(i)
	}
	return out, nil
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(d, last)-1)
}

// Template is the booking every occurrence is stamped from.
type Template struct {
	UserID   string
	Title    string
	Duration time.Duration
	Status   domain.BookingStatus
}

// Stamp builds the series rows for dates. newID allocates booking ids.
func Stamp(groupID string, tpl Template, freq domain.Frequency, interval int, dates []time.Time, newID func() string) []domain.Booking {
	out := make([]domain.Booking, len(dates))
	for i, d := range dates {
		out[i] = domain.Booking{
			ID:                 newID(),
			UserID:             tpl.UserID,
			Title:              tpl.Title,
			Start:              d,
			End:                d.Add(tpl.Duration),
			Status:             tpl.Status,
			RecurringGroupID:   groupID,
			RecurringIndex:     i,
			RecurringCount:     len(dates),
			RecurringFrequency: freq,
			RecurringInterval:  interval,
		}
	}
	return out
}
