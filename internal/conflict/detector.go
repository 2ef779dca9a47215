// Package conflict finds busy intervals from synced calendars that overlap a proposed slot.
package conflict

import (
	"context"
	"fmt"
	"sort"
	"time"

	"slotsync/internal/domain"
	"slotsync/internal/failure"
)

// Reader is the read side of the calendar store used by the detector.
type Reader interface {
	ListCalendarsByUser(ctx context.Context, userID string) ([]domain.Calendar, error)
	ListSyncedEvents(ctx context.Context, calendarID string, start, end time.Time) ([]domain.SyncedEvent, error)
}

type Query struct {
	UserID string
	Start  time.Time
	End    time.Time
	// ExcludeEventIDs skips provider events that mirror the booking being checked.
	ExcludeEventIDs []string
}

// Conflict is one overlapping event annotated with its source calendar.
type Conflict struct {
	Event        domain.SyncedEvent `json:"event"`
	CalendarID   string             `json:"calendarId"`
	CalendarName string             `json:"calendarName"`
	Provider     string             `json:"provider"`
}

type Result struct {
	HasConflict bool       `json:"hasConflict"`
	Conflicts   []Conflict `json:"conflicts"`
}

type Detector struct {
	r Reader
}

func New(r Reader) *Detector { return &Detector{r: r} }

type window struct{ start, end time.Time }

// Check reports every event overlapping [q.Start, q.End) on calendars with both
// isEnabled and checkForConflicts set. It never writes.
func (d *Detector) Check(ctx context.Context, q Query) (Result, error) {
	res, err := d.check(ctx, q.UserID, []window{{q.Start, q.End}}, q.ExcludeEventIDs)
	if err != nil {
		return Result{}, err
	}
	return res[0], nil
}

// Slot is a half-open interval checked by CheckSlots.
type Slot struct {
	Start time.Time
	End   time.Time
}

// CheckSlots checks many slots against one load of the user's events.
// Results are in slot order.
func (d *Detector) CheckSlots(ctx context.Context, userID string, slots []Slot) ([]Result, error) {
	ws := make([]window, len(slots))
	for i, s := range slots {
		ws[i] = window{s.Start, s.End}
	}
	return d.check(ctx, userID, ws, nil)
}

func (d *Detector) check(ctx context.Context, userID string, ws []window, exclude []string) ([]Result, error) {
	if len(ws) == 0 {
		return nil, nil
	}
	lo, hi := ws[0].start, ws[0].end
	for _, w := range ws {
		if !w.start.Before(w.end) {
			return nil, failure.Validation(fmt.Errorf("invalid window [%s, %s)", w.start.Format(time.RFC3339), w.end.Format(time.RFC3339)))
		}
		if w.start.Before(lo) {
			lo = w.start
		}
		if w.end.After(hi) {
			hi = w.end
		}
	}

	cals, err := d.r.ListCalendarsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	var busy []Conflict
	for _, c := range cals {
		if !c.IsEnabled || !c.CheckForConflicts {
			continue
		}
		evs, err := d.r.ListSyncedEvents(ctx, c.ID, lo, hi)
		if err != nil {
			return nil, fmt.Errorf("list events of %s: %w", c.ID, err)
		}
		for _, e := range evs {
			if _, ok := skip[e.ProviderEventID]; ok {
				continue
			}
			busy = append(busy, Conflict{Event: e, CalendarID: c.ID, CalendarName: c.Name, Provider: c.Provider})
		}
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].Event.Start.Before(busy[j].Event.Start) })

	out := make([]Result, len(ws))
	for i, w := range ws {
		out[i] = sweep(busy, w)
	}
	return out, nil
}

// sweep scans events sorted by start; once an event starts at or after the window
// end, no later event can overlap.
func sweep(busy []Conflict, w window) Result {
	res := Result{Conflicts: []Conflict{}}
	for _, c := range busy {
		if !c.Event.Start.Before(w.end) {
			break
		}
		if c.Event.Overlaps(w.start, w.end) {
			res.Conflicts = append(res.Conflicts, c)
		}
	}
	res.HasConflict = len(res.Conflicts) > 0
	return res
}
