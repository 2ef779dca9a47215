// Package scheduling is the entry point the API layer uses to drive the async core:
// it validates requests, touches entity state and enqueues the jobs that do the work.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"slotsync/internal/calsync"
	"slotsync/internal/conflict"
	"slotsync/internal/domain"
	"slotsync/internal/eventbus"
	"slotsync/internal/failure"
	"slotsync/internal/oauth"
	"slotsync/internal/queue"
	"slotsync/internal/recurring"
	"slotsync/internal/storage"
	"slotsync/internal/webhook"
	logx "slotsync/pkg/logx"
)

var ErrCalendarNotSyncable = errors.New("calendar is disabled or disconnected")

type Deps struct {
	Store     storage.Store
	Queue     *queue.Dispatcher
	Sync      *calsync.Engine
	Webhooks  *webhook.Engine
	Tokens    *oauth.Manager
	Conflicts *conflict.Detector
	Log       logx.Logger
	Bus       eventbus.Bus
}

type Service struct {
	store     storage.Store
	queue     *queue.Dispatcher
	sync      *calsync.Engine
	webhooks  *webhook.Engine
	tokens    *oauth.Manager
	conflicts *conflict.Detector
	log       logx.Logger
	now       func() time.Time
}

func New(d Deps) *Service {
	cd := d.Conflicts
	if cd == nil {
		cd = conflict.New(d.Store)
	}
	return &Service{
		store:     d.Store,
		queue:     d.Queue,
		sync:      d.Sync,
		webhooks:  d.Webhooks,
		tokens:    d.Tokens,
		conflicts: cd,
		log:       d.Log.With(logx.String("comp", "scheduling")),
		now:       time.Now,
	}
}

// TriggerCalendarSync queues a sync of one calendar. A sync already pending for
// the calendar absorbs the request and is moved up to run now.
func (s *Service) TriggerCalendarSync(ctx context.Context, calendarID string, forceFullSync bool) error {
	cal, err := s.store.GetCalendar(ctx, calendarID)
	if err != nil {
		return fmt.Errorf("load calendar %s: %w", calendarID, err)
	}
	if !cal.Syncable() {
		return failure.Validation(fmt.Errorf("%w: %s", ErrCalendarNotSyncable, calendarID))
	}
	_, err = s.queue.Enqueue(ctx, domain.SyncCalendar{CalendarID: cal.ID, ForceFullSync: forceFullSync}, queue.WithExpedite())
	return err
}

// TriggerUserCalendarSync queues a sync of every enabled, connected calendar of the user.
func (s *Service) TriggerUserCalendarSync(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return failure.Validation(errors.New("userId is required"))
	}
	_, err := s.sync.TriggerUser(ctx, userID)
	return err
}

// CheckCalendarConflicts reports synced events overlapping [start, end).
func (s *Service) CheckCalendarConflicts(ctx context.Context, userID string, start, end time.Time) (conflict.Result, error) {
	return s.conflicts.Check(ctx, conflict.Query{UserID: userID, Start: start, End: end})
}

// RetryWebhookDelivery schedules the next attempt of a delivery now.
func (s *Service) RetryWebhookDelivery(ctx context.Context, deliveryID string) error {
	_, err := s.webhooks.Retry(ctx, deliveryID)
	return err
}

func (s *Service) TestWebhook(ctx context.Context, webhookID string) (webhook.TestResult, error) {
	return s.webhooks.Test(ctx, webhookID)
}

// NotifyBookingEvent fans a booking change out to the owner's webhooks.
func (s *Service) NotifyBookingEvent(ctx context.Context, b domain.Booking, et domain.EventType) ([]string, error) {
	return s.webhooks.Dispatch(ctx, webhook.BookingEvent{UserID: b.UserID, EventType: et, Data: b})
}

// ConnectRequest carries an OAuth authorization code for a new calendar.
type ConnectRequest struct {
	UserID            string
	Provider          string
	ExternalID        string
	Name              string
	Code              string
	IsPrimary         bool
	CheckForConflicts bool
}

// ConnectCalendar exchanges the code, stores the credential and calendar, and
// queues the first (full) sync.
func (s *Service) ConnectCalendar(ctx context.Context, req ConnectRequest) (domain.Calendar, error) {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Provider) == "" || strings.TrimSpace(req.ExternalID) == "" {
		return domain.Calendar{}, failure.Validation(errors.New("userId, provider and externalId are required"))
	}
	cred, err := s.tokens.Connect(ctx, req.Provider, req.Code)
	if err != nil {
		return domain.Calendar{}, err
	}
	now := s.now()
	cal := domain.Calendar{
		ID:                uuid.NewString(),
		UserID:            req.UserID,
		Provider:          req.Provider,
		ExternalID:        req.ExternalID,
		Name:              req.Name,
		CredentialID:      cred.ID,
		IsEnabled:         true,
		IsPrimary:         req.IsPrimary,
		CheckForConflicts: req.CheckForConflicts,
		SyncStatus:        domain.SyncPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.PutCalendar(ctx, cal); err != nil {
		return domain.Calendar{}, fmt.Errorf("store calendar: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, domain.SyncCalendar{CalendarID: cal.ID, ForceFullSync: true}); err != nil {
		return cal, fmt.Errorf("enqueue first sync: %w", err)
	}
	s.log.Info("calendar connected", logx.String("calendar_id", cal.ID), logx.String("user_id", cal.UserID), logx.String("provider", cal.Provider))
	return cal, nil
}

// ReconnectCalendar refreshes the grant behind a calendar. Every calendar sharing
// the credential leaves Disconnected for Pending and is resynced from scratch.
func (s *Service) ReconnectCalendar(ctx context.Context, calendarID, code string) (domain.Calendar, error) {
	cal, err := s.store.GetCalendar(ctx, calendarID)
	if err != nil {
		return domain.Calendar{}, fmt.Errorf("load calendar %s: %w", calendarID, err)
	}
	if _, err := s.tokens.Reconnect(ctx, cal.CredentialID, code); err != nil {
		return domain.Calendar{}, err
	}

	siblings, err := s.store.ListCalendarsByUser(ctx, cal.UserID)
	if err != nil {
		return domain.Calendar{}, fmt.Errorf("list calendars of %s: %w", cal.UserID, err)
	}
	var out domain.Calendar
	for _, c := range siblings {
		if c.CredentialID != cal.CredentialID {
			continue
		}
		updated, err := s.store.UpdateCalendar(ctx, c.ID, func(c *domain.Calendar) error {
			if c.SyncStatus == domain.SyncDisconnected || c.SyncStatus == domain.SyncError {
				c.SyncStatus = domain.SyncPending
				c.LastSyncError = ""
				c.SyncToken = ""
				c.UpdatedAt = s.now()
			}
			return nil
		})
		if err != nil {
			return domain.Calendar{}, fmt.Errorf("reset calendar %s: %w", c.ID, err)
		}
		if updated.ID == cal.ID {
			out = updated
		}
		if updated.Syncable() {
			if _, err := s.queue.Enqueue(ctx, domain.SyncCalendar{CalendarID: updated.ID, ForceFullSync: true}, queue.WithExpedite()); err != nil {
				return domain.Calendar{}, fmt.Errorf("enqueue sync %s: %w", updated.ID, err)
			}
		}
	}
	s.log.Info("calendar reconnected", logx.String("calendar_id", cal.ID), logx.String("credential_id", cal.CredentialID))
	return out, nil
}

// DisconnectCalendar deletes the calendar with its events, and its credential
// when no other calendar uses it.
func (s *Service) DisconnectCalendar(ctx context.Context, calendarID string) error {
	credDeleted, err := s.store.DeleteCalendar(ctx, calendarID)
	if err != nil {
		return fmt.Errorf("delete calendar %s: %w", calendarID, err)
	}
	s.log.Info("calendar disconnected", logx.String("calendar_id", calendarID), logx.Bool("credential_deleted", credDeleted))
	return nil
}

// SetCalendarEnabled toggles a calendar. Enabling queues a sync.
// In-flight syncs of a disabled calendar finish but their results are discarded.
func (s *Service) SetCalendarEnabled(ctx context.Context, calendarID string, enabled bool) (domain.Calendar, error) {
	cal, err := s.store.UpdateCalendar(ctx, calendarID, func(c *domain.Calendar) error {
		c.IsEnabled = enabled
		c.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return domain.Calendar{}, fmt.Errorf("update calendar %s: %w", calendarID, err)
	}
	if enabled && cal.Syncable() {
		if _, err := s.queue.Enqueue(ctx, domain.SyncCalendar{CalendarID: cal.ID}); err != nil {
			return cal, fmt.Errorf("enqueue sync %s: %w", cal.ID, err)
		}
	}
	return cal, nil
}

// SetWebhookActive toggles a webhook. Re-activation resets its failure count.
func (s *Service) SetWebhookActive(ctx context.Context, webhookID string, active bool) (domain.Webhook, error) {
	w, err := s.store.UpdateWebhook(ctx, webhookID, func(w *domain.Webhook) error {
		w.SetActive(active)
		w.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return domain.Webhook{}, fmt.Errorf("update webhook %s: %w", webhookID, err)
	}
	return w, nil
}

// SweepCalendars queues a sync for every syncable calendar. Calendars with a
// sync already pending are skipped by dedup.
func (s *Service) SweepCalendars(ctx context.Context) (int, error) {
	cals, err := s.store.ListSyncableCalendars(ctx)
	if err != nil {
		return 0, fmt.Errorf("list syncable calendars: %w", err)
	}
	n := 0
	for _, c := range cals {
		res, err := s.queue.Enqueue(ctx, domain.SyncCalendar{CalendarID: c.ID})
		if err != nil {
			return n, fmt.Errorf("enqueue sync %s: %w", c.ID, err)
		}
		if res.Created {
			n++
		}
	}
	return n, nil
}

// PurgeJobs deletes terminal jobs that finished more than retention ago.
func (s *Service) PurgeJobs(ctx context.Context, retention time.Duration) (int, error) {
	return s.store.PurgeJobs(ctx, s.now().Add(-retention))
}

// RecurringRequest describes a recurring booking series.
type RecurringRequest struct {
	UserID    string
	Title     string
	Start     time.Time
	Duration  time.Duration
	Frequency domain.Frequency
	Count     int
	Interval  int
	Status    domain.BookingStatus
}

// CreateRecurringBookings generates and stores a booking series. Occurrences that
// overlap a synced calendar event are stored as Skipped so the series indices stay
// contiguous. A booking.created event is sent for the first live occurrence.
func (s *Service) CreateRecurringBookings(ctx context.Context, req RecurringRequest) ([]domain.Booking, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, failure.Validation(errors.New("userId is required"))
	}
	if req.Duration <= 0 {
		return nil, failure.Validation(errors.New("duration must be positive"))
	}
	status := req.Status
	if status == "" {
		status = domain.BookingAccepted
	}
	dates, err := recurring.Generate(req.Start, req.Frequency, req.Count, req.Interval)
	if err != nil {
		return nil, err
	}

	slots := make([]conflict.Slot, len(dates))
	for i, d := range dates {
		slots[i] = conflict.Slot{Start: d, End: d.Add(req.Duration)}
	}
	checks, err := s.conflicts.CheckSlots(ctx, req.UserID, slots)
	if err != nil {
		return nil, fmt.Errorf("check series conflicts: %w", err)
	}

	interval := req.Interval
	if req.Frequency != domain.FrequencyCustom {
		interval = 0
	} else if interval <= 0 {
		interval = recurring.DefaultInterval
	}
	tpl := recurring.Template{UserID: req.UserID, Title: req.Title, Duration: req.Duration, Status: status}
	series := recurring.Stamp(uuid.NewString(), tpl, req.Frequency, interval, dates, uuid.NewString)

	now := s.now()
	skipped := 0
	for i := range series {
		series[i].CreatedAt = now
		series[i].UpdatedAt = now
		series[i].ConflictCheckedAt = now
		if checks[i].HasConflict {
			series[i].HasConflict = true
			series[i].Status = domain.BookingSkipped
			skipped++
		}
	}
	if err := s.store.PutBookings(ctx, series); err != nil {
		return nil, fmt.Errorf("store series: %w", err)
	}
	s.log.Info("recurring series created", logx.String("group_id", series[0].RecurringGroupID), logx.Int("count", len(series)), logx.Int("skipped", skipped))

	for _, b := range series {
		if !b.Live() {
			continue
		}
		if _, err := s.NotifyBookingEvent(ctx, b, domain.EventBookingCreated); err != nil {
			s.log.Warn("notify series creation failed", logx.String("booking_id", b.ID), logx.Err(err))
		}
		break
	}
	return series, nil
}
