package storage

import (
	"context"
	"errors"
	"time"

	"slotsync/internal/domain"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrNoJob is returned by ClaimJob when nothing is due.
	ErrNoJob = errors.New("storage: no job available")
	// ErrLeaseLost is returned when a worker completes a job it no longer owns.
	ErrLeaseLost = errors.New("storage: job lease lost")
	// ErrSyncDiscarded is returned by SaveSyncResult when the calendar was disabled
	// or disconnected while the pull was in flight.
	ErrSyncDiscarded = errors.New("storage: sync result discarded")
)

// Config configures storage.
//
// Driver values: "memory", "sqlite", "mysql", "postgres".
type Config struct {
	Driver       string
	Path         string        // sqlite
	DSN          string        // mysql, postgres
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // mysql, postgres
}

// EnqueueResult reports what EnqueueJob did.
type EnqueueResult struct {
	ID        string
	Created   bool
	Expedited bool
}

// JobUpdate is the outcome a worker writes back for a claimed job.
type JobUpdate struct {
	Status    domain.JobStatus
	Attempts  int
	NextRunAt time.Time
	LastError string
}

type JobFilter struct {
	Status domain.JobStatus
	Type   domain.JobType
	Limit  int
}

type JobStore interface {
	// EnqueueJob inserts job unless an active job holds the same non-empty DedupKey,
	// in which case the existing id is returned with Created=false. With expedite, an
	// existing queued job scheduled later than job.NextRunAt is pulled forward.
	EnqueueJob(ctx context.Context, job domain.Job, expedite bool) (EnqueueResult, error)
	// ClaimJob leases the next due job: a queued job whose NextRunAt has passed, or a
	// running job whose lease expired. Reclaiming an expired lease consumes an attempt.
	ClaimJob(ctx context.Context, owner string, now time.Time, lease time.Duration) (domain.Job, error)
	// CompleteJob writes upd if owner still holds the lease, else ErrLeaseLost.
	CompleteJob(ctx context.Context, id, owner string, upd JobUpdate) error
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]domain.Job, error)
	CountJobs(ctx context.Context) (map[domain.JobStatus]int, error)
	// PurgeJobs deletes terminal jobs finished before the cutoff.
	PurgeJobs(ctx context.Context, before time.Time) (int, error)
}

// SyncResult is one committed pull from a provider.
type SyncResult struct {
	Full      bool
	Upserts   []domain.SyncedEvent
	Deleted   []string // provider event ids
	SyncToken string
	SyncedAt  time.Time
}

type CalendarStore interface {
	PutCalendar(ctx context.Context, c domain.Calendar) error
	GetCalendar(ctx context.Context, id string) (domain.Calendar, error)
	// UpdateCalendar applies fn to the stored calendar inside one transaction.
	// fn must not call back into the store.
	UpdateCalendar(ctx context.Context, id string, fn func(*domain.Calendar) error) (domain.Calendar, error)
	ListCalendarsByUser(ctx context.Context, userID string) ([]domain.Calendar, error)
	ListSyncableCalendars(ctx context.Context) ([]domain.Calendar, error)
	// DeleteCalendar removes the calendar and its events, and the credential when no
	// other calendar references it.
	DeleteCalendar(ctx context.Context, id string) (credentialDeleted bool, err error)

	PutCredential(ctx context.Context, c domain.CalendarCredential) error
	GetCredential(ctx context.Context, id string) (domain.CalendarCredential, error)
	UpdateCredential(ctx context.Context, id string, fn func(*domain.CalendarCredential) error) (domain.CalendarCredential, error)

	// SaveSyncResult commits events and marks the calendar Synced atomically.
	SaveSyncResult(ctx context.Context, calendarID string, res SyncResult) error
	// ListSyncedEvents returns events of the calendar overlapping [start, end).
	// Zero bounds are open.
	ListSyncedEvents(ctx context.Context, calendarID string, start, end time.Time) ([]domain.SyncedEvent, error)
}

type WebhookStore interface {
	PutWebhook(ctx context.Context, w domain.Webhook) error
	GetWebhook(ctx context.Context, id string) (domain.Webhook, error)
	UpdateWebhook(ctx context.Context, id string, fn func(*domain.Webhook) error) (domain.Webhook, error)
	ListWebhooksByUser(ctx context.Context, userID string) ([]domain.Webhook, error)

	CreateDelivery(ctx context.Context, d domain.WebhookDelivery) error
	GetDelivery(ctx context.Context, id string) (domain.WebhookDelivery, error)
	UpdateDelivery(ctx context.Context, id string, fn func(*domain.WebhookDelivery) error) (domain.WebhookDelivery, error)
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error)
}

type BookingStore interface {
	// PutBookings inserts or replaces all bookings in one transaction.
	PutBookings(ctx context.Context, bs []domain.Booking) error
	GetBooking(ctx context.Context, id string) (domain.Booking, error)
	UpdateBooking(ctx context.Context, id string, fn func(*domain.Booking) error) (domain.Booking, error)
	// ListBookingsByUser returns live bookings starting in [from, to), ordered by start.
	ListBookingsByUser(ctx context.Context, userID string, from, to time.Time) ([]domain.Booking, error)
}

// Store is the persistence API used by the scheduling core.
type Store interface {
	JobStore
	CalendarStore
	WebhookStore
	BookingStore
	Close() error
}
