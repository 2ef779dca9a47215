// Package calsync keeps the locally mirrored busy intervals of external calendars
// in step with their providers.
package calsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"slotsync/internal/domain"
	"slotsync/internal/eventbus"
	"slotsync/internal/failure"
	"slotsync/internal/queue"
	"slotsync/internal/storage"
	logx "slotsync/pkg/logx"
)

var errSkip = errors.New("calendar not syncable")

// Store is the subset of storage the engine reads and writes.
type Store interface {
	GetCalendar(ctx context.Context, id string) (domain.Calendar, error)
	UpdateCalendar(ctx context.Context, id string, fn func(*domain.Calendar) error) (domain.Calendar, error)
	ListCalendarsByUser(ctx context.Context, userID string) ([]domain.Calendar, error)
	SaveSyncResult(ctx context.Context, calendarID string, res storage.SyncResult) error
	ListBookingsByUser(ctx context.Context, userID string, from, to time.Time) ([]domain.Booking, error)
}

// TokenSource yields access tokens for credentials.
type TokenSource interface {
	AccessToken(ctx context.Context, credentialID string) (string, error)
}

// Enqueuer persists follow-up jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, p domain.Payload, opts ...queue.Option) (queue.Result, error)
}

type Config struct {
	// ConflictHorizon bounds which upcoming bookings are re-checked after a sync.
	ConflictHorizon time.Duration
	// ProviderRate is the request rate per provider, in pulls per second.
	ProviderRate  float64
	ProviderBurst int
	// ProviderRates overrides ProviderRate per provider name.
	ProviderRates map[string]float64
}

func (c Config) withDefaults() Config {
	if c.ConflictHorizon <= 0 {
		c.ConflictHorizon = 30 * 24 * time.Hour
	}
	if c.ProviderRate <= 0 {
		c.ProviderRate = 5
	}
	if c.ProviderBurst <= 0 {
		c.ProviderBurst = 5
	}
	return c
}

func (c Config) rateFor(provider string) float64 {
	if r, ok := c.ProviderRates[provider]; ok && r > 0 {
		return r
	}
	return c.ProviderRate
}

// SyncEvent is published after a sync attempt.
type SyncEvent struct {
	CalendarID string
	UserID     string
	Full       bool
	Upserts    int
	Deleted    int
	Error      string
}

// Engine runs the per-calendar sync state machine.
type Engine struct {
	store  Store
	tokens TokenSource
	source EventSource
	queue  Enqueuer
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	mu       sync.Mutex
	cfg      Config
	limiters map[string]*rate.Limiter
}

func New(store Store, tokens TokenSource, source EventSource, q Enqueuer, cfg Config, log logx.Logger, bus eventbus.Bus) *Engine {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Engine{
		store:    store,
		tokens:   tokens,
		source:   source,
		queue:    q,
		bus:      bus,
		log:      log.With(logx.String("comp", "calsync")),
		now:      time.Now,
		cfg:      cfg.withDefaults(),
		limiters: map[string]*rate.Limiter{},
	}
}

// Apply swaps tunables at runtime. Existing limiters are retuned in place.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	e.cfg = cfg
	for p, l := range e.limiters {
		l.SetLimit(rate.Limit(cfg.rateFor(p)))
		l.SetBurst(cfg.ProviderBurst)
	}
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Engine) limiter(provider string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l := e.limiters[provider]
	if l == nil {
		l = rate.NewLimiter(rate.Limit(e.cfg.rateFor(provider)), e.cfg.ProviderBurst)
		e.limiters[provider] = l
	}
	return l
}

// Sync pulls one calendar and commits the result.
//
// Returned errors are classified: failure.Auth when the calendar was moved to
// Disconnected, transient when it was moved to Error and a retry may help.
// Disabled, disconnected and deleted calendars are skipped with a nil error.
func (e *Engine) Sync(ctx context.Context, calendarID string, forceFull bool) error {
	var prev domain.SyncStatus
	cal, err := e.store.UpdateCalendar(ctx, calendarID, func(c *domain.Calendar) error {
		if !c.Syncable() {
			return errSkip
		}
		prev = c.SyncStatus
		c.SyncStatus = domain.SyncSyncing
		c.UpdatedAt = e.now()
		return nil
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		e.log.Debug("sync skipped, calendar gone", logx.String("calendar_id", calendarID))
		return nil
	case errors.Is(err, errSkip):
		e.log.Debug("sync skipped, calendar not syncable", logx.String("calendar_id", calendarID))
		return nil
	case err != nil:
		return failure.Transient(fmt.Errorf("load calendar %s: %w", calendarID, err))
	}
	log := e.log.With(logx.String("calendar_id", cal.ID), logx.String("provider", cal.Provider))

	token, err := e.tokens.AccessToken(ctx, cal.CredentialID)
	if err != nil {
		return e.fail(ctx, cal, "token", err, log)
	}

	if err := e.limiter(cal.Provider).Wait(ctx); err != nil {
		return e.fail(ctx, cal, "rate limit", failure.Transient(err), log)
	}

	full := forceFull || cal.LastSyncedAt.IsZero() || cal.SyncToken == ""
	cursor := cal.SyncToken
	if full {
		cursor = ""
	}
	res, err := e.source.Pull(ctx, cal, token, cursor)
	if errors.Is(err, ErrSyncTokenExpired) && !full {
		log.Info("sync token expired, falling back to full pull")
		full = true
		res, err = e.source.Pull(ctx, cal, token, "")
	}
	if errors.Is(err, ErrSyncTokenExpired) {
		err = failure.Transient(err)
	}
	if err != nil {
		return e.fail(ctx, cal, "pull", err, log)
	}

	now := e.now()
	err = e.store.SaveSyncResult(ctx, cal.ID, storage.SyncResult{
		Full:      full,
		Upserts:   res.Events,
		Deleted:   res.Deleted,
		SyncToken: res.NextSyncToken,
		SyncedAt:  now,
	})
	if errors.Is(err, storage.ErrSyncDiscarded) {
		log.Info("sync result discarded, calendar disabled during pull")
		e.release(ctx, cal.ID, prev, log)
		return nil
	}
	if err != nil {
		return e.fail(ctx, cal, "commit", failure.Transient(err), log)
	}

	log.Info("calendar synced", logx.Bool("full", full), logx.Int("upserts", len(res.Events)), logx.Int("deleted", len(res.Deleted)))
	e.bus.Publish(eventbus.Event{Type: eventbus.CalendarSynced, Time: now, Data: SyncEvent{
		CalendarID: cal.ID, UserID: cal.UserID, Full: full, Upserts: len(res.Events), Deleted: len(res.Deleted),
	}})

	e.recheckConflicts(ctx, cal.UserID, now, log)
	return nil
}

// release puts a calendar left in Syncing by a discarded pass back to the status
// it had before. A concurrent transition (disconnect, reconnect) wins.
func (e *Engine) release(ctx context.Context, calendarID string, prev domain.SyncStatus, log logx.Logger) {
	_, err := e.store.UpdateCalendar(context.WithoutCancel(ctx), calendarID, func(c *domain.Calendar) error {
		if c.SyncStatus != domain.SyncSyncing {
			return errSkip
		}
		c.SyncStatus = prev
		if prev == domain.SyncSyncing || prev == "" {
			// Left over from a crashed pass.
			c.SyncStatus = domain.SyncPending
		}
		c.UpdatedAt = e.now()
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) && !errors.Is(err, storage.ErrNotFound) {
		log.Warn("release syncing status failed", logx.Err(err))
	}
}

// recheckConflicts enqueues a conflict check for every upcoming booking of the user.
// The sync itself is already committed, so failures here are only logged.
func (e *Engine) recheckConflicts(ctx context.Context, userID string, now time.Time, log logx.Logger) {
	horizon := e.config().ConflictHorizon
	bookings, err := e.store.ListBookingsByUser(ctx, userID, now, now.Add(horizon))
	if err != nil {
		log.Warn("list upcoming bookings failed", logx.Err(err))
		return
	}
	for _, b := range bookings {
		if _, err := e.queue.Enqueue(ctx, domain.CheckConflicts{BookingID: b.ID}); err != nil {
			log.Warn("enqueue conflict check failed", logx.String("booking_id", b.ID), logx.Err(err))
		}
	}
}

// fail records a failed sync on the calendar and returns err classified.
func (e *Engine) fail(ctx context.Context, cal domain.Calendar, stage string, err error, log logx.Logger) error {
	disconnect := failure.IsAuth(err)
	msg := fmt.Sprintf("%s: %v", stage, err)
	if _, uerr := e.store.UpdateCalendar(context.WithoutCancel(ctx), cal.ID, func(c *domain.Calendar) error {
		if disconnect {
			c.SyncStatus = domain.SyncDisconnected
		} else if c.SyncStatus != domain.SyncDisconnected {
			c.SyncStatus = domain.SyncError
		}
		c.LastSyncError = msg
		c.UpdatedAt = e.now()
		return nil
	}); uerr != nil && !errors.Is(uerr, storage.ErrNotFound) {
		log.Error("record sync failure failed", logx.Err(uerr))
	}

	typ := eventbus.CalendarSyncFailed
	if disconnect {
		typ = eventbus.CalendarDisconnected
		log.Warn("calendar disconnected", logx.String("stage", stage), logx.Err(err))
	} else {
		log.Warn("calendar sync failed", logx.String("stage", stage), logx.Err(err))
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: SyncEvent{CalendarID: cal.ID, UserID: cal.UserID, Error: msg}})

	if disconnect || failure.IsValidation(err) {
		return err
	}
	return failure.Transient(err)
}

// TriggerUser enqueues a sync for every enabled, connected calendar of the user
// and returns the job ids, deduplicated against syncs already pending.
func (e *Engine) TriggerUser(ctx context.Context, userID string) ([]string, error) {
	cals, err := e.store.ListCalendarsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list calendars of %s: %w", userID, err)
	}
	ids := make([]string, 0, len(cals))
	for _, c := range cals {
		if !c.Syncable() {
			continue
		}
		res, err := e.queue.Enqueue(ctx, domain.SyncCalendar{CalendarID: c.ID})
		if err != nil {
			return ids, fmt.Errorf("enqueue sync %s: %w", c.ID, err)
		}
		ids = append(ids, res.JobID)
	}
	return ids, nil
}
