package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"slotsync/internal/domain"
)

type memoryStore struct {
	mu sync.Mutex

	jobs        map[string]*domain.Job
	activeDedup map[string]string // dedup key -> job id

	calendars   map[string]*domain.Calendar
	credentials map[string]*domain.CalendarCredential
	events      map[string]map[string]*domain.SyncedEvent // calendar id -> provider event id -> event

	webhooks   map[string]*domain.Webhook
	deliveries map[string]*domain.WebhookDelivery

	bookings map[string]*domain.Booking
}

// NewMemory returns an in-process store. Every operation runs under one mutex,
// which gives the same atomicity a SQL transaction does.
func NewMemory() Store {
	return &memoryStore{
		jobs:        map[string]*domain.Job{},
		activeDedup: map[string]string{},
		calendars:   map[string]*domain.Calendar{},
		credentials: map[string]*domain.CalendarCredential{},
		events:      map[string]map[string]*domain.SyncedEvent{},
		webhooks:    map[string]*domain.Webhook{},
		deliveries:  map[string]*domain.WebhookDelivery{},
		bookings:    map[string]*domain.Booking{},
	}
}

func (s *memoryStore) Close() error { return nil }

// ---- jobs ----

func (s *memoryStore) EnqueueJob(ctx context.Context, job domain.Job, expedite bool) (EnqueueResult, error) {
	if err := ctx.Err(); err != nil {
		return EnqueueResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.DedupKey != "" {
		if id, ok := s.activeDedup[job.DedupKey]; ok {
			res := EnqueueResult{ID: id}
			cur := s.jobs[id]
			if expedite && cur.Status == domain.JobQueued && job.NextRunAt.Before(cur.NextRunAt) {
				cur.NextRunAt = job.NextRunAt
				cur.UpdatedAt = time.Now()
				res.Expedited = true
			}
			return res, nil
		}
	}
	if _, exists := s.jobs[job.ID]; exists {
		return EnqueueResult{}, errDuplicateID(job.ID)
	}
	cp := cloneJob(job)
	s.jobs[job.ID] = &cp
	if job.DedupKey != "" {
		s.activeDedup[job.DedupKey] = job.ID
	}
	return EnqueueResult{ID: job.ID, Created: true}, nil
}

func (s *memoryStore) ClaimJob(ctx context.Context, owner string, now time.Time, lease time.Duration) (domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return domain.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var pick *domain.Job
	for _, j := range s.jobs {
		if !claimable(j, now) {
			continue
		}
		if pick == nil || j.NextRunAt.Before(pick.NextRunAt) ||
			(j.NextRunAt.Equal(pick.NextRunAt) && j.CreatedAt.Before(pick.CreatedAt)) {
			pick = j
		}
	}
	if pick == nil {
		return domain.Job{}, ErrNoJob
	}
	if pick.Status == domain.JobRunning {
		pick.Attempts++
	}
	pick.Status = domain.JobRunning
	pick.LeaseOwner = owner
	pick.LeaseUntil = now.Add(lease)
	pick.UpdatedAt = now
	return cloneJob(*pick), nil
}

func claimable(j *domain.Job, now time.Time) bool {
	switch j.Status {
	case domain.JobQueued:
		return !j.NextRunAt.After(now)
	case domain.JobRunning:
		return j.LeaseUntil.Before(now)
	default:
		return false
	}
}

func (s *memoryStore) CompleteJob(ctx context.Context, id, owner string, upd JobUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != domain.JobRunning || j.LeaseOwner != owner {
		return ErrLeaseLost
	}
	now := time.Now()
	j.Status = upd.Status
	j.Attempts = upd.Attempts
	j.LastError = upd.LastError
	j.LeaseOwner = ""
	j.LeaseUntil = time.Time{}
	j.UpdatedAt = now
	if !upd.NextRunAt.IsZero() {
		j.NextRunAt = upd.NextRunAt
	}
	if upd.Status.Terminal() {
		j.FinishedAt = now
		if j.DedupKey != "" && s.activeDedup[j.DedupKey] == j.ID {
			delete(s.activeDedup, j.DedupKey)
		}
	}
	return nil
}

func (s *memoryStore) GetJob(ctx context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrNotFound
	}
	return cloneJob(*j), nil
}

func (s *memoryStore) ListJobs(ctx context.Context, f JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		out = append(out, cloneJob(*j))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memoryStore) CountJobs(ctx context.Context) (map[domain.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[domain.JobStatus]int{}
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (s *memoryStore) PurgeJobs(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.FinishedAt.Before(before) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func cloneJob(j domain.Job) domain.Job {
	j.Payload = slices.Clone(j.Payload)
	return j
}

// ---- calendars ----

func (s *memoryStore) PutCalendar(ctx context.Context, c domain.Calendar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calendars[c.ID] = &c
	return nil
}

func (s *memoryStore) GetCalendar(ctx context.Context, id string) (domain.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calendars[id]
	if !ok {
		return domain.Calendar{}, ErrNotFound
	}
	return *c, nil
}

func (s *memoryStore) UpdateCalendar(ctx context.Context, id string, fn func(*domain.Calendar) error) (domain.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calendars[id]
	if !ok {
		return domain.Calendar{}, ErrNotFound
	}
	cp := *c
	if err := fn(&cp); err != nil {
		return domain.Calendar{}, err
	}
	cp.ID = id
	cp.UpdatedAt = time.Now()
	s.calendars[id] = &cp
	return cp, nil
}

func (s *memoryStore) ListCalendarsByUser(ctx context.Context, userID string) ([]domain.Calendar, error) {
	return s.listCalendars(func(c *domain.Calendar) bool { return c.UserID == userID }), nil
}

func (s *memoryStore) ListSyncableCalendars(ctx context.Context) ([]domain.Calendar, error) {
	return s.listCalendars(func(c *domain.Calendar) bool { return c.Syncable() }), nil
}

func (s *memoryStore) listCalendars(keep func(*domain.Calendar) bool) []domain.Calendar {
	s.mu.Lock()
	out := make([]domain.Calendar, 0)
	for _, c := range s.calendars {
		if keep(c) {
			out = append(out, *c)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func (s *memoryStore) DeleteCalendar(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calendars[id]
	if !ok {
		return false, ErrNotFound
	}
	delete(s.calendars, id)
	delete(s.events, id)
	if c.CredentialID == "" {
		return false, nil
	}
	for _, other := range s.calendars {
		if other.CredentialID == c.CredentialID {
			return false, nil
		}
	}
	delete(s.credentials, c.CredentialID)
	return true, nil
}

func (s *memoryStore) PutCredential(ctx context.Context, c domain.CalendarCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[c.ID] = &c
	return nil
}

func (s *memoryStore) GetCredential(ctx context.Context, id string) (domain.CalendarCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return domain.CalendarCredential{}, ErrNotFound
	}
	return *c, nil
}

func (s *memoryStore) UpdateCredential(ctx context.Context, id string, fn func(*domain.CalendarCredential) error) (domain.CalendarCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return domain.CalendarCredential{}, ErrNotFound
	}
	cp := *c
	if err := fn(&cp); err != nil {
		return domain.CalendarCredential{}, err
	}
	cp.ID = id
	cp.UpdatedAt = time.Now()
	s.credentials[id] = &cp
	return cp, nil
}

func (s *memoryStore) SaveSyncResult(ctx context.Context, calendarID string, res SyncResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calendars[calendarID]
	if !ok {
		return ErrNotFound
	}
	if !c.Syncable() {
		return ErrSyncDiscarded
	}

	evs := s.events[calendarID]
	if res.Full || evs == nil {
		evs = map[string]*domain.SyncedEvent{}
	}
	for _, id := range res.Deleted {
		delete(evs, id)
	}
	for _, e := range res.Upserts {
		e.CalendarID = calendarID
		e.SyncedAt = res.SyncedAt
		if prev, ok := evs[e.ProviderEventID]; ok {
			e.ID = prev.ID
		} else if e.ID == "" {
			e.ID = uuid.NewString()
		}
		evs[e.ProviderEventID] = &e
	}
	s.events[calendarID] = evs

	c.SyncStatus = domain.SyncSynced
	c.LastSyncedAt = res.SyncedAt
	c.LastSyncError = ""
	c.SyncToken = res.SyncToken
	c.UpdatedAt = res.SyncedAt
	return nil
}

func (s *memoryStore) ListSyncedEvents(ctx context.Context, calendarID string, start, end time.Time) ([]domain.SyncedEvent, error) {
	s.mu.Lock()
	out := make([]domain.SyncedEvent, 0)
	for _, e := range s.events[calendarID] {
		if !start.IsZero() && !e.End.After(start) {
			continue
		}
		if !end.IsZero() && !e.Start.Before(end) {
			continue
		}
		out = append(out, *e)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].Start.Before(out[k].Start) })
	return out, nil
}

// ---- webhooks ----

func (s *memoryStore) PutWebhook(ctx context.Context, w domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.EventTriggers = slices.Clone(w.EventTriggers)
	s.webhooks[w.ID] = &w
	return nil
}

func (s *memoryStore) GetWebhook(ctx context.Context, id string) (domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return domain.Webhook{}, ErrNotFound
	}
	cp := *w
	cp.EventTriggers = slices.Clone(w.EventTriggers)
	return cp, nil
}

func (s *memoryStore) UpdateWebhook(ctx context.Context, id string, fn func(*domain.Webhook) error) (domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return domain.Webhook{}, ErrNotFound
	}
	cp := *w
	cp.EventTriggers = slices.Clone(w.EventTriggers)
	if err := fn(&cp); err != nil {
		return domain.Webhook{}, err
	}
	cp.ID = id
	cp.UpdatedAt = time.Now()
	s.webhooks[id] = &cp
	return cp, nil
}

func (s *memoryStore) ListWebhooksByUser(ctx context.Context, userID string) ([]domain.Webhook, error) {
	s.mu.Lock()
	out := make([]domain.Webhook, 0)
	for _, w := range s.webhooks {
		if w.UserID == userID {
			cp := *w
			cp.EventTriggers = slices.Clone(w.EventTriggers)
			out = append(out, cp)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *memoryStore) CreateDelivery(ctx context.Context, d domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deliveries[d.ID]; exists {
		return errDuplicateID(d.ID)
	}
	d.Payload = slices.Clone(d.Payload)
	s.deliveries[d.ID] = &d
	return nil
}

func (s *memoryStore) GetDelivery(ctx context.Context, id string) (domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return domain.WebhookDelivery{}, ErrNotFound
	}
	cp := *d
	cp.Payload = slices.Clone(d.Payload)
	return cp, nil
}

func (s *memoryStore) UpdateDelivery(ctx context.Context, id string, fn func(*domain.WebhookDelivery) error) (domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return domain.WebhookDelivery{}, ErrNotFound
	}
	cp := *d
	cp.Payload = slices.Clone(d.Payload)
	if err := fn(&cp); err != nil {
		return domain.WebhookDelivery{}, err
	}
	cp.ID = id
	cp.UpdatedAt = time.Now()
	s.deliveries[id] = &cp
	return cp, nil
}

func (s *memoryStore) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error) {
	s.mu.Lock()
	out := make([]domain.WebhookDelivery, 0)
	for _, d := range s.deliveries {
		if d.WebhookID == webhookID {
			cp := *d
			cp.Payload = slices.Clone(d.Payload)
			out = append(out, cp)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- bookings ----

func (s *memoryStore) PutBookings(ctx context.Context, bs []domain.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range bs {
		b := bs[i]
		s.bookings[b.ID] = &b
	}
	return nil
}

func (s *memoryStore) GetBooking(ctx context.Context, id string) (domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return domain.Booking{}, ErrNotFound
	}
	return *b, nil
}

func (s *memoryStore) UpdateBooking(ctx context.Context, id string, fn func(*domain.Booking) error) (domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return domain.Booking{}, ErrNotFound
	}
	cp := *b
	if err := fn(&cp); err != nil {
		return domain.Booking{}, err
	}
	cp.ID = id
	cp.UpdatedAt = time.Now()
	s.bookings[id] = &cp
	return cp, nil
}

func (s *memoryStore) ListBookingsByUser(ctx context.Context, userID string, from, to time.Time) ([]domain.Booking, error) {
	s.mu.Lock()
	out := make([]domain.Booking, 0)
	for _, b := range s.bookings {
		if b.UserID != userID || !b.Live() {
			continue
		}
		if b.Start.Before(from) || !b.Start.Before(to) {
			continue
		}
		out = append(out, *b)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].Start.Before(out[k].Start) })
	return out, nil
}
