package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"slotsync/internal/domain"
	"slotsync/internal/eventbus"
	"slotsync/internal/storage"
	logx "slotsync/pkg/logx"
)

var ErrInvalidPayload = errors.New("invalid job payload")

// Waker is notified when a job becomes due immediately.
type Waker interface {
	Wake()
}

type Config struct {
	// MaxAttempts is the default attempt budget of a job.
	MaxAttempts int
	// TypeMaxAttempts overrides MaxAttempts per job type.
	TypeMaxAttempts map[domain.JobType]int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Result describes the outcome of Enqueue.
type Result struct {
	JobID string
	// Created is false when an active job with the same dedup key already existed.
	Created   bool
	Expedited bool
}

// JobEvent is published on the bus for queue lifecycle events.
type JobEvent struct {
	ID       string
	Type     domain.JobType
	DedupKey string
	RunAt    time.Time
}

// Dispatcher validates and persists jobs.
type Dispatcher struct {
	store storage.JobStore
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	mu    sync.RWMutex
	cfg   Config
	waker Waker
}

func NewDispatcher(store storage.JobStore, cfg Config, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Dispatcher{
		store: store,
		bus:   bus,
		log:   log.With(logx.String("comp", "queue")),
		now:   time.Now,
		cfg:   cfg.withDefaults(),
	}
}

// SetWaker registers the worker pool wakeup hook.
func (d *Dispatcher) SetWaker(w Waker) {
	d.mu.Lock()
	d.waker = w
	d.mu.Unlock()
}

// Apply swaps the attempt budgets at runtime.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

type enqueueOpts struct {
	runAt       time.Time
	delay       time.Duration
	dedupKey    *string
	maxAttempts int
	expedite    bool
}

type Option func(*enqueueOpts)

// WithDelay schedules the job d from now.
func WithDelay(d time.Duration) Option { return func(o *enqueueOpts) { o.delay = d } }

// WithRunAt schedules the job at t.
func WithRunAt(t time.Time) Option { return func(o *enqueueOpts) { o.runAt = t } }

// WithDedupKey overrides the payload's default dedup key. An empty key disables dedup.
func WithDedupKey(k string) Option { return func(o *enqueueOpts) { o.dedupKey = &k } }

func WithMaxAttempts(n int) Option { return func(o *enqueueOpts) { o.maxAttempts = n } }

// WithExpedite pulls an already queued duplicate forward to this request's run time.
func WithExpedite() Option { return func(o *enqueueOpts) { o.expedite = true } }

// Enqueue validates p and persists it as a queued job. If an active job with the
// same dedup key exists, its id is returned and nothing new is stored.
func (d *Dispatcher) Enqueue(ctx context.Context, p domain.Payload, opts ...Option) (Result, error) {
	if p == nil {
		return Result{}, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if err := p.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, p.JobType(), err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var o enqueueOpts
	for _, fn := range opts {
		fn(&o)
	}

	d.mu.RLock()
	cfg := d.cfg
	waker := d.waker
	d.mu.RUnlock()

	now := d.now()
	runAt := now
	switch {
	case !o.runAt.IsZero():
		runAt = o.runAt
	case o.delay > 0:
		runAt = now.Add(o.delay)
	}
	key := p.DedupKey()
	if o.dedupKey != nil {
		key = *o.dedupKey
	}
	maxAttempts := o.maxAttempts
	if maxAttempts <= 0 {
		maxAttempts = cfg.MaxAttempts
		if n, ok := cfg.TypeMaxAttempts[p.JobType()]; ok && n > 0 {
			maxAttempts = n
		}
	}

	job := domain.Job{
		ID:          uuid.NewString(),
		Type:        p.JobType(),
		Payload:     raw,
		Status:      domain.JobQueued,
		MaxAttempts: maxAttempts,
		NextRunAt:   runAt,
		DedupKey:    key,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	res, err := d.store.EnqueueJob(ctx, job, o.expedite)
	if err != nil {
		return Result{}, fmt.Errorf("enqueue %s: %w", job.Type, err)
	}

	ev := JobEvent{ID: res.ID, Type: job.Type, DedupKey: key, RunAt: runAt}
	if res.Created {
		d.log.Debug("job queued", logx.String("job_id", res.ID), logx.String("type", string(job.Type)), logx.Time("run_at", runAt))
		d.bus.Publish(eventbus.Event{Type: eventbus.JobQueued, Time: now, Data: ev})
	} else {
		d.log.Debug("job deduped", logx.String("job_id", res.ID), logx.String("dedup_key", key), logx.Bool("expedited", res.Expedited))
		d.bus.Publish(eventbus.Event{Type: eventbus.JobDeduped, Time: now, Data: ev})
	}

	if waker != nil && (res.Created || res.Expedited) && !runAt.After(now) {
		waker.Wake()
	}
	return Result{JobID: res.ID, Created: res.Created, Expedited: res.Expedited}, nil
}
