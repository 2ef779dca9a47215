package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"slotsync/internal/domain"
	"slotsync/internal/eventbus"
	rtsup "slotsync/internal/runtime/supervisor"
	"slotsync/internal/storage"
	logx "slotsync/pkg/logx"
)

var (
	ErrRunning   = errors.New("worker pool already running")
	ErrNoHandler = errors.New("no handler registered for job type")
	errLeaseGone = errors.New("lease expired before completion")
)

type handlerEntry struct {
	fn   Handler
	opts HandlerOptions
}

// Pool claims due jobs from the store and runs them on a fixed set of supervised workers.
type Pool struct {
	store storage.JobStore
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	node  string

	mu       sync.RWMutex
	cfg      Config
	handlers map[domain.JobType]handlerEntry
	sup      *rtsup.Supervisor

	wake chan struct{}

	processed    atomic.Uint64
	succeeded    atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
	failed       atomic.Uint64
	leaseLost    atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(store storage.JobStore, cfg Config, log logx.Logger, bus eventbus.Bus) *Pool {
	if bus == nil {
		bus = eventbus.Nop()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "node"
	}
	cfg = cfg.withDefaults()
	return &Pool{
		store:    store,
		log:      log.With(logx.String("comp", "worker")),
		bus:      bus,
		now:      time.Now,
		node:     fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		cfg:      cfg,
		handlers: map[domain.JobType]handlerEntry{},
		wake:     make(chan struct{}, cfg.Workers),
	}
}

// Handle registers the handler for a job type. Registering twice replaces the handler.
func (p *Pool) Handle(t domain.JobType, fn Handler, opts HandlerOptions) {
	p.mu.Lock()
	p.handlers[t] = handlerEntry{fn: fn, opts: opts}
	p.mu.Unlock()
}

// Apply updates tunables at runtime. Worker count changes take effect on the next Start.
func (p *Pool) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	prev := p.cfg.Workers
	p.cfg = cfg
	running := p.sup != nil
	p.mu.Unlock()
	if running && prev != cfg.Workers {
		p.log.Warn("worker count change requires restart", logx.Int("running", prev), logx.Int("configured", cfg.Workers))
	}
}

// Start launches the workers. They run until ctx is canceled or Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.sup != nil {
		p.mu.Unlock()
		return ErrRunning
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(p.log))
	p.sup = sup
	workers := p.cfg.Workers
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		owner := fmt.Sprintf("%s/w%d", p.node, i)
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(ctx context.Context) error {
			return p.loop(ctx, owner)
		}, rtsup.WithRestartBackoff(500*time.Millisecond, 30*time.Second))
	}
	p.log.Info("worker pool started", logx.Int("workers", workers), logx.String("node", p.node))
	return nil
}

// Stop cancels the workers and waits for in-flight jobs until ctx expires.
// Jobs interrupted by Stop keep their lease and are reclaimed after it expires.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	sup := p.sup
	p.sup = nil
	p.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	p.log.Info("worker pool stopped", logx.Err(err))
	return err
}

// Wake nudges one idle worker to poll immediately.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) loop(ctx context.Context, owner string) error {
	for {
		for {
			ran, err := p.RunOnce(ctx, owner)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if !ran {
				break
			}
			if ctx.Err() != nil {
				return nil
			}
		}

		p.mu.RLock()
		poll := p.cfg.PollInterval
		p.mu.RUnlock()

		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-p.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// RunOnce claims and executes at most one due job as owner.
// It reports whether a job was executed.
func (p *Pool) RunOnce(ctx context.Context, owner string) (bool, error) {
	now := p.now()
	job, err := p.store.ClaimJob(ctx, owner, now, p.lease())
	if errors.Is(err, storage.ErrNoJob) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	p.execute(ctx, owner, job)
	return true, nil
}

func (p *Pool) lease() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	lease := p.cfg.Lease
	longest := p.cfg.DefaultTimeout
	for _, h := range p.handlers {
		longest = max(longest, h.opts.Timeout)
	}
	return max(lease, 2*longest)
}

func (p *Pool) execute(ctx context.Context, owner string, job domain.Job) {
	start := p.now()
	p.processed.Add(1)

	p.mu.RLock()
	entry, ok := p.handlers[job.Type]
	cfg := p.cfg
	p.mu.RUnlock()

	log := p.log.With(logx.String("job_id", job.ID), logx.String("type", string(job.Type)), logx.Int("attempt", job.Attempts+1))

	// A crashed worker's attempt was counted at reclaim; it may have been the last one.
	if job.Attempts >= job.MaxAttempts {
		payload, _ := job.Decode()
		p.finish(ctx, owner, job, payload, entry, Retry(errLeaseGone), start, log, cfg)
		return
	}

	if !ok {
		p.finish(ctx, owner, job, nil, entry, Invalid(fmt.Errorf("%w: %s", ErrNoHandler, job.Type)), start, log, cfg)
		return
	}
	payload, err := job.Decode()
	if err != nil {
		p.finish(ctx, owner, job, nil, entry, Invalid(err), start, log, cfg)
		return
	}

	log.Debug("job started")
	p.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, Time: start, Data: JobEvent{ID: job.ID, Type: job.Type, Attempts: job.Attempts}})

	timeout := entry.opts.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	res := p.run(ctx, timeout, job, payload, entry.fn, log)
	p.finish(ctx, owner, job, payload, entry, res, start, log, cfg)
}

func (p *Pool) run(ctx context.Context, timeout time.Duration, job domain.Job, payload domain.Payload, fn Handler, log logx.Logger) (res Result) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res = Retry(fmt.Errorf("panic: %v", r))
		}
	}()

	res = fn(runCtx, job, payload)
	if res.Outcome != OutcomeDone && res.Err == nil {
		res.Err = errors.New(res.Outcome.String())
	}
	return res
}

func (p *Pool) finish(ctx context.Context, owner string, job domain.Job, payload domain.Payload, entry handlerEntry, res Result, start time.Time, log logx.Logger, cfg Config) {
	now := p.now()
	attempts := job.Attempts + 1
	// Permanent failures and lost leases do not spend retry budget.
	if res.Outcome == OutcomePermanent || errors.Is(res.Err, errLeaseGone) {
		attempts = job.Attempts
	}
	upd := storage.JobUpdate{Attempts: attempts}
	if res.Err != nil {
		upd.LastError = res.Err.Error()
	}

	var evType string
	deadLetter := false
	switch res.Outcome {
	case OutcomeDone:
		upd.Status = domain.JobDone
		evType = eventbus.JobDone
	case OutcomeInvalid:
		upd.Status = domain.JobFailed
		evType = eventbus.JobFailed
	case OutcomePermanent:
		upd.Status = domain.JobDeadLetter
		evType = eventbus.JobDeadLetter
		deadLetter = true
	default:
		if attempts < job.MaxAttempts {
			upd.Status = domain.JobQueued
			upd.NextRunAt = now.Add(cfg.Backoff.Delay(attempts, res.RetryAfter))
			evType = eventbus.JobRetry
		} else {
			upd.Status = domain.JobDeadLetter
			evType = eventbus.JobDeadLetter
			deadLetter = true
		}
	}

	if err := p.store.CompleteJob(context.WithoutCancel(ctx), job.ID, owner, upd); err != nil {
		if errors.Is(err, storage.ErrLeaseLost) {
			p.leaseLost.Add(1)
			log.Warn("job lease lost; result dropped", logx.String("outcome", res.Outcome.String()))
			return
		}
		log.Error("job completion failed", logx.Err(err))
		return
	}

	dur := now.Sub(start)
	ev := JobEvent{ID: job.ID, Type: job.Type, Attempts: attempts, Duration: dur, Error: upd.LastError}
	p.bus.Publish(eventbus.Event{Type: evType, Time: now, Data: ev})
	p.record(HistoryItem{JobID: job.ID, Type: job.Type, Attempt: attempts, Outcome: string(upd.Status), Started: start, Duration: dur, Error: upd.LastError}, cfg.HistorySize)

	switch upd.Status {
	case domain.JobDone:
		p.succeeded.Add(1)
		log.Debug("job done", logx.Duration("dur", dur))
	case domain.JobQueued:
		p.retried.Add(1)
		log.Warn("job failed; retry scheduled", logx.Err(res.Err), logx.Time("next_run_at", upd.NextRunAt))
	case domain.JobFailed:
		p.failed.Add(1)
		log.Error("job invalid; not retrying", logx.Err(res.Err))
	case domain.JobDeadLetter:
		p.deadLettered.Add(1)
		log.Error("job dead-lettered", logx.Err(res.Err), logx.String("outcome", res.Outcome.String()))
	}

	if deadLetter && entry.opts.OnDeadLetter != nil && payload != nil {
		job.Attempts = attempts
		job.Status = upd.Status
		job.LastError = upd.LastError
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("dead-letter hook panicked", logx.Any("panic", r))
				}
			}()
			entry.opts.OnDeadLetter(hctx, job, payload, res.Err)
		}()
	}
}

func (p *Pool) record(item HistoryItem, size int) {
	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > size {
		p.history = p.history[len(p.history)-size:]
	}
	p.hmu.Unlock()
}

func (p *Pool) Counters() Counters {
	return Counters{
		Processed:    p.processed.Load(),
		Succeeded:    p.succeeded.Load(),
		Retried:      p.retried.Load(),
		DeadLettered: p.deadLettered.Load(),
		Failed:       p.failed.Load(),
		LeaseLost:    p.leaseLost.Load(),
	}
}

// Snapshot returns a point-in-time view for ops output.
func (p *Pool) Snapshot() Snapshot {
	p.mu.RLock()
	sup := p.sup
	workers := p.cfg.Workers
	p.mu.RUnlock()

	p.hmu.Lock()
	hist := append([]HistoryItem(nil), p.history...)
	p.hmu.Unlock()

	return Snapshot{
		Workers:    workers,
		Running:    sup != nil,
		Counters:   p.Counters(),
		Supervisor: sup.Counters(),
		History:    hist,
	}
}
