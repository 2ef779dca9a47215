package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"slotsync/internal/eventbus"
	logx "slotsync/pkg/logx"
)

var ErrUnknownSchedule = errors.New("unknown schedule")

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means Local
}

// Func is a trigger body. It runs with the schedule's timeout.
type Func func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	fn      Func
	entryID cron.EntryID
	running *atomic.Bool
	lastErr *atomic.Value // string
}

// RunEvent is published after every trigger.
type RunEvent struct {
	Name     string
	Duration time.Duration
	Error    string
}

type ScheduleInfo struct {
	Name      string        `json:"name"`
	Spec      string        `json:"spec"`
	Timeout   time.Duration `json:"timeout"`
	Next      time.Time     `json:"next,omitempty"`
	Prev      time.Time     `json:"prev,omitempty"`
	Running   bool          `json:"running"`
	LastError string        `json:"lastError,omitempty"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}

// Service owns a robfig/cron instance. Overlapping fires of one schedule are skipped.
type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	parser cron.Parser

	mu   sync.Mutex
	cfg  Config
	loc  *time.Location
	c    *cron.Cron
	defs []*scheduleDef
	ctx  context.Context

	wg sync.WaitGroup
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		log: log.With(logx.String("comp", "scheduler")),
		bus: bus,
		cfg: cfg,
		// SecondOptional allows both 5-field and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		ctx:    context.Background(),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps config. A timezone change re-registers every schedule.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && tzChanged {
		<-s.c.Stop().Done()
		s.startLocked()
		s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
	}
}

// Add registers (or replaces) a named schedule.
func (s *Service) Add(name, schedule string, timeout time.Duration, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule name required")
	}
	if fn == nil {
		return errors.New("schedule func required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	if timeout <= 0 {
		timeout = time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &scheduleDef{name: name, spec: ps, timeout: timeout, fn: fn, running: &atomic.Bool{}, lastErr: &atomic.Value{}}
	s.defs = append(s.defs, d)
	if s.c != nil {
		s.registerLocked(d)
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", ps.String()))
	return nil
}

// Remove unregisters a schedule. It reports whether one existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	removed := false
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

// Start begins firing schedules. It is a no-op when disabled or already started.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.ctx = ctx
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.location()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) registerLocked(d *scheduleDef) {
	ctx := s.ctx
	job := cron.FuncJob(func() { s.fire(ctx, d) })
	if d.spec.Kind == SpecInterval {
		d.entryID = s.c.Schedule(spreadInterval(d.spec.Every, time.Now().In(s.loc), d.name), job)
		return
	}
	id, err := s.c.AddJob(d.spec.Cron, job)
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		return
	}
	d.entryID = id
}

// RunNow fires a schedule immediately, subject to the same overlap rule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	var def *scheduleDef
	ctx := s.ctx
	for _, d := range s.defs {
		if d.name == name {
			def = d
		}
	}
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	s.fire(ctx, def)
	return nil
}

// fire must not take s.mu: Apply holds it while waiting for cron to drain.
func (s *Service) fire(parent context.Context, d *scheduleDef) {
	if !d.running.CompareAndSwap(false, true) {
		s.log.Debug("schedule still running, fire skipped", logx.String("name", d.name))
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	defer d.running.Store(false)

	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("schedule panicked", logx.String("name", d.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		return d.fn(ctx)
	}()
	dur := time.Since(start)
	if err != nil {
		d.lastErr.Store(err.Error())
		s.log.Warn("schedule failed", logx.String("name", d.name), logx.Err(err), logx.Duration("dur", dur))
		s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleFailed, Data: RunEvent{Name: d.name, Duration: dur, Error: err.Error()}})
		return
	}
	d.lastErr.Store("")
	s.log.Debug("schedule done", logx.String("name", d.name), logx.Duration("dur", dur))
	s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleDone, Data: RunEvent{Name: d.name, Duration: dur}})
}

// Stop stops firing and waits for running triggers, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with triggers still running")
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc := s.loc
	if loc == nil {
		loc = s.location()
	}
	out := Snapshot{Enabled: s.cfg.Enabled, Timezone: loc.String(), Schedules: make([]ScheduleInfo, 0, len(s.defs))}
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec.String(), Timeout: d.timeout, Running: d.running.Load()}
		if v, ok := d.lastErr.Load().(string); ok {
			it.LastError = v
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out.Schedules = append(out.Schedules, it)
	}
	return out
}

// Has reports whether a schedule is registered under name.
func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == name {
			return true
		}
	}
	return false
}
