package calsync

import (
	"context"
	"fmt"

	"slotsync/internal/domain"
	"slotsync/internal/worker"
	logx "slotsync/pkg/logx"
)

// HandleSyncCalendar runs a SyncCalendar job.
func (e *Engine) HandleSyncCalendar(ctx context.Context, job domain.Job, p domain.Payload) worker.Result {
	pl, ok := p.(domain.SyncCalendar)
	if !ok {
		return worker.Invalid(fmt.Errorf("unexpected payload %T", p))
	}
	return worker.Classify(e.Sync(ctx, pl.CalendarID, pl.ForceFullSync))
}

// HandleSyncUserCalendars fans a SyncUserCalendars job out into per-calendar jobs.
func (e *Engine) HandleSyncUserCalendars(ctx context.Context, job domain.Job, p domain.Payload) worker.Result {
	pl, ok := p.(domain.SyncUserCalendars)
	if !ok {
		return worker.Invalid(fmt.Errorf("unexpected payload %T", p))
	}
	_, err := e.TriggerUser(ctx, pl.UserID)
	return worker.Classify(err)
}

// OnDeadLetter surfaces an exhausted sync on the calendar. A permanent failure
// already moved the calendar to Disconnected and is left alone.
func (e *Engine) OnDeadLetter(ctx context.Context, job domain.Job, p domain.Payload, cause error) {
	pl, ok := p.(domain.SyncCalendar)
	if !ok {
		return
	}
	msg := fmt.Sprintf("sync failed after %d attempts: %v", job.Attempts, cause)
	_, err := e.store.UpdateCalendar(ctx, pl.CalendarID, func(c *domain.Calendar) error {
		if c.SyncStatus == domain.SyncDisconnected {
			return nil
		}
		c.SyncStatus = domain.SyncError
		c.LastSyncError = msg
		c.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		e.log.Warn("record dead-lettered sync failed", logx.String("calendar_id", pl.CalendarID), logx.Err(err))
	}
}

// Register installs the sync handlers on the pool.
func (e *Engine) Register(p *worker.Pool, opts worker.HandlerOptions) {
	o := opts
	o.OnDeadLetter = e.OnDeadLetter
	p.Handle(domain.JobSyncCalendar, e.HandleSyncCalendar, o)
	p.Handle(domain.JobSyncUserCalendars, e.HandleSyncUserCalendars, worker.HandlerOptions{Timeout: opts.Timeout})
}
