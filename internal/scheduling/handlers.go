package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"slotsync/internal/conflict"
	"slotsync/internal/domain"
	"slotsync/internal/storage"
	"slotsync/internal/worker"
	logx "slotsync/pkg/logx"
)

// Timeouts bounds each job family's handler run.
type Timeouts struct {
	Sync      time.Duration
	Webhook   time.Duration
	Conflicts time.Duration
}

// Register installs every job handler on the pool.
func (s *Service) Register(p *worker.Pool, t Timeouts) {
	s.sync.Register(p, worker.HandlerOptions{Timeout: t.Sync})
	s.webhooks.Register(p, worker.HandlerOptions{Timeout: t.Webhook})
	p.Handle(domain.JobCheckConflicts, s.HandleCheckConflicts, worker.HandlerOptions{Timeout: t.Conflicts})
}

// HandleCheckConflicts re-evaluates one booking against the owner's synced events
// and records the verdict on the booking.
func (s *Service) HandleCheckConflicts(ctx context.Context, job domain.Job, p domain.Payload) worker.Result {
	pl, ok := p.(domain.CheckConflicts)
	if !ok {
		return worker.Invalid(fmt.Errorf("unexpected payload %T", p))
	}
	b, err := s.store.GetBooking(ctx, pl.BookingID)
	if errors.Is(err, storage.ErrNotFound) {
		return worker.Done()
	}
	if err != nil {
		return worker.Retry(err)
	}
	if !b.Live() {
		return worker.Done()
	}

	q := conflict.Query{UserID: b.UserID, Start: b.Start, End: b.End}
	if b.ExternalEventUID != "" {
		// The booking's own mirror on the user's calendar is not a conflict.
		q.ExcludeEventIDs = []string{b.ExternalEventUID}
	}
	res, err := s.conflicts.Check(ctx, q)
	if err != nil {
		return worker.Classify(err)
	}
	now := s.now()
	_, err = s.store.UpdateBooking(ctx, b.ID, func(cur *domain.Booking) error {
		cur.HasConflict = res.HasConflict
		cur.ConflictCheckedAt = now
		cur.UpdatedAt = now
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return worker.Retry(err)
	}
	if res.HasConflict != b.HasConflict {
		s.log.Info("booking conflict changed", logx.String("booking_id", b.ID), logx.Bool("has_conflict", res.HasConflict), logx.Int("conflicts", len(res.Conflicts)))
	}
	return worker.Done()
}
