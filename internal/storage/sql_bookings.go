package storage

import (
	"context"
	"database/sql"
	"time"

	"slotsync/internal/domain"
)

const bookingCols = `id, user_id, title, start_at, end_at, status, recurring_group_id, recurring_index,
	recurring_count, recurring_frequency, recurring_interval, external_event_uid, has_conflict,
	conflict_checked_at, created_at, updated_at`

func scanBooking(sc scanner) (domain.Booking, error) {
	var (
		b        domain.Booking
		title    sql.NullString
		start    int64
		end      int64
		status   string
		freq     string
		conflict int
		checked  int64
		created  int64
		updated  int64
	)
	err := sc.Scan(&b.ID, &b.UserID, &title, &start, &end, &status, &b.RecurringGroupID, &b.RecurringIndex,
		&b.RecurringCount, &freq, &b.RecurringInterval, &b.ExternalEventUID, &conflict,
		&checked, &created, &updated)
	if err != nil {
		return domain.Booking{}, err
	}
	b.Title = title.String
	b.Start = fromMS(start)
	b.End = fromMS(end)
	b.Status = domain.BookingStatus(status)
	b.RecurringFrequency = domain.Frequency(freq)
	b.HasConflict = conflict == 1
	b.ConflictCheckedAt = fromMS(checked)
	b.CreatedAt = fromMS(created)
	b.UpdatedAt = fromMS(updated)
	return b, nil
}

func bookingArgs(b domain.Booking) []any {
	return []any{
		b.ID, b.UserID, nullStr(b.Title), ms(b.Start), ms(b.End), string(b.Status), b.RecurringGroupID, b.RecurringIndex,
		b.RecurringCount, string(b.RecurringFrequency), b.RecurringInterval, b.ExternalEventUID, b2i(b.HasConflict),
		ms(b.ConflictCheckedAt), ms(b.CreatedAt), ms(b.UpdatedAt),
	}
}

func (s *sqlStore) PutBookings(ctx context.Context, bs []domain.Booking) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, b := range bs {
			if _, err := s.exec(ctx, tx, `DELETE FROM bookings WHERE id = ?`, b.ID); err != nil {
				return err
			}
			if _, err := s.exec(ctx, tx,
				`INSERT INTO bookings (`+bookingCols+`) VALUES (`+placeholders(16)+`)`, bookingArgs(b)...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqlStore) GetBooking(ctx context.Context, id string) (domain.Booking, error) {
	b, err := scanBooking(s.queryRow(ctx, s.db, `SELECT `+bookingCols+` FROM bookings WHERE id = ?`, id))
	return b, notFound(err)
}

func (s *sqlStore) UpdateBooking(ctx context.Context, id string, fn func(*domain.Booking) error) (domain.Booking, error) {
	var out domain.Booking
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		b, err := scanBooking(s.queryRow(ctx, tx, `SELECT `+bookingCols+` FROM bookings WHERE id = ?`+s.d.lockRow, id))
		if err != nil {
			return notFound(err)
		}
		if err := fn(&b); err != nil {
			return err
		}
		b.ID = id
		b.UpdatedAt = time.Now()
		if _, err := s.exec(ctx, tx, `DELETE FROM bookings WHERE id = ?`, id); err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, `INSERT INTO bookings (`+bookingCols+`) VALUES (`+placeholders(16)+`)`, bookingArgs(b)...)
		out = b
		return err
	})
	return out, err
}

func (s *sqlStore) ListBookingsByUser(ctx context.Context, userID string, from, to time.Time) ([]domain.Booking, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+bookingCols+` FROM bookings
		 WHERE user_id = ? AND status IN (?,?) AND start_at >= ? AND start_at < ?
		 ORDER BY start_at`,
		userID, string(domain.BookingAccepted), string(domain.BookingPending), ms(from), ms(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
