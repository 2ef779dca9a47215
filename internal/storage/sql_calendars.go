package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"slotsync/internal/domain"
)

const calendarCols = `id, user_id, provider, external_id, name, credential_id, is_enabled, is_primary,
	check_for_conflicts, sync_status, last_synced_at, last_sync_error, sync_token, created_at, updated_at`

func scanCalendar(sc scanner) (domain.Calendar, error) {
	var (
		c         domain.Calendar
		enabled   int
		primary   int
		conflicts int
		status    string
		lastSync  int64
		lastErr   sql.NullString
		syncToken sql.NullString
		created   int64
		updated   int64
	)
	err := sc.Scan(&c.ID, &c.UserID, &c.Provider, &c.ExternalID, &c.Name, &c.CredentialID, &enabled, &primary,
		&conflicts, &status, &lastSync, &lastErr, &syncToken, &created, &updated)
	if err != nil {
		return domain.Calendar{}, err
	}
	c.IsEnabled = enabled == 1
	c.IsPrimary = primary == 1
	c.CheckForConflicts = conflicts == 1
	c.SyncStatus = domain.SyncStatus(status)
	c.LastSyncedAt = fromMS(lastSync)
	c.LastSyncError = lastErr.String
	c.SyncToken = syncToken.String
	c.CreatedAt = fromMS(created)
	c.UpdatedAt = fromMS(updated)
	return c, nil
}

func (s *sqlStore) PutCalendar(ctx context.Context, c domain.Calendar) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM calendars WHERE id = ?`, c.ID); err != nil {
			return err
		}
		return s.insertCalendar(ctx, tx, c)
	})
}

func (s *sqlStore) insertCalendar(ctx context.Context, q querier, c domain.Calendar) error {
	_, err := s.exec(ctx, q,
		`INSERT INTO calendars (`+calendarCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.UserID, c.Provider, c.ExternalID, c.Name, c.CredentialID, b2i(c.IsEnabled), b2i(c.IsPrimary),
		b2i(c.CheckForConflicts), string(c.SyncStatus), ms(c.LastSyncedAt), nullStr(c.LastSyncError),
		nullStr(c.SyncToken), ms(c.CreatedAt), ms(c.UpdatedAt))
	return err
}

func (s *sqlStore) GetCalendar(ctx context.Context, id string) (domain.Calendar, error) {
	c, err := scanCalendar(s.queryRow(ctx, s.db, `SELECT `+calendarCols+` FROM calendars WHERE id = ?`, id))
	return c, notFound(err)
}

func (s *sqlStore) UpdateCalendar(ctx context.Context, id string, fn func(*domain.Calendar) error) (domain.Calendar, error) {
	var out domain.Calendar
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		c, err := scanCalendar(s.queryRow(ctx, tx, `SELECT `+calendarCols+` FROM calendars WHERE id = ?`+s.d.lockRow, id))
		if err != nil {
			return notFound(err)
		}
		if err := fn(&c); err != nil {
			return err
		}
		c.ID = id
		c.UpdatedAt = time.Now()
		_, err = s.exec(ctx, tx,
			`UPDATE calendars SET user_id = ?, provider = ?, external_id = ?, name = ?, credential_id = ?,
				is_enabled = ?, is_primary = ?, check_for_conflicts = ?, sync_status = ?, last_synced_at = ?,
				last_sync_error = ?, sync_token = ?, updated_at = ?
			 WHERE id = ?`,
			c.UserID, c.Provider, c.ExternalID, c.Name, c.CredentialID,
			b2i(c.IsEnabled), b2i(c.IsPrimary), b2i(c.CheckForConflicts), string(c.SyncStatus), ms(c.LastSyncedAt),
			nullStr(c.LastSyncError), nullStr(c.SyncToken), ms(c.UpdatedAt), id)
		out = c
		return err
	})
	return out, err
}

func (s *sqlStore) ListCalendarsByUser(ctx context.Context, userID string) ([]domain.Calendar, error) {
	return s.listCalendars(ctx, `SELECT `+calendarCols+` FROM calendars WHERE user_id = ? ORDER BY id`, userID)
}

func (s *sqlStore) ListSyncableCalendars(ctx context.Context) ([]domain.Calendar, error) {
	return s.listCalendars(ctx,
		`SELECT `+calendarCols+` FROM calendars WHERE is_enabled = 1 AND sync_status <> ? ORDER BY id`,
		string(domain.SyncDisconnected))
}

func (s *sqlStore) listCalendars(ctx context.Context, q string, args ...any) ([]domain.Calendar, error) {
	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Calendar
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteCalendar(ctx context.Context, id string) (bool, error) {
	var credDeleted bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var credID string
		if err := s.queryRow(ctx, tx, `SELECT credential_id FROM calendars WHERE id = ?`+s.d.lockRow, id).Scan(&credID); err != nil {
			return notFound(err)
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM synced_events WHERE calendar_id = ?`, id); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM calendars WHERE id = ?`, id); err != nil {
			return err
		}
		if credID == "" {
			return nil
		}
		var refs int
		if err := s.queryRow(ctx, tx, `SELECT COUNT(*) FROM calendars WHERE credential_id = ?`, credID).Scan(&refs); err != nil {
			return err
		}
		if refs > 0 {
			return nil
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM calendar_credentials WHERE id = ?`, credID); err != nil {
			return err
		}
		credDeleted = true
		return nil
	})
	return credDeleted, err
}

// ---- credentials ----

const credentialCols = `id, provider, access_token, refresh_token, expires_at, valid, updated_at`

func scanCredential(sc scanner) (domain.CalendarCredential, error) {
	var (
		c       domain.CalendarCredential
		expires int64
		valid   int
		updated int64
	)
	if err := sc.Scan(&c.ID, &c.Provider, &c.AccessToken, &c.RefreshToken, &expires, &valid, &updated); err != nil {
		return domain.CalendarCredential{}, err
	}
	c.ExpiresAt = fromMS(expires)
	c.Valid = valid == 1
	c.UpdatedAt = fromMS(updated)
	return c, nil
}

func (s *sqlStore) PutCredential(ctx context.Context, c domain.CalendarCredential) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM calendar_credentials WHERE id = ?`, c.ID); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx,
			`INSERT INTO calendar_credentials (`+credentialCols+`) VALUES (?,?,?,?,?,?,?)`,
			c.ID, c.Provider, c.AccessToken, c.RefreshToken, ms(c.ExpiresAt), b2i(c.Valid), ms(c.UpdatedAt))
		return err
	})
}

func (s *sqlStore) GetCredential(ctx context.Context, id string) (domain.CalendarCredential, error) {
	c, err := scanCredential(s.queryRow(ctx, s.db, `SELECT `+credentialCols+` FROM calendar_credentials WHERE id = ?`, id))
	return c, notFound(err)
}

func (s *sqlStore) UpdateCredential(ctx context.Context, id string, fn func(*domain.CalendarCredential) error) (domain.CalendarCredential, error) {
	var out domain.CalendarCredential
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		c, err := scanCredential(s.queryRow(ctx, tx,
			`SELECT `+credentialCols+` FROM calendar_credentials WHERE id = ?`+s.d.lockRow, id))
		if err != nil {
			return notFound(err)
		}
		if err := fn(&c); err != nil {
			return err
		}
		c.ID = id
		c.UpdatedAt = time.Now()
		_, err = s.exec(ctx, tx,
			`UPDATE calendar_credentials SET provider = ?, access_token = ?, refresh_token = ?, expires_at = ?,
				valid = ?, updated_at = ? WHERE id = ?`,
			c.Provider, c.AccessToken, c.RefreshToken, ms(c.ExpiresAt), b2i(c.Valid), ms(c.UpdatedAt), id)
		out = c
		return err
	})
	return out, err
}

// ---- synced events ----

func (s *sqlStore) SaveSyncResult(ctx context.Context, calendarID string, res SyncResult) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		c, err := scanCalendar(s.queryRow(ctx, tx,
			`SELECT `+calendarCols+` FROM calendars WHERE id = ?`+s.d.lockRow, calendarID))
		if err != nil {
			return notFound(err)
		}
		if !c.Syncable() {
			return ErrSyncDiscarded
		}

		if res.Full {
			if _, err := s.exec(ctx, tx, `DELETE FROM synced_events WHERE calendar_id = ?`, calendarID); err != nil {
				return err
			}
		}
		for _, pid := range res.Deleted {
			if _, err := s.exec(ctx, tx,
				`DELETE FROM synced_events WHERE calendar_id = ? AND provider_event_id = ?`, calendarID, pid); err != nil {
				return err
			}
		}
		for _, e := range res.Upserts {
			if err := s.upsertEvent(ctx, tx, calendarID, e, res.SyncedAt); err != nil {
				return err
			}
		}

		_, err = s.exec(ctx, tx,
			`UPDATE calendars SET sync_status = ?, last_synced_at = ?, last_sync_error = NULL, sync_token = ?, updated_at = ?
			 WHERE id = ?`,
			string(domain.SyncSynced), ms(res.SyncedAt), nullStr(res.SyncToken), ms(res.SyncedAt), calendarID)
		return err
	})
}

func (s *sqlStore) upsertEvent(ctx context.Context, tx *sql.Tx, calendarID string, e domain.SyncedEvent, at time.Time) error {
	var id string
	err := s.queryRow(ctx, tx,
		`SELECT id FROM synced_events WHERE calendar_id = ? AND provider_event_id = ?`,
		calendarID, e.ProviderEventID).Scan(&id)
	switch {
	case err == nil:
		_, err = s.exec(ctx, tx,
			`UPDATE synced_events SET title = ?, start_at = ?, end_at = ?, synced_at = ? WHERE id = ?`,
			nullStr(e.Title), ms(e.Start), ms(e.End), ms(at), id)
		return err
	case errors.Is(err, sql.ErrNoRows):
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		_, err = s.exec(ctx, tx,
			`INSERT INTO synced_events (id, calendar_id, provider_event_id, title, start_at, end_at, synced_at)
			 VALUES (?,?,?,?,?,?,?)`,
			e.ID, calendarID, e.ProviderEventID, nullStr(e.Title), ms(e.Start), ms(e.End), ms(at))
		return err
	default:
		return err
	}
}

func (s *sqlStore) ListSyncedEvents(ctx context.Context, calendarID string, start, end time.Time) ([]domain.SyncedEvent, error) {
	q := `SELECT id, calendar_id, provider_event_id, title, start_at, end_at, synced_at
		FROM synced_events WHERE calendar_id = ?`
	args := []any{calendarID}
	if !start.IsZero() {
		q += ` AND end_at > ?`
		args = append(args, ms(start))
	}
	if !end.IsZero() {
		q += ` AND start_at < ?`
		args = append(args, ms(end))
	}
	q += ` ORDER BY start_at`

	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SyncedEvent
	for rows.Next() {
		var (
			e        domain.SyncedEvent
			title    sql.NullString
			startMS  int64
			endMS    int64
			syncedMS int64
		)
		if err := rows.Scan(&e.ID, &e.CalendarID, &e.ProviderEventID, &title, &startMS, &endMS, &syncedMS); err != nil {
			return nil, err
		}
		e.Title = title.String
		e.Start = fromMS(startMS)
		e.End = fromMS(endMS)
		e.SyncedAt = fromMS(syncedMS)
		out = append(out, e)
	}
	return out, rows.Err()
}
