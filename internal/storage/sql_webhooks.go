package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"slotsync/internal/domain"
)

const webhookCols = `id, user_id, url, secret, event_triggers, is_active, failure_count, last_triggered_at,
	last_success_at, last_failure_at, last_error_message, created_at, updated_at`

func scanWebhook(sc scanner) (domain.Webhook, error) {
	var (
		w         domain.Webhook
		triggers  string
		active    int
		triggered int64
		success   int64
		failure   int64
		lastErr   sql.NullString
		created   int64
		updated   int64
	)
	err := sc.Scan(&w.ID, &w.UserID, &w.URL, &w.Secret, &triggers, &active, &w.FailureCount, &triggered,
		&success, &failure, &lastErr, &created, &updated)
	if err != nil {
		return domain.Webhook{}, err
	}
	w.EventTriggers = splitTriggers(triggers)
	w.IsActive = active == 1
	w.LastTriggeredAt = fromMS(triggered)
	w.LastSuccessAt = fromMS(success)
	w.LastFailureAt = fromMS(failure)
	w.LastErrorMessage = lastErr.String
	w.CreatedAt = fromMS(created)
	w.UpdatedAt = fromMS(updated)
	return w, nil
}

func joinTriggers(ts []domain.EventType) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

func splitTriggers(s string) []domain.EventType {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]domain.EventType, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, domain.EventType(p))
		}
	}
	return out
}

func (s *sqlStore) PutWebhook(ctx context.Context, w domain.Webhook) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM webhooks WHERE id = ?`, w.ID); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx,
			`INSERT INTO webhooks (`+webhookCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			w.ID, w.UserID, w.URL, w.Secret, joinTriggers(w.EventTriggers), b2i(w.IsActive), w.FailureCount,
			ms(w.LastTriggeredAt), ms(w.LastSuccessAt), ms(w.LastFailureAt), nullStr(w.LastErrorMessage),
			ms(w.CreatedAt), ms(w.UpdatedAt))
		return err
	})
}

func (s *sqlStore) GetWebhook(ctx context.Context, id string) (domain.Webhook, error) {
	w, err := scanWebhook(s.queryRow(ctx, s.db, `SELECT `+webhookCols+` FROM webhooks WHERE id = ?`, id))
	return w, notFound(err)
}

func (s *sqlStore) UpdateWebhook(ctx context.Context, id string, fn func(*domain.Webhook) error) (domain.Webhook, error) {
	var out domain.Webhook
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		w, err := scanWebhook(s.queryRow(ctx, tx, `SELECT `+webhookCols+` FROM webhooks WHERE id = ?`+s.d.lockRow, id))
		if err != nil {
			return notFound(err)
		}
		if err := fn(&w); err != nil {
			return err
		}
		w.ID = id
		w.UpdatedAt = time.Now()
		_, err = s.exec(ctx, tx,
			`UPDATE webhooks SET user_id = ?, url = ?, secret = ?, event_triggers = ?, is_active = ?, failure_count = ?,
				last_triggered_at = ?, last_success_at = ?, last_failure_at = ?, last_error_message = ?, updated_at = ?
			 WHERE id = ?`,
			w.UserID, w.URL, w.Secret, joinTriggers(w.EventTriggers), b2i(w.IsActive), w.FailureCount,
			ms(w.LastTriggeredAt), ms(w.LastSuccessAt), ms(w.LastFailureAt), nullStr(w.LastErrorMessage), ms(w.UpdatedAt),
			id)
		out = w
		return err
	})
	return out, err
}

func (s *sqlStore) ListWebhooksByUser(ctx context.Context, userID string) ([]domain.Webhook, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+webhookCols+` FROM webhooks WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ---- deliveries ----

const deliveryCols = `id, webhook_id, event_type, payload, status, attempts, max_attempts, response_status,
	response_time_ms, error_message, next_retry_at, delivered_at, created_at, updated_at`

func scanDelivery(sc scanner) (domain.WebhookDelivery, error) {
	var (
		d         domain.WebhookDelivery
		eventType string
		payload   string
		status    string
		errMsg    sql.NullString
		nextRetry int64
		delivered int64
		created   int64
		updated   int64
	)
	err := sc.Scan(&d.ID, &d.WebhookID, &eventType, &payload, &status, &d.Attempts, &d.MaxAttempts, &d.ResponseStatus,
		&d.ResponseTimeMs, &errMsg, &nextRetry, &delivered, &created, &updated)
	if err != nil {
		return domain.WebhookDelivery{}, err
	}
	d.EventType = domain.EventType(eventType)
	d.Payload = []byte(payload)
	d.Status = domain.DeliveryStatus(status)
	d.ErrorMessage = errMsg.String
	d.NextRetryAt = fromMS(nextRetry)
	d.DeliveredAt = fromMS(delivered)
	d.CreatedAt = fromMS(created)
	d.UpdatedAt = fromMS(updated)
	return d, nil
}

func (s *sqlStore) CreateDelivery(ctx context.Context, d domain.WebhookDelivery) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO webhook_deliveries (`+deliveryCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.WebhookID, string(d.EventType), string(d.Payload), string(d.Status), d.Attempts, d.MaxAttempts,
		d.ResponseStatus, d.ResponseTimeMs, nullStr(d.ErrorMessage), ms(d.NextRetryAt), ms(d.DeliveredAt),
		ms(d.CreatedAt), ms(d.UpdatedAt))
	return err
}

func (s *sqlStore) GetDelivery(ctx context.Context, id string) (domain.WebhookDelivery, error) {
	d, err := scanDelivery(s.queryRow(ctx, s.db, `SELECT `+deliveryCols+` FROM webhook_deliveries WHERE id = ?`, id))
	return d, notFound(err)
}

func (s *sqlStore) UpdateDelivery(ctx context.Context, id string, fn func(*domain.WebhookDelivery) error) (domain.WebhookDelivery, error) {
	var out domain.WebhookDelivery
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		d, err := scanDelivery(s.queryRow(ctx, tx,
			`SELECT `+deliveryCols+` FROM webhook_deliveries WHERE id = ?`+s.d.lockRow, id))
		if err != nil {
			return notFound(err)
		}
		if err := fn(&d); err != nil {
			return err
		}
		d.ID = id
		d.UpdatedAt = time.Now()
		_, err = s.exec(ctx, tx,
			`UPDATE webhook_deliveries SET status = ?, attempts = ?, max_attempts = ?, response_status = ?,
				response_time_ms = ?, error_message = ?, next_retry_at = ?, delivered_at = ?, updated_at = ?
			 WHERE id = ?`,
			string(d.Status), d.Attempts, d.MaxAttempts, d.ResponseStatus,
			d.ResponseTimeMs, nullStr(d.ErrorMessage), ms(d.NextRetryAt), ms(d.DeliveredAt), ms(d.UpdatedAt),
			id)
		out = d
		return err
	})
	return out, err
}

func (s *sqlStore) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error) {
	q := `SELECT ` + deliveryCols + ` FROM webhook_deliveries WHERE webhook_id = ? ORDER BY created_at DESC`
	args := []any{webhookID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
