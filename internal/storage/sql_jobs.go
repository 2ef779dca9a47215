package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"slotsync/internal/domain"
)

const jobCols = `id, job_type, payload, status, attempts, max_attempts, next_run_at, dedup_key,
	lease_owner, lease_until, last_error, created_at, updated_at, finished_at`

func scanJob(sc scanner) (domain.Job, error) {
	var (
		j          domain.Job
		typ        string
		status     string
		payload    string
		lastErr    sql.NullString
		nextRun    int64
		leaseUntil int64
		created    int64
		updated    int64
		finished   int64
	)
	err := sc.Scan(&j.ID, &typ, &payload, &status, &j.Attempts, &j.MaxAttempts, &nextRun, &j.DedupKey,
		&j.LeaseOwner, &leaseUntil, &lastErr, &created, &updated, &finished)
	if err != nil {
		return domain.Job{}, err
	}
	j.Type = domain.JobType(typ)
	j.Status = domain.JobStatus(status)
	j.Payload = []byte(payload)
	j.LastError = lastErr.String
	j.NextRunAt = fromMS(nextRun)
	j.LeaseUntil = fromMS(leaseUntil)
	j.CreatedAt = fromMS(created)
	j.UpdatedAt = fromMS(updated)
	j.FinishedAt = fromMS(finished)
	return j, nil
}

func (s *sqlStore) EnqueueJob(ctx context.Context, job domain.Job, expedite bool) (EnqueueResult, error) {
	res, err := s.enqueueOnce(ctx, job, expedite)
	if err == nil || job.DedupKey == "" {
		return res, err
	}
	// A concurrent enqueue may have won the unique active_dedup slot between our
	// lookup and insert. Look again before surfacing the error.
	if again, err2 := s.enqueueOnce(ctx, job, expedite); err2 == nil && !again.Created {
		return again, nil
	}
	return EnqueueResult{}, err
}

func (s *sqlStore) enqueueOnce(ctx context.Context, job domain.Job, expedite bool) (EnqueueResult, error) {
	var res EnqueueResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if job.DedupKey != "" {
			var (
				id      string
				status  string
				nextRun int64
			)
			err := s.queryRow(ctx, tx,
				`SELECT id, status, next_run_at FROM jobs WHERE active_dedup = ?`+s.d.lockRow,
				job.DedupKey).Scan(&id, &status, &nextRun)
			switch {
			case err == nil:
				res = EnqueueResult{ID: id}
				if expedite && domain.JobStatus(status) == domain.JobQueued && ms(job.NextRunAt) < nextRun {
					if _, err := s.exec(ctx, tx,
						`UPDATE jobs SET next_run_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
						ms(job.NextRunAt), ms(time.Now()), id, string(domain.JobQueued)); err != nil {
						return err
					}
					res.Expedited = true
				}
				return nil
			case !errors.Is(err, sql.ErrNoRows):
				return err
			}
		}

		_, err := s.exec(ctx, tx,
			`INSERT INTO jobs (id, job_type, payload, status, attempts, max_attempts, next_run_at, dedup_key,
				active_dedup, lease_owner, lease_until, last_error, created_at, updated_at, finished_at)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			job.ID, string(job.Type), string(job.Payload), string(job.Status), job.Attempts, job.MaxAttempts,
			ms(job.NextRunAt), job.DedupKey, nullStr(job.DedupKey), "", 0, nullStr(job.LastError),
			ms(job.CreatedAt), ms(job.UpdatedAt), 0,
		)
		if err != nil {
			return err
		}
		res = EnqueueResult{ID: job.ID, Created: true}
		return nil
	})
	return res, err
}

func (s *sqlStore) ClaimJob(ctx context.Context, owner string, now time.Time, lease time.Duration) (domain.Job, error) {
	var claimed domain.Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		j, err := scanJob(s.queryRow(ctx, tx,
			`SELECT `+jobCols+` FROM jobs
			 WHERE (status = ? AND next_run_at <= ?) OR (status = ? AND lease_until < ?)
			 ORDER BY next_run_at, created_at
			 LIMIT 1`+s.d.skipLocked,
			string(domain.JobQueued), ms(now), string(domain.JobRunning), ms(now)))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoJob
		}
		if err != nil {
			return err
		}

		attempts := j.Attempts
		if j.Status == domain.JobRunning {
			attempts++
		}
		// Optimistic guard on updated_at keeps engines without row locks honest.
		r, err := s.exec(ctx, tx,
			`UPDATE jobs SET status = ?, lease_owner = ?, lease_until = ?, attempts = ?, updated_at = ?
			 WHERE id = ? AND status = ? AND updated_at = ?`,
			string(domain.JobRunning), owner, ms(now.Add(lease)), attempts, ms(now),
			j.ID, string(j.Status), ms(j.UpdatedAt))
		if err != nil {
			return err
		}
		if n, _ := r.RowsAffected(); n != 1 {
			return ErrNoJob
		}
		j.Status = domain.JobRunning
		j.LeaseOwner = owner
		j.LeaseUntil = now.Add(lease)
		j.Attempts = attempts
		j.UpdatedAt = now
		claimed = j
		return nil
	})
	return claimed, err
}

func (s *sqlStore) CompleteJob(ctx context.Context, id, owner string, upd JobUpdate) error {
	now := time.Now()
	finished := int64(0)
	if upd.Status.Terminal() {
		finished = ms(now)
	}
	// active_dedup is cleared on terminal states so the key can be reused.
	r, err := s.exec(ctx, s.db,
		`UPDATE jobs SET status = ?, attempts = ?, last_error = ?, lease_owner = '', lease_until = 0,
			next_run_at = CASE WHEN ? = 1 THEN ? ELSE next_run_at END,
			active_dedup = CASE WHEN ? = 1 THEN NULL ELSE active_dedup END,
			finished_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND lease_owner = ?`,
		string(upd.Status), upd.Attempts, nullStr(upd.LastError),
		b2i(!upd.NextRunAt.IsZero()), ms(upd.NextRunAt),
		b2i(upd.Status.Terminal()),
		finished, ms(now),
		id, string(domain.JobRunning), owner)
	if err != nil {
		return err
	}
	if n, _ := r.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrLeaseLost
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (domain.Job, error) {
	j, err := scanJob(s.queryRow(ctx, s.db, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id))
	return j, notFound(err)
}

func (s *sqlStore) ListJobs(ctx context.Context, f JobFilter) ([]domain.Job, error) {
	q := `SELECT ` + jobCols + ` FROM jobs WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		q += ` AND job_type = ?`
		args = append(args, string(f.Type))
	}
	q += ` ORDER BY created_at`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountJobs(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.query(ctx, s.db, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[domain.JobStatus]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.JobStatus(status)] = n
	}
	return out, rows.Err()
}

func (s *sqlStore) PurgeJobs(ctx context.Context, before time.Time) (int, error) {
	r, err := s.exec(ctx, s.db,
		`DELETE FROM jobs WHERE status IN (?,?,?) AND finished_at < ?`,
		string(domain.JobDone), string(domain.JobFailed), string(domain.JobDeadLetter), ms(before))
	if err != nil {
		return 0, err
	}
	n, _ := r.RowsAffected()
	return int(n), nil
}
