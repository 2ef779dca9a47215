package domain

import (
	"encoding/json"
	"slices"
	"time"
)

type JobType string

const (
	JobSyncCalendar      JobType = "sync_calendar"
	JobSyncUserCalendars JobType = "sync_user_calendars"
	JobCheckConflicts    JobType = "check_conflicts"
	JobDeliverWebhook    JobType = "deliver_webhook"
	JobRetryDelivery     JobType = "retry_delivery"
	JobTestWebhook       JobType = "test_webhook"
)

// JobTypes lists every job type the worker pool is expected to handle.
var JobTypes = []JobType{
	JobSyncCalendar,
	JobSyncUserCalendars,
	JobCheckConflicts,
	JobDeliverWebhook,
	JobRetryDelivery,
	JobTestWebhook,
}

// Known reports whether t is one of JobTypes.
func (t JobType) Known() bool { return slices.Contains(JobTypes, t) }

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobRunning    JobStatus = "running"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
	JobDeadLetter JobStatus = "dead_letter"
)

// Active reports whether a job in this status still holds its dedup key.
func (s JobStatus) Active() bool { return s == JobQueued || s == JobRunning }

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed || s == JobDeadLetter
}

// Job is a durable unit of asynchronous work.
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	NextRunAt   time.Time       `json:"nextRunAt"`
	DedupKey    string          `json:"dedupKey,omitempty"`
	LeaseOwner  string          `json:"leaseOwner,omitempty"`
	LeaseUntil  time.Time       `json:"leaseUntil,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	FinishedAt  time.Time       `json:"finishedAt,omitempty"`
}

// Decode parses the job payload into its typed form.
func (j *Job) Decode() (Payload, error) {
	return DecodePayload(j.Type, j.Payload)
}
