package worker

import (
	"context"
	"time"

	"slotsync/internal/domain"
	"slotsync/internal/queue"
	rtsup "slotsync/internal/runtime/supervisor"
)

// Handler executes one claimed job. payload is already decoded and validated.
type Handler func(ctx context.Context, job domain.Job, payload domain.Payload) Result

// DeadLetterFunc surfaces an exhausted or permanently failed job on its owning entity.
type DeadLetterFunc func(ctx context.Context, job domain.Job, payload domain.Payload, cause error)

type HandlerOptions struct {
	// Timeout bounds one execution. 0 uses Config.DefaultTimeout.
	Timeout      time.Duration
	OnDeadLetter DeadLetterFunc
}

// Config controls the worker pool.
type Config struct {
	Workers      int
	PollInterval time.Duration
	// Lease is how long a claim is held before another worker may take the job over.
	// It is raised to at least twice the longest handler timeout.
	Lease          time.Duration
	DefaultTimeout time.Duration
	Backoff        queue.Backoff
	HistorySize    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// HistoryItem is one finished execution kept for ops output.
type HistoryItem struct {
	JobID    string         `json:"jobId"`
	Type     domain.JobType `json:"type"`
	Attempt  int            `json:"attempt"`
	Outcome  string         `json:"outcome"`
	Started  time.Time      `json:"started"`
	Duration time.Duration  `json:"duration"`
	Error    string         `json:"error,omitempty"`
}

// JobEvent is published on the bus for every execution transition.
type JobEvent struct {
	ID       string
	Type     domain.JobType
	Attempts int
	Duration time.Duration
	Error    string
}

type Counters struct {
	Processed    uint64 `json:"processed"`
	Succeeded    uint64 `json:"succeeded"`
	Retried      uint64 `json:"retried"`
	DeadLettered uint64 `json:"deadLettered"`
	Failed       uint64 `json:"failed"`
	LeaseLost    uint64 `json:"leaseLost"`
}

type Snapshot struct {
	Workers    int            `json:"workers"`
	Running    bool           `json:"running"`
	Counters   Counters       `json:"counters"`
	Supervisor rtsup.Counters `json:"supervisor"`
	History    []HistoryItem  `json:"history"`
}
