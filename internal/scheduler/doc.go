// Package scheduler fires periodic maintenance triggers (calendar sweeps, job
// retention) from cron or interval schedules.
//
// Triggers are short: they enqueue durable jobs or run a single bounded query.
// The real work happens in the worker pool.
package scheduler
