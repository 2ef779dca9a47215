// Package domain holds the entities shared by the queue, the sync engine,
// the conflict detector and the webhook engine.
package domain
