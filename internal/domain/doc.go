// Package domain contains the core entities of the task queue: tasks,
// outbox events and dead-letter entries, together with their status
// transitions and the broker envelope format. It has no knowledge of
// storage or transport.
package domain
