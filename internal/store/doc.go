// Package store defines the persistence contracts for tasks, outbox events
// and dead-letter entries. Implementations live under internal/platform
// (postgres for production, memory for tests and single-process runs);
// the reliability pipeline only ever talks to these interfaces.
package store
