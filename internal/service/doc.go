// Package service holds the use cases behind the HTTP surface: submitting
// and managing tasks, and inspecting and remediating dead-letter entries.
//
// Every write that must reach the broker goes through the outbox: a service
// changes task state and records a NEW outbox event in the same
// transaction, and the outbox publisher delivers it afterwards. Services
// never talk to the broker directly.
//
// Errors follow one convention. Missing entities are reported with the
// sentinels ErrTaskNotFound and ErrDLQEntryNotFound, validation failures
// keep their domain.ErrValidation chain, and every other store failure is
// wrapped with ErrStorage inside a TaskServiceError or DLQServiceError.
package service
