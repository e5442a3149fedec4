// Package api handles incoming HTTP requests, routing, request validation,
// and response formatting. It adapts the task and dead-letter services to
// HTTP: handlers decode and validate input, call a service, and map the
// service's sentinel errors to status codes and safe messages.
package api
