// Package shared holds the request and response helpers used by every API
// handler and middleware.
package shared

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type of context keys set by the API layer.
type ContextKey string

const (
	// TraceIDKey is the key for the trace ID in the request context.
	TraceIDKey ContextKey = "traceID"

	// SubjectContextKey is the key for the authenticated token subject.
	SubjectContextKey ContextKey = "subject"

	// RoleContextKey is the key for the authenticated token role.
	RoleContextKey ContextKey = "role"
)

// SetTraceID adds a fresh trace ID to the context.
func SetTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, TraceIDKey, uuid.NewString())
}

// GetTraceID retrieves the trace ID from the context, or "".
func GetTraceID(ctx context.Context) string {
	traceID, _ := ctx.Value(TraceIDKey).(string)
	return traceID
}

// WithPrincipal stores the authenticated subject and role.
func WithPrincipal(ctx context.Context, subject, role string) context.Context {
	ctx = context.WithValue(ctx, SubjectContextKey, subject)
	return context.WithValue(ctx, RoleContextKey, role)
}

// Subject returns the authenticated subject, if any.
func Subject(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(SubjectContextKey).(string)
	return s, ok && s != ""
}

// Role returns the authenticated role, or "".
func Role(ctx context.Context) string {
	r, _ := ctx.Value(RoleContextKey).(string)
	return r
}
