// Package handler defines the contract between the queue and the code that
// executes tasks, the registry that maps task types to handlers, and the
// built-in WEBHOOK and EMAIL handlers.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrDuplicateHandler is returned when two handlers claim the same type.
	ErrDuplicateHandler = errors.New("duplicate handler type")

	// ErrEmptyHandlerType is returned for a handler whose Type is blank.
	ErrEmptyHandlerType = errors.New("handler type cannot be empty")

	// ErrInvalidPayload is returned by handlers for payloads they cannot act on.
	ErrInvalidPayload = errors.New("invalid task payload")
)

// Handler executes tasks of one type. Handle receives the full task payload
// and reports failure through its error; the queue owns retries.
type Handler interface {
	Type() string
	Handle(ctx context.Context, payload string) error
}

// HandlerFunc adapts a function to a Handler of the given type.
type HandlerFunc struct {
	TaskType string
	Fn       func(ctx context.Context, payload string) error
}

// Type implements Handler.
func (h HandlerFunc) Type() string { return h.TaskType }

// Handle implements Handler.
func (h HandlerFunc) Handle(ctx context.Context, payload string) error {
	return h.Fn(ctx, payload)
}

// Registry maps task types to handlers. It is immutable after construction
// and safe for concurrent use.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a registry from the given handlers.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		if h == nil {
			continue
		}
		typ := h.Type()
		if strings.TrimSpace(typ) == "" {
			return nil, ErrEmptyHandlerType
		}
		if _, exists := r.handlers[typ]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateHandler, typ)
		}
		r.handlers[typ] = h
	}
	return r, nil
}

// Lookup returns the handler registered for the task type.
func (r *Registry) Lookup(taskType string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types lists the registered task types in sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
