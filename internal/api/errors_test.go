package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/taskqueue/internal/api/shared"
	"github.com/phrazzld/taskqueue/internal/domain"
	"github.com/phrazzld/taskqueue/internal/service"
	"github.com/phrazzld/taskqueue/internal/service/auth"
	"github.com/phrazzld/taskqueue/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapErrorToStatusCode(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{name: "nil error", err: nil, expectedStatus: http.StatusInternalServerError},
		{name: "authentication error", err: auth.ErrInvalidToken, expectedStatus: http.StatusUnauthorized},
		{name: "task not found", err: service.ErrTaskNotFound, expectedStatus: http.StatusNotFound},
		{
			name:           "wrapped dlq not found",
			err:            service.NewDLQServiceError("get", "failed to load entry", store.ErrDLQEntryNotFound),
			expectedStatus: http.StatusNotFound,
		},
		{name: "conflict", err: fmt.Errorf("claim: %w", store.ErrConflict), expectedStatus: http.StatusConflict},
		{name: "empty payload", err: domain.ErrEmptyPayload, expectedStatus: http.StatusBadRequest},
		{
			name:           "invalid id",
			err:            domain.NewValidationError("id", "has invalid format", domain.ErrInvalidID),
			expectedStatus: http.StatusBadRequest,
		},
		{name: "invalid entity", err: store.ErrInvalidEntity, expectedStatus: http.StatusBadRequest},
		{
			name:           "storage failure",
			err:            service.NewTaskServiceError("submit", "failed to persist task", errors.New("connection reset")),
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedStatus, MapErrorToStatusCode(tt.err))
		})
	}
}

func TestGetSafeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "nil", err: nil, expected: "An unexpected error occurred"},
		{name: "task not found", err: service.ErrTaskNotFound, expected: "Task not found"},
		{name: "dlq not found", err: service.ErrDLQEntryNotFound, expected: "Dead letter entry not found"},
		{name: "field validation", err: domain.NewValidationError("id", "has invalid format", domain.ErrInvalidID), expected: "invalid id: has invalid format"},
		{name: "bare empty payload", err: domain.ErrEmptyPayload, expected: "Payload cannot be empty"},
		{name: "invalid entity", err: store.ErrInvalidEntity, expected: "Invalid request data"},
		{
			name:     "storage details are hidden",
			err:      service.NewTaskServiceError("get", "failed", errors.New("dial tcp 10.0.0.5:5432: connection refused")),
			expected: "An unexpected error occurred",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetSafeErrorMessage(tt.err))
		})
	}
}

func TestHandleAPIError(t *testing.T) {
	tests := []struct {
		name            string
		err             error
		defaultMsg      string
		expectedStatus  int
		expectedMessage string
	}{
		{
			name:            "not found ignores default message",
			err:             service.ErrTaskNotFound,
			defaultMsg:      "Failed to get task",
			expectedStatus:  http.StatusNotFound,
			expectedMessage: "Task not found",
		},
		{
			name:            "internal error uses default message",
			err:             errors.New("postgres://user:secret@db/tasks unreachable"),
			defaultMsg:      "Failed to get task",
			expectedStatus:  http.StatusInternalServerError,
			expectedMessage: "Failed to get task",
		},
		{
			name:            "internal error without default",
			err:             errors.New("boom"),
			expectedStatus:  http.StatusInternalServerError,
			expectedMessage: "An unexpected error occurred",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/tasks/1", nil)
			rr := httptest.NewRecorder()

			HandleAPIError(rr, req, tt.err, tt.defaultMsg)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			var body shared.ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, tt.expectedMessage, body.Error)
			assert.NotContains(t, rr.Body.String(), "secret")
		})
	}
}

func TestSanitizeValidationError(t *testing.T) {
	v := validator.New()

	err := v.Struct(SubmitTaskRequest{})
	require.Error(t, err)
	assert.Equal(t, "Invalid Payload: required field", SanitizeValidationError(err))

	assert.Equal(t, "Validation error", SanitizeValidationError(errors.New("something else")))
}
