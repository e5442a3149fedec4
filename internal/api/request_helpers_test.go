package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/taskqueue/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requestWithParam(name, value string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(name, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestGetPathID(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    int64
		wantErr error
	}{
		{name: "valid", value: "42", want: 42},
		{name: "missing", value: "", wantErr: domain.ErrValidation},
		{name: "not a number", value: "abc", wantErr: domain.ErrInvalidID},
		{name: "zero", value: "0", wantErr: domain.ErrInvalidID},
		{name: "negative", value: "-5", wantErr: domain.ErrInvalidID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := getPathID(requestWithParam("id", tt.value), "id")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestHandlePathIDWritesBadRequest(t *testing.T) {
	rr := httptest.NewRecorder()
	_, ok := handlePathID(rr, requestWithParam("id", "x1"), "id")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid id: has invalid format")
}
