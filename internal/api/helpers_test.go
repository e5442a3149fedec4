package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/platform/memory"
	"github.com/phrazzld/taskqueue/internal/service"
	"github.com/stretchr/testify/require"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type apiFixture struct {
	db     *memory.DB
	tasks  *service.TaskService
	dlq    *service.DLQService
	router http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db := memory.NewDB()
	_, log, _ := logger.NewTestLogger(t)

	tasks, err := service.NewTaskService(db.Stores(), db.Transactor(), log)
	require.NoError(t, err)
	dlq, err := service.NewDLQService(db.Stores(), db.Transactor(), log)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/api/tasks", NewTaskHandler(tasks).Routes)
	r.Route("/api/dlq", NewDLQHandler(dlq).Routes)

	return &apiFixture{db: db, tasks: tasks, dlq: dlq, router: r}
}

// do sends a request and decodes the response body into out when non-nil.
func (f *apiFixture) do(t *testing.T, method, path, body string, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), out), rr.Body.String())
	}
	return rr
}

// envelope mirrors shared.DataResponse with a typed payload.
type envelope[T any] struct {
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type pageBody[T any] struct {
	Items []T   `json:"items"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
	Total int64 `json:"total"`
}

type taskBody struct {
	ID               int64   `json:"id"`
	Payload          string  `json:"payload"`
	Status           string  `json:"status"`
	RetryCount       int     `json:"retry_count"`
	RetriedFromDLQID *int64  `json:"retried_from_dlq_id"`
	ErrorMessage     *string `json:"error_message"`
	Outbox           *struct {
		Status string `json:"status"`
	} `json:"outbox_status"`
}
