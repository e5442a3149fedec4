package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/phrazzld/taskqueue/internal/api"
	apiMiddleware "github.com/phrazzld/taskqueue/internal/api/middleware"
	"github.com/phrazzld/taskqueue/internal/platform/metrics"
)

// setupRouter creates and configures the application router with all routes and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))

	taskHandler := api.NewTaskHandler(app.taskService)
	dlqHandler := api.NewDLQHandler(app.dlqService)
	authMiddleware := apiMiddleware.NewAuthMiddleware(app.jwtService)

	r.Route("/api", func(r chi.Router) {
		if rpm := app.config.Server.RequestsPerMinute; rpm > 0 {
			r.Use(httprate.LimitByIP(rpm, time.Minute))
		}
		r.Use(authMiddleware.Authenticate)

		r.Route("/tasks", taskHandler.Routes)

		r.Group(func(r chi.Router) {
			r.Use(apiMiddleware.RequireRole(app.config.Auth.AdminRole))
			r.Route("/dlq", dlqHandler.Routes)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", "error", err)
		}
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler(app.registry))

	return r
}
