package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/MediaBroker/internal/middleware"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(Logger)
		r.Use(middleware.Principal)

		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Workers
		r.Post("/workers", h.RegisterWorker)
		r.Get("/workers", h.FindWorkers)
		r.Get("/workers/{id}", h.GetWorker)
		r.Put("/workers/{id}", h.UpdateWorker)
		r.Delete("/workers/{id}", h.UnregisterWorker)
		r.Post("/workers/{id}/claims", h.ClaimTasks)
		r.Post("/workers/{id}/messages", h.AddWorkerMessage)
		r.Get("/workers/{id}/messages", h.ListWorkerMessages)

		// Jobs and task groups
		r.Post("/jobs/{jobId}/task-groups", h.CreateTaskGroup)
		r.Get("/jobs/{jobId}/task-groups", h.ListTaskGroups)
		r.Delete("/jobs/{jobId}", h.DeleteJob)
		r.Get("/task-groups/{id}", h.GetTaskGroup)
		r.Post("/task-groups/{id}/tasks", h.CreateTask)
		r.Get("/task-groups/{id}/tasks", h.ListTasks)

		// Tasks
		r.Get("/tasks/{id}", h.GetTask)
		r.Put("/tasks/{id}/status", h.UpdateTaskStatus)
		r.Post("/tasks/{id}/status-updates", h.EnqueueStatusUpdate)
		r.Post("/tasks/{id}/messages", h.AddTaskMessage)
		r.Get("/tasks/{id}/messages", h.ListTaskMessages)

		// Task queue
		r.Get("/queues/{type}", h.RetrieveQueuedTasks)
		r.Get("/queues/{type}/length", h.QueueLength)
		r.Delete("/queues", h.DrainQueues)
	})
}
