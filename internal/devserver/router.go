package devserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.stack()...)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		fail(w, r, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		fail(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	// Health check (no auth required)
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.withAuth)

		// Real-time endpoints
		r.Get("/ws", s.handleWebSocket)
		r.Get("/events", s.handleEvents)
		r.Post("/events", s.handleEventFrame)

		r.Get("/", s.handleIndex)

		// Resource endpoints
		r.Route("/{resource}", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/", s.handleCreate)
			r.Get("/_meta", s.handleMeta)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetItem)
				r.Put("/", s.handleReplaceItem)
				r.Patch("/", s.handlePatchItem)
				r.Delete("/", s.handleDeleteItem)
			})
		})
	})

	return r
}
