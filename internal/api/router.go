package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", apiHandler.HealthHandler)

		r.Route("/rag", func(r chi.Router) {
			// Document routes
			r.Post("/documents", apiHandler.UploadDocumentHandler)
			r.Get("/documents", apiHandler.ListDocumentsHandler)
			r.Get("/documents/{documentID}", apiHandler.GetDocumentHandler)
			r.Get("/documents/{documentID}/download", apiHandler.DownloadDocumentHandler)
			r.Delete("/documents/{documentID}", apiHandler.DeleteDocumentHandler)

			r.Post("/chat", apiHandler.ChatHandler)
			r.Post("/seed", apiHandler.SeedHandler)
		})
	})

	return r
}
