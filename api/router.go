package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler, limiter Admitter) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/formats", h.ListFormats)

		r.Group(func(r chi.Router) {
			r.Use(RateLimit(limiter))

			r.Post("/conversions", h.CreateConversion)
			r.Get("/conversions", h.ListConversions)
			r.Get("/conversions/{id}", h.GetConversion)
			r.Delete("/conversions/{id}", h.DeleteConversion)
			r.Get("/conversions/{id}/download", h.DownloadConversion)
		})
	})

	return r
}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
}
