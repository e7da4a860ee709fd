package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/returns-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса возвратов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Route("/orders/{orderID}/returns", func(r chi.Router) {
			r.Post("/", h.CreateReturn)
			r.Get("/", h.ListReturns)
		})

		r.Route("/returns/{returnID}", func(r chi.Router) {
			r.Get("/", h.GetReturn)
			r.Patch("/", h.UpdateReturn)

			r.Get("/credit-note", h.GetCreditNote)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
