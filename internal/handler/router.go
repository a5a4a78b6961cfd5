package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/videocredits/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса видеокредитов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/account", h.CreateAccount)

		// Обратный вызов пула воркеров рендеринга, без cookie-авторизации.
		r.Post("/jobs/{jobID}/status", h.TransitionJob)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/account/balance", h.GetBalance)
			r.Get("/account/transactions", h.GetTransactions)

			r.Post("/jobs", h.SubmitJob)
			r.Get("/jobs/{jobID}", h.GetQueueStatus)

			r.Post("/invitations", h.CreateInvitation)
			r.Post("/invitations/redeem", h.RedeemInvitation)

			r.Post("/subscription/change", h.ChangeSubscription)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
