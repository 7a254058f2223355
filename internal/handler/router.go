package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/checkout-service/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса оформления заказов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(custommiddleware.Tracing)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/payments/verify", h.VerifyPayment)
		r.Get("/payments", h.GetPayments)
		r.Post("/payments/imepay/token", h.CreateIMEPayToken)

		r.Post("/promo-codes/apply", h.ApplyPromoCode)

		r.Post("/orders/checkout", h.Checkout)
		r.Get("/orders", h.GetOrders)

		r.Post("/pre-orders/checkout", h.PreOrderCheckout)

		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.RequireStaff(h.service, h.logger))

			r.Post("/orders/mark-completed", h.MarkOrderCompleted)
			r.Post("/orders/mark-cancelled", h.MarkOrderCancelled)

			r.Post("/pre-orders/mark-completed", h.MarkPreOrderCompleted)
			r.Post("/pre-orders/mark-cancelled", h.MarkPreOrderCancelled)
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
