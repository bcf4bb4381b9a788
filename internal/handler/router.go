package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	custommiddleware "github.com/mmeshcher/library-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware библиотечного сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/Loan", func(r chi.Router) {
		r.Post("/create", h.CreateLoan)
		r.Get("/getloans", h.GetLoans)
		r.Get("/{id}", h.GetLoan)
		r.Post("/{id}/return", h.ReturnLoan)
		r.Post("/{id}/extend", h.ExtendLoan)
	})

	r.Route("/Reservation", func(r chi.Router) {
		r.Post("/create", h.CreateReservation)
		r.Post("/run-expiry-scan", h.RunExpiryScan)
		r.Get("/book/{id}/queue", h.GetQueue)
		r.Get("/{id}", h.GetReservation)
		r.Post("/{id}/cancel", h.CancelReservation)
	})

	r.Route("/Fine", func(r chi.Router) {
		r.Post("/run-overdue-scan", h.RunOverdueScan)
		r.Get("/receipt/{id}", h.GetReceipt)
		r.Get("/user/{id}", h.GetUserFines)
		r.Get("/user/{id}/receipts", h.GetUserReceipts)
		r.Post("/{id}/pay", h.PayFine)
	})

	r.Route("/Notification", func(r chi.Router) {
		r.Get("/user/{id}", h.GetUserNotifications)
		r.Post("/{id}/read", h.MarkNotificationRead)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
