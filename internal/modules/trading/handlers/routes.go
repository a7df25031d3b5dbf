package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all trading routes
func (h *TradingHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/trades/{id}", func(r chi.Router) {
		r.Get("/", h.HandleGetTrade)
		r.Put("/status", h.HandleUpdateStatus)
	})
}
