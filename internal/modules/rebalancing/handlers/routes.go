package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers rebalancing routes under a portfolio
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/portfolios/{id}/rebalance", h.HandleRebalance)
	r.Post("/portfolios/{id}/rebalance/preview", h.HandlePreview)
	r.Get("/portfolios/{id}/trades", h.HandleHistory)
}
