package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all portfolio routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/portfolios/{id}/positions", h.HandleGetPositions)
	r.Put("/portfolios/{id}/positions", h.HandleSavePositions)
	r.Get("/portfolios/{id}/summary", h.HandleGetSummary)
}
