// Package handlers provides HTTP handlers for rebalancing operations.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/folio/internal/domain"
	"github.com/aristath/folio/internal/modules/rebalancing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// MaxHistoryLimit caps the page size of trade history requests
const MaxHistoryLimit = 1000

// Handler handles rebalancing HTTP requests
type Handler struct {
	service *rebalancing.Service
	log     zerolog.Logger
}

// NewHandler creates a new rebalancing handler
func NewHandler(
	service *rebalancing.Service,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "rebalancing").Logger(),
	}
}

// HandleRebalance handles POST /api/portfolios/{id}/rebalance
func (h *Handler) HandleRebalance(w http.ResponseWriter, r *http.Request) {
	settings, ok := h.decodeSettings(w, r)
	if !ok {
		return
	}

	result, err := h.service.Rebalance(r.Context(), chi.URLParam(r, "id"), settings)
	if err != nil {
		if result != nil {
			// Computed but not recorded: hand the trades back so the caller
			// can act on them or retry.
			h.log.Error().Err(err).Str("portfolio_id", result.PortfolioID).Msg("Rebalance not persisted")
			h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"error": map[string]interface{}{
					"message": "failed to persist trade instructions",
					"run_id":  result.RunID,
					"trades":  result.Instructions,
				},
			})
			return
		}
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"portfolio_id": result.PortfolioID,
			"run_id":       result.RunID,
			"trades":       result.Instructions,
			"count":        len(result.Instructions),
			"records":      result.Records,
			"auto_trade":   result.AutoTrade,
			"persisted":    result.Persisted,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandlePreview handles POST /api/portfolios/{id}/rebalance/preview
func (h *Handler) HandlePreview(w http.ResponseWriter, r *http.Request) {
	settings, ok := h.decodeSettings(w, r)
	if !ok {
		return
	}

	instructions, err := h.service.Preview(r.Context(), chi.URLParam(r, "id"), settings)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"trades": instructions,
			"count":  len(instructions),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleHistory handles GET /api/portfolios/{id}/trades
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = min(parsed, MaxHistoryLimit)
	}

	records, err := h.service.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": records,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
			"count":     len(records),
		},
	})
}

func (h *Handler) decodeSettings(w http.ResponseWriter, r *http.Request) (domain.RebalanceSettings, bool) {
	var settings domain.RebalanceSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return settings, false
	}
	return settings, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	default:
		h.log.Error().Err(err).Msg("Rebalancing request failed")
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"message": message},
	})
}
