package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/orienteer-assist/internal/competition"
	"github.com/go-chi/chi/v5"
)

// ListCompetitions handles GET /api/competitions. Query parameters use the
// upstream API's names and are validated before being forwarded.
func (h *Handler) ListCompetitions(w http.ResponseWriter, r *http.Request) {
	q, err := competition.ParseSummaryQuery(r.URL.Query())
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	summaries, err := h.competitions.Summaries(r.Context(), q)
	if err != nil {
		slog.Error("Competition list failed", "error", err)
		Error(w, http.StatusBadGateway, "competition service unavailable")
		return
	}
	JSON(w, http.StatusOK, summaries)
}

// GetCompetition handles GET /api/competitions/{id}.
func (h *Handler) GetCompetition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		Error(w, http.StatusBadRequest, "competition id is required")
		return
	}

	comp, err := h.competitions.Get(r.Context(), id)
	if errors.Is(err, competition.ErrNotFound) {
		Error(w, http.StatusNotFound, "competition not found")
		return
	}
	if err != nil {
		slog.Error("Competition lookup failed", "error", err, "competition_id", id)
		Error(w, http.StatusBadGateway, "competition service unavailable")
		return
	}
	JSON(w, http.StatusOK, comp)
}
