// Package api provides HTTP handlers for the assistant gateway.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/orienteer-assist/internal/chat"
	"github.com/ashureev/orienteer-assist/internal/competition"
	"github.com/ashureev/orienteer-assist/internal/domain"
	"github.com/ashureev/orienteer-assist/internal/events"
	"github.com/go-chi/chi/v5"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (64KB).
const defaultMaxRequestBodySize = 64 << 10

// ChatSession is the chat state exposed over HTTP.
type ChatSession interface {
	Snapshot() chat.Snapshot
	SendMessage(ctx context.Context, text string) error
	Clear(ctx context.Context) error
	Subscribe(fn func(chat.Snapshot)) *events.Subscription
}

// Foregrounder receives visibility changes from the client.
type Foregrounder interface {
	Foreground()
}

// CompetitionSource lists and fetches competitions.
type CompetitionSource interface {
	Summaries(ctx context.Context, q competition.SummaryQuery) ([]domain.CompetitionSummary, error)
	Get(ctx context.Context, id string) (*domain.Competition, error)
}

// StreamConfig controls the snapshot event stream.
type StreamConfig struct {
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
}

// Handler serves the chat and competition endpoints.
type Handler struct {
	chat         ChatSession
	conn         Foregrounder
	competitions CompetitionSource
	stream       StreamConfig
}

// NewHandler creates a new Handler with its dependencies.
func NewHandler(session ChatSession, conn Foregrounder, competitions CompetitionSource, stream StreamConfig) *Handler {
	if stream.KeepaliveInterval <= 0 {
		stream.KeepaliveInterval = 10 * time.Second
	}
	if stream.RetryDelay <= 0 {
		stream.RetryDelay = 5 * time.Second
	}
	return &Handler{
		chat:         session,
		conn:         conn,
		competitions: competitions,
		stream:       stream,
	}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/chat", func(r chi.Router) {
			r.Get("/", h.GetChat)
			r.Delete("/", h.ClearChat)
			r.Post("/messages", h.PostMessage)
			r.Post("/visibility", h.PostVisibility)
			r.Get("/stream", h.Stream)
		})
		r.Get("/competitions", h.ListCompetitions)
		r.Get("/competitions/{id}", h.GetCompetition)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
