package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/orienteer-assist/internal/chat"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

type sendRequest struct {
	Message string `json:"message"`
}

type visibilityRequest struct {
	Visible bool `json:"visible"`
}

// GetChat returns the current transcript and indicator state.
func (h *Handler) GetChat(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.chat.Snapshot())
}

// ClearChat empties the persisted transcript.
func (h *Handler) ClearChat(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.Clear(r.Context()); err != nil {
		slog.Error("Failed to clear transcript", "error", err)
		Error(w, http.StatusInternalServerError, "failed to clear transcript")
		return
	}
	JSON(w, http.StatusOK, h.chat.Snapshot())
}

// PostMessage handles POST /api/chat/messages.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.chat.SendMessage(r.Context(), req.Message); err != nil {
		if errors.Is(err, chat.ErrEmptyMessage) {
			Error(w, http.StatusBadRequest, "message is required")
			return
		}
		slog.Error("Failed to send chat message", "error", err)
		Error(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	slog.Info("Chat message accepted",
		"message_length", len(req.Message),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)
	JSON(w, http.StatusAccepted, h.chat.Snapshot())
}

// PostVisibility handles POST /api/chat/visibility. A visible=true report
// triggers an immediate reconnect attempt when the chat is disconnected.
func (h *Handler) PostVisibility(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)

	var req visibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Visible {
		h.conn.Foreground()
	}
	JSON(w, http.StatusOK, h.chat.Snapshot())
}

// Stream handles GET /api/chat/stream: a server-sent event stream carrying a
// snapshot event after every chat state change, plus keepalive pings.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.stream.RetryDelay.Milliseconds()); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err)
		return
	}

	// Publishes can arrive out of order across goroutines, so a notification
	// only marks the stream dirty and the current state is read when writing.
	notify := make(chan struct{}, 1)
	sub := h.chat.Subscribe(func(chat.Snapshot) {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	defer sub.Close()

	if err := writeSnapshot(w, h.chat.Snapshot()); err != nil {
		slog.Warn("failed to write initial SSE snapshot", "error", err)
		return
	}
	flusher.Flush()
	slog.Info("Chat stream connected", "request_id", chiMiddleware.GetReqID(r.Context()))

	keepalive := time.NewTicker(h.stream.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("Chat stream disconnected")
			return
		case <-notify:
			if err := writeSnapshot(w, h.chat.Snapshot()); err != nil {
				slog.Warn("failed to write SSE snapshot", "error", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSnapshot(w io.Writer, snap chat.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return writeSSE(w, "snapshot", string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
