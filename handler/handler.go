package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"chat-relay/internal/domain"
	"chat-relay/internal/sse"
	"chat-relay/internal/usecase"
)

const defaultMaxBodyBytes = 1 << 20

type Relayer interface {
	Validate(messages []domain.ChatMessage) error
	Relay(ctx context.Context, in usecase.RelayInput, sink usecase.EventSink) (usecase.RelayOutput, error)
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

type detailResponse struct {
	Detail string `json:"detail"`
}

type Handler struct {
	relay        Relayer
	logger       *slog.Logger
	maxBodyBytes int64
}

func NewHandler(relay Relayer, logger *slog.Logger) (*Handler, error) {
	if relay == nil {
		return nil, errors.New("handler: relay must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{relay: relay, logger: logger, maxBodyBytes: defaultMaxBodyBytes}, nil
}

// Routes returns the full HTTP surface: routing, CORS, correlation ids and
// the process-wide error fallback.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /chat", h.wrap(h.chat))
	mux.Handle("GET /healthz", h.wrap(h.health))
	return h.withCorrelationID(allowAllCORS().Handler(mux))
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, detailResponse{Detail: "request body too large"})
			return nil
		}
		return fmt.Errorf("handler: read body: %w", err)
	}

	messages, err := usecase.ParseMessages(body)
	if err != nil {
		return err
	}
	if err := h.relay.Validate(messages); err != nil {
		return err
	}

	stream, err := startStream(w)
	if err != nil {
		return err
	}

	logger := loggerFrom(r.Context(), h.logger)
	_, err = h.relay.Relay(r.Context(), usecase.RelayInput{
		RequestID: correlationIDFrom(r.Context()),
		Messages:  messages,
	}, stream)
	if err != nil {
		// Headers are already sent; all that is left is to record why the stream stopped.
		logger.Info("stream closed early", "err", err)
	}
	return nil
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

// startStream commits the event-stream response headers and flushes them so
// the client sees the stream open before the first upstream token arrives.
func startStream(w http.ResponseWriter) (*sse.Writer, error) {
	h := w.Header()
	h.Set("Content-Type", sse.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return sse.NewWriter(w)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
