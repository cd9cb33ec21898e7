package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"chat-relay/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type ctxKey int

const (
	correlationIDKey ctxKey = iota
	loggerKey
)

func allowAllCORS() *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{correlationHeader},
	})
}

// withCorrelationID reuses the caller's X-Correlation-Id or generates one,
// echoes it on the response and attaches a scoped logger to the context.
func (h *Handler) withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" {
			id = newUUID()
		}
		w.Header().Set(correlationHeader, id)

		ctx := context.WithValue(r.Context(), correlationIDKey, id)
		ctx = context.WithValue(ctx, loggerKey, h.logger.With("correlation_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func correlationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

func loggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return fallback
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// wrap is the process-wide fallback: client input errors become 400 with a
// detail, every other returned error or panic becomes a 500 JSON body. Once
// the response has started nothing can be rewritten, so the failure is only logged.
func (h *Handler) wrap(fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &trackingWriter{ResponseWriter: w}
		logger := loggerFrom(r.Context(), h.logger)

		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			err := fmt.Errorf("panic: %v", rec)
			logger.Error("handler panicked", "err", err, "path", r.URL.Path)
			h.writeError(rw, logger, err)
		}()

		if err := fn(rw, r); err != nil {
			h.writeError(rw, logger, err)
		}
	})
}

func (h *Handler) writeError(rw *trackingWriter, logger *slog.Logger, err error) {
	if rw.wroteHeader {
		logger.Error("error after response started", "err", err)
		return
	}

	var ucErr *usecase.Error
	if errors.As(err, &ucErr) && ucErr.Code == usecase.ErrorInvalidInput {
		logger.Info("rejected request", "reason", ucErr.Reason, "err", err)
		writeJSON(rw, http.StatusBadRequest, detailResponse{Detail: ucErr.Detail})
		return
	}

	logger.Error("request failed", "err", err)
	writeJSON(rw, http.StatusInternalServerError, errorResponse{
		Error:   "Internal server error",
		Details: err.Error(),
	})
}

// trackingWriter records whether the response has been committed.
type trackingWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (t *trackingWriter) WriteHeader(status int) {
	t.wroteHeader = true
	t.ResponseWriter.WriteHeader(status)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	t.wroteHeader = true
	return t.ResponseWriter.Write(b)
}

func (t *trackingWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		t.wroteHeader = true
		f.Flush()
	}
}

func (t *trackingWriter) Unwrap() http.ResponseWriter {
	return t.ResponseWriter
}

var newUUID = func() string {
	return uuid.NewString()
}
