package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/yourorg/assetledger/internal/incident"
	"github.com/yourorg/assetledger/internal/inventory"
	"github.com/yourorg/assetledger/internal/ledger"
	"github.com/yourorg/assetledger/internal/mirror"
	"github.com/yourorg/assetledger/internal/schedule"
	"github.com/yourorg/assetledger/internal/snapshot"
	"github.com/yourorg/assetledger/internal/snapshotrun"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerActorID       = "X-Actor-Id"
)

type ctxKey int

const (
	corrIDKey ctxKey = iota
	loggerKey
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code              string                         `json:"code"`
	Message           string                         `json:"message"`
	CorrID            string                         `json:"corrId"`
	Retryable         bool                           `json:"retryable"`
	RetryAfterSeconds int                            `json:"retryAfterSeconds,omitempty"`
	Errors            []schedule.ValidationErrorItem `json:"errors,omitempty"`
	Run               *snapshotrun.RunLog            `json:"run,omitempty"`
}

// correlate tags the request with a correlation id and a request logger.
func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID := strings.TrimSpace(r.Header.Get(headerCorrelationID))
		if corrID == "" {
			corrID = uuid.NewString()
		}
		log := CorrelationLogger(s.deps.Logger, corrID, r.Header.Get(headerActorID))
		ctx := context.WithValue(r.Context(), corrIDKey, corrID)
		ctx = context.WithValue(ctx, loggerKey, log)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Header().Set(headerCorrelationID, corrID)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

func CorrelationLogger(logger *slog.Logger, corrID, actorID string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if actorID == "" {
		return logger.With("corrId", corrID)
	}
	return logger.With("corrId", corrID, "actorId", actorID)
}

func corrIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(corrIDKey).(string)
	return id
}

func loggerFrom(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return log
	}
	return slog.Default()
}

// actorID reads the authenticated user forwarded by the proxy. A missing
// header means a system caller.
func actorID(r *http.Request) (*int64, error) {
	raw := strings.TrimSpace(r.Header.Get(headerActorID))
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("%s must be a positive integer", headerActorID)
	}
	return &id, nil
}

func writeJSON(w http.ResponseWriter, status int, corrID string, v any, extra map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	if corrID != "" {
		w.Header().Set(headerCorrelationID, corrID)
	}
	for k, val := range extra {
		w.Header().Set(k, val)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, code, message string) {
	corrID := corrIDFrom(r.Context())
	writeJSON(w, http.StatusBadRequest, corrID, ErrorBody{Code: code, Message: message, CorrID: corrID}, nil)
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	corrID := corrIDFrom(r.Context())
	body := ErrorBody{CorrID: corrID, Message: err.Error()}
	status := http.StatusInternalServerError

	var verr *schedule.ValidationError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		body.Code = "VALIDATION_ERROR"
		body.Message = "request validation failed"
		body.Errors = verr.Errors
	case errors.Is(err, snapshotrun.ErrInvalidRequest):
		status = http.StatusBadRequest
		body.Code = "INVALID_REQUEST"
	case errors.Is(err, inventory.ErrNotFound):
		status = http.StatusNotFound
		body.Code = "NOT_FOUND"
	case errors.Is(err, incident.ErrInvalidIncident):
		status = http.StatusBadRequest
		body.Code = "INVALID_INCIDENT"
	case errors.Is(err, snapshot.ErrInvalidBundle):
		status = http.StatusUnprocessableEntity
		body.Code = "INVALID_BUNDLE"
	case errors.Is(err, mirror.ErrUnknownChannel):
		status = http.StatusNotFound
		body.Code = "NOT_FOUND"
	case errors.Is(err, ledger.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
		body.Code = "STORAGE_UNAVAILABLE"
		body.Retryable = true
	default:
		body.Code = "INTERNAL_ERROR"
		body.Retryable = true
	}
	if status >= http.StatusInternalServerError {
		loggerFrom(r.Context()).Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, corrID, body, nil)
}

func formatRetryAfter(d time.Duration) string {
	return strconv.Itoa(toRetrySeconds(d))
}

func toRetrySeconds(d time.Duration) int {
	seconds := int(d.Seconds())
	if seconds < 1 {
		return 1
	}
	return seconds
}
