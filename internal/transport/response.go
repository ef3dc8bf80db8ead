// Package transport contains the HTTP router, middleware chain, and request
// handlers for the postcraft API.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/postcraft/internal/backend"
	"github.com/pitabwire/postcraft/internal/observability"
	"github.com/pitabwire/postcraft/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:           http.StatusBadRequest,
	model.ErrUnauthorized:         http.StatusUnauthorized,
	model.ErrForbidden:            http.StatusForbidden,
	model.ErrNotFound:             http.StatusNotFound,
	model.ErrConflict:             http.StatusConflict,
	model.ErrValidationError:      http.StatusUnprocessableEntity,
	model.ErrInvalidMode:          http.StatusUnprocessableEntity,
	model.ErrRateLimited:          http.StatusTooManyRequests,
	model.ErrInternalError:        http.StatusInternalServerError,
	model.ErrBackendUnavailable:   http.StatusBadGateway,
	model.ErrNetworkTimeout:       http.StatusGatewayTimeout,
	model.ErrAuthFailure:          http.StatusUnauthorized,
	model.ErrPersistenceFailure:   http.StatusServiceUnavailable,
	model.ErrExternalServiceError: http.StatusBadGateway,
	model.ErrIdeationTimeout:      http.StatusGatewayTimeout,
}

// StatusFor returns the HTTP status for an error code.
func StatusFor(code string) int {
	if status := statusForCode[code]; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an error envelope. Errors that are not envelopes
// become a generic 500 and are logged. A client that went away gets nothing.
// A wait cancelled from another request is a conflict.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		return
	}
	ee, ok := model.AsEnvelope(err)
	if !ok {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			ee = model.NewNetworkTimeoutError("request")
		case errors.Is(err, context.Canceled):
			ee = model.NewConflictError("request was cancelled")
		default:
			slog.Error("unhandled error",
				"error", err,
				"method", r.Method,
				"path", r.URL.Path,
			)
			ee = model.NewInternalError()
		}
	}

	var se *backend.StatusError
	if errors.As(err, &se) {
		observability.LoggerFrom(r.Context(), zap.NewNop()).Debug("upstream error body",
			zap.String("service", se.Service),
			zap.Int("status", se.StatusCode),
			observability.RedactedJSON("body", se.Body),
		)
	}

	out := *ee
	out.TraceID = observability.TraceIDFromContext(r.Context())
	if out.TraceID == "" {
		out.TraceID = CorrelationIDFrom(r.Context())
	}
	WriteJSON(w, StatusFor(out.Code), errorResponse{Error: &out})
}

// decodeJSON reads a JSON request body into dst. An empty body leaves dst
// untouched when allowEmpty is set.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}
