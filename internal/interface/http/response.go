package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/alem-hub/research-pipeline/internal/domain/shared"
	"github.com/alem-hub/research-pipeline/pkg/circuitbreaker"
	"github.com/alem-hub/research-pipeline/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE ENVELOPE
// ══════════════════════════════════════════════════════════════════════════════

// JSONResponse represents a standard JSON response.
type JSONResponse struct {
	Success   bool          `json:"success"`
	Data      any           `json:"data,omitempty"`
	Error     *APIError     `json:"error,omitempty"`
	Meta      *ResponseMeta `json:"meta,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
}

// APIError represents an API error. Code is a stable reason code such as
// DUPLICATE_SUBMISSION.
type APIError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// ResponseMeta contains response metadata.
type ResponseMeta struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Count     int       `json:"count,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSONWithMeta(w, r, status, data, nil)
}

func writeJSONWithMeta(w http.ResponseWriter, r *http.Request, status int, data any, meta *ResponseMeta) {
	if meta == nil {
		meta = &ResponseMeta{}
	}
	meta.Timestamp = time.Now().UTC()
	meta.Version = "v1"

	write(w, status, JSONResponse{
		Success:   status >= 200 && status < 300,
		Data:      data,
		Meta:      meta,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func writeJSONError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeAPIError(w, r, status, &APIError{Code: code, Message: message})
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, apiErr *APIError) {
	write(w, status, JSONResponse{
		Success:   false,
		Error:     apiErr,
		Meta:      &ResponseMeta{Timestamp: time.Now().UTC(), Version: "v1"},
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func write(w http.ResponseWriter, status int, body JSONResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// retryAfterSeconds is advertised for conflicts the client may simply retry.
const retryAfterSeconds = 1

// errorStatus maps a pipeline error to an HTTP status and a stable code.
// The boolean reports whether the client should retry.
func errorStatus(err error) (int, string, bool) {
	if reason, ok := shared.ReasonOf(err); ok {
		switch reason {
		case shared.ReasonUnknownOrInactiveProblem:
			return http.StatusNotFound, reason.String(), false
		case shared.ReasonMalformedSolution, shared.ReasonBelowQualityThreshold:
			return http.StatusUnprocessableEntity, reason.String(), false
		case shared.ReasonDuplicateSubmission:
			return http.StatusConflict, reason.String(), false
		case shared.ReasonProgressionConflict:
			return http.StatusConflict, reason.String(), true
		case shared.ReasonStorageUnavailable:
			return http.StatusServiceUnavailable, reason.String(), true
		}
	}

	switch {
	case errors.Is(err, shared.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT", false
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", false
	case errors.Is(err, shared.ErrConcurrentModification):
		return http.StatusConflict, "CONCURRENT_MODIFICATION", true
	case circuitbreaker.IsRejected(err):
		return http.StatusServiceUnavailable, shared.ReasonStorageUnavailable.String(), true
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "TIMEOUT", true
	default:
		return http.StatusInternalServerError, "INTERNAL", false
	}
}

// errorMessage returns the caller-facing message. Server faults stay opaque.
func errorMessage(err error, status int) string {
	if status >= http.StatusInternalServerError {
		return http.StatusText(status)
	}
	var de *shared.DomainError
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return err.Error()
}

// writeError maps err and writes it. Retryable errors get a Retry-After header.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, retry := errorStatus(err)
	if retry {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	if status >= http.StatusInternalServerError {
		logger.FromContextOr(r.Context(), s.logger).Error("request failed",
			logger.String("path", r.URL.Path),
			logger.String("code", code),
			logger.Err(err),
		)
	}
	writeAPIError(w, r, status, &APIError{
		Code:    code,
		Message: errorMessage(err, status),
	})
}
