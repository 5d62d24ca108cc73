// Package apierror renders JSON error bodies for the non-TwiML endpoints.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vango-go/vai-host/pkg/core"
)

const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthentication = "authentication_error"
	TypeRateLimit      = "rate_limit_error"
	TypeAPI            = "api_error"
)

type Body struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Code       string `json:"code,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter *int   `json:"retry_after,omitempty"`
}

type Envelope struct {
	Error *Body `json:"error"`
}

func FromError(err error, requestID string) (*Body, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Body{Type: TypeAPI, Message: "request timeout", RequestID: requestID}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Body{Type: TypeAPI, Message: "request cancelled", Code: "cancelled", RequestID: requestID}, http.StatusRequestTimeout
	}

	t := core.TypeOf(err)
	if t == "" {
		// Do not leak details of unclassified errors.
		return &Body{Type: TypeAPI, Message: "internal error", RequestID: requestID}, http.StatusInternalServerError
	}
	body := &Body{Type: string(t), Message: err.Error(), RequestID: requestID}
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		body.Message = coreErr.Message
		body.Code = coreErr.Code
	}
	return body, statusFromType(t)
}

func statusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrDuplicate, core.ErrBookingConflict, core.ErrInvalidState, core.ErrOutOfOrder:
		return http.StatusConflict
	case core.ErrConsentDenied:
		return http.StatusForbidden
	case core.ErrOverloaded:
		return http.StatusServiceUnavailable
	case core.ErrUpstream, core.ErrSpeechService:
		return http.StatusBadGateway
	case core.ErrTransport:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Write encodes body as the JSON error envelope.
func Write(w http.ResponseWriter, status int, body *Body) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: body})
}

// WriteError maps err and writes it.
func WriteError(w http.ResponseWriter, err error, requestID string) {
	body, status := FromError(err, requestID)
	Write(w, status, body)
}
