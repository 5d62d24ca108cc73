package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error is the common error shape for call orchestration faults.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Service   string    `json:"service,omitempty"`
	Code      string    `json:"code,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
	Err       error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	b.WriteString(": ")
	if e.Service != "" {
		b.WriteString(e.Service)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Code != "" {
		fmt.Fprintf(&b, " (code: %s)", e.Code)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

func (e *Error) errorType() ErrorType { return e.Type }

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrTransport       ErrorType = "transport_error"
	ErrUpstream        ErrorType = "upstream_service_error"
	ErrConsentDenied   ErrorType = "consent_denied"
	ErrOutOfOrder      ErrorType = "out_of_order"
	ErrDuplicate       ErrorType = "duplicate_session"
	ErrBookingConflict ErrorType = "booking_conflict"
	ErrPipelineOverrun ErrorType = "pipeline_overrun"
	ErrSpeechService   ErrorType = "speech_service_error"
	ErrOverloaded      ErrorType = "overloaded_error"
	ErrNotFound        ErrorType = "not_found_error"
	ErrInvalidState    ErrorType = "invalid_state"
)

// NewTransportError reports a dropped or malformed telephony stream.
func NewTransportError(message string, cause error) *Error {
	return &Error{Type: ErrTransport, Message: message, Err: cause}
}

// NewUpstreamError wraps a failure returned by an external service.
func NewUpstreamError(service string, cause error, retryable bool) *Error {
	msg := "request failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Type: ErrUpstream, Service: service, Message: msg, Retryable: retryable, Err: cause}
}

// NewServiceUnavailableError is a retryable upstream error.
func NewServiceUnavailableError(service string, cause error) *Error {
	e := NewUpstreamError(service, cause, true)
	e.Code = "service_unavailable"
	return e
}

// NewTimeoutError is a retryable upstream error for deadline overruns.
func NewTimeoutError(service string, cause error) *Error {
	e := NewUpstreamError(service, cause, true)
	e.Code = "timeout"
	return e
}

// NewSpeechServiceError is raised once the speech retry budget is exhausted.
func NewSpeechServiceError(service string, cause error) *Error {
	msg := "speech service unavailable"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Type: ErrSpeechService, Service: service, Message: msg, Err: cause}
}

// NewConsentDeniedError reports an operation blocked by missing consent.
func NewConsentDeniedError(consentType string) *Error {
	return &Error{Type: ErrConsentDenied, Message: consentType + " consent not granted", Code: consentType}
}

// NewDuplicateSessionError reports a second session for an active call id.
func NewDuplicateSessionError(callID string) *Error {
	return &Error{Type: ErrDuplicate, Message: "call " + callID + " already has an active session"}
}

// NewOverloadedError reports that the admission limit is reached.
func NewOverloadedError(message string) *Error {
	return &Error{Type: ErrOverloaded, Message: message, Retryable: true}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{Type: ErrNotFound, Message: message}
}

// NewInvalidStateError reports an event the current state cannot accept.
func NewInvalidStateError(message string) *Error {
	return &Error{Type: ErrInvalidState, Message: message}
}

// OutOfOrderError is returned when a turn arrives with an unexpected sequence number.
type OutOfOrderError struct {
	SessionID string
	Want      int64
	Got       int64
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("%s: session %s expected turn %d, got %d", ErrOutOfOrder, e.SessionID, e.Want, e.Got)
}

func (e *OutOfOrderError) errorType() ErrorType { return ErrOutOfOrder }

// SlotUnavailableError is the booking conflict raised when the requested slot is taken.
// It is never retried.
type SlotUnavailableError struct {
	Requested    time.Time
	Alternatives []time.Time
}

func (e *SlotUnavailableError) Error() string {
	return fmt.Sprintf("%s: slot %s unavailable (%d alternatives)", ErrBookingConflict, e.Requested.Format(time.RFC3339), len(e.Alternatives))
}

func (e *SlotUnavailableError) errorType() ErrorType { return ErrBookingConflict }

// PipelineOverrunError is logged when the audio queue drops a frame.
type PipelineOverrunError struct {
	SessionID string
	Dropped   int64
	Total     int64
}

func (e *PipelineOverrunError) Error() string {
	return fmt.Sprintf("%s: session %s dropped %d of %d frames", ErrPipelineOverrun, e.SessionID, e.Dropped, e.Total)
}

func (e *PipelineOverrunError) errorType() ErrorType { return ErrPipelineOverrun }

type typedError interface {
	error
	errorType() ErrorType
}

// TypeOf returns the ErrorType of the first typed error in err's chain.
func TypeOf(err error) ErrorType {
	var te typedError
	if errors.As(err, &te) {
		return te.errorType()
	}
	return ""
}

// HasType reports whether err's chain carries an error of type t.
func HasType(err error, t ErrorType) bool {
	for err != nil {
		if te, ok := err.(typedError); ok && te.errorType() == t {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsRetryable reports whether a local retry may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}
