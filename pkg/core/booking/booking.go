// Package booking places reservations with the restaurant's booking system.
// Each request carries an idempotency key so retries and repeated caller
// confirmations never create a second table.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-host/pkg/core"
	"github.com/vango-go/vai-host/pkg/core/call"
	"github.com/vango-go/vai-host/pkg/store"
)

// idempotencyNamespace scopes UUIDv5 idempotency keys to reservations.
var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:vai-host:reservation"))

// IdempotencyKey derives the key for a booking attempt. The same session
// asking for the same slot always yields the same key.
func IdempotencyKey(sessionID string, slot time.Time) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(sessionID+"|"+slot.UTC().Format(time.RFC3339))).String()
}

// Details is what the caller asked for.
type Details struct {
	PartySize int
	Time      time.Time
	Name      string
	Phone     string
}

// Request is sent to the external booking system.
type Request struct {
	PartySize      int       `json:"partySize"`
	Time           time.Time `json:"time"`
	Name           string    `json:"name"`
	Phone          string    `json:"phone,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey"`
}

// StatusConfirmed is the only confirmation status that means a table is held.
const StatusConfirmed = "confirmed"

// Confirmation is the booking system's answer.
type Confirmation struct {
	ReservationID string `json:"reservationId"`
	Status        string `json:"status"`
}

// System is an external reservation backend. Create returns
// *core.SlotUnavailableError when the slot is taken, and retryable
// *core.Error values for transient failures.
type System interface {
	Create(ctx context.Context, req Request) (Confirmation, error)
	Cancel(ctx context.Context, externalID string) error
}

// ConsentChecker is satisfied by *consent.Manager.
type ConsentChecker interface {
	Require(ctx context.Context, sessionID string, t call.ConsentType) error
}

type Emitter interface {
	Emit(ev call.AnalyticsEvent)
}

type Dependencies struct {
	System       System
	Store        store.Reservations
	Consent      ConsentChecker
	Idempotency  IdempotencyStore
	Emitter      Emitter
	Tracer       trace.Tracer
	Logger       *slog.Logger
	Now          func() time.Time
	MaxRetries   uint64
	RetryBase    time.Duration
	CallTimeout  time.Duration
	MaxPartySize int
}

// Adapter books reservations on behalf of call sessions.
type Adapter struct {
	system      System
	store       store.Reservations
	consent     ConsentChecker
	idem        IdempotencyStore
	emit        Emitter
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
	maxRetries  uint64
	retryBase   time.Duration
	callTimeout time.Duration
	maxParty    int
}

func New(deps Dependencies) (*Adapter, error) {
	if deps.System == nil {
		return nil, errors.New("booking system is required")
	}
	if deps.Store == nil {
		return nil, errors.New("reservation store is required")
	}
	if deps.Consent == nil {
		return nil, errors.New("consent checker is required")
	}
	a := &Adapter{
		system:      deps.System,
		store:       deps.Store,
		consent:     deps.Consent,
		idem:        deps.Idempotency,
		emit:        deps.Emitter,
		tracer:      deps.Tracer,
		logger:      deps.Logger,
		now:         deps.Now,
		maxRetries:  deps.MaxRetries,
		retryBase:   deps.RetryBase,
		callTimeout: deps.CallTimeout,
		maxParty:    deps.MaxPartySize,
	}
	if a.idem == nil {
		a.idem = NewMemoryIdempotency()
	}
	if a.tracer == nil {
		a.tracer = otel.Tracer("github.com/vango-go/vai-host/pkg/core/booking")
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.maxRetries == 0 {
		a.maxRetries = 2
	}
	if a.retryBase <= 0 {
		a.retryBase = 200 * time.Millisecond
	}
	if a.callTimeout <= 0 {
		a.callTimeout = 5 * time.Second
	}
	if a.maxParty <= 0 {
		a.maxParty = 20
	}
	return a, nil
}

// BookReservation places a reservation for sessionID. An empty key is
// derived with IdempotencyKey. Recording consent must already be granted.
//
// A key that already produced a pending or confirmed reservation returns
// that reservation without contacting the booking system.
func (a *Adapter) BookReservation(ctx context.Context, sessionID string, d Details, key string) (call.Reservation, error) {
	ctx, span := a.tracer.Start(ctx, "booking.BookReservation", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("party_size", d.PartySize),
	))
	defer span.End()

	if err := a.consent.Require(ctx, sessionID, call.ConsentRecording); err != nil {
		span.SetStatus(codes.Error, "consent required")
		return call.Reservation{}, err
	}
	if err := a.validate(d); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return call.Reservation{}, err
	}
	if key == "" {
		key = IdempotencyKey(sessionID, d.Time)
	}
	span.SetAttributes(attribute.String("idempotency_key", key))

	r, reused, err := a.claim(ctx, sessionID, d, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return call.Reservation{}, err
	}
	if reused {
		span.SetAttributes(attribute.Bool("deduplicated", true))
		return r, nil
	}

	req := Request{PartySize: d.PartySize, Time: d.Time.UTC(), Name: d.Name, Phone: d.Phone, IdempotencyKey: key}
	conf, err := a.create(ctx, req)
	r.UpdatedAt = a.now().UTC()
	if err != nil {
		r.Status = call.ReservationFailed
		if perr := a.store.PutReservation(context.WithoutCancel(ctx), r); perr != nil {
			a.logger.Error("failed to persist reservation", "reservation_id", r.ID, "error", perr)
		}
		a.emitEvent(call.EventReservationFailed, sessionID, map[string]any{
			"reservation_id": r.ID,
			"reason":         string(failureReason(err)),
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, string(failureReason(err)))
		a.logger.Warn("reservation failed", "session_id", sessionID, "reservation_id", r.ID, "error", err)
		return r, err
	}

	r.Status = call.ReservationConfirmed
	r.ExternalID = conf.ReservationID
	if err := a.store.PutReservation(ctx, r); err != nil {
		// The table exists externally; the caller still gets the confirmation.
		a.logger.Error("failed to persist confirmed reservation", "reservation_id", r.ID, "error", err)
	}
	a.emitEvent(call.EventReservationConfirmed, sessionID, map[string]any{
		"reservation_id": r.ID,
		"external_id":    r.ExternalID,
		"party_size":     r.PartySize,
	})
	span.SetAttributes(attribute.String("reservation_id", r.ID))
	a.logger.Info("reservation confirmed", "session_id", sessionID, "reservation_id", r.ID, "party_size", r.PartySize)
	return r, nil
}

// claim binds key to a reservation record. It returns the existing record
// with reused=true when the key already produced a live reservation.
func (a *Adapter) claim(ctx context.Context, sessionID string, d Details, key string) (call.Reservation, bool, error) {
	now := a.now().UTC()
	candidate := call.Reservation{
		ID:             call.NewID(now),
		SessionID:      sessionID,
		PartySize:      d.PartySize,
		RequestedAt:    d.Time.UTC(),
		Name:           d.Name,
		Phone:          d.Phone,
		Status:         call.ReservationPending,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	boundID, err := a.idem.Remember(ctx, key, candidate.ID)
	if err != nil {
		return call.Reservation{}, false, fmt.Errorf("idempotency claim: %w", err)
	}
	if boundID != candidate.ID {
		existing, err := a.store.GetReservation(ctx, boundID)
		switch {
		case err == nil && existing.Status != call.ReservationFailed:
			return existing, true, nil
		case err == nil:
			// A failed attempt may be retried under the same key and id.
			existing.Status = call.ReservationPending
			candidate = existing
		case errors.Is(err, store.ErrNotFound):
			candidate.ID = boundID
		default:
			return call.Reservation{}, false, err
		}
	}
	if err := a.store.PutReservation(ctx, candidate); err != nil {
		return call.Reservation{}, false, err
	}
	return candidate, false, nil
}

func (a *Adapter) create(ctx context.Context, req Request) (Confirmation, error) {
	var conf Confirmation
	attempt := 0
	backoff := retry.WithMaxRetries(a.maxRetries, retry.NewExponential(a.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
		defer cancel()
		c, err := a.system.Create(callCtx, req)
		if err == nil {
			conf = c
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = core.NewTimeoutError("booking", err)
		}
		if core.IsRetryable(err) {
			a.logger.Warn("booking attempt failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	return conf, err
}

// CancelReservation cancels a confirmed reservation made by this service.
func (a *Adapter) CancelReservation(ctx context.Context, reservationID string) (call.Reservation, error) {
	ctx, span := a.tracer.Start(ctx, "booking.CancelReservation", trace.WithAttributes(
		attribute.String("reservation_id", reservationID),
	))
	defer span.End()

	r, err := a.store.GetReservation(ctx, reservationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return call.Reservation{}, core.NewNotFoundError("reservation " + reservationID + " not found")
		}
		return call.Reservation{}, err
	}
	switch r.Status {
	case call.ReservationCancelled:
		return r, nil
	case call.ReservationConfirmed:
	default:
		return r, core.NewInvalidStateError("reservation " + reservationID + " is " + string(r.Status))
	}

	err = retry.Do(ctx, retry.WithMaxRetries(a.maxRetries, retry.NewExponential(a.retryBase)), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
		defer cancel()
		if err := a.system.Cancel(callCtx, r.ExternalID); err != nil {
			if core.IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancel failed")
		return r, err
	}
	r.Status = call.ReservationCancelled
	r.UpdatedAt = a.now().UTC()
	if err := a.store.PutReservation(ctx, r); err != nil {
		return r, err
	}
	a.emitEvent(call.EventReservationCancelled, r.SessionID, map[string]any{"reservation_id": r.ID})
	return r, nil
}

func (a *Adapter) validate(d Details) error {
	if d.PartySize < 1 || d.PartySize > a.maxParty {
		return fmt.Errorf("party size %d out of range 1-%d", d.PartySize, a.maxParty)
	}
	if d.Time.IsZero() {
		return errors.New("reservation time is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("reservation name is required")
	}
	return nil
}

func (a *Adapter) emitEvent(t call.EventType, sessionID string, payload map[string]any) {
	if a.emit == nil {
		return
	}
	a.emit.Emit(call.AnalyticsEvent{Type: t, SessionID: sessionID, Payload: payload})
}

func failureReason(err error) core.ErrorType {
	if t := core.TypeOf(err); t != "" {
		return t
	}
	return core.ErrUpstream
}
