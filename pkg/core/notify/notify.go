// Package notify sends reservation text messages to callers who agreed to
// receive them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-host/pkg/core"
	"github.com/vango-go/vai-host/pkg/core/call"
	"github.com/vango-go/vai-host/pkg/core/venue"
)

// ErrAlreadySent is returned when a message for the reservation went out before.
var ErrAlreadySent = errors.New("notification already sent")

// Sender delivers one SMS and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, to, body string) (string, error)
}

type ConsentChecker interface {
	IsGranted(ctx context.Context, sessionID string, t call.ConsentType) bool
}

type Emitter interface {
	Emit(ev call.AnalyticsEvent)
}

type Dependencies struct {
	Sender  Sender
	Consent ConsentChecker
	Emitter Emitter
	Venue   venue.Profile
	Tracer  trace.Tracer
	Logger  *slog.Logger
	Now     func() time.Time
	// Timeout bounds each delivery attempt.
	Timeout time.Duration
}

type kind string

const (
	kindConfirmation kind = "confirmation"
	kindCancellation kind = "cancellation"
)

type sentKey struct {
	reservation string
	kind        kind
}

type Service struct {
	sender  Sender
	consent ConsentChecker
	emit    Emitter
	venue   venue.Profile
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration

	mu   sync.Mutex
	sent map[sentKey]bool
}

func New(deps Dependencies) (*Service, error) {
	if deps.Sender == nil {
		return nil, errors.New("sms sender is required")
	}
	if deps.Consent == nil {
		return nil, errors.New("consent checker is required")
	}
	s := &Service{
		sender:  deps.Sender,
		consent: deps.Consent,
		emit:    deps.Emitter,
		venue:   deps.Venue,
		tracer:  deps.Tracer,
		logger:  deps.Logger,
		now:     deps.Now,
		timeout: deps.Timeout,
		sent:    make(map[sentKey]bool),
	}
	if s.venue.Name == "" {
		s.venue = venue.Default()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("github.com/vango-go/vai-host/pkg/core/notify")
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.timeout <= 0 {
		s.timeout = 10 * time.Second
	}
	return s, nil
}

// SendReservationConfirmation texts the booking details to the caller. It
// sends nothing unless SMS consent was granted, and at most one message per
// reservation.
func (s *Service) SendReservationConfirmation(ctx context.Context, sessionID, to string, r call.Reservation) error {
	if r.Status != call.ReservationConfirmed {
		return core.NewInvalidStateError("reservation " + r.ID + " is not confirmed")
	}
	return s.deliver(ctx, sessionID, to, r, kindConfirmation, s.ConfirmationBody(r))
}

// SendCancellationNotice texts a cancellation under the same rules.
func (s *Service) SendCancellationNotice(ctx context.Context, sessionID, to string, r call.Reservation) error {
	return s.deliver(ctx, sessionID, to, r, kindCancellation, s.CancellationBody(r))
}

func (s *Service) deliver(ctx context.Context, sessionID, to string, r call.Reservation, k kind, body string) error {
	ctx, span := s.tracer.Start(ctx, "notify.Send", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("reservation_id", r.ID),
		attribute.String("kind", string(k)),
	))
	defer span.End()

	if !s.consent.IsGranted(ctx, sessionID, call.ConsentSMS) {
		span.SetStatus(codes.Error, "sms consent not granted")
		return core.NewConsentDeniedError(string(call.ConsentSMS))
	}
	if strings.TrimSpace(to) == "" {
		return errors.New("no destination number")
	}

	key := sentKey{r.ID, k}
	s.mu.Lock()
	if s.sent[key] {
		s.mu.Unlock()
		return ErrAlreadySent
	}
	s.sent[key] = true
	s.mu.Unlock()

	var sid string
	err := retry.Do(ctx, retry.WithMaxRetries(1, retry.NewExponential(250*time.Millisecond)), func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		id, err := s.sender.Send(attemptCtx, to, body)
		if err != nil {
			if core.IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		sid = id
		return nil
	})
	if err != nil {
		// Nothing went out; a later attempt may try again.
		s.mu.Lock()
		delete(s.sent, key)
		s.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		s.logger.Warn("sms delivery failed", "session_id", sessionID, "reservation_id", r.ID, "error", err)
		s.emitEvent(call.EventSMSFailed, sessionID, map[string]any{"reservation_id": r.ID, "kind": string(k)})
		return fmt.Errorf("send sms: %w", err)
	}

	s.logger.Info("sms sent", "session_id", sessionID, "reservation_id", r.ID, "kind", k, "message_sid", sid)
	s.emitEvent(call.EventSMSSent, sessionID, map[string]any{"reservation_id": r.ID, "kind": string(k), "message_sid": sid})
	return nil
}

// ConfirmationBody renders the confirmation text.
func (s *Service) ConfirmationBody(r call.Reservation) string {
	at := r.RequestedAt.In(s.venue.Location())
	var b strings.Builder
	fmt.Fprintf(&b, "Thank you for your reservation at %s!\n\n", s.venue.Name)
	fmt.Fprintf(&b, "Date: %s\n", at.Format("Monday, January 2"))
	fmt.Fprintf(&b, "Time: %s\n", venue.SpokenTime(at))
	fmt.Fprintf(&b, "Party size: %d\n", r.PartySize)
	fmt.Fprintf(&b, "Confirmation: %s\n\n", confirmationNumber(r))
	b.WriteString("We look forward to serving you! Please call us if you need to make any changes.\n\n")
	b.WriteString(s.signature())
	return b.String()
}

func (s *Service) CancellationBody(r call.Reservation) string {
	at := r.RequestedAt.In(s.venue.Location())
	var b strings.Builder
	fmt.Fprintf(&b, "Your reservation at %s has been cancelled.\n\n", s.venue.Name)
	fmt.Fprintf(&b, "Date: %s\n", at.Format("Monday, January 2"))
	fmt.Fprintf(&b, "Time: %s\n", venue.SpokenTime(at))
	fmt.Fprintf(&b, "Party size: %d\n", r.PartySize)
	fmt.Fprintf(&b, "Confirmation: %s\n\n", confirmationNumber(r))
	b.WriteString("We hope to see you again soon!\n\n")
	b.WriteString(s.signature())
	return b.String()
}

// confirmationNumber is the number the caller heard on the call.
func confirmationNumber(r call.Reservation) string {
	if r.ExternalID != "" {
		return r.ExternalID
	}
	return r.ID
}

func (s *Service) signature() string {
	if s.venue.Phone == "" {
		return s.venue.Name
	}
	return s.venue.Name + "\n" + s.venue.Phone
}

func (s *Service) emitEvent(t call.EventType, sessionID string, payload map[string]any) {
	if s.emit == nil {
		return
	}
	s.emit.Emit(call.AnalyticsEvent{Type: t, SessionID: sessionID, Payload: payload, At: s.now()})
}
