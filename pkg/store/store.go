// Package store defines persistence for sessions, transcripts, consent,
// reservations and analytics events. Backends live in subpackages.
package store

import (
	"context"
	"errors"

	"github.com/vango-go/vai-host/pkg/core/call"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when an immutable record already exists.
	ErrConflict = errors.New("store: record already exists")
)

type Sessions interface {
	CreateSession(ctx context.Context, s call.Session) error
	UpdateSession(ctx context.Context, s call.Session) error
	GetSession(ctx context.Context, id string) (call.Session, error)
}

type Turns interface {
	AppendTurns(ctx context.Context, turns []call.Turn) error
	ListTurns(ctx context.Context, sessionID string) ([]call.Turn, error)
}

type Consents interface {
	// PutConsent stores rec, returning ErrConflict if the session already
	// has a record of the same type.
	PutConsent(ctx context.Context, rec call.ConsentRecord) error
	GetConsent(ctx context.Context, sessionID string, t call.ConsentType) (call.ConsentRecord, error)
}

type Reservations interface {
	PutReservation(ctx context.Context, r call.Reservation) error
	GetReservation(ctx context.Context, id string) (call.Reservation, error)
	ListReservations(ctx context.Context, sessionID string) ([]call.Reservation, error)
}

type Events interface {
	AppendEvents(ctx context.Context, events []call.AnalyticsEvent) error
	ListEvents(ctx context.Context, sessionID string) ([]call.AnalyticsEvent, error)
}

// Store is implemented by every backend.
type Store interface {
	Sessions
	Turns
	Consents
	Reservations
	Events
	Close() error
}
