// Package call holds the records shared by every part of a phone call:
// the session, its transcript turns, consent decisions, reservations and
// analytics events.
package call

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is the lifecycle status of a CallSession.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusEscalated Status = "escalated"
	StatusFailed    Status = "failed"
)

// State is a dialogue state.
type State string

const (
	StateGreeting                State = "greeting"
	StateConsentCollection       State = "consent_collection"
	StateListening               State = "listening"
	StateProcessing              State = "processing"
	StateResponding              State = "responding"
	StateReservationConfirmation State = "reservation_confirmation"
	StateEscalated               State = "escalated"
	StateEnded                   State = "ended"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateEscalated
}

// Session is the authoritative record of one call.
type Session struct {
	ID           string    `json:"id"`
	CallID       string    `json:"call_id"`
	CallerNumber string    `json:"caller_number"`
	CalledNumber string    `json:"called_number,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
	Status       Status    `json:"status"`
	State        State     `json:"state"`
	Language     string    `json:"language"`

	RecordingConsent bool `json:"recording_consent"`
	SMSConsent       bool `json:"sms_consent"`

	UnrecognizedStreak int    `json:"unrecognized_streak"`
	SpeechFailures     int    `json:"speech_failures"`
	PipelineOverruns   int64  `json:"pipeline_overruns"`
	EndReason          string `json:"end_reason,omitempty"`
}

// Duration is the wall time of the call, or zero while it is active.
func (s Session) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// Turn is one utterance in the transcript. Seq starts at 1 and has no gaps.
type Turn struct {
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	AudioRef  string    `json:"audio_ref,omitempty"`
	At        time.Time `json:"at"`
}

// ReservationStatus is the booking lifecycle.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationFailed    ReservationStatus = "failed"
	ReservationCancelled ReservationStatus = "cancelled"
)

// Reservation is a booking made on behalf of a caller.
type Reservation struct {
	ID             string            `json:"id"`
	SessionID      string            `json:"session_id"`
	PartySize      int               `json:"party_size"`
	RequestedAt    time.Time         `json:"requested_at"`
	Name           string            `json:"name,omitempty"`
	Phone          string            `json:"phone,omitempty"`
	Status         ReservationStatus `json:"status"`
	IdempotencyKey string            `json:"idempotency_key"`
	ExternalID     string            `json:"external_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ConsentType names what the caller agreed to.
type ConsentType string

const (
	ConsentRecording ConsentType = "recording"
	ConsentSMS       ConsentType = "sms"
)

// Valid reports whether t is a known consent type.
func (t ConsentType) Valid() bool {
	return t == ConsentRecording || t == ConsentSMS
}

// ConsentRecord is immutable once written. Absence means not granted.
type ConsentRecord struct {
	SessionID string      `json:"session_id"`
	Type      ConsentType `json:"type"`
	Granted   bool        `json:"granted"`
	Method    string      `json:"method"`
	At        time.Time   `json:"at"`
}

// EventType names an analytics event.
type EventType string

const (
	EventCallStarted          EventType = "call_started"
	EventCallEnded            EventType = "call_ended"
	EventStateChanged         EventType = "state_changed"
	EventConsentRequested     EventType = "consent_requested"
	EventConsentRecorded      EventType = "consent_recorded"
	EventIntentClassified     EventType = "intent_classified"
	EventReservationConfirmed EventType = "reservation_confirmed"
	EventReservationFailed    EventType = "reservation_failed"
	EventReservationCancelled EventType = "reservation_cancelled"
	EventSMSSent              EventType = "sms_sent"
	EventSMSFailed            EventType = "sms_failed"
	EventEscalated            EventType = "escalated"
	EventPipelineOverrun      EventType = "pipeline_overrun"
	EventSpeechFailure        EventType = "speech_failure"
)

// AnalyticsEvent is an append-only observation about a call.
type AnalyticsEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a lexically sortable unique id.
func NewID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}
