// Package dialogue drives the conversation for one call: the state machine
// that orders its phases and the policy that turns classified caller intent
// into replies and actions.
package dialogue

import (
	"fmt"

	"github.com/vango-go/vai-host/pkg/core"
	"github.com/vango-go/vai-host/pkg/core/call"
)

// EventKind names a state machine input.
type EventKind string

const (
	EventConnected         EventKind = "connected"
	EventConsentGranted    EventKind = "consent_granted"
	EventConsentDenied     EventKind = "consent_denied"
	EventUtterance         EventKind = "utterance"
	EventIntentClassified  EventKind = "intent_classified"
	EventConfirmBooking    EventKind = "confirm_booking"
	EventReservationResult EventKind = "reservation_result"
	EventResponseComplete  EventKind = "response_complete"
	EventEscalate          EventKind = "escalate"
	EventHangup            EventKind = "hangup"
	EventGoodbye           EventKind = "goodbye"
	EventFailure           EventKind = "failure"
)

// Event is a state machine input. Reason is recorded for terminal events.
type Event struct {
	Kind   EventKind
	Reason string
}

// Guard carries the facts transition guards depend on.
type Guard struct {
	RecordingConsent bool
}

var table = map[call.State]map[EventKind]call.State{
	call.StateGreeting: {
		EventConnected: call.StateConsentCollection,
	},
	call.StateConsentCollection: {
		EventConsentGranted: call.StateListening,
		EventConsentDenied:  call.StateEnded,
	},
	call.StateListening: {
		EventUtterance: call.StateProcessing,
	},
	call.StateProcessing: {
		EventIntentClassified: call.StateResponding,
		EventConfirmBooking:   call.StateReservationConfirmation,
	},
	call.StateReservationConfirmation: {
		EventReservationResult: call.StateResponding,
	},
	call.StateResponding: {
		EventResponseComplete: call.StateListening,
	},
}

// any non-terminal state accepts these
var global = map[EventKind]call.State{
	EventEscalate: call.StateEscalated,
	EventHangup:   call.StateEnded,
	EventGoodbye:  call.StateEnded,
	EventFailure:  call.StateEnded,
}

// Transition returns the state reached from `from` on ev. Terminal states
// reject every event. Entering reservation confirmation requires recording
// consent.
func Transition(from call.State, ev Event, g Guard) (call.State, error) {
	if from.Terminal() {
		return from, core.NewInvalidStateError(fmt.Sprintf("state %s is terminal, rejected %s", from, ev.Kind))
	}
	if to, ok := global[ev.Kind]; ok {
		return to, nil
	}
	to, ok := table[from][ev.Kind]
	if !ok {
		return from, core.NewInvalidStateError(fmt.Sprintf("no transition from %s on %s", from, ev.Kind))
	}
	if ev.Kind == EventConfirmBooking && !g.RecordingConsent {
		return from, core.NewConsentDeniedError(string(call.ConsentRecording))
	}
	return to, nil
}
