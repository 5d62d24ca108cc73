package dialogue

import (
	"testing"

	"github.com/vango-go/vai-host/pkg/core"
	"github.com/vango-go/vai-host/pkg/core/call"
)

func TestTransition_HappyPath(t *testing.T) {
	steps := []struct {
		ev   EventKind
		want call.State
	}{
		{EventConnected, call.StateConsentCollection},
		{EventConsentGranted, call.StateListening},
		{EventUtterance, call.StateProcessing},
		{EventIntentClassified, call.StateResponding},
		{EventResponseComplete, call.StateListening},
		{EventUtterance, call.StateProcessing},
		{EventConfirmBooking, call.StateReservationConfirmation},
		{EventReservationResult, call.StateResponding},
		{EventResponseComplete, call.StateListening},
		{EventGoodbye, call.StateEnded},
	}
	state := call.StateGreeting
	for i, step := range steps {
		next, err := Transition(state, Event{Kind: step.ev}, Guard{RecordingConsent: true})
		if err != nil {
			t.Fatalf("step %d (%s from %s): %v", i, step.ev, state, err)
		}
		if next != step.want {
			t.Fatalf("step %d: %s from %s = %s, want %s", i, step.ev, state, next, step.want)
		}
		state = next
	}
}

func TestTransition_ConsentDeniedEnds(t *testing.T) {
	got, err := Transition(call.StateConsentCollection, Event{Kind: EventConsentDenied}, Guard{})
	if err != nil || got != call.StateEnded {
		t.Fatalf("got %s, %v", got, err)
	}
}

func TestTransition_ConfirmBookingRequiresRecordingConsent(t *testing.T) {
	got, err := Transition(call.StateProcessing, Event{Kind: EventConfirmBooking}, Guard{})
	if !core.HasType(err, core.ErrConsentDenied) {
		t.Fatalf("err=%v, want consent_denied", err)
	}
	if got != call.StateProcessing {
		t.Fatalf("state changed to %s on rejected transition", got)
	}
}

func TestTransition_GlobalEventsFromAnyNonTerminal(t *testing.T) {
	nonTerminal := []call.State{
		call.StateGreeting, call.StateConsentCollection, call.StateListening,
		call.StateProcessing, call.StateResponding, call.StateReservationConfirmation,
	}
	for _, s := range nonTerminal {
		if got, err := Transition(s, Event{Kind: EventEscalate}, Guard{}); err != nil || got != call.StateEscalated {
			t.Errorf("escalate from %s = %s, %v", s, got, err)
		}
		if got, err := Transition(s, Event{Kind: EventHangup}, Guard{}); err != nil || got != call.StateEnded {
			t.Errorf("hangup from %s = %s, %v", s, got, err)
		}
	}
}

func TestTransition_TerminalStatesRejectEverything(t *testing.T) {
	for _, s := range []call.State{call.StateEnded, call.StateEscalated} {
		for _, ev := range []EventKind{EventHangup, EventEscalate, EventUtterance, EventConnected} {
			got, err := Transition(s, Event{Kind: ev}, Guard{RecordingConsent: true})
			if !core.HasType(err, core.ErrInvalidState) {
				t.Errorf("%s on %s: err=%v, want invalid_state", ev, s, err)
			}
			if got != s {
				t.Errorf("%s on %s moved to %s", ev, s, got)
			}
		}
	}
}

func TestTransition_UndefinedEdgeRejected(t *testing.T) {
	if _, err := Transition(call.StateListening, Event{Kind: EventResponseComplete}, Guard{}); !core.HasType(err, core.ErrInvalidState) {
		t.Fatalf("err=%v", err)
	}
	if _, err := Transition(call.StateGreeting, Event{Kind: EventUtterance}, Guard{}); err == nil {
		t.Fatalf("greeting should not accept utterances")
	}
}
